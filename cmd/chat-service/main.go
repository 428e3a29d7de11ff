package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"microchat/internal/auth"
	"microchat/internal/broker"
	"microchat/internal/config"
	"microchat/internal/db"
	clog "microchat/internal/log"
	"microchat/internal/mw"
	"microchat/internal/relay"
	"microchat/internal/server"
	"microchat/internal/service"
	"microchat/internal/ws"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

func main() {
	// 负责加载配置、连接存储与 broker，并启动 chat-service 的 WebSocket 网关。
	envErr := godotenv.Load()
	cfg := config.Load("3002")
	clog.Init(cfg.Env, cfg.LogLevel, "chat-service")
	if envErr != nil {
		log.Debug().Msg("no .env file found; relying on existing environment")
	}
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	store, closeStore, err := db.OpenStore(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer closeStore()

	host, _ := os.Hostname()
	b, err := broker.Open(cfg.NATSURL, fmt.Sprintf("chat-service-%s-%d", host, os.Getpid()))
	if err != nil {
		log.Fatal().Err(err).Msg("open broker")
	}
	defer b.Close()

	var verifier ws.Verifier = auth.NewTokenManager(cfg.JWTSecret, cfg.JWTIssuer, cfg.TokenTTL)
	if cfg.AuthVerifyURL != "" {
		verifier = auth.NewRemoteVerifier(cfg.AuthVerifyURL)
		log.Info().Str("url", cfg.AuthVerifyURL).Msg("verifying tokens remotely")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lim := mw.NewLimiter(rate.Every(time.Second/20), 40, 2*time.Minute)
	go lim.Run(ctx)

	messages := service.NewMessageService(store)
	gw := ws.NewGateway(b, verifier, relay.New(messages, b), ws.Options{})
	r := server.SetupChatRouter(cfg, lim, messages, gw)
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("broker", cfg.NATSURL).Msg("chat-service listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server run")
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown")
	}
	// hijack 后的 websocket 不受 srv.Shutdown 管理，需由网关自行关闭。
	if err := gw.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("gateway shutdown")
	}
}

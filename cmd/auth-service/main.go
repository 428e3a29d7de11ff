package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"microchat/internal/auth"
	"microchat/internal/config"
	"microchat/internal/db"
	clog "microchat/internal/log"
	"microchat/internal/mw"
	"microchat/internal/server"
	"microchat/internal/service"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

func main() {
	// 负责加载配置、初始化日志、打开账户存储并启动 auth-service。
	envErr := godotenv.Load()
	cfg := config.Load("3001")
	clog.Init(cfg.Env, cfg.LogLevel, "auth-service")
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lim := mw.NewLimiter(rate.Every(time.Second/20), 40, 2*time.Minute)
	go lim.Run(ctx)

	tokens := auth.NewTokenManager(cfg.JWTSecret, cfg.JWTIssuer, cfg.TokenTTL)
	r := server.SetupAuthRouter(cfg, lim, service.NewUserService(store), tokens)
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("auth-service listening")
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
}

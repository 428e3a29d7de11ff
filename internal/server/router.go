package server

import (
	"net/http"

	"microchat/internal/auth"
	"microchat/internal/config"
	"microchat/internal/metrics"
	"microchat/internal/mw"
	"microchat/internal/service"
	"microchat/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// newEngine 初始化两个服务共用的中间件与运维端点。
func newEngine(cfg config.Config, lim *mw.Limiter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(mw.RequestLogger())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.CORSOrigins))
	if lim != nil {
		r.Use(lim.Handler())
	}

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

// SetupAuthRouter 注册 auth-service 的路由。
func SetupAuthRouter(cfg config.Config, lim *mw.Limiter, users *service.UserService, tokens *auth.TokenManager) *gin.Engine {
	r := newEngine(cfg, lim)
	h := NewAuthHandler(users, tokens)
	r.POST("/register", h.Register)
	r.POST("/login", h.Login)
	r.POST("/verify-token", h.VerifyToken)
	r.GET("/users/:id", h.GetUser)
	return r
}

// SetupChatRouter 注册 chat-service 的 WebSocket 与历史记录路由。
func SetupChatRouter(cfg config.Config, lim *mw.Limiter, messages *service.MessageService, gw *ws.Gateway) *gin.Engine {
	r := newEngine(cfg, lim)
	h := NewChatHandler(messages)
	r.GET("/ws", gw.Serve)
	r.GET("/history/:userId1/:userId2", h.History)
	return r
}

package server

import (
	"errors"
	"net/http"
	"strconv"

	"microchat/internal/auth"
	"microchat/internal/models"
	"microchat/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
)

// bcrypt 只使用前 72 字节。
const maxPasswordBytes = 72

type registerRequest struct {
	Username string `json:"username" binding:"required,min=2,max=64"`
	Password string `json:"password" binding:"required,min=4,max=72"`
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type verifyRequest struct {
	Token string `json:"token"`
}

// bindError 把绑定/校验错误转换为对外的错误文案。
func bindError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid payload"
	}
	for _, fe := range verrs {
		if fe.Tag() == "required" {
			return service.ErrMissingField.Error()
		}
	}
	switch verrs[0].Field() {
	case "Username":
		return "invalid username"
	case "Password":
		return "invalid password"
	}
	return "invalid payload"
}

func parseID(s string) (uint, bool) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil || v == 0 {
		return 0, false
	}
	return uint(v), true
}

// AuthHandler 实现 auth-service 的 HTTP 接口。
type AuthHandler struct {
	users  *service.UserService
	tokens *auth.TokenManager
}

func NewAuthHandler(users *service.UserService, tokens *auth.TokenManager) *AuthHandler {
	return &AuthHandler{users: users, tokens: tokens}
}

func (h *AuthHandler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": bindError(err)})
		return
	}
	if len(req.Password) > maxPasswordBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid password"})
		return
	}
	acct, err := h.users.Register(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrMissingField):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, service.ErrDuplicateUsername):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			log.Error().Err(err).Str("username", req.Username).Msg("register")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
		}
		return
	}
	c.JSON(http.StatusCreated, acct)
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": bindError(err)})
		return
	}
	acct, err := h.users.Authenticate(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		log.Error().Err(err).Str("username", req.Username).Msg("login")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}
	token, err := h.tokens.Issue(acct.ID, acct.Username)
	if err != nil {
		log.Error().Err(err).Uint("user_id", acct.ID).Msg("login issue token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "userId": acct.ID, "username": acct.Username})
}

// VerifyToken 供聊天实例远程校验 token。
func (h *AuthHandler) VerifyToken(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Token == "" {
		c.JSON(http.StatusBadRequest, auth.VerifyResponse{Error: "missing token"})
		return
	}
	id, err := h.tokens.Verify(req.Token)
	if err != nil {
		msg := auth.ErrInvalidToken.Error()
		if errors.Is(err, auth.ErrExpiredToken) {
			msg = auth.ErrExpiredToken.Error()
		}
		c.JSON(http.StatusUnauthorized, auth.VerifyResponse{Error: msg})
		return
	}
	c.JSON(http.StatusOK, auth.VerifyResponse{IsValid: true, User: &id})
}

// GetUser 返回账户的显示名。
func (h *AuthHandler) GetUser(c *gin.Context) {
	id, ok := parseID(c.Param("id"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	acct, err := h.users.Lookup(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		log.Error().Err(err).Uint("user_id", id).Msg("lookup user")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load user"})
		return
	}
	c.JSON(http.StatusOK, acct)
}

// ChatHandler 实现 chat-service 的 REST 接口。
type ChatHandler struct {
	messages *service.MessageService
}

func NewChatHandler(messages *service.MessageService) *ChatHandler {
	return &ChatHandler{messages: messages}
}

func (h *ChatHandler) History(c *gin.Context) {
	a, okA := parseID(c.Param("userId1"))
	b, okB := parseID(c.Param("userId2"))
	if !okA || !okB {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	msgs, err := h.messages.History(c.Request.Context(), a, b, service.HistoryLimit)
	if err != nil {
		log.Error().Err(err).Uint("user_a", a).Uint("user_b", b).Msg("history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load history"})
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	c.JSON(http.StatusOK, msgs)
}

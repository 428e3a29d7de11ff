package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// VerifyToken 让 TokenManager 满足网关的校验接口。
func (m *TokenManager) VerifyToken(_ context.Context, token string) (Identity, error) {
	return m.Verify(token)
}

// VerifyResponse 是 POST /verify-token 的响应体。
type VerifyResponse struct {
	IsValid bool      `json:"isValid"`
	User    *Identity `json:"user,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// RemoteVerifier 通过 auth 服务的 /verify-token 校验 token，
// 使聊天实例无需持有签名密钥。
type RemoteVerifier struct {
	url    string
	client *http.Client
}

func NewRemoteVerifier(url string) *RemoteVerifier {
	return &RemoteVerifier{url: url, client: &http.Client{Timeout: 5 * time.Second}}
}

func (v *RemoteVerifier) VerifyToken(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrInvalidToken
	}
	body, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return Identity{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(body))
	if err != nil {
		return Identity{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := v.client.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("verify token: %w", err)
	}
	defer resp.Body.Close()

	var out VerifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Identity{}, fmt.Errorf("decode verify response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusOK && out.IsValid && out.User != nil && out.User.UserID != 0:
		return *out.User, nil
	case resp.StatusCode == http.StatusUnauthorized && out.Error == ErrExpiredToken.Error():
		return Identity{}, ErrExpiredToken
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest:
		return Identity{}, ErrInvalidToken
	default:
		return Identity{}, fmt.Errorf("verify token: unexpected status %d", resp.StatusCode)
	}
}

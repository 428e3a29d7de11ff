package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultJWTSecret 仅用于本地开发，非 dev 环境下 Validate 会拒绝它。
const DefaultJWTSecret = "dev-secret-change-me"

// MemoryDriver 作为 DATABASE_DSN 或 NATS_URL 的取值时，启用进程内实现。
const MemoryDriver = "memory"

type Config struct {
	Port          string
	DatabaseDSN   string
	JWTSecret     string
	JWTIssuer     string
	Env           string
	LogLevel      string
	TokenTTL      time.Duration
	NATSURL       string
	AuthVerifyURL string
	CORSOrigins   []string
}

func getenv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

// Load 从环境变量读取配置，defaultPort 由各个服务的入口提供。
func Load(defaultPort string) Config {
	ttlMinutes, err := strconv.Atoi(getenv("TOKEN_TTL_MINUTES", "60"))
	if err != nil || ttlMinutes <= 0 {
		ttlMinutes = 60
	}
	return Config{
		Port:          getenv("APP_PORT", defaultPort),
		DatabaseDSN:   getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=microchat port=5432 sslmode=disable TimeZone=UTC"),
		JWTSecret:     getenv("JWT_SECRET", DefaultJWTSecret),
		JWTIssuer:     getenv("JWT_ISSUER", "microchat-auth"),
		Env:           getenv("APP_ENV", "dev"),
		LogLevel:      getenv("LOG_LEVEL", "info"),
		TokenTTL:      time.Duration(ttlMinutes) * time.Minute,
		NATSURL:       getenv("NATS_URL", "nats://localhost:4222"),
		AuthVerifyURL: getenv("AUTH_VERIFY_URL", ""),
		CORSOrigins:   parseCSV(getenv("CORS_ALLOWED_ORIGINS", "*")),
	}
}

// Validate 检查必填项；默认密钥只允许出现在 dev 环境。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("APP_PORT is required")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("DATABASE_DSN is required")
	}
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == DefaultJWTSecret {
		return errors.New("JWT_SECRET must be changed outside dev")
	}
	return nil
}

func parseCSV(input string) []string {
	var out []string
	for _, part := range strings.Split(input, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

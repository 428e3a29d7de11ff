package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"microchat/internal/auth"
	"microchat/internal/models"
	"microchat/internal/storage"
)

// UserService 封装账户注册与登录校验。
type UserService struct {
	store     storage.AccountStore
	dummyHash string
}

func NewUserService(store storage.AccountStore) *UserService {
	// 用户不存在时也对该哈希做一次比较，使两种失败的耗时一致。
	dummy, _ := auth.HashPassword("microchat-timing-equalizer")
	return &UserService{store: store, dummyHash: dummy}
}

// Account 是对外输出的账户数据，不含密码哈希。
type Account struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
}

func toAccount(u models.User) Account {
	return Account{ID: u.ID, Username: u.Username}
}

// Register 哈希密码后一次性写入，用户名冲突由存储层的唯一索引判定。
func (s *UserService) Register(ctx context.Context, username, password string) (Account, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return Account{}, ErrMissingField
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return Account{}, fmt.Errorf("hash password: %w", err)
	}
	user := models.User{Username: username, PasswordHash: hash}
	if err := s.store.CreateUser(ctx, &user); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return Account{}, ErrDuplicateUsername
		}
		return Account{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return toAccount(user), nil
}

// Authenticate 校验用户名密码；用户不存在与密码错误都返回 ErrInvalidCredentials。
func (s *UserService) Authenticate(ctx context.Context, username, password string) (Account, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return Account{}, ErrInvalidCredentials
	}
	user, err := s.store.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			auth.VerifyPassword(s.dummyHash, password)
			return Account{}, ErrInvalidCredentials
		}
		return Account{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if !auth.VerifyPassword(user.PasswordHash, password) {
		return Account{}, ErrInvalidCredentials
	}
	return toAccount(user), nil
}

// Lookup 按 id 查询账户，供客户端解析显示名。
func (s *UserService) Lookup(ctx context.Context, id uint) (Account, error) {
	user, err := s.store.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Account{}, ErrUserNotFound
		}
		return Account{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return toAccount(user), nil
}

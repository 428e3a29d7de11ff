package service

import "errors"

// 业务层通用错误，handler 可根据错误类型映射到合适的 HTTP 状态码。
var (
	ErrMissingField       = errors.New("missing field")
	ErrDuplicateUsername  = errors.New("username already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
	ErrIncompleteMessage  = errors.New("incomplete message")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// Package storage describes the persistence operations the services need.
package storage

import (
	"context"
	"errors"

	"microchat/internal/models"
)

// ErrNotFound indicates a record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrAlreadyExists indicates a uniqueness conflict.
var ErrAlreadyExists = errors.New("record already exists")

// AccountStore persists accounts. CreateUser must be a single constrained write:
// a duplicate username surfaces as ErrAlreadyExists.
type AccountStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	FindByUsername(ctx context.Context, username string) (models.User, error)
	FindByID(ctx context.Context, id uint) (models.User, error)
}

// MessageStore persists chat messages.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg *models.Message) error
	// Conversation returns up to limit messages exchanged between a and b in
	// either direction, ascending by timestamp.
	Conversation(ctx context.Context, a, b uint, limit int) ([]models.Message, error)
}

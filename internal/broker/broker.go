// Package broker carries chat events between chat-service instances. Every
// user owns one channel; an instance subscribes to the channels of the users
// it holds live connections for.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/google/uuid"
)

var ErrClosed = errors.New("broker closed")

// Envelope 是在 broker 上传递的事件，ID 用于接收端去重。
type Envelope struct {
	ID      uuid.UUID       `json:"id"`
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
}

// NewEnvelope 为一次发布生成新的 ID。
func NewEnvelope(event string, data any) (Envelope, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{ID: uuid.New(), Event: event, Data: b}, nil
}

type Handler func(Envelope)

type Subscription interface {
	Unsubscribe() error
}

type Broker interface {
	Publish(ctx context.Context, channel string, env Envelope) error
	Subscribe(channel string, h Handler) (Subscription, error)
	Close() error
}

// ChannelFor 返回用户的逻辑频道名。
func ChannelFor(userID uint) string {
	return strconv.FormatUint(uint64(userID), 10)
}

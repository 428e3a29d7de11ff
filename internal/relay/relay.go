// Package relay implements the persist-then-publish path for a chat message:
// the message is stored first, then published to the receiver's channel and
// echoed to the sender's own channel.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"microchat/internal/auth"
	"microchat/internal/broker"
	"microchat/internal/metrics"
	"microchat/internal/models"
	"microchat/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
)

const (
	EventSendMessage = "send_message"
	EventNewMessage  = "new_message"
	EventError       = "error"

	// MaxContentLength 按字符计。
	MaxContentLength = 4000
)

var (
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrMessageTooLong    = errors.New("message too long")
)

var validate = validator.New()

// BrokerError 表示消息已持久化但发布失败；不会回滚已写入的记录。
type BrokerError struct {
	Channels []string
	Err      error
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("publish to %s: %v", strings.Join(e.Channels, ","), e.Err)
}

func (e *BrokerError) Unwrap() error { return e.Err }

func (e *BrokerError) Is(target error) bool { return target == ErrBrokerUnavailable }

// SendRequest 是 send_message 事件的载荷。
type SendRequest struct {
	ReceiverID uint   `json:"receiverId" validate:"required"`
	Content    string `json:"content" validate:"required"`
}

// OutboundMessage 是 new_message 事件的载荷。
type OutboundMessage struct {
	ID             uint      `json:"id"`
	SenderID       uint      `json:"senderId"`
	SenderUsername string    `json:"senderUsername"`
	ReceiverID     uint      `json:"receiverId"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
}

func NewOutbound(m models.Message, senderUsername string) OutboundMessage {
	return OutboundMessage{
		ID:             m.ID,
		SenderID:       m.SenderID,
		SenderUsername: senderUsername,
		ReceiverID:     m.ReceiverID,
		Content:        m.Content,
		Timestamp:      m.CreatedAt,
	}
}

type MessageAppender interface {
	Append(ctx context.Context, senderID, receiverID uint, content string) (models.Message, error)
}

type Relay struct {
	store  MessageAppender
	broker broker.Broker
}

func New(store MessageAppender, b broker.Broker) *Relay {
	return &Relay{store: store, broker: b}
}

// Validate 检查 send_message 载荷。
func Validate(req SendRequest) error {
	if err := validate.Struct(req); err != nil {
		return service.ErrIncompleteMessage
	}
	if strings.TrimSpace(req.Content) == "" {
		return service.ErrIncompleteMessage
	}
	if len([]rune(req.Content)) > MaxContentLength {
		return ErrMessageTooLong
	}
	return nil
}

// HandleSend 的发送者身份只来自已认证的连接，从不取自载荷。
func (r *Relay) HandleSend(ctx context.Context, sender auth.Identity, req SendRequest) (OutboundMessage, error) {
	if sender.UserID == 0 {
		return OutboundMessage{}, auth.ErrInvalidToken
	}
	if err := Validate(req); err != nil {
		return OutboundMessage{}, err
	}

	msg, err := r.store.Append(ctx, sender.UserID, req.ReceiverID, req.Content)
	if err != nil {
		return OutboundMessage{}, err
	}
	out := NewOutbound(msg, sender.Username)
	metrics.WsMessagesTotal.Inc()

	env, err := broker.NewEnvelope(EventNewMessage, out)
	if err != nil {
		return out, &BrokerError{Channels: []string{broker.ChannelFor(req.ReceiverID)}, Err: err}
	}

	channels := []string{broker.ChannelFor(req.ReceiverID)}
	if req.ReceiverID != sender.UserID {
		channels = append(channels, broker.ChannelFor(sender.UserID))
	}

	var failed []string
	var errs []error
	for _, ch := range channels {
		if err := r.broker.Publish(ctx, ch, env); err != nil {
			failed = append(failed, ch)
			errs = append(errs, err)
			metrics.BrokerPublishErrors.Inc()
		}
	}
	if len(errs) > 0 {
		berr := &BrokerError{Channels: failed, Err: errors.Join(errs...)}
		log.Error().Err(berr).Uint("message_id", out.ID).Uint("sender_id", sender.UserID).Msg("relay publish")
		return out, berr
	}

	log.Debug().Uint("message_id", out.ID).Uint("sender_id", sender.UserID).Uint("receiver_id", req.ReceiverID).Msg("relayed")
	return out, nil
}

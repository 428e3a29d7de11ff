package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"microchat/internal/models"
	"microchat/internal/storage"
)

// HistoryLimit 是单次历史查询返回的最大条数。
const HistoryLimit = 100

// MessageService 封装消息持久化与会话历史查询。
type MessageService struct {
	store storage.MessageStore
	now   func() time.Time
}

func NewMessageService(store storage.MessageStore) *MessageService {
	return &MessageService{store: store, now: time.Now}
}

// Append 以服务端时间戳写入一条消息。
func (s *MessageService) Append(ctx context.Context, senderID, receiverID uint, content string) (models.Message, error) {
	if senderID == 0 || receiverID == 0 || strings.TrimSpace(content) == "" {
		return models.Message{}, ErrIncompleteMessage
	}
	msg := models.Message{
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.store.CreateMessage(ctx, &msg); err != nil {
		return models.Message{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return msg, nil
}

// History 返回双方任意方向的消息，按时间升序，最多 limit 条。
func (s *MessageService) History(ctx context.Context, a, b uint, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > HistoryLimit {
		limit = HistoryLimit
	}
	msgs, err := s.store.Conversation(ctx, a, b, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return msgs, nil
}

package models

import "time"

type User struct {
	ID           uint   `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex;size:64;not null"`
	PasswordHash string `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Message 一旦写入即不可变；复合索引服务于会话双方的历史查询。
type Message struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	SenderID   uint      `gorm:"index:idx_msg_pair,priority:1;not null" json:"senderId"`
	ReceiverID uint      `gorm:"index:idx_msg_pair,priority:2;not null" json:"receiverId"`
	Content    string    `gorm:"type:text;not null" json:"content"`
	CreatedAt  time.Time `gorm:"index:idx_msg_pair,priority:3" json:"timestamp"`
}

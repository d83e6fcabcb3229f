package es

import "time"

// MessageES 写入 ES 的消息文档，只保留检索需要的字段
type MessageES struct {
	ID             string    `json:"id"` // MongoDB ObjectID 十六进制
	ConversationID uint64    `json:"conversation_id"`
	SenderID       uint64    `json:"sender_id"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"created_at"`
}

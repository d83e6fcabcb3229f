package dto

import "Mindweave/internal/chat"

// SendMessageReq 发送消息请求体
type SendMessageReq struct {
	ConversationID uint64           `json:"conversation_id" binding:"required"`
	CorrelationID  string           `json:"correlation_id" binding:"required"`
	Body           string           `json:"body"`
	Attachment     *chat.Attachment `json:"attachment,omitempty"`
	ReplyToID      string           `json:"reply_to_id,omitempty"`
	Emphasized     bool             `json:"emphasized,omitempty"`
}

// CreateConversationReq 创建会话请求
type CreateConversationReq struct {
	PeerID    uint64 `json:"peer_id"`
	Assistant bool   `json:"assistant"` // 与 AI 助手建立会话时置真，忽略 peer_id
}

// EditMessageReq 编辑消息请求
type EditMessageReq struct {
	ConversationID uint64 `json:"conversation_id" binding:"required"`
	MessageID      string `json:"message_id" binding:"required"`
	Body           string `json:"body" binding:"required"`
}

// ToggleReactionReq 表态切换请求
type ToggleReactionReq struct {
	ConversationID uint64 `json:"conversation_id" binding:"required"`
	MessageID      string `json:"message_id" binding:"required"`
	Kind           string `json:"kind" binding:"required"`
}

// MarkAsReadReq 标记为已读请求
type MarkAsReadReq struct {
	ConversationID uint64 `json:"conversation_id" binding:"required"`
	MessageID      string `json:"message_id"` // 为空时整个会话标记已读
}

// PinConversationReq 会话置顶请求
type PinConversationReq struct {
	ConversationID uint64 `json:"conversation_id" binding:"required"`
	Pinned         bool   `json:"pinned"`
}

// TypingReq 输入状态上报
type TypingReq struct {
	ConversationID uint64 `json:"conversation_id" binding:"required"`
	Typing         bool   `json:"typing"`
}

// HistoryReq 历史消息分页请求
type HistoryReq struct {
	ConversationID uint64 `form:"conversation_id" binding:"required"`
	Cursor         string `form:"cursor"`
	Limit          int    `form:"limit"`
}

// HistoryResp 历史消息分页响应
type HistoryResp struct {
	Messages   []*chat.WireMessage `json:"messages"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

// SearchMessagesReq 消息全文检索请求
type SearchMessagesReq struct {
	ConversationID uint64 `form:"conversation_id"`
	Keyword        string `form:"keyword" binding:"required"`
	Limit          int    `form:"limit"`
}

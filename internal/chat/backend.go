package chat

import (
	"context"
	"time"
)

// Backend 后端黑盒接口。所有变更操作成功后，最终还会以权威事件
// 从通道回流，Store 依赖 CorrelationID 对两条到达路径去重。
type Backend interface {
	FetchConversations(ctx context.Context) ([]*RemoteConversation, error)
	// FetchMessages 按时间正序（最旧在前）返回，Store 原样追加
	FetchMessages(ctx context.Context, conversationID uint64) ([]*WireMessage, error)
	CreateConversation(ctx context.Context, peerID uint64, assistant bool) (*RemoteConversation, error)
	DeleteConversation(ctx context.Context, conversationID uint64) error

	SendMessage(ctx context.Context, req *SendRequest) error
	EditMessage(ctx context.Context, conversationID uint64, messageID string, body string, correlationID string) error
	DeleteMessage(ctx context.Context, conversationID uint64, messageID string, correlationID string) error
	SetReaction(ctx context.Context, conversationID uint64, messageID string, kind string, correlationID string) error

	MarkRead(ctx context.Context, conversationID uint64, messageID string) error
	SetTypingStatus(ctx context.Context, conversationID uint64, typing bool) error
	UpdatePresence(ctx context.Context) error
}

// RemoteConversation 后端返回的会话记录
type RemoteConversation struct {
	ID            uint64       `json:"id"`
	PeerID        uint64       `json:"peer_id"`
	PeerName      string       `json:"peer_name"`
	Assistant     bool         `json:"assistant"`
	Pinned        bool         `json:"pinned"`
	LastActiveAt  time.Time    `json:"last_active_at"`
	LastMessageAt time.Time    `json:"last_message_at"`
	LastMessage   *WireMessage `json:"last_message,omitempty"`
}

// SendRequest 发送消息请求，CorrelationID 由乐观队列生成
type SendRequest struct {
	ConversationID uint64      `json:"conversation_id"`
	CorrelationID  string      `json:"correlation_id"`
	Body           string      `json:"body"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	ReplyToID      string      `json:"reply_to_id,omitempty"`
	Emphasized     bool        `json:"emphasized,omitempty"`
}

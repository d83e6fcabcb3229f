package chat

import (
	"time"

	"github.com/goccy/go-json"
)

// EventType 通道事件类型
type EventType string

const (
	EventMessageNew      EventType = "message:new"
	EventMessageUpdated  EventType = "message:updated"
	EventMessageDeleted  EventType = "message:deleted"
	EventReactionUpdated EventType = "reaction:updated"
	EventTypingUpdate    EventType = "typing:update"
	EventPresenceUpdate  EventType = "presence:update"
)

// WireMessage 权威事件中携带的完整消息记录（服务端视角）
type WireMessage struct {
	ID             string       `json:"id"`
	CorrelationID  string       `json:"correlation_id,omitempty"` // 源自本地乐观写入时回填
	ConversationID uint64       `json:"conversation_id"`
	SenderID       uint64       `json:"sender_id"`
	SenderName     string       `json:"sender_name,omitempty"`
	Body           string       `json:"body"`
	Attachment     *Attachment  `json:"attachment,omitempty"`
	ReplyToID      string       `json:"reply_to_id,omitempty"`
	Emphasized     bool         `json:"emphasized,omitempty"`
	Assistant      bool         `json:"assistant,omitempty"`
	Edited         bool         `json:"edited,omitempty"`
	Deleted        bool         `json:"deleted,omitempty"`
	Preview        *LinkPreview `json:"preview,omitempty"`
	Reactions      ReactionMap  `json:"reactions,omitempty"`
	Status         Status       `json:"status,omitempty"` // 本端消息的投递状态
	Read           bool         `json:"read,omitempty"`   // 对端消息是否已被请求方读过
	CreatedAt      time.Time    `json:"created_at"`
	EditedAt       time.Time    `json:"edited_at,omitempty"`
}

// MessagePatch 权威局部更新，nil 字段表示不变
type MessagePatch struct {
	Body     *string      `json:"body,omitempty"`
	Edited   *bool        `json:"edited,omitempty"`
	Deleted  *bool        `json:"deleted,omitempty"`
	Status   *Status      `json:"status,omitempty"`
	Preview  *LinkPreview `json:"preview,omitempty"`
	EditedAt time.Time    `json:"edited_at,omitempty"`
}

// Event 通道上的类型化事件。Timestamp 用于 last-write-wins 判定，
// 乱序到达的旧事件不得覆盖新状态。
type Event struct {
	Type           EventType     `json:"type"`
	ConversationID uint64        `json:"conversation_id,omitempty"` // 会话 RemoteID
	Message        *WireMessage  `json:"message,omitempty"`
	MessageID      string        `json:"message_id,omitempty"`
	CorrelationID  string        `json:"correlation_id,omitempty"`
	Patch          *MessagePatch `json:"patch,omitempty"`
	Reactions      ReactionMap   `json:"reactions,omitempty"`
	UserID         uint64        `json:"user_id,omitempty"`
	IsTyping       bool          `json:"is_typing,omitempty"`
	LastActiveAt   time.Time     `json:"last_active_at,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
}

// EncodeEvent 事件编码为通道载荷
func EncodeEvent(ev *Event) ([]byte, error) {
	return json.Marshal(ev)
}

// DecodeEvent 从通道载荷还原事件
func DecodeEvent(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

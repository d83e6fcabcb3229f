package chat

import "time"

// Status 消息投递状态，只进不退：sent → delivered → read
type Status int8

const (
	StatusSent Status = iota + 1
	StatusDelivered
	StatusRead
)

// Advance 单调推进投递状态，回退事件一律忽略
func (s Status) Advance(next Status) Status {
	if next > s {
		return next
	}
	return s
}

const (
	AttachmentImage   = "image"
	AttachmentGif     = "gif"
	AttachmentMindMap = "mindmap"
)

// Attachment 消息附件引用：思维导图引用 ID 或图片/GIF URL
type Attachment struct {
	Kind     string `json:"kind"`
	RefID    string `json:"ref_id,omitempty"` // 思维导图引用 ID
	URL      string `json:"url,omitempty"`
	ThumbURL string `json:"thumb_url,omitempty"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
}

// LinkPreview 消息正文中 URL 的解析结果，异步补齐
type LinkPreview struct {
	URL      string `json:"url"`
	Title    string `json:"title"`
	ImageURL string `json:"image_url,omitempty"`
}

// Message 单条消息。LocalID 在本地 Store 内单调唯一；
// RemoteID 为服务端权威标识，乐观消息在确认前为空。
// 软删除只隐藏正文，消息保留 ID 与位置，引用与滚动锚点不失效。
type Message struct {
	LocalID        uint64
	RemoteID       string
	CorrelationID  string // 乐观写入与权威事件的对账键
	ConversationID uint64 // 会话 LocalID
	SenderID       uint64
	Body           string
	Attachment     *Attachment
	Preview        *LinkPreview
	ReplyTo        uint64 // 同会话内被回复消息的 LocalID，0 表示无
	Status         Status
	Edited         bool
	Deleted        bool
	Emphasized     bool
	ReadLocally    bool // 对端发来的消息是否已在本地视口中读过
	Reactions      ReactionMap
	CreatedAt      time.Time
	EditedAt       time.Time
}

// Clone 深拷贝，用于补偿快照与对外投影
func (m *Message) Clone() *Message {
	cp := *m
	if m.Attachment != nil {
		a := *m.Attachment
		cp.Attachment = &a
	}
	if m.Preview != nil {
		p := *m.Preview
		cp.Preview = &p
	}
	cp.Reactions = m.Reactions.Clone()
	return &cp
}

// Conversation 会话。RemoteID 全局唯一，按其查找不允许重复。
type Conversation struct {
	LocalID       uint64
	RemoteID      uint64
	PeerID        uint64
	PeerName      string
	IsAssistant   bool // 自动会话（AI 助手），不广播输入状态
	Pinned        bool
	Online        bool
	LastActiveAt  time.Time
	LastMessageAt time.Time
}

func (c *Conversation) clone() *Conversation {
	cp := *c
	return &cp
}

package mongo

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Message MongoDB 消息明细模型
type Message struct {
	ID             primitive.ObjectID  `bson:"_id,omitempty" json:"id"`
	ConversationID uint64              `bson:"conversation_id" json:"conversationId"` // 关联 MySQL 的会话 ID
	SenderID       uint64              `bson:"sender_id" json:"senderId"`
	CorrelationID  string              `bson:"correlation_id,omitempty" json:"correlationId"` // 客户端去重标识
	Body           string              `bson:"body" json:"body"`
	Attachment     *Attachment         `bson:"attachment,omitempty" json:"attachment"`
	Preview        *LinkPreview        `bson:"preview,omitempty" json:"preview"`
	ReplyToID      string              `bson:"reply_to_id,omitempty" json:"replyToId"`
	Emphasized     bool                `bson:"emphasized,omitempty" json:"emphasized"`
	Edited         bool                `bson:"edited,omitempty" json:"edited"`
	Deleted        bool                `bson:"deleted,omitempty" json:"deleted"`
	Reactions      map[string][]uint64 `bson:"reactions,omitempty" json:"reactions"` // kind -> 用户 ID 列表
	CreatedAt      time.Time           `bson:"created_at" json:"createdAt"`
	EditedAt       time.Time           `bson:"edited_at,omitempty" json:"editedAt"`
}

// Attachment 消息附件 (图片 / GIF / 思维导图节点)
type Attachment struct {
	Kind     string `bson:"kind" json:"kind"`
	RefID    string `bson:"ref_id,omitempty" json:"refId"`
	URL      string `bson:"url,omitempty" json:"url"`
	ThumbURL string `bson:"thumb_url,omitempty" json:"thumbUrl"`
	Width    int    `bson:"width,omitempty" json:"width"`
	Height   int    `bson:"height,omitempty" json:"height"`
}

// LinkPreview 链接解析结果
type LinkPreview struct {
	URL      string `bson:"url" json:"url"`
	Title    string `bson:"title,omitempty" json:"title"`
	ImageURL string `bson:"image_url,omitempty" json:"imageUrl"`
}

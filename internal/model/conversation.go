package model

import "time"

// Conversation 会话主表。PeerKey 保证同一对用户只存在一条会话记录。
type Conversation struct {
	ID            uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	PeerKey       string    `gorm:"uniqueIndex;type:varchar(64)" json:"peerKey"` // uid1_uid2
	IsAssistant   bool      `gorm:"not null;default:0" json:"isAssistant"`       // AI 助手会话
	LastKind      int8      `gorm:"not null;default:1" json:"lastKind"`          // 预览类型
	LastPreview   string    `gorm:"type:varchar(255)" json:"lastPreview"`
	LastSenderID  uint64    `gorm:"not null;default:0" json:"lastSenderId"`
	LastMessageAt time.Time `gorm:"index" json:"lastMessageAt"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func (Conversation) TableName() string { return "conversations" }

// ConversationMember 会话成员表，置顶与已读进度为成员维度状态
type ConversationMember struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	ConversationID uint64    `gorm:"uniqueIndex:idx_conv_user" json:"conversationId"`
	UserID         uint64    `gorm:"uniqueIndex:idx_conv_user;index" json:"userId"`
	ReadAt         time.Time `json:"readAt"` // 已读水位，早于该时刻的对端消息视为已读
	IsPinned       int8      `gorm:"not null;default:0" json:"isPinned"`
	IsVisible      int8      `gorm:"not null;default:1;index" json:"isVisible"` // 会话列表可见性
	JoinedAt       time.Time `json:"joinedAt"`

	Conversation Conversation `gorm:"foreignKey:ConversationID;references:ID" json:"conversation"`
}

func (ConversationMember) TableName() string { return "conversation_members" }

package repository

import (
	"Mindweave/internal/model"
	"context"
	"time"

	"gorm.io/gorm"
)

type ConversationRepo interface {
	CreateConversation(ctx context.Context, conv *model.Conversation, members []*model.ConversationMember) error
	GetConversation(ctx context.Context, convID uint64) (*model.Conversation, error)
	GetConversationByPeerKey(ctx context.Context, peerKey string) (*model.Conversation, error)
	IsMember(ctx context.Context, convID uint64, userID uint64) (bool, error)
	GetMemberIDs(ctx context.Context, convID uint64) ([]uint64, error)

	UpdateReadAt(ctx context.Context, convID, userID uint64, readAt time.Time) error
	TouchLastMessage(ctx context.Context, convID uint64, preview string, kind int8, senderID uint64, at time.Time) error
	SetPinned(ctx context.Context, convID, userID uint64, pinned bool) error
	HideForUser(ctx context.Context, convID, userID uint64) error

	GetUserConversationMemList(ctx context.Context, userID uint64) ([]*model.ConversationMember, error)
	GetPeerReadAt(ctx context.Context, convIDs []uint64, peerIDs []uint64) (map[uint64]time.Time, error)
}

type conversationRepoImpl struct {
	db *gorm.DB
}

func NewConversationRepo(db *gorm.DB) ConversationRepo {
	return &conversationRepoImpl{db: db}
}

// CreateConversation 开启事务创建会话及初始成员
func (s *conversationRepoImpl) CreateConversation(ctx context.Context, conv *model.Conversation, members []*model.ConversationMember) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(conv).Error; err != nil {
			return err
		}
		for _, m := range members {
			m.ConversationID = conv.ID
			m.JoinedAt = time.Now()
			if err := tx.Create(m).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// GetConversation 根据会话 ID 获取会话
func (s *conversationRepoImpl) GetConversation(ctx context.Context, convID uint64) (*model.Conversation, error) {
	var conv model.Conversation
	err := s.db.WithContext(ctx).First(&conv, convID).Error
	return &conv, err
}

// GetConversationByPeerKey 根据会话标识获取会话
func (s *conversationRepoImpl) GetConversationByPeerKey(ctx context.Context, peerKey string) (*model.Conversation, error) {
	var conv model.Conversation
	err := s.db.WithContext(ctx).Where("peer_key = ?", peerKey).First(&conv).Error
	return &conv, err
}

// IsMember 检查用户是否是会话成员
func (s *conversationRepoImpl) IsMember(ctx context.Context, convID uint64, userID uint64) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.ConversationMember{}).
		Where("conversation_id = ? AND user_id = ?", convID, userID).
		Count(&count).Error
	return count > 0, err
}

// GetMemberIDs 获取会话全部成员 ID，用于事件扇出
func (s *conversationRepoImpl) GetMemberIDs(ctx context.Context, convID uint64) ([]uint64, error) {
	var ids []uint64
	err := s.db.WithContext(ctx).Model(&model.ConversationMember{}).
		Where("conversation_id = ?", convID).
		Pluck("user_id", &ids).Error
	return ids, err
}

// UpdateReadAt 推进用户已读水位 (已读回执)，只允许前进不允许回退
func (s *conversationRepoImpl) UpdateReadAt(ctx context.Context, convID, userID uint64, readAt time.Time) error {
	return s.db.WithContext(ctx).Model(&model.ConversationMember{}).
		Where("conversation_id = ? AND user_id = ? AND read_at < ?", convID, userID, readAt).
		Update("read_at", readAt).Error
}

// TouchLastMessage 刷新会话预览并唤醒成员可见性
func (s *conversationRepoImpl) TouchLastMessage(ctx context.Context, convID uint64, preview string, kind int8, senderID uint64, at time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&model.Conversation{}).Where("id = ?", convID).
			Updates(map[string]interface{}{
				"last_preview":    preview,
				"last_kind":       kind,
				"last_sender_id":  senderID,
				"last_message_at": at,
			}).Error
		if err != nil {
			return err
		}
		// 唤醒所有成员会话可见性 (用于“删除会话”后的自动浮现)
		return tx.Model(&model.ConversationMember{}).Where("conversation_id = ?", convID).Update("is_visible", 1).Error
	})
}

// SetPinned 设置会话置顶状态 (成员维度)
func (s *conversationRepoImpl) SetPinned(ctx context.Context, convID, userID uint64, pinned bool) error {
	val := int8(0)
	if pinned {
		val = 1
	}
	return s.db.WithContext(ctx).Model(&model.ConversationMember{}).
		Where("conversation_id = ? AND user_id = ?", convID, userID).
		Update("is_pinned", val).Error
}

// HideForUser 从用户会话列表隐藏会话，对方新消息到达时自动浮现
func (s *conversationRepoImpl) HideForUser(ctx context.Context, convID, userID uint64) error {
	return s.db.WithContext(ctx).Model(&model.ConversationMember{}).
		Where("conversation_id = ? AND user_id = ?", convID, userID).
		Update("is_visible", 0).Error
}

// GetUserConversationMemList 联表查询，利用嵌套 Model 自动装配
func (s *conversationRepoImpl) GetUserConversationMemList(ctx context.Context, userID uint64) ([]*model.ConversationMember, error) {
	var members []*model.ConversationMember
	// 使用 Conversation__ 别名配合 GORM 的嵌套填充特性
	err := s.db.WithContext(ctx).Table("conversation_members m").
		Select("m.*, "+
			"c.id AS `Conversation__id`, "+
			"c.peer_key AS `Conversation__peer_key`, "+
			"c.is_assistant AS `Conversation__is_assistant`, "+
			"c.last_preview AS `Conversation__last_preview`, "+
			"c.last_kind AS `Conversation__last_kind`, "+
			"c.last_sender_id AS `Conversation__last_sender_id`, "+
			"c.last_message_at AS `Conversation__last_message_at`").
		Joins("JOIN conversations c ON m.conversation_id = c.id").
		Where("m.user_id = ? AND m.is_visible = 1", userID).
		Order("m.is_pinned DESC, c.last_message_at DESC").
		Find(&members).Error
	return members, err
}

// GetPeerReadAt 批量获取指定会话中对方的已读水位
func (s *conversationRepoImpl) GetPeerReadAt(ctx context.Context, convIDs []uint64, peerIDs []uint64) (map[uint64]time.Time, error) {
	type Result struct {
		ConversationID uint64
		ReadAt         time.Time
	}
	var results []Result
	err := s.db.WithContext(ctx).Table("conversation_members").
		Select("conversation_id, read_at").
		Where("conversation_id IN ? AND user_id IN ?", convIDs, peerIDs).
		Find(&results).Error

	if err != nil {
		return nil, err
	}

	resMap := make(map[uint64]time.Time)
	for _, r := range results {
		resMap[r.ConversationID] = r.ReadAt
	}
	return resMap, nil
}

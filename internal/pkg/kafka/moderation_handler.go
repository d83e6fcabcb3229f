package kafka

import (
	"Mindweave/internal/chat"
	"Mindweave/internal/pkg/consts"
	"Mindweave/internal/pkg/es"
	"Mindweave/internal/pkg/mongo"
	"Mindweave/internal/pkg/redis"
	"Mindweave/internal/repository"
	"context"
	"fmt"
	log "log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ModerationEvent 内容审核流水线下发的处置指令
type ModerationEvent struct {
	ConversationID uint64 `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Action         string `json:"action"` // delete
	Reason         string `json:"reason"`
}

// ModerationHandler 消费审核处置指令：撤下违规消息并向会话双方推送删除事件
type ModerationHandler struct {
	convRepo  repository.ConversationRepo
	msgRepo   mongo.MessageRepo
	msgESRepo es.MessageRepo
}

func NewModerationHandler(convRepo repository.ConversationRepo, msgRepo mongo.MessageRepo, msgESRepo es.MessageRepo) *ModerationHandler {
	return &ModerationHandler{
		convRepo:  convRepo,
		msgRepo:   msgRepo,
		msgESRepo: msgESRepo,
	}
}

func (s *ModerationHandler) Setup(sarama.ConsumerGroupSession) error {
	log.Info("moderation consumer setup")
	return nil
}

func (s *ModerationHandler) Cleanup(sarama.ConsumerGroupSession) error {
	log.Info("moderation consumer cleanup")
	return nil
}

func (s *ModerationHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	log.Info("topic-moderation consume claim")
	err := pullMessageBatch(session, claim, s.logic)
	if err != nil {
		log.Error("topic-moderation process batch error", "err", err)
		return err
	}
	log.Info("topic-moderation consume claim end")
	return nil
}

func (s *ModerationHandler) logic(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var ev ModerationEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		log.Error("unmarshal moderation event error", "err", err)
		// 坏消息重试没有意义，直接跳过
		return nil
	}

	if ev.Action != "delete" {
		log.Info("skip moderation action", "action", ev.Action, "message_id", ev.MessageID)
		return nil
	}

	oid, err := primitive.ObjectIDFromHex(ev.MessageID)
	if err != nil {
		log.Error("moderation event carries invalid message id", "message_id", ev.MessageID)
		return nil
	}

	if err := s.msgRepo.MarkDeleted(ctx, oid); err != nil {
		return errors.Wrap(err, "mark message deleted")
	}

	if err := s.msgESRepo.DeleteMessage(ctx, ev.MessageID); err != nil {
		return errors.Wrap(err, "remove message from index")
	}

	log.InfoContext(ctx, "message removed by moderation",
		"conversation_id", ev.ConversationID, "message_id", ev.MessageID, "reason", ev.Reason)

	return s.broadcastDeleted(ctx, ev)
}

// broadcastDeleted 向会话频道与成员收件箱推送删除事件
func (s *ModerationHandler) broadcastDeleted(ctx context.Context, ev ModerationEvent) error {
	deleted := true
	payload, err := chat.EncodeEvent(&chat.Event{
		Type:           chat.EventMessageDeleted,
		ConversationID: ev.ConversationID,
		MessageID:      ev.MessageID,
		Patch:          &chat.MessagePatch{Deleted: &deleted},
		Timestamp:      time.Now(),
	})
	if err != nil {
		return err
	}

	if err := redis.Publish(ctx, fmt.Sprintf("%s%d", consts.IMConversationKey, ev.ConversationID), payload); err != nil {
		return err
	}

	memberIDs, err := s.convRepo.GetMemberIDs(ctx, ev.ConversationID)
	if err != nil {
		return err
	}
	for _, uid := range memberIDs {
		if err := redis.Publish(ctx, fmt.Sprintf("%s%d", consts.IMUserKey, uid), payload); err != nil {
			return err
		}
	}
	return nil
}

package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MessageRepo interface {
	SaveMessage(ctx context.Context, msg *Message) error
	GetHistory(ctx context.Context, convID uint64, before primitive.ObjectID, pageSize int) ([]*Message, error)
	GetMessageByID(ctx context.Context, convID uint64, id primitive.ObjectID) (*Message, error)
	UpdateBody(ctx context.Context, id primitive.ObjectID, body string, editedAt time.Time) error
	MarkDeleted(ctx context.Context, id primitive.ObjectID) error
	SetReactions(ctx context.Context, id primitive.ObjectID, reactions map[string][]uint64) error
	SetPreview(ctx context.Context, id primitive.ObjectID, preview *LinkPreview) error
	DeleteByConversation(ctx context.Context, convID uint64) error
}

type messageRepoImpl struct {
	col *mongo.Collection
}

func NewMessageRepo(db *mongo.Database) MessageRepo {
	return &messageRepoImpl{
		col: db.Collection("message"),
	}
}

// SaveMessage 将消息存入 MongoDB
func (s *messageRepoImpl) SaveMessage(ctx context.Context, msg *Message) error {
	if msg.ID.IsZero() {
		msg.ID = primitive.NewObjectID()
	}
	_, err := s.col.InsertOne(ctx, msg)
	return err
}

// GetHistory 历史消息查询逻辑
// before 为当前页面最旧一条消息的 ObjectID。如果是第一页，传零值。
func (s *messageRepoImpl) GetHistory(ctx context.Context, convID uint64, before primitive.ObjectID, pageSize int) ([]*Message, error) {
	// 基础过滤：指定会话 ID
	filter := bson.M{"conversation_id": convID}

	// 游标过滤：ObjectID 自带时间序，拉取比当前最旧一条更早的消息
	if !before.IsZero() {
		filter["_id"] = bson.M{"$lt": before}
	}

	// 按 _id 降序排列 (最新的在前)，限制返回条数
	findOptions := options.Find().
		SetSort(bson.D{{Key: "_id", Value: -1}}).
		SetLimit(int64(pageSize))

	cursor, err := s.col.Find(ctx, filter, findOptions)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cursor.Close(ctx)
	}()

	var messages []*Message
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, err
	}

	return messages, nil
}

// GetMessageByID 精确查询，带会话过滤防止越权读取
func (s *messageRepoImpl) GetMessageByID(ctx context.Context, convID uint64, id primitive.ObjectID) (*Message, error) {
	var msg Message
	filter := bson.M{
		"_id":             id,
		"conversation_id": convID,
	}
	err := s.col.FindOne(ctx, filter).Decode(&msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// UpdateBody 编辑消息正文并打上编辑标记
func (s *messageRepoImpl) UpdateBody(ctx context.Context, id primitive.ObjectID, body string, editedAt time.Time) error {
	_, err := s.col.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{
			"body":      body,
			"edited":    true,
			"edited_at": editedAt,
		},
		// 正文变更后旧的链接解析结果不再可信
		"$unset": bson.M{"preview": ""},
	})
	return err
}

// MarkDeleted 软删除，保留文档以维持时间线占位
func (s *messageRepoImpl) MarkDeleted(ctx context.Context, id primitive.ObjectID) error {
	_, err := s.col.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{"deleted": true},
	})
	return err
}

// SetReactions 全量覆盖消息的表态集合
func (s *messageRepoImpl) SetReactions(ctx context.Context, id primitive.ObjectID, reactions map[string][]uint64) error {
	update := bson.M{"$set": bson.M{"reactions": reactions}}
	if len(reactions) == 0 {
		update = bson.M{"$unset": bson.M{"reactions": ""}}
	}
	_, err := s.col.UpdateOne(ctx, bson.M{"_id": id}, update)
	return err
}

// SetPreview 回填异步解析出的链接预览
func (s *messageRepoImpl) SetPreview(ctx context.Context, id primitive.ObjectID, preview *LinkPreview) error {
	_, err := s.col.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{"preview": preview},
	})
	return err
}

// DeleteByConversation 会话删除时清理全部消息明细
func (s *messageRepoImpl) DeleteByConversation(ctx context.Context, convID uint64) error {
	_, err := s.col.DeleteMany(ctx, bson.M{"conversation_id": convID})
	return err
}

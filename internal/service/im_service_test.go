package service

import (
	"Mindweave/internal/api/config"
	"Mindweave/internal/chat"
	"Mindweave/internal/pkg/consts"
	"Mindweave/internal/pkg/mongo"
	"Mindweave/internal/pkg/util"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestPeerKeyFor(t *testing.T) {
	s := &imServiceImpl{}

	assert.Equal(t, "3_7", s.peerKeyFor(7, 3))
	assert.Equal(t, "3_7", s.peerKeyFor(3, 7))
	assert.Equal(t, "5_5", s.peerKeyFor(5, 5))
}

func TestParsePeerID(t *testing.T) {
	s := &imServiceImpl{}

	peer, err := s.parsePeerID("3_7", 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), peer)

	peer, err = s.parsePeerID("3_7", 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), peer)

	_, err = s.parsePeerID("garbage", 3)
	assert.Error(t, err)
}

func TestDeliveryStatus(t *testing.T) {
	s := &imServiceImpl{}
	now := time.Now()

	// 对端尚未读过任何消息
	assert.Equal(t, chat.StatusDelivered, s.deliveryStatus(now, time.Time{}))

	// 发送时间早于对端已读水位线
	assert.Equal(t, chat.StatusRead, s.deliveryStatus(now.Add(-time.Minute), now))

	// 发送时间晚于水位线
	assert.Equal(t, chat.StatusDelivered, s.deliveryStatus(now.Add(time.Minute), now))

	// 恰好等于水位线视为已读
	assert.Equal(t, chat.StatusRead, s.deliveryStatus(now, now))
}

func TestPreviewOf(t *testing.T) {
	kind, text := previewOf(&mongo.Message{Body: "hello"})
	assert.Equal(t, int8(consts.PreviewKindText), kind)
	assert.Equal(t, "hello", text)

	kind, text = previewOf(&mongo.Message{Attachment: &mongo.Attachment{Kind: "image"}})
	assert.Equal(t, int8(consts.PreviewKindImage), kind)
	assert.Equal(t, "[图片]", text)

	kind, text = previewOf(&mongo.Message{Attachment: &mongo.Attachment{Kind: "gif"}})
	assert.Equal(t, int8(consts.PreviewKindGif), kind)
	assert.Equal(t, "[GIF]", text)

	kind, text = previewOf(&mongo.Message{Attachment: &mongo.Attachment{Kind: "mindmap"}})
	assert.Equal(t, int8(consts.PreviewKindMindMap), kind)
	assert.Equal(t, "[思维导图]", text)

	// 已删除的消息不展示任何内容
	kind, text = previewOf(&mongo.Message{Body: "hello", Deleted: true})
	assert.Equal(t, int8(consts.PreviewKindDeleted), kind)
	assert.Empty(t, text)
}

func TestDecodeHistoryCursor(t *testing.T) {
	s := &imServiceImpl{}

	id := primitive.NewObjectID()
	cursor := util.EncodeCursor([]interface{}{id.Hex()})

	decoded, err := s.decodeHistoryCursor(cursor)
	require.NoError(t, err)
	assert.Equal(t, id, decoded)

	// 空游标表示从最新一页开始
	decoded, err = s.decodeHistoryCursor("")
	require.NoError(t, err)
	assert.Equal(t, primitive.NilObjectID, decoded)

	_, err = s.decodeHistoryCursor("not-base64!!")
	assert.Error(t, err)
}

func TestToWireMessageViewerStatus(t *testing.T) {
	config.Cfg = &config.Config{}
	config.Cfg.Assistant.UserID = 1

	s := &imServiceImpl{}
	now := time.Now()

	msg := &mongo.Message{
		ID:             primitive.NewObjectID(),
		ConversationID: 10,
		SenderID:       3,
		Body:           "hi",
		CreatedAt:      now,
	}

	// 自己发的消息：对端水位线决定 Delivered/Read
	wire := s.toWireMessage(msg, 3, false, time.Time{}, time.Time{})
	assert.Equal(t, chat.StatusDelivered, wire.Status)
	assert.False(t, wire.Read)

	wire = s.toWireMessage(msg, 3, false, time.Time{}, now.Add(time.Second))
	assert.Equal(t, chat.StatusRead, wire.Status)

	// 对方发的消息：自己的水位线决定 Read
	wire = s.toWireMessage(msg, 7, false, now.Add(time.Second), time.Time{})
	assert.True(t, wire.Read)

	wire = s.toWireMessage(msg, 7, false, now.Add(-time.Second), time.Time{})
	assert.False(t, wire.Read)
}

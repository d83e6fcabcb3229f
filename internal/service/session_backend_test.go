package service

import (
	"Mindweave/internal/chat"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// historyPageService 只实现历史分页，其余方法不会被调用
type historyPageService struct {
	IMService
	page []*chat.WireMessage
}

func (s *historyPageService) GetChatHistory(context.Context, uint64, uint64, string, int) ([]*chat.WireMessage, string, error) {
	return s.page, "", nil
}

func TestSessionBackendFetchMessagesChronological(t *testing.T) {
	now := time.Now()
	// 历史接口按最新在前分页
	svc := &historyPageService{page: []*chat.WireMessage{
		{ID: "m3", Body: "最新", CreatedAt: now},
		{ID: "m2", Body: "中间", CreatedAt: now.Add(-time.Minute)},
		{ID: "m1", Body: "最旧", CreatedAt: now.Add(-2 * time.Minute)},
	}}
	b := NewSessionBackend(1, svc)

	// 交给引擎前翻转为时间正序
	msgs, err := b.FetchMessages(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m2", msgs[1].ID)
	assert.Equal(t, "m3", msgs[2].ID)
	assert.True(t, msgs[0].CreatedAt.Before(msgs[2].CreatedAt))
}

func TestSessionBackendFetchMessagesSingle(t *testing.T) {
	svc := &historyPageService{page: []*chat.WireMessage{{ID: "m1", Body: "唯一"}}}
	b := NewSessionBackend(1, svc)

	msgs, err := b.FetchMessages(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
}

package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatusAdvanceMonotonic(t *testing.T) {
	r := NewReceipts(0)
	m := &Message{SenderID: 1, Status: StatusSent}

	assert.True(t, r.AdvanceDelivery(m, StatusDelivered))
	assert.Equal(t, StatusDelivered, m.Status)

	assert.True(t, r.AdvanceDelivery(m, StatusRead))
	assert.Equal(t, StatusRead, m.Status)

	// read 为终态，乱序到达的旧状态不得回退
	assert.False(t, r.AdvanceDelivery(m, StatusDelivered))
	assert.False(t, r.AdvanceDelivery(m, StatusSent))
	assert.Equal(t, StatusRead, m.Status)
}

func TestStatusAdvanceSkip(t *testing.T) {
	r := NewReceipts(0)
	m := &Message{Status: StatusSent}

	// 允许跳过 delivered 直达 read
	assert.True(t, r.AdvanceDelivery(m, StatusRead))
	assert.Equal(t, StatusRead, m.Status)
}

func TestObserveVisibilityThreshold(t *testing.T) {
	r := NewReceipts(0.5)
	self := uint64(1)
	m := &Message{SenderID: 2}

	assert.False(t, r.ObserveVisibility(m, self, 0.3))
	assert.False(t, m.ReadLocally)

	assert.True(t, r.ObserveVisibility(m, self, 0.6))
	assert.True(t, m.ReadLocally)

	// 已读后重复可见不再触发出站回执
	assert.False(t, r.ObserveVisibility(m, self, 1.0))
}

func TestObserveVisibilityOwnMessage(t *testing.T) {
	r := NewReceipts(0.5)
	m := &Message{SenderID: 1}
	assert.False(t, r.ObserveVisibility(m, 1, 1.0))
	assert.False(t, m.ReadLocally)
}

func TestUnreadCountAndMarkAll(t *testing.T) {
	r := NewReceipts(0.5)
	self := uint64(1)
	now := time.Now()
	msgs := []*Message{
		{LocalID: 1, SenderID: self, CreatedAt: now},
		{LocalID: 2, SenderID: 2, CreatedAt: now, RemoteID: "a"},
		{LocalID: 3, SenderID: 2, CreatedAt: now, RemoteID: "b"},
	}

	assert.Equal(t, 2, r.UnreadCount(msgs, self))

	last := r.MarkAllRead(msgs, self)
	assert.Equal(t, uint64(3), last.LocalID)
	assert.Equal(t, 0, r.UnreadCount(msgs, self))

	// 再次调用无事可做
	assert.Nil(t, r.MarkAllRead(msgs, self))
}

package chat

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPendingQueueFailRollsBack(t *testing.T) {
	q := NewPendingQueue(0)
	rolled := 0
	q.Enqueue("op-1", func() { rolled++ }, nil)

	assert.True(t, q.Fail("op-1"))
	assert.Equal(t, 1, rolled)

	// 重复失败不再回滚
	assert.False(t, q.Fail("op-1"))
	assert.Equal(t, 1, rolled)
}

func TestPendingQueueConfirmIdempotent(t *testing.T) {
	q := NewPendingQueue(0)
	rolled := 0
	q.Enqueue("op-1", func() { rolled++ }, nil)

	q.Confirm("op-1")
	q.Confirm("op-1")
	q.Confirm("unknown")

	assert.Equal(t, 0, q.Pending())
	assert.Equal(t, 0, rolled)
}

func TestPendingQueueConfirmBeforeFail(t *testing.T) {
	q := NewPendingQueue(0)
	rolled := 0
	q.Enqueue("op-1", func() { rolled++ }, nil)

	// 权威确认先于后端失败结果到达：失败被忽略
	q.Confirm("op-1")
	assert.False(t, q.Fail("op-1"))
	assert.Equal(t, 0, rolled)
}

func TestPendingQueueTimeout(t *testing.T) {
	q := NewPendingQueue(30 * time.Millisecond)
	var timedOut atomic.Int32
	q.Enqueue("op-1", func() {}, func(id string) {
		if id == "op-1" {
			timedOut.Add(1)
		}
	})

	assert.Eventually(t, func() bool { return timedOut.Load() == 1 },
		time.Second, 5*time.Millisecond)
}

func TestPendingQueueConfirmStopsTimeout(t *testing.T) {
	q := NewPendingQueue(30 * time.Millisecond)
	var timedOut atomic.Int32
	q.Enqueue("op-1", func() {}, func(string) { timedOut.Add(1) })
	q.Confirm("op-1")

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(0), timedOut.Load())
}

package chat

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type typingRecorder struct {
	mu    sync.Mutex
	calls []bool
}

func (r *typingRecorder) record(_ uint64, typing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, typing)
}

func (r *typingRecorder) snapshot() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.calls...)
}

func TestTypingDebounceCoalesces(t *testing.T) {
	rec := &typingRecorder{}
	tr := NewTypingTracker(20*time.Millisecond, time.Second, rec.record)
	tr.SetActive(1, false)

	// 防抖窗口内的连续击键只产生一次广播
	for i := 0; i < 5; i++ {
		tr.InputChanged(false)
		time.Sleep(2 * time.Millisecond)
	}

	assert.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{true}, rec.snapshot())

	// 广播后的继续输入不重复广播
	tr.InputChanged(false)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []bool{true}, rec.snapshot())
}

func TestTypingEmptyInputStopsImmediately(t *testing.T) {
	rec := &typingRecorder{}
	tr := NewTypingTracker(20*time.Millisecond, time.Second, rec.record)
	tr.SetActive(1, false)

	tr.InputChanged(false)
	assert.Eventually(t, func() bool { return len(rec.snapshot()) == 1 },
		time.Second, 5*time.Millisecond)

	// 清空输入绕过防抖，立即广播停止
	tr.InputChanged(true)
	assert.Equal(t, []bool{true, false}, rec.snapshot())
}

func TestTypingEmptyBeforeDebounceFires(t *testing.T) {
	rec := &typingRecorder{}
	tr := NewTypingTracker(30*time.Millisecond, time.Second, rec.record)
	tr.SetActive(1, false)

	tr.InputChanged(false)
	tr.InputChanged(true)

	// 还没来得及广播 typing 就清空了：什么都不出站
	time.Sleep(80 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}

func TestTypingSuppressedForAssistant(t *testing.T) {
	rec := &typingRecorder{}
	tr := NewTypingTracker(10*time.Millisecond, time.Second, rec.record)
	tr.SetActive(1, true)

	tr.InputChanged(false)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}

func TestTypingStopOnSwitch(t *testing.T) {
	rec := &typingRecorder{}
	tr := NewTypingTracker(10*time.Millisecond, time.Second, rec.record)
	tr.SetActive(1, false)

	tr.InputChanged(false)
	assert.Eventually(t, func() bool { return len(rec.snapshot()) == 1 },
		time.Second, 5*time.Millisecond)

	// 切换会话要把旧会话的输入广播停掉
	tr.SetActive(2, false)
	assert.Equal(t, []bool{true, false}, rec.snapshot())
}

func TestTypingRemoteExpiry(t *testing.T) {
	tr := NewTypingTracker(0, 50*time.Millisecond, func(uint64, bool) {})
	base := time.Now()
	tr.now = func() time.Time { return base }

	tr.HandleRemote(1, 9, true, base)
	assert.Equal(t, []uint64{9}, tr.Typists(1))

	// 对端静默断连：超过过期窗口后条目被剔除，无需显式停止事件
	tr.now = func() time.Time { return base.Add(60 * time.Millisecond) }
	assert.Empty(t, tr.Typists(1))
}

func TestTypingRemoteLastWriteWins(t *testing.T) {
	tr := NewTypingTracker(0, time.Minute, func(uint64, bool) {})
	now := time.Now()

	tr.HandleRemote(1, 9, true, now)
	// 乱序到达的旧“停止”事件不得覆盖较新的状态
	tr.HandleRemote(1, 9, false, now.Add(-time.Second))
	assert.Equal(t, []uint64{9}, tr.Typists(1))

	tr.HandleRemote(1, 9, false, now.Add(time.Second))
	assert.Empty(t, tr.Typists(1))
}

func TestTypingSweep(t *testing.T) {
	tr := NewTypingTracker(0, 10*time.Millisecond, func(uint64, bool) {})
	base := time.Now()
	tr.now = func() time.Time { return base }

	tr.HandleRemote(1, 9, true, base)
	tr.HandleRemote(2, 8, true, base)

	tr.now = func() time.Time { return base.Add(time.Second) }
	assert.Equal(t, 2, tr.Sweep())
	assert.Equal(t, 0, tr.Sweep())
}

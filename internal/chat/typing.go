package chat

import (
	"sync"
	"time"
)

const (
	defaultTypingDebounce = 150 * time.Millisecond
	defaultTypingExpiry   = 5 * time.Second
)

// TypingTracker 输入状态跟踪器。
// 本地侧：idle → typing → idle 状态机，出站广播按静默窗口防抖，
// 连续击键只产生一次广播；输入清空、发送、卸载与切换会话立即广播停止。
// 自动会话（AI 助手）完全不广播。
// 远端侧：按会话维护输入中的用户集合，条目带过期时间，静默断连的
// 对端不会留下永久的“正在输入”。事件按时间戳 last-write-wins。
type TypingTracker struct {
	mu       sync.Mutex
	debounce time.Duration
	expiry   time.Duration
	now      func() time.Time

	broadcast func(conversationID uint64, typing bool) // 出站信号，由 Store 注入

	activeConv  uint64
	suppressed  bool // 当前会话为自动会话
	typing      bool // 本地状态机是否处于 typing
	broadcasted bool // typing=true 是否已广播出去
	timer       *time.Timer

	remote map[uint64]map[uint64]*typistEntry // convLocalID → userID → 条目
}

type typistEntry struct {
	lastEventAt time.Time // 对端事件时间戳，乱序守卫
	expireAt    time.Time
}

// NewTypingTracker broadcast 为出站回调；零值参数取默认防抖/过期时长
func NewTypingTracker(debounce, expiry time.Duration, broadcast func(uint64, bool)) *TypingTracker {
	if debounce <= 0 {
		debounce = defaultTypingDebounce
	}
	if expiry <= 0 {
		expiry = defaultTypingExpiry
	}
	return &TypingTracker{
		debounce:  debounce,
		expiry:    expiry,
		now:       time.Now,
		broadcast: broadcast,
		remote:    make(map[uint64]map[uint64]*typistEntry),
	}
}

// SetActive 切换关注的会话；切换前先把旧会话的输入状态停掉
func (t *TypingTracker) SetActive(conversationID uint64, assistant bool) {
	t.mu.Lock()
	prev, wasBroadcast := t.activeConv, t.broadcasted
	t.cancelTimerLocked()
	t.typing = false
	t.broadcasted = false
	t.activeConv = conversationID
	t.suppressed = assistant
	t.mu.Unlock()

	if wasBroadcast && prev != 0 {
		t.broadcast(prev, false)
	}
}

// InputChanged 本地输入内容变化。empty=true 表示输入框被清空。
func (t *TypingTracker) InputChanged(empty bool) {
	t.mu.Lock()
	if t.activeConv == 0 || t.suppressed {
		t.mu.Unlock()
		return
	}

	if empty {
		conv, wasBroadcast := t.activeConv, t.broadcasted
		t.cancelTimerLocked()
		t.typing = false
		t.broadcasted = false
		t.mu.Unlock()
		// 停止信号绕过防抖，立即出站
		if wasBroadcast {
			t.broadcast(conv, false)
		}
		return
	}

	t.typing = true
	if t.broadcasted {
		t.mu.Unlock()
		return
	}
	// 击键重置静默窗口，窗口结束后才广播一次
	conv := t.activeConv
	t.cancelTimerLocked()
	t.timer = time.AfterFunc(t.debounce, func() { t.fire(conv) })
	t.mu.Unlock()
}

func (t *TypingTracker) fire(conversationID uint64) {
	t.mu.Lock()
	if !t.typing || t.broadcasted || t.activeConv != conversationID || t.suppressed {
		t.mu.Unlock()
		return
	}
	t.broadcasted = true
	t.mu.Unlock()
	t.broadcast(conversationID, true)
}

// Stop 发送消息或卸载时调用：取消防抖并立即广播停止
func (t *TypingTracker) Stop() {
	t.mu.Lock()
	conv, wasBroadcast := t.activeConv, t.broadcasted
	t.cancelTimerLocked()
	t.typing = false
	t.broadcasted = false
	t.mu.Unlock()

	if wasBroadcast && conv != 0 {
		t.broadcast(conv, false)
	}
}

func (t *TypingTracker) cancelTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// HandleRemote 处理对端 typing:update。eventAt 早于已记录事件则丢弃。
func (t *TypingTracker) HandleRemote(conversationID, userID uint64, typing bool, eventAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries, ok := t.remote[conversationID]
	if !ok {
		if !typing {
			return
		}
		entries = make(map[uint64]*typistEntry)
		t.remote[conversationID] = entries
	}

	if cur, ok := entries[userID]; ok && eventAt.Before(cur.lastEventAt) {
		return
	}

	if !typing {
		delete(entries, userID)
		return
	}
	entries[userID] = &typistEntry{
		lastEventAt: eventAt,
		expireAt:    t.now().Add(t.expiry),
	}
}

// Typists 会话内当前输入中的用户，过期条目即时剔除
func (t *TypingTracker) Typists(conversationID uint64) []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := t.remote[conversationID]
	if len(entries) == 0 {
		return nil
	}
	now := t.now()
	ids := make([]uint64, 0, len(entries))
	for id, e := range entries {
		if now.After(e.expireAt) {
			delete(entries, id)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// Sweep 清理所有会话的过期条目，返回被清理的条数。由定时任务驱动。
func (t *TypingTracker) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	removed := 0
	for conv, entries := range t.remote {
		for id, e := range entries {
			if now.After(e.expireAt) {
				delete(entries, id)
				removed++
			}
		}
		if len(entries) == 0 {
			delete(t.remote, conv)
		}
	}
	return removed
}

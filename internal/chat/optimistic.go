package chat

import (
	"sync"
	"time"
)

// PendingQueue 乐观更新队列。每个用户发起的变更先立即落到本地状态，
// 同时登记一个携带补偿快照的待确认操作；权威事件按 CorrelationID
// 确认它，后端失败则执行补偿回滚。确认与失败的到达顺序不做假设：
// 先确认后失败时失败被忽略，超时未确认视同失败。
type PendingQueue struct {
	mu        sync.Mutex
	ops       map[string]*pendingOp
	confirmed map[string]struct{}
	timeout   time.Duration
}

type pendingOp struct {
	correlationID string
	rollback      func()
	timer         *time.Timer
	enqueuedAt    time.Time
}

// NewPendingQueue timeout 为 0 表示不做超时回滚
func NewPendingQueue(timeout time.Duration) *PendingQueue {
	return &PendingQueue{
		ops:       make(map[string]*pendingOp),
		confirmed: make(map[string]struct{}),
		timeout:   timeout,
	}
}

// Enqueue 登记待确认操作。rollback 必须把状态恢复到变更前的逐位等价，
// 由调用方（Store）在持有自身锁时构造并执行。onTimeout 在超时回滚后回调。
func (q *PendingQueue) Enqueue(correlationID string, rollback func(), onTimeout func(correlationID string)) {
	q.mu.Lock()
	defer q.mu.Unlock()

	op := &pendingOp{
		correlationID: correlationID,
		rollback:      rollback,
		enqueuedAt:    time.Now(),
	}
	if q.timeout > 0 && onTimeout != nil {
		op.timer = time.AfterFunc(q.timeout, func() { onTimeout(correlationID) })
	}
	q.ops[correlationID] = op
}

// Confirm 权威确认，幂等：重复确认与确认未知 ID 均为 no-op
func (q *PendingQueue) Confirm(correlationID string) {
	if correlationID == "" {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if op, ok := q.ops[correlationID]; ok {
		if op.timer != nil {
			op.timer.Stop()
		}
		delete(q.ops, correlationID)
	}
	q.confirmed[correlationID] = struct{}{}
	if len(q.confirmed) > 4096 {
		q.confirmed = make(map[string]struct{})
	}
}

// Fail 后端拒绝或超时：执行补偿回滚并返回 true。
// 已被权威事件确认过的操作不再回滚（确认先于失败到达的场景）。
func (q *PendingQueue) Fail(correlationID string) bool {
	q.mu.Lock()
	if _, ok := q.confirmed[correlationID]; ok {
		q.mu.Unlock()
		return false
	}
	op, ok := q.ops[correlationID]
	if !ok {
		q.mu.Unlock()
		return false
	}
	if op.timer != nil {
		op.timer.Stop()
	}
	delete(q.ops, correlationID)
	q.mu.Unlock()

	// 回滚在队列锁外执行，闭包内部由 Store 的锁保护
	if op.rollback != nil {
		op.rollback()
	}
	return true
}

// Pending 当前未确认的操作数
func (q *PendingQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Close 取消所有超时定时器，不触发回滚
func (q *PendingQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, op := range q.ops {
		if op.timer != nil {
			op.timer.Stop()
		}
		delete(q.ops, id)
	}
}

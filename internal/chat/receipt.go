package chat

// Receipts 已读回执状态机。
// 本地发出的消息：初始 sent，仅由权威事件推进到 delivered/read，
// 状态只进不退，read 为终态。
// 对端发来的消息：仅当在视口中可见面积 ≥ 阈值时标记为本地已读，
// 由可见性驱动而非时间驱动，并触发出站 mark-read 信号。
type Receipts struct {
	visibleThreshold float64
}

// NewReceipts threshold ≤ 0 时取默认值 0.5
func NewReceipts(threshold float64) *Receipts {
	if threshold <= 0 {
		threshold = 0.5
	}
	return &Receipts{visibleThreshold: threshold}
}

// AdvanceDelivery 推进本地消息的投递状态，回退忽略；返回是否发生变化
func (r *Receipts) AdvanceDelivery(msg *Message, next Status) bool {
	advanced := msg.Status.Advance(next)
	if advanced == msg.Status {
		return false
	}
	msg.Status = advanced
	return true
}

// ObserveVisibility 视口可见性回报。仅对端消息生效；
// 返回 true 表示该消息刚刚转为本地已读，需要出站 mark-read。
func (r *Receipts) ObserveVisibility(msg *Message, selfID uint64, fraction float64) bool {
	if msg.SenderID == selfID || msg.ReadLocally {
		return false
	}
	if fraction < r.visibleThreshold {
		return false
	}
	msg.ReadLocally = true
	return true
}

// MarkAllRead 会话滚动到底部且最新消息可见时调用，清空未读；
// 返回被标记的最后一条对端消息（用于出站 mark-read），没有则返回 nil。
func (r *Receipts) MarkAllRead(msgs []*Message, selfID uint64) *Message {
	var last *Message
	for _, m := range msgs {
		if m.SenderID == selfID {
			continue
		}
		if !m.ReadLocally {
			m.ReadLocally = true
			last = m
		}
	}
	return last
}

// UnreadCount 会话未读数 = 对端发来且尚未本地已读的消息数
func (r *Receipts) UnreadCount(msgs []*Message, selfID uint64) int {
	n := 0
	for _, m := range msgs {
		if m.SenderID != selfID && !m.ReadLocally {
			n++
		}
	}
	return n
}

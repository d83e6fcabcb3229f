package chat

import (
	"context"
	"errors"
	log "log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNoActiveConversation = errors.New("没有活跃会话")
	ErrUnknownConversation  = errors.New("会话不存在")
	ErrUnknownMessage       = errors.New("消息不存在")
	ErrMessagePending       = errors.New("消息尚未确认")
	ErrNotOwnMessage        = errors.New("只能操作自己的消息")
)

// UpdateKind 对外更新通知类型
type UpdateKind string

const (
	UpdateConversations  UpdateKind = "conversations"
	UpdateMessages       UpdateKind = "messages"
	UpdateHistory        UpdateKind = "history" // 历史载入完成，应滚动到最新
	UpdateTyping         UpdateKind = "typing"
	UpdatePresence       UpdateKind = "presence"
	UpdateConnection     UpdateKind = "connection"
	UpdateMutationFailed UpdateKind = "mutation_failed"
	UpdateFetchFailed    UpdateKind = "fetch_failed"
)

// Update 状态容器对外的更新通知，消费方据此重新读取派生快照
type Update struct {
	Kind           UpdateKind
	ConversationID uint64 // 会话 LocalID，0 表示全局
	Err            error
}

// Options Store 构造参数
type Options struct {
	SelfID     uint64
	SelfName   string
	Backend    Backend
	Transport  Transport
	InboxTopic string
	// TopicFor 由会话 RemoteID 推导订阅主题
	TopicFor func(conversationRemoteID uint64) string

	TypingDebounce   time.Duration
	TypingExpiry     time.Duration
	PendingTimeout   time.Duration // 乐观操作确认超时，0 取默认 10s
	OnlineWindow     time.Duration // 在线判定窗口，0 取默认 2 分钟
	VisibleThreshold float64       // 已读可见面积阈值，0 取默认 0.5
}

// Store 会话状态容器，本子系统的组合根。
// 会话与消息映射为其独占所有；外部只读派生快照，
// 变更一律经由这里的公开操作进入，乐观回滚与去重不变量由此保证。
type Store struct {
	mu sync.Mutex

	selfID     uint64
	backend    Backend
	adapter    *Adapter
	typing     *TypingTracker
	queue      *PendingQueue
	receipts   *Receipts
	inboxTopic string
	topicFor   func(uint64) string
	now        func() time.Time

	nextMsgID  uint64
	nextConvID uint64

	convs       map[uint64]*Conversation // LocalID → 会话
	convByRem   map[uint64]*Conversation // RemoteID → 会话，唯一
	msgs        map[uint64][]*Message    // 会话 LocalID → 有序消息
	msgByLocal  map[uint64]*Message
	msgByRemote map[string]*Message
	msgByCorr   map[string]*Message

	historyLoaded map[uint64]bool
	fetching      map[uint64]bool
	activeConv    uint64
	generation    uint64 // 切换守卫，过期异步完成直接丢弃
	presence      map[uint64]time.Time
	onlineWindow  time.Duration

	updates chan Update
	stopCh  chan struct{}
	stopped bool
}

// NewStore 组装各组件；Start 之前不产生任何 I/O
func NewStore(opts Options) *Store {
	if opts.PendingTimeout <= 0 {
		opts.PendingTimeout = 10 * time.Second
	}
	if opts.OnlineWindow <= 0 {
		opts.OnlineWindow = 2 * time.Minute
	}

	s := &Store{
		selfID:        opts.SelfID,
		backend:       opts.Backend,
		inboxTopic:    opts.InboxTopic,
		topicFor:      opts.TopicFor,
		now:           time.Now,
		convs:         make(map[uint64]*Conversation),
		convByRem:     make(map[uint64]*Conversation),
		msgs:          make(map[uint64][]*Message),
		msgByLocal:    make(map[uint64]*Message),
		msgByRemote:   make(map[string]*Message),
		msgByCorr:     make(map[string]*Message),
		historyLoaded: make(map[uint64]bool),
		fetching:      make(map[uint64]bool),
		presence:      make(map[uint64]time.Time),
		onlineWindow:  opts.OnlineWindow,
		updates:       make(chan Update, 128),
		stopCh:        make(chan struct{}),
	}

	s.queue = NewPendingQueue(opts.PendingTimeout)
	s.receipts = NewReceipts(opts.VisibleThreshold)
	s.adapter = NewAdapter(opts.Transport, func() {
		s.emit(Update{Kind: UpdateConnection})
	})
	s.typing = NewTypingTracker(opts.TypingDebounce, opts.TypingExpiry, s.publishTyping)
	return s
}

// Updates 更新通知流。缓冲满时丢弃通知（消费方总是读全量快照）。
func (s *Store) Updates() <-chan Update { return s.updates }

// ConnState 通道连接状态
func (s *Store) ConnState() ConnState { return s.adapter.State() }

// Start 订阅收件箱主题、拉取会话列表并启动事件循环
func (s *Store) Start(ctx context.Context) error {
	if err := s.adapter.SubscribeInbox(ctx, s.inboxTopic); err != nil {
		return err
	}

	remotes, err := s.backend.FetchConversations(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	for _, rc := range remotes {
		s.upsertConversationLocked(rc)
	}
	s.mu.Unlock()
	s.emit(Update{Kind: UpdateConversations})

	go s.loop(ctx)
	return nil
}

func (s *Store) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case ev := <-s.adapter.Events():
			if ev != nil {
				s.ApplyEvent(ev)
			}
		}
	}
}

// Close 卸载：停止输入广播、拆订阅、取消超时定时器
func (s *Store) Close() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.typing.Stop()
	s.adapter.Close()
	s.queue.Close()
	close(s.stopCh)
}

// ---- 会话操作 ----

// SetActive 切换活跃会话：停旧输入广播 → 换订阅 → 复位瞬态标记 →
// 按需拉取历史 → 通知滚动到最新。同会话重复切换为 no-op。
func (s *Store) SetActive(ctx context.Context, conversationID uint64) error {
	s.mu.Lock()
	conv, ok := s.convs[conversationID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownConversation
	}
	if s.activeConv == conversationID {
		s.mu.Unlock()
		return nil
	}
	s.generation++
	gen := s.generation
	s.activeConv = conversationID
	topic := ""
	if conv.RemoteID != 0 && s.topicFor != nil {
		topic = s.topicFor(conv.RemoteID)
	}
	needFetch := !s.historyLoaded[conversationID] && !s.fetching[conversationID] && conv.RemoteID != 0
	if needFetch {
		s.fetching[conversationID] = true
	}
	remoteID := conv.RemoteID
	assistant := conv.IsAssistant
	s.mu.Unlock()

	// 旧会话的输入广播立即停掉，再切换跟踪目标
	s.typing.Stop()
	s.typing.SetActive(conversationID, assistant)

	// 旧订阅先拆除再建立新订阅，避免重复投递
	if err := s.adapter.SwitchConversation(ctx, topic); err != nil {
		log.Warn("conversation subscribe failed", "conversation", remoteID, "err", err)
	}

	if needFetch {
		go s.fetchHistory(ctx, conversationID, remoteID, gen)
	} else {
		s.emit(Update{Kind: UpdateHistory, ConversationID: conversationID})
	}
	return nil
}

func (s *Store) fetchHistory(ctx context.Context, convLocal, convRemote, gen uint64) {
	wires, err := s.backend.FetchMessages(ctx, convRemote)

	s.mu.Lock()
	delete(s.fetching, convLocal)
	if gen != s.generation {
		// 用户已经离开，过期完成静默丢弃
		s.mu.Unlock()
		return
	}
	if err != nil {
		s.mu.Unlock()
		// 会话保持打开，重选即重试
		s.emit(Update{Kind: UpdateFetchFailed, ConversationID: convLocal, Err: err})
		return
	}
	for _, wm := range wires {
		s.upsertRemoteMessageLocked(wm)
	}
	s.historyLoaded[convLocal] = true
	s.mu.Unlock()

	s.emit(Update{Kind: UpdateHistory, ConversationID: convLocal})
}

// NewConversation 本地发起会话（乐观创建，失败即移除）
func (s *Store) NewConversation(ctx context.Context, peerID uint64, peerName string, assistant bool) (uint64, error) {
	s.mu.Lock()
	s.nextConvID++
	conv := &Conversation{
		LocalID:       s.nextConvID,
		PeerID:        peerID,
		PeerName:      peerName,
		IsAssistant:   assistant,
		LastMessageAt: s.now(),
	}
	s.convs[conv.LocalID] = conv
	s.mu.Unlock()
	s.emit(Update{Kind: UpdateConversations})

	go func() {
		rc, err := s.backend.CreateConversation(ctx, peerID, assistant)
		s.mu.Lock()
		if err != nil {
			delete(s.convs, conv.LocalID)
			s.mu.Unlock()
			s.emit(Update{Kind: UpdateMutationFailed, ConversationID: conv.LocalID, Err: err})
			return
		}
		if existing, ok := s.convByRem[rc.ID]; ok && existing.LocalID != conv.LocalID {
			// 远端已有同一会话（对方先发起），丢弃乐观条目保证按 RemoteID 唯一
			delete(s.convs, conv.LocalID)
		} else {
			conv.RemoteID = rc.ID
			conv.Pinned = rc.Pinned
			s.convByRem[rc.ID] = conv
		}
		s.mu.Unlock()
		s.emit(Update{Kind: UpdateConversations})
	}()
	return conv.LocalID, nil
}

// DeleteConversation 显式删除会话，失败回滚
func (s *Store) DeleteConversation(ctx context.Context, conversationID uint64) error {
	s.mu.Lock()
	conv, ok := s.convs[conversationID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownConversation
	}
	snapshot := conv.clone()
	msgs := s.msgs[conversationID]
	delete(s.convs, conversationID)
	if conv.RemoteID != 0 {
		delete(s.convByRem, conv.RemoteID)
	}
	delete(s.msgs, conversationID)
	if s.activeConv == conversationID {
		s.activeConv = 0
		s.generation++
	}
	remoteID := conv.RemoteID
	s.mu.Unlock()
	s.emit(Update{Kind: UpdateConversations})

	go func() {
		if remoteID == 0 {
			return
		}
		if err := s.backend.DeleteConversation(ctx, remoteID); err != nil {
			s.mu.Lock()
			s.convs[snapshot.LocalID] = snapshot
			if snapshot.RemoteID != 0 {
				s.convByRem[snapshot.RemoteID] = snapshot
			}
			s.msgs[snapshot.LocalID] = msgs
			s.mu.Unlock()
			s.emit(Update{Kind: UpdateMutationFailed, ConversationID: snapshot.LocalID, Err: err})
		}
	}()
	return nil
}

// TogglePin 置顶开关，仅影响本地排序
func (s *Store) TogglePin(conversationID uint64) error {
	s.mu.Lock()
	conv, ok := s.convs[conversationID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownConversation
	}
	conv.Pinned = !conv.Pinned
	s.mu.Unlock()
	s.emit(Update{Kind: UpdateConversations})
	return nil
}

// ---- 消息变更（乐观路径） ----

// Send 发送消息：本地即时可见，后端失败则整条移除
func (s *Store) Send(ctx context.Context, body string, att *Attachment, replyTo uint64, emphasized bool) (uint64, error) {
	s.mu.Lock()
	convID := s.activeConv
	conv, ok := s.convs[convID]
	if convID == 0 || !ok {
		s.mu.Unlock()
		return 0, ErrNoActiveConversation
	}

	corr := uuid.NewString()
	s.nextMsgID++
	m := &Message{
		LocalID:        s.nextMsgID,
		CorrelationID:  corr,
		ConversationID: convID,
		SenderID:       s.selfID,
		Body:           body,
		Attachment:     att,
		ReplyTo:        replyTo,
		Emphasized:     emphasized,
		Status:         StatusSent,
		Reactions:      ReactionMap{},
		CreatedAt:      s.now(),
	}
	prevLastAt := conv.LastMessageAt
	s.msgs[convID] = append(s.msgs[convID], m)
	s.msgByLocal[m.LocalID] = m
	s.msgByCorr[corr] = m
	conv.LastMessageAt = m.CreatedAt

	replyToID := ""
	if replyTo != 0 {
		if parent, ok := s.msgByLocal[replyTo]; ok {
			replyToID = parent.RemoteID
		}
	}
	remoteConv := conv.RemoteID

	s.queue.Enqueue(corr, func() {
		// 补偿：移除乐观消息并恢复会话时间戳（与变更前逐位一致）
		s.removeMessageLocked(convID, m.LocalID)
		if c, ok := s.convs[convID]; ok {
			c.LastMessageAt = prevLastAt
		}
	}, s.timeoutFor(convID))
	s.mu.Unlock()

	// 发送即视为输入结束
	s.typing.Stop()
	s.emit(Update{Kind: UpdateMessages, ConversationID: convID})

	go func() {
		req := &SendRequest{
			ConversationID: remoteConv,
			CorrelationID:  corr,
			Body:           body,
			Attachment:     att,
			ReplyToID:      replyToID,
			Emphasized:     emphasized,
		}
		if err := s.backend.SendMessage(ctx, req); err != nil {
			s.failMutation(corr, convID, err)
		}
	}()
	return m.LocalID, nil
}

// Edit 编辑自己的消息，失败回滚到编辑前快照
func (s *Store) Edit(ctx context.Context, messageID uint64, body string) error {
	s.mu.Lock()
	m, ok := s.msgByLocal[messageID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownMessage
	}
	if m.SenderID != s.selfID {
		s.mu.Unlock()
		return ErrNotOwnMessage
	}
	if m.RemoteID == "" {
		s.mu.Unlock()
		return ErrMessagePending
	}

	snapshot := m.Clone()
	corr := uuid.NewString()
	m.Body = body
	m.Edited = true
	m.EditedAt = s.now()
	convID := m.ConversationID
	remoteConv := s.convs[convID].RemoteID
	remoteID := m.RemoteID

	s.queue.Enqueue(corr, func() { s.restoreMessageLocked(m, snapshot) }, s.timeoutFor(convID))
	s.mu.Unlock()
	s.emit(Update{Kind: UpdateMessages, ConversationID: convID})

	go func() {
		if err := s.backend.EditMessage(ctx, remoteConv, remoteID, body, corr); err != nil {
			s.failMutation(corr, convID, err)
		}
	}()
	return nil
}

// Delete 软删除自己的消息：只置标记，ID 与位置保留
func (s *Store) Delete(ctx context.Context, messageID uint64) error {
	s.mu.Lock()
	m, ok := s.msgByLocal[messageID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownMessage
	}
	if m.SenderID != s.selfID {
		s.mu.Unlock()
		return ErrNotOwnMessage
	}
	if m.RemoteID == "" {
		s.mu.Unlock()
		return ErrMessagePending
	}

	snapshot := m.Clone()
	corr := uuid.NewString()
	m.Deleted = true
	convID := m.ConversationID
	remoteConv := s.convs[convID].RemoteID
	remoteID := m.RemoteID

	s.queue.Enqueue(corr, func() { s.restoreMessageLocked(m, snapshot) }, s.timeoutFor(convID))
	s.mu.Unlock()
	s.emit(Update{Kind: UpdateMessages, ConversationID: convID})

	go func() {
		if err := s.backend.DeleteMessage(ctx, remoteConv, remoteID, corr); err != nil {
			s.failMutation(corr, convID, err)
		}
	}()
	return nil
}

// ToggleReaction 切换本地用户的反应，本地与权威两侧走同一纯函数
func (s *Store) ToggleReaction(ctx context.Context, messageID uint64, kind string) error {
	s.mu.Lock()
	m, ok := s.msgByLocal[messageID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownMessage
	}
	if m.RemoteID == "" {
		s.mu.Unlock()
		return ErrMessagePending
	}

	snapshot := m.Reactions.Clone()
	corr := uuid.NewString()
	m.Reactions = ToggleReaction(m.Reactions, s.selfID, kind)
	convID := m.ConversationID
	remoteConv := s.convs[convID].RemoteID
	remoteID := m.RemoteID

	s.queue.Enqueue(corr, func() { m.Reactions = snapshot }, s.timeoutFor(convID))
	s.mu.Unlock()
	s.emit(Update{Kind: UpdateMessages, ConversationID: convID})

	go func() {
		if err := s.backend.SetReaction(ctx, remoteConv, remoteID, kind, corr); err != nil {
			s.failMutation(corr, convID, err)
		}
	}()
	return nil
}

// failMutation 后端拒绝：执行补偿并对外暴露失败，不允许静默吞掉
func (s *Store) failMutation(correlationID string, convID uint64, err error) {
	s.mu.Lock()
	rolledBack := s.queue.Fail(correlationID)
	s.mu.Unlock()
	if rolledBack {
		log.Warn("optimistic mutation reverted", "correlation_id", correlationID, "err", err)
		s.emit(Update{Kind: UpdateMutationFailed, ConversationID: convID, Err: err})
	}
}

// timeoutFor 把会话 ID 绑进超时回调，失败通知可以定位到会话
func (s *Store) timeoutFor(convID uint64) func(correlationID string) {
	return func(correlationID string) {
		s.mu.Lock()
		rolledBack := s.queue.Fail(correlationID)
		s.mu.Unlock()
		if rolledBack {
			log.Warn("optimistic mutation timed out", "correlation_id", correlationID, "conversation", convID)
			s.emit(Update{Kind: UpdateMutationFailed, ConversationID: convID, Err: context.DeadlineExceeded})
		}
	}
}

// ---- 输入与可见性 ----

// InputChanged 本地输入框内容变化回报
func (s *Store) InputChanged(empty bool) { s.typing.InputChanged(empty) }

// MarkVisible 视口可见性回报，驱动对端消息的本地已读与出站回执
func (s *Store) MarkVisible(ctx context.Context, messageID uint64, fraction float64) {
	s.mu.Lock()
	m, ok := s.msgByLocal[messageID]
	if !ok {
		s.mu.Unlock()
		return
	}
	newlyRead := s.receipts.ObserveVisibility(m, s.selfID, fraction)
	var remoteConv uint64
	remoteID := m.RemoteID
	convID := m.ConversationID
	if conv, ok := s.convs[convID]; ok {
		remoteConv = conv.RemoteID
	}
	s.mu.Unlock()

	if !newlyRead {
		return
	}
	s.emit(Update{Kind: UpdateConversations, ConversationID: convID})
	if remoteID != "" && remoteConv != 0 {
		go func() {
			if err := s.backend.MarkRead(ctx, remoteConv, remoteID); err != nil {
				log.Warn("mark read failed", "message", remoteID, "err", err)
			}
		}()
	}
}

// ScrolledToBottom 活跃会话滚动到底且最新消息可见：未读清零
func (s *Store) ScrolledToBottom(ctx context.Context) {
	s.mu.Lock()
	convID := s.activeConv
	conv, ok := s.convs[convID]
	if convID == 0 || !ok {
		s.mu.Unlock()
		return
	}
	last := s.receipts.MarkAllRead(s.msgs[convID], s.selfID)
	remoteConv := conv.RemoteID
	s.mu.Unlock()

	if last == nil {
		return
	}
	s.emit(Update{Kind: UpdateConversations, ConversationID: convID})
	if last.RemoteID != "" && remoteConv != 0 {
		remoteID := last.RemoteID
		go func() {
			if err := s.backend.MarkRead(ctx, remoteConv, remoteID); err != nil {
				log.Warn("mark read failed", "message", remoteID, "err", err)
			}
		}()
	}
}

// Heartbeat 刷新本地用户的在线状态
func (s *Store) Heartbeat(ctx context.Context) error {
	return s.backend.UpdatePresence(ctx)
}

// publishTyping 输入跟踪器的出站回调，独立协程避免锁重入
func (s *Store) publishTyping(convLocal uint64, typing bool) {
	go func() {
		s.mu.Lock()
		conv, ok := s.convs[convLocal]
		var remoteID uint64
		if ok {
			remoteID = conv.RemoteID
		}
		s.mu.Unlock()
		if remoteID == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.backend.SetTypingStatus(ctx, remoteID, typing); err != nil {
			log.Warn("typing broadcast failed", "conversation", remoteID, "err", err)
		}
	}()
}

// ---- 权威事件入口 ----

// ApplyEvent 应用通道权威事件。重复投递幂等：同一消息标识
// 永远只存在一条本地记录，乐观条目被原地升级而不是追加副本。
func (s *Store) ApplyEvent(ev *Event) {
	switch ev.Type {
	case EventMessageNew:
		s.applyMessageNew(ev)
	case EventMessageUpdated:
		s.applyMessageUpdated(ev)
	case EventMessageDeleted:
		s.applyMessageDeleted(ev)
	case EventReactionUpdated:
		s.applyReactionUpdated(ev)
	case EventTypingUpdate:
		s.applyTypingUpdate(ev)
	case EventPresenceUpdate:
		s.applyPresenceUpdate(ev)
	default:
		log.Warn("unknown channel event", "type", ev.Type)
	}
}

func (s *Store) applyMessageNew(ev *Event) {
	wm := ev.Message
	if wm == nil {
		return
	}

	s.mu.Lock()
	convCreated := false
	conv, ok := s.convByRem[wm.ConversationID]
	if !ok {
		// 对方发起的新会话，由入站事件创建
		s.nextConvID++
		conv = &Conversation{
			LocalID:       s.nextConvID,
			RemoteID:      wm.ConversationID,
			PeerID:        wm.SenderID,
			PeerName:      wm.SenderName,
			IsAssistant:   wm.Assistant,
			LastMessageAt: wm.CreatedAt,
		}
		s.convs[conv.LocalID] = conv
		s.convByRem[conv.RemoteID] = conv
		convCreated = true
	}

	changed := s.upsertRemoteMessageLocked(wm)
	convID := conv.LocalID
	s.mu.Unlock()

	s.queue.Confirm(wm.CorrelationID)
	if convCreated {
		s.emit(Update{Kind: UpdateConversations})
	}
	if changed {
		s.emit(Update{Kind: UpdateMessages, ConversationID: convID})
	}
}

// upsertRemoteMessageLocked 去重写入：先按 RemoteID，再按 CorrelationID
// 原地升级乐观条目；都未命中才追加新消息。返回状态是否变化。
func (s *Store) upsertRemoteMessageLocked(wm *WireMessage) bool {
	conv, ok := s.convByRem[wm.ConversationID]
	if !ok {
		return false
	}

	if existing, ok := s.msgByRemote[wm.ID]; ok {
		// 重复投递：同一标识永不追加第二条
		if s.receipts.AdvanceDelivery(existing, wm.Status) {
			return true
		}
		return false
	}

	if wm.CorrelationID != "" {
		if m, ok := s.msgByCorr[wm.CorrelationID]; ok {
			// 乐观条目原地升级为权威记录
			m.RemoteID = wm.ID
			m.CreatedAt = wm.CreatedAt
			s.receipts.AdvanceDelivery(m, wm.Status)
			s.msgByRemote[wm.ID] = m
			if conv.LastMessageAt.Before(wm.CreatedAt) {
				conv.LastMessageAt = wm.CreatedAt
			}
			return true
		}
	}

	s.nextMsgID++
	m := &Message{
		LocalID:        s.nextMsgID,
		RemoteID:       wm.ID,
		CorrelationID:  wm.CorrelationID,
		ConversationID: conv.LocalID,
		SenderID:       wm.SenderID,
		Body:           wm.Body,
		Attachment:     wm.Attachment,
		Preview:        wm.Preview,
		Emphasized:     wm.Emphasized,
		Edited:         wm.Edited,
		Deleted:        wm.Deleted,
		Status:         StatusDelivered,
		ReadLocally:    wm.Read || wm.SenderID == s.selfID,
		Reactions:      wm.Reactions.Clone(),
		CreatedAt:      wm.CreatedAt,
		EditedAt:       wm.EditedAt,
	}
	if wm.SenderID == s.selfID && wm.Status != 0 {
		m.Status = wm.Status
	}
	if wm.ReplyToID != "" {
		if parent, ok := s.msgByRemote[wm.ReplyToID]; ok {
			m.ReplyTo = parent.LocalID
		}
	}
	if m.Reactions == nil {
		m.Reactions = ReactionMap{}
	}
	s.msgs[conv.LocalID] = append(s.msgs[conv.LocalID], m)
	s.msgByLocal[m.LocalID] = m
	s.msgByRemote[m.RemoteID] = m
	if wm.CorrelationID != "" {
		s.msgByCorr[wm.CorrelationID] = m
	}
	if conv.LastMessageAt.Before(wm.CreatedAt) {
		conv.LastMessageAt = wm.CreatedAt
	}
	return true
}

func (s *Store) applyMessageUpdated(ev *Event) {
	if ev.Patch == nil {
		s.queue.Confirm(ev.CorrelationID)
		return
	}

	s.mu.Lock()
	m, ok := s.msgByRemote[ev.MessageID]
	if !ok {
		s.mu.Unlock()
		s.queue.Confirm(ev.CorrelationID)
		return
	}

	patch := ev.Patch
	// 并发编辑冲突按时间戳 last-write-wins，本地更新较新时保留本地正文
	bodyWins := patch.EditedAt.IsZero() || !m.EditedAt.After(patch.EditedAt)
	if patch.Body != nil && bodyWins {
		m.Body = *patch.Body
		if !patch.EditedAt.IsZero() {
			m.EditedAt = patch.EditedAt
		}
	}
	if patch.Edited != nil && bodyWins {
		m.Edited = *patch.Edited
	}
	if patch.Deleted != nil {
		m.Deleted = *patch.Deleted
	}
	if patch.Preview != nil {
		p := *patch.Preview
		m.Preview = &p
	}
	if patch.Status != nil {
		s.receipts.AdvanceDelivery(m, *patch.Status)
	}
	convID := m.ConversationID
	s.mu.Unlock()

	s.queue.Confirm(ev.CorrelationID)
	s.emit(Update{Kind: UpdateMessages, ConversationID: convID})
}

func (s *Store) applyMessageDeleted(ev *Event) {
	s.mu.Lock()
	m, ok := s.msgByRemote[ev.MessageID]
	if ok {
		m.Deleted = true
	}
	var convID uint64
	if ok {
		convID = m.ConversationID
	}
	s.mu.Unlock()

	s.queue.Confirm(ev.CorrelationID)
	if ok {
		s.emit(Update{Kind: UpdateMessages, ConversationID: convID})
	}
}

func (s *Store) applyReactionUpdated(ev *Event) {
	s.mu.Lock()
	m, ok := s.msgByRemote[ev.MessageID]
	if ok {
		// 权威全量替换，天然幂等
		m.Reactions = ev.Reactions.Clone()
		if m.Reactions == nil {
			m.Reactions = ReactionMap{}
		}
	}
	var convID uint64
	if ok {
		convID = m.ConversationID
	}
	s.mu.Unlock()

	s.queue.Confirm(ev.CorrelationID)
	if ok {
		s.emit(Update{Kind: UpdateMessages, ConversationID: convID})
	}
}

func (s *Store) applyTypingUpdate(ev *Event) {
	if ev.UserID == s.selfID {
		return
	}
	s.mu.Lock()
	conv, ok := s.convByRem[ev.ConversationID]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.typing.HandleRemote(conv.LocalID, ev.UserID, ev.IsTyping, ev.Timestamp)
	s.emit(Update{Kind: UpdateTyping, ConversationID: conv.LocalID})
}

func (s *Store) applyPresenceUpdate(ev *Event) {
	s.mu.Lock()
	// 按时间戳 last-write-wins，乱序旧事件不覆盖
	if cur, ok := s.presence[ev.UserID]; ok && !ev.LastActiveAt.After(cur) {
		s.mu.Unlock()
		return
	}
	s.presence[ev.UserID] = ev.LastActiveAt
	for _, conv := range s.convs {
		if conv.PeerID == ev.UserID {
			conv.LastActiveAt = ev.LastActiveAt
		}
	}
	s.mu.Unlock()
	s.emit(Update{Kind: UpdatePresence})
}

// ---- 派生快照 ----

// ConversationView 会话列表项派生视图
type ConversationView struct {
	Conversation
	Preview string
	Unread  int
	Typing  []uint64
}

// Conversations 会话列表快照：置顶优先，其余按最近活动倒序
func (s *Store) Conversations() []ConversationView {
	s.mu.Lock()
	views := make([]ConversationView, 0, len(s.convs))
	for _, conv := range s.convs {
		v := ConversationView{
			Conversation: *conv.clone(),
			Preview:      s.previewLocked(conv.LocalID),
			Unread:       s.receipts.UnreadCount(s.msgs[conv.LocalID], s.selfID),
		}
		v.Online = s.onlineLocked(conv.PeerID)
		views = append(views, v)
	}
	s.mu.Unlock()

	for i := range views {
		views[i].Typing = s.typing.Typists(views[i].LocalID)
	}

	sort.SliceStable(views, func(i, j int) bool {
		if views[i].Pinned != views[j].Pinned {
			return views[i].Pinned
		}
		return views[i].LastMessageAt.After(views[j].LastMessageAt)
	})
	return views
}

// ActiveConversation 活跃会话快照
func (s *Store) ActiveConversation() (ConversationView, bool) {
	s.mu.Lock()
	conv, ok := s.convs[s.activeConv]
	if !ok {
		s.mu.Unlock()
		return ConversationView{}, false
	}
	v := ConversationView{
		Conversation: *conv.clone(),
		Preview:      s.previewLocked(conv.LocalID),
		Unread:       s.receipts.UnreadCount(s.msgs[conv.LocalID], s.selfID),
	}
	v.Online = s.onlineLocked(conv.PeerID)
	s.mu.Unlock()
	v.Typing = s.typing.Typists(v.LocalID)
	return v, true
}

// ActiveMessages 活跃会话消息快照。软删除的消息保留位置，
// 正文以隐藏投影呈现，引用与滚动锚点不受影响。
func (s *Store) ActiveMessages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	src := s.msgs[s.activeConv]
	out := make([]Message, 0, len(src))
	for _, m := range src {
		cp := *m.Clone()
		if cp.Deleted {
			cp.Body = ""
			cp.Attachment = nil
			cp.Preview = nil
		}
		out = append(out, cp)
	}
	return out
}

// UnreadCounts 各会话未读角标
func (s *Store) UnreadCounts() map[uint64]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[uint64]int, len(s.convs))
	for id := range s.convs {
		out[id] = s.receipts.UnreadCount(s.msgs[id], s.selfID)
	}
	return out
}

// Online 对端是否在线（最近活跃在窗口内）
func (s *Store) Online(userID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onlineLocked(userID)
}

// LastSeen 对端最近活跃时间
func (s *Store) LastSeen(userID uint64) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.presence[userID]
	return t, ok
}

func (s *Store) onlineLocked(userID uint64) bool {
	t, ok := s.presence[userID]
	if !ok {
		return false
	}
	return s.now().Sub(t) < s.onlineWindow
}

// previewLocked 最后一条消息的列表预览文案
func (s *Store) previewLocked(convID uint64) string {
	msgs := s.msgs[convID]
	if len(msgs) == 0 {
		return ""
	}
	last := msgs[len(msgs)-1]
	switch {
	case last.Deleted:
		return "[消息已撤回]"
	case last.Body == "" && last.Attachment != nil:
		switch last.Attachment.Kind {
		case AttachmentGif:
			return "[GIF]"
		case AttachmentMindMap:
			return "[思维导图]"
		default:
			return "[图片]"
		}
	default:
		return last.Body
	}
}

// ---- 内部辅助 ----

func (s *Store) upsertConversationLocked(rc *RemoteConversation) *Conversation {
	if conv, ok := s.convByRem[rc.ID]; ok {
		conv.Pinned = rc.Pinned
		conv.PeerName = rc.PeerName
		if conv.LastMessageAt.Before(rc.LastMessageAt) {
			conv.LastMessageAt = rc.LastMessageAt
		}
		return conv
	}
	s.nextConvID++
	conv := &Conversation{
		LocalID:       s.nextConvID,
		RemoteID:      rc.ID,
		PeerID:        rc.PeerID,
		PeerName:      rc.PeerName,
		IsAssistant:   rc.Assistant,
		Pinned:        rc.Pinned,
		LastActiveAt:  rc.LastActiveAt,
		LastMessageAt: rc.LastMessageAt,
	}
	s.convs[conv.LocalID] = conv
	s.convByRem[conv.RemoteID] = conv
	if rc.LastMessage != nil {
		s.upsertRemoteMessageLocked(rc.LastMessage)
	}
	if !rc.LastActiveAt.IsZero() {
		if cur, ok := s.presence[rc.PeerID]; !ok || rc.LastActiveAt.After(cur) {
			s.presence[rc.PeerID] = rc.LastActiveAt
		}
	}
	return conv
}

func (s *Store) removeMessageLocked(convID, messageID uint64) {
	msgs := s.msgs[convID]
	for i, m := range msgs {
		if m.LocalID == messageID {
			s.msgs[convID] = append(msgs[:i], msgs[i+1:]...)
			delete(s.msgByLocal, m.LocalID)
			if m.RemoteID != "" {
				delete(s.msgByRemote, m.RemoteID)
			}
			if m.CorrelationID != "" {
				delete(s.msgByCorr, m.CorrelationID)
			}
			return
		}
	}
}

// restoreMessageLocked 把消息恢复为快照内容（指针身份不变）
func (s *Store) restoreMessageLocked(m, snapshot *Message) {
	*m = *snapshot.Clone()
}

func (s *Store) emit(u Update) {
	select {
	case s.updates <- u:
	default:
	}
}

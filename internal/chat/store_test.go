package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend 测试用后端，错误可注入，调用留痕
type fakeBackend struct {
	mu            sync.Mutex
	conversations []*RemoteConversation
	history       map[uint64][]*WireMessage
	fetchGate     map[uint64]chan struct{}

	sendErr   error
	editErr   error
	deleteErr error
	reactErr  error

	sent          []*SendRequest
	marked        []string
	presencePings int
}

func (f *fakeBackend) FetchConversations(context.Context) ([]*RemoteConversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conversations, nil
}

func (f *fakeBackend) FetchMessages(_ context.Context, conversationID uint64) ([]*WireMessage, error) {
	f.mu.Lock()
	gate := f.fetchGate[conversationID]
	wires := f.history[conversationID]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return wires, nil
}

func (f *fakeBackend) CreateConversation(_ context.Context, peerID uint64, _ bool) (*RemoteConversation, error) {
	return &RemoteConversation{ID: peerID + 1000, PeerID: peerID}, nil
}

func (f *fakeBackend) DeleteConversation(context.Context, uint64) error { return nil }

func (f *fakeBackend) SendMessage(_ context.Context, req *SendRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	return f.sendErr
}

func (f *fakeBackend) EditMessage(context.Context, uint64, string, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.editErr
}

func (f *fakeBackend) DeleteMessage(context.Context, uint64, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleteErr
}

func (f *fakeBackend) SetReaction(context.Context, uint64, string, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reactErr
}

func (f *fakeBackend) MarkRead(_ context.Context, _ uint64, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, messageID)
	return nil
}

func (f *fakeBackend) SetTypingStatus(context.Context, uint64, bool) error { return nil }

func (f *fakeBackend) UpdatePresence(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presencePings++
	return nil
}

func (f *fakeBackend) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeBackend) markedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.marked)
}

func newTestStore(t *testing.T, fb *fakeBackend) *Store {
	t.Helper()
	s := NewStore(Options{
		SelfID:         1,
		Backend:        fb,
		Transport:      newMemTransport(),
		InboxTopic:     "inbox",
		TopicFor:       func(id uint64) string { return fmt.Sprintf("conv:%d", id) },
		PendingTimeout: time.Minute,
	})
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Close)
	return s
}

func waitUpdate(t *testing.T, s *Store, kind UpdateKind) Update {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case u := <-s.Updates():
			if u.Kind == kind {
				return u
			}
		case <-deadline:
			t.Fatalf("no %s update", kind)
		}
	}
}

func activate(t *testing.T, s *Store, convID uint64) {
	t.Helper()
	require.NoError(t, s.SetActive(context.Background(), convID))
	waitUpdate(t, s, UpdateHistory)
}

func singleConv(t *testing.T, s *Store) uint64 {
	t.Helper()
	views := s.Conversations()
	require.Len(t, views, 1)
	return views[0].LocalID
}

func oneRemoteConv() *fakeBackend {
	return &fakeBackend{
		conversations: []*RemoteConversation{
			{ID: 100, PeerID: 2, PeerName: "海岛", LastMessageAt: time.Now().Add(-time.Hour)},
		},
		history: map[uint64][]*WireMessage{},
	}
}

func TestStoreOptimisticSendConfirm(t *testing.T) {
	fb := oneRemoteConv()
	s := newTestStore(t, fb)
	convID := singleConv(t, s)
	activate(t, s, convID)

	localID, err := s.Send(context.Background(), "你好", nil, 0, false)
	require.NoError(t, err)

	// 乐观消息即时可见，状态为 sent
	msgs := s.ActiveMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, localID, msgs[0].LocalID)
	assert.Equal(t, StatusSent, msgs[0].Status)
	assert.Empty(t, msgs[0].RemoteID)

	require.Eventually(t, func() bool { return fb.sentCount() == 1 },
		time.Second, 5*time.Millisecond)
	corr := fb.sent[0].CorrelationID

	ev := &Event{
		Type: EventMessageNew,
		Message: &WireMessage{
			ID: "srv-1", CorrelationID: corr, ConversationID: 100,
			SenderID: 1, Body: "你好", Status: StatusDelivered,
			CreatedAt: time.Now(),
		},
	}
	s.ApplyEvent(ev)

	// 权威事件原地升级乐观条目，不追加第二条
	msgs = s.ActiveMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, localID, msgs[0].LocalID)
	assert.Equal(t, "srv-1", msgs[0].RemoteID)
	assert.Equal(t, StatusDelivered, msgs[0].Status)

	// 重复投递幂等
	s.ApplyEvent(ev)
	assert.Len(t, s.ActiveMessages(), 1)
}

func TestStoreSendFailureRollsBackBitForBit(t *testing.T) {
	fb := oneRemoteConv()
	fb.sendErr = errors.New("后端拒绝")
	s := newTestStore(t, fb)
	convID := singleConv(t, s)
	activate(t, s, convID)

	s.ApplyEvent(&Event{Type: EventMessageNew, Message: &WireMessage{
		ID: "srv-1", ConversationID: 100, SenderID: 2, Body: "已有消息",
		CreatedAt: time.Now().Add(-time.Minute),
	}})
	before := s.ActiveMessages()
	convBefore := s.Conversations()[0]

	_, err := s.Send(context.Background(), "不会送达", nil, 0, false)
	require.NoError(t, err)

	u := waitUpdate(t, s, UpdateMutationFailed)
	assert.Error(t, u.Err)

	// 补偿后状态与变更前逐位一致
	assert.Equal(t, before, s.ActiveMessages())
	after := s.Conversations()[0]
	assert.True(t, convBefore.LastMessageAt.Equal(after.LastMessageAt))
	assert.Equal(t, convBefore.Preview, after.Preview)
}

func TestStoreEditFailureRestoresSnapshot(t *testing.T) {
	fb := oneRemoteConv()
	s := newTestStore(t, fb)
	convID := singleConv(t, s)
	activate(t, s, convID)

	localID, err := s.Send(context.Background(), "原文", nil, 0, false)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return fb.sentCount() == 1 },
		time.Second, 5*time.Millisecond)
	s.ApplyEvent(&Event{Type: EventMessageNew, Message: &WireMessage{
		ID: "srv-1", CorrelationID: fb.sent[0].CorrelationID,
		ConversationID: 100, SenderID: 1, Body: "原文",
		Status: StatusDelivered, CreatedAt: time.Now(),
	}})

	fb.mu.Lock()
	fb.editErr = errors.New("后端拒绝")
	fb.mu.Unlock()

	require.NoError(t, s.Edit(context.Background(), localID, "改过"))
	assert.Equal(t, "改过", s.ActiveMessages()[0].Body)

	waitUpdate(t, s, UpdateMutationFailed)
	m := s.ActiveMessages()[0]
	assert.Equal(t, "原文", m.Body)
	assert.False(t, m.Edited)
}

func TestStoreEditPendingMessageRejected(t *testing.T) {
	fb := oneRemoteConv()
	s := newTestStore(t, fb)
	convID := singleConv(t, s)
	activate(t, s, convID)

	localID, err := s.Send(context.Background(), "未确认", nil, 0, false)
	require.NoError(t, err)

	assert.ErrorIs(t, s.Edit(context.Background(), localID, "x"), ErrMessagePending)
	assert.ErrorIs(t, s.Delete(context.Background(), localID), ErrMessagePending)
	assert.ErrorIs(t, s.ToggleReaction(context.Background(), localID, "like"), ErrMessagePending)
}

func TestStoreReactionRollbackAndAuthoritativeReplace(t *testing.T) {
	fb := oneRemoteConv()
	s := newTestStore(t, fb)
	convID := singleConv(t, s)
	activate(t, s, convID)

	s.ApplyEvent(&Event{Type: EventMessageNew, Message: &WireMessage{
		ID: "srv-1", ConversationID: 100, SenderID: 2, Body: "来自对方",
		CreatedAt: time.Now(),
	}})
	localID := s.ActiveMessages()[0].LocalID

	fb.mu.Lock()
	fb.reactErr = errors.New("后端拒绝")
	fb.mu.Unlock()

	require.NoError(t, s.ToggleReaction(context.Background(), localID, "love"))
	assert.True(t, s.ActiveMessages()[0].Reactions.Has(1, "love"))

	waitUpdate(t, s, UpdateMutationFailed)
	assert.False(t, s.ActiveMessages()[0].Reactions.Has(1, "love"))

	// 权威 reaction:updated 全量替换本地状态
	s.ApplyEvent(&Event{
		Type: EventReactionUpdated, MessageID: "srv-1",
		Reactions: ReactionMap{"laugh": {2, 3}},
	})
	r := s.ActiveMessages()[0].Reactions
	assert.True(t, r.Has(2, "laugh"))
	assert.True(t, r.Has(3, "laugh"))
	assert.False(t, r.Has(1, "love"))
}

func TestStorePinnedSortsFirst(t *testing.T) {
	now := time.Now()
	fb := &fakeBackend{
		conversations: []*RemoteConversation{
			{ID: 100, PeerID: 2, LastMessageAt: now.Add(-3 * time.Hour)},
			{ID: 200, PeerID: 3, LastMessageAt: now.Add(-1 * time.Hour)},
			{ID: 300, PeerID: 4, LastMessageAt: now.Add(-2 * time.Hour)},
		},
		history: map[uint64][]*WireMessage{},
	}
	s := newTestStore(t, fb)

	views := s.Conversations()
	require.Len(t, views, 3)
	assert.Equal(t, uint64(200), views[0].RemoteID)
	assert.Equal(t, uint64(300), views[1].RemoteID)

	// 置顶最旧的会话，立即升到列表顶部
	var oldest uint64
	for _, v := range views {
		if v.RemoteID == 100 {
			oldest = v.LocalID
		}
	}
	require.NoError(t, s.TogglePin(oldest))

	views = s.Conversations()
	assert.Equal(t, uint64(100), views[0].RemoteID)
	assert.True(t, views[0].Pinned)
	assert.Equal(t, uint64(200), views[1].RemoteID)

	// 取消置顶回到按时间排序
	require.NoError(t, s.TogglePin(oldest))
	assert.Equal(t, uint64(100), s.Conversations()[2].RemoteID)
}

func TestStoreVisibilityDrivesUnread(t *testing.T) {
	fb := oneRemoteConv()
	s := newTestStore(t, fb)
	convID := singleConv(t, s)
	activate(t, s, convID)

	s.ApplyEvent(&Event{Type: EventMessageNew, Message: &WireMessage{
		ID: "srv-9", ConversationID: 100, SenderID: 2, Body: "在吗",
		CreatedAt: time.Now(),
	}})
	assert.Equal(t, 1, s.UnreadCounts()[convID])
	localID := s.ActiveMessages()[0].LocalID

	// 可见面积不足阈值不触发已读
	s.MarkVisible(context.Background(), localID, 0.3)
	assert.Equal(t, 1, s.UnreadCounts()[convID])

	s.MarkVisible(context.Background(), localID, 0.8)
	assert.Equal(t, 0, s.UnreadCounts()[convID])
	require.Eventually(t, func() bool { return fb.markedCount() == 1 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, "srv-9", fb.marked[0])

	// 重复可见不重复出站回执
	s.MarkVisible(context.Background(), localID, 1.0)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, fb.markedCount())
}

func TestStoreScrolledToBottomClearsUnread(t *testing.T) {
	fb := oneRemoteConv()
	s := newTestStore(t, fb)
	convID := singleConv(t, s)
	activate(t, s, convID)

	for i := 0; i < 3; i++ {
		s.ApplyEvent(&Event{Type: EventMessageNew, Message: &WireMessage{
			ID: fmt.Sprintf("srv-%d", i), ConversationID: 100, SenderID: 2,
			Body: "批量", CreatedAt: time.Now(),
		}})
	}
	assert.Equal(t, 3, s.UnreadCounts()[convID])

	s.ScrolledToBottom(context.Background())
	assert.Equal(t, 0, s.UnreadCounts()[convID])

	// 回执只按最后一条发一次
	require.Eventually(t, func() bool { return fb.markedCount() == 1 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, "srv-2", fb.marked[0])
}

func TestStoreStaleHistoryFetchDiscarded(t *testing.T) {
	gate := make(chan struct{})
	fb := &fakeBackend{
		conversations: []*RemoteConversation{
			{ID: 100, PeerID: 2, LastMessageAt: time.Now()},
			{ID: 200, PeerID: 3, LastMessageAt: time.Now()},
		},
		history: map[uint64][]*WireMessage{
			100: {{ID: "old-1", ConversationID: 100, SenderID: 2, Body: "迟到的历史", CreatedAt: time.Now()}},
		},
		fetchGate: map[uint64]chan struct{}{100: gate},
	}
	s := newTestStore(t, fb)

	var convA, convB uint64
	for _, v := range s.Conversations() {
		switch v.RemoteID {
		case 100:
			convA = v.LocalID
		case 200:
			convB = v.LocalID
		}
	}

	// convA 的历史拉取被卡住，期间用户切到 convB
	require.NoError(t, s.SetActive(context.Background(), convA))
	activate(t, s, convB)

	close(gate)

	// 过期完成静默丢弃，重选 convA 时重新拉取
	assert.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return !s.fetching[convA]
	}, time.Second, 5*time.Millisecond)
	s.mu.Lock()
	assert.Empty(t, s.msgs[convA])
	assert.False(t, s.historyLoaded[convA])
	s.mu.Unlock()

	activate(t, s, convA)
	msgs := s.ActiveMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "old-1", msgs[0].RemoteID)
}

func TestStoreHistoryKeepsChronologicalOrder(t *testing.T) {
	now := time.Now()
	fb := oneRemoteConv()
	fb.history[100] = []*WireMessage{
		{ID: "srv-1", ConversationID: 100, SenderID: 2, Body: "最旧", CreatedAt: now.Add(-3 * time.Minute)},
		{ID: "srv-2", ConversationID: 100, SenderID: 2, Body: "中间", CreatedAt: now.Add(-2 * time.Minute)},
		{ID: "srv-3", ConversationID: 100, SenderID: 2, Body: "最新", CreatedAt: now.Add(-time.Minute)},
	}
	s := newTestStore(t, fb)
	convID := singleConv(t, s)
	activate(t, s, convID)

	msgs := s.ActiveMessages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "最旧", msgs[0].Body)
	assert.Equal(t, "中间", msgs[1].Body)
	assert.Equal(t, "最新", msgs[2].Body)
	assert.Equal(t, "最新", s.Conversations()[0].Preview)

	// 实时消息追加在时间线末尾
	s.ApplyEvent(&Event{Type: EventMessageNew, Message: &WireMessage{
		ID: "srv-4", ConversationID: 100, SenderID: 2, Body: "刚到", CreatedAt: now,
	}})
	msgs = s.ActiveMessages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "刚到", msgs[3].Body)
	assert.Equal(t, "刚到", s.Conversations()[0].Preview)
}

func TestStorePendingTimeoutReportsConversation(t *testing.T) {
	fb := oneRemoteConv()
	s := NewStore(Options{
		SelfID:         1,
		Backend:        fb,
		Transport:      newMemTransport(),
		InboxTopic:     "inbox",
		TopicFor:       func(id uint64) string { return fmt.Sprintf("conv:%d", id) },
		PendingTimeout: 30 * time.Millisecond,
	})
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Close)
	convID := singleConv(t, s)
	activate(t, s, convID)

	_, err := s.Send(context.Background(), "石沉大海", nil, 0, false)
	require.NoError(t, err)

	// 权威事件始终未到：超时回滚，失败通知定位到会话
	u := waitUpdate(t, s, UpdateMutationFailed)
	assert.Equal(t, convID, u.ConversationID)
	assert.ErrorIs(t, u.Err, context.DeadlineExceeded)
	assert.Empty(t, s.ActiveMessages())
}

func TestStoreHeartbeatHitsBackend(t *testing.T) {
	fb := oneRemoteConv()
	s := newTestStore(t, fb)

	require.NoError(t, s.Heartbeat(context.Background()))
	fb.mu.Lock()
	defer fb.mu.Unlock()
	assert.Equal(t, 1, fb.presencePings)
}

func TestStoreInboundMessageCreatesConversation(t *testing.T) {
	fb := &fakeBackend{history: map[uint64][]*WireMessage{}}
	s := newTestStore(t, fb)

	s.ApplyEvent(&Event{Type: EventMessageNew, Message: &WireMessage{
		ID: "srv-1", ConversationID: 999, SenderID: 5, SenderName: "陌生人",
		Body: "你好", CreatedAt: time.Now(),
	}})

	views := s.Conversations()
	require.Len(t, views, 1)
	assert.Equal(t, uint64(999), views[0].RemoteID)
	assert.Equal(t, uint64(5), views[0].PeerID)
	assert.Equal(t, "陌生人", views[0].PeerName)
	assert.Equal(t, 1, views[0].Unread)
	assert.Equal(t, "你好", views[0].Preview)
}

func TestStoreSoftDeleteKeepsPosition(t *testing.T) {
	fb := oneRemoteConv()
	s := newTestStore(t, fb)
	convID := singleConv(t, s)
	activate(t, s, convID)

	now := time.Now()
	s.ApplyEvent(&Event{Type: EventMessageNew, Message: &WireMessage{
		ID: "srv-1", ConversationID: 100, SenderID: 2, Body: "第一条", CreatedAt: now,
	}})
	s.ApplyEvent(&Event{Type: EventMessageNew, Message: &WireMessage{
		ID: "srv-2", ConversationID: 100, SenderID: 2, Body: "第二条",
		CreatedAt: now.Add(time.Second),
	}})

	s.ApplyEvent(&Event{Type: EventMessageDeleted, MessageID: "srv-1"})

	msgs := s.ActiveMessages()
	require.Len(t, msgs, 2)
	// 软删除保留 ID 与位置，正文隐藏
	assert.Equal(t, "srv-1", msgs[0].RemoteID)
	assert.True(t, msgs[0].Deleted)
	assert.Empty(t, msgs[0].Body)
	assert.Equal(t, "第二条", msgs[1].Body)
}

func TestStoreDeletedLastMessagePreview(t *testing.T) {
	fb := oneRemoteConv()
	s := newTestStore(t, fb)
	convID := singleConv(t, s)
	activate(t, s, convID)

	s.ApplyEvent(&Event{Type: EventMessageNew, Message: &WireMessage{
		ID: "srv-1", ConversationID: 100, SenderID: 2, Body: "撤回我", CreatedAt: time.Now(),
	}})
	s.ApplyEvent(&Event{Type: EventMessageDeleted, MessageID: "srv-1"})

	assert.Equal(t, "[消息已撤回]", s.Conversations()[0].Preview)
}

func TestStoreAttachmentPreview(t *testing.T) {
	fb := oneRemoteConv()
	s := newTestStore(t, fb)
	convID := singleConv(t, s)
	activate(t, s, convID)

	s.ApplyEvent(&Event{Type: EventMessageNew, Message: &WireMessage{
		ID: "srv-1", ConversationID: 100, SenderID: 2,
		Attachment: &Attachment{Kind: AttachmentMindMap, RefID: "map-7"},
		CreatedAt:  time.Now(),
	}})

	assert.Equal(t, "[思维导图]", s.Conversations()[0].Preview)
}

func TestStoreConcurrentEditLastWriteWins(t *testing.T) {
	fb := oneRemoteConv()
	s := newTestStore(t, fb)
	convID := singleConv(t, s)
	activate(t, s, convID)

	now := time.Now()
	s.ApplyEvent(&Event{Type: EventMessageNew, Message: &WireMessage{
		ID: "srv-1", ConversationID: 100, SenderID: 1, Body: "v1",
		Status: StatusDelivered, CreatedAt: now,
	}})
	localID := s.ActiveMessages()[0].LocalID

	require.NoError(t, s.Edit(context.Background(), localID, "本地较新"))
	localEditAt := s.ActiveMessages()[0].EditedAt

	// 乱序到达的较旧远端编辑不覆盖本地较新正文
	older := "远端较旧"
	edited := true
	s.ApplyEvent(&Event{
		Type: EventMessageUpdated, MessageID: "srv-1",
		Patch: &MessagePatch{Body: &older, Edited: &edited, EditedAt: localEditAt.Add(-time.Minute)},
	})
	assert.Equal(t, "本地较新", s.ActiveMessages()[0].Body)

	newer := "远端较新"
	s.ApplyEvent(&Event{
		Type: EventMessageUpdated, MessageID: "srv-1",
		Patch: &MessagePatch{Body: &newer, Edited: &edited, EditedAt: localEditAt.Add(time.Minute)},
	})
	assert.Equal(t, "远端较新", s.ActiveMessages()[0].Body)
}

func TestStoreTypingEventIgnoresSelf(t *testing.T) {
	fb := oneRemoteConv()
	s := newTestStore(t, fb)
	convID := singleConv(t, s)
	activate(t, s, convID)

	s.ApplyEvent(&Event{Type: EventTypingUpdate, ConversationID: 100, UserID: 1, IsTyping: true, Timestamp: time.Now()})
	assert.Empty(t, s.Conversations()[0].Typing)

	s.ApplyEvent(&Event{Type: EventTypingUpdate, ConversationID: 100, UserID: 2, IsTyping: true, Timestamp: time.Now()})
	assert.Equal(t, []uint64{2}, s.Conversations()[0].Typing)
}

func TestStorePresenceLastWriteWins(t *testing.T) {
	fb := oneRemoteConv()
	s := newTestStore(t, fb)
	now := time.Now()

	s.ApplyEvent(&Event{Type: EventPresenceUpdate, UserID: 2, LastActiveAt: now})
	assert.True(t, s.Online(2))
	seen, ok := s.LastSeen(2)
	require.True(t, ok)
	assert.True(t, seen.Equal(now))

	// 乱序旧事件不回退最近活跃时间
	s.ApplyEvent(&Event{Type: EventPresenceUpdate, UserID: 2, LastActiveAt: now.Add(-time.Hour)})
	seen, _ = s.LastSeen(2)
	assert.True(t, seen.Equal(now))
}

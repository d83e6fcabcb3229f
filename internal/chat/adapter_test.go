package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memTransport 测试用内存传输，按主题记录订阅
type memTransport struct {
	mu   sync.Mutex
	subs map[string]*memSubscription
}

func newMemTransport() *memTransport {
	return &memTransport{subs: make(map[string]*memSubscription)}
}

func (t *memTransport) Subscribe(_ context.Context, topic string) (Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sub := &memSubscription{ch: make(chan *Event, 16)}
	t.subs[topic] = sub
	return sub, nil
}

func (t *memTransport) publish(topic string, ev *Event) {
	t.mu.Lock()
	sub := t.subs[topic]
	t.mu.Unlock()
	if sub != nil {
		sub.publish(ev)
	}
}

type memSubscription struct {
	mu     sync.Mutex
	ch     chan *Event
	closed bool
}

func (s *memSubscription) Events() <-chan *Event { return s.ch }

func (s *memSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}

func (s *memSubscription) publish(ev *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.ch <- ev
	}
}

func (s *memSubscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func recvEvent(t *testing.T, a *Adapter) *Event {
	t.Helper()
	select {
	case ev := <-a.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event on merged stream")
		return nil
	}
}

func TestAdapterMergesInboxAndActive(t *testing.T) {
	tr := newMemTransport()
	a := NewAdapter(tr, nil)
	defer a.Close()

	require.NoError(t, a.SubscribeInbox(context.Background(), "inbox"))
	require.NoError(t, a.SwitchConversation(context.Background(), "conv:1"))

	tr.publish("inbox", &Event{Type: EventMessageNew, ConversationID: 2})
	tr.publish("conv:1", &Event{Type: EventTypingUpdate, ConversationID: 1})

	got := map[EventType]bool{}
	got[recvEvent(t, a).Type] = true
	got[recvEvent(t, a).Type] = true
	assert.True(t, got[EventMessageNew])
	assert.True(t, got[EventTypingUpdate])
}

func TestAdapterSwitchTearsDownPrevious(t *testing.T) {
	tr := newMemTransport()
	a := NewAdapter(tr, nil)
	defer a.Close()

	require.NoError(t, a.SwitchConversation(context.Background(), "conv:1"))
	first := tr.subs["conv:1"]

	require.NoError(t, a.SwitchConversation(context.Background(), "conv:2"))
	assert.True(t, first.isClosed())

	// 旧主题上迟到的事件不会被重复投递
	tr.publish("conv:2", &Event{Type: EventReactionUpdated, ConversationID: 2})
	ev := recvEvent(t, a)
	assert.Equal(t, uint64(2), ev.ConversationID)
	select {
	case ev := <-a.Events():
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestAdapterEmptyTopicTeardownOnly(t *testing.T) {
	tr := newMemTransport()
	a := NewAdapter(tr, nil)
	defer a.Close()

	require.NoError(t, a.SwitchConversation(context.Background(), "conv:1"))
	sub := tr.subs["conv:1"]

	require.NoError(t, a.SwitchConversation(context.Background(), ""))
	assert.True(t, sub.isClosed())
	assert.Equal(t, ConnConnected, a.State())
}

func TestAdapterDisconnectSignal(t *testing.T) {
	tr := newMemTransport()
	var disconnected sync.WaitGroup
	disconnected.Add(1)
	a := NewAdapter(tr, disconnected.Done)
	defer a.Close()

	require.NoError(t, a.SubscribeInbox(context.Background(), "inbox"))

	// 传输侧关闭事件通道模拟断线
	tr.subs["inbox"].Close()

	done := make(chan struct{})
	go func() { disconnected.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disconnect callback not fired")
	}
	assert.Equal(t, ConnDisconnected, a.State())
}

func TestAdapterResubscribeRestoresState(t *testing.T) {
	tr := newMemTransport()
	a := NewAdapter(tr, nil)
	defer a.Close()

	require.NoError(t, a.SubscribeInbox(context.Background(), "inbox"))
	tr.subs["inbox"].Close()
	assert.Eventually(t, func() bool { return a.State() == ConnDisconnected },
		time.Second, 5*time.Millisecond)

	require.NoError(t, a.SubscribeInbox(context.Background(), "inbox"))
	assert.Equal(t, ConnConnected, a.State())

	tr.publish("inbox", &Event{Type: EventMessageNew})
	assert.Equal(t, EventMessageNew, recvEvent(t, a).Type)
}

func TestAdapterCloseIsNotDisconnect(t *testing.T) {
	tr := newMemTransport()
	fired := make(chan struct{}, 1)
	a := NewAdapter(tr, func() { fired <- struct{}{} })

	require.NoError(t, a.SubscribeInbox(context.Background(), "inbox"))
	a.Close()

	select {
	case <-fired:
		t.Fatal("close must not report disconnect")
	case <-time.After(50 * time.Millisecond):
	}
}

package chat

import (
	"context"
	log "log/slog"
	"sync"
)

// ConnState 通道连接状态
type ConnState int8

const (
	ConnConnected ConnState = iota + 1
	ConnDisconnected
)

// Transport 底层发布/订阅传输的抽象（Redis、内存实现等）
type Transport interface {
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}

// Subscription 单个主题订阅。Events 通道关闭表示传输断开。
type Subscription interface {
	Events() <-chan *Event
	Close() error
}

// Adapter 通道适配器。对上暴露一条合并后的类型化事件流：
// 始终保持一个收件箱主题订阅（会话列表事件），外加一个当前
// 活跃会话的主题订阅。切换会话时先拆旧订阅再建新订阅，避免
// 重复投递。传输断开只上报状态，不做无限重试，由调用方在下次
// 交互时重新订阅。
type Adapter struct {
	transport Transport

	mu          sync.Mutex
	inbox       Subscription
	active      Subscription
	activeTopic string
	state       ConnState
	closed      bool

	out          chan *Event
	onDisconnect func()
}

// NewAdapter onDisconnect 在传输断开时回调一次（可为 nil）
func NewAdapter(transport Transport, onDisconnect func()) *Adapter {
	return &Adapter{
		transport:    transport,
		state:        ConnConnected,
		out:          make(chan *Event, 64),
		onDisconnect: onDisconnect,
	}
}

// Events 合并后的事件流
func (a *Adapter) Events() <-chan *Event { return a.out }

// State 当前连接状态
func (a *Adapter) State() ConnState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// SubscribeInbox 订阅收件箱主题（新会话、未打开会话的消息）
func (a *Adapter) SubscribeInbox(ctx context.Context, topic string) error {
	sub, err := a.transport.Subscribe(ctx, topic)
	if err != nil {
		return err
	}

	a.mu.Lock()
	old := a.inbox
	a.inbox = sub
	a.state = ConnConnected
	a.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	go a.pump(sub)
	return nil
}

// SwitchConversation 切换活跃会话主题。旧订阅先拆除，再建立新订阅；
// topic 为空表示仅拆除。
func (a *Adapter) SwitchConversation(ctx context.Context, topic string) error {
	a.mu.Lock()
	old := a.active
	a.active = nil
	a.activeTopic = ""
	a.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	if topic == "" {
		return nil
	}

	sub, err := a.transport.Subscribe(ctx, topic)
	if err != nil {
		a.markDisconnected()
		return err
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return sub.Close()
	}
	a.active = sub
	a.activeTopic = topic
	a.state = ConnConnected
	a.mu.Unlock()

	go a.pump(sub)
	return nil
}

// pump 把单个订阅的事件搬运到合并流；事件通道关闭视为传输断开
func (a *Adapter) pump(sub Subscription) {
	for ev := range sub.Events() {
		a.mu.Lock()
		closed := a.closed
		a.mu.Unlock()
		if closed {
			return
		}
		select {
		case a.out <- ev:
		default:
			// 消费侧阻塞时丢弃最旧事件，保持流动
			select {
			case <-a.out:
			default:
			}
			a.out <- ev
			log.Warn("channel adapter backlog, dropped oldest event")
		}
	}

	a.mu.Lock()
	// 主动拆除的订阅不算断开
	stale := sub != a.inbox && sub != a.active
	wasClosed := a.closed
	a.mu.Unlock()
	if stale || wasClosed {
		return
	}
	a.markDisconnected()
}

func (a *Adapter) markDisconnected() {
	a.mu.Lock()
	already := a.state == ConnDisconnected
	a.state = ConnDisconnected
	cb := a.onDisconnect
	a.mu.Unlock()

	if !already && cb != nil {
		cb()
	}
}

// Close 拆除全部订阅。合并流不关闭，消费方以自身生命周期退出，
// 避免搬运协程向已关闭通道发送。
func (a *Adapter) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	inbox, active := a.inbox, a.active
	a.inbox, a.active = nil, nil
	a.mu.Unlock()

	if inbox != nil {
		_ = inbox.Close()
	}
	if active != nil {
		_ = active.Close()
	}
}

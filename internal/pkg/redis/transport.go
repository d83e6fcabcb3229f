package redis

import (
	"context"
	log "log/slog"

	"Mindweave/internal/chat"

	"github.com/redis/go-redis/v9"
)

// ChatTransport 基于 Redis Pub/Sub 的会话事件传输，实现 chat.Transport
type ChatTransport struct{}

func NewChatTransport() *ChatTransport {
	return &ChatTransport{}
}

// Subscribe 订阅频道并确认订阅成功后才返回
func (t *ChatTransport) Subscribe(ctx context.Context, topic string) (chat.Subscription, error) {
	ps := Rdb.Subscribe(ctx, topic)
	// Receive 阻塞到收到订阅确认，保证返回后不丢事件
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	sub := &chatSubscription{
		ps:     ps,
		events: make(chan *chat.Event, 16),
	}
	go sub.pump(topic)
	return sub, nil
}

type chatSubscription struct {
	ps     *redis.PubSub
	events chan *chat.Event
}

func (s *chatSubscription) Events() <-chan *chat.Event {
	return s.events
}

func (s *chatSubscription) Close() error {
	return s.ps.Close()
}

// pump 把原始 Pub/Sub 消息解码为类型化事件。Channel 在 PubSub
// 关闭或连接不可恢复时关闭，events 随之关闭并向上传递断开信号。
func (s *chatSubscription) pump(topic string) {
	defer close(s.events)
	for msg := range s.ps.Channel() {
		ev, err := chat.DecodeEvent([]byte(msg.Payload))
		if err != nil {
			log.Warn("drop malformed chat event", "topic", topic, "error", err)
			continue
		}
		s.events <- ev
	}
}

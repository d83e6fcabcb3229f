package service

import (
	"Mindweave/internal/api/dto"
	"Mindweave/internal/chat"
	"context"
)

// SessionBackend 把 IMService 收窄为绑定单个用户的 chat.Backend。
// 每条 WebSocket 连接持有一个实例，供连接内的会话引擎调用。
type SessionBackend struct {
	userID uint64
	svc    IMService
}

func NewSessionBackend(userID uint64, svc IMService) *SessionBackend {
	return &SessionBackend{userID: userID, svc: svc}
}

func (b *SessionBackend) FetchConversations(ctx context.Context) ([]*chat.RemoteConversation, error) {
	return b.svc.GetConversationList(ctx, b.userID)
}

func (b *SessionBackend) FetchMessages(ctx context.Context, conversationID uint64) ([]*chat.WireMessage, error) {
	messages, _, err := b.svc.GetChatHistory(ctx, b.userID, conversationID, "", defaultHistoryPageSize)
	if err != nil {
		return nil, err
	}
	// 历史接口按最新在前分页，引擎的消息列表按时间正序追加
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (b *SessionBackend) CreateConversation(ctx context.Context, peerID uint64, assistant bool) (*chat.RemoteConversation, error) {
	return b.svc.CreateConversation(ctx, b.userID, &dto.CreateConversationReq{PeerID: peerID, Assistant: assistant})
}

func (b *SessionBackend) DeleteConversation(ctx context.Context, conversationID uint64) error {
	return b.svc.DeleteConversation(ctx, b.userID, conversationID)
}

func (b *SessionBackend) SendMessage(ctx context.Context, req *chat.SendRequest) error {
	_, err := b.svc.SendMessage(ctx, b.userID, &dto.SendMessageReq{
		ConversationID: req.ConversationID,
		CorrelationID:  req.CorrelationID,
		Body:           req.Body,
		Attachment:     req.Attachment,
		ReplyToID:      req.ReplyToID,
		Emphasized:     req.Emphasized,
	})
	return err
}

func (b *SessionBackend) EditMessage(ctx context.Context, conversationID uint64, messageID string, body string, correlationID string) error {
	return b.svc.EditMessage(ctx, b.userID, &dto.EditMessageReq{
		ConversationID: conversationID,
		MessageID:      messageID,
		Body:           body,
	})
}

func (b *SessionBackend) DeleteMessage(ctx context.Context, conversationID uint64, messageID string, correlationID string) error {
	return b.svc.DeleteMessage(ctx, b.userID, conversationID, messageID)
}

func (b *SessionBackend) SetReaction(ctx context.Context, conversationID uint64, messageID string, kind string, correlationID string) error {
	_, err := b.svc.ToggleReaction(ctx, b.userID, &dto.ToggleReactionReq{
		ConversationID: conversationID,
		MessageID:      messageID,
		Kind:           kind,
	})
	return err
}

func (b *SessionBackend) MarkRead(ctx context.Context, conversationID uint64, messageID string) error {
	return b.svc.MarkAsRead(ctx, b.userID, conversationID, messageID)
}

func (b *SessionBackend) SetTypingStatus(ctx context.Context, conversationID uint64, typing bool) error {
	return b.svc.SetTyping(ctx, b.userID, conversationID, typing)
}

func (b *SessionBackend) UpdatePresence(ctx context.Context) error {
	return b.svc.Heartbeat(ctx, b.userID)
}

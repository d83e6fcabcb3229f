package service

import (
	"Mindweave/internal/api/config"
	"Mindweave/internal/api/dto"
	"Mindweave/internal/chat"
	"Mindweave/internal/model"
	"Mindweave/internal/pkg/consts"
	"Mindweave/internal/pkg/es"
	"Mindweave/internal/pkg/linkpreview"
	"Mindweave/internal/pkg/llm"
	"Mindweave/internal/pkg/mongo"
	"Mindweave/internal/pkg/redis"
	"Mindweave/internal/pkg/util"
	"Mindweave/internal/repository"
	"context"
	"fmt"
	log "log/slog"
	"strconv"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

const defaultHistoryPageSize = 50

// IMService 即时通讯服务接口定义
type IMService interface {
	GetConversationList(ctx context.Context, userID uint64) ([]*chat.RemoteConversation, error)
	CreateConversation(ctx context.Context, userID uint64, req *dto.CreateConversationReq) (*chat.RemoteConversation, error)
	DeleteConversation(ctx context.Context, userID, convID uint64) error
	SetPinned(ctx context.Context, userID, convID uint64, pinned bool) error

	GetChatHistory(ctx context.Context, userID, convID uint64, cursor string, pageSize int) ([]*chat.WireMessage, string, error)
	SendMessage(ctx context.Context, senderID uint64, req *dto.SendMessageReq) (*chat.WireMessage, error)
	EditMessage(ctx context.Context, userID uint64, req *dto.EditMessageReq) error
	DeleteMessage(ctx context.Context, userID, convID uint64, messageID string) error
	ToggleReaction(ctx context.Context, userID uint64, req *dto.ToggleReactionReq) (chat.ReactionMap, error)

	MarkAsRead(ctx context.Context, userID, convID uint64, messageID string) error
	SetTyping(ctx context.Context, userID, convID uint64, typing bool) error
	Heartbeat(ctx context.Context, userID uint64) error

	SearchMessages(ctx context.Context, userID uint64, req *dto.SearchMessagesReq) ([]*es.MessageES, error)
	Close()
}

type imServiceImpl struct {
	convRepo     repository.ConversationRepo
	userRepo     repository.UserRepo
	messageRepo  mongo.MessageRepo
	messageES    es.MessageRepo
	linkResolver *linkpreview.Resolver
	retryChan    chan *mongo.Message
	wg           sync.WaitGroup
	stopChan     chan struct{}
}

// NewIMService 构造函数：初始化服务并启动异步校准工作池
func NewIMService(
	convRepo repository.ConversationRepo,
	userRepo repository.UserRepo,
	messageRepo mongo.MessageRepo,
	messageES es.MessageRepo,
	linkResolver *linkpreview.Resolver,
) IMService {
	s := &imServiceImpl{
		convRepo:     convRepo,
		userRepo:     userRepo,
		messageRepo:  messageRepo,
		messageES:    messageES,
		linkResolver: linkResolver,
		retryChan:    make(chan *mongo.Message, 2048),
		stopChan:     make(chan struct{}),
	}

	workerCount := 5
	s.wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go s.calibrationWorker()
	}

	return s
}

// GetConversationList 获取会话列表，置顶优先、其余按最近消息排序
func (s *imServiceImpl) GetConversationList(ctx context.Context, userID uint64) ([]*chat.RemoteConversation, error) {
	members, err := s.convRepo.GetUserConversationMemList(ctx, userID)
	if err != nil {
		return nil, err
	}

	peerIDs := make([]uint64, 0, len(members))
	convIDs := make([]uint64, 0, len(members))
	for _, m := range members {
		peerID, err := s.parsePeerID(m.Conversation.PeerKey, userID)
		if err != nil {
			continue
		}
		peerIDs = append(peerIDs, peerID)
		convIDs = append(convIDs, m.ConversationID)
	}

	users, err := s.userRepo.GetUserByIds(ctx, peerIDs)
	if err != nil {
		return nil, err
	}
	nameOf := make(map[uint64]string, len(users))
	for _, u := range users {
		nameOf[u.ID] = u.Nickname
	}

	peerReadAt, err := s.convRepo.GetPeerReadAt(ctx, convIDs, peerIDs)
	if err != nil {
		log.WarnContext(ctx, "load peer read watermark failed", "err", err)
		peerReadAt = map[uint64]time.Time{}
	}

	res := make([]*chat.RemoteConversation, 0, len(members))
	for _, m := range members {
		peerID, err := s.parsePeerID(m.Conversation.PeerKey, userID)
		if err != nil {
			continue
		}

		rc := &chat.RemoteConversation{
			ID:            m.ConversationID,
			PeerID:        peerID,
			PeerName:      nameOf[peerID],
			Assistant:     m.Conversation.IsAssistant,
			Pinned:        m.IsPinned == 1,
			LastActiveAt:  s.lastActiveAt(ctx, peerID),
			LastMessageAt: m.Conversation.LastMessageAt,
		}
		if m.Conversation.IsAssistant {
			rc.PeerName = config.Cfg.Assistant.Nickname
		}

		if m.Conversation.LastPreview != "" || m.Conversation.LastSenderID != 0 {
			lastMsg := &chat.WireMessage{
				ConversationID: m.ConversationID,
				SenderID:       m.Conversation.LastSenderID,
				Body:           m.Conversation.LastPreview,
				Deleted:        m.Conversation.LastKind == consts.PreviewKindDeleted,
				CreatedAt:      m.Conversation.LastMessageAt,
			}
			if m.Conversation.LastSenderID == userID {
				lastMsg.Status = s.deliveryStatus(m.Conversation.LastMessageAt, peerReadAt[m.ConversationID])
			} else {
				lastMsg.Read = !m.Conversation.LastMessageAt.After(m.ReadAt)
			}
			rc.LastMessage = lastMsg
		}

		res = append(res, rc)
	}
	return res, nil
}

// CreateConversation 获取或创建单聊会话
func (s *imServiceImpl) CreateConversation(ctx context.Context, userID uint64, req *dto.CreateConversationReq) (*chat.RemoteConversation, error) {
	targetID := req.PeerID
	if req.Assistant {
		targetID = config.Cfg.Assistant.UserID
	}
	if targetID == 0 || targetID == userID {
		return nil, ErrTargetUserInvalid
	}

	peerName := config.Cfg.Assistant.Nickname
	if !req.Assistant {
		target, err := s.userRepo.GetUserById(ctx, targetID)
		if err != nil {
			return nil, err
		}
		if target == nil || target.IsDelete {
			return nil, ErrTargetUserInvalid
		}
		peerName = target.Nickname
	}

	peerKey := s.peerKeyFor(userID, targetID)
	if conv, err := s.convRepo.GetConversationByPeerKey(ctx, peerKey); err == nil {
		// 已存在则恢复可见并复用
		if err := s.convRepo.TouchLastMessage(ctx, conv.ID, conv.LastPreview, conv.LastKind, conv.LastSenderID, conv.LastMessageAt); err != nil {
			return nil, err
		}
		return &chat.RemoteConversation{
			ID:            conv.ID,
			PeerID:        targetID,
			PeerName:      peerName,
			Assistant:     conv.IsAssistant,
			LastActiveAt:  s.lastActiveAt(ctx, targetID),
			LastMessageAt: conv.LastMessageAt,
		}, nil
	}

	newConv := &model.Conversation{
		PeerKey:       peerKey,
		IsAssistant:   req.Assistant,
		LastMessageAt: time.Now(),
	}
	members := []*model.ConversationMember{
		{UserID: userID, IsVisible: 1, JoinedAt: time.Now()},
		{UserID: targetID, IsVisible: 1, JoinedAt: time.Now()},
	}

	if err := s.convRepo.CreateConversation(ctx, newConv, members); err != nil {
		return nil, err
	}

	return &chat.RemoteConversation{
		ID:            newConv.ID,
		PeerID:        targetID,
		PeerName:      peerName,
		Assistant:     req.Assistant,
		LastActiveAt:  s.lastActiveAt(ctx, targetID),
		LastMessageAt: newConv.LastMessageAt,
	}, nil
}

// DeleteConversation 从当前用户的会话列表移除会话。
// 普通会话只是隐藏，对方再来消息时自动浮现；助手会话为
// 用户私有，连同消息明细与索引一并清除。
func (s *imServiceImpl) DeleteConversation(ctx context.Context, userID, convID uint64) error {
	conv, err := s.convRepo.GetConversation(ctx, convID)
	if err != nil {
		return ErrConversationNotFound
	}
	isMember, _ := s.convRepo.IsMember(ctx, convID, userID)
	if !isMember {
		return ErrNotConversationMember
	}

	if err := s.convRepo.HideForUser(ctx, convID, userID); err != nil {
		return err
	}

	if conv.IsAssistant {
		llm.ResetAssistantMemory(s.assistantConvKey(convID))
		if err := s.messageRepo.DeleteByConversation(ctx, convID); err != nil {
			return err
		}
		if err := s.messageES.DeleteByConversation(ctx, convID); err != nil {
			log.ErrorContext(ctx, "purge assistant conversation index failed", "conversation_id", convID, "err", err)
		}
	}
	return nil
}

// SetPinned 会话置顶
func (s *imServiceImpl) SetPinned(ctx context.Context, userID, convID uint64, pinned bool) error {
	isMember, err := s.convRepo.IsMember(ctx, convID, userID)
	if err != nil || !isMember {
		return ErrNotConversationMember
	}
	return s.convRepo.SetPinned(ctx, convID, userID, pinned)
}

// GetChatHistory 拉取历史消息，cursor 为空表示最新一页
func (s *imServiceImpl) GetChatHistory(ctx context.Context, userID, convID uint64, cursor string, pageSize int) ([]*chat.WireMessage, string, error) {
	conv, err := s.convRepo.GetConversation(ctx, convID)
	if err != nil {
		return nil, "", ErrConversationNotFound
	}
	isMember, err := s.convRepo.IsMember(ctx, convID, userID)
	if err != nil || !isMember {
		return nil, "", ErrNotConversationMember
	}
	if pageSize <= 0 || pageSize > 200 {
		pageSize = defaultHistoryPageSize
	}

	before, err := s.decodeHistoryCursor(cursor)
	if err != nil {
		return nil, "", ErrParamInvalid
	}

	models, err := s.messageRepo.GetHistory(ctx, convID, before, pageSize)
	if err != nil {
		return nil, "", err
	}

	peerID, err := s.parsePeerID(conv.PeerKey, userID)
	if err != nil {
		return nil, "", err
	}
	selfReadAt, peerReadAt := s.readWatermarks(ctx, convID, userID, peerID)

	res := make([]*chat.WireMessage, 0, len(models))
	for _, m := range models {
		res = append(res, s.toWireMessage(m, userID, conv.IsAssistant, selfReadAt, peerReadAt))
	}

	nextCursor := ""
	if len(models) == pageSize {
		nextCursor = util.EncodeCursor([]interface{}{models[len(models)-1].ID.Hex()})
	}
	return res, nextCursor, nil
}

// SendMessage 发送消息：落库、刷新会话预览、推送权威事件。
// 链接解析、搜索索引与助手回复都走异步路径，不阻塞发送方。
func (s *imServiceImpl) SendMessage(ctx context.Context, senderID uint64, req *dto.SendMessageReq) (*chat.WireMessage, error) {
	conv, err := s.convRepo.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, ErrConversationNotFound
	}
	isMember, _ := s.convRepo.IsMember(ctx, req.ConversationID, senderID)
	if !isMember {
		return nil, ErrNotConversationMember
	}

	msgModel := &mongo.Message{
		ID:             primitive.NewObjectID(),
		ConversationID: req.ConversationID,
		SenderID:       senderID,
		CorrelationID:  req.CorrelationID,
		Body:           req.Body,
		Attachment:     toMongoAttachment(req.Attachment),
		ReplyToID:      req.ReplyToID,
		Emphasized:     req.Emphasized,
		CreatedAt:      time.Now(),
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.messageRepo.SaveMessage(writeCtx, msgModel); err != nil {
		select {
		case s.retryChan <- msgModel:
		default:
		}
	}

	kind, preview := previewOf(msgModel)
	if err := s.convRepo.TouchLastMessage(ctx, conv.ID, preview, kind, senderID, msgModel.CreatedAt); err != nil {
		log.ErrorContext(ctx, "refresh conversation preview failed", "conversation_id", conv.ID, "err", err)
	}

	wire := s.toWireMessage(msgModel, senderID, conv.IsAssistant, time.Time{}, time.Time{})
	wire.Status = chat.StatusDelivered

	s.publishEvent(conv.ID, &chat.Event{
		Type:           chat.EventMessageNew,
		ConversationID: conv.ID,
		Message:        wire,
		CorrelationID:  req.CorrelationID,
		Timestamp:      msgModel.CreatedAt,
	})

	go s.indexMessage(msgModel)

	if target := linkpreview.ExtractURL(req.Body); target != "" {
		go s.resolveLinkPreview(conv.ID, msgModel.ID, target)
	}

	if conv.IsAssistant && senderID != config.Cfg.Assistant.UserID {
		go s.assistantReply(conv.ID, req.Body)
	}

	return wire, nil
}

// EditMessage 编辑消息正文，只允许作者本人操作
func (s *imServiceImpl) EditMessage(ctx context.Context, userID uint64, req *dto.EditMessageReq) error {
	oid, err := primitive.ObjectIDFromHex(req.MessageID)
	if err != nil {
		return ErrParamInvalid
	}

	msg, err := s.messageRepo.GetMessageByID(ctx, req.ConversationID, oid)
	if err != nil {
		return ErrMessageNotFound
	}
	if msg.SenderID != userID {
		return ErrNotMessageOwner
	}

	editedAt := time.Now()
	if err := s.messageRepo.UpdateBody(ctx, oid, req.Body, editedAt); err != nil {
		return err
	}
	s.maybeRefreshPreview(ctx, req.ConversationID, msg, req.Body, false)

	edited := true
	body := req.Body
	s.publishEvent(req.ConversationID, &chat.Event{
		Type:           chat.EventMessageUpdated,
		ConversationID: req.ConversationID,
		MessageID:      req.MessageID,
		Patch:          &chat.MessagePatch{Body: &body, Edited: &edited, EditedAt: editedAt},
		Timestamp:      editedAt,
	})

	msg.Body = req.Body
	go s.indexMessage(msg)

	if target := linkpreview.ExtractURL(req.Body); target != "" {
		go s.resolveLinkPreview(req.ConversationID, oid, target)
	}
	return nil
}

// DeleteMessage 软删除消息，时间线保留占位
func (s *imServiceImpl) DeleteMessage(ctx context.Context, userID, convID uint64, messageID string) error {
	oid, err := primitive.ObjectIDFromHex(messageID)
	if err != nil {
		return ErrParamInvalid
	}

	msg, err := s.messageRepo.GetMessageByID(ctx, convID, oid)
	if err != nil {
		return ErrMessageNotFound
	}
	if msg.SenderID != userID {
		return ErrNotMessageOwner
	}

	if err := s.messageRepo.MarkDeleted(ctx, oid); err != nil {
		return err
	}
	s.maybeRefreshPreview(ctx, convID, msg, "", true)

	deleted := true
	s.publishEvent(convID, &chat.Event{
		Type:           chat.EventMessageDeleted,
		ConversationID: convID,
		MessageID:      messageID,
		Patch:          &chat.MessagePatch{Deleted: &deleted},
		Timestamp:      time.Now(),
	})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.messageES.DeleteMessage(ctx, messageID); err != nil {
			log.Error("remove message from index failed", "message_id", messageID, "err", err)
		}
	}()
	return nil
}

// ToggleReaction 切换表态并广播聚合后的完整结果
func (s *imServiceImpl) ToggleReaction(ctx context.Context, userID uint64, req *dto.ToggleReactionReq) (chat.ReactionMap, error) {
	isMember, err := s.convRepo.IsMember(ctx, req.ConversationID, userID)
	if err != nil || !isMember {
		return nil, ErrNotConversationMember
	}

	oid, err := primitive.ObjectIDFromHex(req.MessageID)
	if err != nil {
		return nil, ErrParamInvalid
	}
	msg, err := s.messageRepo.GetMessageByID(ctx, req.ConversationID, oid)
	if err != nil {
		return nil, ErrMessageNotFound
	}

	next := chat.ToggleReaction(chat.ReactionMap(msg.Reactions), userID, req.Kind)
	if err := s.messageRepo.SetReactions(ctx, oid, next); err != nil {
		return nil, err
	}

	s.publishEvent(req.ConversationID, &chat.Event{
		Type:           chat.EventReactionUpdated,
		ConversationID: req.ConversationID,
		MessageID:      req.MessageID,
		Reactions:      next,
		Timestamp:      time.Now(),
	})
	return next, nil
}

// MarkAsRead 推进已读水位并向对方推送已读回执
func (s *imServiceImpl) MarkAsRead(ctx context.Context, userID, convID uint64, messageID string) error {
	conv, err := s.convRepo.GetConversation(ctx, convID)
	if err != nil {
		return ErrConversationNotFound
	}
	isMember, _ := s.convRepo.IsMember(ctx, convID, userID)
	if !isMember {
		return ErrNotConversationMember
	}

	readAt := conv.LastMessageAt
	if messageID != "" {
		oid, err := primitive.ObjectIDFromHex(messageID)
		if err != nil {
			return ErrParamInvalid
		}
		msg, err := s.messageRepo.GetMessageByID(ctx, convID, oid)
		if err != nil {
			return ErrMessageNotFound
		}
		readAt = msg.CreatedAt
	}

	if err := s.convRepo.UpdateReadAt(ctx, convID, userID, readAt); err != nil {
		return err
	}

	peerID, err := s.parsePeerID(conv.PeerKey, userID)
	if err != nil {
		return err
	}

	// 对方收到后把自己发出的消息推进到已读
	go func() {
		status := chat.StatusRead
		payload, err := chat.EncodeEvent(&chat.Event{
			Type:           chat.EventMessageUpdated,
			ConversationID: convID,
			MessageID:      messageID,
			UserID:         userID,
			Patch:          &chat.MessagePatch{Status: &status},
			Timestamp:      readAt,
		})
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		channel := consts.IMUserKey + strconv.FormatUint(peerID, 10)
		if err := redis.Publish(ctx, channel, payload); err != nil {
			log.Error("Failed to publish read receipt", "err", err)
		}
	}()

	return nil
}

// SetTyping 广播输入状态，纯瞬态不落库
func (s *imServiceImpl) SetTyping(ctx context.Context, userID, convID uint64, typing bool) error {
	isMember, err := s.convRepo.IsMember(ctx, convID, userID)
	if err != nil || !isMember {
		return ErrNotConversationMember
	}

	payload, err := chat.EncodeEvent(&chat.Event{
		Type:           chat.EventTypingUpdate,
		ConversationID: convID,
		UserID:         userID,
		IsTyping:       typing,
		Timestamp:      time.Now(),
	})
	if err != nil {
		return err
	}
	channel := consts.IMConversationKey + strconv.FormatUint(convID, 10)
	return redis.Publish(ctx, channel, payload)
}

// Heartbeat 刷新在线状态并向有会话关系的用户广播
func (s *imServiceImpl) Heartbeat(ctx context.Context, userID uint64) error {
	now := time.Now()
	if err := redis.ZAdd(ctx, consts.PresenceSetKey, float64(now.Unix()), strconv.FormatUint(userID, 10)); err != nil {
		return err
	}

	members, err := s.convRepo.GetUserConversationMemList(ctx, userID)
	if err != nil {
		return err
	}

	payload, err := chat.EncodeEvent(&chat.Event{
		Type:         chat.EventPresenceUpdate,
		UserID:       userID,
		LastActiveAt: now,
		Timestamp:    now,
	})
	if err != nil {
		return err
	}

	for _, m := range members {
		peerID, err := s.parsePeerID(m.Conversation.PeerKey, userID)
		if err != nil {
			continue
		}
		channel := consts.IMUserKey + strconv.FormatUint(peerID, 10)
		if err := redis.Publish(ctx, channel, payload); err != nil {
			log.WarnContext(ctx, "publish presence failed", "peer_id", peerID, "err", err)
		}
	}
	return nil
}

// SearchMessages 在用户可见的会话范围内全文检索
func (s *imServiceImpl) SearchMessages(ctx context.Context, userID uint64, req *dto.SearchMessagesReq) ([]*es.MessageES, error) {
	convIDs := make([]uint64, 0)
	if req.ConversationID != 0 {
		isMember, err := s.convRepo.IsMember(ctx, req.ConversationID, userID)
		if err != nil || !isMember {
			return nil, ErrNotConversationMember
		}
		convIDs = append(convIDs, req.ConversationID)
	} else {
		members, err := s.convRepo.GetUserConversationMemList(ctx, userID)
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			convIDs = append(convIDs, m.ConversationID)
		}
	}

	size := req.Limit
	if size <= 0 || size > 100 {
		size = 20
	}
	return s.messageES.SearchMessages(ctx, convIDs, req.Keyword, size)
}

func (s *imServiceImpl) Close() {
	close(s.stopChan)
	s.wg.Wait()
	log.Info("IMService shut down gracefully")
}

func (s *imServiceImpl) calibrationWorker() {
	defer s.wg.Done()
	for {
		select {
		case msg := <-s.retryChan:
			s.retrySaveMessage(msg)
		case <-s.stopChan:
			return
		}
	}
}

// retrySaveMessage 持锁重试落库，避免多个 worker 重复写同一条消息
func (s *imServiceImpl) retrySaveMessage(msg *mongo.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	lockKey := consts.MessageSaveLock + msg.ID.Hex()
	ok, err := redis.TryLock(ctx, lockKey, 1, 30*time.Second, 3)
	if err != nil || !ok {
		return
	}
	defer redis.UnLock(ctx, lockKey, 1)

	backoff := time.Second
	for i := 0; i < 3; i++ {
		saveCtx, saveCancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.messageRepo.SaveMessage(saveCtx, msg)
		saveCancel()
		if err == nil {
			return
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	log.Error("message calibration failed", "messageID", msg.ID.Hex())
}

// assistantReply 请求 AI 助手生成回复并作为普通消息回流
func (s *imServiceImpl) assistantReply(convID uint64, question string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	answer, err := llm.AssistantReply(ctx, s.assistantConvKey(convID), question)
	if err != nil || answer == "" {
		return
	}

	reply := &mongo.Message{
		ID:             primitive.NewObjectID(),
		ConversationID: convID,
		SenderID:       config.Cfg.Assistant.UserID,
		Body:           answer,
		CreatedAt:      time.Now(),
	}
	if err := s.messageRepo.SaveMessage(ctx, reply); err != nil {
		select {
		case s.retryChan <- reply:
		default:
		}
	}

	kind, preview := previewOf(reply)
	if err := s.convRepo.TouchLastMessage(ctx, convID, preview, kind, reply.SenderID, reply.CreatedAt); err != nil {
		log.ErrorContext(ctx, "refresh conversation preview failed", "conversation_id", convID, "err", err)
	}

	wire := s.toWireMessage(reply, reply.SenderID, true, time.Time{}, time.Time{})
	s.publishEvent(convID, &chat.Event{
		Type:           chat.EventMessageNew,
		ConversationID: convID,
		Message:        wire,
		Timestamp:      reply.CreatedAt,
	})

	s.indexMessage(reply)
}

// resolveLinkPreview 异步解析正文中的链接并以局部更新回流
func (s *imServiceImpl) resolveLinkPreview(convID uint64, msgID primitive.ObjectID, target string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	preview, err := s.linkResolver.Resolve(ctx, target)
	if err != nil {
		log.Info("link preview skipped", "url", target, "err", err)
		return
	}

	stored := &mongo.LinkPreview{URL: preview.URL, Title: preview.Title, ImageURL: preview.ImageURL}
	if err := s.messageRepo.SetPreview(ctx, msgID, stored); err != nil {
		log.Error("persist link preview failed", "message_id", msgID.Hex(), "err", err)
		return
	}

	s.publishEvent(convID, &chat.Event{
		Type:           chat.EventMessageUpdated,
		ConversationID: convID,
		MessageID:      msgID.Hex(),
		Patch: &chat.MessagePatch{
			Preview: &chat.LinkPreview{URL: preview.URL, Title: preview.Title, ImageURL: preview.ImageURL},
		},
		Timestamp: time.Now(),
	})
}

// indexMessage 写入搜索索引，以消息时间戳作为外部版本
func (s *imServiceImpl) indexMessage(msg *mongo.Message) {
	if msg.Body == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	doc := &es.MessageES{
		ID:             msg.ID.Hex(),
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Body:           msg.Body,
		CreatedAt:      msg.CreatedAt,
	}
	version := msg.CreatedAt.UnixMilli()
	if msg.Edited {
		version = msg.EditedAt.UnixMilli()
	}
	if err := s.messageES.IndexMessage(ctx, doc, version); err != nil {
		log.Error("index message failed", "message_id", doc.ID, "err", err)
	}
}

// publishEvent 向会话频道与全体成员收件箱扇出事件
func (s *imServiceImpl) publishEvent(convID uint64, ev *chat.Event) {
	payload, err := chat.EncodeEvent(ev)
	if err != nil {
		log.Error("encode chat event failed", "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	channel := consts.IMConversationKey + strconv.FormatUint(convID, 10)
	if err := redis.Publish(ctx, channel, payload); err != nil {
		log.Error("publish to conversation channel failed", "channel", channel, "err", err)
	}

	memberIDs, err := s.convRepo.GetMemberIDs(ctx, convID)
	if err != nil {
		log.Error("load conversation members failed", "conversation_id", convID, "err", err)
		return
	}
	for _, uid := range memberIDs {
		inbox := consts.IMUserKey + strconv.FormatUint(uid, 10)
		if err := redis.Publish(ctx, inbox, payload); err != nil {
			log.Error("publish to user inbox failed", "channel", inbox, "err", err)
		}
	}
}

// maybeRefreshPreview 消息编辑或撤回后，若它恰是会话的最后一条，
// 同步刷新会话列表预览
func (s *imServiceImpl) maybeRefreshPreview(ctx context.Context, convID uint64, msg *mongo.Message, newBody string, deleted bool) {
	conv, err := s.convRepo.GetConversation(ctx, convID)
	if err != nil || !conv.LastMessageAt.Equal(msg.CreatedAt) {
		return
	}

	kind := int8(consts.PreviewKindDeleted)
	preview := ""
	if !deleted {
		updated := *msg
		updated.Body = newBody
		kind, preview = previewOf(&updated)
	}
	if err := s.convRepo.TouchLastMessage(ctx, convID, preview, kind, msg.SenderID, conv.LastMessageAt); err != nil {
		log.ErrorContext(ctx, "refresh conversation preview failed", "conversation_id", convID, "err", err)
	}
}

// readWatermarks 读取双方的已读水位
func (s *imServiceImpl) readWatermarks(ctx context.Context, convID, userID, peerID uint64) (selfReadAt, peerReadAt time.Time) {
	marks, err := s.convRepo.GetPeerReadAt(ctx, []uint64{convID}, []uint64{userID})
	if err == nil {
		selfReadAt = marks[convID]
	}
	marks, err = s.convRepo.GetPeerReadAt(ctx, []uint64{convID}, []uint64{peerID})
	if err == nil {
		peerReadAt = marks[convID]
	}
	return
}

// lastActiveAt 读取用户最近活跃时间，从未活跃返回零值
func (s *imServiceImpl) lastActiveAt(ctx context.Context, userID uint64) time.Time {
	score, err := redis.ZScore(ctx, consts.PresenceSetKey, strconv.FormatUint(userID, 10))
	if err != nil || score == 0 {
		return time.Time{}
	}
	return time.Unix(int64(score), 0)
}

func (s *imServiceImpl) deliveryStatus(sentAt, peerReadAt time.Time) chat.Status {
	if !peerReadAt.IsZero() && !sentAt.After(peerReadAt) {
		return chat.StatusRead
	}
	return chat.StatusDelivered
}

func (s *imServiceImpl) assistantConvKey(convID uint64) string {
	return fmt.Sprintf("conv:%d", convID)
}

func (s *imServiceImpl) peerKeyFor(a, b uint64) string {
	if a < b {
		return fmt.Sprintf("%d_%d", a, b)
	}
	return fmt.Sprintf("%d_%d", b, a)
}

func (s *imServiceImpl) parsePeerID(peerKey string, currentUserID uint64) (uint64, error) {
	var u1, u2 uint64
	_, err := fmt.Sscanf(peerKey, "%d_%d", &u1, &u2)
	if err != nil {
		return 0, err
	}
	if u1 == currentUserID {
		return u2, nil
	}
	return u1, nil
}

func (s *imServiceImpl) decodeHistoryCursor(cursor string) (primitive.ObjectID, error) {
	values, err := util.DecodeCursor(cursor)
	if err != nil {
		return primitive.NilObjectID, err
	}
	if len(values) == 0 {
		return primitive.NilObjectID, nil
	}
	hex, ok := values[0].(string)
	if !ok {
		return primitive.NilObjectID, ErrParamInvalid
	}
	return primitive.ObjectIDFromHex(hex)
}

// toWireMessage 组装带视角状态的消息记录
func (s *imServiceImpl) toWireMessage(m *mongo.Message, viewerID uint64, assistant bool, selfReadAt, peerReadAt time.Time) *chat.WireMessage {
	wire := &chat.WireMessage{
		ID:             m.ID.Hex(),
		CorrelationID:  m.CorrelationID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Body:           m.Body,
		Attachment:     toChatAttachment(m.Attachment),
		ReplyToID:      m.ReplyToID,
		Emphasized:     m.Emphasized,
		Assistant:      assistant && m.SenderID == config.Cfg.Assistant.UserID,
		Edited:         m.Edited,
		Deleted:        m.Deleted,
		Reactions:      chat.ReactionMap(m.Reactions),
		CreatedAt:      m.CreatedAt,
		EditedAt:       m.EditedAt,
	}
	if m.Preview != nil {
		wire.Preview = &chat.LinkPreview{URL: m.Preview.URL, Title: m.Preview.Title, ImageURL: m.Preview.ImageURL}
	}
	if m.SenderID == viewerID {
		wire.Status = s.deliveryStatus(m.CreatedAt, peerReadAt)
	} else {
		wire.Read = !m.CreatedAt.After(selfReadAt)
	}
	return wire
}

// previewOf 计算消息在会话列表里的预览文案
func previewOf(m *mongo.Message) (int8, string) {
	if m.Deleted {
		return consts.PreviewKindDeleted, ""
	}
	if m.Attachment != nil {
		switch m.Attachment.Kind {
		case "gif":
			return consts.PreviewKindGif, "[GIF]"
		case "mindmap":
			return consts.PreviewKindMindMap, "[思维导图]"
		default:
			return consts.PreviewKindImage, "[图片]"
		}
	}
	return consts.PreviewKindText, m.Body
}

func toMongoAttachment(a *chat.Attachment) *mongo.Attachment {
	if a == nil {
		return nil
	}
	return &mongo.Attachment{
		Kind:     a.Kind,
		RefID:    a.RefID,
		URL:      a.URL,
		ThumbURL: a.ThumbURL,
		Width:    a.Width,
		Height:   a.Height,
	}
}

func toChatAttachment(a *mongo.Attachment) *chat.Attachment {
	if a == nil {
		return nil
	}
	return &chat.Attachment{
		Kind:     a.Kind,
		RefID:    a.RefID,
		URL:      a.URL,
		ThumbURL: a.ThumbURL,
		Width:    a.Width,
		Height:   a.Height,
	}
}

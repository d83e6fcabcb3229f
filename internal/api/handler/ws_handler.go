package handler

import (
	"Mindweave/internal/chat"
	"Mindweave/internal/pkg/consts"
	"Mindweave/internal/pkg/redis"
	"Mindweave/internal/pkg/response"
	"Mindweave/internal/pkg/security"
	"Mindweave/internal/service"
	"context"
	log "log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const heartbeatInterval = 30 * time.Second

type WsHandler struct {
	imService service.IMService
}

func NewWsHandler(im service.IMService) *WsHandler {
	return &WsHandler{imService: im}
}

// clientOp 客户端经 WebSocket 下发的操作指令
type clientOp struct {
	Op             string           `json:"op"`
	ConversationID uint64           `json:"conversation_id,omitempty"`
	MessageID      uint64           `json:"message_id,omitempty"`
	Body           string           `json:"body,omitempty"`
	Kind           string           `json:"kind,omitempty"`
	Attachment     *chat.Attachment `json:"attachment,omitempty"`
	ReplyTo        uint64           `json:"reply_to,omitempty"`
	Emphasized     bool             `json:"emphasized,omitempty"`
	Empty          bool             `json:"empty,omitempty"`
	Fraction       float64          `json:"fraction,omitempty"`
	PeerID         uint64           `json:"peer_id,omitempty"`
	PeerName       string           `json:"peer_name,omitempty"`
	Assistant      bool             `json:"assistant,omitempty"`
}

// wsUpdate 推送给客户端的状态快照
type wsUpdate struct {
	Kind           chat.UpdateKind         `json:"kind"`
	ConversationID uint64                  `json:"conversation_id,omitempty"`
	Error          string                  `json:"error,omitempty"`
	Conversations  []chat.ConversationView `json:"conversations,omitempty"`
	Messages       []chat.Message          `json:"messages,omitempty"`
}

// Connect 建立 WebSocket 连接：每条连接持有一个独立的会话状态引擎，
// 客户端指令驱动引擎操作，引擎更新通知经此回推快照。
func (s *WsHandler) Connect(c *gin.Context) {
	// 鉴权
	token := c.Query("token")
	if token == "" {
		response.Error(c, service.UnauthorizedError)
		return
	}
	claims, err := security.ValidateToken(token)
	if err != nil {
		log.Warn("WS 鉴权失败", "err", err)
		response.Error(c, service.UnauthorizedError)
		return
	}
	userID := claims.UserID

	// 升级 Websocket
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WS 协议升级失败", "err", err)
		return
	}
	defer func() {
		_ = conn.Close()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := chat.NewStore(chat.Options{
		SelfID:     userID,
		Backend:    service.NewSessionBackend(userID, s.imService),
		Transport:  redis.NewChatTransport(),
		InboxTopic: consts.IMUserKey + strconv.FormatUint(userID, 10),
		TopicFor: func(conversationID uint64) string {
			return consts.IMConversationKey + strconv.FormatUint(conversationID, 10)
		},
	})
	if err := store.Start(ctx); err != nil {
		log.Error("WS 会话引擎启动失败", "userID", userID, "err", err)
		return
	}
	defer store.Close()

	// 上线即刷新一次在线状态
	if err := store.Heartbeat(ctx); err != nil {
		log.Warn("heartbeat failed", "userID", userID, "err", err)
	}

	log.Info("用户 WS 连接已建立", "userID", userID)

	stopChan := make(chan struct{})

	// 读循环：接收并派发客户端指令
	go func() {
		defer close(stopChan)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var op clientOp
			if err := json.Unmarshal(data, &op); err != nil {
				log.Warn("WS 指令解析失败", "userID", userID, "err", err)
				continue
			}
			s.dispatch(ctx, store, &op, userID)
		}
	}()

	// 写循环：监听引擎更新并推送快照
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case u, ok := <-store.Updates():
			if !ok {
				return
			}
			payload, err := json.Marshal(s.snapshot(store, u))
			if err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Error("WS 推送失败", "userID", userID, "err", err)
				return
			}
		case <-ticker.C:
			go func() {
				if err := store.Heartbeat(ctx); err != nil {
					log.Warn("heartbeat failed", "userID", userID, "err", err)
				}
			}()
		case <-stopChan:
			log.Info("用户 WS 连接已断开", "userID", userID)
			return
		}
	}
}

func (s *WsHandler) dispatch(ctx context.Context, store *chat.Store, op *clientOp, userID uint64) {
	var err error
	switch op.Op {
	case "open":
		err = store.SetActive(ctx, op.ConversationID)
	case "send":
		_, err = store.Send(ctx, op.Body, op.Attachment, op.ReplyTo, op.Emphasized)
	case "edit":
		err = store.Edit(ctx, op.MessageID, op.Body)
	case "delete":
		err = store.Delete(ctx, op.MessageID)
	case "react":
		err = store.ToggleReaction(ctx, op.MessageID, op.Kind)
	case "typing":
		store.InputChanged(op.Empty)
	case "visible":
		store.MarkVisible(ctx, op.MessageID, op.Fraction)
	case "bottom":
		store.ScrolledToBottom(ctx)
	case "pin":
		err = store.TogglePin(op.ConversationID)
	case "new":
		_, err = store.NewConversation(ctx, op.PeerID, op.PeerName, op.Assistant)
	case "remove":
		err = store.DeleteConversation(ctx, op.ConversationID)
	default:
		log.Warn("WS 未知指令", "userID", userID, "op", op.Op)
		return
	}
	if err != nil {
		log.Warn("WS 指令执行失败", "userID", userID, "op", op.Op, "err", err)
	}
}

// snapshot 按更新类型裁剪快照体积
func (s *WsHandler) snapshot(store *chat.Store, u chat.Update) *wsUpdate {
	out := &wsUpdate{
		Kind:           u.Kind,
		ConversationID: u.ConversationID,
	}
	if u.Err != nil {
		out.Error = u.Err.Error()
	}

	switch u.Kind {
	case chat.UpdateConversations, chat.UpdatePresence, chat.UpdateConnection:
		out.Conversations = store.Conversations()
	case chat.UpdateMessages, chat.UpdateHistory, chat.UpdateTyping, chat.UpdateMutationFailed, chat.UpdateFetchFailed:
		out.Conversations = store.Conversations()
		out.Messages = store.ActiveMessages()
	}
	return out
}

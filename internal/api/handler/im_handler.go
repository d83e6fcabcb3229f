package handler

import (
	"Mindweave/internal/api/dto"
	"Mindweave/internal/pkg/response"
	"Mindweave/internal/service"
	"strconv"

	"github.com/gin-gonic/gin"
)

type IMHandler struct {
	imService service.IMService
}

func NewIMHandler(imService service.IMService) *IMHandler {
	return &IMHandler{imService: imService}
}

// GetConversationList 获取会话列表
func (s *IMHandler) GetConversationList(c *gin.Context) {
	userID := c.GetUint64("user_id")
	res, err := s.imService.GetConversationList(c, userID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}

// CreateConversation 创建或复用会话
func (s *IMHandler) CreateConversation(c *gin.Context) {
	var req dto.CreateConversationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, service.ErrParamInvalid)
		return
	}

	userID := c.GetUint64("user_id")
	res, err := s.imService.CreateConversation(c, userID, &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}

// DeleteConversation 从会话列表移除会话
func (s *IMHandler) DeleteConversation(c *gin.Context) {
	convID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		response.Error(c, service.ErrParamInvalid)
		return
	}

	userID := c.GetUint64("user_id")
	if err := s.imService.DeleteConversation(c, userID, convID); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, nil)
}

// PinConversation 置顶/取消置顶会话
func (s *IMHandler) PinConversation(c *gin.Context) {
	var req dto.PinConversationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, service.ErrParamInvalid)
		return
	}

	userID := c.GetUint64("user_id")
	if err := s.imService.SetPinned(c, userID, req.ConversationID, req.Pinned); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, nil)
}

// SendMessage 发送消息接口
func (s *IMHandler) SendMessage(c *gin.Context) {
	var req dto.SendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, service.ErrParamInvalid)
		return
	}

	// 从 Context 中获取中间件解析出的当前用户 ID
	senderID := c.GetUint64("user_id")

	res, err := s.imService.SendMessage(c, senderID, &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}

// EditMessage 编辑消息
func (s *IMHandler) EditMessage(c *gin.Context) {
	var req dto.EditMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, service.ErrParamInvalid)
		return
	}

	userID := c.GetUint64("user_id")
	if err := s.imService.EditMessage(c, userID, &req); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, nil)
}

// DeleteMessage 撤回消息
func (s *IMHandler) DeleteMessage(c *gin.Context) {
	convID, err := strconv.ParseUint(c.Query("conversation_id"), 10, 64)
	if err != nil {
		response.Error(c, service.ErrParamInvalid)
		return
	}
	messageID := c.Param("id")

	userID := c.GetUint64("user_id")
	if err := s.imService.DeleteMessage(c, userID, convID, messageID); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, nil)
}

// ToggleReaction 切换表态
func (s *IMHandler) ToggleReaction(c *gin.Context) {
	var req dto.ToggleReactionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, service.ErrParamInvalid)
		return
	}

	userID := c.GetUint64("user_id")
	res, err := s.imService.ToggleReaction(c, userID, &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}

// MarkAsRead 标记已读接口
func (s *IMHandler) MarkAsRead(c *gin.Context) {
	var req dto.MarkAsReadReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, service.ErrParamInvalid)
		return
	}

	userID := c.GetUint64("user_id")

	err := s.imService.MarkAsRead(c, userID, req.ConversationID, req.MessageID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, nil)
}

// GetChatHistory 获取历史消息
func (s *IMHandler) GetChatHistory(c *gin.Context) {
	var req dto.HistoryReq
	if err := c.ShouldBindQuery(&req); err != nil {
		response.Error(c, service.ErrParamInvalid)
		return
	}

	userID := c.GetUint64("user_id")
	messages, nextCursor, err := s.imService.GetChatHistory(c, userID, req.ConversationID, req.Cursor, req.Limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, &dto.HistoryResp{Messages: messages, NextCursor: nextCursor})
}

// SearchMessages 消息全文检索
func (s *IMHandler) SearchMessages(c *gin.Context) {
	var req dto.SearchMessagesReq
	if err := c.ShouldBindQuery(&req); err != nil {
		response.Error(c, service.ErrParamInvalid)
		return
	}

	userID := c.GetUint64("user_id")
	res, err := s.imService.SearchMessages(c, userID, &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}

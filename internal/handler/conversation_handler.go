package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"teki-go/internal/service"
	"teki-go/pkg/log"
)

// ConversationHandler 处理与会话历史相关的 API 请求。
type ConversationHandler struct {
	service service.ConversationService
}

// NewConversationHandler 创建一个新的 ConversationHandler。
func NewConversationHandler(service service.ConversationService) *ConversationHandler {
	return &ConversationHandler{service: service}
}

// GetConversation 返回会话中保存的消息。
func (h *ConversationHandler) GetConversation(c *gin.Context) {
	history, err := h.service.GetConversationHistory(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": c.Param("sessionId"), "messages": history})
}

// ClearConversation 删除整个会话。
func (h *ConversationHandler) ClearConversation(c *gin.Context) {
	if err := h.service.ClearConversation(c.Request.Context(), c.Param("sessionId")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ConversationHandler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrSessionsDisabled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Historico de conversas desabilitado"})
	case errors.Is(err, service.ErrInvalidSessionID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "sessionId invalido"})
	default:
		log.Errorf("[ConversationHandler] 访问会话历史失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Erro ao acessar historico de conversas"})
	}
}

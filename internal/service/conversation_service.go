package service

import (
	"context"
	"errors"
	"strings"

	"teki-go/internal/model"
	"teki-go/internal/repository"
)

// ErrSessionsDisabled 表示未配置会话存储（Redis）。
var ErrSessionsDisabled = errors.New("historico de conversas desabilitado")

// ErrInvalidSessionID 表示会话 id 为空。
var ErrInvalidSessionID = errors.New("sessionId invalido")

// ConversationService 定义了会话历史的查询与清除。
type ConversationService interface {
	GetConversationHistory(ctx context.Context, sessionID string) ([]model.ChatMessage, error)
	ClearConversation(ctx context.Context, sessionID string) error
}

type conversationService struct {
	repo repository.ConversationRepository
}

// NewConversationService 创建一个新的 ConversationService。repo 为 nil 时所有操作返回 ErrSessionsDisabled。
func NewConversationService(repo repository.ConversationRepository) ConversationService {
	return &conversationService{repo: repo}
}

// GetConversationHistory 获取会话中保存的最近消息。
func (s *conversationService) GetConversationHistory(ctx context.Context, sessionID string) ([]model.ChatMessage, error) {
	if err := s.check(sessionID); err != nil {
		return nil, err
	}
	return s.repo.GetHistory(ctx, sessionID)
}

// ClearConversation 删除整个会话，会话不存在时同样成功。
func (s *conversationService) ClearConversation(ctx context.Context, sessionID string) error {
	if err := s.check(sessionID); err != nil {
		return err
	}
	return s.repo.Clear(ctx, sessionID)
}

func (s *conversationService) check(sessionID string) error {
	if s.repo == nil {
		return ErrSessionsDisabled
	}
	if strings.TrimSpace(sessionID) == "" {
		return ErrInvalidSessionID
	}
	return nil
}

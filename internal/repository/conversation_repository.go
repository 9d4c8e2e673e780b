package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"teki-go/internal/model"
)

const (
	// maxSessionMessages 是单个会话保留的最近消息条数。
	maxSessionMessages = 20
	sessionTTL         = 7 * 24 * time.Hour
)

// ConversationRepository 定义了对话会话历史的读写接口。
type ConversationRepository interface {
	GetHistory(ctx context.Context, sessionID string) ([]model.ChatMessage, error)
	// AppendMessages 追加消息并只保留最近 maxSessionMessages 条，同时刷新过期时间。
	AppendMessages(ctx context.Context, sessionID string, messages ...model.ChatMessage) error
	Clear(ctx context.Context, sessionID string) error
}

type redisConversationRepository struct {
	redisClient *redis.Client
}

// NewConversationRepository 创建一个基于 Redis 的 ConversationRepository 实例。
func NewConversationRepository(redisClient *redis.Client) ConversationRepository {
	return &redisConversationRepository{redisClient: redisClient}
}

func sessionKey(sessionID string) string {
	return fmt.Sprintf("chat:session:%s", sessionID)
}

// GetHistory 从 Redis 获取会话历史；会话不存在时返回空切片。
func (r *redisConversationRepository) GetHistory(ctx context.Context, sessionID string) ([]model.ChatMessage, error) {
	jsonData, err := r.redisClient.Get(ctx, sessionKey(sessionID)).Result()
	if err == redis.Nil {
		return []model.ChatMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session history: %w", err)
	}
	var messages []model.ChatMessage
	if err := json.Unmarshal([]byte(jsonData), &messages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session history: %w", err)
	}
	return messages, nil
}

// AppendMessages 在 Redis 中追加会话消息。
func (r *redisConversationRepository) AppendMessages(ctx context.Context, sessionID string, messages ...model.ChatMessage) error {
	history, err := r.GetHistory(ctx, sessionID)
	if err != nil {
		return err
	}
	history = trimHistory(append(history, messages...))

	jsonData, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("failed to marshal session history: %w", err)
	}
	if err := r.redisClient.Set(ctx, sessionKey(sessionID), jsonData, sessionTTL).Err(); err != nil {
		return fmt.Errorf("failed to set session history: %w", err)
	}
	return nil
}

// Clear 删除整个会话。
func (r *redisConversationRepository) Clear(ctx context.Context, sessionID string) error {
	if err := r.redisClient.Del(ctx, sessionKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func trimHistory(messages []model.ChatMessage) []model.ChatMessage {
	if len(messages) > maxSessionMessages {
		return messages[len(messages)-maxSessionMessages:]
	}
	return messages
}

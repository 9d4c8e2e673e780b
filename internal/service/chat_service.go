package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"teki-go/internal/model"
	"teki-go/internal/repository"
	"teki-go/pkg/agent"
	"teki-go/pkg/log"
)

// ChatRequest 是一次聊天请求。SessionID 非空且启用了会话存储时，服务端会补全历史并保存本轮对话。
type ChatRequest struct {
	Messages  []agent.Message `json:"messages"`
	Context   *agent.Context  `json:"context,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// ErrEmptyConversation 表示请求中没有任何 user 消息。
var ErrEmptyConversation = errors.New("a conversa precisa de ao menos uma mensagem do usuario")

// MessageSender 是 Agent 客户端的最小接口。
type MessageSender interface {
	SendMessage(ctx context.Context, messages []agent.Message, agentCtx *agent.Context) (*agent.Stream, error)
}

// ChatService 定义了聊天操作的接口。
type ChatService interface {
	// StreamResponse 将 Agent 返回的每段增量交给 onDelta，返回完整答案。
	// onDelta 返回错误时立即停止读取并关闭上游连接。
	StreamResponse(ctx context.Context, req ChatRequest, onDelta func(delta string) error) (string, error)
}

type chatService struct {
	sender           MessageSender
	conversationRepo repository.ConversationRepository
}

// NewChatService 创建一个新的 ChatService 实例。conversationRepo 可为 nil，此时忽略 SessionID。
func NewChatService(sender MessageSender, conversationRepo repository.ConversationRepository) ChatService {
	return &chatService{sender: sender, conversationRepo: conversationRepo}
}

// StreamResponse 组装对话、调用 Agent 并流式转发响应。
func (s *chatService) StreamResponse(ctx context.Context, req ChatRequest, onDelta func(delta string) error) (string, error) {
	question, ok := lastUserMessage(req.Messages)
	if !ok {
		return "", ErrEmptyConversation
	}

	messages := req.Messages
	useSession := req.SessionID != "" && s.conversationRepo != nil
	if useSession {
		history, err := s.conversationRepo.GetHistory(ctx, req.SessionID)
		if err != nil {
			log.Errorf("Failed to load session history: %v", err)
		} else {
			messages = composeMessages(history, req.Messages)
		}
	}

	stream, err := s.sender.SendMessage(ctx, messages, req.Context)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	answer := &strings.Builder{}
	for {
		delta, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return answer.String(), err
		}
		answer.WriteString(delta)
		if err := onDelta(delta); err != nil {
			return answer.String(), err
		}
	}

	fullAnswer := answer.String()
	if useSession && fullAnswer != "" {
		// 使用后台上下文，因为即使原始请求被取消，我们也希望保存成功生成的答案
		if err := s.saveTurn(context.WithoutCancel(ctx), req.SessionID, question, fullAnswer); err != nil {
			log.Errorf("Failed to save session history: %v", err)
		}
	}
	return fullAnswer, nil
}

func lastUserMessage(messages []agent.Message) (string, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content, true
		}
	}
	return "", false
}

// composeMessages 把已保存的历史放在请求消息之前。
// 客户端已经带上完整历史时（请求不止一条消息）以客户端为准。
func composeMessages(history []model.ChatMessage, requested []agent.Message) []agent.Message {
	if len(history) == 0 || len(requested) > 1 {
		return requested
	}
	msgs := make([]agent.Message, 0, len(history)+len(requested))
	for _, m := range history {
		msgs = append(msgs, agent.Message{Role: m.Role, Content: m.Content})
	}
	return append(msgs, requested...)
}

func (s *chatService) saveTurn(ctx context.Context, sessionID, question, answer string) error {
	now := time.Now()
	err := s.conversationRepo.AppendMessages(ctx, sessionID,
		model.ChatMessage{Role: "user", Content: question, Timestamp: now},
		model.ChatMessage{Role: "assistant", Content: answer, Timestamp: now},
	)
	if err != nil {
		return fmt.Errorf("failed to append session messages: %w", err)
	}
	return nil
}

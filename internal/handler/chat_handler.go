package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"teki-go/internal/service"
	"teki-go/pkg/agent"
	"teki-go/pkg/log"
)

var (
	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // 允许所有来源，跨域由 cors 中间件控制
		},
	}
)

const agentErrorMessage = "Erro na comunicação com Algolia Agent Studio"

// ChatHandler 负责聊天代理：HTTP SSE 与 WebSocket 两种入口。
type ChatHandler struct {
	chatService service.ChatService
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(chatService service.ChatService) *ChatHandler {
	return &ChatHandler{chatService: chatService}
}

type textDeltaEvent struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
}

// Stream 处理 POST /api/chat，以 text/event-stream 转发 Agent 的增量。
// 在第一段增量到达之前出现的错误以普通 JSON 返回。
func (h *ChatHandler) Stream(c *gin.Context) {
	var req service.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Requisicao invalida"})
		return
	}

	started := false
	startStream := func() {
		if started {
			return
		}
		started = true
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Status(http.StatusOK)
	}

	_, err := h.chatService.StreamResponse(c.Request.Context(), req, func(delta string) error {
		startStream()
		payload, err := json.Marshal(textDeltaEvent{Type: "text-delta", Delta: delta})
		if err != nil {
			return err
		}
		if _, err := c.Writer.Write(append(append([]byte("data: "), payload...), '\n', '\n')); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	})

	if err != nil {
		if started {
			// 响应头已发出，只能中断流
			log.Warnf("[ChatHandler] 流式响应中断: %v", err)
			return
		}
		status, body := chatErrorResponse(err)
		c.JSON(status, body)
		return
	}

	startStream()
	_, _ = c.Writer.Write([]byte("data: [DONE]\n\n"))
	c.Writer.Flush()
}

// chatErrorResponse 把服务层错误翻译为 HTTP 状态码与 JSON 体。
func chatErrorResponse(err error) (int, gin.H) {
	var reqErr *agent.RequestError
	switch {
	case errors.Is(err, service.ErrEmptyConversation):
		return http.StatusBadRequest, gin.H{"error": err.Error()}
	case errors.Is(err, agent.ErrMissingCredentials):
		log.Error("[ChatHandler] Agent 凭证未配置", err)
		return http.StatusInternalServerError, gin.H{"error": "Credenciais do Algolia Agent Studio nao configuradas"}
	case errors.As(err, &reqErr):
		log.Errorf("[ChatHandler] Agent 返回错误: %v", err)
		return reqErr.StatusCode, gin.H{"error": agentErrorMessage, "details": reqErr.Body}
	default:
		log.Errorf("[ChatHandler] 处理聊天请求失败: %v", err)
		return http.StatusBadGateway, gin.H{"error": agentErrorMessage, "details": err.Error()}
	}
}

// wsSession 保存一个 WebSocket 连接上的写锁与当前进行中的响应。
type wsSession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (s *wsSession) writeJSON(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// begin 登记一个新的响应；已有响应在进行时返回 false。
func (s *wsSession) begin(parent context.Context) (context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil, false
	}
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	return ctx, true
}

func (s *wsSession) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// stop 取消进行中的响应，没有响应时返回 false。
func (s *wsSession) stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return false
	}
	s.cancel()
	return true
}

func notification(kind, message string) gin.H {
	now := time.Now()
	resp := gin.H{
		"type":      kind,
		"message":   message,
		"timestamp": now.UnixMilli(),
		"date":      now.Format("2006-01-02T15:04:05"),
	}
	if kind == "completion" {
		resp["status"] = "finished"
	}
	return resp
}

// Handle 处理 GET /api/chat/ws。客户端发送与 POST /api/chat 相同的 JSON，
// 服务端回复 {"chunk": ...} 帧，最后发送 completion 通知；{"type":"stop"} 中断当前响应。
func (h *ChatHandler) Handle(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	session := &wsSession{conn: conn}
	connCtx, cancelAll := context.WithCancel(c.Request.Context())
	var wg sync.WaitGroup
	defer func() {
		cancelAll()
		wg.Wait()
	}()

	log.Infof("WebSocket 连接已建立，来源: %s", c.ClientIP())

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warnf("从 WebSocket 读取消息失败: %v", err)
			}
			return
		}

		var ctrl struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(message, &ctrl); err == nil && ctrl.Type == "stop" {
			if session.stop() {
				log.Info("收到停止指令，正在中断流式响应...")
				_ = session.writeJSON(notification("stop", "Resposta interrompida"))
			}
			continue
		}

		var req service.ChatRequest
		if err := json.Unmarshal(message, &req); err != nil {
			_ = session.writeJSON(gin.H{"error": "Mensagem invalida"})
			continue
		}

		reqCtx, ok := session.begin(connCtx)
		if !ok {
			_ = session.writeJSON(gin.H{"error": "Ja existe uma resposta em andamento"})
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer session.finish()
			h.respond(reqCtx, session, req)
		}()
	}
}

func (h *ChatHandler) respond(ctx context.Context, session *wsSession, req service.ChatRequest) {
	_, err := h.chatService.StreamResponse(ctx, req, func(delta string) error {
		return session.writeJSON(gin.H{"chunk": delta})
	})
	if err != nil && ctx.Err() == nil {
		_, body := chatErrorResponse(err)
		_ = session.writeJSON(body)
	}
	// 出错或被中断时同样发送 completion，客户端据此结束等待
	_ = session.writeJSON(notification("completion", "Resposta concluida"))
}

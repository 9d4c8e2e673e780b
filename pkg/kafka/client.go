// Package kafka 提供了通过 Kafka 主题分发处理任务的功能。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/segmentio/kafka-go"

	"teki-go/internal/config"
	"teki-go/pkg/log"
	"teki-go/pkg/tasks"
)

// TaskHandler defines the interface for any service that can process a task.
// This decouples the Kafka consumer from the concrete pipeline implementation.
type TaskHandler interface {
	HandleTask(ctx context.Context, task tasks.SolutionProcessingTask) error
}

func brokerList(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// Producer 将处理任务写入 Kafka 主题。
type Producer struct {
	writer *kafka.Writer
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokerList(cfg.Brokers)...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	log.Info("Kafka 生产者初始化成功")
	return &Producer{writer: w}
}

// Dispatch 发送一个处理任务到 Kafka，以记录 id 作为消息 key。
func (p *Producer) Dispatch(ctx context.Context, task tasks.SolutionProcessingTask) error {
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.SolutionID),
		Value: taskBytes,
	}); err != nil {
		return fmt.Errorf("发送 Kafka 消息失败: %w", err)
	}
	return nil
}

// Close 关闭底层 writer。
func (p *Producer) Close() error {
	return p.writer.Close()
}

// StartConsumer 启动一个 Kafka 消费者来处理任务，直到 ctx 被取消。
// 处理失败时任务记录已被标记为 error，因此无论成败都提交 offset，不做自动重试。
func StartConsumer(ctx context.Context, cfg config.KafkaConfig, handler TaskHandler) error {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokerList(cfg.Brokers),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	defer func() {
		if err := r.Close(); err != nil {
			log.Errorf("关闭 Kafka 消费者失败: %v", err)
		}
	}()

	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", cfg.Topic)

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				log.Info("Kafka 消费者已停止")
				return nil
			}
			return fmt.Errorf("从 Kafka 读取消息失败: %w", err)
		}

		log.Infof("收到 Kafka 消息: offset %d", m.Offset)
		handleMessage(ctx, m, handler)

		// 提交不使用 ctx，避免关闭时已处理的消息被重复消费
		if err := r.CommitMessages(context.Background(), m); err != nil {
			log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
		}
	}
}

func handleMessage(ctx context.Context, m kafka.Message, handler TaskHandler) {
	var task tasks.SolutionProcessingTask
	if err := json.Unmarshal(m.Value, &task); err != nil || task.SolutionID == "" {
		// 消息格式错误，直接提交，避免阻塞队列
		log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
		return
	}

	log.Infof("开始处理任务: SolutionID=%s", task.SolutionID)
	if err := handler.HandleTask(ctx, task); err != nil {
		log.Errorf("处理任务失败: SolutionID=%s, Error: %v", task.SolutionID, err)
		return
	}
	log.Infof("任务处理成功: SolutionID=%s", task.SolutionID)
}

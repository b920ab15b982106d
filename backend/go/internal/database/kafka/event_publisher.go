package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"mahjong_analysis/backend/go/internal/models"

	"github.com/segmentio/kafka-go"
)

// EventPublisher 把任务进度事件序列化为 JSON 写入 Kafka。
type EventPublisher struct {
	writer *kafka.Writer
}

// NewEventPublisher 创建一个写入 topic 的 EventPublisher。
func NewEventPublisher(client *KafkaClient, topic string) *EventPublisher {
	return &EventPublisher{writer: client.NewWriter(topic)}
}

// PublishTaskEvent 发送一条任务进度事件，键为任务ID。
func (p *EventPublisher) PublishTaskEvent(ctx context.Context, entry *models.TaskLogEntry) error {
	jsonData, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal task event: %w", err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(entry.TaskID),
		Value: jsonData,
	}); err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}
	return nil
}

// Close 关闭底层的 writer 连接。
func (p *EventPublisher) Close() error {
	return p.writer.Close()
}

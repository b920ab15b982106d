package kafka

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"mahjong_analysis/backend/go/internal/config"

	"github.com/segmentio/kafka-go"
)

// KafkaClient 持有管理连接和共享的配置，进度事件的 writer 与 reader 按主题创建。
type KafkaClient struct {
	Conn   *kafka.Conn // 用于管理的连接
	Config *config.KafkaConfig
}

var (
	client  *KafkaClient
	once    sync.Once
	initErr error
)

// GetClient 使用单例模式初始化并返回一个 KafkaClient 实例。
// 首次调用时，它会连接到 Kafka 并创建配置中尚不存在的主题。
func GetClient(cfg *config.KafkaConfig) (*KafkaClient, error) {
	once.Do(func() {
		if len(cfg.Brokers) == 0 {
			initErr = fmt.Errorf("未配置 Kafka brokers")
			return
		}

		conn, err := kafka.Dial("tcp", cfg.Brokers[0])
		if err != nil {
			initErr = fmt.Errorf("kafka 初始化连接失败: %w", err)
			return
		}
		if err := ensureTopics(conn, cfg.Topics); err != nil {
			conn.Close()
			initErr = err
			return
		}

		log.Println("✅ 成功初始化 Kafka 客户端!")
		client = &KafkaClient{Conn: conn, Config: cfg}
	})

	return client, initErr
}

// ensureTopics 创建缺失的主题。主题必须在控制器上创建，因此先找到控制器再连接。
func ensureTopics(conn *kafka.Conn, topics []string) error {
	if len(topics) == 0 {
		return nil
	}
	partitions, err := conn.ReadPartitions()
	if err != nil {
		return fmt.Errorf("无法读取 Kafka 分区信息: %w", err)
	}
	existing := make(map[string]struct{})
	for _, p := range partitions {
		existing[p.Topic] = struct{}{}
	}

	var toCreate []kafka.TopicConfig
	for _, name := range topics {
		if _, ok := existing[name]; !ok {
			log.Printf("主题 '%s' 不存在，准备创建...", name)
			toCreate = append(toCreate, kafka.TopicConfig{
				Topic:             name,
				NumPartitions:     1,
				ReplicationFactor: 1,
			})
		}
	}
	if len(toCreate) == 0 {
		return nil
	}

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("无法获取 Kafka 控制器: %w", err)
	}
	ctrl, err := kafka.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("无法连接 Kafka 控制器: %w", err)
	}
	defer ctrl.Close()
	if err := ctrl.CreateTopics(toCreate...); err != nil {
		return fmt.Errorf("自动创建 Kafka 主题失败: %w", err)
	}
	log.Printf("成功创建 %d 个 Kafka 主题。", len(toCreate))
	return nil
}

// NewWriter 为指定主题创建一个 writer。同一任务的事件使用任务ID作为键，保证分区内有序。
func (c *KafkaClient) NewWriter(topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(c.Config.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		BatchSize:    100,
	}
}

// Close 安全地关闭管理连接。
func (c *KafkaClient) Close() error {
	if c == nil || c.Conn == nil {
		return nil
	}
	if err := c.Conn.Close(); err != nil {
		return fmt.Errorf("关闭 Kafka 管理连接失败: %w", err)
	}
	return nil
}

// HealthCheck 检查 Kafka 连接的健康状况。
func (c *KafkaClient) HealthCheck(ctx context.Context) error {
	if c == nil || c.Conn == nil {
		return fmt.Errorf("kafka 客户端未初始化，无法进行健康检查")
	}
	_, err := c.Conn.Controller()
	return err
}

package redis

import (
	"context"
	"fmt"
	"log"
	"sync"

	"mahjong_analysis/backend/go/internal/config"

	"github.com/go-redis/redis/v8"
)

var (
	client  *redis.Client
	once    sync.Once
	initErr error
)

// GetClient 使用单例模式初始化并返回一个 Redis 客户端实例。
// 任务状态镜像只需要一个连接池，因此整个进程共享同一个客户端。
func GetClient(cfg *config.RedisConfig) (*redis.Client, error) {
	once.Do(func() {
		if cfg.Address == "" {
			initErr = fmt.Errorf("未配置 Redis 地址")
			return
		}
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Address,
			Password: cfg.Password,
			DB:       cfg.DB,
		})

		// 启动时 Ping 一次，尽早暴露配置错误。
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			_ = rdb.Close()
			initErr = fmt.Errorf("无法连接到 Redis: %w", err)
			return
		}

		log.Printf("✅ 成功连接到 Redis (%s, db=%d)", cfg.Address, cfg.DB)
		client = rdb
	})

	return client, initErr
}

// Close 安全地关闭单例的 Redis 连接。
func Close() error {
	if client != nil {
		return client.Close()
	}
	return nil
}

// HealthCheck 检查 Redis 连接的健康状况。
func HealthCheck(ctx context.Context) error {
	if client == nil {
		return fmt.Errorf("Redis 客户端未初始化")
	}
	return client.Ping(ctx).Err()
}

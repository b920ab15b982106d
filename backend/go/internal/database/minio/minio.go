package minio

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"

	"mahjong_analysis/backend/go/internal/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var (
	client  *minio.Client
	once    sync.Once
	initErr error
)

// GetClient 使用单例模式初始化并返回一个对象存储客户端实例。
// 腾讯云 COS 提供 S3 兼容接口，因此同一个 minio 客户端既能访问 COS，也能访问自建 MinIO。
// transport 为 nil 时使用 minio-go 的默认传输层。
func GetClient(cfg *config.ObjectStoreConfig, transport http.RoundTripper) (*minio.Client, error) {
	once.Do(func() {
		c, err := NewClient(cfg, transport)
		if err != nil {
			initErr = err
			return
		}

		// 初始化时确认存储桶存在且凭证有效
		exists, err := c.BucketExists(context.Background(), cfg.Bucket)
		if err != nil {
			initErr = fmt.Errorf("对象存储初始化健康检查失败: %w", err)
			return
		}
		if !exists {
			initErr = fmt.Errorf("存储桶 %q 不存在", cfg.Bucket)
			return
		}

		log.Println("✅ 成功连接到对象存储!")
		client = c
	})

	return client, initErr
}

// NewClient 根据配置创建一个客户端，不做任何网络请求。
func NewClient(cfg *config.ObjectStoreConfig, transport http.RoundTripper) (*minio.Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("未配置存储桶名称")
	}
	opts := &minio.Options{
		// 未配置密钥时使用匿名访问（公共读的存储桶）。
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken),
		Secure:       cfg.Secure,
		Region:       cfg.Region,
		BucketLookup: bucketLookup(cfg.BucketLookup),
		Transport:    transport,
	}
	c, err := minio.New(cfg.Endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("无法创建对象存储客户端: %w", err)
	}
	return c, nil
}

// HealthCheck 检查对象存储连接的健康状况。
func HealthCheck(ctx context.Context, bucket string) error {
	if client == nil {
		return fmt.Errorf("对象存储客户端未初始化")
	}
	if _, err := client.BucketExists(ctx, bucket); err != nil {
		return fmt.Errorf("对象存储健康检查失败: %w", err)
	}
	return nil
}

func bucketLookup(s string) minio.BucketLookupType {
	switch s {
	case "dns":
		return minio.BucketLookupDNS
	case "path":
		return minio.BucketLookupPath
	default:
		return minio.BucketLookupAuto
	}
}

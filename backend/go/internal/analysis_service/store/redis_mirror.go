package store

import (
	"context"
	"strconv"
	"time"

	"mahjong_analysis/backend/go/internal/models"

	"github.com/go-redis/redis/v8"
)

// RedisStatusMirror writes the latest status of each task to a Redis hash so
// dashboards can poll it without calling the service.
type RedisStatusMirror struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStatusMirror creates a mirror writing keys prefix+taskID. A zero ttl
// keeps the keys forever.
func NewRedisStatusMirror(client *redis.Client, prefix string, ttl time.Duration) *RedisStatusMirror {
	return &RedisStatusMirror{client: client, prefix: prefix, ttl: ttl}
}

// Key returns the hash key for a task.
func (m *RedisStatusMirror) Key(taskID string) string {
	return m.prefix + taskID
}

// Save writes the task's status fields and refreshes the key's expiry.
func (m *RedisStatusMirror) Save(ctx context.Context, task models.AnalysisTask) error {
	key := m.Key(task.ID)
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, mirrorFields(task))
		if m.ttl > 0 {
			pipe.Expire(ctx, key, m.ttl)
		}
		return nil
	})
	return err
}

func mirrorFields(task models.AnalysisTask) map[string]interface{} {
	fields := map[string]interface{}{
		"source_path": task.SourcePath,
		"status":      string(task.Status),
		"progress":    strconv.Itoa(task.Progress),
		"message":     task.Message,
		"cache_used":  strconv.FormatBool(task.CacheUsed),
		"image_count": strconv.Itoa(task.ImageCount),
		"updated_at":  task.UpdatedAt.UTC().Format(time.RFC3339),
		"error":       "",
		"result_path": "",
	}
	if task.Error != nil {
		fields["error"] = *task.Error
	}
	if task.ResultPath != nil {
		fields["result_path"] = *task.ResultPath
	}
	return fields
}

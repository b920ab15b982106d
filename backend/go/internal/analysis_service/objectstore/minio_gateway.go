package objectstore

import (
	"context"
	"fmt"
	"io"
	"strings"

	"mahjong_analysis/backend/go/internal/models"

	"github.com/minio/minio-go/v7"
)

// MinioGateway reads screenshots from an S3 compatible bucket (Tencent COS,
// MinIO) through minio-go.
type MinioGateway struct {
	client *minio.Client
	bucket string
}

// NewMinioGateway creates a gateway over one bucket.
func NewMinioGateway(client *minio.Client, bucket string) *MinioGateway {
	return &MinioGateway{client: client, bucket: bucket}
}

// List returns files and sub directories directly below p.
func (g *MinioGateway) List(ctx context.Context, p string) (*models.Listing, error) {
	prefix := DirPrefix(p)
	var files []models.ObjectInfo
	var dirs []string
	for obj := range g.client.ListObjects(ctx, g.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: false}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", g.bucket, prefix, translate(obj.Err))
		}
		if strings.HasSuffix(obj.Key, "/") {
			if obj.Key != prefix {
				dirs = append(dirs, obj.Key)
			}
			continue
		}
		files = append(files, toObjectInfo(obj))
	}
	return BuildListing(strings.Trim(p, "/"), files, dirs), nil
}

// ListAll returns every object below prefix. A prefix with no objects is
// reported as ErrNotFound, since object stores have no empty folders.
func (g *MinioGateway) ListAll(ctx context.Context, prefix string) ([]models.ObjectInfo, error) {
	dir := DirPrefix(prefix)
	var objects []models.ObjectInfo
	for obj := range g.client.ListObjects(ctx, g.bucket, minio.ListObjectsOptions{Prefix: dir, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", g.bucket, dir, translate(obj.Err))
		}
		if strings.HasSuffix(obj.Key, "/") {
			continue
		}
		objects = append(objects, toObjectInfo(obj))
	}
	if len(objects) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, g.bucket, dir)
	}
	return objects, nil
}

// Fetch downloads one object into memory.
func (g *MinioGateway) Fetch(ctx context.Context, key string) ([]byte, error) {
	obj, err := g.client.GetObject(ctx, g.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, translate(err))
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, translate(err))
	}
	return data, nil
}

func toObjectInfo(obj minio.ObjectInfo) models.ObjectInfo {
	return models.ObjectInfo{
		Key:          obj.Key,
		Size:         obj.Size,
		LastModified: obj.LastModified,
		ETag:         strings.Trim(obj.ETag, `"`),
	}
}

func translate(err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

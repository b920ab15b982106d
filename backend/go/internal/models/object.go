package models

import (
	"fmt"
	"time"
)

// ObjectInfo 描述对象存储中的一个文件。
type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
	ETag         string    `json:"etag,omitempty"`
}

// FileEntry 是目录列举结果中的文件项。
type FileEntry struct {
	Name         string    `json:"name"`
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	SizeHuman    string    `json:"size_human"`
	LastModified time.Time `json:"last_modified"`
	Type         string    `json:"type"`
}

// DirectoryEntry 是目录列举结果中的子目录项。
type DirectoryEntry struct {
	Name string `json:"name"`
	Key  string `json:"key"`
	Type string `json:"type"`
}

// Listing 是某个路径下一层的文件与子目录。
type Listing struct {
	Path             string           `json:"path"`
	Files            []FileEntry      `json:"files"`
	Directories      []DirectoryEntry `json:"directories"`
	TotalFiles       int              `json:"total_files"`
	TotalDirectories int              `json:"total_directories"`
}

// HumanSize 把字节数格式化为 "12.1KB" 这样的可读形式。
func HumanSize(size int64) string {
	value := float64(size)
	for _, unit := range []string{"B", "KB", "MB", "GB"} {
		if value < 1024 {
			if unit == "B" {
				return fmt.Sprintf("%d%s", size, unit)
			}
			return fmt.Sprintf("%.1f%s", value, unit)
		}
		value /= 1024
	}
	return fmt.Sprintf("%.1fTB", value)
}

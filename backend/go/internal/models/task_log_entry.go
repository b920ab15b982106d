package models

import "time"

// TaskLogEntry 定义了发送到 Kafka 的任务进度事件的统一结构。
type TaskLogEntry struct {
	TaskID     string     `json:"task_id"`
	SourcePath string     `json:"source_path"`
	Timestamp  time.Time  `json:"timestamp"`
	Status     TaskStatus `json:"status"`
	Progress   int        `json:"progress"`
	Message    string     `json:"message"`
	Error      string     `json:"error,omitempty"`
	ResultPath string     `json:"result_path,omitempty"`
	CacheUsed  bool       `json:"cache_used"`
}

// NewTaskLogEntry 根据任务快照生成一条进度事件。
func NewTaskLogEntry(task AnalysisTask) *TaskLogEntry {
	entry := &TaskLogEntry{
		TaskID:     task.ID,
		SourcePath: task.SourcePath,
		Timestamp:  task.UpdatedAt,
		Status:     task.Status,
		Progress:   task.Progress,
		Message:    task.Message,
		CacheUsed:  task.CacheUsed,
	}
	if task.Error != nil {
		entry.Error = *task.Error
	}
	if task.ResultPath != nil {
		entry.ResultPath = *task.ResultPath
	}
	return entry
}

package models

import (
	"fmt"
	"time"
)

// TaskStatus 定义了分析任务的几种可能状态
type TaskStatus string

const (
	TaskStatusPending     TaskStatus = "pending"
	TaskStatusDownloading TaskStatus = "downloading"
	TaskStatusAnalyzing   TaskStatus = "analyzing"
	TaskStatusMerging     TaskStatus = "merging"
	TaskStatusCompleted   TaskStatus = "completed"
	TaskStatusFailed      TaskStatus = "failed"
)

// AllTaskStatuses 按流水线顺序列出全部状态。
var AllTaskStatuses = []TaskStatus{
	TaskStatusPending,
	TaskStatusDownloading,
	TaskStatusAnalyzing,
	TaskStatusMerging,
	TaskStatusCompleted,
	TaskStatusFailed,
}

// transitions 是状态机允许的边，终态没有出边。
var transitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:     {TaskStatusDownloading},
	TaskStatusDownloading: {TaskStatusAnalyzing, TaskStatusFailed},
	TaskStatusAnalyzing:   {TaskStatusMerging, TaskStatusFailed},
	TaskStatusMerging:     {TaskStatusCompleted, TaskStatusFailed},
}

// ParseTaskStatus 把查询参数转换为 TaskStatus，未知取值返回 false。
func ParseTaskStatus(s string) (TaskStatus, bool) {
	for _, st := range AllTaskStatuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// IsTerminal 表示任务是否已经结束。
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// IsInFlight 表示任务是否正处于某个执行阶段。
func (s TaskStatus) IsInFlight() bool {
	return s == TaskStatusDownloading || s == TaskStatusAnalyzing || s == TaskStatusMerging
}

// CanTransitionTo 判断状态机中是否存在 s -> next 这条边。
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	for _, candidate := range transitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// AnalysisTask 代表一次截图分析请求及其生命周期
type AnalysisTask struct {
	ID             string     `json:"task_id" bson:"_id"`                       // 任务唯一ID
	SourcePath     string     `json:"source_path" bson:"source_path"`           // 对象存储中的路径前缀
	Prompt         string     `json:"prompt" bson:"prompt"`                     // 分析提示词
	ForceReanalyze bool       `json:"force_reanalyze" bson:"force_reanalyze"`   // 忽略已有结果重新分析
	Status         TaskStatus `json:"status" bson:"status"`                     // 当前状态
	Progress       int        `json:"progress" bson:"progress"`                 // 0-100
	Message        string     `json:"message" bson:"message"`                   // 当前步骤描述
	Error          *string    `json:"error" bson:"error,omitempty"`             // 仅 failed 时存在
	ResultPath     *string    `json:"result_path" bson:"result_path,omitempty"` // 仅 completed 时存在
	CacheUsed      bool       `json:"cache_used" bson:"cache_used"`             // 是否复用了已有的单图结果
	ImageCount     int        `json:"image_count" bson:"image_count"`           // 发现的截图数量
	AnalyzedCount  int        `json:"analyzed_count" bson:"analyzed_count"`     // 本次实际调用模型的图片数量
	CreatedAt      time.Time  `json:"created_at" bson:"created_at"`             // 创建时间
	UpdatedAt      time.Time  `json:"updated_at" bson:"updated_at"`             // 最后一次变更时间
}

// Clone 返回任务记录的独立副本。
func (t AnalysisTask) Clone() AnalysisTask {
	if t.Error != nil {
		e := *t.Error
		t.Error = &e
	}
	if t.ResultPath != nil {
		p := *t.ResultPath
		t.ResultPath = &p
	}
	return t
}

// CheckInvariants 校验 result_path/error 与状态之间的对应关系。
func (t AnalysisTask) CheckInvariants() error {
	if t.Progress < 0 || t.Progress > 100 {
		return fmt.Errorf("progress %d out of range", t.Progress)
	}
	if (t.ResultPath != nil) != (t.Status == TaskStatusCompleted) {
		return fmt.Errorf("result_path must be set only when completed (status=%s)", t.Status)
	}
	if (t.Error != nil) != (t.Status == TaskStatusFailed) {
		return fmt.Errorf("error must be set only when failed (status=%s)", t.Status)
	}
	if t.Status == TaskStatusCompleted && t.Progress != 100 {
		return fmt.Errorf("completed task must report progress 100, got %d", t.Progress)
	}
	return nil
}

// StringPtr 是构造可选字符串字段的辅助函数。
func StringPtr(s string) *string {
	return &s
}

// CreateAnalysisRequest 是 POST /analysis 的请求体。
type CreateAnalysisRequest struct {
	SourcePath     string `json:"source_path"`
	CosPath        string `json:"cos_path"` // 兼容旧客户端的字段名
	Prompt         string `json:"prompt"`
	ForceReanalyze bool   `json:"force_reanalyze"`
}

// AnalysisResult 是已完成任务的报告内容。
type AnalysisResult struct {
	TaskID     string     `json:"task_id"`
	Status     TaskStatus `json:"status"`
	ResultPath string     `json:"result_path"`
	Content    string     `json:"content"`
	Size       int64      `json:"size"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

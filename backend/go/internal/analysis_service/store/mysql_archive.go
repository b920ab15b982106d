package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"mahjong_analysis/backend/go/internal/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TaskRow is the MySQL row of an archived task. The queryable columns are
// copied out of the snapshot; the snapshot itself is the source of truth.
type TaskRow struct {
	ID         string         `gorm:"primaryKey;size:64"`
	SourcePath string         `gorm:"size:1024"`
	Status     string         `gorm:"size:16;index"`
	Progress   int            `gorm:"not null"`
	CreatedAt  time.Time      `gorm:"index"`
	UpdatedAt  time.Time
	Snapshot   datatypes.JSON `gorm:"type:json"`
}

// TableName 指定表名。
func (TaskRow) TableName() string {
	return "analysis_tasks"
}

// MySQLTaskArchive stores tasks through gorm.
type MySQLTaskArchive struct {
	db *gorm.DB
}

// NewMySQLTaskArchive migrates the table and returns the archive.
func NewMySQLTaskArchive(db *gorm.DB) (*MySQLTaskArchive, error) {
	if err := db.AutoMigrate(&TaskRow{}); err != nil {
		return nil, fmt.Errorf("migrate analysis_tasks: %w", err)
	}
	return &MySQLTaskArchive{db: db}, nil
}

// Save inserts or overwrites the row for task.
func (s *MySQLTaskArchive) Save(ctx context.Context, task models.AnalysisTask) error {
	row, err := toRow(task)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

// LoadAll returns all archived tasks sorted by creation time.
func (s *MySQLTaskArchive) LoadAll(ctx context.Context) ([]models.AnalysisTask, error) {
	var rows []TaskRow
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	tasks := make([]models.AnalysisTask, 0, len(rows))
	for _, row := range rows {
		task, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func toRow(task models.AnalysisTask) (TaskRow, error) {
	snapshot, err := json.Marshal(task)
	if err != nil {
		return TaskRow{}, fmt.Errorf("encode task %s: %w", task.ID, err)
	}
	return TaskRow{
		ID:         task.ID,
		SourcePath: task.SourcePath,
		Status:     string(task.Status),
		Progress:   task.Progress,
		CreatedAt:  task.CreatedAt,
		UpdatedAt:  task.UpdatedAt,
		Snapshot:   datatypes.JSON(snapshot),
	}, nil
}

func fromRow(row TaskRow) (models.AnalysisTask, error) {
	var task models.AnalysisTask
	if err := json.Unmarshal(row.Snapshot, &task); err != nil {
		return models.AnalysisTask{}, fmt.Errorf("decode task %s: %w", row.ID, err)
	}
	return task, nil
}

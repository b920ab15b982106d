package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"mahjong_analysis/backend/go/internal/models"

	"github.com/sirupsen/logrus"
)

func TestWithMethodsDoNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	base := logrus.New()
	base.SetOutput(&buf)
	base.SetFormatter(&logrus.JSONFormatter{})
	parent := &Logger{entry: logrus.NewEntry(base).WithField("service_name", "test")}

	parent.WithTask("task-1").WithError(models.ErrorInfo{Message: "boom"}).Error("child")
	buf.Reset()
	parent.Info("parent")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("failed to decode log line: %v", err)
	}
	if _, ok := line["task_id"]; ok {
		t.Errorf("Expected parent logger to stay free of child fields, got %v", line)
	}
	if _, ok := line["error"]; ok {
		t.Errorf("Expected parent logger to stay free of child fields, got %v", line)
	}
	if line["service_name"] != "test" {
		t.Errorf("Expected service_name field, got %v", line["service_name"])
	}
}

package analyzer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mahjong_analysis/backend/go/internal/models"
	"mahjong_analysis/backend/go/pkg/circuitbreaker"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

type fakeLLM struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	calls     int
	lastMIME  string
	summary   string
}

func (f *fakeLLM) AnalyzeImage(ctx context.Context, img models.ImageInput, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	f.lastMIME = img.MIMEType
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return f.responses[len(f.responses)-1], nil
}

func (f *fakeLLM) Summarize(ctx context.Context, prompt, document string) (string, error) {
	return f.summary, nil
}

func (f *fakeLLM) Close() error { return nil }

const validFinding = `{"win_type":{"pattern":"碰碰胡","multiplier":"X2"},"final_scores":[12,-4,-4,-4]}`

func TestAnalyze_DecodesAndSniffsMIME(t *testing.T) {
	model := &fakeLLM{responses: []string{validFinding}}
	a := New(model)

	finding, err := a.Analyze(context.Background(), models.ImageInput{Key: "r1/001.png", Data: pngHeader}, "score")
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if finding.ImageKey != "r1/001.png" {
		t.Errorf("Expected image key to be stamped, got %q", finding.ImageKey)
	}
	if finding.WinType.Pattern != "碰碰胡" || len(finding.FinalScores) != 4 {
		t.Errorf("Unexpected finding %+v", finding)
	}
	if model.lastMIME != "image/png" {
		t.Errorf("Expected image/png, got %q", model.lastMIME)
	}
}

func TestAnalyze_RetriesTransientFailures(t *testing.T) {
	model := &fakeLLM{
		errs:      []error{errors.New("503 from upstream"), nil},
		responses: []string{"", validFinding},
	}
	a := New(model, WithRetries(2), WithBackoff(time.Millisecond))

	if _, err := a.Analyze(context.Background(), models.ImageInput{Key: "a.png", Data: pngHeader}, "p"); err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if model.calls != 2 {
		t.Errorf("Expected 2 calls, got %d", model.calls)
	}
}

func TestAnalyze_InvalidOutputExhaustsRetries(t *testing.T) {
	model := &fakeLLM{responses: []string{`{}`}}
	a := New(model, WithRetries(1), WithBackoff(time.Millisecond))

	_, err := a.Analyze(context.Background(), models.ImageInput{Key: "a.png", Data: pngHeader}, "p")
	if !errors.Is(err, ErrInvalidOutput) {
		t.Fatalf("Expected ErrInvalidOutput, got %v", err)
	}
	if model.calls != 2 {
		t.Errorf("Expected 2 attempts, got %d", model.calls)
	}
}

func TestAnalyze_OpenBreakerIsNotRetried(t *testing.T) {
	model := &fakeLLM{errs: []error{errors.New("boom")}, responses: []string{""}}
	cb := circuitbreaker.New(1, 1, time.Hour)
	a := New(model, WithRetries(3), WithBackoff(time.Millisecond), WithBreaker(cb))

	_, err := a.Analyze(context.Background(), models.ImageInput{Key: "a.png", Data: pngHeader}, "p")
	if !errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		t.Fatalf("Expected ErrCircuitOpen after the first failure tripped the breaker, got %v", err)
	}
	if model.calls != 1 {
		t.Errorf("Expected the model to be called once, got %d", model.calls)
	}
}

func TestAnalyze_EmptyImage(t *testing.T) {
	a := New(&fakeLLM{responses: []string{validFinding}})
	if _, err := a.Analyze(context.Background(), models.ImageInput{Key: "a.png"}, "p"); err == nil {
		t.Error("Expected error for empty image data")
	}
}

func TestDetectMIME_FallsBackToPNG(t *testing.T) {
	if got := DetectMIME([]byte("plain text")); got != "image/png" {
		t.Errorf("DetectMIME() = %q", got)
	}
	jpeg := []byte{0xff, 0xd8, 0xff, 0xe0, 0, 0x10, 'J', 'F', 'I', 'F', 0}
	if got := DetectMIME(jpeg); got != "image/jpeg" {
		t.Errorf("DetectMIME(jpeg) = %q", got)
	}
}

func TestSummarize_Trims(t *testing.T) {
	a := New(&fakeLLM{summary: "  东家胜出\n"})
	out, err := a.Summarize(context.Background(), "p", "[]")
	if err != nil || out != "东家胜出" {
		t.Errorf("Summarize() = %q, %v", out, err)
	}
}

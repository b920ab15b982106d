package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"mahjong_analysis/backend/go/internal/llm"
	"mahjong_analysis/backend/go/internal/models"
	"mahjong_analysis/backend/go/pkg/circuitbreaker"
	"mahjong_analysis/backend/go/pkg/logger"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/time/rate"
)

// ErrInvalidOutput is returned when the model answer is not a usable finding.
var ErrInvalidOutput = errors.New("analyzer returned invalid output")

// Analyzer turns one screenshot into a structured finding.
type Analyzer interface {
	Analyze(ctx context.Context, img models.ImageInput, prompt string) (*models.ImageFinding, error)
}

// Summarizer writes a free-text summary over the merged findings.
type Summarizer interface {
	Summarize(ctx context.Context, prompt, document string) (string, error)
}

// Option customizes a ModelAnalyzer.
type Option func(*ModelAnalyzer)

// WithRetries sets how many extra attempts a failing image gets.
func WithRetries(n int) Option {
	return func(a *ModelAnalyzer) {
		if n >= 0 {
			a.retries = n
		}
	}
}

// WithQPS caps model calls per second across all tasks. Zero means no cap.
func WithQPS(qps float64) Option {
	return func(a *ModelAnalyzer) {
		if qps > 0 {
			a.limiter = rate.NewLimiter(rate.Limit(qps), 1)
		}
	}
}

// WithBreaker fails calls fast while the model endpoint keeps erroring.
func WithBreaker(cb circuitbreaker.CircuitBreaker) Option {
	return func(a *ModelAnalyzer) { a.breaker = cb }
}

// WithBackoff sets the base delay between retries; it doubles per attempt.
func WithBackoff(d time.Duration) Option {
	return func(a *ModelAnalyzer) { a.backoff = d }
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *logger.Logger) Option {
	return func(a *ModelAnalyzer) { a.log = l }
}

// ModelAnalyzer adapts an llm.LLM to Analyzer and Summarizer.
type ModelAnalyzer struct {
	model   llm.LLM
	retries int
	backoff time.Duration
	limiter *rate.Limiter
	breaker circuitbreaker.CircuitBreaker
	log     *logger.Logger
}

// New wraps model.
func New(model llm.LLM, opts ...Option) *ModelAnalyzer {
	a := &ModelAnalyzer{
		model:   model,
		backoff: 2 * time.Second,
		log:     logger.Discard(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze sends the image to the model and decodes its JSON answer.
// Transient failures are retried; a breaker trip or a cancelled context is not.
func (a *ModelAnalyzer) Analyze(ctx context.Context, img models.ImageInput, prompt string) (*models.ImageFinding, error) {
	if len(img.Data) == 0 {
		return nil, fmt.Errorf("image %s is empty", img.Key)
	}
	if img.MIMEType == "" {
		img.MIMEType = DetectMIME(img.Data)
	}

	var lastErr error
	for attempt := 0; attempt <= a.retries; attempt++ {
		if attempt > 0 {
			wait := a.backoff << (attempt - 1)
			a.log.WithPayload(map[string]interface{}{
				"image":   img.Key,
				"attempt": attempt,
				"wait_ms": wait.Milliseconds(),
			}).WithError(models.ErrorInfo{Message: lastErr.Error()}).Warn("Retrying image analysis")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		finding, err := a.analyzeOnce(ctx, img, prompt)
		if err == nil {
			return finding, nil
		}
		lastErr = err
		if !retryable(ctx, err) {
			break
		}
	}
	return nil, lastErr
}

func (a *ModelAnalyzer) analyzeOnce(ctx context.Context, img models.ImageInput, prompt string) (*models.ImageFinding, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	call := func() (string, error) {
		return a.model.AnalyzeImage(ctx, img, prompt)
	}
	var (
		raw string
		err error
	)
	if a.breaker != nil {
		raw, err = circuitbreaker.Do(a.breaker, call)
	} else {
		raw, err = call()
	}
	if err != nil {
		return nil, err
	}
	return DecodeFinding(img.Key, []byte(raw))
}

// Summarize forwards to the model under the same rate limit.
func (a *ModelAnalyzer) Summarize(ctx context.Context, prompt, document string) (string, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}
	out, err := a.model.Summarize(ctx, prompt, document)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// DecodeFinding parses and validates a model answer or a stored sidecar.
func DecodeFinding(key string, raw []byte) (*models.ImageFinding, error) {
	var finding models.ImageFinding
	if err := json.Unmarshal(raw, &finding); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidOutput, key, err)
	}
	if err := finding.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidOutput, key, err)
	}
	finding.ImageKey = key
	return &finding, nil
}

// DetectMIME sniffs the image type, falling back to image/png for the
// screenshots the service expects.
func DetectMIME(data []byte) string {
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return "image/png"
	}
	// mimetype may append parameters; the model only wants the media type.
	return strings.SplitN(mt.String(), ";", 2)[0]
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyProbes) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

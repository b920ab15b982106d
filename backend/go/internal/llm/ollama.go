package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mahjong_analysis/backend/go/internal/models"

	olla "github.com/ollama/ollama/api"
)

const defaultOllamaTimeout = 120 * time.Second

// Ollama 是一个用于本地 Ollama 多模态模型的 LLM 客户端。
type Ollama struct {
	client *olla.Client // Ollama 客户端实例。
	model  string       // 要使用的模型名称。
	system string       // 系统指令。
}

// NewOllama 创建一个新的 Ollama 客户端。
//
// 参数:
//
//	model: 要使用的模型名称，需要支持图片输入。
//	baseURL: Ollama 服务的基准 URL。如果为空，则默认为 "http://localhost:11434"。
//	system: 系统指令。
//	timeout: HTTP 超时，0 时使用 120 秒。
//
// 返回值:
//
//	*Ollama: 新创建的 Ollama 客户端实例。
//	error: 如果基准 URL 无效，则返回错误。
func NewOllama(model, baseURL, system string, timeout time.Duration) (*Ollama, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if timeout <= 0 {
		timeout = defaultOllamaTimeout
	}
	client := olla.NewClient(parsedURL, &http.Client{Timeout: timeout})
	return &Ollama{client: client, model: model, system: system}, nil
}

// findingExample 是提示词里给本地模型看的输出样例。
var findingExample = models.ImageFinding{
	PatternStats: [][]models.ScorePattern{{{Name: "碰碰胡", Fan: "2番"}}, {}, {}, {}},
	WinType:      models.WinType{Pattern: "碰碰胡", Multiplier: "X2"},
	BaseScores:   []int{10, 5, 5, 5},
	FanTotals:    []int{22, 4, 3, 2},
	FinalScores:  []int{12, -4, -4, -4},
}

// AnalyzeImage 以 JSON 模式调用模型。本地模型不支持 schema 约束，
// 因此把输出样例拼进提示词里。
func (o *Ollama) AnalyzeImage(ctx context.Context, img models.ImageInput, prompt string) (string, error) {
	example, err := json.Marshal(findingExample)
	if err != nil {
		return "", fmt.Errorf("marshal finding example: %w", err)
	}
	stream := false
	req := &olla.GenerateRequest{
		Model:  o.model,
		Prompt: prompt + "\n\n请严格按照以下 JSON 格式输出:\n" + string(example),
		System: o.system,
		Format: json.RawMessage(`"json"`),
		Images: []olla.ImageData{img.Data},
		Stream: &stream,
	}

	var sb strings.Builder
	err = o.client.Generate(ctx, req, func(resp olla.GenerateResponse) error {
		sb.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to analyze %s with ollama: %w", img.Key, err)
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("ollama analyze %s: empty response", img.Key)
	}
	return stripCodeFence(sb.String()), nil
}

// Summarize 以流式方式生成总结文本。
func (o *Ollama) Summarize(ctx context.Context, prompt, document string) (string, error) {
	stream := true
	var sb strings.Builder
	err := o.client.Generate(ctx, &olla.GenerateRequest{
		Model:  o.model,
		Prompt: document + "\n\n" + prompt,
		System: o.system,
		Stream: &stream,
	}, func(resp olla.GenerateResponse) error {
		sb.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to summarize with ollama: %w", err)
	}
	return sb.String(), nil
}

// Close 对 HTTP 客户端无事可做。
func (o *Ollama) Close() error { return nil }

package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mahjong_analysis/backend/go/internal/config"
	"mahjong_analysis/backend/go/internal/models"
)

// LLM 定义了分析流水线需要的多模态模型能力。
type LLM interface {
	// AnalyzeImage 把一张截图和提示词交给模型，返回符合结算 schema 的 JSON 文本。
	AnalyzeImage(ctx context.Context, img models.ImageInput, prompt string) (string, error)
	// Summarize 对合并后的 JSON 文档做二次分析，返回纯文本。
	Summarize(ctx context.Context, prompt, document string) (string, error)
	// Close 释放底层连接。
	Close() error
}

// NewClient 是一个工厂函数，根据提供的配置创建并返回一个实现了 LLM 接口的客户端。
func NewClient(ctx context.Context, cfg config.LLMConfig) (LLM, error) {
	switch cfg.Provider {
	case "gemini":
		if cfg.Gemini.APIKey == "" {
			return nil, fmt.Errorf("gemini provider requires an API key")
		}
		timeout, err := config.ParseDuration(cfg.Gemini.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid gemini timeout: %w", err)
		}
		return NewGemini(ctx, GeminiOptions{
			APIKey:            cfg.Gemini.APIKey,
			Model:             cfg.Gemini.Model,
			Endpoint:          cfg.Gemini.ProxyURL,
			SystemInstruction: cfg.SystemInstruction,
			Timeout:           timeout,
		})
	case "ollama":
		timeout, err := config.ParseDuration(cfg.Ollama.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid ollama timeout: %w", err)
		}
		return NewOllama(cfg.Ollama.Model, cfg.Ollama.BaseURL, cfg.SystemInstruction, timeout)
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
}

// stripCodeFence 去掉模型偶尔包裹在 JSON 外面的 ```json 代码块。
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// withTimeout 在 timeout 大于 0 时为 ctx 加上超时。
func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

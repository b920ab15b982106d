package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mahjong_analysis/backend/go/internal/models"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GeminiOptions 是创建 Gemini 客户端所需的参数。
type GeminiOptions struct {
	APIKey            string        // Gemini API 密钥
	Model             string        // 模型名称，例如 models/gemini-2.5-pro
	Endpoint          string        // 可选的代理端点
	SystemInstruction string        // 系统指令
	Timeout           time.Duration // 单次调用超时，0 表示不限制
}

// Gemini 是一个实现了 LLM 接口的结构体，用于与 Gemini API 交互。
type Gemini struct {
	client  *genai.Client
	vision  *genai.GenerativeModel // 输出结构化 JSON 的图片分析模型
	text    *genai.GenerativeModel // 输出纯文本的总结模型
	timeout time.Duration
}

// NewGemini 创建一个新的 Gemini 客户端。
//
// 参数:
//
//	ctx: 上下文，用于控制客户端的生命周期。
//	opts: 模型、密钥和代理等配置。
//
// 返回值:
//
//	*Gemini: 新创建的 Gemini 客户端实例。
//	error: 如果无法创建 GenAI 客户端，则返回错误。
func NewGemini(ctx context.Context, opts GeminiOptions) (*Gemini, error) {
	clientOpts := []option.ClientOption{option.WithAPIKey(opts.APIKey)}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint))
	}
	client, err := genai.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, err
	}

	var instruction *genai.Content
	if opts.SystemInstruction != "" {
		instruction = &genai.Content{Parts: []genai.Part{genai.Text(opts.SystemInstruction)}}
	}

	// 图片分析要求模型严格按照结算 schema 输出 JSON。
	vision := client.GenerativeModel(opts.Model)
	vision.SystemInstruction = instruction
	vision.ResponseMIMEType = "application/json"
	vision.ResponseSchema = FindingSchema()

	text := client.GenerativeModel(opts.Model)
	text.SystemInstruction = instruction
	text.ResponseMIMEType = "text/plain"

	return &Gemini{client: client, vision: vision, text: text, timeout: opts.Timeout}, nil
}

// AnalyzeImage 以内联数据的方式上传图片并返回 JSON 文本。
func (g *Gemini) AnalyzeImage(ctx context.Context, img models.ImageInput, prompt string) (string, error) {
	ctx, cancel := withTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.vision.GenerateContent(ctx,
		genai.Blob{MIMEType: img.MIMEType, Data: img.Data},
		genai.Text(prompt),
	)
	if err != nil {
		return "", fmt.Errorf("gemini analyze %s: %w", img.Key, err)
	}
	out := responseText(resp)
	if out == "" {
		return "", fmt.Errorf("gemini analyze %s: empty response", img.Key)
	}
	return stripCodeFence(out), nil
}

// Summarize 优先使用流式接口，流式失败时退回普通请求。
func (g *Gemini) Summarize(ctx context.Context, prompt, document string) (string, error) {
	ctx, cancel := withTimeout(ctx, g.timeout)
	defer cancel()

	parts := []genai.Part{genai.Text(document), genai.Text(prompt)}

	var sb strings.Builder
	iter := g.text.GenerateContentStream(ctx, parts...)
	var streamErr error
	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			streamErr = err
			break
		}
		sb.WriteString(responseText(resp))
	}
	if streamErr == nil && sb.Len() > 0 {
		return sb.String(), nil
	}

	resp, err := g.text.GenerateContent(ctx, parts...)
	if err != nil {
		if streamErr != nil {
			return "", fmt.Errorf("gemini summarize: stream: %v; fallback: %w", streamErr, err)
		}
		return "", fmt.Errorf("gemini summarize: %w", err)
	}
	return responseText(resp), nil
}

// Close 关闭底层的 GenAI 客户端。
func (g *Gemini) Close() error {
	return g.client.Close()
}

// responseText 拼接所有候选中的文本部分。
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var sb strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, p := range cand.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				sb.WriteString(string(t))
			}
		}
	}
	return sb.String()
}

// FindingSchema 描述 models.ImageFinding 的 JSON 结构，字段名与 sidecar 文件保持一致。
func FindingSchema() *genai.Schema {
	intList := func(desc string) *genai.Schema {
		return &genai.Schema{
			Type:        genai.TypeArray,
			Description: desc,
			Items:       &genai.Schema{Type: genai.TypeInteger},
		}
	}
	pattern := &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"name": {Type: genai.TypeString, Description: "番型的名称，例如 碰碰胡"},
			"fan":  {Type: genai.TypeString, Description: "结算时该番型的番数，例如 2番"},
		},
		Required: []string{"name", "fan"},
	}
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"pattern_stats": {
				Type:        genai.TypeArray,
				Description: "结算界面出现的每个玩家的番型和对应的番数列表",
				Items:       &genai.Schema{Type: genai.TypeArray, Items: pattern},
			},
			"win_type": {
				Type:        genai.TypeObject,
				Description: "结算界面显示的赢牌玩家的胡牌牌型",
				Properties: map[string]*genai.Schema{
					"pattern":    {Type: genai.TypeString, Description: "胡牌的牌型名称"},
					"multiplier": {Type: genai.TypeString, Description: "该牌型的倍率，例如 X2"},
				},
				Required: []string{"pattern", "multiplier"},
			},
			"base_scores":  intList("每位玩家结算时的底分"),
			"fan_totals":   intList("每位玩家的最终番数"),
			"final_scores": intList("每位玩家的最终得分"),
		},
		Required: []string{"pattern_stats", "win_type", "base_scores", "fan_totals", "final_scores"},
	}
}

package models

import (
	"errors"
	"fmt"
)

// ScorePattern 是结算界面上一条番型及其番数。
type ScorePattern struct {
	Name string `json:"name"` // 番型名称，例如 "碰碰胡"
	Fan  string `json:"fan"`  // 番数，例如 "2番"
}

// WinType 描述赢牌玩家的胡牌牌型。
type WinType struct {
	Pattern    string `json:"pattern"`    // 牌型名称
	Multiplier string `json:"multiplier"` // 倍率，例如 "X2"
}

// ImageFinding 是单张结算截图的结构化分析结果，也是 sidecar 文件的内容。
type ImageFinding struct {
	ImageKey     string           `json:"image_key,omitempty"`
	PatternStats [][]ScorePattern `json:"pattern_stats"` // 每位玩家的番型列表
	WinType      WinType          `json:"win_type"`
	BaseScores   []int            `json:"base_scores"`  // 每位玩家的底分
	FanTotals    []int            `json:"fan_totals"`   // 每位玩家的番数总计
	FinalScores  []int            `json:"final_scores"` // 每位玩家的最终得分
	Notes        string           `json:"notes,omitempty"`
}

// ErrEmptyFinding 表示模型返回了一个没有任何内容的结果。
var ErrEmptyFinding = errors.New("finding has no scores and no patterns")

// Validate 检查模型输出是否至少包含可用的结算信息。
func (f *ImageFinding) Validate() error {
	if len(f.FinalScores) == 0 && len(f.PatternStats) == 0 && f.WinType.Pattern == "" {
		return ErrEmptyFinding
	}
	for name, scores := range map[string][]int{"base_scores": f.BaseScores, "fan_totals": f.FanTotals} {
		if len(scores) > 0 && len(f.FinalScores) > 0 && len(scores) != len(f.FinalScores) {
			return fmt.Errorf("%s has %d players, final_scores has %d", name, len(scores), len(f.FinalScores))
		}
	}
	return nil
}

// ImageInput 是交给分析器的一张图片。
type ImageInput struct {
	Key      string
	Data     []byte
	MIMEType string
}

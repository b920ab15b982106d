package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"mahjong_analysis/backend/go/internal/analysis_service/analyzer"
	"mahjong_analysis/backend/go/internal/models"
)

// MergedEntry is one element of the merged findings file.
type MergedEntry struct {
	ImageKey string          `json:"image_key"`
	Finding  json.RawMessage `json:"finding"`
}

// merge builds the report from the sidecars on disk only; it never calls the
// analyzer, so it can be repeated for the same workspace.
func (e *Engine) merge(ctx context.Context, task models.AnalysisTask, ws string, keys []string) (string, error) {
	entries := make([]MergedEntry, 0, len(keys))
	for _, key := range keys {
		raw, err := e.workspaces.ReadSidecar(ws, key)
		if err != nil {
			return "", err
		}
		if !json.Valid(raw) {
			return "", fmt.Errorf("sidecar for %s is not valid JSON", key)
		}
		entries = append(entries, MergedEntry{ImageKey: key, Finding: json.RawMessage(bytes.TrimSpace(raw))})
	}

	merged, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode merged findings: %w", err)
	}
	if err := e.workspaces.WriteFileAtomic(e.workspaces.MergedDataPath(task.ID), merged, time.Time{}); err != nil {
		return "", err
	}

	summary := ""
	if e.summarizer != nil {
		out, err := e.summarizer.Summarize(ctx, task.Prompt, string(merged))
		if err != nil {
			// The per-image sections are still complete; the report says the summary is missing.
			e.log.WithTask(task.ID).WithError(models.ErrorInfo{Message: err.Error()}).Warn("Summary pass failed")
			summary = "(summary unavailable: " + err.Error() + ")"
		} else {
			summary = out
		}
	}

	report := RenderReport(task, entries, summary, time.Now())
	reportPath := e.workspaces.ReportPath(task.ID)
	if err := e.workspaces.WriteFileAtomic(reportPath, []byte(report), time.Time{}); err != nil {
		return "", err
	}
	return reportPath, nil
}

// RenderReport lays out one section per image in the given order, followed by
// the optional summary.
func RenderReport(task models.AnalysisTask, entries []MergedEntry, summary string, generated time.Time) string {
	var b strings.Builder
	b.WriteString("# Mahjong Analysis Report\n\n")
	fmt.Fprintf(&b, "Task: %s\n", task.ID)
	fmt.Fprintf(&b, "Source: %s\n", task.SourcePath)
	fmt.Fprintf(&b, "Prompt: %s\n", task.Prompt)
	fmt.Fprintf(&b, "Images: %d\n", len(entries))
	fmt.Fprintf(&b, "Generated: %s\n", generated.Format(time.RFC3339))

	for i, entry := range entries {
		fmt.Fprintf(&b, "\n## [%d/%d] %s\n\n", i+1, len(entries), entry.ImageKey)
		finding, err := analyzer.DecodeFinding(entry.ImageKey, entry.Finding)
		if err != nil {
			// Sidecars written by other tools are kept verbatim.
			var pretty bytes.Buffer
			if json.Indent(&pretty, entry.Finding, "", "  ") != nil {
				pretty.Write(entry.Finding)
			}
			b.Write(pretty.Bytes())
			b.WriteString("\n")
			continue
		}
		writeFinding(&b, finding)
	}

	if summary != "" {
		b.WriteString("\n## Summary\n\n")
		b.WriteString(summary)
		b.WriteString("\n")
	}
	return b.String()
}

func writeFinding(b *strings.Builder, f *models.ImageFinding) {
	if f.WinType.Pattern != "" {
		fmt.Fprintf(b, "Winning hand: %s", f.WinType.Pattern)
		if f.WinType.Multiplier != "" {
			fmt.Fprintf(b, " (%s)", f.WinType.Multiplier)
		}
		b.WriteString("\n")
	}
	players := len(f.FinalScores)
	if len(f.PatternStats) > players {
		players = len(f.PatternStats)
	}
	for p := 0; p < players; p++ {
		var parts []string
		if v, ok := at(f.BaseScores, p); ok {
			parts = append(parts, fmt.Sprintf("base %d", v))
		}
		if v, ok := at(f.FanTotals, p); ok {
			parts = append(parts, fmt.Sprintf("fan %d", v))
		}
		if v, ok := at(f.FinalScores, p); ok {
			parts = append(parts, fmt.Sprintf("final %+d", v))
		}
		line := strings.Join(parts, ", ")
		if p < len(f.PatternStats) && len(f.PatternStats[p]) > 0 {
			names := make([]string, 0, len(f.PatternStats[p]))
			for _, sp := range f.PatternStats[p] {
				names = append(names, strings.TrimSpace(sp.Name+" "+sp.Fan))
			}
			if line != "" {
				line += "; "
			}
			line += "patterns: " + strings.Join(names, ", ")
		}
		fmt.Fprintf(b, "Player %d: %s\n", p+1, line)
	}
	if f.Notes != "" {
		fmt.Fprintf(b, "Notes: %s\n", f.Notes)
	}
}

func at(values []int, i int) (int, bool) {
	if i < len(values) {
		return values[i], true
	}
	return 0, false
}

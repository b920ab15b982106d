package service

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"mahjong_analysis/backend/go/internal/analysis_service/analyzer"
	"mahjong_analysis/backend/go/internal/models"

	"github.com/xuri/excelize/v2"
)

const (
	scoresSheet   = "Scores"
	patternsSheet = "Patterns"
)

// Export renders the merged findings of a completed task as an xlsx score sheet.
func (s *AnalysisService) Export(id string) ([]byte, error) {
	task, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskStatusCompleted {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotCompleted, id, task.Status)
	}
	raw, err := os.ReadFile(s.workspaces.MergedDataPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: merged findings of %s", ErrResultMissing, id)
		}
		return nil, err
	}
	var entries []MergedEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode merged findings: %w", err)
	}
	return BuildScoreSheet(entries)
}

// BuildScoreSheet writes one row per image on the Scores sheet and one row per
// player pattern on the Patterns sheet. Entries that are not structured
// findings get a row with only their key.
func BuildScoreSheet(entries []MergedEntry) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", scoresSheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(patternsSheet); err != nil {
		return nil, err
	}

	players := 0
	findings := make([]*models.ImageFinding, len(entries))
	for i, entry := range entries {
		finding, err := analyzer.DecodeFinding(entry.ImageKey, entry.Finding)
		if err != nil {
			continue
		}
		findings[i] = finding
		if n := len(finding.FinalScores); n > players {
			players = n
		}
	}

	header := []interface{}{"Image", "Winning Hand", "Multiplier"}
	for p := 1; p <= players; p++ {
		header = append(header, fmt.Sprintf("P%d Base", p), fmt.Sprintf("P%d Fan", p), fmt.Sprintf("P%d Final", p))
	}
	if err := f.SetSheetRow(scoresSheet, "A1", &header); err != nil {
		return nil, err
	}
	patternHeader := []interface{}{"Image", "Player", "Pattern", "Fan"}
	if err := f.SetSheetRow(patternsSheet, "A1", &patternHeader); err != nil {
		return nil, err
	}

	patternRow := 2
	for i, entry := range entries {
		row := []interface{}{entry.ImageKey}
		if finding := findings[i]; finding != nil {
			row = append(row, finding.WinType.Pattern, finding.WinType.Multiplier)
			for p := 0; p < players; p++ {
				row = append(row, cell(finding.BaseScores, p), cell(finding.FanTotals, p), cell(finding.FinalScores, p))
			}
			for p, patterns := range finding.PatternStats {
				for _, sp := range patterns {
					cellRef, err := excelize.CoordinatesToCellName(1, patternRow)
					if err != nil {
						return nil, err
					}
					values := []interface{}{entry.ImageKey, p + 1, sp.Name, sp.Fan}
					if err := f.SetSheetRow(patternsSheet, cellRef, &values); err != nil {
						return nil, err
					}
					patternRow++
				}
			}
		}
		cellRef, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(scoresSheet, cellRef, &row); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write xlsx: %w", err)
	}
	return buf.Bytes(), nil
}

func cell(values []int, i int) interface{} {
	if v, ok := at(values, i); ok {
		return v
	}
	return nil
}

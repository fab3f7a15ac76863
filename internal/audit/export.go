package audit

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// thinkingPreviewLen bounds thinking bodies in the thinking report.
const thinkingPreviewLen = 500

// ExportJSON renders the ring as a JSON array of entries.
func (l *Log) ExportJSON() ([]byte, error) {
	return json.Marshal(l.Entries())
}

// ParseExport reads entries back from an ExportJSON document.
func ParseExport(data []byte) ([]*Entry, error) {
	var entries []*Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse audit export: %w", err)
	}
	return entries, nil
}

// csvColumns is the fixed CSV column order.
var csvColumns = []string{
	"id", "timestamp", "session_id", "role", "tool", "server",
	"result", "reason", "duration_ms",
	"thinking_present", "thinking_type", "thinking_tokens",
}

// ExportCSV renders the ring as CSV with every value quoted.
func (l *Log) ExportCSV() string {
	var b strings.Builder

	writeRow := func(values []string) {
		for i, v := range values {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Quote(v))
		}
		b.WriteByte('\n')
	}

	writeRow(csvColumns)
	for _, e := range l.Entries() {
		present, thinkingType, tokens := "false", "", "0"
		if e.Thinking != nil {
			present = "true"
			thinkingType = e.Thinking.Type
			tokens = strconv.Itoa(e.Thinking.TokenCount)
		}
		writeRow([]string{
			e.ID,
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			e.SessionID,
			e.Role,
			e.Tool,
			e.Server,
			string(e.Result),
			e.Reason,
			strconv.FormatInt(e.DurationMs, 10),
			present,
			thinkingType,
			tokens,
		})
	}
	return b.String()
}

// ThinkingPreview is one reasoning signature in the thinking report.
type ThinkingPreview struct {
	ID          string `json:"id"`
	Tool        string `json:"tool,omitempty"`
	Role        string `json:"role,omitempty"`
	Type        string `json:"type"`
	TokenCount  int    `json:"tokenCount,omitempty"`
	Preview     string `json:"preview"`
	TotalLength int    `json:"totalLength"`
}

// ThinkingReport summarizes reasoning-signature coverage with truncated
// previews.
type ThinkingReport struct {
	GeneratedAt  time.Time         `json:"generatedAt"`
	TotalEntries int               `json:"totalEntries"`
	WithThinking int               `json:"withThinking"`
	CoverageRate float64           `json:"coverageRate"`
	Entries      []ThinkingPreview `json:"entries"`
}

// BuildThinkingReport collects every entry carrying a reasoning signature,
// truncating bodies to 500 characters while preserving their total length.
func (l *Log) BuildThinkingReport() *ThinkingReport {
	entries := l.Entries()
	report := &ThinkingReport{
		GeneratedAt:  l.now(),
		TotalEntries: len(entries),
	}

	for _, e := range entries {
		if e.Thinking == nil {
			continue
		}
		report.WithThinking++
		runes := []rune(e.Thinking.Signature)
		preview := e.Thinking.Signature
		if len(runes) > thinkingPreviewLen {
			preview = string(runes[:thinkingPreviewLen])
		}
		report.Entries = append(report.Entries, ThinkingPreview{
			ID:          e.ID,
			Tool:        e.Tool,
			Role:        e.Role,
			Type:        e.Thinking.Type,
			TokenCount:  e.Thinking.TokenCount,
			Preview:     preview,
			TotalLength: len(runes),
		})
	}

	if report.TotalEntries > 0 {
		report.CoverageRate = float64(report.WithThinking) / float64(report.TotalEntries)
	}
	return report
}

// NameCount pairs a name with its call count.
type NameCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Stats aggregates the ring.
type Stats struct {
	Total            int            `json:"total"`
	ByResult         map[Result]int `json:"byResult"`
	TopTools         []NameCount    `json:"topTools"`
	TopRoles         []NameCount    `json:"topRoles"`
	AvgDurationMs    float64        `json:"avgDurationMs"`
	ThinkingCoverage float64        `json:"thinkingCoverage"`
}

// BuildStats computes aggregate statistics over the ring.
func (l *Log) BuildStats() *Stats {
	entries := l.Entries()
	stats := &Stats{
		Total:    len(entries),
		ByResult: make(map[Result]int),
	}

	tools := make(map[string]int)
	roles := make(map[string]int)
	var durationSum int64
	var durationCount, withThinking int

	for _, e := range entries {
		stats.ByResult[e.Result]++
		if e.Tool != "" {
			tools[e.Tool]++
		}
		if e.Role != "" {
			roles[e.Role]++
		}
		if e.Result == ResultAllowed {
			durationSum += e.DurationMs
			durationCount++
		}
		if e.Thinking != nil {
			withThinking++
		}
	}

	stats.TopTools = topCounts(tools, 10)
	stats.TopRoles = topCounts(roles, 10)
	if durationCount > 0 {
		stats.AvgDurationMs = float64(durationSum) / float64(durationCount)
	}
	if stats.Total > 0 {
		stats.ThinkingCoverage = float64(withThinking) / float64(stats.Total)
	}
	return stats
}

func topCounts(counts map[string]int, limit int) []NameCount {
	out := make([]NameCount, 0, len(counts))
	for name, count := range counts {
		out = append(out, NameCount{Name: name, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

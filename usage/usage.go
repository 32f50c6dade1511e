// Package usage holds the append-only token usage ledger and its derived
// daily rollup.
package usage

import (
	"sort"
	"time"
)

// Record is one completed run's token usage. Records are append-only and
// never mutated; the JSON field names match the usage.jsonl on-disk format.
type Record struct {
	TsMs                  int64  `json:"ts_ms"`
	SessionID             string `json:"session_id"`
	ThreadID              string `json:"thread_id,omitempty"`
	TotalTokens           int64  `json:"total_tokens"`
	InputTokens           int64  `json:"input_tokens"`
	OutputTokens          int64  `json:"output_tokens"`
	ReasoningOutputTokens int64  `json:"reasoning_output_tokens"`
	CachedInputTokens     int64  `json:"cached_input_tokens"`
	ContextWindow         int64  `json:"context_window"`
}

// DailyUsage is the aggregate for one local calendar day.
type DailyUsage struct {
	Day                   string `json:"day"` // YYYY-MM-DD, local time
	Runs                  int    `json:"runs"`
	TotalTokens           int64  `json:"total_tokens"`
	InputTokens           int64  `json:"input_tokens"`
	OutputTokens          int64  `json:"output_tokens"`
	ReasoningOutputTokens int64  `json:"reasoning_output_tokens"`
	CachedInputTokens     int64  `json:"cached_input_tokens"`
}

// Rollup groups records by local calendar day, sums each token category plus
// a run count, and sorts descending by day. It recomputes from the full list
// every time, so the result is idempotent and independent of record order.
func Rollup(records []Record) []DailyUsage {
	byDay := make(map[string]*DailyUsage)
	for _, r := range records {
		day := time.UnixMilli(r.TsMs).Local().Format("2006-01-02")
		agg, ok := byDay[day]
		if !ok {
			agg = &DailyUsage{Day: day}
			byDay[day] = agg
		}
		agg.Runs++
		agg.TotalTokens += r.TotalTokens
		agg.InputTokens += r.InputTokens
		agg.OutputTokens += r.OutputTokens
		agg.ReasoningOutputTokens += r.ReasoningOutputTokens
		agg.CachedInputTokens += r.CachedInputTokens
	}

	out := make([]DailyUsage, 0, len(byDay))
	for _, agg := range byDay {
		out = append(out, *agg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day > out[j].Day })
	return out
}

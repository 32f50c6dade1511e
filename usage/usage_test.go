package usage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dayMs(t *testing.T, day string, hour int) int64 {
	t.Helper()
	ts, err := time.ParseInLocation("2006-01-02", day, time.Local)
	require.NoError(t, err)
	return ts.Add(time.Duration(hour) * time.Hour).UnixMilli()
}

func TestRollup_GroupsByLocalDay(t *testing.T) {
	records := []Record{
		{TsMs: dayMs(t, "2026-03-01", 9), SessionID: "a", TotalTokens: 100, InputTokens: 60, OutputTokens: 40},
		{TsMs: dayMs(t, "2026-03-01", 22), SessionID: "b", TotalTokens: 50, InputTokens: 30, OutputTokens: 20},
		{TsMs: dayMs(t, "2026-03-02", 1), SessionID: "a", TotalTokens: 10, CachedInputTokens: 5},
	}

	days := Rollup(records)
	require.Len(t, days, 2)

	// Sorted descending by day.
	assert.Equal(t, "2026-03-02", days[0].Day)
	assert.Equal(t, 1, days[0].Runs)
	assert.Equal(t, int64(5), days[0].CachedInputTokens)

	assert.Equal(t, "2026-03-01", days[1].Day)
	assert.Equal(t, 2, days[1].Runs)
	assert.Equal(t, int64(150), days[1].TotalTokens)
	assert.Equal(t, int64(90), days[1].InputTokens)
	assert.Equal(t, int64(60), days[1].OutputTokens)
}

func TestRollup_OrderIndependent(t *testing.T) {
	records := []Record{
		{TsMs: dayMs(t, "2026-03-01", 9), TotalTokens: 1},
		{TsMs: dayMs(t, "2026-03-02", 9), TotalTokens: 2},
		{TsMs: dayMs(t, "2026-03-01", 10), TotalTokens: 3},
	}
	reversed := []Record{records[2], records[1], records[0]}

	assert.Equal(t, Rollup(records), Rollup(reversed))
}

func TestRollup_Empty(t *testing.T) {
	assert.Empty(t, Rollup(nil))
}

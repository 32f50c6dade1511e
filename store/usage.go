package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/codexwarp/warpview/usage"
)

// Record count limits for usage listing.
const (
	DefaultUsageMax = 5000
	maxUsageMax     = 200000
)

func (s *Store) usagePath() string {
	return filepath.Join(s.dataDir, "usage.jsonl")
}

// AppendUsageRecord appends one record to usage.jsonl. Records are
// append-only; nothing here ever rewrites the file.
func (s *Store) AppendUsageRecord(record usage.Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal usage record: %w", err)
	}
	return s.appendLine(s.usagePath(), string(data))
}

// ListUsageRecords returns the most recent usage records, oldest first.
// max is clamped; zero means the default.
func (s *Store) ListUsageRecords(max int) ([]usage.Record, error) {
	if max <= 0 {
		max = DefaultUsageMax
	}
	if max > maxUsageMax {
		max = maxUsageMax
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	lines, err := readLines(s.usagePath())
	if err != nil {
		return nil, err
	}
	if len(lines) > max {
		lines = lines[len(lines)-max:]
	}

	records := make([]usage.Record, 0, len(lines))
	for _, line := range lines {
		var r usage.Record
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			continue // skip malformed records
		}
		records = append(records, r)
	}
	return records, nil
}

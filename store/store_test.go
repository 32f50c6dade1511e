package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codexwarp/warpview/usage"
)

func testUsageRecord(tsMs int64, sessionID string) usage.Record {
	return usage.Record{TsMs: tsMs, SessionID: sessionID, TotalTokens: 10, ContextWindow: 1000}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestStore_CreateAndReadMeta(t *testing.T) {
	s := newTestStore(t)
	meta, err := s.CreateSession("fix the flaky test\nsecond line", "/tmp/repo")
	require.NoError(t, err)
	assert.NotEmpty(t, meta.ID)
	assert.Equal(t, "fix the flaky test second line", meta.Title)
	assert.Equal(t, StatusRunning, meta.Status)
	assert.Equal(t, "/tmp/repo", meta.Cwd)

	loaded, err := s.ReadMeta(meta.ID)
	require.NoError(t, err)
	assert.Equal(t, meta.ID, loaded.ID)
	assert.Equal(t, meta.Title, loaded.Title)
}

func TestStore_ReadMetaNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ReadMeta("nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestStore_UpdateMeta(t *testing.T) {
	s := newTestStore(t)
	meta, err := s.CreateSession("p", "")
	require.NoError(t, err)

	updated, err := s.UpdateMeta(meta.ID, func(m *SessionMeta) {
		m.Status = StatusDone
		m.ContextWindow = 1000
		m.ContextLeftPct = 40
	})
	require.NoError(t, err)
	assert.Equal(t, StatusDone, updated.Status)

	loaded, err := s.ReadMeta(meta.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, loaded.Status)
	assert.Equal(t, int64(1000), loaded.ContextWindow)
}

func TestStore_ListSessionsSortedByLastUsed(t *testing.T) {
	s := newTestStore(t)
	a, err := s.CreateSession("first", "")
	require.NoError(t, err)
	b, err := s.CreateSession("second", "")
	require.NoError(t, err)

	_, err = s.UpdateMeta(a.ID, func(m *SessionMeta) { m.LastUsedAtMs = 100 })
	require.NoError(t, err)
	_, err = s.UpdateMeta(b.ID, func(m *SessionMeta) { m.LastUsedAtMs = 200 })
	require.NoError(t, err)

	sessions, err := s.ListSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, b.ID, sessions[0].ID)
	assert.Equal(t, a.ID, sessions[1].ID)
}

func TestStore_DeleteSession(t *testing.T) {
	s := newTestStore(t)
	meta, err := s.CreateSession("p", "")
	require.NoError(t, err)

	require.NoError(t, s.DeleteSession(meta.ID))
	_, err = s.ReadMeta(meta.ID)
	assert.Error(t, err)

	err = s.DeleteSession(meta.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

// --- Event log ----------------------------------------------------------------

func TestStore_AppendEventInjectsTimestamp(t *testing.T) {
	s := newTestStore(t)
	meta, err := s.CreateSession("p", "")
	require.NoError(t, err)

	require.NoError(t, s.AppendEvent(meta.ID, `{"type":"turn.started"}`, 123))
	lines, err := s.EventLines(meta.ID, 0)
	require.NoError(t, err)
	require.Len(t, lines, 1)

	var obj map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &obj))
	assert.Equal(t, float64(123), obj["_ts_ms"])
	assert.Equal(t, "turn.started", obj["type"])
}

func TestStore_AppendEventKeepsExistingTimestamp(t *testing.T) {
	s := newTestStore(t)
	meta, err := s.CreateSession("p", "")
	require.NoError(t, err)

	require.NoError(t, s.AppendEvent(meta.ID, `{"type":"x","_ts_ms":7}`, 999))
	lines, err := s.EventLines(meta.ID, 0)
	require.NoError(t, err)
	var obj map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &obj))
	assert.Equal(t, float64(7), obj["_ts_ms"])
}

func TestStore_AppendEventUnstructuredVerbatim(t *testing.T) {
	s := newTestStore(t)
	meta, err := s.CreateSession("p", "")
	require.NoError(t, err)

	require.NoError(t, s.AppendEvent(meta.ID, "plain text output", 1))
	lines, err := s.EventLines(meta.ID, 0)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "plain text output", lines[0])
}

func TestStore_EventLinesSortedByTimestamp(t *testing.T) {
	s := newTestStore(t)
	meta, err := s.CreateSession("p", "")
	require.NoError(t, err)

	require.NoError(t, s.AppendEvent(meta.ID, `{"type":"b"}`, 20))
	require.NoError(t, s.AppendEvent(meta.ID, `{"type":"a"}`, 10))
	require.NoError(t, s.AppendEvent(meta.ID, `{"type":"c"}`, 20))

	lines, err := s.EventLines(meta.ID, 0)
	require.NoError(t, err)
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], `"a"`)
	assert.Contains(t, lines[1], `"b"`, "ties keep arrival order")
	assert.Contains(t, lines[2], `"c"`)
}

func TestStore_EventLinesTailClamp(t *testing.T) {
	s := newTestStore(t)
	meta, err := s.CreateSession("p", "")
	require.NoError(t, err)

	for i := 0; i < 80; i++ {
		require.NoError(t, s.AppendEvent(meta.ID, fmt.Sprintf(`{"n":%d}`, i), int64(i)))
	}

	lines, err := s.EventLines(meta.ID, 1) // clamps up to the minimum tail
	require.NoError(t, err)
	assert.Len(t, lines, 50)
	assert.Contains(t, lines[0], `"n":30`)
}

func TestStore_EventLinesMissingLog(t *testing.T) {
	s := newTestStore(t)
	meta, err := s.CreateSession("p", "")
	require.NoError(t, err)

	lines, err := s.EventLines(meta.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestStore_StderrLines(t *testing.T) {
	s := newTestStore(t)
	meta, err := s.CreateSession("p", "")
	require.NoError(t, err)

	require.NoError(t, s.AppendStderr(meta.ID, "warn: one"))
	require.NoError(t, s.AppendStderr(meta.ID, "warn: two"))

	lines, err := s.StderrLines(meta.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"warn: one", "warn: two"}, lines)
}

// --- Conclusion ---------------------------------------------------------------

func TestStore_UpdateConclusionFromEvents(t *testing.T) {
	s := newTestStore(t)
	meta, err := s.CreateSession("p", "")
	require.NoError(t, err)

	require.NoError(t, s.AppendEvent(meta.ID, `{"type":"item.completed","item":{"type":"agent_message","text":"first answer"}}`, 1))
	require.NoError(t, s.AppendEvent(meta.ID, `{"type":"item.completed","item":{"type":"command_execution","command":"ls"}}`, 2))
	require.NoError(t, s.AppendEvent(meta.ID, `{"method":"item/completed","params":{"item":{"type":"agentMessage","text":"final answer"}}}`, 3))

	require.NoError(t, s.UpdateConclusionFromEvents(meta.ID))
	text, err := s.Conclusion(meta.ID)
	require.NoError(t, err)
	assert.Equal(t, "final answer", text)
}

func TestStore_ConclusionMissingIsEmpty(t *testing.T) {
	s := newTestStore(t)
	meta, err := s.CreateSession("p", "")
	require.NoError(t, err)

	text, err := s.Conclusion(meta.ID)
	require.NoError(t, err)
	assert.Empty(t, text)
}

// --- Settings -----------------------------------------------------------------

func TestStore_SettingsRoundTrip(t *testing.T) {
	s := newTestStore(t)

	settings, err := s.ReadSettings()
	require.NoError(t, err)
	assert.Equal(t, Settings{}, settings)

	want := Settings{AgentPath: "/usr/local/bin/codex", LastCwd: "/tmp/x"}
	require.NoError(t, s.WriteSettings(want))

	got, err := s.ReadSettings()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

// --- Title --------------------------------------------------------------------

func TestSafeTitle(t *testing.T) {
	assert.Equal(t, "New session", SafeTitle(""))
	assert.Equal(t, "New session", SafeTitle("   \n  "))
	assert.Equal(t, "one two", SafeTitle("one\ntwo"))

	long := ""
	for i := 0; i < 80; i++ {
		long += "x"
	}
	title := SafeTitle(long)
	assert.Len(t, []rune(title), 61)
	assert.Equal(t, '…', []rune(title)[60])
}

// --- Native rollouts ----------------------------------------------------------

func TestParseRolloutSessionID(t *testing.T) {
	id, ok := parseRolloutSessionID("rollout-2026-02-01T10-30-00-abc-123.jsonl")
	require.True(t, ok)
	assert.Equal(t, "abc-123", id)

	_, ok = parseRolloutSessionID("rollout-short.jsonl")
	assert.False(t, ok)
	_, ok = parseRolloutSessionID("notes.txt")
	assert.False(t, ok)
}

func TestScanNativeSessions(t *testing.T) {
	home := t.TempDir()
	dir := filepath.Join(home, "sessions", "2026", "02", "01")
	require.NoError(t, os.MkdirAll(dir, 0755))

	lines := `{"timestamp":"2026-02-01T10:00:00.000Z","type":"session_meta","payload":{"id":"abc","cwd":"/work/proj"}}
{"timestamp":"2026-02-01T10:00:01.000Z","type":"event_msg","payload":{"type":"user_message","message":"# AGENTS.md instructions"}}
{"timestamp":"2026-02-01T10:00:02.000Z","type":"event_msg","payload":{"type":"user_message","message":"refactor the loader"}}
`
	path := filepath.Join(dir, "rollout-2026-02-01T10-00-00-abc.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(lines), 0644))

	sessions, err := ScanNativeSessions(home)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "abc", sessions[0].ID)
	assert.Equal(t, "/work/proj", sessions[0].Cwd)
	assert.Equal(t, "refactor the loader", sessions[0].Title, "instruction dumps are skipped when titling")

	events, err := NativeEventLines(sessions[0], 0)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestScanNativeSessions_EmptyHome(t *testing.T) {
	sessions, err := ScanNativeSessions("")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

// --- Usage --------------------------------------------------------------------

func TestStore_UsageAppendAndList(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendUsageRecord(testUsageRecord(int64(i), "s1")))
	}

	records, err := s.ListUsageRecords(0)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, int64(0), records[0].TsMs)
	assert.Equal(t, int64(2), records[2].TsMs)
}

func TestStore_UsageListEmpty(t *testing.T) {
	s := newTestStore(t)
	records, err := s.ListUsageRecords(0)
	require.NoError(t, err)
	assert.Empty(t, records)
}

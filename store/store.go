// Package store persists session data under the data directory:
// one directory per session holding meta.json, events.jsonl, stderr.log and
// conclusion.md, plus usage.jsonl and settings.json at the root.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the persisted lifecycle state of a managed session.
type SessionStatus string

const (
	StatusRunning SessionStatus = "running"
	StatusDone    SessionStatus = "done"
	StatusError   SessionStatus = "error"
)

// SessionMeta is the serializable per-session metadata (meta.json).
type SessionMeta struct {
	ID                string        `json:"id"`
	Title             string        `json:"title"`
	CreatedAtMs       int64         `json:"created_at_ms"`
	LastUsedAtMs      int64         `json:"last_used_at_ms"`
	Cwd               string        `json:"cwd,omitempty"`
	Status            SessionStatus `json:"status"`
	AgentSessionID    string        `json:"agent_session_id,omitempty"`
	ContextWindow     int64         `json:"context_window,omitempty"`
	ContextUsedTokens int64         `json:"context_used_tokens,omitempty"`
	ContextLeftPct    int           `json:"context_left_pct,omitempty"`
	EventsPath        string        `json:"events_path"`
	StderrPath        string        `json:"stderr_path"`
	ConclusionPath    string        `json:"conclusion_path"`
}

// Tail limits for event replay.
const (
	DefaultEventTail = 4000
	minEventTail     = 50
	maxEventTail     = 50000
)

// Store provides persistence for sessions, settings and usage records.
type Store struct {
	dataDir string
	mu      sync.RWMutex
}

// DefaultDataDir returns the default data directory (~/.warpview).
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".warpview"), nil
}

// NewStore creates a store rooted at dataDir, using the default when empty.
func NewStore(dataDir string) (*Store, error) {
	if dataDir == "" {
		var err error
		dataDir, err = DefaultDataDir()
		if err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(filepath.Join(dataDir, "sessions"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &Store{dataDir: dataDir}, nil
}

// DataDir returns the store root.
func (s *Store) DataDir() string { return s.dataDir }

func (s *Store) sessionDir(id string) string {
	return filepath.Join(s.dataDir, "sessions", sanitizeName(id))
}

func (s *Store) metaPath(id string) string {
	return filepath.Join(s.sessionDir(id), "meta.json")
}

// sanitizeName sanitizes an id for use as a directory name.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, ":", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name
}

// CreateSession allocates a session directory and writes its initial meta.
func (s *Store) CreateSession(prompt, cwd string) (*SessionMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	dir := s.sessionDir(id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	now := time.Now().UnixMilli()
	meta := &SessionMeta{
		ID:             id,
		Title:          SafeTitle(prompt),
		CreatedAtMs:    now,
		LastUsedAtMs:   now,
		Cwd:            cwd,
		Status:         StatusRunning,
		EventsPath:     filepath.Join(dir, "events.jsonl"),
		StderrPath:     filepath.Join(dir, "stderr.log"),
		ConclusionPath: filepath.Join(dir, "conclusion.md"),
	}
	if err := s.writeMetaLocked(meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// ReadMeta loads a session's metadata.
func (s *Store) ReadMeta(id string) (*SessionMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readMetaLocked(id)
}

func (s *Store) readMetaLocked(id string) (*SessionMeta, error) {
	data, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session not found: %s", id)
		}
		return nil, fmt.Errorf("failed to read session meta: %w", err)
	}
	var meta SessionMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session meta: %w", err)
	}
	return &meta, nil
}

// UpdateMeta applies fn to a session's metadata and writes it back atomically.
func (s *Store) UpdateMeta(id string, fn func(*SessionMeta)) (*SessionMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.readMetaLocked(id)
	if err != nil {
		return nil, err
	}
	fn(meta)
	if err := s.writeMetaLocked(meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// writeMetaLocked writes meta.json atomically via temp file + rename.
func (s *Store) writeMetaLocked(meta *SessionMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session meta: %w", err)
	}
	path := s.metaPath(meta.ID)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write session meta: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename session meta: %w", err)
	}
	return nil
}

// ListSessions returns all managed sessions, most recently used first.
func (s *Store) ListSessions() ([]*SessionMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dir := filepath.Join(s.dataDir, "sessions")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*SessionMeta{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	var sessions []*SessionMeta
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := s.readMetaLocked(entry.Name())
		if err != nil {
			continue // skip malformed session dirs
		}
		sessions = append(sessions, meta)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastUsedAtMs > sessions[j].LastUsedAtMs
	})
	return sessions, nil
}

// Touch bumps a session's last-used timestamp.
func (s *Store) Touch(id string) error {
	_, err := s.UpdateMeta(id, func(m *SessionMeta) {
		m.LastUsedAtMs = time.Now().UnixMilli()
	})
	return err
}

// Rename sets a session's title.
func (s *Store) Rename(id, title string) (*SessionMeta, error) {
	return s.UpdateMeta(id, func(m *SessionMeta) {
		m.Title = SafeTitle(title)
	})
}

// DeleteSession removes a session directory and everything in it.
func (s *Store) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.sessionDir(id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("session not found: %s", id)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// --- Event log ----------------------------------------------------------------

// AppendEvent appends one raw event line to events.jsonl. Structured lines
// get a _ts_ms field injected so replay can restore event time; unstructured
// lines are stored verbatim.
func (s *Store) AppendEvent(id, line string, tsMs int64) error {
	stored := injectTimestamp(line, tsMs)
	return s.appendLine(filepath.Join(s.sessionDir(id), "events.jsonl"), stored)
}

// AppendStderr appends one stderr line to stderr.log.
func (s *Store) AppendStderr(id, line string) error {
	return s.appendLine(filepath.Join(s.sessionDir(id), "stderr.log"), line)
}

func (s *Store) appendLine(path, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("failed to append to %s: %w", filepath.Base(path), err)
	}
	return nil
}

// injectTimestamp adds a _ts_ms field to a JSON object line. Non-object lines
// are returned unchanged.
func injectTimestamp(line string, tsMs int64) string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(line), &obj); err != nil {
		return line
	}
	if _, ok := obj["_ts_ms"]; !ok {
		ts, _ := json.Marshal(tsMs)
		obj["_ts_ms"] = ts
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return line
	}
	return string(out)
}

// EventLines returns the tail of a session's event log, ordered by embedded
// timestamp (stable for ties). tail values are clamped; zero means the
// default.
func (s *Store) EventLines(id string, tail int) ([]string, error) {
	if tail <= 0 {
		tail = DefaultEventTail
	}
	if tail < minEventTail {
		tail = minEventTail
	}
	if tail > maxEventTail {
		tail = maxEventTail
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	lines, err := readLines(filepath.Join(s.sessionDir(id), "events.jsonl"))
	if err != nil {
		return nil, err
	}
	if len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}

	type tsLine struct {
		ts   int64
		seq  int
		line string
	}
	sorted := make([]tsLine, len(lines))
	for i, line := range lines {
		sorted[i] = tsLine{ts: embeddedTs(line), seq: i, line: line}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].ts != sorted[j].ts {
			return sorted[i].ts < sorted[j].ts
		}
		return sorted[i].seq < sorted[j].seq
	})

	out := make([]string, len(sorted))
	for i := range sorted {
		out[i] = sorted[i].line
	}
	return out, nil
}

func embeddedTs(line string) int64 {
	var probe struct {
		TsMs int64 `json:"_ts_ms"`
	}
	_ = json.Unmarshal([]byte(line), &probe)
	return probe.TsMs
}

// StderrLines returns a session's captured stderr lines.
func (s *Store) StderrLines(id string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return readLines(filepath.Join(s.sessionDir(id), "stderr.log"))
}

// readLines reads a whole line-oriented file, tolerating a missing one.
func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	return lines, nil
}

// --- Conclusion ---------------------------------------------------------------

// Conclusion returns a session's conclusion text, empty when absent.
func (s *Store) Conclusion(id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.sessionDir(id), "conclusion.md"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read conclusion: %w", err)
	}
	return string(data), nil
}

// WriteConclusion replaces a session's conclusion text.
func (s *Store) WriteConclusion(id, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.sessionDir(id), "conclusion.md")
	if err := os.WriteFile(path, []byte(text), 0644); err != nil {
		return fmt.Errorf("failed to write conclusion: %w", err)
	}
	return nil
}

// UpdateConclusionFromEvents derives conclusion.md from the last agent
// message recorded in the event log. Missing logs and logs without an agent
// message leave the conclusion untouched.
func (s *Store) UpdateConclusionFromEvents(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines, err := readLines(filepath.Join(s.sessionDir(id), "events.jsonl"))
	if err != nil || len(lines) == 0 {
		return err
	}

	var last string
	for _, line := range lines {
		if text, ok := agentMessageText(line); ok {
			last = text
		}
	}
	if last == "" {
		return nil
	}
	path := filepath.Join(s.sessionDir(id), "conclusion.md")
	if err := os.WriteFile(path, []byte(last), 0644); err != nil {
		return fmt.Errorf("failed to write conclusion: %w", err)
	}
	return nil
}

// agentMessageText extracts agent message text from either lifecycle wire
// shape: legacy flat item.* records and method-style item/completed
// notifications.
func agentMessageText(line string) (string, bool) {
	var flat struct {
		Type string `json:"type"`
		Item struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"item"`
		Method string `json:"method"`
		Params struct {
			Item struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"item"`
		} `json:"params"`
	}
	if err := json.Unmarshal([]byte(line), &flat); err != nil {
		return "", false
	}
	if strings.HasPrefix(flat.Type, "item.") && flat.Item.Type == "agent_message" && flat.Item.Text != "" {
		return flat.Item.Text, true
	}
	if flat.Method == "item/completed" && flat.Params.Item.Type == "agentMessage" && flat.Params.Item.Text != "" {
		return flat.Params.Item.Text, true
	}
	return "", false
}

// --- Title --------------------------------------------------------------------

// SafeTitle derives a session title from a prompt: first line flattened and
// capped at 60 characters with an ellipsis.
func SafeTitle(prompt string) string {
	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" {
		return "New session"
	}
	flat := strings.ReplaceAll(trimmed, "\n", " ")
	if r := []rune(flat); len(r) > 60 {
		return string(r[:60]) + "…"
	}
	return flat
}

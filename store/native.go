package store

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// NativeSession describes a session recorded by the agent CLI itself, found
// by scanning rollout-*.jsonl files under the agent home. Native sessions are
// replay-only: warpview lists and renders them but never writes to them.
type NativeSession struct {
	ID           string
	Title        string
	Cwd          string
	LastUsedAtMs int64
	Paths        []string // rollout files for this session, oldest first
}

// parseRolloutSessionID extracts the session id from a rollout file name of
// the form "rollout-YYYY-MM-DDTHH-MM-SS-<session_id>.jsonl".
func parseRolloutSessionID(fileName string) (string, bool) {
	if !strings.HasPrefix(fileName, "rollout-") || !strings.HasSuffix(fileName, ".jsonl") {
		return "", false
	}
	base := fileName[len("rollout-") : len(fileName)-len(".jsonl")]
	if len(base) <= 20 || base[19] != '-' {
		return "", false
	}
	id := strings.TrimSpace(base[20:])
	if id == "" {
		return "", false
	}
	return id, true
}

// ScanNativeSessions walks the agent home for rollout logs and groups them by
// session id, most recently modified first. A missing or empty agent home
// yields no sessions.
func ScanNativeSessions(agentHome string) ([]*NativeSession, error) {
	if agentHome == "" {
		return nil, nil
	}

	byID := make(map[string]*NativeSession)
	mtimes := make(map[string]int64)

	err := filepath.WalkDir(agentHome, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		if d.IsDir() {
			return nil
		}
		id, ok := parseRolloutSessionID(d.Name())
		if !ok {
			return nil
		}
		ns, seen := byID[id]
		if !seen {
			ns = &NativeSession{ID: id}
			byID[id] = ns
		}
		ns.Paths = append(ns.Paths, path)
		if info, err := d.Info(); err == nil {
			if ms := info.ModTime().UnixMilli(); ms > mtimes[id] {
				mtimes[id] = ms
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil
	}

	out := make([]*NativeSession, 0, len(byID))
	for id, ns := range byID {
		// Rollout file names embed the start time, so name order is
		// chronological.
		sort.Slice(ns.Paths, func(i, j int) bool {
			return filepath.Base(ns.Paths[i]) < filepath.Base(ns.Paths[j])
		})
		ns.LastUsedAtMs = mtimes[id]
		latest := ns.Paths[len(ns.Paths)-1]
		ns.Cwd = rolloutSessionCwd(latest)
		ns.Title = SafeTitle(lastRolloutPrompt(latest))
		out = append(out, ns)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastUsedAtMs > out[j].LastUsedAtMs
	})
	return out, nil
}

// NativeEventLines reads a native session's rollout files as replayable event
// lines, oldest file first, tail-limited like managed event logs.
func NativeEventLines(ns *NativeSession, tail int) ([]string, error) {
	if tail <= 0 {
		tail = DefaultEventTail
	}
	if tail < minEventTail {
		tail = minEventTail
	}
	if tail > maxEventTail {
		tail = maxEventTail
	}

	var lines []string
	for _, path := range ns.Paths {
		fileLines, err := readLines(path)
		if err != nil {
			continue
		}
		lines = append(lines, fileLines...)
	}
	if len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return lines, nil
}

// rolloutSessionCwd pulls the cwd out of the session_meta record.
func rolloutSessionCwd(path string) string {
	lines, err := readLines(path)
	if err != nil {
		return ""
	}
	for _, line := range lines {
		var rec struct {
			Type    string `json:"type"`
			Payload struct {
				Cwd string `json:"cwd"`
			} `json:"payload"`
		}
		if json.Unmarshal([]byte(line), &rec) != nil {
			continue
		}
		if rec.Type == "session_meta" {
			return rec.Payload.Cwd
		}
	}
	return ""
}

// lastRolloutPrompt finds the last real user prompt in a rollout file,
// skipping the instruction dumps the agent records as user messages.
func lastRolloutPrompt(path string) string {
	lines, err := readLines(path)
	if err != nil {
		return ""
	}
	for i := len(lines) - 1; i >= 0; i-- {
		var rec struct {
			Type    string `json:"type"`
			Payload struct {
				Type    string          `json:"type"`
				Role    string          `json:"role"`
				Message string          `json:"message"`
				Content json.RawMessage `json:"content"`
			} `json:"payload"`
		}
		if json.Unmarshal([]byte(lines[i]), &rec) != nil {
			continue
		}

		var text string
		switch {
		case rec.Type == "event_msg" && rec.Payload.Type == "user_message":
			text = rec.Payload.Message
		case rec.Type == "response_item" && rec.Payload.Type == "message" && rec.Payload.Role == "user":
			text = rolloutContentText(rec.Payload.Content)
		default:
			continue
		}
		if showRolloutPrompt(text) {
			return strings.TrimSpace(text)
		}
	}
	return ""
}

// rolloutContentText joins input_text fragments from a rollout content array.
func rolloutContentText(content json.RawMessage) string {
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(content, &parts) != nil {
		return ""
	}
	var b strings.Builder
	for _, part := range parts {
		if part.Type == "input_text" || part.Type == "output_text" {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

func showRolloutPrompt(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return false
	}
	if strings.HasPrefix(t, "# AGENTS.md") {
		return false
	}
	if strings.HasPrefix(t, "<environment_context") {
		return false
	}
	if strings.Contains(t, "<INSTRUCTIONS>") {
		return false
	}
	return true
}

// HasNativeHome reports whether the agent home directory exists.
func HasNativeHome(agentHome string) bool {
	if agentHome == "" {
		return false
	}
	info, err := os.Stat(agentHome)
	return err == nil && info.IsDir()
}

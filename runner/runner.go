// Package runner supervises agent CLI subprocesses: one `exec --json` run
// per session, streaming stdout and stderr into the store and onto the live
// frame feed.
package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/codexwarp/warpview/internal/procattr"
	"github.com/codexwarp/warpview/mux"
	"github.com/codexwarp/warpview/store"
	"github.com/codexwarp/warpview/timeline"
	"github.com/codexwarp/warpview/usage"
)

// stopGrace is how long Stop waits after SIGINT before force-killing.
const stopGrace = 800 * time.Millisecond

// metricsInterval throttles context-metrics frames: a new frame goes out
// only when the remaining percentage changed and at least this long passed
// since the previous one.
const metricsInterval = 5 * time.Second

// scanBufSize bounds a single agent output line.
const scanBufSize = 10 * 1024 * 1024

// Runner starts, tracks and stops agent runs.
type Runner struct {
	store     *store.Store
	feed      *mux.Broadcaster
	agentPath string
	log       *slog.Logger

	mu   sync.Mutex
	runs map[string]*run
}

type run struct {
	cmd      *exec.Cmd
	done     chan struct{}
	stopping bool
}

// New creates a runner publishing into feed. agentPath overrides executable
// detection when non-empty.
func New(st *store.Store, feed *mux.Broadcaster, agentPath string) *Runner {
	return &Runner{
		store:     st,
		feed:      feed,
		agentPath: agentPath,
		log:       slog.With("component", "runner"),
		runs:      make(map[string]*run),
	}
}

// Running reports whether a run is in flight for the session.
func (r *Runner) Running(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.runs[sessionID]
	return ok
}

// Start launches one agent turn for an existing session. The first turn of a
// session starts a fresh agent thread; later turns resume the recorded one.
// It returns once the process is started; streaming and completion handling
// run in the background.
func (r *Runner) Start(ctx context.Context, sessionID, prompt, cwd string) (*store.SessionMeta, error) {
	r.mu.Lock()
	if _, busy := r.runs[sessionID]; busy {
		r.mu.Unlock()
		return nil, fmt.Errorf("session %s is already running", sessionID)
	}
	r.mu.Unlock()

	meta, err := r.store.ReadMeta(sessionID)
	if err != nil {
		return nil, err
	}

	cwd = r.resolveCwd(cwd, meta)

	// A session resumed from disk may predate thread-id capture; recover it
	// from the event log.
	if meta.AgentSessionID == "" {
		if threadID := r.findThreadID(sessionID); threadID != "" {
			meta.AgentSessionID = threadID
		}
	}

	agentBin, err := ResolveAgentPath(r.agentPath, r.store)
	if err != nil {
		return nil, err
	}

	meta, err = r.store.UpdateMeta(sessionID, func(m *store.SessionMeta) {
		m.Status = store.StatusRunning
		m.Cwd = cwd
		m.AgentSessionID = meta.AgentSessionID
		m.LastUsedAtMs = nowMs()
	})
	if err != nil {
		return nil, err
	}

	// Persist and publish the prompt marker before the process starts so
	// the transcript never looks empty.
	promptLine, _ := json.Marshal(map[string]string{
		"type":   "app.prompt",
		"prompt": strings.TrimSpace(prompt),
	})
	ts := nowMs()
	if err := r.store.AppendEvent(sessionID, string(promptLine), ts); err != nil {
		return nil, err
	}
	r.feed.Publish(mux.EventFrame(sessionID, ts, timeline.StreamOutput, string(promptLine)))

	cmd := exec.CommandContext(ctx, agentBin, buildArgs(meta, prompt, cwd)...)
	if cwd != "" {
		cmd.Dir = cwd
	}
	procattr.Set(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		r.failStart(sessionID, err)
		return nil, fmt.Errorf("start agent: %w", err)
	}

	handle := &run{cmd: cmd, done: make(chan struct{})}
	r.mu.Lock()
	r.runs[sessionID] = handle
	r.mu.Unlock()

	go r.supervise(sessionID, handle, stdout, stderr)
	return meta, nil
}

// buildArgs assembles the agent CLI invocation. Fresh threads get the
// conclusion sink; resumed ones reuse the recorded thread id.
func buildArgs(meta *store.SessionMeta, prompt, cwd string) []string {
	if meta.AgentSessionID != "" {
		return []string{
			"exec", "resume",
			"--json", "--full-auto", "--skip-git-repo-check",
			meta.AgentSessionID,
			"--", prompt,
		}
	}
	args := []string{
		"exec",
		"--json", "--full-auto", "--skip-git-repo-check",
		"--output-last-message", meta.ConclusionPath,
	}
	if cwd != "" {
		args = append(args, "--cd", cwd)
	}
	return append(args, "--", prompt)
}

// resolveCwd picks the working directory: explicit argument, then the
// session's recorded one, then the last or default directory from settings.
// A directory chosen here becomes the new last_cwd.
func (r *Runner) resolveCwd(cwd string, meta *store.SessionMeta) string {
	cwd = strings.TrimSpace(cwd)
	if cwd == "" {
		cwd = meta.Cwd
	}
	if cwd == "" {
		if settings, err := r.store.ReadSettings(); err == nil {
			if settings.LastCwd != "" {
				cwd = settings.LastCwd
			} else {
				cwd = settings.DefaultCwd
			}
		}
	}
	if cwd != "" {
		if settings, err := r.store.ReadSettings(); err == nil && settings.LastCwd != cwd {
			settings.LastCwd = cwd
			_ = r.store.WriteSettings(settings)
		}
	}
	return cwd
}

// findThreadID scans the persisted event log for the agent's thread id.
func (r *Runner) findThreadID(sessionID string) string {
	lines, err := r.store.EventLines(sessionID, 0)
	if err != nil {
		return ""
	}
	for _, line := range lines {
		if id := threadIDFromLine(line); id != "" {
			return id
		}
	}
	return ""
}

func threadIDFromLine(line string) string {
	ev := timeline.Normalize(line, timeline.StreamOutput, 0)
	if te, ok := ev.(timeline.ThreadEvent); ok {
		return te.ThreadID
	}
	return ""
}

// failStart records a spawn failure so the session is not left looking alive.
func (r *Runner) failStart(sessionID string, cause error) {
	msg := fmt.Sprintf("Failed to start agent: %v", cause)
	line, _ := json.Marshal(map[string]string{"type": "app/error", "message": msg})
	ts := nowMs()
	_ = r.store.AppendEvent(sessionID, string(line), ts)
	r.feed.Publish(mux.EventFrame(sessionID, ts, timeline.StreamOutput, string(line)))
	_, _ = r.store.UpdateMeta(sessionID, func(m *store.SessionMeta) {
		m.Status = store.StatusError
	})
	r.feed.Publish(mux.Frame{Kind: mux.FrameFinished, Finished: &mux.FinishedFrame{
		SessionID: sessionID,
		TsMs:      nowMs(),
		Success:   false,
	}})
}

// supervise drains both pipes, waits for exit and finalizes the session.
func (r *Runner) supervise(sessionID string, handle *run, stdout, stderr io.Reader) {
	var (
		wg        sync.WaitGroup
		usageMu   sync.Mutex
		lastUsage *timeline.UsageEvent
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		r.streamStdout(sessionID, stdout, &usageMu, &lastUsage)
	}()
	go func() {
		defer wg.Done()
		r.streamStderr(sessionID, stderr)
	}()
	wg.Wait()

	waitErr := handle.cmd.Wait()

	r.mu.Lock()
	stopped := handle.stopping
	delete(r.runs, sessionID)
	r.mu.Unlock()

	success := waitErr == nil
	var exitCode *int
	if !success && !stopped {
		code := 1
		if ee, ok := waitErr.(*exec.ExitError); ok && ee.ExitCode() >= 0 {
			code = ee.ExitCode()
		}
		exitCode = &code
	}
	if stopped {
		success = false
	}

	usageMu.Lock()
	final := lastUsage
	usageMu.Unlock()
	if final != nil {
		r.publishMetrics(sessionID, *final, nowMs())
		r.recordUsage(sessionID, *final)
	}

	status := store.StatusDone
	if !success && !stopped {
		status = store.StatusError
	}
	_, _ = r.store.UpdateMeta(sessionID, func(m *store.SessionMeta) {
		m.Status = status
		m.LastUsedAtMs = nowMs()
	})
	if err := r.store.UpdateConclusionFromEvents(sessionID); err != nil {
		r.log.Warn("failed to refresh conclusion", "session", sessionID, "error", err)
	}

	close(handle.done)
	r.feed.Publish(mux.Frame{Kind: mux.FrameFinished, Finished: &mux.FinishedFrame{
		SessionID: sessionID,
		TsMs:      nowMs(),
		ExitCode:  exitCode,
		Success:   success || stopped,
	}})
}

func (r *Runner) streamStdout(sessionID string, pipe io.Reader, usageMu *sync.Mutex, lastUsage **timeline.UsageEvent) {
	var (
		lastMetricsMs  int64
		lastMetricsPct = -1
		threadIDSaved  bool
	)

	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 64*1024), scanBufSize)
	for scanner.Scan() {
		line := scanner.Text()
		ts := nowMs()
		ev := timeline.Normalize(line, timeline.StreamOutput, ts)

		// Usage snapshots and informational pings feed state but are not
		// part of the replayable event log.
		persist := true
		switch ev.(type) {
		case timeline.UsageEvent, timeline.NoticeEvent:
			persist = false
		}
		if persist {
			if err := r.store.AppendEvent(sessionID, line, ts); err != nil {
				r.log.Warn("failed to persist event", "session", sessionID, "error", err)
			}
			r.feed.Publish(mux.EventFrame(sessionID, ts, timeline.StreamOutput, line))
		}

		switch e := ev.(type) {
		case timeline.ThreadEvent:
			if !threadIDSaved && e.ThreadID != "" {
				threadIDSaved = true
				_, _ = r.store.UpdateMeta(sessionID, func(m *store.SessionMeta) {
					if m.AgentSessionID == "" {
						m.AgentSessionID = e.ThreadID
					}
				})
			}
		case timeline.UsageEvent:
			usageMu.Lock()
			snapshot := e
			*lastUsage = &snapshot
			usageMu.Unlock()

			pct := timeline.PctLeft(e.TotalTokens, e.ContextWindow)
			if pct != lastMetricsPct && (lastMetricsMs == 0 || ts-lastMetricsMs >= metricsInterval.Milliseconds()) {
				r.publishMetrics(sessionID, e, ts)
				lastMetricsMs = ts
				lastMetricsPct = pct
			}
		}
	}
}

func (r *Runner) streamStderr(sessionID string, pipe io.Reader) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 64*1024), scanBufSize)
	for scanner.Scan() {
		line := scanner.Text()
		if err := r.store.AppendStderr(sessionID, line); err != nil {
			r.log.Warn("failed to persist stderr", "session", sessionID, "error", err)
		}
		r.feed.Publish(mux.EventFrame(sessionID, nowMs(), timeline.StreamError, line))
	}
}

// publishMetrics persists the context snapshot into meta.json and pushes a
// context-metrics frame.
func (r *Runner) publishMetrics(sessionID string, e timeline.UsageEvent, ts int64) {
	pct := timeline.PctLeft(e.TotalTokens, e.ContextWindow)
	_, _ = r.store.UpdateMeta(sessionID, func(m *store.SessionMeta) {
		m.ContextWindow = e.ContextWindow
		m.ContextUsedTokens = e.TotalTokens
		m.ContextLeftPct = pct
	})
	r.feed.Publish(mux.Frame{Kind: mux.FrameMetrics, Metrics: &mux.MetricsFrame{
		SessionID:         sessionID,
		TsMs:              ts,
		ContextLeftPct:    pct,
		ContextUsedTokens: e.TotalTokens,
		ContextWindow:     e.ContextWindow,
	}})
}

func (r *Runner) recordUsage(sessionID string, e timeline.UsageEvent) {
	meta, err := r.store.ReadMeta(sessionID)
	threadID := e.ThreadID
	if err == nil && threadID == "" {
		threadID = meta.AgentSessionID
	}
	record := usage.Record{
		TsMs:                  nowMs(),
		SessionID:             sessionID,
		ThreadID:              threadID,
		TotalTokens:           e.TotalTokens,
		InputTokens:           e.InputTokens,
		OutputTokens:          e.OutputTokens,
		ReasoningOutputTokens: e.ReasoningOutputTokens,
		CachedInputTokens:     e.CachedInputTokens,
		ContextWindow:         e.ContextWindow,
	}
	if err := r.store.AppendUsageRecord(record); err != nil {
		r.log.Warn("failed to append usage record", "session", sessionID, "error", err)
	}
}

// Stop interrupts a run: SIGINT to the process group, a short grace period,
// then SIGKILL. Stopping a session with no run in flight is a no-op.
func (r *Runner) Stop(sessionID string) {
	r.mu.Lock()
	handle, ok := r.runs[sessionID]
	if ok {
		handle.stopping = true
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	_ = procattr.SignalGroup(handle.cmd.Process, syscall.SIGINT)
	select {
	case <-handle.done:
		return
	case <-time.After(stopGrace):
	}

	_ = procattr.KillGroup(handle.cmd.Process)
	select {
	case <-handle.done:
	case <-time.After(stopGrace):
		r.log.Warn("agent process did not exit after kill", "session", sessionID)
	}
}

// StopAll interrupts every in-flight run.
func (r *Runner) StopAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.runs))
	for id := range r.runs {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Stop(id)
	}
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

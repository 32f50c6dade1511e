package mux

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codexwarp/warpview/timeline"
)

// HistorySource fetches a session's persisted history for replay.
type HistorySource interface {
	EventLines(sessionID string, tail int) ([]string, error)
	StderrLines(sessionID string) ([]string, error)
	Conclusion(sessionID string) (string, error)
}

// StreamDialer opens the remote push stream for one session. The returned
// cancel func closes the stream; the frame channel closes when the stream
// ends for any reason.
type StreamDialer interface {
	Dial(ctx context.Context, sessionID string) (<-chan Frame, func(), error)
}

// Multiplexer owns one SessionTimeline per tracked session and routes frames
// from whichever live transport is active, plus historical replay, into the
// right timeline. Activation folds the entire persisted log before the live
// transport attaches; frames arriving during the fold are buffered and
// flushed after it commits, so nothing is lost or double-applied.
type Multiplexer struct {
	history HistorySource
	feed    *Broadcaster // in-process transport, nil in remote mode
	feedID  int
	feedCh  <-chan Frame
	dialer  StreamDialer // remote transport, nil in in-process mode
	log     *slog.Logger

	mu          sync.Mutex
	timelines   map[string]*timeline.SessionTimeline
	replaying   map[string]bool
	buffered    map[string][]Frame
	activeID    string // remote mode: session holding the open stream
	closeActive func()

	tickMu  sync.Mutex
	tickers map[string]chan struct{}
	onTick  func(sessionID string, elapsed time.Duration)

	onFinished    func(sessionID string)
	onBacklogDone func(sessionID string)
}

// NewInProcess creates a multiplexer fed by the in-process broadcast channel.
// All tracked sessions stay attached regardless of which one is viewed. The
// feed subscription opens here, so frames published between construction and
// Run buffer instead of getting lost.
func NewInProcess(history HistorySource, feed *Broadcaster) *Multiplexer {
	m := &Multiplexer{
		history:   history,
		feed:      feed,
		log:       slog.With("component", "mux"),
		timelines: make(map[string]*timeline.SessionTimeline),
		replaying: make(map[string]bool),
		buffered:  make(map[string][]Frame),
		tickers:   make(map[string]chan struct{}),
	}
	if feed != nil {
		m.feedID, m.feedCh = feed.Subscribe(256)
	}
	return m
}

// NewRemote creates a multiplexer fed by a remote push stream. Only one
// stream is held open at a time; switching the active session closes the
// previous connection.
func NewRemote(history HistorySource, dialer StreamDialer) *Multiplexer {
	m := NewInProcess(history, nil)
	m.dialer = dialer
	return m
}

// SetOnFinished installs a callback invoked after a run-finished frame has
// been applied (used to refresh the usage rollup).
func (m *Multiplexer) SetOnFinished(fn func(sessionID string)) {
	m.onFinished = fn
}

// SetOnBacklogDone installs a callback invoked once a remote stream's
// end-of-backlog marker has been applied, meaning the timeline holds the
// full replay. Install it before Activate.
func (m *Multiplexer) SetOnBacklogDone(fn func(sessionID string)) {
	m.onBacklogDone = fn
}

// SetOnTick installs the elapsed-time callback, invoked once per second for
// each running session.
func (m *Multiplexer) SetOnTick(fn func(sessionID string, elapsed time.Duration)) {
	m.onTick = fn
}

// Run consumes the in-process feed until ctx is cancelled. Remote mode needs
// no pump; each activation owns its stream reader.
func (m *Multiplexer) Run(ctx context.Context) {
	if m.feed == nil {
		<-ctx.Done()
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-m.feedCh:
			if !ok {
				return
			}
			m.Dispatch(frame)
		}
	}
}

// Timeline returns the timeline for a session, or nil if not tracked.
func (m *Multiplexer) Timeline(sessionID string) *timeline.SessionTimeline {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timelines[sessionID]
}

// Activate brings a session's timeline up: it folds the persisted event log,
// stderr log and conclusion into a fresh projection, then attaches the live
// transport. In in-process mode an already-tracked session is returned as-is
// since its live channel never detached.
func (m *Multiplexer) Activate(ctx context.Context, sessionID string) (*timeline.SessionTimeline, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is empty")
	}

	m.mu.Lock()
	if tl, ok := m.timelines[sessionID]; ok && m.dialer == nil {
		m.mu.Unlock()
		return tl, nil
	}
	// Remote mode: switching sessions closes the previous stream. The
	// detached timeline went stale, so a fresh fold replaces it.
	if m.dialer != nil && m.closeActive != nil {
		m.closeActive()
		m.closeActive = nil
		m.activeID = ""
	}
	tl := timeline.NewSessionTimeline(sessionID, nil)
	m.timelines[sessionID] = tl
	m.replaying[sessionID] = true
	m.buffered[sessionID] = nil
	m.mu.Unlock()

	m.watchStatus(sessionID, tl)
	m.replayHistory(sessionID, tl)

	// Commit: flush frames buffered while the fold ran, in arrival order.
	m.mu.Lock()
	pending := m.buffered[sessionID]
	delete(m.buffered, sessionID)
	delete(m.replaying, sessionID)
	m.mu.Unlock()
	for _, frame := range pending {
		m.applyFrame(tl, frame)
	}

	if m.dialer != nil {
		m.attachStream(ctx, sessionID, tl)
	}
	return tl, nil
}

// replayHistory folds the persisted logs into the timeline. Fetch failures
// surface as a sticky notice and leave the projection as-is.
func (m *Multiplexer) replayHistory(sessionID string, tl *timeline.SessionTimeline) {
	events, err := m.history.EventLines(sessionID, 0)
	if err != nil {
		m.log.Warn("failed to load event history", "session", sessionID, "error", err)
		tl.SetNotice(fmt.Sprintf("failed to load history: %v", err))
		return
	}
	for _, line := range events {
		tl.ApplyLine(line, timeline.StreamOutput, 0)
	}

	stderr, err := m.history.StderrLines(sessionID)
	if err != nil {
		tl.SetNotice(fmt.Sprintf("failed to load stderr log: %v", err))
	} else {
		for _, line := range stderr {
			tl.ApplyLine(line, timeline.StreamError, 0)
		}
	}

	if conclusion, err := m.history.Conclusion(sessionID); err == nil && conclusion != "" {
		tl.SetConclusion(conclusion)
	}
}

// attachStream opens the remote push stream and pumps it into Dispatch.
func (m *Multiplexer) attachStream(ctx context.Context, sessionID string, tl *timeline.SessionTimeline) {
	frames, cancel, err := m.dialer.Dial(ctx, sessionID)
	if err != nil {
		m.log.Warn("failed to open push stream", "session", sessionID, "error", err)
		tl.SetNotice(fmt.Sprintf("reconnecting: %v", err))
		return
	}

	m.mu.Lock()
	m.activeID = sessionID
	m.closeActive = cancel
	m.mu.Unlock()
	tl.ClearNotice()

	go func() {
		for frame := range frames {
			m.Dispatch(frame)
		}
		// Stream ended. If this session is still the active one the drop
		// was not a deliberate switch; flag it without touching state.
		m.mu.Lock()
		active := m.activeID == sessionID
		if active {
			m.activeID = ""
			m.closeActive = nil
		}
		m.mu.Unlock()
		if active && ctx.Err() == nil {
			tl.SetNotice("reconnecting: stream closed")
		}
	}()
}

// Deactivate drops rendering interest in a session. In remote mode this
// closes its stream; in in-process mode background ingestion continues.
func (m *Multiplexer) Deactivate(sessionID string) {
	m.mu.Lock()
	if m.dialer != nil && m.activeID == sessionID && m.closeActive != nil {
		m.closeActive()
		m.closeActive = nil
		m.activeID = ""
	}
	m.mu.Unlock()
}

// Remove destroys a session's timeline (session deleted).
func (m *Multiplexer) Remove(sessionID string) {
	m.Deactivate(sessionID)
	m.stopTicker(sessionID)
	m.mu.Lock()
	delete(m.timelines, sessionID)
	delete(m.replaying, sessionID)
	delete(m.buffered, sessionID)
	m.mu.Unlock()
}

// Dispatch routes one frame to its session's timeline. Frames for sessions
// mid-replay are buffered; frames for untracked sessions are dropped (no
// rendering interest was ever registered).
func (m *Multiplexer) Dispatch(frame Frame) {
	sessionID := frame.SessionID()
	if sessionID == "" {
		return
	}

	m.mu.Lock()
	tl, tracked := m.timelines[sessionID]
	if !tracked {
		m.mu.Unlock()
		return
	}
	if m.replaying[sessionID] {
		m.buffered[sessionID] = append(m.buffered[sessionID], frame)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.applyFrame(tl, frame)
}

func (m *Multiplexer) applyFrame(tl *timeline.SessionTimeline, frame Frame) {
	switch frame.Kind {
	case FrameEvent:
		if frame.Event == nil {
			return
		}
		tl.ApplyLine(frame.Event.Raw, frame.Event.Stream, frame.Event.TsMs)

	case FrameMetrics:
		if frame.Metrics == nil {
			return
		}
		tl.SetMetrics(timeline.ContextMetrics{
			TimestampMs:       frame.Metrics.TsMs,
			ContextLeftPct:    frame.Metrics.ContextLeftPct,
			ContextUsedTokens: frame.Metrics.ContextUsedTokens,
			ContextWindow:     frame.Metrics.ContextWindow,
		})

	case FrameFinished:
		if frame.Finished == nil {
			return
		}
		if frame.Finished.Success {
			tl.SetStatus(timeline.RunDone)
		} else {
			tl.SetStatus(timeline.RunError)
		}
		// Final refresh: the conclusion is derived from the log after the
		// run ends.
		if conclusion, err := m.history.Conclusion(tl.ID()); err == nil && conclusion != "" {
			tl.SetConclusion(conclusion)
		}
		if m.onFinished != nil {
			m.onFinished(tl.ID())
		}

	case FrameBacklogDone:
		if m.onBacklogDone != nil {
			m.onBacklogDone(tl.ID())
		}
	}
}

// --- Elapsed-time tickers -----------------------------------------------------

// watchStatus wires the per-session elapsed ticker: started when the session
// enters running status, cleared on any status change or teardown.
func (m *Multiplexer) watchStatus(sessionID string, tl *timeline.SessionTimeline) {
	tl.AddObserver(statusWatcher{m: m, sessionID: sessionID})
}

type statusWatcher struct {
	m         *Multiplexer
	sessionID string
}

func (w statusWatcher) OnTimelineEvent(event timeline.TimelineEvent) {
	sc, ok := event.(timeline.StatusChanged)
	if !ok {
		return
	}
	if sc.New == timeline.RunRunning {
		w.m.startTicker(w.sessionID)
	} else {
		w.m.stopTicker(w.sessionID)
	}
}

func (m *Multiplexer) startTicker(sessionID string) {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()
	if _, running := m.tickers[sessionID]; running {
		return
	}
	stop := make(chan struct{})
	m.tickers[sessionID] = stop

	started := time.Now()
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if m.onTick != nil {
					m.onTick(sessionID, time.Since(started))
				}
			}
		}
	}()
}

func (m *Multiplexer) stopTicker(sessionID string) {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()
	if stop, ok := m.tickers[sessionID]; ok {
		close(stop)
		delete(m.tickers, sessionID)
	}
}

// Close tears down all tickers, the feed subscription and any open stream.
func (m *Multiplexer) Close() {
	if m.feed != nil {
		m.feed.Unsubscribe(m.feedID)
	}
	m.mu.Lock()
	if m.closeActive != nil {
		m.closeActive()
		m.closeActive = nil
	}
	ids := make([]string, 0, len(m.timelines))
	for id := range m.timelines {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.stopTicker(id)
	}
}

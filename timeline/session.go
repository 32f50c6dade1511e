package timeline

import "sync"

// activityCap bounds the recent-activity ring; oldest entries drop first.
const activityCap = 120

// RunStatus is the lifecycle state of a session's run.
type RunStatus string

const (
	RunIdle    RunStatus = "idle"
	RunRunning RunStatus = "running"
	RunDone    RunStatus = "done"
	RunError   RunStatus = "error"
)

// ContextMetrics is the latest context-window snapshot for a session.
type ContextMetrics struct {
	TimestampMs       int64
	ContextLeftPct    int
	ContextUsedTokens int64
	ContextWindow     int64
}

// Observer receives notifications when a SessionTimeline mutates.
type Observer interface {
	OnTimelineEvent(event TimelineEvent)
}

// TimelineEvent is the interface for timeline mutation notifications.
type TimelineEvent interface {
	timelineEvent() // sealed marker
}

// BlocksUpdated fires when the block sequence changes.
type BlocksUpdated struct{}

func (BlocksUpdated) timelineEvent() {}

// PlanUpdated fires when a structured plan snapshot is accepted.
type PlanUpdated struct{}

func (PlanUpdated) timelineEvent() {}

// MetricsUpdated fires when context metrics change.
type MetricsUpdated struct{}

func (MetricsUpdated) timelineEvent() {}

// StatusChanged fires when the run status changes.
type StatusChanged struct {
	Old, New RunStatus
}

func (StatusChanged) timelineEvent() {}

// NoticeChanged fires when the sticky notice is set or cleared.
type NoticeChanged struct{}

func (NoticeChanged) timelineEvent() {}

// SessionTimeline is the per-session aggregate: the block sequence, the
// latest plan snapshot, conclusion text, a bounded recent-activity ring, and
// context metrics. It is a rebuildable projection of the persisted log plus
// live deltas and is never serialized. The write API is called by the
// multiplexer only; views read snapshots.
type SessionTimeline struct {
	id string

	mu         sync.RWMutex
	blocks     *BlockList
	plan       *PlanState
	conclusion string
	threadID   string
	cwd        string
	activity   []string
	metrics    *ContextMetrics
	notice     string
	status     RunStatus
	observers  []Observer
}

// NewSessionTimeline creates an empty timeline for a session. ids may be nil
// to use the default monotonic generator.
func NewSessionTimeline(id string, ids IDGen) *SessionTimeline {
	return &SessionTimeline{
		id:     id,
		blocks: NewBlockList(ids),
		status: RunIdle,
	}
}

// ID returns the session id this timeline belongs to.
func (t *SessionTimeline) ID() string { return t.id }

// --- Write API (called by the multiplexer) -----------------------------------

// ApplyLine normalizes one raw line and folds it in.
func (t *SessionTimeline) ApplyLine(raw string, stream Stream, nowMs int64) {
	t.Apply(Normalize(raw, stream, nowMs))
}

// Apply folds one canonical event into the timeline.
func (t *SessionTimeline) Apply(ev Event) {
	if ev == nil {
		return
	}
	switch e := ev.(type) {
	case PlanEvent:
		t.SetPlan(e.Plan)
	case UsageEvent:
		t.applyUsage(e)
	case ThreadEvent:
		t.mu.Lock()
		if e.ThreadID != "" {
			t.threadID = e.ThreadID
		}
		t.mu.Unlock()
	case SessionMetaEvent:
		t.mu.Lock()
		if e.Cwd != "" {
			t.cwd = e.Cwd
		}
		t.mu.Unlock()
	case NoticeEvent:
		// Suppressed informational ping; state was already extracted upstream.
	default:
		t.mu.Lock()
		activity := t.blocks.Apply(ev)
		if activity != "" {
			t.pushActivityLocked(activity)
		}
		t.mu.Unlock()
		t.notify(BlocksUpdated{})
	}
}

// SetPlan replaces the plan snapshot whole. Stale snapshots (older timestamp
// than the current one) are dropped.
func (t *SessionTimeline) SetPlan(plan PlanState) {
	t.mu.Lock()
	if t.plan != nil && plan.TimestampMs < t.plan.TimestampMs {
		t.mu.Unlock()
		return
	}
	p := plan
	p.Steps = append([]PlanStep(nil), plan.Steps...)
	t.plan = &p
	t.mu.Unlock()
	t.notify(PlanUpdated{})
}

func (t *SessionTimeline) applyUsage(e UsageEvent) {
	if e.ContextWindow <= 0 {
		return
	}
	t.mu.Lock()
	if e.ThreadID != "" {
		t.threadID = e.ThreadID
	}
	t.metrics = &ContextMetrics{
		TimestampMs:       e.TsMs,
		ContextLeftPct:    PctLeft(e.TotalTokens, e.ContextWindow),
		ContextUsedTokens: e.TotalTokens,
		ContextWindow:     e.ContextWindow,
	}
	t.mu.Unlock()
	t.notify(MetricsUpdated{})
}

// SetMetrics installs a context-metrics snapshot received out of band (remote
// push stream).
func (t *SessionTimeline) SetMetrics(m ContextMetrics) {
	t.mu.Lock()
	t.metrics = &m
	t.mu.Unlock()
	t.notify(MetricsUpdated{})
}

// SetConclusion replaces the conclusion text.
func (t *SessionTimeline) SetConclusion(text string) {
	t.mu.Lock()
	t.conclusion = text
	t.mu.Unlock()
}

// SetStatus transitions the run status and notifies observers on change.
func (t *SessionTimeline) SetStatus(status RunStatus) {
	t.mu.Lock()
	old := t.status
	t.status = status
	t.mu.Unlock()
	if old != status {
		t.notify(StatusChanged{Old: old, New: status})
	}
}

// SetNotice installs a sticky, dismissible notice (transport failures,
// history fetch errors). Accumulated state is never cleared by a notice.
func (t *SessionTimeline) SetNotice(text string) {
	t.mu.Lock()
	t.notice = text
	t.mu.Unlock()
	t.notify(NoticeChanged{})
}

// ClearNotice dismisses the sticky notice.
func (t *SessionTimeline) ClearNotice() {
	t.SetNotice("")
}

func (t *SessionTimeline) pushActivityLocked(entry string) {
	if len(t.activity) >= activityCap {
		t.activity = append(t.activity[1:], entry)
	} else {
		t.activity = append(t.activity, entry)
	}
}

// --- Read API -----------------------------------------------------------------

// Blocks returns a snapshot of the block sequence in display order.
func (t *SessionTimeline) Blocks() []Block {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.blocks.Snapshot()
}

// Plan returns the current plan snapshot, or nil.
func (t *SessionTimeline) Plan() *PlanState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.plan == nil {
		return nil
	}
	p := *t.plan
	p.Steps = append([]PlanStep(nil), t.plan.Steps...)
	return &p
}

// Todos recomputes the derived todo list from the current blocks.
func (t *SessionTimeline) Todos() []TodoItem {
	return ExtractTodos(t.Blocks())
}

// Conclusion returns the conclusion text.
func (t *SessionTimeline) Conclusion() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conclusion
}

// ThreadID returns the agent-side thread id observed for this session.
func (t *SessionTimeline) ThreadID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.threadID
}

// Cwd returns the working directory observed in session metadata.
func (t *SessionTimeline) Cwd() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cwd
}

// Activity returns a copy of the recent-activity ring, oldest first.
func (t *SessionTimeline) Activity() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.activity...)
}

// Metrics returns the latest context metrics, or nil.
func (t *SessionTimeline) Metrics() *ContextMetrics {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.metrics == nil {
		return nil
	}
	m := *t.metrics
	return &m
}

// Notice returns the sticky notice text, empty when none.
func (t *SessionTimeline) Notice() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.notice
}

// Status returns the current run status.
func (t *SessionTimeline) Status() RunStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// --- Observer management ------------------------------------------------------

// AddObserver registers an observer notified on timeline mutations.
func (t *SessionTimeline) AddObserver(o Observer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, o)
}

// notify sends an event to all registered observers.
// Observers are called synchronously; keep handlers fast.
func (t *SessionTimeline) notify(event TimelineEvent) {
	t.mu.RLock()
	obs := t.observers
	t.mu.RUnlock()
	for _, o := range obs {
		o.OnTimelineEvent(event)
	}
}

// PctLeft computes the rounded percentage of context window remaining.
func PctLeft(usedTokens, window int64) int {
	if window <= 0 {
		return 0
	}
	remaining := window - usedTokens
	if remaining < 0 {
		remaining = 0
	}
	pct := (remaining*100 + window/2) / window
	if pct > 100 {
		pct = 100
	}
	return int(pct)
}

// Package timeline folds raw agent event lines into a per-session display
// timeline. It implements a clean layering: the Normalizer parses any of the
// supported wire formats into a common canonical event vocabulary, the block
// reducer folds canonical events into an ordered keyed Block sequence, and
// SessionTimeline is the single source of truth read by renderers.
package timeline

import "fmt"

// --- Block types (canonical definitions) -------------------------------------

// BlockKind categorises timeline blocks.
type BlockKind string

const (
	KindAssistant BlockKind = "assistant"
	KindCommand   BlockKind = "command"
	KindThought   BlockKind = "thought"
	KindStatus    BlockKind = "status"
	KindError     BlockKind = "error"
	KindEvent     BlockKind = "event"
)

// BlockStatus represents the execution state of a long-running block.
type BlockStatus string

const (
	BlockRunning BlockStatus = "running"
	BlockDone    BlockStatus = "done"
	BlockFailed  BlockStatus = "failed"
)

// Block is one displayable timeline entry. Key is the stable merge identity:
// two blocks sharing a key within a session are the same logical entity across
// time (a command that starts, streams output, then completes). Body is
// append-only for delta-driven kinds.
type Block struct {
	ID          string
	Key         string
	Kind        BlockKind
	Title       string
	Subtitle    string
	Body        string
	TimestampMs int64
	Status      BlockStatus
	Collapsed   *bool
}

// --- Plan / todo types --------------------------------------------------------

// StepStatus is the per-step state inside a structured plan update.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
)

// PlanStep is one entry of a structured plan snapshot.
type PlanStep struct {
	Text   string
	Status StepStatus
}

// PlanState is a whole-value plan snapshot. It is replaced, never merged
// field-by-field, and only by a snapshot with an equal or newer timestamp.
type PlanState struct {
	TimestampMs int64
	Explanation string
	Steps       []PlanStep
}

// TodoItem is a deduplicated checklist entry derived from markdown text.
// Done is sticky: once true for a given normalized text it never reverts.
type TodoItem struct {
	Text string
	Done bool
}

// --- Canonical events ---------------------------------------------------------

// Event is the closed set of canonical records the Normalizer produces.
// Downstream code dispatches on these variants and never re-inspects raw
// payload shape.
type Event interface {
	eventMarker()
}

// ItemKind identifies the item variants carried by lifecycle events.
type ItemKind string

const (
	ItemAgentMessage     ItemKind = "agent_message"
	ItemReasoning        ItemKind = "reasoning"
	ItemCommandExecution ItemKind = "command_execution"
	ItemFileChange       ItemKind = "file_change"
	ItemMCPToolCall      ItemKind = "mcp_tool_call"
	ItemWebSearch        ItemKind = "web_search"
	ItemOther            ItemKind = "other"
)

// Item is the full payload carried by started/completed lifecycle markers.
type Item struct {
	ID       string
	Kind     ItemKind
	Text     string // agent_message / reasoning text
	Command  string // command_execution
	Output   string // aggregated command output
	ExitCode *int
	Status   string // wire status: in_progress, completed, failed
}

// DeltaEvent is a character-level streaming fragment for an item's body.
type DeltaEvent struct {
	ItemID string
	Kind   ItemKind
	Delta  string
	TsMs   int64
}

// ItemPhase distinguishes lifecycle markers.
type ItemPhase string

const (
	PhaseStarted   ItemPhase = "started"
	PhaseCompleted ItemPhase = "completed"
)

// ItemEvent is a lifecycle marker carrying a full item payload.
type ItemEvent struct {
	Phase ItemPhase
	Item  Item
	TsMs  int64
}

// PromptEvent records a user prompt submitted to the session.
type PromptEvent struct {
	Text string
	TsMs int64
}

// PlanEvent carries a structured plan snapshot.
type PlanEvent struct {
	Plan PlanState
}

// UsageEvent is a token-usage snapshot. It is suppressed from the block
// timeline but still updates session context metrics.
type UsageEvent struct {
	ThreadID              string
	TotalTokens           int64
	InputTokens           int64
	CachedInputTokens     int64
	OutputTokens          int64
	ReasoningOutputTokens int64
	ContextWindow         int64
	TsMs                  int64
}

// ErrorEvent is a terminal error marker from the agent.
type ErrorEvent struct {
	Message string
	TsMs    int64
}

// ThreadEvent records the agent-side thread id for the session. Produces no
// block.
type ThreadEvent struct {
	ThreadID string
	TsMs     int64
}

// SessionMetaEvent carries native rollout session metadata. Produces no block.
type SessionMetaEvent struct {
	SessionID string
	Cwd       string
	TsMs      int64
}

// RawTextEvent is an unstructured line carried verbatim. Stream tells the
// reducer whether it belongs to the stdout or stderr log block.
type RawTextEvent struct {
	Stream Stream
	Text   string
	TsMs   int64
}

// UnknownEvent is a structured payload no dispatcher recognised. The pretty
// dump renders as a generic event block so nothing is silently discarded.
type UnknownEvent struct {
	Label  string
	Pretty string
	TsMs   int64
}

// NoticeEvent is a suppressed informational ping that produces no block and
// no state change.
type NoticeEvent struct {
	Method string
}

func (DeltaEvent) eventMarker()       {}
func (ItemEvent) eventMarker()        {}
func (PromptEvent) eventMarker()      {}
func (PlanEvent) eventMarker()        {}
func (UsageEvent) eventMarker()       {}
func (ErrorEvent) eventMarker()       {}
func (ThreadEvent) eventMarker()      {}
func (SessionMetaEvent) eventMarker() {}
func (RawTextEvent) eventMarker()     {}
func (UnknownEvent) eventMarker()     {}
func (NoticeEvent) eventMarker()      {}

// Stream tags which standard stream a raw line arrived on.
type Stream string

const (
	StreamOutput Stream = "output"
	StreamError  Stream = "error"
)

// --- ID generation ------------------------------------------------------------

// IDGen produces block ids and unique keys for non-mergeable events.
// Injectable so tests can assert exact identities.
type IDGen interface {
	Next() string
}

// CounterIDGen is the default IDGen: a monotonic counter yielding "b1", "b2"…
type CounterIDGen struct {
	n int
}

// Next returns the next id.
func (g *CounterIDGen) Next() string {
	g.n++
	return fmt.Sprintf("b%d", g.n)
}

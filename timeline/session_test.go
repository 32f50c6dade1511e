package timeline

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionTimeline_PlanMonotonicity(t *testing.T) {
	tl := NewSessionTimeline("s1", nil)
	tl.SetPlan(PlanState{TimestampMs: 20, Steps: []PlanStep{{Text: "newer", Status: StepPending}}})
	tl.SetPlan(PlanState{TimestampMs: 10, Steps: []PlanStep{{Text: "stale", Status: StepPending}}})

	plan := tl.Plan()
	require.NotNil(t, plan)
	assert.Equal(t, int64(20), plan.TimestampMs)
	assert.Equal(t, "newer", plan.Steps[0].Text)

	// Equal timestamps replace.
	tl.SetPlan(PlanState{TimestampMs: 20, Steps: []PlanStep{{Text: "revised", Status: StepInProgress}}})
	assert.Equal(t, "revised", tl.Plan().Steps[0].Text)
}

func TestSessionTimeline_ActivityRingDropsOldest(t *testing.T) {
	tl := NewSessionTimeline("s1", nil)
	for i := 0; i < activityCap+30; i++ {
		tl.Apply(ItemEvent{Phase: PhaseCompleted, Item: Item{ID: fmt.Sprintf("c%d", i), Kind: ItemCommandExecution, Command: fmt.Sprintf("cmd %d", i)}})
	}
	activity := tl.Activity()
	require.Len(t, activity, activityCap)
	assert.Equal(t, "$ cmd 30", activity[0])
	assert.Equal(t, fmt.Sprintf("$ cmd %d", activityCap+29), activity[len(activity)-1])
}

func TestSessionTimeline_UsageUpdatesMetrics(t *testing.T) {
	tl := NewSessionTimeline("s1", nil)
	tl.Apply(UsageEvent{ThreadID: "th", TotalTokens: 750, ContextWindow: 1000, TsMs: 5})

	m := tl.Metrics()
	require.NotNil(t, m)
	assert.Equal(t, 25, m.ContextLeftPct)
	assert.Equal(t, int64(750), m.ContextUsedTokens)
	assert.Equal(t, "th", tl.ThreadID())
	assert.Empty(t, tl.Blocks(), "usage pings are suppressed from the timeline")
}

func TestSessionTimeline_NoticeIsStickyAndNonDestructive(t *testing.T) {
	tl := NewSessionTimeline("s1", nil)
	tl.ApplyLine(`{"method":"item/agentMessage/delta","params":{"itemId":"m1","delta":"kept"}}`, StreamOutput, 1)

	tl.SetNotice("reconnecting")
	assert.Equal(t, "reconnecting", tl.Notice())
	require.Len(t, tl.Blocks(), 1, "notice must not clear accumulated blocks")
	assert.Equal(t, "kept", tl.Blocks()[0].Body)

	tl.ClearNotice()
	assert.Empty(t, tl.Notice())
}

func TestSessionTimeline_ScenarioPromptThenAssistant(t *testing.T) {
	tl := NewSessionTimeline("A", nil)
	tl.ApplyLine(`{"type":"app.prompt","prompt":"Hello from A","_ts_ms":1}`, StreamOutput, 1)
	tl.ApplyLine(`{"method":"item/completed","params":{"item":{"id":"m1","type":"agentMessage","text":"Here is a TODO:\n- [ ] alpha task\n\nDone."}}}`, StreamOutput, 2)

	blocks := tl.Blocks()
	require.Len(t, blocks, 2)
	assert.Equal(t, KindStatus, blocks[0].Kind)
	assert.Equal(t, "Prompt", blocks[0].Title)
	assert.Equal(t, "Hello from A", blocks[0].Body)
	assert.Equal(t, KindAssistant, blocks[1].Kind)
	assert.Contains(t, blocks[1].Body, "alpha task")

	todos := tl.Todos()
	require.Len(t, todos, 1)
	assert.Equal(t, TodoItem{Text: "alpha task", Done: false}, todos[0])
}

func TestSessionTimeline_InterleavedSessionsStayIsolated(t *testing.T) {
	a := NewSessionTimeline("A", nil)
	b := NewSessionTimeline("B", nil)

	a.ApplyLine(`{"method":"item/agentMessage/delta","params":{"itemId":"m","delta":"a-one "}}`, StreamOutput, 1)
	b.ApplyLine(`{"method":"item/agentMessage/delta","params":{"itemId":"m","delta":"b-only"}}`, StreamOutput, 2)
	a.ApplyLine(`{"method":"item/agentMessage/delta","params":{"itemId":"m","delta":"a-two"}}`, StreamOutput, 3)

	require.Len(t, a.Blocks(), 1)
	require.Len(t, b.Blocks(), 1)
	assert.Equal(t, "a-one a-two", a.Blocks()[0].Body)
	assert.Equal(t, "b-only", b.Blocks()[0].Body)
}

func TestSessionTimeline_StderrLinesShareOneBlock(t *testing.T) {
	tl := NewSessionTimeline("s1", nil)
	tl.ApplyLine("warn: one", StreamError, 1)
	tl.ApplyLine("warn: two", StreamError, 2)
	tl.ApplyLine("warn: three", StreamError, 3)

	blocks := tl.Blocks()
	require.Len(t, blocks, 1)
	assert.Equal(t, "stderr", blocks[0].Key)
	assert.Equal(t, "warn: one\nwarn: two\nwarn: three", blocks[0].Body)
}

// timelineRecorder records timeline events for test verification.
type timelineRecorder struct {
	events []TimelineEvent
}

func (r *timelineRecorder) OnTimelineEvent(event TimelineEvent) {
	r.events = append(r.events, event)
}

func TestSessionTimeline_ObserverNotified(t *testing.T) {
	tl := NewSessionTimeline("s1", nil)
	rec := &timelineRecorder{}
	tl.AddObserver(rec)

	tl.Apply(PromptEvent{Text: "hi"})
	tl.SetPlan(PlanState{TimestampMs: 1})
	tl.Apply(UsageEvent{TotalTokens: 1, ContextWindow: 10})
	tl.SetStatus(RunRunning)
	tl.SetNotice("x")

	var hasBlocks, hasPlan, hasMetrics, hasStatus, hasNotice bool
	for _, e := range rec.events {
		switch e.(type) {
		case BlocksUpdated:
			hasBlocks = true
		case PlanUpdated:
			hasPlan = true
		case MetricsUpdated:
			hasMetrics = true
		case StatusChanged:
			hasStatus = true
		case NoticeChanged:
			hasNotice = true
		}
	}
	assert.True(t, hasBlocks)
	assert.True(t, hasPlan)
	assert.True(t, hasMetrics)
	assert.True(t, hasStatus)
	assert.True(t, hasNotice)
}

func TestSessionTimeline_StatusChangeOnlyNotifiesOnTransition(t *testing.T) {
	tl := NewSessionTimeline("s1", nil)
	rec := &timelineRecorder{}
	tl.AddObserver(rec)

	tl.SetStatus(RunRunning)
	tl.SetStatus(RunRunning)
	tl.SetStatus(RunDone)

	count := 0
	for _, e := range rec.events {
		if _, ok := e.(StatusChanged); ok {
			count++
		}
	}
	assert.Equal(t, 2, count)
}

func TestPctLeft_Rounding(t *testing.T) {
	assert.Equal(t, 25, PctLeft(750, 1000))
	assert.Equal(t, 100, PctLeft(0, 1000))
	assert.Equal(t, 0, PctLeft(2000, 1000), "overuse clamps at zero remaining")
	// Half-window rounding: 333 used of 1000 leaves 667 → 67%.
	assert.Equal(t, 67, PctLeft(333, 1000))
}

package mux

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codexwarp/warpview/timeline"
)

type fakeHistory struct {
	mu          sync.Mutex
	events      map[string][]string
	stderr      map[string][]string
	conclusions map[string]string
	eventsErr   error

	// When blockEvents is non-nil, EventLines signals eventsStarted and
	// waits for the channel to close before returning.
	blockEvents   chan struct{}
	eventsStarted chan struct{}
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{
		events:      make(map[string][]string),
		stderr:      make(map[string][]string),
		conclusions: make(map[string]string),
	}
}

func (h *fakeHistory) EventLines(sessionID string, tail int) ([]string, error) {
	h.mu.Lock()
	block := h.blockEvents
	started := h.eventsStarted
	lines := h.events[sessionID]
	err := h.eventsErr
	h.mu.Unlock()
	if block != nil {
		if started != nil {
			close(started)
		}
		<-block
	}
	return lines, err
}

func (h *fakeHistory) StderrLines(sessionID string) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stderr[sessionID], nil
}

func (h *fakeHistory) Conclusion(sessionID string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conclusions[sessionID], nil
}

type fakeDialer struct {
	mu      sync.Mutex
	dials   []string
	cancels []int
	frames  chan Frame
	dialErr error
}

func (d *fakeDialer) Dial(ctx context.Context, sessionID string) (<-chan Frame, func(), error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return nil, nil, d.dialErr
	}
	idx := len(d.dials)
	d.dials = append(d.dials, sessionID)
	d.frames = make(chan Frame, 16)
	frames := d.frames
	return frames, func() {
		d.mu.Lock()
		d.cancels = append(d.cancels, idx)
		d.mu.Unlock()
	}, nil
}

func agentLine(id, text string) string {
	return `{"type":"item.completed","item":{"id":"` + id + `","type":"agent_message","text":"` + text + `"}}`
}

func blockBodies(tl *timeline.SessionTimeline) []string {
	var out []string
	for _, b := range tl.Blocks() {
		out = append(out, b.Body)
	}
	return out
}

func TestActivateReplaysHistory(t *testing.T) {
	history := newFakeHistory()
	history.events["s1"] = []string{agentLine("i1", "from history")}
	history.stderr["s1"] = []string{"warn: something"}
	history.conclusions["s1"] = "all done"

	m := NewInProcess(history, NewBroadcaster())
	tl, err := m.Activate(context.Background(), "s1")
	require.NoError(t, err)

	bodies := blockBodies(tl)
	require.Len(t, bodies, 2)
	assert.Equal(t, "from history", bodies[0])
	assert.Equal(t, "warn: something", bodies[1])
	assert.Equal(t, "all done", tl.Conclusion())
	assert.Empty(t, tl.Notice())

	// Re-activation in in-process mode returns the same projection.
	again, err := m.Activate(context.Background(), "s1")
	require.NoError(t, err)
	assert.Same(t, tl, again)
}

func TestActivateHistoryFailureSetsNotice(t *testing.T) {
	history := newFakeHistory()
	history.eventsErr = errors.New("disk gone")

	m := NewInProcess(history, NewBroadcaster())
	tl, err := m.Activate(context.Background(), "s1")
	require.NoError(t, err)
	assert.Contains(t, tl.Notice(), "disk gone")
	assert.Empty(t, tl.Blocks())
}

func TestDispatchDuringReplayIsBufferedThenFlushed(t *testing.T) {
	history := newFakeHistory()
	history.events["s1"] = []string{agentLine("i1", "from history")}
	history.blockEvents = make(chan struct{})
	history.eventsStarted = make(chan struct{})

	m := NewInProcess(history, NewBroadcaster())

	done := make(chan *timeline.SessionTimeline, 1)
	go func() {
		tl, err := m.Activate(context.Background(), "s1")
		require.NoError(t, err)
		done <- tl
	}()

	<-history.eventsStarted
	// The fold is in flight: this frame must land after the history, not
	// before and not nowhere.
	m.Dispatch(EventFrame("s1", 100, timeline.StreamOutput, agentLine("i2", "from live")))
	close(history.blockEvents)

	tl := <-done
	bodies := blockBodies(tl)
	require.Len(t, bodies, 2)
	assert.Equal(t, []string{"from history", "from live"}, bodies)
}

func TestDispatchRoutesBySession(t *testing.T) {
	history := newFakeHistory()
	m := NewInProcess(history, NewBroadcaster())

	a, err := m.Activate(context.Background(), "a")
	require.NoError(t, err)
	b, err := m.Activate(context.Background(), "b")
	require.NoError(t, err)

	m.Dispatch(EventFrame("a", 1, timeline.StreamOutput, agentLine("i1", "for a")))
	m.Dispatch(EventFrame("b", 2, timeline.StreamOutput, agentLine("i2", "for b")))
	m.Dispatch(EventFrame("c", 3, timeline.StreamOutput, agentLine("i3", "untracked")))

	assert.Equal(t, []string{"for a"}, blockBodies(a))
	assert.Equal(t, []string{"for b"}, blockBodies(b))
	assert.Nil(t, m.Timeline("c"))
}

func TestMetricsFrameUpdatesTimeline(t *testing.T) {
	m := NewInProcess(newFakeHistory(), NewBroadcaster())
	tl, err := m.Activate(context.Background(), "s1")
	require.NoError(t, err)

	m.Dispatch(Frame{Kind: FrameMetrics, Metrics: &MetricsFrame{
		SessionID:         "s1",
		TsMs:              50,
		ContextLeftPct:    73,
		ContextUsedTokens: 27000,
		ContextWindow:     100000,
	}})

	got := tl.Metrics()
	require.NotNil(t, got)
	assert.Equal(t, 73, got.ContextLeftPct)
	assert.Equal(t, int64(100000), got.ContextWindow)
}

func TestFinishedFrameSetsStatusAndConclusion(t *testing.T) {
	history := newFakeHistory()
	m := NewInProcess(history, NewBroadcaster())
	tl, err := m.Activate(context.Background(), "s1")
	require.NoError(t, err)

	var finished []string
	m.SetOnFinished(func(sessionID string) { finished = append(finished, sessionID) })

	history.mu.Lock()
	history.conclusions["s1"] = "the final answer"
	history.mu.Unlock()

	m.Dispatch(Frame{Kind: FrameFinished, Finished: &FinishedFrame{SessionID: "s1", TsMs: 99, Success: true}})
	assert.Equal(t, timeline.RunDone, tl.Status())
	assert.Equal(t, "the final answer", tl.Conclusion())
	assert.Equal(t, []string{"s1"}, finished)

	m.Dispatch(Frame{Kind: FrameFinished, Finished: &FinishedFrame{SessionID: "s1", TsMs: 100, Success: false}})
	assert.Equal(t, timeline.RunError, tl.Status())
}

func TestRemoteActivateSwitchesStream(t *testing.T) {
	history := newFakeHistory()
	dialer := &fakeDialer{}
	m := NewRemote(history, dialer)
	defer m.Close()

	_, err := m.Activate(context.Background(), "a")
	require.NoError(t, err)
	_, err = m.Activate(context.Background(), "b")
	require.NoError(t, err)

	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	assert.Equal(t, []string{"a", "b"}, dialer.dials)
	// Switching to b closed a's stream.
	assert.Equal(t, []int{0}, dialer.cancels)
}

func TestRemoteStreamCloseSetsNotice(t *testing.T) {
	history := newFakeHistory()
	dialer := &fakeDialer{}
	m := NewRemote(history, dialer)
	defer m.Close()

	tl, err := m.Activate(context.Background(), "a")
	require.NoError(t, err)
	require.Empty(t, tl.Notice())

	dialer.mu.Lock()
	close(dialer.frames)
	dialer.mu.Unlock()

	require.Eventually(t, func() bool {
		return tl.Notice() != ""
	}, time.Second, 10*time.Millisecond)
	assert.Contains(t, tl.Notice(), "reconnecting")
}

func TestRemoteDialFailureSetsNotice(t *testing.T) {
	history := newFakeHistory()
	dialer := &fakeDialer{dialErr: errors.New("connection refused")}
	m := NewRemote(history, dialer)

	tl, err := m.Activate(context.Background(), "a")
	require.NoError(t, err)
	assert.Contains(t, tl.Notice(), "connection refused")
}

func TestRemoteStreamFramesReachTimeline(t *testing.T) {
	history := newFakeHistory()
	dialer := &fakeDialer{}
	m := NewRemote(history, dialer)
	defer m.Close()

	tl, err := m.Activate(context.Background(), "a")
	require.NoError(t, err)

	dialer.mu.Lock()
	dialer.frames <- EventFrame("a", 10, timeline.StreamOutput, agentLine("i1", "pushed"))
	dialer.mu.Unlock()

	require.Eventually(t, func() bool {
		return len(tl.Blocks()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "pushed", tl.Blocks()[0].Body)
}

func TestRemoteBacklogMarkerFiresCallback(t *testing.T) {
	history := newFakeHistory()
	dialer := &fakeDialer{}
	m := NewRemote(history, dialer)
	defer m.Close()

	done := make(chan string, 1)
	m.SetOnBacklogDone(func(sessionID string) { done <- sessionID })

	_, err := m.Activate(context.Background(), "a")
	require.NoError(t, err)

	dialer.mu.Lock()
	dialer.frames <- Frame{Kind: FrameBacklogDone, BacklogDone: &BacklogDoneFrame{SessionID: "a", TsMs: 5}}
	dialer.mu.Unlock()

	select {
	case id := <-done:
		assert.Equal(t, "a", id)
	case <-time.After(time.Second):
		t.Fatal("backlog marker never surfaced")
	}
}

func TestRemoveForgetsSession(t *testing.T) {
	m := NewInProcess(newFakeHistory(), NewBroadcaster())
	_, err := m.Activate(context.Background(), "s1")
	require.NoError(t, err)
	m.Remove("s1")
	assert.Nil(t, m.Timeline("s1"))
}

func TestRunPumpsBroadcastFrames(t *testing.T) {
	history := newFakeHistory()
	feed := NewBroadcaster()
	m := NewInProcess(history, feed)

	tl, err := m.Activate(context.Background(), "s1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.Run(ctx)
	}()

	// Let Run subscribe before publishing.
	require.Eventually(t, func() bool {
		feed.Publish(EventFrame("s1", 5, timeline.StreamOutput, agentLine("i1", "broadcast")))
		return len(tl.Blocks()) > 0
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "broadcast", tl.Blocks()[0].Body)

	cancel()
	wg.Wait()
}

func TestElapsedTickerFollowsStatus(t *testing.T) {
	m := NewInProcess(newFakeHistory(), NewBroadcaster())
	tl, err := m.Activate(context.Background(), "s1")
	require.NoError(t, err)

	var mu sync.Mutex
	ticks := 0
	m.SetOnTick(func(string, time.Duration) {
		mu.Lock()
		ticks++
		mu.Unlock()
	})

	tl.SetStatus(timeline.RunRunning)
	tl.SetStatus(timeline.RunDone)
	// The ticker fires at one-second granularity; stopping right away
	// must leave the callback unfired and must not hang or panic.
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Zero(t, ticks)
	mu.Unlock()
}

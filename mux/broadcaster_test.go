package mux

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codexwarp/warpview/timeline"
)

func testFrame(sessionID string, ts int64) Frame {
	return EventFrame(sessionID, ts, timeline.StreamOutput, "line")
}

func TestBroadcasterFanOut(t *testing.T) {
	b := NewBroadcaster()
	_, ch1 := b.Subscribe(4)
	_, ch2 := b.Subscribe(4)

	b.Publish(testFrame("s1", 1))

	f1 := <-ch1
	f2 := <-ch2
	assert.Equal(t, "s1", f1.SessionID())
	assert.Equal(t, "s1", f2.SessionID())
}

func TestBroadcasterDropsOldestWhenFull(t *testing.T) {
	b := NewBroadcaster()
	_, ch := b.Subscribe(2)

	b.Publish(testFrame("s1", 1))
	b.Publish(testFrame("s1", 2))
	b.Publish(testFrame("s1", 3))

	f := <-ch
	require.NotNil(t, f.Event)
	assert.Equal(t, int64(2), f.Event.TsMs)
	f = <-ch
	assert.Equal(t, int64(3), f.Event.TsMs)
}

func TestBroadcasterUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster()
	id, ch := b.Subscribe(1)
	b.Unsubscribe(id)
	_, ok := <-ch
	assert.False(t, ok)

	// Publishing after unsubscribe must not panic.
	b.Publish(testFrame("s1", 1))
}

func TestBroadcasterRunPumpsSource(t *testing.T) {
	b := NewBroadcaster()
	_, ch := b.Subscribe(4)

	source := make(chan Frame, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		b.Run(ctx, source)
		close(done)
	}()

	source <- testFrame("s1", 7)
	f := <-ch
	assert.Equal(t, "s1", f.SessionID())

	close(source)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after source close")
	}
	_, ok := <-ch
	assert.False(t, ok, "subscriber channel should close when Run exits")
}

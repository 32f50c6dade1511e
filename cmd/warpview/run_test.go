package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codexwarp/warpview/mux"
	"github.com/codexwarp/warpview/runner"
	"github.com/codexwarp/warpview/store"
	"github.com/codexwarp/warpview/timeline"
)

func writeFakeAgent(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestRunTurnFastExitLandsOnDone(t *testing.T) {
	st, err := store.NewStore(t.TempDir())
	require.NoError(t, err)
	meta, err := st.CreateSession("quick", "")
	require.NoError(t, err)

	// Exits immediately: the finished frame can beat the caller back from
	// Start, and the final status must still be done, not running.
	script := writeFakeAgent(t, `
echo '{"type":"item.completed","item":{"id":"i1","type":"agent_message","text":"done fast"}}'
exit 0
`)
	feed := mux.NewBroadcaster()
	run := runner.New(st, feed, script)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tl, err := runTurn(ctx, st, feed, run, meta.ID, "quick", "")
	require.NoError(t, err)
	assert.Equal(t, timeline.RunDone, tl.Status())
	assert.Equal(t, "done fast", tl.Conclusion())
}

func TestRunTurnFailedRunReportsError(t *testing.T) {
	st, err := store.NewStore(t.TempDir())
	require.NoError(t, err)
	meta, err := st.CreateSession("boom", "")
	require.NoError(t, err)

	script := writeFakeAgent(t, "exit 2\n")
	feed := mux.NewBroadcaster()
	run := runner.New(st, feed, script)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tl, err := runTurn(ctx, st, feed, run, meta.ID, "boom", "")
	require.NoError(t, err)
	assert.Equal(t, timeline.RunError, tl.Status())
}

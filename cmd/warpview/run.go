package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/codexwarp/warpview/mux"
	"github.com/codexwarp/warpview/runner"
	"github.com/codexwarp/warpview/store"
	"github.com/codexwarp/warpview/timeline"
)

var (
	runCwd     string
	runSession string
)

var runCmd = &cobra.Command{
	Use:   "run <prompt>",
	Short: "Run one agent turn and print the reduced timeline",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt := strings.Join(args, " ")

		st, err := store.NewStore(cfg.DataDir)
		if err != nil {
			return err
		}
		feed := mux.NewBroadcaster()
		run := runner.New(st, feed, cfg.AgentPath)

		sessionID := runSession
		if sessionID == "" {
			meta, err := st.CreateSession(prompt, runCwd)
			if err != nil {
				return err
			}
			sessionID = meta.ID
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		tl, err := runTurn(ctx, st, feed, run, sessionID, prompt, runCwd)
		if err != nil {
			return err
		}

		var sb strings.Builder
		renderBlocks(&sb, tl.Blocks())
		renderPlan(&sb, tl.Plan())
		renderTodos(&sb, tl.Todos())
		renderMetrics(&sb, tl.Metrics())
		renderConclusion(&sb, tl.Conclusion())
		fmt.Print(sb.String())

		if tl.Status() == timeline.RunError {
			return fmt.Errorf("run failed (session %s)", sessionID)
		}
		return nil
	},
}

// runTurn drives one agent turn to completion: activate the session's
// timeline, mark it running, spawn the agent, and wait for the finished
// frame. Cancelling ctx stops the run cooperatively and still waits.
func runTurn(ctx context.Context, st *store.Store, feed *mux.Broadcaster, run *runner.Runner, sessionID, prompt, cwd string) (*timeline.SessionTimeline, error) {
	m := mux.NewInProcess(st, feed)
	defer m.Close()
	go m.Run(ctx)

	tl, err := m.Activate(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	finished := make(chan struct{})
	tl.AddObserver(statusObserver{done: finished})

	// Running is set before the spawn: a run fast enough to finish before
	// control returns here must not have done overwritten back to running.
	tl.SetStatus(timeline.RunRunning)

	// Background context: interruption goes through run.Stop so the
	// agent gets SIGINT and a grace period, not an immediate kill.
	if _, err := run.Start(context.Background(), sessionID, prompt, cwd); err != nil {
		tl.SetStatus(timeline.RunError)
		return nil, err
	}

	select {
	case <-finished:
	case <-ctx.Done():
		run.Stop(sessionID)
		<-finished
	}
	return tl, nil
}

// statusObserver signals once the timeline leaves the running state.
type statusObserver struct {
	done chan struct{}
}

func (o statusObserver) OnTimelineEvent(event timeline.TimelineEvent) {
	sc, ok := event.(timeline.StatusChanged)
	if !ok {
		return
	}
	if sc.New == timeline.RunDone || sc.New == timeline.RunError {
		select {
		case <-o.done:
		default:
			close(o.done)
		}
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runCwd, "cwd", "", "Working directory for the agent")
	runCmd.Flags().StringVar(&runSession, "session", "", "Continue an existing session instead of creating one")
}

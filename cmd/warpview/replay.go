package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/codexwarp/warpview/mux"
	"github.com/codexwarp/warpview/remote"
	"github.com/codexwarp/warpview/store"
	"github.com/codexwarp/warpview/timeline"
)

var (
	replayTail   int
	replayRemote string
)

var replayCmd = &cobra.Command{
	Use:   "replay <session-id>",
	Short: "Fold a stored session into its block timeline and print it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID := args[0]
		ctx := context.Background()

		var tl *timeline.SessionTimeline
		if replayRemote != "" {
			client := remote.NewClient(replayRemote)
			if replayTail > 0 {
				client.SetTail(replayTail)
			}
			m := mux.NewRemote(client, client)
			defer m.Close()

			// The backlog arrives through the stream; the server marks its
			// end, so wait for the marker rather than guessing from idleness.
			backlogDone := make(chan struct{})
			m.SetOnBacklogDone(func(id string) {
				if id == sessionID {
					select {
					case <-backlogDone:
					default:
						close(backlogDone)
					}
				}
			})

			var err error
			tl, err = m.Activate(ctx, sessionID)
			if err != nil {
				return err
			}
			select {
			case <-backlogDone:
			case <-time.After(10 * time.Second):
			}
		} else {
			st, err := store.NewStore(cfg.DataDir)
			if err != nil {
				return err
			}
			history := &localHistory{store: st, agentHome: cfg.AgentHome, tail: replayTail}
			m := mux.NewInProcess(history, mux.NewBroadcaster())
			defer m.Close()
			tl, err = m.Activate(ctx, sessionID)
			if err != nil {
				return err
			}
		}

		if notice := tl.Notice(); notice != "" && len(tl.Blocks()) == 0 {
			return fmt.Errorf("%s", notice)
		}

		var sb strings.Builder
		renderBlocks(&sb, tl.Blocks())
		renderPlan(&sb, tl.Plan())
		renderTodos(&sb, tl.Todos())
		renderMetrics(&sb, tl.Metrics())
		renderConclusion(&sb, tl.Conclusion())
		fmt.Print(sb.String())
		return nil
	},
}

// localHistory serves replay lines from the managed store, falling back to
// native agent transcripts for sessions the store does not know.
type localHistory struct {
	store     *store.Store
	agentHome string
	tail      int
}

func (h *localHistory) EventLines(sessionID string, tail int) ([]string, error) {
	if tail <= 0 {
		tail = h.tail
	}
	if _, err := h.store.ReadMeta(sessionID); err == nil {
		return h.store.EventLines(sessionID, tail)
	}
	natives, err := store.ScanNativeSessions(h.agentHome)
	if err != nil {
		return nil, err
	}
	for _, ns := range natives {
		if ns.ID == sessionID {
			return store.NativeEventLines(ns, tail)
		}
	}
	return nil, fmt.Errorf("session not found: %s", sessionID)
}

func (h *localHistory) StderrLines(sessionID string) ([]string, error) {
	if _, err := h.store.ReadMeta(sessionID); err != nil {
		return nil, nil // native sessions have no stderr log
	}
	return h.store.StderrLines(sessionID)
}

func (h *localHistory) Conclusion(sessionID string) (string, error) {
	return h.store.Conclusion(sessionID)
}

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().IntVar(&replayTail, "tail", 0, "Replay window in lines (default 4000)")
	replayCmd.Flags().StringVar(&replayRemote, "remote", "", "Replay through a remote server, e.g. http://127.0.0.1:8787")
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/codexwarp/warpview/remote"
	"github.com/codexwarp/warpview/store"
)

var (
	sessionsJSON   bool
	sessionsRemote string
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		sessions, err := loadSessions()
		if err != nil {
			return err
		}
		if sessionsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(sessions)
		}
		var sb strings.Builder
		renderSessions(&sb, sessions)
		fmt.Print(sb.String())
		return nil
	},
}

func loadSessions() ([]*store.SessionMeta, error) {
	if sessionsRemote != "" {
		return remote.NewClient(sessionsRemote).ListSessions(context.Background())
	}

	st, err := store.NewStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	sessions, err := st.ListSessions()
	if err != nil {
		return nil, err
	}

	if store.HasNativeHome(cfg.AgentHome) {
		natives, err := store.ScanNativeSessions(cfg.AgentHome)
		if err == nil {
			seen := make(map[string]bool, len(sessions))
			for _, m := range sessions {
				seen[m.ID] = true
			}
			for _, ns := range natives {
				if seen[ns.ID] {
					continue
				}
				sessions = append(sessions, &store.SessionMeta{
					ID:           ns.ID,
					Title:        ns.Title,
					Cwd:          ns.Cwd,
					LastUsedAtMs: ns.LastUsedAtMs,
					Status:       store.StatusDone,
				})
			}
			sort.Slice(sessions, func(i, j int) bool {
				return sessions[i].LastUsedAtMs > sessions[j].LastUsedAtMs
			})
		}
	}
	return sessions, nil
}

var renameCmd = &cobra.Command{
	Use:   "rename <session-id> <title>",
	Short: "Rename a session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if sessionsRemote != "" {
			_, err := remote.NewClient(sessionsRemote).Rename(context.Background(), args[0], args[1])
			return err
		}
		st, err := store.NewStore(cfg.DataDir)
		if err != nil {
			return err
		}
		_, err = st.Rename(args[0], args[1])
		return err
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <session-id>",
	Short: "Delete a session and its logs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if sessionsRemote != "" {
			return remote.NewClient(sessionsRemote).Delete(context.Background(), args[0])
		}
		st, err := store.NewStore(cfg.DataDir)
		if err != nil {
			return err
		}
		return st.DeleteSession(args[0])
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(renameCmd)
	sessionsCmd.AddCommand(rmCmd)
	sessionsCmd.PersistentFlags().BoolVar(&sessionsJSON, "json", false, "Output as JSON")
	sessionsCmd.PersistentFlags().StringVar(&sessionsRemote, "remote", "", "Operate on a remote server instead of the local store")
}

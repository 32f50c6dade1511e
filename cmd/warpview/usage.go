package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/codexwarp/warpview/remote"
	"github.com/codexwarp/warpview/store"
	"github.com/codexwarp/warpview/usage"
)

var (
	usageJSON   bool
	usageRemote string
	usageMax    int
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Roll up token usage by day",
	RunE: func(cmd *cobra.Command, args []string) error {
		var records []usage.Record
		var err error
		if usageRemote != "" {
			records, err = remote.NewClient(usageRemote).Usage(context.Background(), usageMax)
		} else {
			var st *store.Store
			st, err = store.NewStore(cfg.DataDir)
			if err == nil {
				records, err = st.ListUsageRecords(usageMax)
			}
		}
		if err != nil {
			return err
		}

		days := usage.Rollup(records)
		if usageJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(days)
		}
		var sb strings.Builder
		renderUsage(&sb, days)
		fmt.Print(sb.String())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(usageCmd)
	usageCmd.Flags().BoolVar(&usageJSON, "json", false, "Output as JSON")
	usageCmd.Flags().StringVar(&usageRemote, "remote", "", "Fetch records from a remote server")
	usageCmd.Flags().IntVar(&usageMax, "max-records", 0, "Max records to read (default 5000)")
}

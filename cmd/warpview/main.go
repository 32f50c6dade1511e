// Command warpview runs and renders agent CLI sessions: it supervises
// `exec --json` runs, persists their transcripts, folds them into block
// timelines, and serves the whole thing over HTTP for remote viewers.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/codexwarp/warpview/config"
	"github.com/codexwarp/warpview/logging"
)

var (
	configPath string
	dataDir    string
	agentPath  string
	agentHome  string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "warpview",
	Short: "Run and render agent transcript sessions",
	Long: `Warpview supervises agent CLI runs, persists their event streams,
and reduces them into readable block timelines. It can run turns locally,
replay stored or native sessions, serve a remote API, and roll up token
usage.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if dataDir != "" {
			cfg.DataDir = dataDir
		}
		if agentPath != "" {
			cfg.AgentPath = agentPath
		}
		if agentHome != "" {
			cfg.AgentHome = agentHome
		}
		logging.Init(cfg.LogEnv, cfg.LogLevel)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "Config file path")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (default ~/.warpview)")
	rootCmd.PersistentFlags().StringVar(&agentPath, "agent", "", "Agent executable path (default: auto-detect)")
	rootCmd.PersistentFlags().StringVar(&agentHome, "agent-home", "", "Agent CLI home for native transcripts (default ~/.codex)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/codexwarp/warpview/logging"
	"github.com/codexwarp/warpview/mux"
	"github.com/codexwarp/warpview/remote"
	"github.com/codexwarp/warpview/runner"
	"github.com/codexwarp/warpview/store"
)

var serveBind string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the session API and push streams",
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveBind != "" {
			cfg.Bind = serveBind
		}
		if cfg.LogEnv != "development" {
			gin.SetMode(gin.ReleaseMode)
		}

		st, err := store.NewStore(cfg.DataDir)
		if err != nil {
			return err
		}
		feed := mux.NewBroadcaster()
		run := runner.New(st, feed, cfg.AgentPath)
		srv := remote.NewServer(st, run, feed, cfg.AgentHome)

		httpSrv := &http.Server{
			Addr:    cfg.Bind,
			Handler: srv.Router(),
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			logging.Logger().Info("listening", "addr", cfg.Bind, "data_dir", cfg.DataDir)
			errCh <- httpSrv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
		}

		logging.Logger().Info("shutting down")
		run.StopAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveBind, "bind", "", "Listen address (default from config)")
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tuner/internal/api"
	"tuner/internal/config"
	"tuner/internal/executor"
	"tuner/internal/history"
	"tuner/internal/logger"
	"tuner/internal/pipeline"
	"tuner/internal/state"
	"tuner/internal/supervisor"
)

const shutdownTimeout = 10 * time.Second

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the supervisor and its HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := config.Load()
		if err != nil {
			return err
		}
		if serveAddr != "" {
			settings.Addr = serveAddr
		}
		if err := logger.Init(settings.AppLog, os.Stderr); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store, err := state.Open(ctx, settings.StateOptions())
		if err != nil {
			return err
		}
		defer store.Close()

		opts := supervisor.Options{
			Runner:        executor.NewRunner(settings.Root),
			Store:         store,
			Builder:       pipeline.NewBuilder(settings.Python, settings.Store),
			LogPath:       settings.LogFile,
			LogCapacity:   settings.LogCapacity,
			BackfillLines: settings.BackfillLines,
			PollInterval:  settings.PollInterval,
			StopGrace:     settings.StopGrace,
		}
		var lister api.HistoryLister
		hist, err := history.Open(ctx, settings.DB)
		if err != nil {
			logger.Log.Printf("[Serve] Run history disabled: %v", err)
		} else {
			defer hist.Close()
			opts.History = hist
			lister = hist
		}

		sup, err := supervisor.New(opts)
		if err != nil {
			return err
		}
		if err := sup.Recover(ctx); err != nil {
			return fmt.Errorf("recover: %w", err)
		}
		snap := sup.Status()
		logger.Log.Printf("[Serve] Recovered state: %s", snap.Status)

		srv := &http.Server{
			Addr:              settings.Addr,
			Handler:           api.New(sup, lister, settings.ApplyHubDefaults).Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() {
			logger.Log.Printf("[Serve] Listening on %s", settings.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			if err != nil {
				return abortServe(sup, err)
			}
		case <-ctx.Done():
			logger.Log.Println("[Serve] Shutting down")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Log.Printf("[Serve] HTTP shutdown: %v", err)
		}
		// Step processes keep running; the next serve re-attaches to them.
		return sup.Close(shutdownCtx)
	},
}

type supervisorCloser interface {
	Close(ctx context.Context) error
}

// abortServe closes the supervisor after the listener failed and reports
// both errors.
func abortServe(sup supervisorCloser, serveErr error) error {
	err := fmt.Errorf("http server: %w", serveErr)
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if cerr := sup.Close(ctx); cerr != nil {
		logger.Log.Printf("[Serve] close supervisor: %v", cerr)
		return errors.Join(err, fmt.Errorf("close supervisor: %w", cerr))
	}
	return err
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default $TUNER_ADDR or :8000)")
}

package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"tuner/internal/client"
	"tuner/internal/config"
)

var serverURL string

var rootCmd = &cobra.Command{
	Use:   "tuner",
	Short: "Crash-safe fine-tuning pipeline orchestrator",
	Long: `tuner runs a LoRA fine-tuning pipeline (train, merge, convert, upload) as a
sequence of external processes. The serve command hosts the supervisor and its
HTTP API; the other commands talk to a running server.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "base URL of the tuner server (default $TUNER_SERVER)")
	rootCmd.AddCommand(serveCmd, startCmd, stopCmd, statusCmd, historyCmd, planCmd, modelsCmd, consoleCmd)
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newClient() (*client.Client, error) {
	if serverURL != "" {
		return client.New(serverURL), nil
	}
	settings, err := config.Load()
	if err != nil {
		return nil, err
	}
	return client.New(settings.Server), nil
}

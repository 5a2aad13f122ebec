package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"tuner/internal/client"
	"tuner/internal/display"
	"tuner/internal/listener"
	"tuner/internal/pipeline"
	"tuner/internal/supervisor"
)

const consoleHelp = `Commands:
  start <config.yaml>   start a pipeline
  stop                  stop the running pipeline
  status                show the current status
  logs [n]              show the last n log lines (default 50)
  history               list recent runs
  exit                  leave the console (the pipeline keeps running)`

var watchInterval = time.Second

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive console that follows the pipeline output",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := listener.Init("tuner> "); err != nil {
			return fmt.Errorf("init terminal input: %w", err)
		}
		defer listener.Close()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		go watch(ctx, c)

		listener.AsyncPrintln("Connected to " + c.BaseURL + ". Type 'help' for commands.")
		for {
			line, err := listener.GetInput()
			if errors.Is(err, listener.ErrExit) {
				fmt.Println("Goodbye!")
				return nil
			}
			if err != nil {
				return err
			}
			if line == "" {
				continue
			}
			if line == "exit" || line == "quit" {
				fmt.Println("Goodbye!")
				return nil
			}
			if msg := runConsoleCommand(ctx, c, line); msg != "" {
				listener.AsyncPrintln(msg)
			}
		}
	},
}

func runConsoleCommand(ctx context.Context, c *client.Client, line string) string {
	fields := strings.Fields(line)
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	switch fields[0] {
	case "help":
		return consoleHelp
	case "start":
		if len(fields) != 2 {
			return "usage: start <config.yaml>"
		}
		cfg, err := pipeline.LoadConfigFile(fields[1])
		if err != nil {
			return err.Error()
		}
		runID, err := c.Start(ctx, cfg)
		if err != nil {
			return err.Error()
		}
		return fmt.Sprintf("[Run %s STARTED]", runID)
	case "stop":
		if !listener.AskYesNo("Stop the running pipeline?") {
			return "Cancelled."
		}
		if err := c.Stop(ctx); err != nil {
			return err.Error()
		}
		return "Stop requested."
	case "status":
		snap, err := c.Status(ctx)
		if err != nil {
			return err.Error()
		}
		return display.FormatStatus(snap, 0)
	case "logs":
		n := 50
		if len(fields) > 1 {
			v, err := strconv.Atoi(fields[1])
			if err != nil || v < 0 {
				return "usage: logs [n]"
			}
			n = v
		}
		snap, err := c.Status(ctx)
		if err != nil {
			return err.Error()
		}
		logs := snap.Logs
		if len(logs) > n {
			logs = logs[len(logs)-n:]
		}
		return strings.Join(logs, "\n")
	case "history":
		runs, err := c.History(ctx, 10)
		if err != nil {
			return err.Error()
		}
		return display.FormatHistory(runs)
	}
	return fmt.Sprintf("unknown command %q, type 'help'", fields[0])
}

// watch prints new log lines and status changes as they appear on the server.
func watch(ctx context.Context, c *client.Client) {
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	var (
		seen      = -1
		runID     string
		status    supervisor.Status
		reachable = true
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		snap, err := c.Status(reqCtx)
		cancel()
		if err != nil {
			if reachable && ctx.Err() == nil {
				listener.AsyncPrintln(fmt.Sprintf("[Server unreachable] %v", err))
			}
			reachable = false
			continue
		}
		reachable = true

		if snap.RunID != runID {
			if seen >= 0 {
				seen = 0
			}
			runID = snap.RunID
		}
		if seen >= 0 {
			for _, l := range newLines(snap, seen) {
				listener.AsyncPrintln(l)
			}
		}
		seen = snap.LogTotal

		if snap.Status != status && status != "" && snap.Status.Terminal() {
			msg := fmt.Sprintf("[Pipeline %s]", strings.ToUpper(string(snap.Status)))
			if snap.Error != "" {
				msg += " " + snap.Error
			}
			listener.AsyncPrintln(msg)
			if snap.Metrics != nil {
				listener.AsyncPrintln(display.FormatRunMetrics(snap.Metrics))
			}
		}
		status = snap.Status
	}
}

// newLines returns the lines appended since the buffer had seen lines in
// total. Lines already evicted from the buffer are skipped.
func newLines(snap supervisor.Snapshot, seen int) []string {
	n := snap.LogTotal - seen
	if n <= 0 {
		return nil
	}
	if n > len(snap.Logs) {
		n = len(snap.Logs)
	}
	return snap.Logs[len(snap.Logs)-n:]
}

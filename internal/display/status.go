package display

import (
	"fmt"
	"strings"

	"tuner/internal/history"
	"tuner/internal/supervisor"
)

// FormatStatus renders a snapshot with at most logLines trailing log lines
// (all of them when logLines < 0).
func FormatStatus(snap supervisor.Snapshot, logLines int) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Status: %s", snap.Status))
	if snap.RunID != "" {
		sb.WriteString(fmt.Sprintf("  (run %s)", shortID(snap.RunID)))
	}
	sb.WriteString("\n")

	for i, name := range snap.Steps {
		marker := "[ ]"
		switch {
		case snap.CurrentStepIndex != nil && i < *snap.CurrentStepIndex:
			marker = "[x]"
		case snap.CurrentStepIndex != nil && i == *snap.CurrentStepIndex:
			marker = "[>]"
		case snap.Status == supervisor.StatusCompleted:
			marker = "[x]"
		}
		sb.WriteString(fmt.Sprintf("  %s %d/%d %s\n", marker, i+1, snap.TotalSteps, name))
	}
	if snap.CurrentTask != nil {
		line := fmt.Sprintf("Current task: %s", *snap.CurrentTask)
		if snap.PID != nil {
			line += fmt.Sprintf(" (PID %d)", *snap.PID)
		}
		sb.WriteString(line + "\n")
	}
	if snap.Error != "" {
		sb.WriteString(fmt.Sprintf("Error: %s\n", snap.Error))
	}

	logs := snap.Logs
	if logLines >= 0 && len(logs) > logLines {
		logs = logs[len(logs)-logLines:]
	}
	if len(logs) > 0 {
		sb.WriteString("Logs:\n")
		for _, l := range logs {
			sb.WriteString("  " + l + "\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func FormatHistory(runs []history.Run) string {
	if len(runs) == 0 {
		return "No runs recorded."
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%-8s  %-20s  %-10s  %10s  %s\n", "RUN", "STARTED", "STATUS", "DURATION", "STEPS"))
	for _, r := range runs {
		duration := "-"
		if !r.FinishedAt.IsZero() {
			duration = fmt.Sprintf("%d ms", r.DurationMs)
		}
		sb.WriteString(fmt.Sprintf("%-8s  %-20s  %-10s  %10s  %s\n",
			shortID(r.ID), r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Status, duration, strings.Join(r.Steps, " > ")))
		if r.Error != "" {
			sb.WriteString(fmt.Sprintf("          error: %s\n", formatValueForDisplay(r.Error)))
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

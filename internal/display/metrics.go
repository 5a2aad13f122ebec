package display

import (
	"fmt"
	"strings"

	"tuner/internal/metrics"
)

func FormatRunMetrics(rm *metrics.RunMetrics) string {
	if rm == nil {
		return "No metrics available."
	}
	var sb strings.Builder
	sb.WriteString("Execution metrics:\n")
	sb.WriteString(fmt.Sprintf("- Total: %d ms  (status=%s)\n", rm.DurationMs, rm.Status))
	for _, s := range rm.Steps {
		outcome := s.Outcome
		if outcome == "" {
			outcome = "running"
		}
		sb.WriteString(fmt.Sprintf("  - %-12s %-10s %8d ms  [%s]\n",
			s.Step, fmt.Sprintf("(pid %d)", s.Pid), s.DurationMs, outcome))
	}
	return sb.String()
}

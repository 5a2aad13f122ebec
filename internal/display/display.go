package display

import (
	"fmt"
	"strings"

	"tuner/internal/pipeline"
)

const maxArgLength = 100

// FormatPipeline renders a built pipeline for a dry run. Credentials are
// masked and long values are cut.
func FormatPipeline(steps []pipeline.Step) string {
	var sb strings.Builder
	sb.WriteString("Proposed pipeline:\n")
	sb.WriteString("--------------------------------------------------\n")
	for i, step := range steps {
		sb.WriteString(fmt.Sprintf("Step %d: %s\n", i+1, step.Name))
		args := step.RedactedArgs()
		if len(args) >= 3 && args[1] == "-m" {
			sb.WriteString(fmt.Sprintf("  Module: %s\n", args[2]))
			args = args[3:]
		} else if len(args) > 0 {
			sb.WriteString(fmt.Sprintf("  Program: %s\n", args[0]))
			args = args[1:]
		}
		for j := 0; j < len(args); j++ {
			flag := args[j]
			if strings.HasPrefix(flag, "--") && j+1 < len(args) && !strings.HasPrefix(args[j+1], "--") {
				sb.WriteString(fmt.Sprintf("    - %s: %s\n", flag, formatValueForDisplay(args[j+1])))
				j++
				continue
			}
			sb.WriteString(fmt.Sprintf("    - %s\n", formatValueForDisplay(flag)))
		}
	}
	sb.WriteString("--------------------------------------------------")
	return sb.String()
}

func formatValueForDisplay(value any) string {
	s := fmt.Sprintf("%v", value)
	s = strings.ReplaceAll(s, "\n", "\\n")

	if len(s) > maxArgLength {
		return s[:maxArgLength] + "..."
	}
	return s
}

package pipeline

import "fmt"

// ConfigurationError reports a config that cannot be turned into a pipeline.
// No process is ever spawned for it.
type ConfigurationError struct {
	Stage  string
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	switch {
	case e.Stage != "" && e.Field != "":
		return fmt.Sprintf("invalid configuration: stage %s: %s %s", e.Stage, e.Field, e.Reason)
	case e.Field != "":
		return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
	default:
		return "invalid configuration: " + e.Reason
	}
}

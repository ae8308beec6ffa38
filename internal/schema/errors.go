package schema

import "fmt"

// ConfigError reports a malformed or incomplete agent configuration.
// A config that fails with ConfigError must never be used to start a session.
type ConfigError struct {
	Section string // top-level section or sub-section, e.g. "flow" or "llm_settings"
	Field   string // missing or invalid field
	Stage   string // offending stage id, when the problem is inside a stage
	Reason  string
}

func (e *ConfigError) Error() string {
	loc := e.Field
	if e.Section != "" && e.Field != "" {
		loc = e.Section + "." + e.Field
	} else if e.Section != "" {
		loc = e.Section
	}
	reason := e.Reason
	if reason == "" {
		reason = "missing required field"
	}
	if e.Stage != "" {
		return fmt.Sprintf("config: stage %q: %s: %s", e.Stage, reason, loc)
	}
	return fmt.Sprintf("config: %s: %s", reason, loc)
}

func missing(section, field string) *ConfigError {
	return &ConfigError{Section: section, Field: field}
}

func invalid(section, field, reason string) *ConfigError {
	return &ConfigError{Section: section, Field: field, Reason: reason}
}

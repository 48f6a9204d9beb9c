package config

import (
	"fmt"
	"strings"
)

// PermissionError represents a permission-related config error
type PermissionError struct {
	Path    string
	Op      string // "read" or "write"
	Fix     string // Suggested fix command
	Details string // Additional context
}

func (e *PermissionError) Error() string {
	msg := fmt.Sprintf("permission denied (cannot %s config): %s\n", e.Op, e.Path)
	if e.Details != "" {
		msg += e.Details + "\n"
	}
	msg += "💡 Fix: " + e.Fix
	return msg
}

// ConfigNotFoundError represents missing config file
type ConfigNotFoundError struct {
	Path string
	Hint string
}

func (e *ConfigNotFoundError) Error() string {
	return fmt.Sprintf("config file not found: %s\n\n💡 %s", e.Path, e.Hint)
}

// InvalidConfigError represents a malformed or out-of-range config.
type InvalidConfigError struct {
	Path    string
	Message string
	// Problems lists every failed check when validation rejects values.
	Problems []string
	Hint     string
}

func (e *InvalidConfigError) Error() string {
	var b strings.Builder
	b.WriteString("invalid config")
	if e.Path != "" {
		b.WriteString(": " + e.Path)
	}
	b.WriteByte('\n')
	if e.Message != "" {
		b.WriteString(e.Message + "\n")
	}
	for _, p := range e.Problems {
		b.WriteString("  - " + p + "\n")
	}
	if e.Hint != "" {
		b.WriteString("💡 " + e.Hint)
	}
	return b.String()
}

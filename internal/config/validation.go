/*
Package config provides validation helpers for gateway configuration.

This file holds the range checks applied after loading and before saving,
and the self-reference check that keeps a stdio backend from pointing at the
gateway binary itself.
*/
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// IsSelfReference checks if a stdio service would spawn bi-gateway itself.
func IsSelfReference(svc ServiceConfig) bool {
	if svc.Command == "" {
		return false
	}
	binaryName := filepath.Base(os.Args[0])
	base := filepath.Base(svc.Command)
	if base == binaryName || base == "bi-gateway" {
		return true
	}

	if svc.Command == "go" {
		for _, arg := range svc.Args {
			if strings.Contains(arg, "cmd/bi-gateway") {
				return true
			}
		}
	}
	return false
}

// ValidateService checks one backend definition.
func ValidateService(name string, svc ServiceConfig) error {
	switch svc.Transport {
	case TransportHTTP:
		if svc.URL == "" {
			return fmt.Errorf("service '%s': http transport needs a url", name)
		}
		if !strings.HasPrefix(svc.URL, "http://") && !strings.HasPrefix(svc.URL, "https://") {
			return fmt.Errorf("service '%s': url must start with http:// or https://", name)
		}
	case TransportStdio:
		if svc.Command == "" {
			return fmt.Errorf("service '%s': stdio transport needs a command", name)
		}
		if IsSelfReference(svc) {
			return fmt.Errorf("service '%s': self-reference detected (bi-gateway cannot spawn itself)", name)
		}
	default:
		return fmt.Errorf("service '%s': unknown transport %q (want http or stdio)", name, svc.Transport)
	}
	return nil
}

// Validate rejects values the gateway cannot run with. Every problem is
// reported, not just the first.
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(c.Cache.TTL > 0, "cache.ttl must be positive")
	check(c.Cache.MaxEntries > 0, "cache.max_entries must be positive")

	check(c.Retry.MaxAttempts > 0, "retry.max_attempts must be at least 1")
	check(c.Retry.InitialDelay >= 0, "retry.initial_delay must not be negative")
	check(c.Retry.MaxDelay >= c.Retry.InitialDelay, "retry.max_delay must not be below retry.initial_delay")
	check(c.Retry.Multiplier >= 1, "retry.multiplier must be at least 1")
	check(c.Retry.Jitter >= 0 && c.Retry.Jitter <= 1, "retry.jitter must be between 0 and 1")

	check(c.Breaker.FailureThreshold > 0, "breaker.failure_threshold must be positive")
	check(c.Breaker.RecoveryTimeout > 0, "breaker.recovery_timeout must be positive")

	check(c.Pool.Size > 0, "pool.size must be positive")
	check(c.Pool.AcquireTimeout > 0, "pool.acquire_timeout must be positive")
	check(c.Pool.CallTimeout > 0, "pool.call_timeout must be positive")
	check(c.Pool.RateLimit >= 0, "pool.rate_limit must not be negative")

	check(c.Memory.MaxEntities >= 0, "memory.max_entities must not be negative")
	check(c.Memory.MaxTurns > 0, "memory.max_turns must be positive")
	check(c.Memory.FlushInterval > 0, "memory.flush_interval must be positive")

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	check(c.Log.Format == "text" || c.Log.Format == "json", "log.format %q is not text or json", c.Log.Format)
	check(c.Telemetry.Exporter == "none" || c.Telemetry.Exporter == "stdout", "telemetry.exporter %q is not none or stdout", c.Telemetry.Exporter)

	check(len(c.Services) > 0, "at least one service must be configured")
	for _, name := range c.ServiceNames() {
		if err := ValidateService(name, c.Services[name]); err != nil {
			problems = append(problems, err.Error())
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return &InvalidConfigError{
		Message:  fmt.Sprintf("%d problem(s) found", len(problems)),
		Problems: problems,
		Hint:     "Fix the values above in the config file or BIGW_* environment",
	}
}

/*
Package config loads bi-gateway configuration.

Values are layered with viper: built-in defaults, then an optional YAML or
JSON file, then environment variables prefixed with BIGW_ (dots become
underscores, so cache.ttl is BIGW_CACHE_TTL). The file is looked up from the
--config flag, BIGW_CONFIG_FILE, or ~/.bi-gateway.yaml in that order.

Example:

	cache:
	  ttl: 300s
	  redis_url: ""
	breaker:
	  failure_threshold: 5
	  recovery_timeout: 60s
	services:
	  crm:
	    transport: http
	    url: http://localhost:8001
	  issues:
	    transport: stdio
	    command: python
	    args: ["jira_server.py"]
*/
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/khanglvm/bi-gateway/internal/breaker"
	"github.com/khanglvm/bi-gateway/internal/retry"
)

// Transports a service can use.
const (
	TransportHTTP  = "http"
	TransportStdio = "stdio"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig             `mapstructure:"server"`
	Log       LogConfig                `mapstructure:"log"`
	Telemetry TelemetryConfig          `mapstructure:"telemetry"`
	Cache     CacheConfig              `mapstructure:"cache"`
	Retry     retry.Policy             `mapstructure:"retry"`
	Breaker   breaker.Config           `mapstructure:"breaker"`
	Pool      PoolConfig               `mapstructure:"pool"`
	Memory    MemoryConfig             `mapstructure:"memory"`
	Services  map[string]ServiceConfig `mapstructure:"services"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `mapstructure:"level"`
	// Format is text or json.
	Format string `mapstructure:"format"`
}

type TelemetryConfig struct {
	// Exporter is none or stdout.
	Exporter string `mapstructure:"exporter"`
}

type CacheConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	TTL        time.Duration `mapstructure:"ttl"`
	MaxEntries int           `mapstructure:"max_entries"`

	// RedisURL selects the shared Redis store instead of the in-process one.
	RedisURL string `mapstructure:"redis_url"`
}

type PoolConfig struct {
	Size           int           `mapstructure:"size"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
	// RateLimit is calls per second per service; 0 disables it.
	RateLimit float64 `mapstructure:"rate_limit"`
}

type MemoryConfig struct {
	Path          string        `mapstructure:"path"`
	MaxEntities   int           `mapstructure:"max_entities"`
	MaxTurns      int           `mapstructure:"max_turns"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// ServiceConfig describes how to reach one backend.
type ServiceConfig struct {
	// Transport is http or stdio.
	Transport string `mapstructure:"transport"`

	// URL is the base URL for the http transport.
	URL string `mapstructure:"url"`

	// Command, Args and Env start a stdio backend.
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
}

// DefaultPath returns ~/.bi-gateway.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".bi-gateway.yaml"), nil
}

// ServiceNames returns configured services in a stable order.
func (c *Config) ServiceNames() []string {
	names := make([]string, 0, len(c.Services))
	for name := range c.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Map renders the configuration as plain values for YAML output. Durations
// are written in Go duration syntax so the file reads back unchanged.
func (c *Config) Map() map[string]interface{} {
	services := make(map[string]interface{}, len(c.Services))
	for name, s := range c.Services {
		m := map[string]interface{}{"transport": s.Transport}
		if s.URL != "" {
			m["url"] = s.URL
		}
		if s.Command != "" {
			m["command"] = s.Command
		}
		if len(s.Args) > 0 {
			m["args"] = s.Args
		}
		if len(s.Env) > 0 {
			m["env"] = s.Env
		}
		services[name] = m
	}

	return map[string]interface{}{
		"server":    map[string]interface{}{"http_addr": c.Server.HTTPAddr},
		"log":       map[string]interface{}{"level": c.Log.Level, "format": c.Log.Format},
		"telemetry": map[string]interface{}{"exporter": c.Telemetry.Exporter},
		"cache": map[string]interface{}{
			"enabled":     c.Cache.Enabled,
			"ttl":         c.Cache.TTL.String(),
			"max_entries": c.Cache.MaxEntries,
			"redis_url":   c.Cache.RedisURL,
		},
		"retry": map[string]interface{}{
			"max_attempts":  c.Retry.MaxAttempts,
			"initial_delay": c.Retry.InitialDelay.String(),
			"max_delay":     c.Retry.MaxDelay.String(),
			"multiplier":    c.Retry.Multiplier,
			"jitter":        c.Retry.Jitter,
		},
		"breaker": map[string]interface{}{
			"failure_threshold": c.Breaker.FailureThreshold,
			"recovery_timeout":  c.Breaker.RecoveryTimeout.String(),
		},
		"pool": map[string]interface{}{
			"size":            c.Pool.Size,
			"acquire_timeout": c.Pool.AcquireTimeout.String(),
			"call_timeout":    c.Pool.CallTimeout.String(),
			"rate_limit":      c.Pool.RateLimit,
		},
		"memory": map[string]interface{}{
			"path":           c.Memory.Path,
			"max_entities":   c.Memory.MaxEntities,
			"max_turns":      c.Memory.MaxTurns,
			"flush_interval": c.Memory.FlushInterval.String(),
		},
		"services": services,
	}
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

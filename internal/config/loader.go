package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/khanglvm/bi-gateway/internal/breaker"
	"github.com/khanglvm/bi-gateway/internal/cache"
	"github.com/khanglvm/bi-gateway/internal/memory"
	"github.com/khanglvm/bi-gateway/internal/pool"
	"github.com/khanglvm/bi-gateway/internal/retry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BIGW"

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_addr", ":8000")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("telemetry.exporter", "none")

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.ttl", cache.DefaultTTL)
	v.SetDefault("cache.max_entries", cache.DefaultMaxEntries)
	v.SetDefault("cache.redis_url", "")

	v.SetDefault("retry.max_attempts", retry.DefaultMaxAttempts)
	v.SetDefault("retry.initial_delay", retry.DefaultInitialDelay)
	v.SetDefault("retry.max_delay", retry.DefaultMaxDelay)
	v.SetDefault("retry.multiplier", retry.DefaultMultiplier)
	v.SetDefault("retry.jitter", 0.0)

	v.SetDefault("breaker.failure_threshold", breaker.DefaultFailureThreshold)
	v.SetDefault("breaker.recovery_timeout", breaker.DefaultRecoveryTimeout)

	v.SetDefault("pool.size", pool.DefaultSize)
	v.SetDefault("pool.acquire_timeout", pool.DefaultAcquireTimeout)
	v.SetDefault("pool.call_timeout", 30*time.Second)
	v.SetDefault("pool.rate_limit", 0.0)

	v.SetDefault("memory.path", "~/.bi-gateway/memory.db")
	v.SetDefault("memory.max_entities", 0)
	v.SetDefault("memory.max_turns", memory.DefaultMaxTurns)
	v.SetDefault("memory.flush_interval", memory.DefaultFlushInterval)

	v.SetDefault("services.crm.transport", TransportHTTP)
	v.SetDefault("services.crm.url", "http://localhost:8001")
	v.SetDefault("services.issues.transport", TransportHTTP)
	v.SetDefault("services.issues.url", "http://localhost:8002")
}

// Default returns the built-in configuration with no file or environment
// applied.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	cfg.Memory.Path = expandHome(cfg.Memory.Path)
	return &cfg
}

// Load builds the configuration. An explicit path must exist; with no path,
// BIGW_CONFIG_FILE and then ~/.bi-gateway.yaml are tried and a missing
// default file is not an error.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = os.Getenv(EnvPrefix + "_CONFIG_FILE")
		explicit = path != ""
	}
	if !explicit {
		if p, err := DefaultPath(); err == nil {
			path = p
		}
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// REDIS_URL is honoured for deployments that predate the prefix.
	_ = v.BindEnv("cache.redis_url", EnvPrefix+"_CACHE_REDIS_URL", "REDIS_URL")

	if path != "" {
		if err := readFile(v, path, explicit); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &InvalidConfigError{
			Path:    path,
			Message: fmt.Sprintf("cannot decode configuration: %v", err),
			Hint:    "Check value types, durations look like 30s or 5m",
		}
	}
	cfg.Memory.Path = expandHome(cfg.Memory.Path)
	normalizeEnvKeys(&cfg)

	if err := cfg.Validate(); err != nil {
		if ice, ok := err.(*InvalidConfigError); ok {
			ice.Path = path
		}
		return nil, err
	}
	return &cfg, nil
}

// normalizeEnvKeys restores upper-case environment variable names for stdio
// services. Viper folds every map key to lower case.
func normalizeEnvKeys(cfg *Config) {
	for name, svc := range cfg.Services {
		if len(svc.Env) == 0 {
			continue
		}
		env := make(map[string]string, len(svc.Env))
		for k, val := range svc.Env {
			env[strings.ToUpper(k)] = val
		}
		svc.Env = env
		cfg.Services[name] = svc
	}
}

// readFile merges a config file into v with enhanced error handling.
func readFile(v *viper.Viper, path string, required bool) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			if !required {
				return nil
			}
			return &ConfigNotFoundError{
				Path: path,
				Hint: "Run 'bi-gateway config init' to create configuration",
			}
		}
		return fmt.Errorf("failed to access config: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsPermission(err) {
			return &PermissionError{
				Path:    path,
				Op:      "read",
				Fix:     getReadPermissionFix(path),
				Details: getPermissionDetails(path),
			}
		}
		return fmt.Errorf("failed to read config: %w", err)
	}

	v.SetConfigType(configType(path))
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return &InvalidConfigError{
			Path:    path,
			Message: fmt.Sprintf("parse error: %v", err),
			Hint:    "Restore from .bak file if available",
		}
	}
	return nil
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	case ".toml":
		return "toml"
	default:
		return "yaml"
	}
}

// getReadPermissionFix returns platform-specific fix command
func getReadPermissionFix(path string) string {
	switch runtime.GOOS {
	case "windows":
		return fmt.Sprintf("Right-click %s → Properties → Security → Edit permissions", path)
	default: // unix-like
		return fmt.Sprintf("Run: chmod 644 %s", path)
	}
}

// getPermissionDetails checks file ownership and permissions
func getPermissionDetails(path string) string {
	if runtime.GOOS == "windows" {
		return ""
	}

	info, err := os.Stat(path)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("Current permissions: %04o", info.Mode().Perm())
}

package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads, merges, and validates configuration.
//
// Precedence, lowest to highest:
//  1. Built-in defaults
//  2. YAML file (configFile, optional — empty path skips this layer)
//  3. Environment variables
func Initialize(configFile string) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		fileCfg, err := loadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
		// File values override defaults; zero values in the file leave
		// defaults intact.
		if err := mergo.Merge(cfg, fileCfg, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge config file: %w", err)
		}
		slog.Info("Loaded configuration file", "path", configFile)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadFile parses a YAML configuration file.
func loadFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// applyEnv overlays recognized environment variables onto cfg.
func applyEnv(cfg *Config) {
	setString(&cfg.Server.ListenAddr, "LISTEN_ADDR")
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		origins := strings.Split(v, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		cfg.Server.CORSAllowedOrigins = origins
	}
	setInt64(&cfg.Server.MaxBodyBytes, "MAX_BODY_BYTES")

	setString(&cfg.Database.URL, "DATABASE_URL")
	setInt(&cfg.Database.MaxOpenConns, "DB_MAX_OPEN_CONNS")
	setInt(&cfg.Database.MaxIdleConns, "DB_MAX_IDLE_CONNS")

	setInt(&cfg.Replay.MaxConcurrentRequests, "MAX_CONCURRENT_REQUESTS")
	setFloat(&cfg.Replay.DefaultRateLimitRPS, "DEFAULT_RATE_LIMIT_RPS")
	setSeconds(&cfg.Replay.RequestTimeout, "REQUEST_TIMEOUT_S")
	setInt(&cfg.Replay.RetryAttempts, "RETRY_ATTEMPTS")
	setFloat(&cfg.Replay.FailureThresholdPct, "FAILURE_THRESHOLD_PCT")

	setFloat(&cfg.Analysis.ConfidenceThresholdDefault, "CONFIDENCE_THRESHOLD_DEFAULT")

	setInt(&cfg.Retention.ReportRetentionDays, "REPORT_RETENTION_DAYS")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		} else {
			slog.Warn("Ignoring invalid integer env var", "key", key, "value", v)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		} else {
			slog.Warn("Ignoring invalid integer env var", "key", key, "value", v)
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		} else {
			slog.Warn("Ignoring invalid float env var", "key", key, "value", v)
		}
	}
}

func setSeconds(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		} else {
			slog.Warn("Ignoring invalid seconds env var", "key", key, "value", v)
		}
	}
}

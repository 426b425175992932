// Package config loads and validates Hydrant's configuration, either from
// environment variables or from a YAML mapping document on disk.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinBatchCapacity and MaxBatchCapacity bound the batch buffer size,
	// per spec.md §2/§4.2.
	MinBatchCapacity = 64 * 1024
	MaxBatchCapacity = 10 * 1024 * 1024

	defaultBatchCapacity = 1024 * 1024
	defaultMaxRetries    = 3
	defaultRetryDelay    = 100 * time.Millisecond
	defaultPoolSize      = 4
	defaultChunkSize     = 8 * 1024
	defaultStatsRingSize = 1000
	defaultLogLevel      = "info"
	defaultServiceName   = "hydrant"

	envDatabaseURL = "HYDRANT_DB_URL"
	envBatchSize   = "HYDRANT_BATCH_SIZE"
)

// Config is Hydrant's immutable-after-load configuration record.
type Config struct {
	// DatabaseURL is the opaque connection descriptor passed to pgx.
	DatabaseURL string

	// BatchCapacity is the accumulator's buffer size in bytes, clamped to
	// [MinBatchCapacity, MaxBatchCapacity].
	BatchCapacity int

	// MaxRetries is preserved for compatibility with the source design but
	// unused by the core pipeline (spec.md §3: "preserved").
	MaxRetries int

	// RetryDelay is preserved alongside MaxRetries; unused by the core.
	RetryDelay time.Duration

	// RequireSecureTransport, when true, rejects any pool connection that
	// does not negotiate TLS.
	RequireSecureTransport bool

	// PoolSize is the fixed number of connection slots (spec.md §4.6/§4.7
	// name "POOL_SIZE" as a constant; Hydrant exposes it as a bounded
	// setting instead — see SPEC_FULL.md §4.2).
	PoolSize int

	// ChunkSize is the bulk-copy driver's streaming chunk size in bytes.
	ChunkSize int

	// StatsRingSize is the number of entries in the batch stats ring.
	StatsRingSize int

	// LogLevel is the minimum severity emitted by internal/logging.
	LogLevel string

	// TelemetryEndpoint, when non-empty, enables the OTEL metrics exporter.
	TelemetryEndpoint string
	TelemetryInsecure bool
	ServiceName       string
}

// fileConfig mirrors the YAML mapping's recognized keys. Unknown keys in the
// document are ignored (yaml.v3's default decode behavior for a struct
// target); every recognized key except database_url is optional and falls
// back to the same default Load() would use from the environment.
type fileConfig struct {
	DatabaseURL            *string `yaml:"database_url"`
	BatchSizeBytes         *int    `yaml:"batch_size_bytes"`
	RequireSecureTransport *bool   `yaml:"require_secure_transport"`
	MaxRetries             *int    `yaml:"max_retries"`
	RetryDelayMS           *int    `yaml:"retry_delay_ms"`
	PoolSize               *int    `yaml:"pool_size"`
	ChunkSizeBytes         *int    `yaml:"chunk_size_bytes"`
	StatsRingSize          *int    `yaml:"stats_ring_size"`
	LogLevel               *string `yaml:"log_level"`
	TelemetryEndpoint      *string `yaml:"telemetry_endpoint"`
	TelemetryInsecure      *bool   `yaml:"telemetry_insecure"`
	ServiceName            *string `yaml:"service_name"`
}

// Load builds a Config from the environment, or from a YAML file at path if
// path is non-empty. The returned Config has already been bounds-clamped;
// logger is used to report the clamp at WARN (spec.md §4.2) and must not be
// nil — pass logging.Default() if no logger has been constructed yet.
func Load(path string, logger *slog.Logger) (Config, error) {
	var cfg Config
	var err error

	if path == "" {
		cfg, err = loadFromEnv()
	} else {
		cfg, err = loadFromFile(path)
	}
	if err != nil {
		return Config{}, err
	}

	cfg.applyDefaults()
	cfg.clampBatchCapacity(logger)
	return cfg, nil
}

func loadFromEnv() (Config, error) {
	dbURL := os.Getenv(envDatabaseURL)
	if dbURL == "" {
		return Config{}, fmt.Errorf("config: no database connection string provided")
	}

	cfg := Config{
		DatabaseURL:            dbURL,
		RequireSecureTransport: true,
	}

	if raw := os.Getenv(envBatchSize); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("config: %s=%q is not a valid integer", envBatchSize, raw)
		}
		if n >= MinBatchCapacity && n <= MaxBatchCapacity {
			cfg.BatchCapacity = n
		}
		// Out-of-range overrides are silently ignored, per spec.md §4.2
		// ("accept only if within [MIN, MAX]"); the field is left zero so
		// applyDefaults substitutes the default capacity.
	}

	return cfg, nil
}

func loadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if len(root.Content) == 0 {
		return Config{}, fmt.Errorf("config: %s is empty", path)
	}
	if root.Content[0].Kind != yaml.MappingNode {
		return Config{}, fmt.Errorf("config: %s: root document must be a mapping", path)
	}

	var fc fileConfig
	if err := root.Content[0].Decode(&fc); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}

	cfg := Config{RequireSecureTransport: true}
	if fc.DatabaseURL != nil {
		cfg.DatabaseURL = *fc.DatabaseURL
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("config: no database connection string provided")
	}
	if fc.BatchSizeBytes != nil {
		cfg.BatchCapacity = *fc.BatchSizeBytes
	}
	if fc.RequireSecureTransport != nil {
		cfg.RequireSecureTransport = *fc.RequireSecureTransport
	}
	if fc.MaxRetries != nil {
		cfg.MaxRetries = *fc.MaxRetries
	}
	if fc.RetryDelayMS != nil {
		cfg.RetryDelay = time.Duration(*fc.RetryDelayMS) * time.Millisecond
	}
	if fc.PoolSize != nil {
		cfg.PoolSize = *fc.PoolSize
	}
	if fc.ChunkSizeBytes != nil {
		cfg.ChunkSize = *fc.ChunkSizeBytes
	}
	if fc.StatsRingSize != nil {
		cfg.StatsRingSize = *fc.StatsRingSize
	}
	if fc.LogLevel != nil {
		cfg.LogLevel = *fc.LogLevel
	}
	if fc.TelemetryEndpoint != nil {
		cfg.TelemetryEndpoint = *fc.TelemetryEndpoint
	}
	if fc.TelemetryInsecure != nil {
		cfg.TelemetryInsecure = *fc.TelemetryInsecure
	}
	if fc.ServiceName != nil {
		cfg.ServiceName = *fc.ServiceName
	}

	return cfg, nil
}

// applyDefaults fills in every field a loader left at its zero value.
// RequireSecureTransport defaults true via loadFromEnv/loadFromFile directly
// (its zero value, false, is a valid explicit choice), so it is not touched
// here.
func (c *Config) applyDefaults() {
	if c.BatchCapacity == 0 {
		c.BatchCapacity = defaultBatchCapacity
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.PoolSize == 0 {
		c.PoolSize = defaultPoolSize
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = defaultChunkSize
	}
	if c.StatsRingSize == 0 {
		c.StatsRingSize = defaultStatsRingSize
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.ServiceName == "" {
		c.ServiceName = defaultServiceName
	}
}

// clampBatchCapacity enforces [MinBatchCapacity, MaxBatchCapacity], logging
// at WARN when a clamp occurs (spec.md §4.2, §8 boundary behavior).
func (c *Config) clampBatchCapacity(logger *slog.Logger) {
	switch {
	case c.BatchCapacity < MinBatchCapacity:
		logger.Warn("config: batch capacity below minimum, clamping",
			"requested", c.BatchCapacity, "clamped_to", MinBatchCapacity)
		c.BatchCapacity = MinBatchCapacity
	case c.BatchCapacity > MaxBatchCapacity:
		logger.Warn("config: batch capacity above maximum, clamping",
			"requested", c.BatchCapacity, "clamped_to", MaxBatchCapacity)
		c.BatchCapacity = MaxBatchCapacity
	}
}

package config

import "context"

// Package config provides configuration management for driftline.
//
// Responsibilities:
//   - Load configuration from YAML files and environment variables
//   - Validate configuration on startup
//   - Provide runtime access to all configuration
//   - Support configuration reloading for settings that allow it
//   - Establish reasonable defaults
//
// Configuration Sources (priority order, high to low):
//   1. Environment variables (DRIFTLINE_* prefix)
//   2. YAML config file (default: /etc/driftline/config.yaml)
//   3. Built-in defaults
//
// Main Configuration Sections:
//
//   1. Detection
//      - low_quantile: calibration quantile for the initial threshold
//      - risk_level: long-run extreme alarm probability
//      - min_calibration_size: minimum calibration batch size
//      - calibration_size: observations consumed for calibration
//      - decision_rule: "threshold" | "anomaly_threshold"
//      - anomaly_window / anomaly_quantile: moving local bound
//
//   2. Preprocess
//      - interval: expected sample spacing in seconds (0 = infer)
//      - gap_fill_policy: "none" | "forward_fill" | "interpolate"
//      - max_gap: widest gap (in missing samples) that is filled
//      - smoothing: "none" | "moving_average" | "first_difference" | "ewma"
//      - smoothing_window / ewma_alpha
//      - duplicate_policy: "reject" | "take_last"
//      - on_invalid: "error" | "skip"
//
//   3. Scrape
//      - enabled: poll a Prometheus endpoint for observations
//      - prometheus_url: base URL of the Prometheus HTTP API
//      - queries: stream name -> PromQL instant query
//      - interval_seconds / timeout_seconds
//
//   4. Server
//      - host, port
//      - allowed_origins: origins permitted to open WebSocket connections
//
//   5. Database
//      - path: SQLite file (":memory:" supported)
//
//   6. Logging
//      - level: "debug" | "info" | "warn" | "error"
//      - format: "json" | "text"
//      - file + rotation settings (empty file = stdout only)
//
//   7. Evaluation
//      - delay: detection lateness cap, -1 disables
//
// Config struct contains all configuration fields
type Config struct {
	// Detection configuration
	Detection struct {
		LowQuantile        float64
		RiskLevel          float64
		MinCalibrationSize int
		CalibrationSize    int
		DecisionRule       string
		AnomalyWindow      int
		AnomalyQuantile    float64
	}

	// Preprocess configuration
	Preprocess struct {
		Interval        int
		GapFillPolicy   string
		MaxGap          int
		Smoothing       string
		SmoothingWindow int
		EWMAAlpha       float64
		DuplicatePolicy string
		OnInvalid       string
	}

	// Scrape configuration
	Scrape struct {
		Enabled         bool
		PrometheusURL   string
		Queries         map[string]string
		IntervalSeconds int
		TimeoutSeconds  int
	}

	// Server configuration
	Server struct {
		Host string
		Port int
		// AllowedOrigins is a list of origins permitted to open WebSocket
		// connections. Use ["*"] to allow any origin (development only).
		AllowedOrigins []string
	}

	// Database configuration
	Database struct {
		Path string
	}

	// Logging configuration
	Logging struct {
		Level      string
		Format     string
		File       string
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
		Compress   bool
	}

	// Evaluation configuration
	Evaluation struct {
		Delay int
	}
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches for configuration changes and reloads (if supported).
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources.
	Reload(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with default config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager("/etc/driftline/config.yaml")
}

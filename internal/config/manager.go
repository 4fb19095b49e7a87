package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	m.viper = viper.New()

	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	m.viper.SetEnvPrefix("DRIFTLINE")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	// Config file is optional: defaults + env vars are a complete source.
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// no file, use defaults
		} else if os.IsNotExist(err) {
			// no file, use defaults
		} else {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.applyEnvOverrides()

	return nil
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.config.Validate()
	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches for configuration changes and reloads.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	m.viper.WatchConfig()
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if err := m.unmarshalConfig(); err != nil {
			return
		}
		select {
		case m.watchChan <- *m.config:
		default:
			// Channel full, skip this update
		}
	})

	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.applyEnvOverrides()

	return nil
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	// Detection defaults
	m.viper.SetDefault("detection.low_quantile", defaults.Detection.LowQuantile)
	m.viper.SetDefault("detection.risk_level", defaults.Detection.RiskLevel)
	m.viper.SetDefault("detection.min_calibration_size", defaults.Detection.MinCalibrationSize)
	m.viper.SetDefault("detection.calibration_size", defaults.Detection.CalibrationSize)
	m.viper.SetDefault("detection.decision_rule", defaults.Detection.DecisionRule)
	m.viper.SetDefault("detection.anomaly_window", defaults.Detection.AnomalyWindow)
	m.viper.SetDefault("detection.anomaly_quantile", defaults.Detection.AnomalyQuantile)

	// Preprocess defaults
	m.viper.SetDefault("preprocess.interval", defaults.Preprocess.Interval)
	m.viper.SetDefault("preprocess.gap_fill_policy", defaults.Preprocess.GapFillPolicy)
	m.viper.SetDefault("preprocess.max_gap", defaults.Preprocess.MaxGap)
	m.viper.SetDefault("preprocess.smoothing", defaults.Preprocess.Smoothing)
	m.viper.SetDefault("preprocess.smoothing_window", defaults.Preprocess.SmoothingWindow)
	m.viper.SetDefault("preprocess.ewma_alpha", defaults.Preprocess.EWMAAlpha)
	m.viper.SetDefault("preprocess.duplicate_policy", defaults.Preprocess.DuplicatePolicy)
	m.viper.SetDefault("preprocess.on_invalid", defaults.Preprocess.OnInvalid)

	// Scrape defaults
	m.viper.SetDefault("scrape.enabled", defaults.Scrape.Enabled)
	m.viper.SetDefault("scrape.prometheus_url", defaults.Scrape.PrometheusURL)
	m.viper.SetDefault("scrape.queries", defaults.Scrape.Queries)
	m.viper.SetDefault("scrape.interval_seconds", defaults.Scrape.IntervalSeconds)
	m.viper.SetDefault("scrape.timeout_seconds", defaults.Scrape.TimeoutSeconds)

	// Server defaults
	m.viper.SetDefault("server.host", defaults.Server.Host)
	m.viper.SetDefault("server.port", defaults.Server.Port)
	m.viper.SetDefault("server.allowed_origins", defaults.Server.AllowedOrigins)

	// Database defaults
	m.viper.SetDefault("database.path", defaults.Database.Path)

	// Logging defaults
	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)
	m.viper.SetDefault("logging.file", defaults.Logging.File)
	m.viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	m.viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	m.viper.SetDefault("logging.max_age_days", defaults.Logging.MaxAgeDays)
	m.viper.SetDefault("logging.compress", defaults.Logging.Compress)

	// Evaluation defaults
	m.viper.SetDefault("evaluation.delay", defaults.Evaluation.Delay)
}

// unmarshalConfig unmarshals viper config into Config struct.
func (m *viperConfigManager) unmarshalConfig() error {
	cfg := &Config{}

	// Detection
	cfg.Detection.LowQuantile = m.viper.GetFloat64("detection.low_quantile")
	cfg.Detection.RiskLevel = m.viper.GetFloat64("detection.risk_level")
	cfg.Detection.MinCalibrationSize = m.viper.GetInt("detection.min_calibration_size")
	cfg.Detection.CalibrationSize = m.viper.GetInt("detection.calibration_size")
	cfg.Detection.DecisionRule = m.viper.GetString("detection.decision_rule")
	cfg.Detection.AnomalyWindow = m.viper.GetInt("detection.anomaly_window")
	cfg.Detection.AnomalyQuantile = m.viper.GetFloat64("detection.anomaly_quantile")

	// Preprocess
	cfg.Preprocess.Interval = m.viper.GetInt("preprocess.interval")
	cfg.Preprocess.GapFillPolicy = m.viper.GetString("preprocess.gap_fill_policy")
	cfg.Preprocess.MaxGap = m.viper.GetInt("preprocess.max_gap")
	cfg.Preprocess.Smoothing = m.viper.GetString("preprocess.smoothing")
	cfg.Preprocess.SmoothingWindow = m.viper.GetInt("preprocess.smoothing_window")
	cfg.Preprocess.EWMAAlpha = m.viper.GetFloat64("preprocess.ewma_alpha")
	cfg.Preprocess.DuplicatePolicy = m.viper.GetString("preprocess.duplicate_policy")
	cfg.Preprocess.OnInvalid = m.viper.GetString("preprocess.on_invalid")

	// Scrape
	cfg.Scrape.Enabled = m.viper.GetBool("scrape.enabled")
	cfg.Scrape.PrometheusURL = m.viper.GetString("scrape.prometheus_url")
	cfg.Scrape.Queries = m.viper.GetStringMapString("scrape.queries")
	cfg.Scrape.IntervalSeconds = m.viper.GetInt("scrape.interval_seconds")
	cfg.Scrape.TimeoutSeconds = m.viper.GetInt("scrape.timeout_seconds")

	// Server
	cfg.Server.Host = m.viper.GetString("server.host")
	cfg.Server.Port = m.viper.GetInt("server.port")
	cfg.Server.AllowedOrigins = m.viper.GetStringSlice("server.allowed_origins")

	// Database
	cfg.Database.Path = m.viper.GetString("database.path")

	// Logging
	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")
	cfg.Logging.File = m.viper.GetString("logging.file")
	cfg.Logging.MaxSizeMB = m.viper.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = m.viper.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = m.viper.GetInt("logging.max_age_days")
	cfg.Logging.Compress = m.viper.GetBool("logging.compress")

	// Evaluation
	cfg.Evaluation.Delay = m.viper.GetInt("evaluation.delay")

	m.config = cfg
	return nil
}

// applyEnvOverrides applies environment variable overrides for settings
// commonly set per deployment.
func (m *viperConfigManager) applyEnvOverrides() {
	if url := os.Getenv("DRIFTLINE_PROMETHEUS_URL"); url != "" {
		m.config.Scrape.PrometheusURL = url
	}

	if path := os.Getenv("DRIFTLINE_DB_PATH"); path != "" {
		m.config.Database.Path = path
	}

	// Port from environment - only override if explicitly set
	if portEnv := os.Getenv("DRIFTLINE_PORT"); portEnv != "" {
		if port, err := strconv.Atoi(portEnv); err == nil {
			m.config.Server.Port = port
		}
	}
}

package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
// All problems are collected, not just the first one.
func (c *Config) Validate() []error {
	var errs []error

	// Validate detection configuration
	if c.Detection.LowQuantile <= 0 || c.Detection.LowQuantile >= 1 {
		errs = append(errs, &ValidationError{
			Field:   "detection.low_quantile",
			Message: fmt.Sprintf("low_quantile must be in (0, 1), got %g", c.Detection.LowQuantile),
		})
	}

	if c.Detection.RiskLevel <= 0 || c.Detection.RiskLevel >= 1 {
		errs = append(errs, &ValidationError{
			Field:   "detection.risk_level",
			Message: fmt.Sprintf("risk_level must be in (0, 1), got %g", c.Detection.RiskLevel),
		})
	}

	if c.Detection.MinCalibrationSize < 2 {
		errs = append(errs, &ValidationError{
			Field:   "detection.min_calibration_size",
			Message: fmt.Sprintf("min_calibration_size must be at least 2, got %d", c.Detection.MinCalibrationSize),
		})
	}

	if c.Detection.CalibrationSize < c.Detection.MinCalibrationSize {
		errs = append(errs, &ValidationError{
			Field:   "detection.calibration_size",
			Message: fmt.Sprintf("calibration_size %d is below min_calibration_size %d", c.Detection.CalibrationSize, c.Detection.MinCalibrationSize),
		})
	}

	validRules := map[string]bool{
		"threshold":         true,
		"anomaly_threshold": true,
	}
	if !validRules[c.Detection.DecisionRule] {
		errs = append(errs, &ValidationError{
			Field:   "detection.decision_rule",
			Message: fmt.Sprintf("invalid decision_rule '%s', must be one of: threshold, anomaly_threshold", c.Detection.DecisionRule),
		})
	}

	if c.Detection.AnomalyWindow < 1 {
		errs = append(errs, &ValidationError{
			Field:   "detection.anomaly_window",
			Message: fmt.Sprintf("anomaly_window must be at least 1, got %d", c.Detection.AnomalyWindow),
		})
	}

	if c.Detection.AnomalyQuantile <= 0 || c.Detection.AnomalyQuantile >= 1 {
		errs = append(errs, &ValidationError{
			Field:   "detection.anomaly_quantile",
			Message: fmt.Sprintf("anomaly_quantile must be in (0, 1), got %g", c.Detection.AnomalyQuantile),
		})
	}

	// Validate preprocess configuration
	validGapFill := map[string]bool{
		"none":         true,
		"forward_fill": true,
		"interpolate":  true,
	}
	if !validGapFill[c.Preprocess.GapFillPolicy] {
		errs = append(errs, &ValidationError{
			Field:   "preprocess.gap_fill_policy",
			Message: fmt.Sprintf("invalid gap_fill_policy '%s', must be one of: none, forward_fill, interpolate", c.Preprocess.GapFillPolicy),
		})
	}

	validSmoothing := map[string]bool{
		"none":             true,
		"moving_average":   true,
		"first_difference": true,
		"ewma":             true,
	}
	if !validSmoothing[c.Preprocess.Smoothing] {
		errs = append(errs, &ValidationError{
			Field:   "preprocess.smoothing",
			Message: fmt.Sprintf("invalid smoothing '%s', must be one of: none, moving_average, first_difference, ewma", c.Preprocess.Smoothing),
		})
	}

	validDuplicates := map[string]bool{
		"reject":    true,
		"take_last": true,
	}
	if !validDuplicates[c.Preprocess.DuplicatePolicy] {
		errs = append(errs, &ValidationError{
			Field:   "preprocess.duplicate_policy",
			Message: fmt.Sprintf("invalid duplicate_policy '%s', must be one of: reject, take_last", c.Preprocess.DuplicatePolicy),
		})
	}

	validOnInvalid := map[string]bool{
		"error": true,
		"skip":  true,
	}
	if !validOnInvalid[c.Preprocess.OnInvalid] {
		errs = append(errs, &ValidationError{
			Field:   "preprocess.on_invalid",
			Message: fmt.Sprintf("invalid on_invalid '%s', must be one of: error, skip", c.Preprocess.OnInvalid),
		})
	}

	if c.Preprocess.MaxGap < 0 {
		errs = append(errs, &ValidationError{
			Field:   "preprocess.max_gap",
			Message: fmt.Sprintf("max_gap cannot be negative, got %d", c.Preprocess.MaxGap),
		})
	}

	if c.Preprocess.SmoothingWindow < 1 {
		errs = append(errs, &ValidationError{
			Field:   "preprocess.smoothing_window",
			Message: fmt.Sprintf("smoothing_window must be at least 1, got %d", c.Preprocess.SmoothingWindow),
		})
	}

	if c.Preprocess.EWMAAlpha <= 0 || c.Preprocess.EWMAAlpha > 1 {
		errs = append(errs, &ValidationError{
			Field:   "preprocess.ewma_alpha",
			Message: fmt.Sprintf("ewma_alpha must be in (0, 1], got %g", c.Preprocess.EWMAAlpha),
		})
	}

	// Validate scrape configuration
	if c.Scrape.Enabled {
		if c.Scrape.PrometheusURL == "" {
			errs = append(errs, &ValidationError{
				Field:   "scrape.prometheus_url",
				Message: "prometheus_url is required when scrape is enabled",
			})
		} else if u, err := url.Parse(c.Scrape.PrometheusURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, &ValidationError{
				Field:   "scrape.prometheus_url",
				Message: fmt.Sprintf("invalid URL: %s", c.Scrape.PrometheusURL),
			})
		}

		if len(c.Scrape.Queries) == 0 {
			errs = append(errs, &ValidationError{
				Field:   "scrape.queries",
				Message: "at least one query is required when scrape is enabled",
			})
		}

		if c.Scrape.IntervalSeconds < 1 {
			errs = append(errs, &ValidationError{
				Field:   "scrape.interval_seconds",
				Message: fmt.Sprintf("interval_seconds must be at least 1, got %d", c.Scrape.IntervalSeconds),
			})
		}

		if c.Scrape.TimeoutSeconds < 1 {
			errs = append(errs, &ValidationError{
				Field:   "scrape.timeout_seconds",
				Message: fmt.Sprintf("timeout_seconds must be at least 1, got %d", c.Scrape.TimeoutSeconds),
			})
		}
	}

	// Validate server configuration
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.Server.Port),
		})
	}

	// Validate database configuration
	if c.Database.Path == "" {
		errs = append(errs, &ValidationError{
			Field:   "database.path",
			Message: "database path is required (use \":memory:\" for an in-memory store)",
		})
	}

	// Validate logging configuration
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level),
		})
	}

	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format '%s', must be one of: json, text", c.Logging.Format),
		})
	}

	if c.Logging.MaxSizeMB < 1 {
		errs = append(errs, &ValidationError{
			Field:   "logging.max_size_mb",
			Message: fmt.Sprintf("max_size_mb must be at least 1, got %d", c.Logging.MaxSizeMB),
		})
	}

	// Validate evaluation configuration: any delay >= -1 is meaningful
	// (-1 disables the lateness cap).
	if c.Evaluation.Delay < -1 {
		errs = append(errs, &ValidationError{
			Field:   "evaluation.delay",
			Message: fmt.Sprintf("delay must be -1 or greater, got %d", c.Evaluation.Delay),
		})
	}

	return errs
}

package config

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Detection defaults
	cfg.Detection.LowQuantile = 0.98
	cfg.Detection.RiskLevel = 1e-3
	cfg.Detection.MinCalibrationSize = 30
	cfg.Detection.CalibrationSize = 500
	cfg.Detection.DecisionRule = "threshold"
	cfg.Detection.AnomalyWindow = 100
	cfg.Detection.AnomalyQuantile = 0.98

	// Preprocess defaults
	cfg.Preprocess.Interval = 0 // infer from data
	cfg.Preprocess.GapFillPolicy = "none"
	cfg.Preprocess.MaxGap = 5
	cfg.Preprocess.Smoothing = "none"
	cfg.Preprocess.SmoothingWindow = 10
	cfg.Preprocess.EWMAAlpha = 0.3
	cfg.Preprocess.DuplicatePolicy = "reject"
	cfg.Preprocess.OnInvalid = "error"

	// Scrape defaults
	cfg.Scrape.Enabled = false
	cfg.Scrape.PrometheusURL = "http://localhost:9090"
	cfg.Scrape.Queries = map[string]string{}
	cfg.Scrape.IntervalSeconds = 15
	cfg.Scrape.TimeoutSeconds = 10

	// Server defaults
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 8089
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000"}

	// Database defaults
	cfg.Database.Path = "/var/lib/driftline/driftline.db"

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.File = ""
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 3
	cfg.Logging.MaxAgeDays = 28
	cfg.Logging.Compress = true

	// Evaluation defaults
	cfg.Evaluation.Delay = -1 // no lateness cap

	return cfg
}

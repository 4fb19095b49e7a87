package main

// Package main is the offline evaluation tool. It replays a labeled CSV
// through calibration and detection and reports point-adjusted scores,
// without a server or a database.
//
// Input format: CSV with a header and rows of
//
//	timestamp,value[,label]
//
// where timestamp is epoch seconds, and label (optional) is 1 for
// points inside a true anomaly interval. Consecutive labeled points are
// merged into one interval, so an incident counts once no matter how
// long it lasts.

import (
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/driftline/driftline/internal/evaluate"
	"github.com/driftline/driftline/internal/pot"
	"github.com/driftline/driftline/internal/stream"
)

// Report is the JSON document written to stdout.
type Report struct {
	Observations     int                      `json:"observations"`
	CalibrationSize  int                      `json:"calibration_size"`
	InitialThreshold float64                  `json:"initial_threshold"`
	Threshold        float64                  `json:"threshold"`
	TailShape        float64                  `json:"tail_shape"`
	TailScale        float64                  `json:"tail_scale"`
	Flagged          int                      `json:"flagged"`
	Intervals        int                      `json:"intervals"`
	Score            *evaluate.EvaluationScore `json:"score,omitempty"`
}

func main() {
	var (
		input           = flag.String("input", "", "input CSV (timestamp,value[,label]); - for stdin")
		calibrationSize = flag.Int("calibration-size", 500, "observations consumed for calibration")
		delay           = flag.Int("delay", -1, "detection delay cap in points, -1 disables")
		lowQuantile     = flag.Float64("low-quantile", 0.98, "calibration quantile for the initial threshold")
		riskLevel       = flag.Float64("risk", 1e-3, "long-run extreme alarm probability")
		decisionRule    = flag.String("decision-rule", "threshold", "alarm rule: threshold | anomaly_threshold")
		smoothing       = flag.String("smoothing", "none", "preprocessing: none | moving_average | first_difference | ewma")
	)
	flag.Parse()

	if *input == "" {
		fmt.Fprintln(os.Stderr, "evaluate: -input is required")
		flag.Usage()
		os.Exit(2)
	}

	report, err := run(*input, runOptions{
		calibrationSize: *calibrationSize,
		delay:           *delay,
		lowQuantile:     *lowQuantile,
		riskLevel:       *riskLevel,
		decisionRule:    *decisionRule,
		smoothing:       *smoothing,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "evaluate: %v\n", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		fmt.Fprintf(os.Stderr, "evaluate: %v\n", err)
		os.Exit(1)
	}
}

type runOptions struct {
	calibrationSize int
	delay           int
	lowQuantile     float64
	riskLevel       float64
	decisionRule    string
	smoothing       string
}

func run(input string, opts runOptions) (*Report, error) {
	var r io.Reader
	if input == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(input)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	raw, truth, err := readCSV(r)
	if err != nil {
		return nil, err
	}
	if len(raw) <= opts.calibrationSize {
		return nil, fmt.Errorf("%d observations, need more than calibration size %d",
			len(raw), opts.calibrationSize)
	}

	cleaned, err := stream.Normalize(raw, stream.Config{
		Smoothing: stream.Smoothing(opts.smoothing),
	})
	if err != nil {
		return nil, fmt.Errorf("preprocess: %w", err)
	}

	cfg := pot.DefaultConfig()
	cfg.LowQuantile = opts.lowQuantile
	cfg.RiskLevel = opts.riskLevel
	cfg.DecisionRule = pot.DecisionRule(opts.decisionRule)

	batch := make([]float64, opts.calibrationSize)
	for i := range batch {
		batch[i] = cleaned[i].Value
	}
	state, err := pot.Calibrate(batch, cfg)
	if err != nil {
		return nil, fmt.Errorf("calibrate: %w", err)
	}
	det, err := pot.NewDetector(cfg, state)
	if err != nil {
		return nil, err
	}

	var results []pot.DetectionResult
	flagged := 0
	for _, obs := range cleaned[opts.calibrationSize:] {
		res := det.Step(obs.Timestamp, obs.Value)
		results = append(results, res)
		if res.IsAnomaly {
			flagged++
		}
	}

	final := det.State()
	report := &Report{
		Observations:     len(cleaned),
		CalibrationSize:  opts.calibrationSize,
		InitialThreshold: final.InitialThreshold,
		Threshold:        final.Threshold,
		TailShape:        final.TailShape,
		TailScale:        final.TailScale,
		Flagged:          flagged,
		Intervals:        len(truth),
	}
	if len(truth) > 0 {
		score := evaluate.Score(results, truth, opts.delay)
		report.Score = &score
	}
	return report, nil
}

// readCSV parses the input rows and folds consecutive labeled points
// into anomaly intervals.
func readCSV(r io.Reader) ([]stream.Observation, []evaluate.LabeledInterval, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	rows, err := cr.ReadAll()
	if err != nil {
		return nil, nil, err
	}
	if len(rows) < 2 {
		return nil, nil, fmt.Errorf("no data rows")
	}

	var (
		obs       []stream.Observation
		intervals []evaluate.LabeledInterval
		inside    bool
	)
	for i, row := range rows[1:] { // skip header
		if len(row) < 2 {
			return nil, nil, fmt.Errorf("row %d: need at least timestamp,value", i+2)
		}
		ts, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("row %d: bad timestamp %q", i+2, row[0])
		}
		v, err := strconv.ParseFloat(row[1], 64)
		if err != nil {
			return nil, nil, fmt.Errorf("row %d: bad value %q", i+2, row[1])
		}
		obs = append(obs, stream.Observation{Timestamp: ts, Value: v})

		labeled := len(row) > 2 && row[2] == "1"
		switch {
		case labeled && !inside:
			intervals = append(intervals, evaluate.LabeledInterval{Start: ts, End: ts})
			inside = true
		case labeled && inside:
			intervals[len(intervals)-1].End = ts
		default:
			inside = false
		}
	}
	return obs, intervals, nil
}

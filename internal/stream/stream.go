// Package stream cleans and normalizes raw telemetry before detection.
//
// Responsibilities:
//   - Validate observations: finite values, strictly increasing timestamps
//   - Resolve duplicate timestamps per configured policy
//   - Fill bounded gaps with synthetic points (forward fill or linear
//     interpolation)
//   - Optionally transform the signal (moving average, first difference,
//     EWMA residual) so the detector sees fluctuations instead of levels
//
// Both a batch entry point (Normalize) and an incremental Cleaner are
// provided; the batch path is the incremental path run to completion, so
// offline and live modes clean identically.
package stream

import "fmt"

// Observation is a single scalar telemetry sample. Timestamp is epoch
// seconds; streams are ordered by timestamp.
type Observation struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

// GapFillPolicy controls how missing scrape intervals are filled.
type GapFillPolicy string

const (
	GapFillNone        GapFillPolicy = "none"
	GapFillForward     GapFillPolicy = "forward_fill"
	GapFillInterpolate GapFillPolicy = "interpolate"
)

// Smoothing selects the optional signal transform applied after
// validation and gap filling.
type Smoothing string

const (
	SmoothingNone Smoothing = "none"

	// SmoothingMovingAverage replaces each value with the trailing mean
	// over SmoothingWindow points.
	SmoothingMovingAverage Smoothing = "moving_average"

	// SmoothingFirstDifference replaces each value with its one-step
	// difference. The first point, having no predecessor, becomes zero.
	SmoothingFirstDifference Smoothing = "first_difference"

	// SmoothingEWMA replaces each value with its residual against an
	// exponentially weighted moving average of the preceding values.
	// Level shifts collapse to a single spike in the residual.
	SmoothingEWMA Smoothing = "ewma"
)

// DuplicatePolicy controls observations sharing a timestamp.
type DuplicatePolicy string

const (
	DuplicateReject   DuplicatePolicy = "reject"
	DuplicateTakeLast DuplicatePolicy = "take_last"
)

// InvalidPolicy controls non-finite values.
type InvalidPolicy string

const (
	InvalidError InvalidPolicy = "error"
	InvalidSkip  InvalidPolicy = "skip"
)

// Config holds the preprocessing policies. The zero value is sanitized
// to: no gap fill, no smoothing, reject duplicates, error on invalid.
type Config struct {
	// Interval is the expected spacing between observations in seconds.
	// Zero means infer it from the data (batch: most common spacing;
	// live: first observed spacing).
	Interval int64

	// GapFill and MaxGap: a gap of k missing points is filled only when
	// k <= MaxGap; wider gaps are left as-is.
	GapFill GapFillPolicy
	MaxGap  int

	Smoothing       Smoothing
	SmoothingWindow int
	EWMAAlpha       float64

	Duplicates DuplicatePolicy
	OnInvalid  InvalidPolicy
}

// sanitize fills unset policy fields with their conservative defaults.
func (c Config) sanitize() Config {
	switch c.GapFill {
	case GapFillNone, GapFillForward, GapFillInterpolate:
	default:
		c.GapFill = GapFillNone
	}
	switch c.Smoothing {
	case SmoothingNone, SmoothingMovingAverage, SmoothingFirstDifference, SmoothingEWMA:
	default:
		c.Smoothing = SmoothingNone
	}
	switch c.Duplicates {
	case DuplicateReject, DuplicateTakeLast:
	default:
		c.Duplicates = DuplicateReject
	}
	switch c.OnInvalid {
	case InvalidError, InvalidSkip:
	default:
		c.OnInvalid = InvalidError
	}
	if c.MaxGap < 0 {
		c.MaxGap = 0
	}
	if c.SmoothingWindow <= 0 {
		c.SmoothingWindow = 10
	}
	if c.EWMAAlpha <= 0 || c.EWMAAlpha > 1 {
		c.EWMAAlpha = 0.3
	}
	return c
}

// MalformedInputError reports an observation the configured policies
// cannot accept. Index refers to the raw input position. Fatal to the
// affected run.
type MalformedInputError struct {
	Index  int
	Reason string
}

func (e *MalformedInputError) Error() string {
	return fmt.Sprintf("malformed observation at index %d: %s", e.Index, e.Reason)
}

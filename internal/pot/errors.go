package pot

import "fmt"

// InsufficientDataError reports a calibration batch smaller than the
// configured minimum. It is fatal to the run: no observation is
// classified after calibration fails.
type InsufficientDataError struct {
	Got  int
	Need int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("calibration batch too small: got %d observations, need at least %d", e.Got, e.Need)
}

// InsufficientExcessesError reports that no calibration value exceeded
// the initial threshold. The caller must lower the quantile or supply a
// larger batch; the offending quantile is carried for that purpose.
type InsufficientExcessesError struct {
	Quantile  float64
	Threshold float64
}

func (e *InsufficientExcessesError) Error() string {
	return fmt.Sprintf("no excesses above initial threshold %g (low quantile %g too high for this batch)", e.Threshold, e.Quantile)
}

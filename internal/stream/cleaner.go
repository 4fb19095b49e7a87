package stream

import "math"

// Cleaner is the incremental preprocessor for live mode. It holds back
// one observation so duplicate resolution and gap filling can look at
// the successor before a point is released; output therefore trails
// input by exactly one sample, with Flush releasing the last one.
//
// A Cleaner is owned by a single stream consumer and is not safe for
// concurrent use.
type Cleaner struct {
	cfg     Config
	index   int
	pending *Observation

	interval int64

	droppedInvalid   int
	droppedDuplicate int
	filled           int

	// smoothing state
	maWindow []float64
	diffLast float64
	diffInit bool
	ewma     float64
	ewmaInit bool
}

// NewCleaner creates an incremental preprocessor with the given
// policies.
func NewCleaner(cfg Config) *Cleaner {
	cfg = cfg.sanitize()
	return &Cleaner{cfg: cfg, interval: cfg.Interval}
}

// Next consumes one raw observation and returns zero or more cleaned
// observations in stream order. A returned error is fatal to the run.
func (c *Cleaner) Next(obs Observation) ([]Observation, error) {
	idx := c.index
	c.index++

	if math.IsNaN(obs.Value) || math.IsInf(obs.Value, 0) {
		if c.cfg.OnInvalid == InvalidSkip {
			c.droppedInvalid++
			return nil, nil
		}
		return nil, &MalformedInputError{Index: idx, Reason: "non-finite value"}
	}

	if c.pending == nil {
		p := obs
		c.pending = &p
		return nil, nil
	}

	switch {
	case obs.Timestamp < c.pending.Timestamp:
		return nil, &MalformedInputError{Index: idx, Reason: "timestamp out of order"}
	case obs.Timestamp == c.pending.Timestamp:
		if c.cfg.Duplicates == DuplicateTakeLast {
			c.pending.Value = obs.Value
			c.droppedDuplicate++
			return nil, nil
		}
		return nil, &MalformedInputError{Index: idx, Reason: "duplicate timestamp"}
	}

	out := []Observation{*c.pending}
	out = append(out, c.fillGap(*c.pending, obs)...)

	p := obs
	c.pending = &p

	for i := range out {
		out[i].Value = c.smooth(out[i].Value)
	}
	return out, nil
}

// Flush releases the held-back final observation. Call once, after the
// last Next.
func (c *Cleaner) Flush() []Observation {
	if c.pending == nil {
		return nil
	}
	out := []Observation{{Timestamp: c.pending.Timestamp, Value: c.smooth(c.pending.Value)}}
	c.pending = nil
	return out
}

// fillGap returns the synthetic points between two released neighbors,
// or nothing when the gap is absent, too wide, or irregular. The
// expected interval is inferred from the first observed spacing when
// not configured.
func (c *Cleaner) fillGap(prev, next Observation) []Observation {
	delta := next.Timestamp - prev.Timestamp
	if c.interval == 0 {
		c.interval = delta
	}
	if c.cfg.GapFill == GapFillNone || c.interval <= 0 {
		return nil
	}
	if delta <= c.interval || delta%c.interval != 0 {
		return nil
	}
	missing := int(delta/c.interval) - 1
	if missing > c.cfg.MaxGap {
		return nil
	}

	fills := make([]Observation, 0, missing)
	for i := 1; i <= missing; i++ {
		ts := prev.Timestamp + int64(i)*c.interval
		v := prev.Value
		if c.cfg.GapFill == GapFillInterpolate {
			frac := float64(i) / float64(missing+1)
			v = prev.Value + frac*(next.Value-prev.Value)
		}
		fills = append(fills, Observation{Timestamp: ts, Value: v})
	}
	c.filled += len(fills)
	return fills
}

// Stats returns cumulative preprocessing counts: observations dropped
// as non-finite, collapsed as duplicates, and synthetic points
// inserted for gaps.
func (c *Cleaner) Stats() (droppedInvalid, droppedDuplicate, filled int) {
	return c.droppedInvalid, c.droppedDuplicate, c.filled
}

// smooth applies the configured transform to one released value.
// Synthetic fills pass through it too, so the transformed signal has no
// seams at filled gaps.
func (c *Cleaner) smooth(v float64) float64 {
	switch c.cfg.Smoothing {
	case SmoothingMovingAverage:
		if len(c.maWindow) < c.cfg.SmoothingWindow {
			c.maWindow = append(c.maWindow, v)
		} else {
			copy(c.maWindow, c.maWindow[1:])
			c.maWindow[len(c.maWindow)-1] = v
		}
		var sum float64
		for _, w := range c.maWindow {
			sum += w
		}
		return sum / float64(len(c.maWindow))

	case SmoothingFirstDifference:
		if !c.diffInit {
			c.diffInit = true
			c.diffLast = v
			return 0
		}
		d := v - c.diffLast
		c.diffLast = v
		return d

	case SmoothingEWMA:
		if !c.ewmaInit {
			c.ewmaInit = true
			c.ewma = v
			return 0
		}
		r := v - c.ewma
		c.ewma = c.cfg.EWMAAlpha*v + (1-c.cfg.EWMAAlpha)*c.ewma
		return r

	default:
		return v
	}
}

// Normalize cleans a complete batch with the same semantics as the
// incremental Cleaner. When no interval is configured it is inferred
// from the most common spacing in the batch rather than the first one.
func Normalize(raw []Observation, cfg Config) ([]Observation, error) {
	cfg = cfg.sanitize()
	if cfg.Interval == 0 {
		cfg.Interval = commonInterval(raw)
	}

	c := NewCleaner(cfg)
	out := make([]Observation, 0, len(raw))
	for _, obs := range raw {
		cleaned, err := c.Next(obs)
		if err != nil {
			return nil, err
		}
		out = append(out, cleaned...)
	}
	return append(out, c.Flush()...), nil
}

// commonInterval returns the most frequent positive spacing, smallest
// winning ties. Zero when the batch has no positive spacing at all.
func commonInterval(raw []Observation) int64 {
	counts := make(map[int64]int)
	for i := 1; i < len(raw); i++ {
		if d := raw[i].Timestamp - raw[i-1].Timestamp; d > 0 {
			counts[d]++
		}
	}
	var best int64
	for d, n := range counts {
		if best == 0 || n > counts[best] || (n == counts[best] && d < best) {
			best = d
		}
	}
	return best
}

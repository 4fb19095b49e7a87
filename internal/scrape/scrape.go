// Package scrape polls a Prometheus HTTP API and turns instant query
// results into per-stream observations.
package scrape

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"go.uber.org/zap"

	"github.com/driftline/driftline/internal/metrics"
	"github.com/driftline/driftline/internal/stream"
)

// Config holds poller settings.
type Config struct {
	// PrometheusURL is the base URL of the Prometheus HTTP API.
	PrometheusURL string

	// Queries maps stream name to a PromQL instant query.
	Queries map[string]string

	// Interval between polls.
	Interval time.Duration

	// Timeout per query.
	Timeout time.Duration
}

// Sample is one scraped observation tagged with its stream.
type Sample struct {
	Stream      string
	Observation stream.Observation
}

// querier is the slice of the Prometheus v1 API the poller uses.
type querier interface {
	Query(ctx context.Context, query string, ts time.Time, opts ...v1.Option) (model.Value, v1.Warnings, error)
}

// Poller periodically runs the configured queries and emits one Sample
// per stream per tick on its output channel.
type Poller struct {
	cfg     Config
	api     querier
	logger  *zap.Logger
	samples chan Sample
}

// New creates a poller against the configured Prometheus endpoint.
func New(cfg Config, logger *zap.Logger) (*Poller, error) {
	if len(cfg.Queries) == 0 {
		return nil, fmt.Errorf("no queries configured")
	}
	client, err := api.NewClient(api.Config{Address: cfg.PrometheusURL})
	if err != nil {
		return nil, fmt.Errorf("prometheus client: %w", err)
	}
	return newPoller(cfg, v1.NewAPI(client), logger), nil
}

func newPoller(cfg Config, q querier, logger *zap.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Poller{
		cfg:     cfg,
		api:     q,
		logger:  logger,
		samples: make(chan Sample, len(cfg.Queries)*4),
	}
}

// Samples returns the output channel. It is closed when Run returns.
func (p *Poller) Samples() <-chan Sample {
	return p.samples
}

// Run polls until the context is canceled. The first poll happens
// immediately, not one interval in.
func (p *Poller) Run(ctx context.Context) error {
	defer close(p.samples)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.pollAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.pollAll(ctx)
		}
	}
}

// pollAll runs every configured query once, in stable stream order.
func (p *Poller) pollAll(ctx context.Context) {
	names := make([]string, 0, len(p.cfg.Queries))
	for name := range p.cfg.Queries {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		obs, err := p.poll(ctx, name, p.cfg.Queries[name])
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.ScrapesTotal.WithLabelValues(name, "failed").Inc()
			p.logger.Warn("scrape failed",
				zap.String("stream", name),
				zap.Error(err),
			)
			continue
		}
		metrics.ScrapesTotal.WithLabelValues(name, "ok").Inc()

		select {
		case p.samples <- Sample{Stream: name, Observation: obs}:
		case <-ctx.Done():
			return
		}
	}
}

func (p *Poller) poll(ctx context.Context, name, query string) (stream.Observation, error) {
	qctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	start := time.Now()
	value, warnings, err := p.api.Query(qctx, query, time.Now())
	metrics.ScrapeDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		return stream.Observation{}, err
	}
	for _, w := range warnings {
		p.logger.Debug("scrape warning", zap.String("stream", name), zap.String("warning", w))
	}

	return extract(value)
}

// extract converts a query result into one observation. Vector results
// must carry exactly one series; a query matching several series is a
// configuration mistake, not something to silently average.
func extract(value model.Value) (stream.Observation, error) {
	switch v := value.(type) {
	case *model.Scalar:
		return stream.Observation{
			Timestamp: v.Timestamp.Unix(),
			Value:     float64(v.Value),
		}, nil
	case model.Vector:
		if len(v) == 0 {
			return stream.Observation{}, fmt.Errorf("query returned no series")
		}
		if len(v) > 1 {
			return stream.Observation{}, fmt.Errorf("query returned %d series, want 1", len(v))
		}
		return stream.Observation{
			Timestamp: v[0].Timestamp.Unix(),
			Value:     float64(v[0].Value),
		}, nil
	default:
		return stream.Observation{}, fmt.Errorf("unsupported result type %s", value.Type())
	}
}

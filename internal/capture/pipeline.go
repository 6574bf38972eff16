// Package capture turns application failures into model.Error values and
// signals them to the error log and the grouping registry.
package capture

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tinytelemetry/faultline/internal/grouping"
	"github.com/tinytelemetry/faultline/internal/metrics"
	"github.com/tinytelemetry/faultline/internal/model"
)

// Source names recorded on the errors_captured_total metric.
const (
	SourceHTTP   = "http"
	SourceTCP    = "tcp"
	SourceOTLP   = "otlp"
	SourceStdin  = "stdin"
	SourceManual = "manual"
)

// ErrFiltered is returned by Signal when the filter dismissed the error.
var ErrFiltered = errors.New("capture: error filtered")

// ErrorSink receives every accepted error for persistence.
// *store.InsertBuffer satisfies it.
type ErrorSink interface {
	Add(*model.Error)
}

// Pipeline applies the filter, then hands the error to the sink and the
// grouping registry. It is safe for concurrent use.
type Pipeline struct {
	registry *grouping.Registry
	sink     ErrorSink
	filter   *Filter
	metrics  *metrics.Metrics
	host     string
	logger   zerolog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithSink persists accepted errors to s.
func WithSink(s ErrorSink) Option {
	return func(p *Pipeline) { p.sink = s }
}

// WithFilter installs f.
func WithFilter(f *Filter) Option {
	return func(p *Pipeline) { p.filter = f }
}

// WithMetrics records captured and filtered counts on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithHost overrides the host name stamped on errors built by this package.
func WithHost(host string) Option {
	return func(p *Pipeline) { p.host = host }
}

// NewPipeline returns a pipeline feeding registry. A nil registry only persists.
func NewPipeline(registry *grouping.Registry, opts ...Option) *Pipeline {
	p := &Pipeline{
		registry: registry,
		logger:   log.With().Str("component", "capture").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.host == "" {
		p.host, _ = os.Hostname()
	}
	return p
}

// Host returns the host name used for locally captured errors.
func (p *Pipeline) Host() string { return p.host }

// Signal records one error observed by source. It returns ErrFiltered when
// the filter dismissed it, and the registry's error when a threshold flush
// triggered by this error failed. The error is stored either way.
func (p *Pipeline) Signal(source string, e *model.Error) error {
	if e == nil {
		return grouping.ErrNilError
	}
	if reason, drop := p.filter.Match(e); drop {
		p.metrics.ErrorFiltered(reason)
		p.logger.Debug().Str("reason", reason).Str("type", e.Type()).Int("status", e.StatusCode()).Msg("error filtered")
		return ErrFiltered
	}

	p.metrics.ErrorCaptured(e.Application(), source)
	if p.sink != nil {
		p.sink.Add(e)
	}
	if p.registry == nil {
		return nil
	}
	if err := p.registry.Add(e); err != nil {
		return fmt.Errorf("capture: group %s: %w", p.registry.GroupKey(e), err)
	}
	return nil
}

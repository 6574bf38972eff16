// Package notify delivers flushed error groups to external destinations.
package notify

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/tinytelemetry/faultline/internal/grouping"
	"github.com/tinytelemetry/faultline/internal/metrics"
)

// DefaultTimeout bounds one delivery, retries included.
const DefaultTimeout = 30 * time.Second

// Sink receives flushed error groups.
type Sink interface {
	Name() string
	Send(ctx context.Context, snap grouping.Snapshot) error
}

// FlushFunc adapts a sink to the grouping callback, bounding each delivery
// with timeout (DefaultTimeout when zero).
func FlushFunc(s Sink, timeout time.Duration) grouping.FlushFunc {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return func(snap grouping.Snapshot) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return s.Send(ctx, snap)
	}
}

type fanout struct {
	sinks []Sink
}

// Fanout sends every snapshot to all sinks. One sink failing does not stop
// the others; failures are combined.
func Fanout(sinks ...Sink) Sink {
	return &fanout{sinks: sinks}
}

func (f *fanout) Name() string { return "fanout" }

func (f *fanout) Send(ctx context.Context, snap grouping.Snapshot) error {
	var result *multierror.Error
	for _, s := range f.sinks {
		if err := s.Send(ctx, snap); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

type instrumented struct {
	sink    Sink
	metrics *metrics.Metrics
}

// Instrumented counts flushes per trigger and failures of sink.
func Instrumented(sink Sink, m *metrics.Metrics) Sink {
	return &instrumented{sink: sink, metrics: m}
}

func (i *instrumented) Name() string { return i.sink.Name() }

func (i *instrumented) Send(ctx context.Context, snap grouping.Snapshot) error {
	i.metrics.GroupFlushed(string(snap.Trigger), snap.Count())
	err := i.sink.Send(ctx, snap)
	if err != nil {
		i.metrics.SinkFailed(i.sink.Name())
	}
	return err
}

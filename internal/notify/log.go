package notify

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/tinytelemetry/faultline/internal/grouping"
)

// LogSink writes one structured summary line per flushed group.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(_ context.Context, snap grouping.Snapshot) error {
	ev := s.logger.Warn().
		Str("key", snap.Key).
		Str("trigger", string(snap.Trigger)).
		Int("count", snap.Count()).
		Time("first_seen", snap.FirstSeen).
		Time("last_seen", snap.LastSeen)
	if snap.Count() > 0 {
		first := snap.Errors[0]
		ev = ev.Str("application", first.Application()).
			Str("type", first.Type()).
			Str("message", first.Message())
		if u := first.URL(); u != "" {
			ev = ev.Str("url", u)
		}
	}
	ev.Msg("error group flushed")
	return nil
}

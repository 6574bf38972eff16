// Package source adapts error event inputs to a common line channel.
package source

import "github.com/tinytelemetry/faultline/internal/model"

// Source is a unified interface for all error event inputs (TCP, stdin).
type Source interface {
	Lines() <-chan model.IngestEnvelope // read-only channel of lines
	Stop()                              // graceful shutdown
	Name() string                       // "tcp", "stdin"
}

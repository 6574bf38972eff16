package ingest

import "github.com/tinytelemetry/faultline/internal/model"

// Signaler receives parsed errors. *capture.Pipeline satisfies it.
type Signaler interface {
	Signal(source string, e *model.Error) error
}

// EnvelopeProcessor consumes source-tagged ingest lines and emits errors.
type EnvelopeProcessor interface {
	Name() string
	ProcessEnvelope(model.IngestEnvelope) *ProcessResult
}

// NewEnvelopeProcessor creates the JSON processor implementation.
func NewEnvelopeProcessor(sink Signaler, sourceName string) EnvelopeProcessor {
	return NewProcessor(sink, sourceName)
}

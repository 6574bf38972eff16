package ingest

import (
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tinytelemetry/faultline/internal/capture"
	"github.com/tinytelemetry/faultline/internal/model"
)

// ProcessorName is the name reported by Processor.
const ProcessorName = "json"

// Processor parses error lines and signals the result. Multi-line JSON
// objects are accumulated per source until their braces balance.
type Processor struct {
	sink       Signaler
	logger     zerolog.Logger
	mu         sync.Mutex
	sourceName string
	pending    map[string]*jsonAccumulator
}

// jsonAccumulator collects the lines of one multi-line JSON object.
type jsonAccumulator struct {
	buf   strings.Builder
	depth int
}

// ProcessResult holds the result of processing a line.
type ProcessResult struct {
	Errors []*model.Error
	// Skipped counts lines that were not JSON, or JSON without an exception.
	Skipped bool
	// Err is the first signalling failure.
	Err error
}

// NewProcessor creates a processor signalling to sink. sourceName tags
// envelopes that carry no source.
func NewProcessor(sink Signaler, sourceName string) *Processor {
	return &Processor{
		sink:       sink,
		logger:     log.With().Str("component", "ingest").Logger(),
		sourceName: sourceName,
		pending:    make(map[string]*jsonAccumulator),
	}
}

func (p *Processor) Name() string { return ProcessorName }

// ProcessLine processes an untagged line using the processor source name.
func (p *Processor) ProcessLine(line string) *ProcessResult {
	return p.ProcessEnvelope(model.IngestEnvelope{Line: line})
}

// ProcessEnvelope processes one source-tagged line. It returns nil while a
// multi-line object is still being accumulated or for a blank line.
func (p *Processor) ProcessEnvelope(env model.IngestEnvelope) *ProcessResult {
	source := env.Source
	p.mu.Lock()
	if source == "" {
		source = p.sourceName
	}
	complete, consumed := p.accumulateLocked(source, env.Line)
	p.mu.Unlock()

	if consumed && complete == "" {
		return nil
	}
	if !consumed {
		complete = strings.TrimSpace(env.Line)
		if complete == "" {
			return nil
		}
	}
	return p.processEntry(source, complete)
}

// accumulateLocked feeds line into the source's pending object. It reports
// whether the line was consumed and, once the object closes, its text.
func (p *Processor) accumulateLocked(source, line string) (string, bool) {
	acc, inObject := p.pending[source]
	if !inObject {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "{") {
			return "", false
		}
		depth := CountJSONDepth(line)
		if depth <= 0 {
			return trimmed, true
		}
		acc = &jsonAccumulator{}
		p.pending[source] = acc
	}

	acc.buf.WriteString(line)
	acc.buf.WriteString("\n")
	acc.depth += CountJSONDepth(line)
	if acc.depth > 0 {
		return "", true
	}
	delete(p.pending, source)
	return strings.TrimSpace(acc.buf.String()), true
}

func (p *Processor) processEntry(source, line string) *ProcessResult {
	errs, ok := ParseErrors(line)
	result := &ProcessResult{Errors: errs, Skipped: !ok || len(errs) == 0}
	if result.Skipped {
		p.logger.Debug().Str("source", source).Bool("json", ok).Msg("line skipped")
		return result
	}
	if p.sink == nil {
		return result
	}
	for _, e := range errs {
		err := p.sink.Signal(source, e)
		if err == nil {
			continue
		}
		if errors.Is(err, capture.ErrFiltered) {
			continue
		}
		if result.Err == nil {
			result.Err = err
		}
		p.logger.Warn().Err(err).Str("source", source).Str("type", e.Type()).Msg("signal error")
	}
	return result
}

// CountJSONDepth counts the net change in JSON nesting depth for a line.
func CountJSONDepth(line string) int {
	depth := 0
	inString := false
	escaped := false

	for _, char := range line {
		if escaped {
			escaped = false
			continue
		}

		switch char {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{', '[':
			if !inString {
				depth++
			}
		case '}', ']':
			if !inString {
				depth--
			}
		}
	}

	return depth
}

// SetSourceName updates the default source name for untagged lines.
func (p *Processor) SetSourceName(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sourceName = name
}

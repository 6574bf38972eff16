package model

// IngestEnvelope carries one raw payload line with source metadata.
// It is the transport contract between ingestion sources and processing.
type IngestEnvelope struct {
	Source string
	Line   string
}

package model

import "time"

// Shared defaults used by both the server and CLI binaries.
const (
	DefaultApplication  = "default"
	DefaultPageSize     = 50
	MaxPageSize         = 1000
	DefaultQueryTimeout = 30 * time.Second
)

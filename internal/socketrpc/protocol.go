package socketrpc

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/tinytelemetry/faultline/internal/model"
)

// JSON-RPC 2.0 Method Reference
//
// The socket RPC server exposes the error log and the grouping registry
// over a Unix domain socket for local tooling.
//
//   Method        Params                                   Result
//   ──────────    ──────────────────────────────────────   ─────────────────────────
//   ErrorCount    {Opts: QueryOpts}                        int64
//   ListErrors    {PageIndex: int, PageSize: int, App}     {Errors: []Error, Total: int64}
//   GetError      {ID: string}                             Error
//   TopTypes      {Limit: int, Opts: QueryOpts}            []DimensionCount
//   Groups        (none)                                   []GroupStats
//
// QueryOpts: {App: string}; empty string means all applications.
// ErrorCount and ListErrors accept empty or null params.
//
// Error codes follow JSON-RPC 2.0:
//   -32700  Parse error (malformed JSON)
//   -32601  Method not found
//   -32602  Invalid params
//   -32603  Internal error (marshal failure)
//   -32000  Application error (query failure)
//   -32001  Error not found

const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603
	codeApplication    = -32000
	codeNotFound       = -32001
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return e.Message }

// ListResult is the ListErrors result.
type ListResult struct {
	Errors []*model.Error
	Total  int64
}

// DefaultSocketPath returns the default Unix socket path.
// It prefers $XDG_RUNTIME_DIR/faultline/faultline.sock, falling back to
// ~/.local/state/faultline/faultline.sock.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "faultline", "faultline.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/faultline.sock"
	}
	return filepath.Join(home, ".local", "state", "faultline", "faultline.sock")
}

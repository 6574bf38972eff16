package otlpreceiver

import (
	"compress/gzip"
	"io"
	"mime"
	"net/http"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// HTTPPath is the OTLP/HTTP logs endpoint.
const HTTPPath = "/v1/logs"

// maxHTTPBody caps a decompressed export body.
const maxHTTPBody = 16 << 20

const (
	contentTypeProtobuf = "application/x-protobuf"
	contentTypeJSON     = "application/json"
)

// HTTPHandler serves OTLP/HTTP log exports. Bodies are protobuf unless the
// request says application/json; the response uses the same encoding.
// gzip content encoding is accepted. The gRPC listener need not be started.
func (r *Receiver) HTTPHandler() http.Handler {
	return http.HandlerFunc(r.serveHTTP)
}

func (r *Receiver) serveHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	isJSON := false
	if ct := req.Header.Get("Content-Type"); ct != "" {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err != nil {
			http.Error(w, "invalid content type", http.StatusUnsupportedMediaType)
			return
		}
		switch mediaType {
		case contentTypeJSON:
			isJSON = true
		case contentTypeProtobuf:
		default:
			http.Error(w, "unsupported content type "+mediaType, http.StatusUnsupportedMediaType)
			return
		}
	}

	var body io.Reader = req.Body
	switch req.Header.Get("Content-Encoding") {
	case "", "identity":
	case "gzip":
		gz, err := gzip.NewReader(req.Body)
		if err != nil {
			http.Error(w, "invalid gzip body", http.StatusBadRequest)
			return
		}
		defer gz.Close()
		body = gz
	default:
		http.Error(w, "unsupported content encoding", http.StatusUnsupportedMediaType)
		return
	}

	raw, err := io.ReadAll(io.LimitReader(body, maxHTTPBody+1))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(raw) > maxHTTPBody {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}

	exportReq := &collogspb.ExportLogsServiceRequest{}
	if isJSON {
		err = protojson.UnmarshalOptions{DiscardUnknown: true}.Unmarshal(raw, exportReq)
	} else {
		err = proto.Unmarshal(raw, exportReq)
	}
	if err != nil {
		r.logger.Debug().Err(err).Bool("json", isJSON).Msg("rejected OTLP/HTTP body")
		http.Error(w, "decode export request: "+err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := r.Export(req.Context(), exportReq)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var out []byte
	if isJSON {
		w.Header().Set("Content-Type", contentTypeJSON)
		out, err = protojson.Marshal(resp)
	} else {
		w.Header().Set("Content-Type", contentTypeProtobuf)
		out, err = proto.Marshal(resp)
	}
	if err != nil {
		http.Error(w, "encode response: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

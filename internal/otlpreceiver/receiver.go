// Package otlpreceiver accepts OTLP log exports over gRPC and signals the
// exception records among them.
package otlpreceiver

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	"google.golang.org/grpc"

	"github.com/tinytelemetry/faultline/internal/capture"
	"github.com/tinytelemetry/faultline/internal/ingest"
)

// DefaultAddr is the standard OTLP gRPC port on loopback.
const DefaultAddr = "127.0.0.1:4317"

// Receiver implements the OTLP LogsService.
type Receiver struct {
	collogspb.UnimplementedLogsServiceServer

	addr     string
	sink     ingest.Signaler
	grpcsrv  *grpc.Server
	listener net.Listener
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

// New returns a receiver that will listen on addr and signal errors to sink.
func New(addr string, sink ingest.Signaler) *Receiver {
	if addr == "" {
		addr = DefaultAddr
	}
	return &Receiver{
		addr:   addr,
		sink:   sink,
		logger: log.With().Str("component", "otlp").Logger(),
	}
}

// Start listens and serves in the background.
func (r *Receiver) Start() error {
	ln, err := net.Listen("tcp", r.addr)
	if err != nil {
		return fmt.Errorf("otlp: listen %s: %w", r.addr, err)
	}
	r.listener = ln
	r.grpcsrv = grpc.NewServer()
	collogspb.RegisterLogsServiceServer(r.grpcsrv, r)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.grpcsrv.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			r.logger.Error().Err(err).Msg("grpc server stopped")
		}
	}()
	r.logger.Info().Str("addr", ln.Addr().String()).Msg("OTLP gRPC receiver running")
	return nil
}

// Addr returns the listen address, resolved once started.
func (r *Receiver) Addr() string {
	if r.listener != nil {
		return r.listener.Addr().String()
	}
	return r.addr
}

// Stop drains in-flight exports and stops the server.
func (r *Receiver) Stop() {
	if r.grpcsrv != nil {
		r.grpcsrv.GracefulStop()
	}
	r.wg.Wait()
}

// Export implements collogspb.LogsServiceServer. Records rejected by the
// pipeline are reported as a partial success.
func (r *Receiver) Export(ctx context.Context, req *collogspb.ExportLogsServiceRequest) (*collogspb.ExportLogsServiceResponse, error) {
	var (
		rejected int64
		firstErr error
	)
	for _, rl := range req.GetResourceLogs() {
		resAttrs := attributes(rl.GetResource().GetAttributes())
		for _, sl := range rl.GetScopeLogs() {
			scopeAttrs := cloneWith(resAttrs, attributes(sl.GetScope().GetAttributes()))
			if name := sl.GetScope().GetName(); name != "" {
				scopeAttrs["otel.scope.name"] = name
			}
			for _, lr := range sl.GetLogRecords() {
				e := ingest.ErrorFromAttributes(
					cloneWith(scopeAttrs, attributes(lr.GetAttributes())),
					anyValue(lr.GetBody()),
					recordTime(lr),
				)
				if e == nil || r.sink == nil {
					continue
				}
				err := r.sink.Signal(capture.SourceOTLP, e)
				if err == nil || errors.Is(err, capture.ErrFiltered) {
					continue
				}
				rejected++
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}

	resp := &collogspb.ExportLogsServiceResponse{}
	if rejected > 0 {
		r.logger.Warn().Err(firstErr).Int64("rejected", rejected).Msg("export partially failed")
		resp.PartialSuccess = &collogspb.ExportLogsPartialSuccess{
			RejectedLogRecords: rejected,
			ErrorMessage:       firstErr.Error(),
		}
	}
	return resp, nil
}

func recordTime(lr *logspb.LogRecord) time.Time {
	if ns := lr.GetTimeUnixNano(); ns > 0 {
		return time.Unix(0, int64(ns)).UTC()
	}
	if ns := lr.GetObservedTimeUnixNano(); ns > 0 {
		return time.Unix(0, int64(ns)).UTC()
	}
	return time.Time{}
}

func attributes(kvs []*commonpb.KeyValue) map[string]string {
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		if kv.GetKey() == "" {
			continue
		}
		if v := anyValue(kv.GetValue()); v != "" {
			out[kv.GetKey()] = v
		}
	}
	return out
}

func cloneWith(base, extra map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func anyValue(v *commonpb.AnyValue) string {
	if v == nil {
		return ""
	}
	switch val := v.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return val.StringValue
	case *commonpb.AnyValue_IntValue:
		return strconv.FormatInt(val.IntValue, 10)
	case *commonpb.AnyValue_BoolValue:
		return strconv.FormatBool(val.BoolValue)
	case *commonpb.AnyValue_DoubleValue:
		return strconv.FormatFloat(val.DoubleValue, 'f', -1, 64)
	case *commonpb.AnyValue_BytesValue:
		return base64.StdEncoding.EncodeToString(val.BytesValue)
	case *commonpb.AnyValue_ArrayValue:
		parts := make([]string, 0, len(val.ArrayValue.GetValues()))
		for _, item := range val.ArrayValue.GetValues() {
			if s := anyValue(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ",")
	case *commonpb.AnyValue_KvlistValue:
		parts := make([]string, 0, len(val.KvlistValue.GetValues()))
		for _, kv := range val.KvlistValue.GetValues() {
			parts = append(parts, kv.GetKey()+"="+anyValue(kv.GetValue()))
		}
		return strings.Join(parts, ",")
	}
	return ""
}

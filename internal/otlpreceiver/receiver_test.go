package otlpreceiver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/tinytelemetry/faultline/internal/capture"
	"github.com/tinytelemetry/faultline/internal/model"
)

type recordingSink struct {
	mu      sync.Mutex
	errs    []*model.Error
	sources []string
	fail    func(*model.Error) error
}

func (s *recordingSink) Signal(source string, e *model.Error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, e)
	s.sources = append(s.sources, source)
	if s.fail != nil {
		return s.fail(e)
	}
	return nil
}

func (s *recordingSink) all() []*model.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.Error(nil), s.errs...)
}

func str(k, v string) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: k, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v}}}
}

func exceptionRecord(typ, url string, extra ...*commonpb.KeyValue) *logspb.LogRecord {
	attrs := append([]*commonpb.KeyValue{
		str("exception.type", typ),
		str("exception.message", typ+" thrown"),
		str("url.full", url),
	}, extra...)
	return &logspb.LogRecord{
		TimeUnixNano: uint64(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC).UnixNano()),
		Attributes:   attrs,
	}
}

func request(records ...*logspb.LogRecord) *collogspb.ExportLogsServiceRequest {
	return &collogspb.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{{
			Resource: &resourcepb.Resource{Attributes: []*commonpb.KeyValue{
				str("service.name", "checkout"),
				str("host.name", "web-3"),
			}},
			ScopeLogs: []*logspb.ScopeLogs{{
				Scope:      &commonpb.InstrumentationScope{Name: "orders"},
				LogRecords: records,
			}},
		}},
	}
}

func TestExportMapsExceptionRecords(t *testing.T) {
	sink := &recordingSink{}
	r := New("", sink)

	status := &commonpb.KeyValue{Key: "http.response.status_code", Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: 503}}}
	plain := &logspb.LogRecord{Body: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: "served"}}}

	resp, err := r.Export(context.Background(), request(
		exceptionRecord("TimeoutException", "/pay?x=1", status),
		plain,
	))
	require.NoError(t, err)
	assert.Nil(t, resp.GetPartialSuccess())

	errs := sink.all()
	require.Len(t, errs, 1)
	e := errs[0]
	assert.Equal(t, "TimeoutException", e.Type())
	assert.Equal(t, "TimeoutException thrown", e.Message())
	assert.Equal(t, "checkout", e.Application())
	assert.Equal(t, "web-3", e.Host())
	assert.Equal(t, "orders", e.Source())
	assert.Equal(t, "/pay?x=1", e.URL())
	assert.Equal(t, 503, e.StatusCode())
	assert.Equal(t, 2024, e.Time().Year())
	assert.Equal(t, []string{capture.SourceOTLP}, sink.sources)
}

func TestExportReportsPartialSuccess(t *testing.T) {
	sink := &recordingSink{fail: func(e *model.Error) error {
		switch e.Type() {
		case "Filtered":
			return capture.ErrFiltered
		case "Broken":
			return errors.New("flush failed")
		}
		return nil
	}}
	r := New("", sink)

	resp, err := r.Export(context.Background(), request(
		exceptionRecord("Filtered", "/a"),
		exceptionRecord("Broken", "/b"),
		exceptionRecord("Fine", "/c"),
	))
	require.NoError(t, err)
	require.NotNil(t, resp.GetPartialSuccess())
	assert.EqualValues(t, 1, resp.GetPartialSuccess().GetRejectedLogRecords())
	assert.Equal(t, "flush failed", resp.GetPartialSuccess().GetErrorMessage())
	assert.Len(t, sink.all(), 3)
}

func TestAnyValue(t *testing.T) {
	cases := []struct {
		name string
		v    *commonpb.AnyValue
		want string
	}{
		{"nil", nil, ""},
		{"bool", &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: true}}, "true"},
		{"double", &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: 1.5}}, "1.5"},
		{"array", &commonpb.AnyValue{Value: &commonpb.AnyValue_ArrayValue{ArrayValue: &commonpb.ArrayValue{
			Values: []*commonpb.AnyValue{
				{Value: &commonpb.AnyValue_StringValue{StringValue: "a"}},
				{Value: &commonpb.AnyValue_IntValue{IntValue: 2}},
			},
		}}}, "a,2"},
		{"kvlist", &commonpb.AnyValue{Value: &commonpb.AnyValue_KvlistValue{KvlistValue: &commonpb.KeyValueList{
			Values: []*commonpb.KeyValue{str("k", "v")},
		}}}, "k=v"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, anyValue(tc.v))
		})
	}
}

func TestReceiverOverGRPC(t *testing.T) {
	sink := &recordingSink{}
	r := New("127.0.0.1:0", sink)
	require.NoError(t, r.Start())
	defer r.Stop()

	conn, err := grpc.NewClient(r.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = collogspb.NewLogsServiceClient(conn).Export(ctx, request(exceptionRecord("IOException", "/upload")))
	require.NoError(t, err)

	errs := sink.all()
	require.Len(t, errs, 1)
	assert.Equal(t, "IOException", errs[0].Type())
}

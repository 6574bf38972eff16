package ingest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tinytelemetry/faultline/internal/model"
)

// OTEL semantic convention keys read by ErrorFromAttributes.
const (
	AttrExceptionType       = "exception.type"
	AttrExceptionMessage    = "exception.message"
	AttrExceptionStacktrace = "exception.stacktrace"
)

var (
	urlKeys    = []string{"url.full", "http.url", "url.path", "http.target"}
	appKeys    = []string{"service.name", "app", "service_name", "service"}
	statusKeys = []string{"http.response.status_code", "http.status_code"}
)

// ParseErrors parses one JSON line into zero or more errors. The line is
// either a native error object or an OTEL log envelope; OTEL records that
// carry no exception attributes are skipped. ok is false when the line is
// not a JSON object.
func ParseErrors(line string) (errs []*model.Error, ok bool) {
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return nil, false
	}

	if errs, isOTEL := parseOTELErrors(raw); isOTEL {
		return errs, true
	}
	if e := parseNativeError(line, raw); e != nil {
		return []*model.Error{e}, true
	}
	return nil, true
}

// parseNativeError decodes the ErrorFields wire shape. Objects with neither
// a type nor a message are not errors.
func parseNativeError(line string, raw map[string]interface{}) *model.Error {
	if ExtractStringField(raw, "type", "message") == "" {
		return nil
	}
	var e model.Error
	if err := json.Unmarshal([]byte(line), &e); err != nil {
		return nil
	}
	return &e
}

func parseOTELErrors(raw map[string]interface{}) ([]*model.Error, bool) {
	if resourceLogs, ok := raw["resourceLogs"]; ok {
		return parseOTELResourceLogs(resourceLogs), true
	}

	if scopeLogs, ok := raw["scopeLogs"]; ok {
		inherited := parseOTELResourceAttributes(raw["resource"])
		return parseOTELScopeLogs(scopeLogs, inherited), true
	}

	if logRecords, ok := raw["logRecords"]; ok {
		baseAttrs := parseOTELResourceAttributes(raw["resource"])
		return parseOTELLogRecords(logRecords, baseAttrs), true
	}

	if isOTELLogRecord(raw) {
		e := parseOTELLogRecord(raw, nil)
		if e == nil {
			return nil, true
		}
		return []*model.Error{e}, true
	}

	return nil, false
}

func parseOTELResourceLogs(value interface{}) []*model.Error {
	resourceLogs, ok := value.([]interface{})
	if !ok {
		return nil
	}

	var errs []*model.Error
	for _, item := range resourceLogs {
		resourceLog, ok := item.(map[string]interface{})
		if !ok {
			continue
		}

		inherited := parseOTELResourceAttributes(resourceLog["resource"])
		scopeLogsVal := resourceLog["scopeLogs"]
		if scopeLogsVal == nil {
			// Backward compatibility with older OTEL naming.
			scopeLogsVal = resourceLog["instrumentationLibraryLogs"]
		}
		errs = append(errs, parseOTELScopeLogs(scopeLogsVal, inherited)...)
	}
	return errs
}

func parseOTELResourceAttributes(value interface{}) map[string]string {
	resource, ok := value.(map[string]interface{})
	if !ok {
		return map[string]string{}
	}
	return parseOTELAttributes(resource["attributes"])
}

func parseOTELScopeLogs(value interface{}, inherited map[string]string) []*model.Error {
	scopeLogs, ok := value.([]interface{})
	if !ok {
		return nil
	}

	var errs []*model.Error
	for _, item := range scopeLogs {
		scopeLog, ok := item.(map[string]interface{})
		if !ok {
			continue
		}

		scopeAttrs := cloneAttributes(inherited)
		if scope, ok := scopeLog["scope"].(map[string]interface{}); ok {
			if name := ExtractStringField(scope, "name"); name != "" {
				scopeAttrs["otel.scope.name"] = name
			}
			mergeAttributes(scopeAttrs, parseOTELAttributes(scope["attributes"]))
		}

		errs = append(errs, parseOTELLogRecords(scopeLog["logRecords"], scopeAttrs)...)
	}
	return errs
}

func parseOTELLogRecords(value interface{}, inherited map[string]string) []*model.Error {
	logRecords, ok := value.([]interface{})
	if !ok {
		return nil
	}

	errs := make([]*model.Error, 0, len(logRecords))
	for _, item := range logRecords {
		logRecord, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if e := parseOTELLogRecord(logRecord, inherited); e != nil {
			errs = append(errs, e)
		}
	}
	return errs
}

func parseOTELLogRecord(raw map[string]interface{}, inherited map[string]string) *model.Error {
	attributes := cloneAttributes(inherited)
	mergeAttributes(attributes, parseOTELAttributes(raw["attributes"]))
	return ErrorFromAttributes(attributes, extractOTELBody(raw["body"]), extractOTELTimestamp(raw))
}

// ErrorFromAttributes maps an OTEL exception log record to an error. It
// returns nil when the attributes describe no exception. A zero ts means
// the time of receipt.
func ErrorFromAttributes(attrs map[string]string, body string, ts time.Time) *model.Error {
	typ := attrs[AttrExceptionType]
	message := attrs[AttrExceptionMessage]
	if typ == "" && message == "" {
		return nil
	}
	if message == "" {
		message = body
	}

	f := model.ErrorFields{
		Application: firstAttr(attrs, appKeys...),
		Host:        attrs["host.name"],
		Type:        typ,
		Message:     sanitizeMessage(message),
		Source:      firstAttr(attrs, "code.namespace", "code.function", "otel.scope.name"),
		Detail:      attrs[AttrExceptionStacktrace],
		User:        attrs["enduser.id"],
		URL:         firstAttr(attrs, urlKeys...),
		Time:        ts,
	}
	if status, err := strconv.Atoi(firstAttr(attrs, statusKeys...)); err == nil {
		f.StatusCode = status
	}
	for _, sv := range []struct{ name, key string }{
		{"REQUEST_METHOD", "http.request.method"},
		{"REMOTE_ADDR", "client.address"},
		{"HTTP_USER_AGENT", "user_agent.original"},
		{"HTTP_HOST", "server.address"},
	} {
		if v := attrs[sv.key]; v != "" {
			f.ServerVariables = append(f.ServerVariables, model.NameValue{Name: sv.name, Value: v})
		}
	}
	return model.NewError(f)
}

func firstAttr(attrs map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := attrs[k]; v != "" {
			return v
		}
	}
	return ""
}

func parseOTELAttributes(value interface{}) map[string]string {
	out := map[string]string{}
	attributes, ok := value.([]interface{})
	if !ok {
		return out
	}

	for _, item := range attributes {
		attr, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		key := ExtractStringField(attr, "key")
		if key == "" {
			continue
		}
		val := extractOTELAnyValue(attr["value"])
		if val == "" {
			continue
		}
		out[key] = val
	}
	return out
}

func extractOTELBody(value interface{}) string {
	switch body := value.(type) {
	case string:
		return body
	case map[string]interface{}:
		return extractOTELAnyValue(body)
	default:
		return stringifyJSONValue(body)
	}
}

func extractOTELAnyValue(value interface{}) string {
	anyValue, ok := value.(map[string]interface{})
	if !ok {
		return stringifyJSONValue(value)
	}

	for _, key := range []string{"stringValue", "boolValue", "intValue", "doubleValue", "bytesValue"} {
		if val, ok := anyValue[key]; ok {
			return stringifyJSONValue(val)
		}
	}

	if arrayValue, ok := anyValue["arrayValue"].(map[string]interface{}); ok {
		if vals, ok := arrayValue["values"].([]interface{}); ok {
			parts := make([]string, 0, len(vals))
			for _, v := range vals {
				part := extractOTELAnyValue(v)
				if part == "" {
					continue
				}
				parts = append(parts, part)
			}
			return strings.Join(parts, ",")
		}
	}

	if kvListValue, ok := anyValue["kvlistValue"].(map[string]interface{}); ok {
		return stringifyJSONValue(kvListValue["values"])
	}

	return stringifyJSONValue(anyValue)
}

func extractOTELTimestamp(raw map[string]interface{}) time.Time {
	for _, key := range []string{"timeUnixNano", "observedTimeUnixNano"} {
		value, ok := raw[key]
		if !ok {
			continue
		}
		if ts, parsed := parseTimeUnixNano(value); parsed {
			return ts
		}
	}
	return time.Time{}
}

func parseTimeUnixNano(value interface{}) (time.Time, bool) {
	switch v := value.(type) {
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return time.Time{}, false
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
			return time.Unix(0, n).UTC(), true
		}
	case float64:
		if v > 0 {
			return time.Unix(0, int64(v)).UTC(), true
		}
	}
	return time.Time{}, false
}

func isOTELLogRecord(raw map[string]interface{}) bool {
	for _, key := range []string{
		"timeUnixNano",
		"observedTimeUnixNano",
		"severityNumber",
		"severityText",
		"traceId",
		"spanId",
	} {
		if _, ok := raw[key]; ok {
			return true
		}
	}

	_, hasBody := raw["body"]
	_, hasAttrs := raw["attributes"]
	return hasBody && hasAttrs
}

func cloneAttributes(attributes map[string]string) map[string]string {
	out := make(map[string]string, len(attributes))
	for k, v := range attributes {
		out[k] = v
	}
	return out
}

func mergeAttributes(dst, src map[string]string) {
	for k, v := range src {
		dst[k] = v
	}
}

func stringifyJSONValue(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return fmt.Sprintf("%v", v)
	default:
		if b, err := json.Marshal(v); err == nil {
			return string(b)
		}
	}
	return ""
}

// sanitizeMessage flattens a message onto one line. Stack traces belong in
// the detail.
func sanitizeMessage(message string) string {
	clean := strings.ReplaceAll(message, "\t", " ")
	clean = strings.ReplaceAll(clean, "\r\n", " ")
	clean = strings.ReplaceAll(clean, "\n", " ")
	clean = strings.ReplaceAll(clean, "\r", " ")
	return strings.TrimSpace(clean)
}

// ExtractStringField returns the first non-empty string value found among the given keys.
func ExtractStringField(raw map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := raw[k]; ok {
			if str := stringifyJSONValue(v); str != "" {
				return str
			}
		}
	}
	return ""
}

package capture

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/tinytelemetry/faultline/internal/model"
)

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// FromPanic builds an error for a recovered panic value. The type is the
// dynamic type of the value (or of its cause when it is an error) and the
// detail is the current goroutine stack.
func FromPanic(recovered any, req *http.Request, app, host string) *model.Error {
	f := requestFields(req)
	f.Application = app
	f.Host = host
	f.StatusCode = http.StatusInternalServerError
	f.Time = time.Now().UTC()

	if err, ok := recovered.(error); ok {
		f.Type = typeName(errors.Cause(err))
		f.Message = err.Error()
	} else {
		f.Type = typeName(recovered)
		f.Message = fmt.Sprint(recovered)
	}
	f.Source = "panic"
	f.Detail = fmt.Sprintf("panic: %s\n\n%s", f.Message, debug.Stack())
	return model.NewError(f)
}

// FromError builds an error for err. When err carries no stack trace one is
// attached at this call site, and the detail is the formatted trace.
func FromError(err error, req *http.Request, app, host string, status int) *model.Error {
	if err == nil {
		return nil
	}
	skip := 0
	if _, ok := err.(stackTracer); !ok {
		err = errors.WithStack(err)
		skip = 1 // the trace starts in FromError
	}

	f := requestFields(req)
	f.Application = app
	f.Host = host
	f.StatusCode = status
	f.Time = time.Now().UTC()
	f.Type = typeName(errors.Cause(err))
	f.Message = err.Error()
	f.Source = sourceOf(err.(stackTracer), skip)
	f.Detail = fmt.Sprintf("%+v", err)
	return model.NewError(f)
}

func typeName(v any) string {
	if v == nil {
		return "nil"
	}
	return fmt.Sprintf("%T", v)
}

// sourceOf names the function at the top of the trace.
func sourceOf(st stackTracer, skip int) string {
	trace := st.StackTrace()
	if len(trace) <= skip {
		return ""
	}
	return fmt.Sprintf("%n", trace[skip])
}

// requestFields fills the request-derived parts of an error. A nil request
// yields empty fields.
func requestFields(req *http.Request) model.ErrorFields {
	var f model.ErrorFields
	if req == nil {
		return f
	}

	if req.URL != nil {
		f.URL = req.URL.RequestURI()
		f.QueryString = sortedValues(req.URL.Query())
	}
	if req.PostForm != nil {
		f.Form = sortedValues(req.PostForm)
	}
	if user, _, ok := req.BasicAuth(); ok {
		f.User = user
	}
	for _, c := range req.Cookies() {
		f.Cookies = append(f.Cookies, model.NameValue{Name: c.Name, Value: c.Value})
	}

	path := ""
	query := ""
	if req.URL != nil {
		path = req.URL.Path
		query = req.URL.RawQuery
	}
	f.ServerVariables = model.NameValues{
		{Name: "REQUEST_METHOD", Value: req.Method},
		{Name: "URL", Value: f.URL},
		{Name: "PATH_INFO", Value: path},
		{Name: "QUERY_STRING", Value: query},
		{Name: "REMOTE_ADDR", Value: req.RemoteAddr},
		{Name: "HTTP_HOST", Value: req.Host},
		{Name: "HTTP_USER_AGENT", Value: req.UserAgent()},
		{Name: "SERVER_PROTOCOL", Value: req.Proto},
	}
	return f
}

func sortedValues(values map[string][]string) model.NameValues {
	if len(values) == 0 {
		return nil
	}
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	var out model.NameValues
	for _, name := range names {
		for _, v := range values[name] {
			out = append(out, model.NameValue{Name: name, Value: v})
		}
	}
	return out
}

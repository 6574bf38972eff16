package capture

import (
	"strings"

	"github.com/tinytelemetry/faultline/internal/model"
)

// Filter reasons.
const (
	ReasonStatus = "status"
	ReasonType   = "type"
)

// Filter dismisses errors by HTTP status code or type name. A nil Filter
// accepts everything.
type Filter struct {
	statusCodes map[int]struct{}
	types       map[string]struct{}
}

// NewFilter builds a filter. Type names match case-insensitively, either in
// full ("System.Web.HttpException") or by the part after the last dot.
func NewFilter(statusCodes []int, types []string) *Filter {
	f := &Filter{
		statusCodes: make(map[int]struct{}, len(statusCodes)),
		types:       make(map[string]struct{}, len(types)),
	}
	for _, c := range statusCodes {
		f.statusCodes[c] = struct{}{}
	}
	for _, t := range types {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			f.types[t] = struct{}{}
		}
	}
	return f
}

// Match reports whether e should be dismissed and why.
func (f *Filter) Match(e *model.Error) (reason string, drop bool) {
	if f == nil {
		return "", false
	}
	if _, ok := f.statusCodes[e.StatusCode()]; ok && e.StatusCode() != 0 {
		return ReasonStatus, true
	}
	if len(f.types) == 0 {
		return "", false
	}
	typ := strings.ToLower(e.Type())
	if _, ok := f.types[typ]; ok {
		return ReasonType, true
	}
	if i := strings.LastIndexAny(typ, "./"); i >= 0 {
		if _, ok := f.types[typ[i+1:]]; ok {
			return ReasonType, true
		}
	}
	return "", false
}

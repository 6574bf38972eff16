package model

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NameValue is one entry of an ordered name/value collection.
type NameValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// NameValues is an ordered collection such as server variables, query
// string parameters, form fields or cookies. Names may repeat.
type NameValues []NameValue

// Get returns the first value whose name matches case-insensitively.
func (nv NameValues) Get(name string) string {
	v, _ := nv.Lookup(name)
	return v
}

// Lookup is like Get but reports whether the name was present.
func (nv NameValues) Lookup(name string) (string, bool) {
	for _, p := range nv {
		if strings.EqualFold(p.Name, name) {
			return p.Value, true
		}
	}
	return "", false
}

func (nv NameValues) clone() NameValues {
	if nv == nil {
		return nil
	}
	out := make(NameValues, len(nv))
	copy(out, nv)
	return out
}

// ErrorFields is the mutable construction form of an Error. It is also the
// JSON wire shape used by the HTTP API, the socket RPC and the file log.
type ErrorFields struct {
	ID              string     `json:"id"`
	Application     string     `json:"application"`
	Host            string     `json:"host"`
	Type            string     `json:"type"`
	Message         string     `json:"message"`
	Source          string     `json:"source"`
	Detail          string     `json:"detail"`
	User            string     `json:"user"`
	StatusCode      int        `json:"statusCode"`
	Time            time.Time  `json:"time"`
	URL             string     `json:"url,omitempty"`
	WebHostHTML     string     `json:"webHostHtml,omitempty"`
	ServerVariables NameValues `json:"serverVariables,omitempty"`
	QueryString     NameValues `json:"queryString,omitempty"`
	Form            NameValues `json:"form,omitempty"`
	Cookies         NameValues `json:"cookies,omitempty"`
}

// Error is one captured application error. It is immutable once built:
// every accessor returns a value or a copy, so an Error can be shared
// between the grouping engine, storage and notification sinks freely.
type Error struct {
	f ErrorFields
}

// NewError builds an Error from fields. A missing ID is generated, a zero
// Time becomes the current time, and a blank Application becomes
// DefaultApplication. Collections are copied.
func NewError(f ErrorFields) *Error {
	e := &Error{f: f}
	e.normalize()
	return e
}

func (e *Error) normalize() {
	if e.f.ID == "" {
		e.f.ID = uuid.NewString()
	}
	if e.f.Time.IsZero() {
		e.f.Time = time.Now()
	}
	e.f.Time = e.f.Time.UTC()
	if strings.TrimSpace(e.f.Application) == "" {
		e.f.Application = DefaultApplication
	}
	e.f.ServerVariables = e.f.ServerVariables.clone()
	e.f.QueryString = e.f.QueryString.clone()
	e.f.Form = e.f.Form.clone()
	e.f.Cookies = e.f.Cookies.clone()
}

func (e *Error) ID() string          { return e.f.ID }
func (e *Error) Application() string { return e.f.Application }
func (e *Error) Host() string        { return e.f.Host }
func (e *Error) Type() string        { return e.f.Type }
func (e *Error) Message() string     { return e.f.Message }
func (e *Error) Source() string      { return e.f.Source }
func (e *Error) Detail() string      { return e.f.Detail }
func (e *Error) User() string        { return e.f.User }
func (e *Error) StatusCode() int     { return e.f.StatusCode }
func (e *Error) Time() time.Time     { return e.f.Time }
func (e *Error) WebHostHTML() string { return e.f.WebHostHTML }

func (e *Error) ServerVariables() NameValues { return e.f.ServerVariables.clone() }
func (e *Error) QueryString() NameValues     { return e.f.QueryString.clone() }
func (e *Error) Form() NameValues            { return e.f.Form.clone() }
func (e *Error) Cookies() NameValues         { return e.f.Cookies.clone() }

// URL returns the request URL the error was raised for. When no explicit
// URL was captured it falls back to the URL and PATH_INFO server variables.
func (e *Error) URL() string {
	if e.f.URL != "" {
		return e.f.URL
	}
	if v := e.f.ServerVariables.Get("URL"); v != "" {
		return v
	}
	return e.f.ServerVariables.Get("PATH_INFO")
}

// Fields returns a deep copy of the error's fields.
func (e *Error) Fields() ErrorFields {
	f := e.f
	f.ServerVariables = f.ServerVariables.clone()
	f.QueryString = f.QueryString.clone()
	f.Form = f.Form.clone()
	f.Cookies = f.Cookies.clone()
	return f
}

func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.f)
}

// ErrAlreadyBuilt is returned when JSON is decoded into an Error that
// already holds a value.
var ErrAlreadyBuilt = errors.New("model: cannot unmarshal into a built Error")

// UnmarshalJSON decodes the ErrorFields shape and builds the value with
// NewError. Only a zero Error can be decoded into.
func (e *Error) UnmarshalJSON(data []byte) error {
	if e.f.ID != "" {
		return ErrAlreadyBuilt
	}
	var f ErrorFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*e = *NewError(f)
	return nil
}

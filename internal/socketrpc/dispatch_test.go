package socketrpc

import (
	"encoding/json"
	"testing"

	"github.com/tinytelemetry/faultline/internal/memlog"
)

func newTestDispatcher(t *testing.T) *Server {
	t.Helper()
	store, err := memlog.New(10)
	if err != nil {
		t.Fatalf("memlog.New: %v", err)
	}
	return NewServer("", store, nil)
}

func TestDispatch_MethodNotFound(t *testing.T) {
	s := newTestDispatcher(t)
	resp := s.dispatch(Request{JSONRPC: "2.0", ID: 7, Method: "DropEverything"})
	if resp.Error == nil || resp.Error.Code != codeMethodNotFound {
		t.Fatalf("error = %+v, want method not found", resp.Error)
	}
	if resp.ID != 7 {
		t.Errorf("ID = %d, want 7", resp.ID)
	}
}

func TestDispatch_NullParamsAccepted(t *testing.T) {
	s := newTestDispatcher(t)
	for _, method := range []string{"ErrorCount", "ListErrors", "Groups"} {
		for _, params := range []json.RawMessage{nil, json.RawMessage("null")} {
			resp := s.dispatch(Request{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
			if resp.Error != nil {
				t.Errorf("%s(%s): %v", method, params, resp.Error)
			}
		}
	}
}

func TestDispatch_InvalidParams(t *testing.T) {
	s := newTestDispatcher(t)
	cases := []Request{
		{Method: "ErrorCount", Params: json.RawMessage(`[1,2]`)},
		{Method: "GetError", Params: json.RawMessage(`{}`)},
		{Method: "GetError", Params: json.RawMessage(`"abc"`)},
		{Method: "TopTypes", Params: json.RawMessage(`{"Limit":"x"}`)},
	}
	for _, req := range cases {
		resp := s.dispatch(req)
		if resp.Error == nil || resp.Error.Code != codeInvalidParams {
			t.Errorf("%s(%s) error = %+v, want invalid params", req.Method, req.Params, resp.Error)
		}
	}
}

func TestDispatch_GetErrorNotFound(t *testing.T) {
	s := newTestDispatcher(t)
	resp := s.dispatch(Request{Method: "GetError", Params: json.RawMessage(`{"ID":"nope"}`)})
	if resp.Error == nil || resp.Error.Code != codeNotFound {
		t.Fatalf("error = %+v, want not found", resp.Error)
	}
}

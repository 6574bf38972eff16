package source

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func TestStdinSourceStopClosesLines(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer func() { _ = w.Close() }()

	src := newStdinSourceWithReader(context.Background(), r)
	src.Stop()

	select {
	case _, ok := <-src.Lines():
		if ok {
			t.Fatal("expected lines channel to be closed after Stop")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for lines channel to close")
	}
}

func TestStdinSourceStopIsIdempotent(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer func() { _ = w.Close() }()

	src := newStdinSourceWithReader(context.Background(), r)
	src.Stop()
	src.Stop()
}

func TestStdinSourceReadsUntilEOF(t *testing.T) {
	in := strings.NewReader("{\"type\":\"A\"}\n\n{\"type\":\"B\"}\n")
	src := newStdinSourceWithReader(context.Background(), in, StdinConfig{BufferSize: 4})

	var got []string
	for env := range src.Lines() {
		if env.Source != "stdin" {
			t.Fatalf("source = %q, want stdin", env.Source)
		}
		got = append(got, env.Line)
	}
	if len(got) != 2 || got[0] != `{"type":"A"}` || got[1] != `{"type":"B"}` {
		t.Fatalf("lines = %q", got)
	}
}

package grouping

import (
	"sync"

	"github.com/tinytelemetry/faultline/internal/model"
)

type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
	err   error
}

func (r *recorder) flush(s Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
	return r.err
}

func (r *recorder) all() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.snaps...)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func newErr(typ, url string) *model.Error {
	return model.NewError(model.ErrorFields{Type: typ, URL: url, Message: typ + " at " + url})
}

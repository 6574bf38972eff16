// Package journal is an append-only JSONL error log. Each line holds one
// error with a sequence number; reads are served from an in-memory index
// rebuilt on Open. Deletion rewrites the file atomically.
package journal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tinytelemetry/faultline/internal/model"
)

const (
	defaultFileMode = 0644
	defaultDirMode  = 0755
)

type entry struct {
	Seq   uint64       `json:"seq"`
	Error *model.Error `json:"error"`
}

// Journal is a file-backed model.ErrorLog.
type Journal struct {
	mu      sync.RWMutex
	path    string
	file    *os.File
	nextSeq uint64
	entries []entry
	index   map[string]int // id -> position in entries
}

// Open creates or opens a journal at path. A partially written or
// malformed tail is discarded and the file rewritten without it.
func Open(path string) (*Journal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("journal: path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), defaultDirMode); err != nil {
		return nil, fmt.Errorf("journal: mkdir: %w", err)
	}

	entries, clean, err := load(path)
	if err != nil {
		return nil, err
	}
	if !clean {
		if err := rewrite(path, entries); err != nil {
			return nil, err
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, defaultFileMode)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}

	j := &Journal{path: path, file: f, nextSeq: 1}
	j.setEntries(entries)
	return j, nil
}

func (j *Journal) setEntries(entries []entry) {
	j.entries = entries
	j.index = make(map[string]int, len(entries))
	for i, e := range entries {
		j.index[e.Error.ID()] = i
		if e.Seq >= j.nextSeq {
			j.nextSeq = e.Seq + 1
		}
	}
}

func (j *Journal) Name() string { return "file" }

// Path returns the journal file path.
func (j *Journal) Path() string { return j.path }

// Log appends errs in one write followed by fsync. An ID already present
// is superseded by the new entry.
func (j *Journal) Log(_ context.Context, errs []*model.Error) error {
	if len(errs) == 0 {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return errors.New("journal: closed")
	}

	var buf bytes.Buffer
	added := make([]entry, 0, len(errs))
	seq := j.nextSeq
	for _, e := range errs {
		if e == nil {
			continue
		}
		ent := entry{Seq: seq, Error: e}
		line, err := json.Marshal(ent)
		if err != nil {
			return fmt.Errorf("journal: marshal entry: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
		added = append(added, ent)
		seq++
	}

	if _, err := j.file.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("journal: write entries: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("journal: sync entries: %w", err)
	}

	j.nextSeq = seq
	for _, ent := range added {
		if i, ok := j.index[ent.Error.ID()]; ok {
			j.entries[i] = ent
			continue
		}
		j.index[ent.Error.ID()] = len(j.entries)
		j.entries = append(j.entries, ent)
	}
	return nil
}

func (j *Journal) Get(_ context.Context, id string) (*model.Error, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	i, ok := j.index[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return j.entries[i].Error, nil
}

func (j *Journal) List(_ context.Context, opts model.ListOpts) ([]*model.Error, int64, error) {
	opts = opts.Normalize()
	matched := j.newestFirst(opts.App)

	total := int64(len(matched))
	start := opts.Offset()
	if start >= len(matched) {
		return nil, total, nil
	}
	end := start + opts.PageSize
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func (j *Journal) Count(_ context.Context, opts model.QueryOpts) (int64, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if opts.App == "" {
		return int64(len(j.entries)), nil
	}
	var n int64
	for _, e := range j.entries {
		if e.Error.Application() == opts.App {
			n++
		}
	}
	return n, nil
}

// DeleteBefore drops errors older than cutoff and rewrites the file.
func (j *Journal) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return 0, errors.New("journal: closed")
	}

	kept := make([]entry, 0, len(j.entries))
	for _, e := range j.entries {
		if !e.Error.Time().Before(cutoff) {
			kept = append(kept, e)
		}
	}
	deleted := int64(len(j.entries) - len(kept))
	if deleted == 0 {
		return 0, nil
	}

	if err := j.file.Close(); err != nil {
		return 0, fmt.Errorf("journal: close for rewrite: %w", err)
	}
	j.file = nil
	rerr := rewrite(j.path, kept)

	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, defaultFileMode)
	if err != nil {
		return 0, fmt.Errorf("journal: reopen: %w", err)
	}
	j.file = f
	if rerr != nil {
		return 0, rerr
	}

	j.setEntries(kept)
	return deleted, nil
}

// Close closes the underlying journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

func (j *Journal) newestFirst(app string) []*model.Error {
	j.mu.RLock()
	out := make([]entry, 0, len(j.entries))
	for _, e := range j.entries {
		if app == "" || e.Error.Application() == app {
			out = append(out, e)
		}
	}
	j.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool {
		ta, tb := out[a].Error.Time(), out[b].Error.Time()
		if !ta.Equal(tb) {
			return ta.After(tb)
		}
		return out[a].Seq > out[b].Seq
	})
	errs := make([]*model.Error, len(out))
	for i, e := range out {
		errs[i] = e.Error
	}
	return errs
}

// load reads every complete entry. clean is false when a torn or malformed
// tail was skipped or an ID repeats.
func load(path string) (entries []entry, clean bool, err error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("journal: open for load: %w", err)
	}
	defer f.Close()

	seen := make(map[string]int)
	reader := bufio.NewReader(f)
	clean = true
	for {
		line, rerr := reader.ReadBytes('\n')
		if rerr != nil && !errors.Is(rerr, io.EOF) {
			return nil, false, fmt.Errorf("journal: load read: %w", rerr)
		}
		if len(line) == 0 {
			break
		}
		if line[len(line)-1] != '\n' {
			// Partial trailing line from a torn write.
			clean = false
			break
		}

		var e entry
		if uerr := json.Unmarshal(line, &e); uerr != nil || e.Error == nil {
			// Stop at first malformed line and keep load deterministic.
			clean = false
			break
		}
		if i, ok := seen[e.Error.ID()]; ok {
			entries[i] = e
			clean = false
		} else {
			seen[e.Error.ID()] = len(entries)
			entries = append(entries, e)
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
	}
	return entries, clean, nil
}

// rewrite replaces path with entries via a synced temp file and rename.
func rewrite(path string, entries []entry) error {
	tmpPath := path + ".compact"
	dst, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, defaultFileMode)
	if err != nil {
		return fmt.Errorf("journal: open compact tmp: %w", err)
	}

	w := bufio.NewWriter(dst)
	for _, e := range entries {
		line, merr := json.Marshal(e)
		if merr == nil {
			_, merr = w.Write(append(line, '\n'))
		}
		if merr != nil {
			_ = dst.Close()
			_ = os.Remove(tmpPath)
			return fmt.Errorf("journal: compact write: %w", merr)
		}
	}
	if err := w.Flush(); err != nil {
		_ = dst.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("journal: compact flush: %w", err)
	}
	if err := dst.Sync(); err != nil {
		_ = dst.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("journal: compact sync: %w", err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("journal: compact close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("journal: compact rename: %w", err)
	}
	return nil
}

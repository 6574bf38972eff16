// Package storetest is a conformance suite for model.ErrorLog backends.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/faultline/internal/model"
)

// Opener returns a fresh, empty log. The suite closes it.
type Opener func(t *testing.T) model.ErrorLog

var base = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// NewError builds a fixture error at base+offset.
func NewError(id, app, typ string, offset time.Duration) *model.Error {
	return model.NewError(model.ErrorFields{
		ID:          id,
		Application: app,
		Host:        "web-1",
		Type:        typ,
		Message:     "message for " + id,
		Source:      "checkout",
		Detail:      "stack for " + id,
		User:        "alice",
		StatusCode:  500,
		Time:        base.Add(offset),
		URL:         "/orders/" + id + "?page=1",
		QueryString: model.NameValues{{Name: "page", Value: "1"}},
		Cookies:     model.NameValues{{Name: "session", Value: "s-" + id}},
	})
}

// Run exercises every ErrorLog operation against open.
func Run(t *testing.T, open Opener) {
	t.Run("LogAndGet", func(t *testing.T) { testLogAndGet(t, open) })
	t.Run("GetUnknown", func(t *testing.T) { testGetUnknown(t, open) })
	t.Run("ListNewestFirst", func(t *testing.T) { testListNewestFirst(t, open) })
	t.Run("ListPaging", func(t *testing.T) { testListPaging(t, open) })
	t.Run("ListByApp", func(t *testing.T) { testListByApp(t, open) })
	t.Run("DeleteBefore", func(t *testing.T) { testDeleteBefore(t, open) })
	t.Run("EmptyBatch", func(t *testing.T) { testEmptyBatch(t, open) })
}

func openLog(t *testing.T, open Opener) model.ErrorLog {
	t.Helper()
	l := open(t)
	t.Cleanup(func() { l.Close() })
	return l
}

func testLogAndGet(t *testing.T, open Opener) {
	l := openLog(t, open)
	ctx := context.Background()
	want := NewError("a1", "shop", "System.InvalidOperationException", 0)

	require.NoError(t, l.Log(ctx, []*model.Error{want}))

	got, err := l.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, want.Fields(), got.Fields())
	assert.NotEmpty(t, l.Name())
}

func testGetUnknown(t *testing.T, open Opener) {
	l := openLog(t, open)

	_, err := l.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func testListNewestFirst(t *testing.T, open Opener) {
	l := openLog(t, open)
	ctx := context.Background()

	require.NoError(t, l.Log(ctx, []*model.Error{
		NewError("old", "shop", "A", 0),
		NewError("new", "shop", "B", 2*time.Minute),
		NewError("mid", "shop", "C", time.Minute),
	}))

	errs, total, err := l.List(ctx, model.ListOpts{PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, errs, 3)
	assert.Equal(t, []string{"new", "mid", "old"}, ids(errs))
}

func testListPaging(t *testing.T, open Opener) {
	l := openLog(t, open)
	ctx := context.Background()

	var batch []*model.Error
	for i := 0; i < 7; i++ {
		batch = append(batch, NewError(fmt.Sprintf("e%d", i), "shop", "A", time.Duration(i)*time.Second))
	}
	require.NoError(t, l.Log(ctx, batch))

	page, total, err := l.List(ctx, model.ListOpts{PageIndex: 1, PageSize: 3})
	require.NoError(t, err)
	assert.Equal(t, int64(7), total)
	assert.Equal(t, []string{"e3", "e2", "e1"}, ids(page))

	last, _, err := l.List(ctx, model.ListOpts{PageIndex: 2, PageSize: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"e0"}, ids(last))

	beyond, total, err := l.List(ctx, model.ListOpts{PageIndex: 5, PageSize: 3})
	require.NoError(t, err)
	assert.Empty(t, beyond)
	assert.Equal(t, int64(7), total)
}

func testListByApp(t *testing.T, open Opener) {
	l := openLog(t, open)
	ctx := context.Background()

	require.NoError(t, l.Log(ctx, []*model.Error{
		NewError("s1", "shop", "A", 0),
		NewError("b1", "billing", "A", time.Second),
		NewError("s2", "shop", "B", 2*time.Second),
	}))

	errs, total, err := l.List(ctx, model.ListOpts{App: "shop"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Equal(t, []string{"s2", "s1"}, ids(errs))

	n, err := l.Count(ctx, model.QueryOpts{App: "billing"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = l.Count(ctx, model.QueryOpts{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func testDeleteBefore(t *testing.T, open Opener) {
	l := openLog(t, open)
	ctx := context.Background()

	require.NoError(t, l.Log(ctx, []*model.Error{
		NewError("d1", "shop", "A", 0),
		NewError("d2", "shop", "A", time.Hour),
		NewError("d3", "shop", "A", 2*time.Hour),
	}))

	deleted, err := l.DeleteBefore(ctx, base.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	_, err = l.Get(ctx, "d1")
	assert.ErrorIs(t, err, model.ErrNotFound)

	n, err := l.Count(ctx, model.QueryOpts{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func testEmptyBatch(t *testing.T, open Opener) {
	l := openLog(t, open)
	require.NoError(t, l.Log(context.Background(), nil))

	n, err := l.Count(context.Background(), model.QueryOpts{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func ids(errs []*model.Error) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.ID()
	}
	return out
}

// Package storetest is the conformance suite shared by every generic.Store
// implementation. Adapters call Run from their own _test.go files.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/txcore/generic"
)

// Factory returns an empty store. It registers its own cleanup on t.
type Factory func(t *testing.T) generic.Store

// Run executes the full suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("PutCreateAndUpdate", func(t *testing.T) { testPutCreateAndUpdate(t, newStore(t)) })
	t.Run("PutVersionConflict", func(t *testing.T) { testPutVersionConflict(t, newStore(t)) })
	t.Run("CommitAllOrNothing", func(t *testing.T) { testCommitAllOrNothing(t, newStore(t)) })
	t.Run("CommitDelete", func(t *testing.T) { testCommitDelete(t, newStore(t)) })
	t.Run("ListOrderingAndCursor", func(t *testing.T) { testListOrderingAndCursor(t, newStore(t)) })
	t.Run("ConcurrentCreateSingleWinner", func(t *testing.T) { testConcurrentCreate(t, newStore(t)) })
}

func testGetMissing(t *testing.T, s generic.Store) {
	_, err := s.Get(context.Background(), "nope/1")
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func testPutCreateAndUpdate(t *testing.T, s generic.Store) {
	ctx := context.Background()

	doc, err := s.Put(ctx, "a/1", []byte(`{"n":1}`), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Version)

	doc, err = s.Put(ctx, "a/1", []byte(`{"n":2}`), doc.Version)
	require.NoError(t, err)
	assert.Equal(t, int64(2), doc.Version)

	got, err := s.Get(ctx, "a/1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.JSONEq(t, `{"n":2}`, string(got.Data))
}

func testPutVersionConflict(t *testing.T, s generic.Store) {
	ctx := context.Background()

	_, err := s.Put(ctx, "a/1", []byte(`{}`), 0)
	require.NoError(t, err)

	// create-only write on an existing key
	_, err = s.Put(ctx, "a/1", []byte(`{}`), 0)
	assert.ErrorIs(t, err, generic.ErrVersionConflict)

	// stale version
	_, err = s.Put(ctx, "a/1", []byte(`{}`), 7)
	assert.ErrorIs(t, err, generic.ErrVersionConflict)

	// update of a missing key
	_, err = s.Put(ctx, "a/2", []byte(`{}`), 1)
	assert.ErrorIs(t, err, generic.ErrVersionConflict)
}

func testCommitAllOrNothing(t *testing.T, s generic.Store) {
	ctx := context.Background()

	base, err := s.Put(ctx, "acct/x", []byte(`{"v":1}`), 0)
	require.NoError(t, err)

	// second write conflicts -> first must not land
	err = s.Commit(ctx,
		generic.Write{Key: "acct/x", Data: []byte(`{"v":2}`), ExpectedVersion: base.Version},
		generic.Write{Key: "acct/y", Data: []byte(`{"v":1}`), ExpectedVersion: 3},
	)
	assert.ErrorIs(t, err, generic.ErrVersionConflict)

	got, err := s.Get(ctx, "acct/x")
	require.NoError(t, err)
	assert.Equal(t, base.Version, got.Version)
	_, err = s.Get(ctx, "acct/y")
	assert.ErrorIs(t, err, generic.ErrNotFound)

	require.NoError(t, s.Commit(ctx,
		generic.Write{Key: "acct/x", Data: []byte(`{"v":2}`), ExpectedVersion: base.Version},
		generic.Write{Key: "acct/y", Data: []byte(`{"v":1}`), ExpectedVersion: 0},
	))

	x, err := s.Get(ctx, "acct/x")
	require.NoError(t, err)
	assert.Equal(t, base.Version+1, x.Version)
	y, err := s.Get(ctx, "acct/y")
	require.NoError(t, err)
	assert.Equal(t, int64(1), y.Version)
}

func testCommitDelete(t *testing.T, s generic.Store) {
	ctx := context.Background()

	doc, err := s.Put(ctx, "op/1", []byte(`{}`), 0)
	require.NoError(t, err)

	err = s.Commit(ctx, generic.DeleteWrite("op/1", doc.Version+5))
	assert.ErrorIs(t, err, generic.ErrVersionConflict)

	require.NoError(t, s.Commit(ctx, generic.DeleteWrite("op/1", doc.Version)))
	_, err = s.Get(ctx, "op/1")
	assert.ErrorIs(t, err, generic.ErrNotFound)

	// recreate after delete starts over at version 1
	doc, err = s.Put(ctx, "op/1", []byte(`{}`), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Version)
}

func testListOrderingAndCursor(t *testing.T, s generic.Store) {
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		_, err := s.Put(ctx, generic.TransactionKey("a", int64(i)), []byte(fmt.Sprintf(`{"i":%d}`, i)), 0)
		require.NoError(t, err)
	}
	_, err := s.Put(ctx, generic.TransactionKey("b", 1), []byte(`{}`), 0)
	require.NoError(t, err)
	_, err = s.Put(ctx, "txo/other", []byte(`{}`), 0)
	require.NoError(t, err)

	prefix := generic.TransactionPrefix("a")

	all, err := s.List(ctx, prefix, generic.ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, generic.TransactionKey("a", 1), all[0].Key)
	assert.Equal(t, generic.TransactionKey("a", 5), all[4].Key)

	page, err := s.List(ctx, prefix, generic.ListOptions{Reverse: true, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, generic.TransactionKey("a", 5), page[0].Key)
	assert.Equal(t, generic.TransactionKey("a", 4), page[1].Key)

	next, err := s.List(ctx, prefix, generic.ListOptions{Reverse: true, Limit: 2, After: page[1].Key})
	require.NoError(t, err)
	require.Len(t, next, 2)
	assert.Equal(t, generic.TransactionKey("a", 3), next[0].Key)
	assert.Equal(t, generic.TransactionKey("a", 2), next[1].Key)

	fwd, err := s.List(ctx, prefix, generic.ListOptions{After: generic.TransactionKey("a", 3)})
	require.NoError(t, err)
	require.Len(t, fwd, 2)
	assert.Equal(t, generic.TransactionKey("a", 4), fwd[0].Key)
}

func testConcurrentCreate(t *testing.T, s generic.Store) {
	ctx := context.Background()
	const writers = 16

	var wins atomic.Int32
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func(i int) {
			defer wg.Done()
			_, err := s.Put(ctx, "op/race", []byte(fmt.Sprintf(`{"w":%d}`, i)), 0)
			if err == nil {
				wins.Add(1)
				return
			}
			assert.ErrorIs(t, err, generic.ErrVersionConflict)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/txcore/generic"
	"github.com/warp/txcore/generic/storetest"
	"github.com/warp/txcore/store/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLite_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) generic.Store { return newTestStore(t) })
}

func TestSQLite_SurvivesReopen(t *testing.T) {
	// GIVEN: a file-backed database with one committed document
	path := filepath.Join(t.TempDir(), "txcore.db")
	ctx := context.Background()

	store, err := sqlite.New(path)
	require.NoError(t, err)
	_, err = store.Put(ctx, "acct/a", []byte(`{"balance":"10"}`), 0)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// WHEN: reopening it
	store, err = sqlite.New(path)
	require.NoError(t, err)
	defer store.Close()

	// THEN: the document and its version are still there
	doc, err := store.Get(ctx, "acct/a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Version)
	assert.JSONEq(t, `{"balance":"10"}`, string(doc.Data))
}

func TestSQLite_ClosedStoreIsUnavailable(t *testing.T) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = store.Get(context.Background(), "acct/a")
	assert.ErrorIs(t, err, generic.ErrStoreUnavailable)
}

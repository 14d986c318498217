package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/txcore/generic"
	"github.com/warp/txcore/generic/store"
	"github.com/warp/txcore/generic/storetest"
)

func TestMemory_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) generic.Store { return store.NewMemory() })
}

func TestMemory_Unavailable(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	_, err := m.Put(ctx, "k", []byte(`{}`), 0)
	require.NoError(t, err)

	m.SetUnavailable(true)
	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, generic.ErrStoreUnavailable)

	m.SetUnavailable(false)
	_, err = m.Get(ctx, "k")
	assert.NoError(t, err)
}

func TestMemory_ReturnedDataIsACopy(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	data := []byte(`{"a":1}`)
	_, err := m.Put(ctx, "k", data, 0)
	require.NoError(t, err)
	data[2] = 'X'

	doc, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(doc.Data))
}

package kv

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/serverless-gateway/internal/apierrors"
)

func newTestStore(limit int64) *Store {
	return New(func(string) int64 { return limit })
}

func TestSetGetDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(100)

	require.NoError(t, s.Set(ctx, "p1", "k1", []byte("hello")))
	v, ok := s.Get(ctx, "p1", "k1")
	require.True(t, ok)
	assert.Equal(t, "hello", string(v))

	require.NoError(t, s.Delete(ctx, "p1", "k1"))
	_, ok = s.Get(ctx, "p1", "k1")
	assert.False(t, ok)
}

func TestQuotaExceeded_LeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(100)

	require.NoError(t, s.Set(ctx, "p1", "k1", make([]byte, 90)))

	err := s.Set(ctx, "p1", "k2", make([]byte, 20))
	require.Error(t, err)
	assert.True(t, apierrors.Is(err, apierrors.KindQuotaExceeded))

	items, total, size := s.List(ctx, "p1", "", 0, 10)
	require.Len(t, items, 1)
	assert.Equal(t, 1, total)
	assert.EqualValues(t, 90, size)
}

func TestList_Pagination(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(1 << 20)
	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.Set(ctx, "p1", k, []byte(k)))
	}
	page0, total, _ := s.List(ctx, "p1", "", 0, 2)
	page1, _, _ := s.List(ctx, "p1", "", 1, 2)
	require.Len(t, page0, 2)
	require.Len(t, page1, 2)
	assert.Equal(t, 4, total)
	assert.Equal(t, "a", page0[0].Key)
	assert.Equal(t, "b", page0[1].Key)
	assert.Equal(t, "c", page1[0].Key)
	assert.Equal(t, "d", page1[1].Key)
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(1 << 20)
	require.NoError(t, s.Set(ctx, "p1", "k1", []byte("v1")))
	require.NoError(t, s.Set(ctx, "p1", "k2", []byte("v2")))

	doc, err := s.Export(ctx, "p1")
	require.NoError(t, err)

	before, _, _ := s.List(ctx, "p1", "", 0, 100)

	s2 := newTestStore(1 << 20)
	imported, updated, err := s2.Import(ctx, "p1", doc, ImportReplace)
	require.NoError(t, err)
	assert.Equal(t, 2, imported)
	assert.Equal(t, 0, updated)

	after, _, _ := s2.List(ctx, "p1", "", 0, 100)
	require.Equal(t, len(before), len(after))
	for i := range before {
		assert.Equal(t, before[i].Key, after[i].Key)
		assert.Equal(t, before[i].Value, after[i].Value)
	}
}

func TestImportReplace_QuotaFailureLeavesUnchanged(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(10)
	require.NoError(t, s.Set(ctx, "p1", "k1", []byte("abc")))

	doc := &ExportDocument{Version: 1, Items: []ExportItem{
		{Key: "big", Value: mustRaw(t, make([]byte, 100))},
	}}
	_, _, err := s.Import(ctx, "p1", doc, ImportReplace)
	require.Error(t, err)

	items, _, _ := s.List(ctx, "p1", "", 0, 10)
	require.Len(t, items, 1)
	assert.Equal(t, "k1", items[0].Key)
}

func mustRaw(t *testing.T, v []byte) json.RawMessage {
	t.Helper()
	raw, err := toRawValue(v)
	require.NoError(t, err)
	return raw
}

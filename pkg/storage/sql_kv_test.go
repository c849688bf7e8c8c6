package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteKVGetSetDelete(t *testing.T) {
	kv, err := NewSQLiteKV(":memory:")
	require.NoError(t, err)
	defer kv.Close()

	ctx := context.Background()
	_, ok, err := kv.Get(ctx, "ns", "a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, kv.Set(ctx, "ns", "a", []byte("1")))
	v, ok, err := kv.Get(ctx, "ns", "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("1"), v)

	require.NoError(t, kv.Set(ctx, "ns", "a", []byte("2")))
	v, _, _ = kv.Get(ctx, "ns", "a")
	assert.Equal(t, []byte("2"), v, "Set must upsert")

	require.NoError(t, kv.Delete(ctx, "ns", "a"))
	_, ok, _ = kv.Get(ctx, "ns", "a")
	assert.False(t, ok)
}

func TestSQLiteKVNamespaceIsolation(t *testing.T) {
	kv, err := NewSQLiteKV(":memory:")
	require.NoError(t, err)
	defer kv.Close()

	ctx := context.Background()
	require.NoError(t, kv.Set(ctx, "ns1", "key", []byte("one")))
	require.NoError(t, kv.Set(ctx, "ns2", "key", []byte("two")))

	v1, _, _ := kv.Get(ctx, "ns1", "key")
	v2, _, _ := kv.Get(ctx, "ns2", "key")
	assert.Equal(t, []byte("one"), v1)
	assert.Equal(t, []byte("two"), v2)
}

func TestSQLiteKVListByPrefix(t *testing.T) {
	kv, err := NewSQLiteKV(":memory:")
	require.NoError(t, err)
	defer kv.Close()

	ctx := context.Background()
	require.NoError(t, kv.Set(ctx, "ns", "user:1", []byte("a")))
	require.NoError(t, kv.Set(ctx, "ns", "user:2", []byte("b")))
	require.NoError(t, kv.Set(ctx, "ns", "order:1", []byte("c")))

	keys, err := kv.List(ctx, "ns", "user:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"user:1", "user:2"}, keys)
}

func TestContentHashIsStableAndPrefixed(t *testing.T) {
	a := contentHash([]byte("payload"))
	b := contentHash([]byte("payload"))
	assert.Equal(t, a, b)
	assert.True(t, len(a) > len("sha256:"))
	assert.Equal(t, "sha256:", a[:len("sha256:")])

	c := contentHash([]byte("different"))
	assert.NotEqual(t, a, c)
}

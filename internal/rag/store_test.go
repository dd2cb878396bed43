package rag

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestIndexAndSearch stores two unrelated analyses and checks the query
// returns the matching one first.
func TestIndexAndSearch(t *testing.T) {
	t.Parallel()

	store := openTestStore(t, Config{ChunkSize: 1000, ChunkOverlap: 0})
	ctx := context.Background()

	added, err := store.Index(ctx, "checkout handler validates payment tokens before capture", "/repo/a")
	require.NoError(t, err)
	require.Equal(t, 1, added)
	_, err = store.Index(ctx, "background worker compacts log segments nightly", "/repo/b")
	require.NoError(t, err)

	results, err := store.Search(ctx, "payment capture in the checkout handler", 2)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Contains(t, results[0], "payment tokens")
}

// TestSearchNoOverlapReturnsNothing never pads results with unrelated chunks.
func TestSearchNoOverlapReturnsNothing(t *testing.T) {
	t.Parallel()

	store := openTestStore(t, Config{})
	ctx := context.Background()
	_, err := store.Index(ctx, "background worker compacts log segments nightly", "/repo/b")
	require.NoError(t, err)

	results, err := store.Search(ctx, "unrelated query terms entirely", 3)
	require.NoError(t, err)
	require.Empty(t, results)
}

// TestIndexEmptyAnalysis is a no-op.
func TestIndexEmptyAnalysis(t *testing.T) {
	t.Parallel()

	store := openTestStore(t, Config{})
	added, err := store.Index(context.Background(), "   \n  ", "/repo/a")
	require.NoError(t, err)
	require.Zero(t, added)
}

// TestSplitChunks checks window and overlap arithmetic.
func TestSplitChunks(t *testing.T) {
	t.Parallel()

	chunks := splitChunks("abcdefghij", 4, 2)
	require.Equal(t, []string{"abcd", "cdef", "efgh", "ghij"}, chunks)

	chunks = splitChunks("abc", 10, 2)
	require.Equal(t, []string{"abc"}, chunks)

	require.Nil(t, splitChunks("", 4, 2))
}

func openTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	cfg.DBPath = filepath.Join(t.TempDir(), "rag.db")
	store, err := Open(cfg, fixedClock{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

type fixedClock struct{}

func (fixedClock) Now() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

package capture

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"shopsync/internal/model"
	"shopsync/services/history"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestWriteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	cache := NewCache(t.TempDir())
	entry := Entry{Channel: "ledger", Date: "2024-05-01", ID: "A1"}

	require.False(t, cache.Exists(entry))

	written, err := cache.Write(ctx, entry, []byte("<html>first</html>"))
	require.NoError(t, err)
	require.True(t, written)
	require.True(t, cache.Exists(entry))

	written, err = cache.Write(ctx, entry, []byte("<html>second</html>"))
	require.NoError(t, err)
	require.False(t, written)

	content, err := cache.Read(entry)
	require.NoError(t, err)
	require.Equal(t, "<html>first</html>", string(content))

	_, err = os.Stat(filepath.Join(cache.Root(), "ledger", "2024-05-01", "A1.html"))
	require.NoError(t, err)
}

func TestInvalidKeys(t *testing.T) {
	ctx := context.Background()
	cache := NewCache(t.TempDir())

	for _, entry := range []Entry{
		{Channel: "ledger", Date: "2024-05-01", ID: ""},
		{Channel: "ledger", Date: "2024-05-01", ID: "../escape"},
		{Channel: "ledger", Date: "2024/05/01", ID: "A1"},
		{Channel: "..", Date: "2024-05-01", ID: "A1"},
		{Channel: "ledger", Date: "", ID: "A1"},
	} {
		_, err := cache.Write(ctx, entry, []byte("x"))
		require.ErrorIs(t, err, ErrInvalidKey, "%+v", entry)
		require.False(t, cache.Exists(entry))
	}
}

func TestListAndPending(t *testing.T) {
	ctx := context.Background()
	cache := NewCache(t.TempDir())

	entries, err := cache.List("ledger")
	require.NoError(t, err)
	require.Empty(t, entries)

	for _, e := range []Entry{
		{Channel: "ledger", Date: "2024-05-02", ID: "A3"},
		{Channel: "ledger", Date: "2024-05-01", ID: "A2"},
		{Channel: "ledger", Date: "2024-05-01", ID: "A1"},
		{Channel: "ledger", Date: "2024-05-02", ID: "A1"},
		{Channel: "estimate", Date: "2024-05-01", ID: "B1"},
	} {
		_, err := cache.Write(ctx, e, []byte("x"))
		require.NoError(t, err)
	}
	require.NoError(t, os.WriteFile(filepath.Join(cache.Root(), "ledger", "2024-05-01", "notes.txt"), []byte("x"), 0644))

	entries, err = cache.List("ledger")
	require.NoError(t, err)
	diff := cmp.Diff([]Entry{
		{Channel: "ledger", Date: "2024-05-01", ID: "A1"},
		{Channel: "ledger", Date: "2024-05-01", ID: "A2"},
		{Channel: "ledger", Date: "2024-05-02", ID: "A3"},
	}, entries)
	if diff != "" {
		t.Fatal(diff)
	}

	pending, err := cache.Pending("ledger", history.Set{"A1": {}, "B1": {}})
	require.NoError(t, err)
	ids := []model.ItemID{}
	for _, e := range pending {
		ids = append(ids, e.ID)
	}
	require.Equal(t, []model.ItemID{"A2", "A3"}, ids)

	pending, err = cache.Pending("estimate", history.Set{})
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestKnownSpansDateBuckets(t *testing.T) {
	ctx := context.Background()
	cache := NewCache(t.TempDir())

	require.False(t, cache.Known("ledger", "A1"))

	_, err := cache.Write(ctx, Entry{Channel: "ledger", Date: "2024-05-01", ID: "A1"}, []byte("x"))
	require.NoError(t, err)

	require.True(t, cache.Known("ledger", "A1"))
	require.False(t, cache.Exists(Entry{Channel: "ledger", Date: "2024-05-03", ID: "A1"}))
	require.False(t, cache.Known("estimate", "A1"))
	require.False(t, cache.Known("ledger", "A2"))
	require.False(t, cache.Known("ledger", "../A1"))
}

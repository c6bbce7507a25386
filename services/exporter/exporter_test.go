package exporter

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"shopsync/internal/model"
	"shopsync/services/capture"
	"shopsync/services/extract"
	"shopsync/services/history"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

var lineExtractor = extract.Func(func(ctx context.Context, doc extract.Document) ([]model.Row, error) {
	out := []model.Row{}
	for _, line := range strings.Split(strings.TrimSpace(string(doc.Markup)), "\n") {
		if line == "" {
			continue
		}
		out = append(out, model.Row(strings.Split(line, ",")))
	}
	return out, nil
})

func TestExport(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cache := capture.NewCache(filepath.Join(dir, "downloads"))
	store := history.NewStore(filepath.Join(dir, "history.json"))

	for _, e := range []struct {
		id, content string
	}{
		{"A1", "a,1\nb,2"},
		{"A2", "c,3"},
		{"A3", ""},
		{"A4", "done,0"},
	} {
		_, err := cache.Write(ctx, capture.Entry{Channel: "ledger", Date: "2024-05-01", ID: model.ItemID(e.id)}, []byte(e.content))
		require.NoError(t, err)
	}
	require.NoError(t, store.Record(ctx, "ledger", []model.ItemID{"A4"}))

	exporter := New(cache, store, map[model.Channel]extract.Extractor{"ledger": lineExtractor})
	out, err := exporter.Export(ctx, "ledger")
	require.NoError(t, err)
	require.Equal(t, []model.ItemID{"A1", "A2"}, out.Items)
	require.Equal(t, 3, out.Rows)

	f, err := excelize.OpenReader(bytes.NewReader(out.XLSX))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows("ledger")
	require.NoError(t, err)
	diff := cmp.Diff([][]string{{"a", "1"}, {"b", "2"}, {"c", "3"}}, rows)
	if diff != "" {
		t.Fatal(diff)
	}

	items, err := f.GetRows("items")
	require.NoError(t, err)
	diff = cmp.Diff([][]string{{"id", "date", "rows"}, {"A1", "2024-05-01", "2"}, {"A2", "2024-05-01", "1"}}, items)
	if diff != "" {
		t.Fatal(diff)
	}

	// exporting never records history
	set, err := store.Load(ctx, "ledger")
	require.NoError(t, err)
	require.Len(t, set, 1)
}

func TestExportUnknownChannel(t *testing.T) {
	exporter := New(capture.NewCache(t.TempDir()), history.NewStore(filepath.Join(t.TempDir(), "h.json")), nil)
	_, err := exporter.Export(context.Background(), "ledger")
	require.Error(t, err)
}

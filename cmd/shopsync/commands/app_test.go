package commands

import (
	"testing"

	"shopsync/internal/config"
	"shopsync/services/extract"
	"shopsync/services/scanner"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestConfigColumnsAreZeroBased(t *testing.T) {
	c := config.Defaults()
	c.Channels[0].Table.Columns = []config.ColumnConfig{
		{Field: "date"},
		{Column: 3},
		{Value: "KRW"},
	}
	resolved, err := config.Resolve(c)
	require.NoError(t, err)

	require.Equal(t, scanner.DefaultLayout(), layout(resolved.Channels[0].Listing))

	diff := cmp.Diff(extract.Table{
		RowSelector: "table tbody tr",
		MinColumns:  1,
		Columns: []extract.Column{
			{Source: -1, Field: "date"},
			{Source: 2},
			{Source: -1, Value: "KRW"},
		},
	}, extractTable(resolved.Channels[0].Table))
	if diff != "" {
		t.Fatal(diff)
	}
}

func TestERPOptionsCarryChannelHashes(t *testing.T) {
	resolved, err := config.Resolve(config.Defaults())
	require.NoError(t, err)

	opts := erpOptions(resolved)
	require.Len(t, opts.Hashes, 2)
	require.Contains(t, opts.Hashes["ledger"], "prgId=E040303")
	require.Equal(t, resolved.ERP.DialogKeyword, opts.Keyword)
	require.Equal(t, int64(1500), opts.FocusWait.Milliseconds())
}

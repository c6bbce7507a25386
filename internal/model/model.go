package model

import "strings"

// Channel names one independent pipeline, e.g. "ledger" or "estimate".
type Channel string

// DefaultChannel owns entries read from the legacy flat history format.
const DefaultChannel Channel = "ledger"

// ItemID identifies one source document within a channel.
type ItemID string

// Row is one line of ordered cell values.
type Row []string

// Batch is the unit handed to an upload target: the rows, plus the items
// that produced them in the order they were admitted.
type Batch struct {
	Rows  []Row
	Items []ItemID
}

func (b Batch) Empty() bool {
	return len(b.Rows) == 0
}

// Add appends every row of an item and records the item once.
func (b *Batch) Add(item ItemID, rows []Row) {
	b.Rows = append(b.Rows, rows...)
	b.Items = append(b.Items, item)
}

// ClipboardText renders rows the way spreadsheet grids accept a paste:
// tab separated cells and CRLF separated rows with no trailing newline.
func (b Batch) ClipboardText() string {
	lines := make([]string, len(b.Rows))
	for i, row := range b.Rows {
		lines[i] = strings.Join(row, "\t")
	}
	return strings.Join(lines, "\r\n")
}

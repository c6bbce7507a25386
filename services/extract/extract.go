package extract

import (
	"context"
	"fmt"

	"shopsync/internal/model"
	"shopsync/lib/htmlutil"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("shopsync.services.extract")

// Document is a cached capture handed to an extractor.
type Document struct {
	Channel model.Channel
	Date    string
	ID      model.ItemID
	Markup  []byte
}

// Extractor turns one capture into rows. returning no rows means the
// capture has nothing to upload yet.
type Extractor interface {
	Extract(ctx context.Context, doc Document) ([]model.Row, error)
}

// Column is one output cell. Source is a zero-based source cell index and
// is used when Value and Field are both empty.
type Column struct {
	Source int
	Value  string
	Field  string
}

// Table reads rows from an html table inside the capture.
type Table struct {
	RowSelector string
	MinColumns  int
	// Columns maps source cells to output cells, all cells in order when
	// empty.
	Columns []Column
}

func (t Table) cell(doc Document, cells []string, col Column) string {
	switch {
	case col.Field == "date":
		return doc.Date
	case col.Field == "id":
		return string(doc.ID)
	case col.Value != "":
		return col.Value
	case col.Source >= 0 && col.Source < len(cells):
		return cells[col.Source]
	}
	return ""
}

func (t Table) Extract(ctx context.Context, doc Document) ([]model.Row, error) {
	ctx, span := tracer.Start(ctx, "extract:table")
	defer span.End()

	parsed, err := htmlutil.Parse(ctx, doc.Markup)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", doc.ID, err)
	}

	rows := []model.Row{}
	parsed.Find(t.RowSelector).Each(func(_ int, sel *goquery.Selection) {
		cells := htmlutil.Cells(sel)
		if len(cells) == 0 || len(cells) < t.MinColumns {
			return
		}
		if len(t.Columns) == 0 {
			rows = append(rows, model.Row(cells))
			return
		}
		row := make(model.Row, len(t.Columns))
		for i, col := range t.Columns {
			row[i] = t.cell(doc, cells, col)
		}
		rows = append(rows, row)
	})

	span.SetAttributes(
		attribute.String("id", string(doc.ID)),
		attribute.Int("rows", len(rows)),
	)
	return rows, nil
}

// Func adapts a function to an Extractor.
type Func func(ctx context.Context, doc Document) ([]model.Row, error)

func (f Func) Extract(ctx context.Context, doc Document) ([]model.Row, error) {
	return f(ctx, doc)
}

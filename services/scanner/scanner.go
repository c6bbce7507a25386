package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"shopsync/internal/model"
	"shopsync/lib/browser"
	"shopsync/lib/htmlutil"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("shopsync.services.scanner")

// Layout locates listing rows and the cells inside them. columns are
// zero-based.
type Layout struct {
	RowSelector string
	DateColumn  int
	IDColumn    int
	MinColumns  int
}

func DefaultLayout() Layout {
	return Layout{
		RowSelector: "table.table tbody tr",
		DateColumn:  0,
		IDColumn:    1,
		MinColumns:  6,
	}
}

// Listing is one candidate document found on a listing page.
type Listing struct {
	Date string
	ID   model.ItemID
}

// ParseListing extracts listings from markup. rows that are too short or
// have an empty date or identifier are skipped, and an identifier is
// reported once even if the page repeats it.
func ParseListing(doc *goquery.Document, layout Layout) []Listing {
	out := []Listing{}
	seen := map[model.ItemID]bool{}
	doc.Find(layout.RowSelector).Each(func(_ int, row *goquery.Selection) {
		cells := htmlutil.Cells(row)
		if len(cells) < layout.MinColumns {
			return
		}
		if layout.DateColumn >= len(cells) || layout.IDColumn >= len(cells) {
			return
		}
		date := cells[layout.DateColumn]
		id := model.ItemID(cells[layout.IDColumn])
		if date == "" || id == "" || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, Listing{Date: date, ID: id})
	})
	return out
}

type Scanner struct {
	Settle time.Duration
}

// Scan opens a listing page and parses it. it does not consult history or
// the cache.
func (s Scanner) Scan(ctx context.Context, session browser.Session, url string, layout Layout) ([]Listing, error) {
	ctx, span := tracer.Start(ctx, "scanner:scan")
	defer span.End()
	span.SetAttributes(attribute.String("url", url))

	err := session.Navigate(ctx, url)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to open listing")
		return nil, fmt.Errorf("open listing %s: %w", url, err)
	}
	err = browser.Sleep(ctx, s.Settle)
	if err != nil {
		return nil, err
	}

	markup, err := session.HTML(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read listing")
		return nil, fmt.Errorf("read listing %s: %w", url, err)
	}
	doc, err := htmlutil.Parse(ctx, []byte(markup))
	if err != nil {
		return nil, err
	}

	listings := ParseListing(doc, layout)
	span.SetAttributes(attribute.Int("listings", len(listings)))
	slog.InfoContext(ctx, "scanned listing", "url", url, "count", len(listings))
	return listings, nil
}

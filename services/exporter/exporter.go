package exporter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"shopsync/internal/model"
	"shopsync/services/capture"
	"shopsync/services/extract"
	"shopsync/services/history"

	"github.com/xuri/excelize/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("shopsync.services.exporter")

const itemsSheet = "items"

// Export is a workbook of every pending row of a channel, used when the
// rows have to be uploaded by hand.
type Export struct {
	Channel model.Channel
	Items   []model.ItemID
	Rows    int
	XLSX    []byte
}

type Exporter struct {
	cache      *capture.Cache
	history    *history.Store
	extractors map[model.Channel]extract.Extractor
}

func New(cache *capture.Cache, store *history.Store, extractors map[model.Channel]extract.Extractor) *Exporter {
	return &Exporter{cache: cache, history: store, extractors: extractors}
}

func (e *Exporter) Export(ctx context.Context, channel model.Channel) (Export, error) {
	ctx, span := tracer.Start(ctx, "exporter:export")
	defer span.End()
	start := time.Now()

	extractor, ok := e.extractors[channel]
	if !ok {
		return Export{}, fmt.Errorf("unknown channel %q", channel)
	}
	processed, err := e.history.Load(ctx, channel)
	if err != nil {
		return Export{}, fmt.Errorf("load history: %w", err)
	}
	pending, err := e.cache.Pending(channel, processed)
	if err != nil {
		return Export{}, fmt.Errorf("list pending: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	sheet := string(channel)
	err = f.SetSheetName("Sheet1", sheet)
	if err != nil {
		return Export{}, err
	}
	_, err = f.NewSheet(itemsSheet)
	if err != nil {
		return Export{}, err
	}
	for i, h := range []string{"id", "date", "rows"} {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(itemsSheet, cell, h)
	}

	out := Export{Channel: channel}
	for _, entry := range pending {
		markup, err := e.cache.Read(entry)
		if err != nil {
			slog.WarnContext(ctx, "failed to read capture", "id", entry.ID, "err", err)
			continue
		}
		rows, err := extractor.Extract(ctx, extract.Document{
			Channel: entry.Channel,
			Date:    entry.Date,
			ID:      entry.ID,
			Markup:  markup,
		})
		if err != nil || len(rows) == 0 {
			continue
		}

		for _, row := range rows {
			out.Rows++
			for col, value := range row {
				cell, _ := excelize.CoordinatesToCellName(col+1, out.Rows)
				_ = f.SetCellValue(sheet, cell, value)
			}
		}
		out.Items = append(out.Items, entry.ID)

		line := len(out.Items) + 1
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, line)
			_ = f.SetCellValue(itemsSheet, cell, v)
		}
		write(1, string(entry.ID))
		write(2, entry.Date)
		write(3, len(rows))
	}

	_ = f.SetColWidth(itemsSheet, "A", "B", 18)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return Export{}, fmt.Errorf("xlsx write: %w", err)
	}
	out.XLSX = buf.Bytes()

	span.SetAttributes(attribute.Int("rows", out.Rows), attribute.Int("items", len(out.Items)))
	slog.InfoContext(ctx, "exported pending rows",
		"channel", channel,
		"items", len(out.Items),
		"rows", out.Rows,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

package uploader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"shopsync/internal/model"
	"shopsync/services/audit"
	"shopsync/services/capture"
	"shopsync/services/extract"
	"shopsync/services/history"
	"shopsync/services/status"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("shopsync.services.uploader")
var meter = otel.Meter("shopsync.services.uploader")

var uploadsCounter, _ = meter.Int64Counter(
	"shopsync.uploads",
	metric.WithDescription("upload runs by channel and outcome"),
)
var itemsUploaded, _ = meter.Int64Counter(
	"shopsync.items.uploaded",
	metric.WithDescription("items recorded in history after a successful upload"),
)

var ErrUnknownChannel = errors.New("unknown channel")

// Target delivers a batch to the destination system.
type Target interface {
	Deliver(ctx context.Context, channel model.Channel, batch model.Batch) error
}

type Result struct {
	RunID string `json:"run_id,omitempty"`
	// Skipped is set when another run of the channel was in progress.
	Skipped   bool `json:"skipped"`
	Processed int  `json:"processed"`
	Rows      int  `json:"rows"`
	// Deferred counts items left for a later run by the row cap.
	Deferred int `json:"deferred"`
	// Empty counts pending items that produced no rows.
	Empty int `json:"empty"`
}

type Options struct {
	// MaxRows caps the rows of one batch, the first item is always admitted.
	MaxRows    int
	Extractors map[model.Channel]extract.Extractor
}

type Coordinator struct {
	opts    Options
	cache   *capture.Cache
	history *history.Store
	tracker *status.Tracker
	target  Target
	journal *audit.Journal
}

func New(opts Options, cache *capture.Cache, store *history.Store, tracker *status.Tracker, target Target, journal *audit.Journal) *Coordinator {
	return &Coordinator{
		opts:    opts,
		cache:   cache,
		history: store,
		tracker: tracker,
		target:  target,
		journal: journal,
	}
}

func (c *Coordinator) record(ctx context.Context, e audit.Event) {
	if c.journal == nil {
		return
	}
	c.journal.Record(context.WithoutCancel(ctx), e)
}

// Upload sends the pending captures of channel as one batch. only one run
// per channel may be in progress, a concurrent call returns immediately
// with Skipped set.
func (c *Coordinator) Upload(ctx context.Context, channel model.Channel) (Result, error) {
	ctx, span := tracer.Start(ctx, "uploader:upload")
	defer span.End()
	span.SetAttributes(attribute.String("channel", string(channel)))

	extractor, ok := c.opts.Extractors[channel]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}

	lease, ok := c.tracker.TryBegin(channel)
	if !ok {
		slog.InfoContext(ctx, "upload already running, skipping", "channel", channel)
		span.SetAttributes(attribute.Bool("skipped", true))
		uploadsCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("channel", string(channel)),
			attribute.String("outcome", "skipped"),
		))
		c.record(ctx, audit.Event{Kind: audit.UploadSkipped, Channel: channel})
		return Result{Skipped: true}, nil
	}

	result := Result{RunID: audit.NewRunID()}
	c.record(ctx, audit.Event{RunID: result.RunID, Kind: audit.UploadStarted, Channel: channel})

	err := c.run(ctx, channel, extractor, &result)

	outcome := "succeeded"
	summary := fmt.Sprintf("%d items, %d rows", result.Processed, result.Rows)
	if err != nil {
		outcome = "failed"
		summary = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload failed")
		slog.ErrorContext(ctx, "upload failed", "channel", channel, "run_id", result.RunID, "err", err)
		c.record(ctx, audit.Event{
			RunID:   result.RunID,
			Kind:    audit.UploadFailed,
			Channel: channel,
			Items:   result.Processed,
			Rows:    result.Rows,
			Message: err.Error(),
		})
	} else {
		slog.InfoContext(ctx, "upload finished",
			"channel", channel,
			"run_id", result.RunID,
			"items", result.Processed,
			"rows", result.Rows,
			"deferred", result.Deferred,
		)
		c.record(ctx, audit.Event{
			RunID:   result.RunID,
			Kind:    audit.UploadSucceeded,
			Channel: channel,
			Items:   result.Processed,
			Rows:    result.Rows,
		})
	}
	uploadsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", string(channel)),
		attribute.String("outcome", outcome),
	))
	c.tracker.End(lease, summary, err)

	if err != nil {
		// nothing was recorded, the items stay pending
		return Result{RunID: result.RunID}, err
	}
	return result, nil
}

func (c *Coordinator) run(ctx context.Context, channel model.Channel, extractor extract.Extractor, result *Result) (err error) {
	defer func() {
		r := recover()
		if r != nil {
			err = fmt.Errorf("upload panicked: %v", r)
		}
	}()

	processed, err := c.history.Load(ctx, channel)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	pending, err := c.cache.Pending(channel, processed)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	if len(pending) == 0 {
		slog.InfoContext(ctx, "nothing pending", "channel", channel)
		return nil
	}

	batch, err := c.collect(ctx, extractor, pending, result)
	if err != nil {
		return err
	}
	if batch.Empty() {
		slog.InfoContext(ctx, "no pending item produced rows", "channel", channel, "pending", len(pending))
		return nil
	}

	err = c.target.Deliver(ctx, channel, batch)
	if err != nil {
		return fmt.Errorf("deliver: %w", err)
	}

	err = c.history.Record(ctx, channel, batch.Items)
	if err != nil {
		return fmt.Errorf("record history: %w", err)
	}
	itemsUploaded.Add(ctx, int64(len(batch.Items)), metric.WithAttributes(
		attribute.String("channel", string(channel)),
	))

	result.Processed = len(batch.Items)
	result.Rows = len(batch.Rows)
	return nil
}

// collect extracts pending items in order and admits them whole while the
// batch stays within MaxRows.
func (c *Coordinator) collect(ctx context.Context, extractor extract.Extractor, pending []capture.Entry, result *Result) (model.Batch, error) {
	batch := model.Batch{}
	for _, entry := range pending {
		if err := ctx.Err(); err != nil {
			return model.Batch{}, err
		}

		markup, err := c.cache.Read(entry)
		if err != nil {
			slog.WarnContext(ctx, "failed to read capture", "id", entry.ID, "err", err)
			result.Empty++
			continue
		}
		rows, err := extractor.Extract(ctx, extract.Document{
			Channel: entry.Channel,
			Date:    entry.Date,
			ID:      entry.ID,
			Markup:  markup,
		})
		if err != nil {
			slog.WarnContext(ctx, "extraction failed", "id", entry.ID, "err", err)
			result.Empty++
			continue
		}
		if len(rows) == 0 {
			slog.DebugContext(ctx, "capture has no rows", "id", entry.ID)
			result.Empty++
			continue
		}

		if c.opts.MaxRows > 0 && len(batch.Items) > 0 && len(batch.Rows)+len(rows) > c.opts.MaxRows {
			result.Deferred++
			continue
		}
		if c.opts.MaxRows > 0 && len(rows) > c.opts.MaxRows {
			slog.WarnContext(ctx, "single item exceeds row cap, sending it alone",
				"id", entry.ID,
				"rows", len(rows),
				"max_rows", c.opts.MaxRows,
			)
		}
		batch.Add(entry.ID, rows)
	}
	return batch, nil
}

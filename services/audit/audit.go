package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"shopsync/internal/model"
	"shopsync/lib/sqliteutil"
	"shopsync/lib/timezone"
	"shopsync/services/audit/db"

	"github.com/google/uuid"
)

type Kind string

const (
	UploadStarted   Kind = "upload_started"
	UploadSucceeded Kind = "upload_succeeded"
	UploadFailed    Kind = "upload_failed"
	UploadSkipped   Kind = "upload_skipped"
	ForceReset      Kind = "force_reset"
	CycleFinished   Kind = "cycle_finished"
	SchedulerStart  Kind = "scheduler_started"
)

type Event struct {
	ID      int64         `json:"id"`
	RunID   string        `json:"run_id"`
	Kind    Kind          `json:"kind"`
	Channel model.Channel `json:"channel,omitempty"`
	Actor   string        `json:"actor,omitempty"`
	Items   int           `json:"items"`
	Rows    int           `json:"rows"`
	Message string        `json:"message,omitempty"`
	Time    time.Time     `json:"time"`
}

// Journal is the append-only record of uploads, scheduler cycles and
// administrative overrides.
type Journal struct {
	qry *db.Queries
	now func() time.Time
}

func NewRunID() string {
	return uuid.NewString()
}

// New applies the schema to an already open database.
func New(database *sql.DB) (*Journal, error) {
	err := sqliteutil.ApplySchema(database, db.Schema)
	if err != nil {
		return nil, fmt.Errorf("apply audit schema: %w", err)
	}
	return &Journal{qry: db.New(database), now: timezone.Now}, nil
}

func Open(path string) (*Journal, *sql.DB, error) {
	database, err := sqliteutil.OpenDB(path, db.Schema)
	if err != nil {
		return nil, nil, err
	}
	return &Journal{qry: db.New(database), now: timezone.Now}, database, nil
}

// Append stores e, filling in its time and a fresh run id when missing.
func (j *Journal) Append(ctx context.Context, e Event) (Event, error) {
	if e.Time.IsZero() {
		e.Time = j.now()
	}
	if e.RunID == "" {
		e.RunID = NewRunID()
	}
	id, err := j.qry.InsertEvent(ctx, db.InsertEventParams{
		RunID:     e.RunID,
		Kind:      string(e.Kind),
		Channel:   string(e.Channel),
		Actor:     e.Actor,
		Items:     int64(e.Items),
		Rows:      int64(e.Rows),
		Message:   e.Message,
		CreatedAt: e.Time.UnixMilli(),
	})
	if err != nil {
		return e, fmt.Errorf("append audit event: %w", err)
	}
	e.ID = id
	return e, nil
}

// Record is Append for callers that only want to log a failure.
func (j *Journal) Record(ctx context.Context, e Event) {
	_, err := j.Append(ctx, e)
	if err != nil {
		slog.WarnContext(ctx, "failed to write audit event", "kind", e.Kind, "err", err)
	}
}

func fromRow(row db.Event) Event {
	return Event{
		ID:      row.ID,
		RunID:   row.RunID,
		Kind:    Kind(row.Kind),
		Channel: model.Channel(row.Channel),
		Actor:   row.Actor,
		Items:   int(row.Items),
		Rows:    int(row.Rows),
		Message: row.Message,
		Time:    time.UnixMilli(row.CreatedAt).In(timezone.Location),
	}
}

// Recent returns up to limit events, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.qry.RecentEvents(ctx, int64(limit))
	if err != nil {
		return nil, err
	}
	out := make([]Event, len(rows))
	for i, row := range rows {
		out[i] = fromRow(row)
	}
	return out, nil
}

// Run returns the events of one run in the order they were written.
func (j *Journal) Run(ctx context.Context, runID string) ([]Event, error) {
	rows, err := j.qry.RunEvents(ctx, runID)
	if err != nil {
		return nil, err
	}
	out := make([]Event, len(rows))
	for i, row := range rows {
		out[i] = fromRow(row)
	}
	return out, nil
}

package db

import (
	"context"
	"database/sql"
)

type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

type Queries struct {
	db DBTX
}

type Event struct {
	ID        int64
	RunID     string
	Kind      string
	Channel   string
	Actor     string
	Items     int64
	Rows      int64
	Message   string
	CreatedAt int64
}

const insertEvent = `insert into events (
    run_id, kind, channel, actor, items, rows, message, created_at
) values (?, ?, ?, ?, ?, ?, ?, ?)
returning id`

type InsertEventParams struct {
	RunID     string
	Kind      string
	Channel   string
	Actor     string
	Items     int64
	Rows      int64
	Message   string
	CreatedAt int64
}

func (q *Queries) InsertEvent(ctx context.Context, arg InsertEventParams) (int64, error) {
	row := q.db.QueryRowContext(ctx, insertEvent,
		arg.RunID,
		arg.Kind,
		arg.Channel,
		arg.Actor,
		arg.Items,
		arg.Rows,
		arg.Message,
		arg.CreatedAt,
	)
	var id int64
	err := row.Scan(&id)
	return id, err
}

const recentEvents = `select id, run_id, kind, channel, actor, items, rows, message, created_at
from events
order by id desc
limit ?`

func (q *Queries) RecentEvents(ctx context.Context, limit int64) ([]Event, error) {
	rows, err := q.db.QueryContext(ctx, recentEvents, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Event
	for rows.Next() {
		var i Event
		if err := rows.Scan(
			&i.ID,
			&i.RunID,
			&i.Kind,
			&i.Channel,
			&i.Actor,
			&i.Items,
			&i.Rows,
			&i.Message,
			&i.CreatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const runEvents = `select id, run_id, kind, channel, actor, items, rows, message, created_at
from events
where run_id = ?
order by id asc`

func (q *Queries) RunEvents(ctx context.Context, runID string) ([]Event, error) {
	rows, err := q.db.QueryContext(ctx, runEvents, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Event
	for rows.Next() {
		var i Event
		if err := rows.Scan(
			&i.ID,
			&i.RunID,
			&i.Kind,
			&i.Channel,
			&i.Actor,
			&i.Items,
			&i.Rows,
			&i.Message,
			&i.CreatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

package history

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"shopsync/internal/model"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("shopsync.services.history")

type Set map[model.ItemID]struct{}

func (s Set) Has(id model.ItemID) bool {
	_, ok := s[id]
	return ok
}

// Store is the json file of processed identifiers, keyed by channel:
//
//	{"ledger": ["A1", "A2"], "estimate": ["B1"]}
//
// a bare array is the older single channel format and is read as the
// default channel's list.
type Store struct {
	path string
	mu   sync.Mutex
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string {
	return s.path
}

type document map[model.Channel][]model.ItemID

func (s *Store) read() (document, error) {
	contents, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return document{}, nil
	}
	if err != nil {
		return nil, err
	}
	contents = bytes.TrimSpace(contents)
	if len(contents) == 0 {
		return document{}, nil
	}

	if contents[0] == '[' {
		var legacy []model.ItemID
		err = json.Unmarshal(contents, &legacy)
		if err != nil {
			return nil, fmt.Errorf("parse legacy history %s: %w", s.path, err)
		}
		slog.Debug("read legacy history format", "path", s.path, "count", len(legacy))
		return document{model.DefaultChannel: legacy}, nil
	}

	doc := document{}
	err = json.Unmarshal(contents, &doc)
	if err != nil {
		return nil, fmt.Errorf("parse history %s: %w", s.path, err)
	}
	return doc, nil
}

func (s *Store) write(doc document) error {
	encoded, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	err = os.MkdirAll(dir, 0755)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	_, err = tmp.Write(encoded)
	if err != nil {
		tmp.Close()
		return err
	}
	err = tmp.Sync()
	if err != nil {
		tmp.Close()
		return err
	}
	err = tmp.Close()
	if err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

func (s *Store) Load(ctx context.Context, channel model.Channel) (Set, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	out := make(Set, len(doc[channel]))
	for _, id := range doc[channel] {
		out[id] = struct{}{}
	}
	return out, nil
}

// Record appends ids to the channel's list, skipping ones already present.
func (s *Store) Record(ctx context.Context, channel model.Channel, ids []model.ItemID) error {
	ctx, span := tracer.Start(ctx, "history:record")
	defer span.End()
	span.SetAttributes(
		attribute.String("channel", string(channel)),
		attribute.Int("count", len(ids)),
	)

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read history")
		return err
	}

	existing := make(Set, len(doc[channel]))
	for _, id := range doc[channel] {
		existing[id] = struct{}{}
	}
	added := 0
	for _, id := range ids {
		if existing.Has(id) {
			continue
		}
		existing[id] = struct{}{}
		doc[channel] = append(doc[channel], id)
		added++
	}
	if added == 0 {
		return nil
	}

	err = s.write(doc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to write history")
		return fmt.Errorf("write history %s: %w", s.path, err)
	}
	slog.DebugContext(ctx, "recorded history", "channel", channel, "added", added)
	return nil
}

func (s *Store) Counts(ctx context.Context) (map[model.Channel]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	out := make(map[model.Channel]int, len(doc))
	for channel, ids := range doc {
		out[channel] = len(ids)
	}
	return out, nil
}

// Snapshot returns a copy of every channel's list in recorded order.
func (s *Store) Snapshot(ctx context.Context) (map[model.Channel][]model.ItemID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	out := make(map[model.Channel][]model.ItemID, len(doc))
	for channel, ids := range doc {
		out[channel] = append([]model.ItemID{}, ids...)
	}
	return out, nil
}

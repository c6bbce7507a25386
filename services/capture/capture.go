package capture

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"shopsync/internal/model"
	"shopsync/services/history"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("shopsync.services.capture")
var meter = otel.Meter("shopsync.services.capture")

var capturesWritten, _ = meter.Int64Counter(
	"shopsync.captures.written",
	metric.WithDescription("raw captures written to the local cache"),
)

const extension = ".html"

var ErrInvalidKey = errors.New("invalid cache key")

// Entry addresses one cached capture.
type Entry struct {
	Channel model.Channel
	Date    string
	ID      model.ItemID
}

// Cache stores raw captures as root/<channel>/<date>/<id>.html. files are
// created once and never rewritten.
type Cache struct {
	root string
}

func NewCache(root string) *Cache {
	return &Cache{root: root}
}

func (c *Cache) Root() string {
	return c.root
}

func validKey(part string) bool {
	if part == "" || part == "." || part == ".." {
		return false
	}
	if strings.ContainsAny(part, `/\`) || strings.Contains(part, "..") {
		return false
	}
	return !strings.ContainsRune(part, 0)
}

func (c *Cache) path(e Entry) (string, error) {
	for _, part := range []string{string(e.Channel), e.Date, string(e.ID)} {
		if !validKey(part) {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, part)
		}
	}
	return filepath.Join(c.root, string(e.Channel), e.Date, string(e.ID)+extension), nil
}

func (c *Cache) Exists(e Entry) bool {
	path, err := c.path(e)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Known reports whether id is cached for channel under any date bucket.
func (c *Cache) Known(channel model.Channel, id model.ItemID) bool {
	if !validKey(string(channel)) || !validKey(string(id)) {
		return false
	}
	channelDir := filepath.Join(c.root, string(channel))
	dates, err := os.ReadDir(channelDir)
	if err != nil {
		return false
	}
	for _, date := range dates {
		if !date.IsDir() {
			continue
		}
		_, err := os.Stat(filepath.Join(channelDir, date.Name(), string(id)+extension))
		if err == nil {
			return true
		}
	}
	return false
}

// Write stores content under e unless a capture already exists there.
// written is false when the file was already present.
func (c *Cache) Write(ctx context.Context, e Entry, content []byte) (written bool, err error) {
	ctx, span := tracer.Start(ctx, "capture:write")
	defer span.End()
	span.SetAttributes(
		attribute.String("channel", string(e.Channel)),
		attribute.String("id", string(e.ID)),
	)

	path, err := c.path(e)
	if err != nil {
		return false, err
	}
	err = os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create directory")
		return false, err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create capture")
		return false, err
	}

	_, err = f.Write(content)
	if err == nil {
		err = f.Close()
	} else {
		f.Close()
	}
	if err != nil {
		// never leave a partial capture behind
		os.Remove(path)
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to write capture")
		return false, err
	}

	capturesWritten.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", string(e.Channel))))
	slog.DebugContext(ctx, "cached capture", "channel", e.Channel, "date", e.Date, "id", e.ID)
	return true, nil
}

func (c *Cache) Read(e Entry) ([]byte, error) {
	path, err := c.path(e)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// List walks the channel directory in lexical order, date bucket first
// then identifier. an identifier cached under several dates is listed
// once, from the first bucket it appears in.
func (c *Cache) List(channel model.Channel) ([]Entry, error) {
	if !validKey(string(channel)) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKey, channel)
	}
	channelDir := filepath.Join(c.root, string(channel))
	dates, err := os.ReadDir(channelDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	seen := map[model.ItemID]bool{}
	out := []Entry{}
	for _, date := range dates {
		if !date.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(channelDir, date.Name()))
		if err != nil {
			return nil, err
		}
		for _, file := range files {
			name := file.Name()
			if file.IsDir() || !strings.HasSuffix(name, extension) {
				continue
			}
			id := model.ItemID(strings.TrimSuffix(name, extension))
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, Entry{Channel: channel, Date: date.Name(), ID: id})
		}
	}
	return out, nil
}

// Pending lists cached entries of channel that are not in processed.
func (c *Cache) Pending(channel model.Channel, processed history.Set) ([]Entry, error) {
	all, err := c.List(channel)
	if err != nil {
		return nil, err
	}
	out := []Entry{}
	for _, e := range all {
		if processed.Has(e.ID) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

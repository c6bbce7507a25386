package poller

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"runtime/debug"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"shopsync/internal/model"
	"shopsync/lib/browser"
	"shopsync/services/audit"
	"shopsync/services/capture"
	"shopsync/services/scanner"
	"shopsync/services/status"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("shopsync.services.poller")

type Channel struct {
	Name       model.Channel
	ListingURL string
	// DetailURL may contain {id} and {date}, both are query escaped.
	DetailURL string
	Layout    scanner.Layout
}

func (c Channel) detailURL(l scanner.Listing) string {
	return strings.NewReplacer(
		"{id}", url.QueryEscape(string(l.ID)),
		"{date}", url.QueryEscape(l.Date),
	).Replace(c.DetailURL)
}

type Options struct {
	Channels  []Channel
	Interval  time.Duration
	Settle    time.Duration
	Pause     time.Duration
	WarmupURL string
}

// Summary is the outcome of one cycle.
type Summary struct {
	Written map[model.Channel]int
	Errors  map[model.Channel]error
}

func (s Summary) String() string {
	parts := []string{}
	for channel, n := range s.Written {
		parts = append(parts, fmt.Sprintf("%s=%d", channel, n))
	}
	for channel, err := range s.Errors {
		parts = append(parts, fmt.Sprintf("%s error: %v", channel, err))
	}
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}

func (s Summary) total() int {
	n := 0
	for _, count := range s.Written {
		n += count
	}
	return n
}

// Poller downloads new captures into the cache on a fixed interval once
// activated. it never touches channel locks.
type Poller struct {
	opts     Options
	sessions browser.Acquirer
	cache    *capture.Cache
	tracker  *status.Tracker
	journal  *audit.Journal
	scanner  scanner.Scanner

	active    atomic.Bool
	activated chan struct{}
}

func New(opts Options, sessions browser.Acquirer, cache *capture.Cache, tracker *status.Tracker, journal *audit.Journal) *Poller {
	return &Poller{
		opts:      opts,
		sessions:  sessions,
		cache:     cache,
		tracker:   tracker,
		journal:   journal,
		scanner:   scanner.Scanner{Settle: opts.Settle},
		activated: make(chan struct{}),
	}
}

// Activate starts the cycles of a running Run loop. it reports false when
// the poller was already active.
func (p *Poller) Activate() bool {
	if !p.active.CompareAndSwap(false, true) {
		return false
	}
	close(p.activated)
	p.tracker.SetSchedulerActive()
	slog.Info("scheduler activated", "interval", p.opts.Interval)
	return true
}

func (p *Poller) Active() bool {
	return p.active.Load()
}

// Run blocks until ctx is done. nothing happens before Activate.
func (p *Poller) Run(ctx context.Context) {
	select {
	case <-p.activated:
	case <-ctx.Done():
		return
	}

	for {
		p.safeCycle(ctx)
		if ctx.Err() != nil {
			return
		}

		p.tracker.SetSchedulerPhase(status.Waiting)
		slog.InfoContext(ctx, "scheduler waiting", "next", time.Now().Add(p.opts.Interval))
		if browser.Sleep(ctx, p.opts.Interval) != nil {
			return
		}
	}
}

func (p *Poller) safeCycle(ctx context.Context) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err := fmt.Errorf("cycle panicked: %v", r)
		slog.ErrorContext(ctx, "scheduler cycle panicked", "err", err, "stack", string(debug.Stack()))
		p.tracker.RecordError("scheduler", err)
		p.tracker.SetSchedulerPhase(status.Idle)
	}()

	_, err := p.CycleOnce(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "scheduler cycle failed", "err", err)
	}
}

// CycleOnce runs a single scan-and-cache pass over every channel. the
// error is only non-nil when no session could be obtained, failures of a
// single channel are reported in the summary.
func (p *Poller) CycleOnce(ctx context.Context) (Summary, error) {
	ctx, span := tracer.Start(ctx, "poller:cycle")
	defer span.End()

	p.tracker.SetSchedulerPhase(status.Running)
	defer p.tracker.SetSchedulerPhase(status.Idle)
	defer p.tracker.CycleDone()

	summary := Summary{
		Written: map[model.Channel]int{},
		Errors:  map[model.Channel]error{},
	}

	session, err := p.sessions.Acquire(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to acquire session")
		p.tracker.RecordError("scheduler", err)
		p.finish(ctx, summary, err)
		return summary, err
	}

	if p.opts.WarmupURL != "" {
		err = session.Navigate(ctx, p.opts.WarmupURL)
		if err != nil {
			slog.WarnContext(ctx, "failed to open warm-up page", "url", p.opts.WarmupURL, "err", err)
		} else if err := browser.Sleep(ctx, p.opts.Settle); err != nil {
			return summary, err
		}
	}

	for _, channel := range p.opts.Channels {
		if ctx.Err() != nil {
			break
		}
		written, err := p.syncChannel(ctx, session, channel)
		summary.Written[channel.Name] = written
		if err != nil {
			summary.Errors[channel.Name] = err
			span.RecordError(err)
			slog.ErrorContext(ctx, "channel sync failed", "channel", channel.Name, "err", err)
			p.tracker.RecordError(string(channel.Name), err)
		}
	}

	span.SetAttributes(attribute.Int("written", summary.total()))
	slog.InfoContext(ctx, "scheduler cycle finished", "summary", summary.String())
	p.finish(ctx, summary, nil)
	return summary, ctx.Err()
}

func (p *Poller) finish(ctx context.Context, summary Summary, err error) {
	if p.journal == nil {
		return
	}
	message := summary.String()
	if err != nil {
		message = err.Error()
	}
	p.journal.Record(context.WithoutCancel(ctx), audit.Event{
		Kind:    audit.CycleFinished,
		Items:   summary.total(),
		Message: message,
	})
}

func (p *Poller) syncChannel(ctx context.Context, session browser.Session, channel Channel) (int, error) {
	ctx, span := tracer.Start(ctx, "poller:channel")
	defer span.End()
	span.SetAttributes(attribute.String("channel", string(channel.Name)))

	listings, err := p.scanner.Scan(ctx, session, channel.ListingURL, channel.Layout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to scan")
		return 0, err
	}

	written := 0
	fetched := 0
	for _, listing := range listings {
		entry := capture.Entry{Channel: channel.Name, Date: listing.Date, ID: listing.ID}
		// a re-listed item keeps its first capture
		if p.cache.Known(channel.Name, listing.ID) {
			continue
		}
		if fetched > 0 {
			err := browser.Sleep(ctx, p.opts.Pause)
			if err != nil {
				return written, err
			}
		}
		fetched++

		ok, err := p.fetch(ctx, session, channel, listing, entry)
		if err != nil {
			if ctx.Err() != nil {
				return written, ctx.Err()
			}
			slog.WarnContext(ctx, "failed to fetch detail", "channel", channel.Name, "id", listing.ID, "err", err)
			continue
		}
		if ok {
			written++
		}
	}
	return written, nil
}

func (p *Poller) fetch(ctx context.Context, session browser.Session, channel Channel, listing scanner.Listing, entry capture.Entry) (bool, error) {
	target := channel.detailURL(listing)
	err := session.Navigate(ctx, target)
	if err != nil {
		return false, err
	}
	err = browser.Sleep(ctx, p.opts.Settle)
	if err != nil {
		return false, err
	}
	markup, err := session.HTML(ctx)
	if err != nil {
		return false, err
	}
	return p.cache.Write(ctx, entry, []byte(markup))
}

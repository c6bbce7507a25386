package browser

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("shopsync.lib.browser")

const livenessTimeout = 5 * time.Second

// Acquirer hands out a usable session, *Manager is the real one.
type Acquirer interface {
	Acquire(ctx context.Context) (Session, error)
}

// Strategy is one named way of obtaining a session.
type Strategy struct {
	Name string
	Open func(ctx context.Context) (Session, error)
}

// Attempt is the outcome of running one strategy.
type Attempt struct {
	Strategy string
	Session  Session
	Err      error
}

type AcquireError struct {
	Attempts []Attempt
}

func (e *AcquireError) Error() string {
	reasons := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		reasons[i] = fmt.Sprintf("%s: %v", a.Strategy, a.Err)
	}
	return "no browser session available (" + strings.Join(reasons, "; ") + ")"
}

func RemoteStrategy(name, endpoint string, mode PageMode) Strategy {
	return Strategy{
		Name: name,
		Open: func(ctx context.Context) (Session, error) {
			return Connect(ctx, endpoint, mode)
		},
	}
}

func LaunchStrategy(name string, opts LaunchOptions, mode PageMode) Strategy {
	return Strategy{
		Name: name,
		Open: func(ctx context.Context) (Session, error) {
			return Launch(ctx, opts, mode)
		},
	}
}

type Options struct {
	PrimaryURL   string
	SecondaryURL string
	Launch       LaunchOptions
}

// DefaultStrategies is the primary debug port, then the secondary one,
// then launching a dedicated browser.
func DefaultStrategies(opts Options, mode PageMode) []Strategy {
	out := []Strategy{}
	if opts.PrimaryURL != "" {
		out = append(out, RemoteStrategy("primary", opts.PrimaryURL, mode))
	}
	if opts.SecondaryURL != "" {
		out = append(out, RemoteStrategy("secondary", opts.SecondaryURL, mode))
	}
	if opts.Launch.Port != 0 {
		out = append(out, LaunchStrategy("launch", opts.Launch, mode))
	}
	return out
}

// Manager hands out a single cached session, re-acquiring it through the
// strategy chain when it is missing or dead.
type Manager struct {
	mu         sync.Mutex
	strategies []Strategy
	current    Session
	source     string
}

func NewManager(strategies ...Strategy) *Manager {
	return &Manager{strategies: strategies}
}

func (m *Manager) Acquire(ctx context.Context) (Session, error) {
	ctx, span := tracer.Start(ctx, "browser:acquire")
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		if m.alive(ctx) {
			span.SetAttributes(attribute.String("strategy", m.source), attribute.Bool("reused", true))
			return m.current, nil
		}
		slog.WarnContext(ctx, "cached browser session is dead, reacquiring", "strategy", m.source)
		m.dropLocked()
	}

	attempts := make([]Attempt, 0, len(m.strategies))
	for _, strategy := range m.strategies {
		attempt := run(ctx, strategy)
		attempts = append(attempts, attempt)
		if attempt.Err == nil {
			slog.InfoContext(ctx, "browser session acquired", "strategy", strategy.Name)
			span.SetAttributes(attribute.String("strategy", strategy.Name), attribute.Bool("reused", false))
			m.current = attempt.Session
			m.source = strategy.Name
			return attempt.Session, nil
		}
		slog.WarnContext(ctx, "browser strategy failed", "strategy", strategy.Name, "err", attempt.Err)
		span.AddEvent("strategy failed", trace.WithAttributes(
			attribute.String("strategy", strategy.Name),
			attribute.String("err", attempt.Err.Error()),
		))
		if ctx.Err() != nil {
			break
		}
	}

	err := &AcquireError{Attempts: attempts}
	span.RecordError(err)
	span.SetStatus(codes.Error, "all browser strategies failed")
	return nil, err
}

func run(ctx context.Context, strategy Strategy) Attempt {
	session, err := strategy.Open(ctx)
	if err == nil && session == nil {
		err = fmt.Errorf("strategy returned no session")
	}
	return Attempt{Strategy: strategy.Name, Session: session, Err: err}
}

func (m *Manager) alive(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, livenessTimeout)
	defer cancel()
	_, err := m.current.URL(ctx)
	return err == nil
}

func (m *Manager) dropLocked() {
	if m.current == nil {
		return
	}
	err := m.current.Close()
	if err != nil {
		slog.Warn("failed to close browser session", "err", err)
	}
	m.current = nil
	m.source = ""
}

// Forget closes the cached session, the next Acquire starts the chain over.
func (m *Manager) Forget() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropLocked()
}

// Source names the strategy that produced the cached session.
func (m *Manager) Source() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.source
}

func (m *Manager) Close() error {
	m.Forget()
	return nil
}

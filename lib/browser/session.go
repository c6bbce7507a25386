package browser

import (
	"context"
	"time"
)

// Session is one automated browser tab.
type Session interface {
	Navigate(ctx context.Context, url string) error
	// URL reads the current location, it doubles as the liveness probe.
	URL(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)
	// Exists reports whether at least one node matches selector, without
	// waiting for it to appear.
	Exists(ctx context.Context, selector string) (bool, error)
	Click(ctx context.Context, selector string) error
	SetValue(ctx context.Context, selector, value string) error
	// Evaluate runs a script in the page and decodes its result into out.
	Evaluate(ctx context.Context, script string, out any) error
	// Paste sends the platform paste chord to the focused element.
	Paste(ctx context.Context) error
	Reload(ctx context.Context) error
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}

type PageMode int

const (
	// PageReuse attaches to the first open page of the browser.
	PageReuse PageMode = iota
	// PageNew always opens a fresh tab.
	PageNew
)

func (m PageMode) String() string {
	if m == PageNew {
		return "new"
	}
	return "reuse"
}

// Sleep waits d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

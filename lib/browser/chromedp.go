package browser

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
)

const attachTimeout = 10 * time.Second

type chromeSession struct {
	endpoint string
	tab      context.Context
	cancel   context.CancelFunc
	devtools devtools
	// owned is set for tabs this session opened, which Close removes again.
	owned string
}

// Connect attaches to a browser exposing the devtools protocol at endpoint
// (e.g. http://127.0.0.1:9333) and returns a session on one of its pages.
// PageReuse drives the operator's tab and leaves it open on Close, PageNew
// opens a blank tab and closes it on Close.
func Connect(ctx context.Context, endpoint string, mode PageMode) (Session, error) {
	tools := newDevtools(endpoint)
	page, owned, err := pickTarget(ctx, tools, mode)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", endpoint, err)
	}

	// the first context attaches to the picked target. cancelling a first
	// context only drops the connection, the tab stays.
	allocCtx, cancelRemote := chromedp.NewRemoteAllocator(context.Background(), endpoint)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx, chromedp.WithTargetID(target.ID(page.ID)))
	session := &chromeSession{
		endpoint: endpoint,
		tab:      tabCtx,
		devtools: tools,
		cancel: func() {
			cancelTab()
			cancelRemote()
		},
	}
	if owned {
		session.owned = page.ID
	}

	err = runWithTimeout(ctx, tabCtx)
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("attach page of %s: %w", endpoint, err)
	}

	slog.Debug("browser session attached", "endpoint", endpoint, "mode", mode.String(), "target", page.ID, "owned", owned)
	return session, nil
}

// pickTarget returns the tab to drive and whether this session owns it.
// a browser without any page gets a blank one, which is left open.
func pickTarget(ctx context.Context, tools devtools, mode PageMode) (targetInfo, bool, error) {
	if mode == PageReuse {
		pages, err := tools.pages(ctx)
		if err != nil {
			return targetInfo{}, false, err
		}
		if page, ok := operatorPage(pages); ok {
			return page, false, nil
		}
	}
	page, err := tools.open(ctx)
	if err != nil {
		return targetInfo{}, false, err
	}
	return page, mode == PageNew, nil
}

// runWithTimeout performs the first Run on a chromedp context. that first
// Run binds the context to the browser, so it must not be given a
// cancellable child; the wait is bounded from the outside instead.
func runWithTimeout(ctx, chromeCtx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- chromedp.Run(chromeCtx)
	}()

	timer := time.NewTimer(attachTimeout)
	defer timer.Stop()
	select {
	case err := <-errCh:
		return err
	case <-timer.C:
		return fmt.Errorf("timed out after %s", attachTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run executes actions on the tab while honoring the caller's ctx.
func (s *chromeSession) run(ctx context.Context, actions ...chromedp.Action) error {
	opCtx, cancel := context.WithCancel(s.tab)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		opCtx, cancelDeadline = context.WithDeadline(opCtx, deadline)
		defer cancelDeadline()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(opCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *chromeSession) Navigate(ctx context.Context, url string) error {
	return s.run(ctx, chromedp.Navigate(url))
}

func (s *chromeSession) URL(ctx context.Context) (string, error) {
	var out string
	err := s.run(ctx, chromedp.Location(&out))
	return out, err
}

func (s *chromeSession) HTML(ctx context.Context) (string, error) {
	var out string
	err := s.run(ctx, chromedp.OuterHTML("html", &out, chromedp.ByQuery))
	return out, err
}

func (s *chromeSession) Exists(ctx context.Context, selector string) (bool, error) {
	var found bool
	script := fmt.Sprintf("document.querySelector(%q) !== null", selector)
	err := s.run(ctx, chromedp.Evaluate(script, &found))
	return found, err
}

func (s *chromeSession) Click(ctx context.Context, selector string) error {
	return s.run(ctx, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible))
}

func (s *chromeSession) SetValue(ctx context.Context, selector, value string) error {
	return s.run(
		ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.SetValue(selector, "", chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
}

func (s *chromeSession) Evaluate(ctx context.Context, script string, out any) error {
	return s.run(ctx, chromedp.Evaluate(script, out))
}

func pasteModifier() input.Modifier {
	if runtime.GOOS == "darwin" {
		return input.ModifierMeta
	}
	return input.ModifierCtrl
}

func (s *chromeSession) Paste(ctx context.Context) error {
	modifier := pasteModifier()
	return s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		err := input.DispatchKeyEvent(input.KeyDown).
			WithKey("v").
			WithCode("KeyV").
			WithWindowsVirtualKeyCode(86).
			WithModifiers(modifier).
			WithCommands([]string{"paste"}).
			Do(ctx)
		if err != nil {
			return err
		}
		return input.DispatchKeyEvent(input.KeyUp).
			WithKey("v").
			WithCode("KeyV").
			WithWindowsVirtualKeyCode(86).
			WithModifiers(modifier).
			Do(ctx)
	}))
}

func (s *chromeSession) Reload(ctx context.Context) error {
	return s.run(ctx, chromedp.Reload())
}

func (s *chromeSession) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := s.run(ctx, chromedp.CaptureScreenshot(&buf))
	return buf, err
}

func (s *chromeSession) Close() error {
	s.cancel()
	if s.owned == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	err := s.devtools.close(ctx, s.owned)
	if err != nil {
		slog.Warn("failed to close tab", "endpoint", s.endpoint, "target", s.owned, "err", err)
	}
	return err
}

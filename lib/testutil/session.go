package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"shopsync/lib/browser"
)

// FakeSession is a scriptable browser.Session. pages are served by URL,
// and the hooks let a test react to navigation, scripts and clicks.
type FakeSession struct {
	mu sync.Mutex

	CurrentURL string
	// Pages maps a URL to the markup returned by HTML after navigating there.
	Pages map[string]string
	// Present lists selectors Exists reports as matching.
	Present map[string]bool
	// Errors fails a method by name ("Navigate", "URL", ...).
	Errors map[string]error

	OnNavigate func(f *FakeSession, url string)
	OnEvaluate func(f *FakeSession, script string) (any, error)
	OnClick    func(f *FakeSession, selector string) error
	OnReload   func(f *FakeSession)
	OnPaste    func(f *FakeSession) error

	calls  []string
	values map[string]string
	closed bool
}

var _ browser.Session = (*FakeSession)(nil)

func NewFakeSession() *FakeSession {
	return &FakeSession{
		Pages:   map[string]string{},
		Present: map[string]bool{},
		Errors:  map[string]error{},
		values:  map[string]string{},
	}
}

func (f *FakeSession) record(format string, args ...any) error {
	call := fmt.Sprintf(format, args...)
	f.calls = append(f.calls, call)
	name, _, _ := strings.Cut(call, " ")
	return f.Errors[name]
}

// Calls returns every call made so far, formatted as "Method arg".
func (f *FakeSession) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.calls...)
}

// CallsTo filters Calls by method name.
func (f *FakeSession) CallsTo(method string) []string {
	out := []string{}
	for _, c := range f.Calls() {
		name, _, _ := strings.Cut(c, " ")
		if name == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *FakeSession) Value(selector string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values[selector]
}

func (f *FakeSession) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *FakeSession) Navigate(ctx context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Navigate %s", url); err != nil {
		return err
	}
	f.CurrentURL = url
	if f.OnNavigate != nil {
		f.OnNavigate(f, url)
	}
	return ctx.Err()
}

func (f *FakeSession) URL(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("URL"); err != nil {
		return "", err
	}
	return f.CurrentURL, ctx.Err()
}

func (f *FakeSession) HTML(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("HTML %s", f.CurrentURL); err != nil {
		return "", err
	}
	return f.Pages[f.CurrentURL], ctx.Err()
}

func (f *FakeSession) Exists(ctx context.Context, selector string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Exists %s", selector); err != nil {
		return false, err
	}
	return f.Present[selector], ctx.Err()
}

func (f *FakeSession) Click(ctx context.Context, selector string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Click %s", selector); err != nil {
		return err
	}
	if f.OnClick != nil {
		return f.OnClick(f, selector)
	}
	return ctx.Err()
}

func (f *FakeSession) SetValue(ctx context.Context, selector, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("SetValue %s", selector); err != nil {
		return err
	}
	f.values[selector] = value
	return ctx.Err()
}

func (f *FakeSession) Evaluate(ctx context.Context, script string, out any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Evaluate"); err != nil {
		return err
	}
	if f.OnEvaluate == nil {
		return nil
	}
	result, err := f.OnEvaluate(f, script)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	// mirror the json decoding the devtools protocol applies to results
	encoded, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return json.Unmarshal(encoded, out)
}

func (f *FakeSession) Paste(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Paste"); err != nil {
		return err
	}
	if f.OnPaste != nil {
		if err := f.OnPaste(f); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (f *FakeSession) Reload(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Reload"); err != nil {
		return err
	}
	if f.OnReload != nil {
		f.OnReload(f)
	}
	return ctx.Err()
}

func (f *FakeSession) Screenshot(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Screenshot"); err != nil {
		return nil, err
	}
	return []byte("png"), ctx.Err()
}

func (f *FakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// StaticAcquirer always hands out the same session.
type StaticAcquirer struct {
	Session browser.Session
	Err     error
}

func (a StaticAcquirer) Acquire(ctx context.Context) (browser.Session, error) {
	if a.Err != nil {
		return nil, a.Err
	}
	return a.Session, nil
}

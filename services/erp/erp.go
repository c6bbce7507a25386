package erp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"shopsync/internal/model"
	"shopsync/lib/browser"
	"shopsync/lib/timezone"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("shopsync.services.erp")

var (
	ErrLoginRequired        = errors.New("erp login required")
	ErrUploaderNotFound     = errors.New("erp upload control not found")
	ErrDialogNotFound       = errors.New("erp upload dialog not found")
	ErrNoInputCell          = errors.New("erp upload dialog has no input cell")
	ErrUnknownChannel       = errors.New("no erp page configured for channel")
	ErrClipboardChanged     = errors.New("clipboard changed before paste")
	errClipboardUnsupported = errors.New("system clipboard is not available")
)

const pasteMarker = "data-shopsync-paste"

type Credentials struct {
	CompanyCode string
	Username    string
	Password    string
}

func (c Credentials) empty() bool {
	return c.CompanyCode == "" && c.Username == "" && c.Password == ""
}

type Selectors struct {
	Company  string
	User     string
	Password string
	Submit   string
	// UploaderPresent signals that the data-entry page finished rendering.
	UploaderPresent string
	// UploaderButtons are tried in order, the first present one is clicked.
	UploaderButtons []string
	Dialog          string
	// Cells are tried in order inside the matched dialog.
	Cells []string
}

type Options struct {
	URL          string
	LoginHost    string
	Hashes       map[model.Channel]string
	Credentials  Credentials
	Selectors    Selectors
	Keyword      string
	NavigateWait time.Duration
	LoginWait    time.Duration
	DialogWait   time.Duration
	FocusWait    time.Duration
	ArtifactsDir string
}

// Adapter pastes batches into the web uploader grid of the ERP. it stops
// once the data is in the grid and never saves. deliveries run one at a
// time since they share the system clipboard and the browser tab.
type Adapter struct {
	opts      Options
	sessions  browser.Acquirer
	clipboard Clipboard
	slot      chan struct{}
}

func New(opts Options, sessions browser.Acquirer, clip Clipboard) *Adapter {
	return &Adapter{opts: opts, sessions: sessions, clipboard: clip, slot: make(chan struct{}, 1)}
}

func (a *Adapter) pageURL(channel model.Channel) (string, error) {
	hash, ok := a.opts.Hashes[channel]
	if !ok || hash == "" {
		return "", fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	return a.opts.URL + "#" + hash, nil
}

func (a *Adapter) onLoginPage(current string) bool {
	parsed, err := url.Parse(current)
	if err != nil {
		return strings.Contains(current, a.opts.LoginHost)
	}
	return parsed.Hostname() == a.opts.LoginHost
}

func (a *Adapter) Deliver(ctx context.Context, channel model.Channel, batch model.Batch) error {
	ctx, span := tracer.Start(ctx, "erp:deliver")
	defer span.End()
	span.SetAttributes(
		attribute.String("channel", string(channel)),
		attribute.Int("rows", len(batch.Rows)),
	)

	err := a.deliver(ctx, channel, batch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delivery failed")
	}
	return err
}

func (a *Adapter) deliver(ctx context.Context, channel model.Channel, batch model.Batch) error {
	target, err := a.pageURL(channel)
	if err != nil {
		return err
	}

	select {
	case a.slot <- struct{}{}:
		defer func() { <-a.slot }()
	case <-ctx.Done():
		return ctx.Err()
	}

	text := batch.ClipboardText()
	err = a.clipboard.WriteAll(text)
	if err != nil {
		return fmt.Errorf("write clipboard: %w", err)
	}
	step(ctx, "clipboard ready")

	session, err := a.sessions.Acquire(ctx)
	if err != nil {
		return err
	}

	err = a.open(ctx, session, target)
	if err != nil {
		return err
	}
	err = a.ensureUploader(ctx, session)
	if err != nil {
		return err
	}
	err = a.openDialog(ctx, session)
	if err != nil {
		return err
	}
	err = a.paste(ctx, session, text)
	if err != nil {
		return err
	}

	a.screenshot(ctx, session, channel)
	slog.InfoContext(ctx, "pasted batch into erp", "channel", channel, "rows", len(batch.Rows), "items", len(batch.Items))
	return nil
}

func step(ctx context.Context, name string) {
	trace.SpanFromContext(ctx).AddEvent(name)
	slog.DebugContext(ctx, "erp step", "step", name)
}

func (a *Adapter) navigate(ctx context.Context, session browser.Session, target string) (string, error) {
	err := session.Navigate(ctx, target)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", target, err)
	}
	err = browser.Sleep(ctx, a.opts.NavigateWait)
	if err != nil {
		return "", err
	}
	return session.URL(ctx)
}

// open navigates to the data-entry page, logging in once when redirected
// to the login surface.
func (a *Adapter) open(ctx context.Context, session browser.Session, target string) error {
	current, err := a.navigate(ctx, session, target)
	if err != nil {
		return err
	}
	if !a.onLoginPage(current) {
		step(ctx, "page open")
		return nil
	}
	if a.opts.Credentials.empty() {
		return fmt.Errorf("%w: no credentials configured", ErrLoginRequired)
	}

	step(ctx, "logging in")
	err = a.login(ctx, session)
	if err != nil {
		return err
	}

	current, err = a.navigate(ctx, session, target)
	if err != nil {
		return err
	}
	if a.onLoginPage(current) {
		return fmt.Errorf("%w: still on %s after login", ErrLoginRequired, current)
	}
	step(ctx, "page open")
	return nil
}

func (a *Adapter) login(ctx context.Context, session browser.Session) error {
	sel := a.opts.Selectors
	creds := a.opts.Credentials
	fields := []struct {
		selector string
		value    string
	}{
		{sel.Company, creds.CompanyCode},
		{sel.User, creds.Username},
		{sel.Password, creds.Password},
	}
	for _, f := range fields {
		err := session.SetValue(ctx, f.selector, f.value)
		if err != nil {
			return fmt.Errorf("fill %s: %w", f.selector, err)
		}
	}
	err := session.Click(ctx, sel.Submit)
	if err != nil {
		return fmt.Errorf("submit login: %w", err)
	}
	return browser.Sleep(ctx, a.opts.LoginWait)
}

func (a *Adapter) ensureUploader(ctx context.Context, session browser.Session) error {
	present, err := session.Exists(ctx, a.opts.Selectors.UploaderPresent)
	if err != nil {
		return err
	}
	if present {
		return nil
	}

	slog.InfoContext(ctx, "upload control missing, reloading", "selector", a.opts.Selectors.UploaderPresent)
	err = session.Reload(ctx)
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	return browser.Sleep(ctx, a.opts.NavigateWait)
}

func (a *Adapter) clickUploader(ctx context.Context, session browser.Session) error {
	for _, selector := range a.opts.Selectors.UploaderButtons {
		present, err := session.Exists(ctx, selector)
		if err != nil {
			return err
		}
		if !present {
			continue
		}
		err = session.Click(ctx, selector)
		if err != nil {
			return fmt.Errorf("click %s: %w", selector, err)
		}
		step(ctx, "uploader clicked")
		return browser.Sleep(ctx, a.opts.DialogWait)
	}
	return ErrUploaderNotFound
}

type markResult struct {
	Dialog bool `json:"dialog"`
	Cell   bool `json:"cell"`
}

const markScript = `(() => {
	const dialogSelector = %s;
	const keyword = %s;
	const cellSelectors = %s;
	const marker = %s;
	const visible = (el) => {
		if (!(el.offsetWidth || el.offsetHeight || el.getClientRects().length)) return false;
		const style = window.getComputedStyle(el);
		return style.visibility !== "hidden" && style.display !== "none";
	};
	document.querySelectorAll("[" + marker + "]").forEach((el) => el.removeAttribute(marker));
	const dialogs = Array.from(document.querySelectorAll(dialogSelector))
		.filter((d) => visible(d) && (d.innerText || "").includes(keyword));
	if (dialogs.length === 0) return { dialog: false, cell: false };
	for (const selector of cellSelectors) {
		for (const dialog of dialogs) {
			const cell = Array.from(dialog.querySelectorAll(selector)).find(visible);
			if (cell) {
				cell.setAttribute(marker, "1");
				return { dialog: true, cell: true };
			}
		}
	}
	return { dialog: true, cell: false };
})()`

func jsString(v any) string {
	encoded, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(encoded)
}

// mark finds a visible dialog containing the keyword and tags its first
// visible input cell with the paste marker.
func (a *Adapter) mark(ctx context.Context, session browser.Session) (markResult, error) {
	script := fmt.Sprintf(
		markScript,
		jsString(a.opts.Selectors.Dialog),
		jsString(a.opts.Keyword),
		jsString(a.opts.Selectors.Cells),
		jsString(pasteMarker),
	)
	var result markResult
	err := session.Evaluate(ctx, script, &result)
	return result, err
}

func (a *Adapter) openDialog(ctx context.Context, session browser.Session) error {
	for attempt := 0; attempt < 2; attempt++ {
		err := a.clickUploader(ctx, session)
		if err != nil {
			return err
		}
		result, err := a.mark(ctx, session)
		if err != nil {
			return fmt.Errorf("inspect dialog: %w", err)
		}
		if !result.Dialog {
			slog.InfoContext(ctx, "upload dialog not visible yet", "attempt", attempt+1)
			continue
		}
		if !result.Cell {
			return ErrNoInputCell
		}
		step(ctx, "dialog open")
		return nil
	}
	return ErrDialogNotFound
}

func (a *Adapter) paste(ctx context.Context, session browser.Session, text string) error {
	selector := fmt.Sprintf(`[%s="1"]`, pasteMarker)
	err := session.Click(ctx, selector)
	if err != nil {
		return fmt.Errorf("focus input cell: %w", err)
	}
	err = browser.Sleep(ctx, a.opts.FocusWait)
	if err != nil {
		return err
	}
	// anything else on the desktop may have copied in the meantime
	current, err := a.clipboard.ReadAll()
	if err != nil {
		return fmt.Errorf("read clipboard: %w", err)
	}
	if current != text {
		return ErrClipboardChanged
	}
	err = session.Paste(ctx)
	if err != nil {
		return fmt.Errorf("paste: %w", err)
	}
	step(ctx, "pasted")
	return nil
}

func (a *Adapter) screenshot(ctx context.Context, session browser.Session, channel model.Channel) {
	if a.opts.ArtifactsDir == "" {
		return
	}
	png, err := session.Screenshot(ctx)
	if err != nil {
		slog.WarnContext(ctx, "failed to capture screenshot", "err", err)
		return
	}
	err = os.MkdirAll(a.opts.ArtifactsDir, 0755)
	if err != nil {
		slog.WarnContext(ctx, "failed to create artifacts dir", "err", err)
		return
	}
	name := fmt.Sprintf("erp_%s_%s.png", channel, timezone.FileStamp(timezone.Now()))
	path := filepath.Join(a.opts.ArtifactsDir, name)
	err = os.WriteFile(path, png, 0644)
	if err != nil {
		slog.WarnContext(ctx, "failed to write screenshot", "err", err)
		return
	}
	slog.InfoContext(ctx, "saved screenshot", "path", path)
}

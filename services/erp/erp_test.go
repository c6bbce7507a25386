package erp

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"shopsync/internal/model"
	"shopsync/lib/browser"
	"shopsync/lib/testutil"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

const (
	erpURL      = "https://loginab.ecount.com/ec5/view/erp?w_flag=1"
	loginURL    = "https://login.ecount.com/?redirect=1"
	ledgerURL   = erpURL + "#menuType=MENUTREE_000004&prgId=E040303"
	estimateURL = erpURL + "#menuType=MENUTREE_000004&prgId=E040201"
	marked      = `[data-shopsync-paste="1"]`
)

type fakeClipboard struct {
	mu   sync.Mutex
	text string
	err  error
}

func (c *fakeClipboard) WriteAll(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.text = text
	return c.err
}

func (c *fakeClipboard) ReadAll() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text, nil
}

func testOptions(t *testing.T) Options {
	return Options{
		URL:       erpURL,
		LoginHost: "login.ecount.com",
		Hashes: map[model.Channel]string{
			"ledger":   "menuType=MENUTREE_000004&prgId=E040303",
			"estimate": "menuType=MENUTREE_000004&prgId=E040201",
		},
		Credentials: Credentials{CompanyCode: "600001", Username: "clerk", Password: "pw"},
		Selectors: Selectors{
			Company:         `input[name="com_code"]`,
			User:            `input[name="id"]`,
			Password:        `input[name="passwd"]`,
			Submit:          `button[id="save"]`,
			UploaderPresent: "#webUploader",
			UploaderButtons: []string{"#webUploader", "#toolbar_toolbar_item_web_uploader button"},
			Dialog:          ".ui-dialog",
			Cells:           []string{"span.grid-input-data", "input"},
		},
		Keyword:      "엑셀서식내려받기로",
		ArtifactsDir: t.TempDir(),
	}
}

// readySession is an erp page that is logged in and shows the upload dialog
// as soon as the uploader is clicked.
func readySession() *testutil.FakeSession {
	session := testutil.NewFakeSession()
	session.Present["#webUploader"] = true
	dialogOpen := false
	session.OnClick = func(f *testutil.FakeSession, selector string) error {
		if selector == "#webUploader" {
			dialogOpen = true
		}
		return nil
	}
	session.OnEvaluate = func(f *testutil.FakeSession, script string) (any, error) {
		return map[string]bool{"dialog": dialogOpen, "cell": dialogOpen}, nil
	}
	return session
}

var testBatch = model.Batch{
	Rows:  []model.Row{{"2024-05-01", "A1", "3"}, {"2024-05-01", "A1", "4"}},
	Items: []model.ItemID{"A1"},
}

func TestDeliver(t *testing.T) {
	opts := testOptions(t)
	session := readySession()
	clip := &fakeClipboard{}
	adapter := New(opts, testutil.StaticAcquirer{Session: session}, clip)

	err := adapter.Deliver(context.Background(), "ledger", testBatch)
	require.NoError(t, err)

	require.Equal(t, "2024-05-01\tA1\t3\r\n2024-05-01\tA1\t4", clip.text)
	require.Equal(t, []string{"Navigate " + ledgerURL}, session.CallsTo("Navigate"))
	require.Equal(t, []string{"Click #webUploader", "Click " + marked}, session.CallsTo("Click"))
	require.Len(t, session.CallsTo("Paste"), 1)
	require.Empty(t, session.CallsTo("Reload"))
	require.Empty(t, session.CallsTo("SetValue"))

	// the paste happens after the cell is focused
	calls := session.Calls()
	require.Equal(t, "Paste", calls[len(calls)-2])
	require.Equal(t, "Screenshot", calls[len(calls)-1])

	files, err := os.ReadDir(opts.ArtifactsDir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.True(t, strings.HasPrefix(files[0].Name(), "erp_ledger_"))
}

// gatedAcquirer holds every Acquire until release is closed.
type gatedAcquirer struct {
	session browser.Session
	entered chan struct{}
	release chan struct{}
}

func (a gatedAcquirer) Acquire(ctx context.Context) (browser.Session, error) {
	a.entered <- struct{}{}
	select {
	case <-a.release:
		return a.session, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestConcurrentDeliveriesPasteTheirOwnRows(t *testing.T) {
	ctx := context.Background()
	session := readySession()
	clip := &fakeClipboard{}
	pasted := map[string]string{}
	session.OnPaste = func(f *testutil.FakeSession) error {
		text, _ := clip.ReadAll()
		pasted[f.CurrentURL] = text
		return nil
	}
	acquirer := gatedAcquirer{session: session, entered: make(chan struct{}, 2), release: make(chan struct{})}
	adapter := New(testOptions(t), acquirer, clip)

	estimate := model.Batch{
		Rows:  []model.Row{{"2024-05-02", "B1", "9"}},
		Items: []model.ItemID{"B1"},
	}
	errs := make(chan error, 2)
	go func() {
		errs <- adapter.Deliver(ctx, "ledger", testBatch)
	}()
	<-acquirer.entered
	go func() {
		errs <- adapter.Deliver(ctx, "estimate", estimate)
	}()
	// give the second delivery time to reach the clipboard
	time.Sleep(50 * time.Millisecond)
	close(acquirer.release)

	for range 2 {
		select {
		case err := <-errs:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("delivery did not finish")
		}
	}

	diff := cmp.Diff(map[string]string{
		ledgerURL:   "2024-05-01\tA1\t3\r\n2024-05-01\tA1\t4",
		estimateURL: "2024-05-02\tB1\t9",
	}, pasted)
	if diff != "" {
		t.Fatal(diff)
	}
}

func TestDeliverRefusesChangedClipboard(t *testing.T) {
	session := readySession()
	clip := &fakeClipboard{}
	click := session.OnClick
	session.OnClick = func(f *testutil.FakeSession, selector string) error {
		if selector == marked {
			clip.WriteAll("copied elsewhere")
		}
		return click(f, selector)
	}
	adapter := New(testOptions(t), testutil.StaticAcquirer{Session: session}, clip)

	err := adapter.Deliver(context.Background(), "ledger", testBatch)
	require.ErrorIs(t, err, ErrClipboardChanged)
	require.Empty(t, session.CallsTo("Paste"))
}

func TestDeliverLogsInOnRedirect(t *testing.T) {
	session := readySession()
	loggedIn := false
	session.OnNavigate = func(f *testutil.FakeSession, url string) {
		if !loggedIn {
			f.CurrentURL = loginURL
		}
	}
	click := session.OnClick
	session.OnClick = func(f *testutil.FakeSession, selector string) error {
		if selector == `button[id="save"]` {
			loggedIn = true
		}
		return click(f, selector)
	}
	adapter := New(testOptions(t), testutil.StaticAcquirer{Session: session}, &fakeClipboard{})

	err := adapter.Deliver(context.Background(), "ledger", testBatch)
	require.NoError(t, err)

	require.Len(t, session.CallsTo("Navigate"), 2)
	require.Equal(t, "600001", session.Value(`input[name="com_code"]`))
	require.Equal(t, "clerk", session.Value(`input[name="id"]`))
	require.Equal(t, "pw", session.Value(`input[name="passwd"]`))
	require.Len(t, session.CallsTo("Paste"), 1)
}

func TestDeliverFailsWhenLoginDoesNotStick(t *testing.T) {
	session := readySession()
	session.OnNavigate = func(f *testutil.FakeSession, url string) {
		f.CurrentURL = loginURL
	}
	adapter := New(testOptions(t), testutil.StaticAcquirer{Session: session}, &fakeClipboard{})

	err := adapter.Deliver(context.Background(), "ledger", testBatch)
	require.ErrorIs(t, err, ErrLoginRequired)
	require.Len(t, session.CallsTo("Navigate"), 2)
	require.Empty(t, session.CallsTo("Paste"))
}

func TestDeliverWithoutCredentials(t *testing.T) {
	session := readySession()
	session.OnNavigate = func(f *testutil.FakeSession, url string) {
		f.CurrentURL = loginURL
	}
	opts := testOptions(t)
	opts.Credentials = Credentials{}
	adapter := New(opts, testutil.StaticAcquirer{Session: session}, &fakeClipboard{})

	err := adapter.Deliver(context.Background(), "ledger", testBatch)
	require.ErrorIs(t, err, ErrLoginRequired)
	require.Empty(t, session.CallsTo("SetValue"))
}

func TestDeliverReloadsOnceWhenUploaderMissing(t *testing.T) {
	session := readySession()
	session.Present["#webUploader"] = false
	session.OnReload = func(f *testutil.FakeSession) {
		f.Present["#webUploader"] = true
	}
	adapter := New(testOptions(t), testutil.StaticAcquirer{Session: session}, &fakeClipboard{})

	err := adapter.Deliver(context.Background(), "ledger", testBatch)
	require.NoError(t, err)
	require.Len(t, session.CallsTo("Reload"), 1)
}

func TestDeliverUsesFallbackUploaderButton(t *testing.T) {
	session := readySession()
	session.Present["#webUploader"] = false
	session.Present["#toolbar_toolbar_item_web_uploader button"] = true
	session.OnEvaluate = func(f *testutil.FakeSession, script string) (any, error) {
		return map[string]bool{"dialog": true, "cell": true}, nil
	}
	adapter := New(testOptions(t), testutil.StaticAcquirer{Session: session}, &fakeClipboard{})

	err := adapter.Deliver(context.Background(), "ledger", testBatch)
	require.NoError(t, err)
	require.Equal(t, []string{
		"Click #toolbar_toolbar_item_web_uploader button",
		"Click " + marked,
	}, session.CallsTo("Click"))
}

func TestDeliverDialogNotFound(t *testing.T) {
	session := readySession()
	session.OnEvaluate = func(f *testutil.FakeSession, script string) (any, error) {
		return map[string]bool{"dialog": false, "cell": false}, nil
	}
	adapter := New(testOptions(t), testutil.StaticAcquirer{Session: session}, &fakeClipboard{})

	err := adapter.Deliver(context.Background(), "ledger", testBatch)
	require.ErrorIs(t, err, ErrDialogNotFound)
	// one retry click
	require.Equal(t, []string{"Click #webUploader", "Click #webUploader"}, session.CallsTo("Click"))
	require.Empty(t, session.CallsTo("Paste"))
}

func TestDeliverNoInputCell(t *testing.T) {
	session := readySession()
	session.OnEvaluate = func(f *testutil.FakeSession, script string) (any, error) {
		return map[string]bool{"dialog": true, "cell": false}, nil
	}
	adapter := New(testOptions(t), testutil.StaticAcquirer{Session: session}, &fakeClipboard{})

	err := adapter.Deliver(context.Background(), "ledger", testBatch)
	require.ErrorIs(t, err, ErrNoInputCell)
	require.Empty(t, session.CallsTo("Paste"))
}

func TestDeliverPreconditions(t *testing.T) {
	session := readySession()

	adapter := New(testOptions(t), testutil.StaticAcquirer{Session: session}, &fakeClipboard{})
	err := adapter.Deliver(context.Background(), "returns", testBatch)
	require.ErrorIs(t, err, ErrUnknownChannel)

	adapter = New(testOptions(t), testutil.StaticAcquirer{Session: session}, &fakeClipboard{err: errors.New("no display")})
	err = adapter.Deliver(context.Background(), "ledger", testBatch)
	require.ErrorContains(t, err, "no display")

	adapter = New(testOptions(t), testutil.StaticAcquirer{Err: errors.New("no browser")}, &fakeClipboard{})
	err = adapter.Deliver(context.Background(), "ledger", testBatch)
	require.ErrorContains(t, err, "no browser")
	require.Empty(t, session.Calls())
}

func TestMarkScriptEmbedsConfig(t *testing.T) {
	session := testutil.NewFakeSession()
	var seen string
	session.OnEvaluate = func(f *testutil.FakeSession, script string) (any, error) {
		seen = script
		return map[string]bool{"dialog": true, "cell": true}, nil
	}
	adapter := New(testOptions(t), testutil.StaticAcquirer{Session: session}, &fakeClipboard{})

	result, err := adapter.mark(context.Background(), session)
	require.NoError(t, err)
	require.True(t, result.Dialog)
	require.True(t, result.Cell)
	require.Contains(t, seen, `"엑셀서식내려받기로"`)
	require.Contains(t, seen, `["span.grid-input-data","input"]`)
	require.Contains(t, seen, `".ui-dialog"`)
}

package poller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"shopsync/internal/model"
	"shopsync/lib/testutil"
	"shopsync/services/audit"
	"shopsync/services/capture"
	"shopsync/services/scanner"
	"shopsync/services/status"

	"github.com/stretchr/testify/require"
)

func listingRow(date, id string) string {
	return fmt.Sprintf("<tr><td>%s</td><td>%s</td><td>-</td><td>-</td><td>-</td><td>-</td></tr>", date, id)
}

func listingPage(rows ...string) string {
	return `<table class="table"><tbody>` + strings.Join(rows, "") + `</tbody></table>`
}

type fixture struct {
	poller  *Poller
	session *testutil.FakeSession
	cache   *capture.Cache
	tracker *status.Tracker
	journal *audit.Journal
}

func newFixture(t *testing.T, acquireErr error) fixture {
	session := testutil.NewFakeSession()
	session.Pages["http://src.test/ledger"] = listingPage(
		listingRow("2024-05-01", "A1"),
		listingRow("2024-05-02", "A2"),
	)
	session.Pages["http://src.test/estimate"] = listingPage(
		listingRow("2024-05-01", "B1"),
	)
	for _, id := range []string{"A1", "A2", "B1"} {
		session.Pages["http://src.test/doc?no="+id] = "<html>" + id + "</html>"
	}

	journal, err := audit.New(testutil.OpenSqlite(t, ""))
	require.NoError(t, err)

	channels := []Channel{
		{Name: "ledger", ListingURL: "http://src.test/ledger", DetailURL: "http://src.test/doc?no={id}", Layout: scanner.DefaultLayout()},
		{Name: "estimate", ListingURL: "http://src.test/estimate", DetailURL: "http://src.test/doc?no={id}", Layout: scanner.DefaultLayout()},
	}
	cache := capture.NewCache(t.TempDir())
	tracker := status.NewTracker([]model.Channel{"ledger", "estimate"})
	p := New(
		Options{Channels: channels, Interval: time.Hour, WarmupURL: "http://src.test/main"},
		testutil.StaticAcquirer{Session: session, Err: acquireErr},
		cache,
		tracker,
		journal,
	)
	return fixture{poller: p, session: session, cache: cache, tracker: tracker, journal: journal}
}

func TestCycleCachesNewItems(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	summary, err := f.poller.CycleOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, map[model.Channel]int{"ledger": 2, "estimate": 1}, summary.Written)
	require.Empty(t, summary.Errors)

	content, err := f.cache.Read(capture.Entry{Channel: "ledger", Date: "2024-05-02", ID: "A2"})
	require.NoError(t, err)
	require.Equal(t, "<html>A2</html>", string(content))
	require.Equal(t, "Navigate http://src.test/main", f.session.Calls()[0])

	// a second cycle only scans listings
	summary, err = f.poller.CycleOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, map[model.Channel]int{"ledger": 0, "estimate": 0}, summary.Written)
	require.Len(t, f.session.CallsTo("Navigate"), 3+3+3)

	events, err := f.journal.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, audit.CycleFinished, events[1].Kind)
	require.Equal(t, 3, events[1].Items)

	snapshot := f.tracker.Snapshot()
	require.Equal(t, status.Idle, snapshot.Scheduler.Phase)
	require.False(t, snapshot.Scheduler.LastRun.IsZero())
}

func TestChannelFailureDoesNotStopOthers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.session.OnNavigate = func(s *testutil.FakeSession, url string) {
		if url == "http://src.test/ledger" {
			s.Errors["HTML"] = errors.New("listing timed out")
			return
		}
		delete(s.Errors, "HTML")
	}

	summary, err := f.poller.CycleOnce(ctx)
	require.NoError(t, err)
	require.Error(t, summary.Errors["ledger"])
	require.Equal(t, 1, summary.Written["estimate"])
	require.Contains(t, f.tracker.Snapshot().LastError, "listing timed out")
}

func TestDetailFailureSkipsItem(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.session.OnNavigate = func(s *testutil.FakeSession, url string) {
		if url == "http://src.test/doc?no=A1" {
			s.Errors["HTML"] = errors.New("detail failed")
			return
		}
		delete(s.Errors, "HTML")
	}

	summary, err := f.poller.CycleOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Written["ledger"])
	require.False(t, f.cache.Exists(capture.Entry{Channel: "ledger", Date: "2024-05-01", ID: "A1"}))
	require.True(t, f.cache.Exists(capture.Entry{Channel: "ledger", Date: "2024-05-02", ID: "A2"}))
}

func TestRelistedItemIsNotFetchedAgain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.poller.CycleOnce(ctx)
	require.NoError(t, err)

	// A1 now shows up under a later date
	f.session.Pages["http://src.test/ledger"] = listingPage(
		listingRow("2024-05-03", "A1"),
		listingRow("2024-05-02", "A2"),
	)
	summary, err := f.poller.CycleOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, summary.Written["ledger"])
	detail := 0
	for _, call := range f.session.CallsTo("Navigate") {
		if call == "Navigate http://src.test/doc?no=A1" {
			detail++
		}
	}
	require.Equal(t, 1, detail)
	require.False(t, f.cache.Exists(capture.Entry{Channel: "ledger", Date: "2024-05-03", ID: "A1"}))

	entries, err := f.cache.List("ledger")
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestSessionFailureAbortsCycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, errors.New("no browser"))

	_, err := f.poller.CycleOnce(ctx)
	require.Error(t, err)
	require.Empty(t, f.session.Calls())
	require.Contains(t, f.tracker.Snapshot().LastError, "no browser")
}

func TestActivateAndRun(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		f.poller.Run(ctx)
		close(done)
	}()

	require.False(t, f.poller.Active())
	require.True(t, f.poller.Activate())
	require.False(t, f.poller.Activate())
	require.True(t, f.tracker.Snapshot().Scheduler.Active)

	require.Eventually(t, func() bool {
		return f.tracker.Snapshot().Scheduler.Phase == status.Waiting
	}, 5*time.Second, 10*time.Millisecond)
	require.True(t, f.cache.Exists(capture.Entry{Channel: "estimate", Date: "2024-05-01", ID: "B1"}))

	// cancellation interrupts the hour long wait
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not exit after cancel")
	}
}

func TestRunWithoutActivation(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	f.poller.Run(ctx)
	require.Empty(t, f.session.Calls())
}

func TestDetailURL(t *testing.T) {
	channel := Channel{DetailURL: "http://src.test/trans_doc.jsp?chulhano={id}&d={date}&younglim_gubun=임업"}
	got := channel.detailURL(scanner.Listing{Date: "2024-05-01", ID: "C 1&x"})
	require.Equal(t, "http://src.test/trans_doc.jsp?chulhano=C+1%26x&d=2024-05-01&younglim_gubun=임업", got)
}

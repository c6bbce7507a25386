package control

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"shopsync/internal/model"
	"shopsync/lib/testutil"
	"shopsync/services/audit"
	"shopsync/services/history"
	"shopsync/services/status"
	"shopsync/services/uploader"

	"github.com/stretchr/testify/require"
)

type fakeUploads struct {
	mu      sync.Mutex
	calls   []model.Channel
	tracker *status.Tracker
	release chan struct{}
}

func (f *fakeUploads) Upload(ctx context.Context, channel model.Channel) (uploader.Result, error) {
	lease, ok := f.tracker.TryBegin(channel)
	if !ok {
		return uploader.Result{Skipped: true}, nil
	}
	f.mu.Lock()
	f.calls = append(f.calls, channel)
	f.mu.Unlock()
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
		}
	}
	f.tracker.End(lease, "", nil)
	return uploader.Result{Processed: 1}, nil
}

func (f *fakeUploads) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeScheduler struct {
	active bool
}

func (f *fakeScheduler) Activate() bool {
	if f.active {
		return false
	}
	f.active = true
	return true
}

func (f *fakeScheduler) Active() bool {
	return f.active
}

type fixture struct {
	server  *Server
	http    *httptest.Server
	uploads *fakeUploads
	tracker *status.Tracker
	history *history.Store
	journal *audit.Journal
}

func newFixture(t *testing.T) fixture {
	channels := []model.Channel{"ledger", "estimate"}
	tracker := status.NewTracker(channels)
	journal, err := audit.New(testutil.OpenSqlite(t, ""))
	require.NoError(t, err)

	f := fixture{
		tracker: tracker,
		history: history.NewStore(filepath.Join(t.TempDir(), "history.json")),
		journal: journal,
		uploads: &fakeUploads{tracker: tracker},
	}
	f.server = New(Options{
		Channels:  channels,
		Uploads:   f.uploads,
		Scheduler: &fakeScheduler{},
		Tracker:   tracker,
		History:   f.history,
		Journal:   journal,
	})
	f.http = httptest.NewServer(f.server.Handler())
	t.Cleanup(func() {
		f.http.Close()
		f.server.Close()
	})
	return f
}

func (f fixture) do(t *testing.T, method, path string, out any) int {
	req, err := http.NewRequest(method, f.http.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set(ActorHeader, "tester")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(res.Body).Decode(out))
	}
	return res.StatusCode
}

func TestTrigger(t *testing.T) {
	f := newFixture(t)
	f.uploads.release = make(chan struct{})

	var res Response
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/trigger_ledger", &res))
	require.Equal(t, "accepted", res.Status)

	require.Eventually(t, func() bool {
		return f.tracker.Phase("ledger") == status.Running
	}, 5*time.Second, 10*time.Millisecond)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/trigger_ledger", &res))
	require.Equal(t, "ignored", res.Status)

	close(f.uploads.release)
	require.Eventually(t, func() bool {
		return f.tracker.Phase("ledger") == status.Idle
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, f.uploads.count())

	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/trigger_returns", nil))
	require.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodDelete, "/trigger_ledger", nil))
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.history.Record(context.Background(), "ledger", []model.ItemID{"A1", "A2"}))

	var res StatusResponse
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/status", &res))
	require.Equal(t, map[model.Channel]int{"ledger": 2, "estimate": 0}, res.HistoryCount)
	require.Equal(t, status.Idle, res.ServerStatus.Channels["ledger"].Phase)
	require.False(t, res.ServerStatus.Scheduler.Active)
}

func TestStartDownloader(t *testing.T) {
	f := newFixture(t)

	var res Response
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/start_downloader", &res))
	require.Equal(t, "started", res.Status)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/start_downloader", &res))
	require.Equal(t, "ignored", res.Status)

	events, err := f.journal.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, audit.SchedulerStart, events[0].Kind)
}

func TestResetStatus(t *testing.T) {
	f := newFixture(t)
	_, ok := f.tracker.TryBegin("estimate")
	require.True(t, ok)

	var res Response
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/reset_status", &res))
	require.Equal(t, "reset", res.Status)
	require.Equal(t, []model.Channel{"estimate"}, res.Channels)
	require.Equal(t, status.Idle, f.tracker.Phase("estimate"))

	var events []audit.Event
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/audit?limit=5", &events))
	require.Len(t, events, 1)
	require.Equal(t, audit.ForceReset, events[0].Kind)
	require.Equal(t, "tester", events[0].Actor)

	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/audit?limit=x", nil))
}

func TestIndex(t *testing.T) {
	f := newFixture(t)

	res, err := http.Get(f.http.URL + "/")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body), "/trigger_estimate"))

	res, err = http.Get(f.http.URL + "/nothing")
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusNotFound, res.StatusCode)
}

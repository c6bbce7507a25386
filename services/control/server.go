package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"shopsync/internal/model"
	"shopsync/services/audit"
	"shopsync/services/history"
	"shopsync/services/status"
	"shopsync/services/uploader"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

var tracer = otel.Tracer("shopsync.services.control")

// ActorHeader names the caller of administrative routes in the audit log.
const ActorHeader = "X-Shopsync-Actor"

type Uploader interface {
	Upload(ctx context.Context, channel model.Channel) (uploader.Result, error)
}

type Scheduler interface {
	Activate() bool
	Active() bool
}

type Options struct {
	Channels  []model.Channel
	Uploads   Uploader
	Scheduler Scheduler
	Tracker   *status.Tracker
	History   *history.Store
	Journal   *audit.Journal
}

type Server struct {
	Options

	// uploads started by triggers outlive their request
	background context.Context
	stop       context.CancelFunc
	wg         sync.WaitGroup
}

func New(opts Options) *Server {
	background, stop := context.WithCancel(context.Background())
	return &Server{Options: opts, background: background, stop: stop}
}

type Response struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	// Channels lists the channels a reset returned to idle.
	Channels []model.Channel `json:"channels,omitempty"`
}

type StatusResponse struct {
	ServerStatus status.Snapshot       `json:"server_status"`
	HistoryCount map[model.Channel]int `json:"history_count"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		slog.Warn("failed to write response", "err", err)
	}
}

func actor(r *http.Request) string {
	if name := r.Header.Get(ActorHeader); name != "" {
		return name
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	for _, channel := range s.Channels {
		mux.HandleFunc("/trigger_"+string(channel), s.trigger(channel))
	}
	mux.HandleFunc("GET /status", s.status)
	mux.HandleFunc("POST /start_downloader", s.startDownloader)
	mux.HandleFunc("POST /reset_status", s.resetStatus)
	mux.HandleFunc("GET /audit", s.audit)
	mux.HandleFunc("GET /{$}", s.index)
	return mux
}

func (s *Server) trigger(channel model.Channel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodPost {
			w.Header().Set("Allow", "GET, POST")
			writeJSON(w, http.StatusMethodNotAllowed, Response{Status: "error", Message: "method not allowed"})
			return
		}
		_, span := tracer.Start(r.Context(), "control:trigger")
		defer span.End()
		span.SetAttributes(attribute.String("channel", string(channel)))

		if s.Tracker.Phase(channel) == status.Running {
			writeJSON(w, http.StatusOK, Response{
				Status:  "ignored",
				Message: fmt.Sprintf("%s upload already running", channel),
			})
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			result, err := s.Uploads.Upload(s.background, channel)
			if err != nil {
				return
			}
			if result.Skipped {
				slog.Info("triggered upload was skipped", "channel", channel)
			}
		}()

		writeJSON(w, http.StatusOK, Response{
			Status:  "accepted",
			Message: fmt.Sprintf("%s upload started", channel),
		})
	}
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	counts, err := s.History.Counts(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, Response{Status: "error", Message: err.Error()})
		return
	}
	for _, channel := range s.Channels {
		if _, ok := counts[channel]; !ok {
			counts[channel] = 0
		}
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		ServerStatus: s.Tracker.Snapshot(),
		HistoryCount: counts,
	})
}

func (s *Server) startDownloader(w http.ResponseWriter, r *http.Request) {
	if !s.Scheduler.Activate() {
		writeJSON(w, http.StatusOK, Response{Status: "ignored", Message: "scheduler already active"})
		return
	}
	if s.Journal != nil {
		s.Journal.Record(r.Context(), audit.Event{Kind: audit.SchedulerStart, Actor: actor(r)})
	}
	writeJSON(w, http.StatusOK, Response{Status: "started", Message: "scheduler activated"})
}

func (s *Server) resetStatus(w http.ResponseWriter, r *http.Request) {
	who := actor(r)
	reset := s.Tracker.ForceReset()
	slog.Warn("status force reset", "actor", who, "channels", reset)
	if s.Journal != nil {
		s.Journal.Record(r.Context(), audit.Event{
			Kind:    audit.ForceReset,
			Actor:   who,
			Items:   len(reset),
			Message: fmt.Sprint(reset),
		})
	}
	writeJSON(w, http.StatusOK, Response{
		Status:   "reset",
		Message:  "all channels returned to idle",
		Channels: reset,
	})
}

func (s *Server) audit(w http.ResponseWriter, r *http.Request) {
	if s.Journal == nil {
		writeJSON(w, http.StatusOK, []audit.Event{})
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, Response{Status: "error", Message: "limit must be a positive integer"})
			return
		}
		limit = min(n, 500)
	}
	events, err := s.Journal.Recent(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, Response{Status: "error", Message: err.Error()})
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// Serve listens on addr until ctx is done, then waits for triggered uploads
// to observe cancellation.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h2c.NewHandler(s.Handler(), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("control server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close cancels triggered uploads and waits for them to return.
func (s *Server) Close() {
	s.stop()
	s.wg.Wait()
}

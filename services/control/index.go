package control

import (
	_ "embed"
	"html/template"
	"log/slog"
	"net/http"

	"shopsync/internal/model"
	"shopsync/lib/timezone"
	"shopsync/services/status"
)

//go:embed index.html
var indexSource string

var indexTemplate = template.Must(template.New("index").Funcs(template.FuncMap{
	"stamp": timezone.Stamp,
}).Parse(indexSource))

type indexChannel struct {
	Name      model.Channel
	Status    status.ChannelStatus
	Processed int
}

type indexPage struct {
	Status   status.Snapshot
	Channels []indexChannel
}

func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	snapshot := s.Tracker.Snapshot()
	counts, err := s.History.Counts(r.Context())
	if err != nil {
		slog.WarnContext(r.Context(), "failed to count history", "err", err)
		counts = map[model.Channel]int{}
	}

	page := indexPage{Status: snapshot}
	for _, channel := range s.Channels {
		page.Channels = append(page.Channels, indexChannel{
			Name:      channel,
			Status:    snapshot.Channels[channel],
			Processed: counts[channel],
		})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err = indexTemplate.Execute(w, page)
	if err != nil {
		slog.WarnContext(r.Context(), "failed to render index", "err", err)
	}
}

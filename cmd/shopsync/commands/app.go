package commands

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"shopsync/internal/config"
	"shopsync/internal/model"
	"shopsync/lib/browser"
	"shopsync/services/audit"
	"shopsync/services/capture"
	"shopsync/services/erp"
	"shopsync/services/exporter"
	"shopsync/services/extract"
	"shopsync/services/history"
	"shopsync/services/poller"
	"shopsync/services/scanner"
	"shopsync/services/status"
	"shopsync/services/uploader"
)

// app holds every long lived component, built from the resolved config.
type app struct {
	history  *history.Store
	cache    *capture.Cache
	tracker  *status.Tracker
	journal  *audit.Journal
	auditDB  *sql.DB
	scraping *browser.Manager
	erp      *browser.Manager
	uploads  *uploader.Coordinator
	poller   *poller.Poller
	exporter *exporter.Exporter
}

func layout(c config.ListingConfig) scanner.Layout {
	return scanner.Layout{
		RowSelector: c.RowSelector,
		DateColumn:  c.DateColumn - 1,
		IDColumn:    c.IDColumn - 1,
		MinColumns:  c.MinColumns,
	}
}

func extractTable(c config.TableConfig) extract.Table {
	out := extract.Table{
		RowSelector: c.RowSelector,
		MinColumns:  c.MinColumns,
	}
	for _, col := range c.Columns {
		out.Columns = append(out.Columns, extract.Column{
			Source: col.Column - 1,
			Value:  col.Value,
			Field:  col.Field,
		})
	}
	return out
}

func extractors(c config.Config) map[model.Channel]extract.Extractor {
	out := map[model.Channel]extract.Extractor{}
	for _, ch := range c.Channels {
		out[ch.Name] = extractTable(ch.Table)
	}
	return out
}

func browserOptions(c config.BrowserConfig) browser.Options {
	return browser.Options{
		PrimaryURL:   c.PrimaryURL,
		SecondaryURL: c.SecondaryURL,
		Launch: browser.LaunchOptions{
			ExecPath:   c.ExecPath,
			Port:       c.LaunchPort,
			ProfileDir: c.ProfileDir,
			Settle:     c.LaunchSettle(),
		},
	}
}

func erpOptions(c config.Config) erp.Options {
	hashes := map[model.Channel]string{}
	for _, ch := range c.Channels {
		hashes[ch.Name] = ch.ERPHash
	}
	return erp.Options{
		URL:       c.ERP.URL,
		LoginHost: c.ERP.LoginHost,
		Hashes:    hashes,
		Credentials: erp.Credentials{
			CompanyCode: c.ERP.CompanyCode,
			Username:    c.ERP.Username,
			Password:    c.ERP.Password,
		},
		Selectors: erp.Selectors{
			Company:         c.ERP.CompanySelector,
			User:            c.ERP.UserSelector,
			Password:        c.ERP.PassSelector,
			Submit:          c.ERP.SubmitSelector,
			UploaderPresent: c.ERP.UploaderPresent,
			UploaderButtons: c.ERP.UploaderButtons,
			Dialog:          c.ERP.DialogSelector,
			Cells:           c.ERP.CellSelectors,
		},
		Keyword:      c.ERP.DialogKeyword,
		NavigateWait: millis(c.ERP.NavigateMillis),
		LoginWait:    millis(c.ERP.LoginMillis),
		DialogWait:   millis(c.ERP.DialogMillis),
		FocusWait:    millis(c.ERP.FocusMillis),
		ArtifactsDir: c.ArtifactsDir,
	}
}

func pollerOptions(c config.Config) poller.Options {
	channels := make([]poller.Channel, len(c.Channels))
	for i, ch := range c.Channels {
		channels[i] = poller.Channel{
			Name:       ch.Name,
			ListingURL: ch.ListingURL,
			DetailURL:  ch.DetailURL,
			Layout:     layout(ch.Listing),
		}
	}
	return poller.Options{
		Channels:  channels,
		Interval:  c.Scheduler.Interval(),
		Settle:    c.Scheduler.Settle(),
		Pause:     c.Scheduler.Pause(),
		WarmupURL: c.Scheduler.WarmupURL,
	}
}

func newApp(c config.Config) (*app, error) {
	journal, auditDB, err := audit.Open(c.AuditDB)
	if err != nil {
		return nil, fmt.Errorf("open audit db %s: %w", filepath.Clean(c.AuditDB), err)
	}

	a := &app{
		history: history.NewStore(c.HistoryFile),
		cache:   capture.NewCache(c.DataDir),
		tracker: status.NewTracker(c.ChannelNames()),
		journal: journal,
		auditDB: auditDB,
		// the scheduler keeps working in the tab the operator is logged in
		// with, uploads get a tab of their own
		scraping: browser.NewManager(browser.DefaultStrategies(browserOptions(c.Browser), browser.PageReuse)...),
		erp:      browser.NewManager(browser.DefaultStrategies(browserOptions(c.Browser), browser.PageNew)...),
	}

	ex := extractors(c)
	target := erp.New(erpOptions(c), a.erp, erp.SystemClipboard{})
	a.uploads = uploader.New(uploader.Options{MaxRows: c.MaxRows, Extractors: ex}, a.cache, a.history, a.tracker, target, a.journal)
	a.poller = poller.New(pollerOptions(c), a.scraping, a.cache, a.tracker, a.journal)
	a.exporter = exporter.New(a.cache, a.history, ex)
	return a, nil
}

func (a *app) Close() {
	err := errors.Join(a.scraping.Close(), a.erp.Close(), a.auditDB.Close())
	if err != nil {
		slog.Warn("failed to close resources", "err", err)
	}
}

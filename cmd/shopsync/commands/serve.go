package commands

import (
	"log/slog"

	"shopsync/lib/telemetry"
	"shopsync/services/audit"
	"shopsync/services/control"

	"github.com/spf13/cobra"
)

var serveActivate *bool

func init() {
	serveActivate = serveCmd.Flags().Bool("activate", false, "Start the scheduler immediately instead of waiting for /start_downloader.")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve [--activate]",
	Short: "Runs the control server and the background scheduler.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		telemetry.InstrumentPerfStats(ctx)

		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		if cfg.AutoActivate || *serveActivate {
			if a.poller.Activate() {
				a.journal.Record(ctx, audit.Event{Kind: audit.SchedulerStart, Actor: "startup"})
			}
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			a.poller.Run(ctx)
		}()

		server := control.New(control.Options{
			Channels:  cfg.ChannelNames(),
			Uploads:   a.uploads,
			Scheduler: a.poller,
			Tracker:   a.tracker,
			History:   a.history,
			Journal:   a.journal,
		})
		slog.Info("shopsync started",
			"channels", cfg.ChannelNames(),
			"cache", a.cache.Root(),
			"history", a.history.Path(),
			"scheduler_active", a.poller.Active(),
		)

		err = server.Serve(ctx, cfg.Listen)
		<-done
		return err
	},
}

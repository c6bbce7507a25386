package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"shopsync/lib/osutil"
	"shopsync/lib/timezone"
	"shopsync/services/audit"
	"shopsync/services/capture"
	"shopsync/services/exporter"
	"shopsync/services/history"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var (
	exportOut  *string
	auditLimit *int
	auditRun   *string
)

func init() {
	exportOut = exportCmd.Flags().String("out", "", "Path of the workbook, defaults to <export_dir>/<channel>_<timestamp>.xlsx.")
	auditLimit = auditCmd.Flags().Int("limit", 50, "Number of recent events to show.")
	auditRun = auditCmd.Flags().String("run", "", "Only show the events of this upload run.")

	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(auditCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history [channel]",
	Short: "Shows processed and pending document counts, or the ids processed for a channel.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store := history.NewStore(cfg.HistoryFile)
		cache := capture.NewCache(cfg.DataDir)

		if len(args) == 1 {
			channel, err := channelArg(args[0])
			if err != nil {
				return err
			}
			set, err := store.Load(ctx, channel)
			if err != nil {
				return err
			}
			entries, err := cache.List(channel)
			if err != nil {
				return err
			}
			t := newTable()
			t.AppendHeader(table.Row{"Date", "ID", "Processed"})
			for _, e := range entries {
				t.AppendRow(table.Row{e.Date, e.ID, set.Has(e.ID)})
			}
			t.Render()
			return nil
		}

		t := newTable()
		t.AppendHeader(table.Row{"Channel", "Cached", "Processed", "Pending"})
		for _, channel := range cfg.ChannelNames() {
			set, err := store.Load(ctx, channel)
			if err != nil {
				return err
			}
			entries, err := cache.List(channel)
			if err != nil {
				return err
			}
			pending, err := cache.Pending(channel, set)
			if err != nil {
				return err
			}
			t.AppendRow(table.Row{channel, len(entries), len(set), len(pending)})
		}
		t.Render()
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <channel> [--out <path>]",
	Short: "Writes the pending rows of a channel to an xlsx workbook for manual entry.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		channel, err := channelArg(args[0])
		if err != nil {
			return err
		}
		ex := exporter.New(
			capture.NewCache(cfg.DataDir),
			history.NewStore(cfg.HistoryFile),
			extractors(cfg),
		)
		out, err := ex.Export(cmd.Context(), channel)
		if err != nil {
			return err
		}
		if len(out.Items) == 0 {
			fmt.Println("nothing pending for", channel)
			return nil
		}

		path := *exportOut
		if path == "" {
			name := fmt.Sprintf("%s_%s.xlsx", channel, timezone.FileStamp(timezone.Now()))
			path = filepath.Join(cfg.ExportDir, name)
		}
		err = osutil.EnsureParent(path)
		if err != nil {
			return err
		}
		err = os.WriteFile(path, out.XLSX, 0644)
		if err != nil {
			return err
		}
		fmt.Printf("wrote %d rows from %d documents to %s\n", out.Rows, len(out.Items), path)
		return nil
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit [--limit <n>] [--run <run_id>]",
	Short: "Lists recent entries of the audit journal.",
	RunE: func(cmd *cobra.Command, args []string) error {
		journal, database, err := audit.Open(cfg.AuditDB)
		if err != nil {
			return err
		}
		defer database.Close()

		var events []audit.Event
		if *auditRun != "" {
			events, err = journal.Run(cmd.Context(), *auditRun)
		} else {
			events, err = journal.Recent(cmd.Context(), *auditLimit)
		}
		if err != nil {
			return err
		}

		t := newTable()
		t.AppendHeader(table.Row{"Time", "Kind", "Channel", "Actor", "Items", "Rows", "Run", "Message"})
		for _, e := range events {
			t.AppendRow(table.Row{timezone.Stamp(e.Time), e.Kind, e.Channel, e.Actor, e.Items, e.Rows, e.RunID, e.Message})
		}
		t.Render()
		return nil
	},
}

package commands

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(scanCmd)
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Runs a single scheduler cycle, caching every new document.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		summary, err := a.poller.CycleOnce(cmd.Context())
		if err != nil {
			return err
		}

		t := newTable()
		t.AppendHeader(table.Row{"Channel", "Written", "Error"})
		for _, channel := range cfg.ChannelNames() {
			msg := ""
			if err := summary.Errors[channel]; err != nil {
				msg = err.Error()
			}
			t.AppendRow(table.Row{channel, summary.Written[channel], msg})
		}
		t.Render()
		return nil
	},
}

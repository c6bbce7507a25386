package commands

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(uploadCmd)
}

var uploadCmd = &cobra.Command{
	Use:   "upload <channel>",
	Short: "Pastes the pending rows of a channel into the ERP from this process.",
	Long: `Pastes the pending rows of a channel into the ERP from this process.

Do not run this while a serve process is up, the channel lock only guards
a single process. Use "trigger" to ask a running server instead.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		channel, err := channelArg(args[0])
		if err != nil {
			return err
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.uploads.Upload(cmd.Context(), channel)
		if err != nil {
			return fmt.Errorf("upload %s (run %s): %w", channel, result.RunID, err)
		}

		t := newTable()
		t.AppendHeader(table.Row{"Run", "Processed", "Rows", "Deferred", "Empty"})
		t.AppendRow(table.Row{result.RunID, result.Processed, result.Rows, result.Deferred, result.Empty})
		t.Render()
		return nil
	},
}

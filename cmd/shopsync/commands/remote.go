package commands

import (
	"fmt"
	"os"
	"os/user"
	"sort"

	"shopsync/internal/model"
	"shopsync/lib/restyutil"
	"shopsync/lib/timezone"
	"shopsync/services/control"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(triggerCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(activateCmd)
}

func operator() string {
	u, err := user.Current()
	if err == nil && u.Username != "" {
		return u.Username
	}
	host, _ := os.Hostname()
	return host
}

// post sends an administrative request to the control server and prints
// its message.
func post(cmd *cobra.Command, path string) (control.Response, error) {
	client, err := controlClient()
	if err != nil {
		return control.Response{}, err
	}
	out := control.Response{}
	res, err := client.R().
		SetContext(cmd.Context()).
		SetHeader(control.ActorHeader, operator()).
		SetResult(&out).
		Post(path)
	if err != nil {
		return out, err
	}
	if err := restyutil.Check(res); err != nil {
		return out, err
	}
	fmt.Printf("%s: %s\n", out.Status, out.Message)
	return out, nil
}

var triggerCmd = &cobra.Command{
	Use:   "trigger <channel>",
	Short: "Asks the running server to upload the pending rows of a channel.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		channel, err := channelArg(args[0])
		if err != nil {
			return err
		}
		_, err = post(cmd, "/trigger_"+string(channel))
		return err
	},
}

var activateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Starts the scheduler of the running server.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := post(cmd, "/start_downloader")
		return err
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Forces every channel of the running server back to idle.",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := post(cmd, "/reset_status")
		if err != nil {
			return err
		}
		if len(out.Channels) > 0 {
			fmt.Println("released:", out.Channels)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Shows the status of the running server.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := controlClient()
		if err != nil {
			return err
		}
		out := control.StatusResponse{}
		res, err := client.R().
			SetContext(cmd.Context()).
			SetResult(&out).
			Get("/status")
		if err != nil {
			return err
		}
		if err := restyutil.Check(res); err != nil {
			return err
		}

		snap := out.ServerStatus
		t := newTable()
		t.AppendHeader(table.Row{"Scope", "Phase", "Last run", "Processed", "Summary"})
		t.AppendRow(table.Row{
			fmt.Sprintf("scheduler (active: %v)", snap.Scheduler.Active),
			snap.Scheduler.Phase,
			timezone.Stamp(snap.Scheduler.LastRun),
			"",
			"",
		})

		names := []string{}
		for channel := range snap.Channels {
			names = append(names, string(channel))
		}
		sort.Strings(names)
		for _, name := range names {
			ch := snap.Channels[model.Channel(name)]
			t.AppendRow(table.Row{
				name,
				ch.Phase,
				timezone.Stamp(ch.LastRun),
				out.HistoryCount[model.Channel(name)],
				ch.Summary,
			})
		}
		t.Render()

		if snap.LastError != "" {
			fmt.Printf("last error (%s): %s\n", timezone.Stamp(snap.LastErrorTime), snap.LastError)
		}
		return nil
	},
}

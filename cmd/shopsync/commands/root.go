package commands

import (
	"context"
	"log/slog"
	"time"

	"shopsync/internal/config"
	"shopsync/lib/osutil"
	"shopsync/lib/telemetry"

	"github.com/spf13/cobra"
)

var (
	configPath *string
	serverURL  *string
	debugDir   *string

	cfg config.Config
	tel telemetry.Telemetry
)

func init() {
	configPath = rootCmd.PersistentFlags().String("config", "", "Path to the config file, shopsync.json5 is searched for when empty.")
	serverURL = rootCmd.PersistentFlags().String("server", "", "Base url of a running control server, derived from the listen address when empty.")
	debugDir = rootCmd.PersistentFlags().String("http-dump", "", "Directory to dump control server exchanges to.")
}

var rootCmd = &cobra.Command{
	Use:           "shopsync",
	Short:         "shopsync mirrors shipping documents into a local cache and pastes them into the ERP.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if *configPath != "" {
			cfg, err = config.LoadFile(*configPath)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return err
		}
		telemetry.InitSlog(cfg.Debug)

		tel, err = telemetry.Setup(cmd.Context(), "shopsync", cfg.Telemetry)
		if err != nil {
			slog.Warn("failed to setup telemetry", "err", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := tel.Shutdown(ctx)
		if err != nil {
			slog.Warn("failed to flush telemetry", "err", err)
		}
	},
}

func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		osutil.Fatal("command failed", err)
	}
}

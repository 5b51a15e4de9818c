package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ch0002ic/balanced-corridor-planner/internal/apiclient"
	"github.com/ch0002ic/balanced-corridor-planner/internal/logging"
)

// globals holds the persistent flags shared by every command.
type globals struct {
	server  string
	wsURL   string
	verbose bool
	logger  zerolog.Logger
}

func (g *globals) client() *apiclient.Client {
	return apiclient.New(g.server, g.logger)
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "cli",
		Short:         "Operator client for the corridor planner simulation service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := "warn"
			if g.verbose {
				level = "debug"
			}
			g.logger = logging.NewWithWriter(os.Stderr, level, "console")
		},
	}

	root.PersistentFlags().StringVar(&g.server, "server", envOr("SIM_SERVER", "http://localhost:3001"), "REST API base URL")
	root.PersistentFlags().StringVar(&g.wsURL, "ws", envOr("SIM_WS", "ws://localhost:8765/ws"), "live updates WebSocket URL")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "verbose output")

	root.AddCommand(
		newUploadCmd(g),
		newStartCmd(g),
		newStopCmd(g),
		newResetCmd(g),
		newStatusCmd(g),
		newLogsCmd(g),
		newArchivesCmd(g),
		newWatchCmd(g),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

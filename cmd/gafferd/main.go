package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"gaffer/internal/app"
	"gaffer/internal/daemon"
)

func main() {
	var home string
	cmd := &cobra.Command{
		Use:   "gafferd",
		Short: "Gaffer worker daemon",
		Long: `gafferd supervises workers: it tails workspace event logs, matches
subscriptions, and runs the configured commands. It listens on a unix socket
under the gaffer home and is normally started on demand by gf.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			root := home
			if root == "" {
				var err error
				root, err = app.Home()
				if err != nil {
					return err
				}
			}
			paths := app.NewGlobalPaths(root)
			if err := paths.Ensure(); err != nil {
				return err
			}
			logFile, err := os.OpenFile(paths.DaemonLog(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return err
			}
			defer logFile.Close()
			logger := log.New(logFile, "", log.LstdFlags)

			d, err := daemon.New(paths, logger)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := d.Run(ctx); err != nil {
				logger.Printf("daemon: %v", err)
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&home, "home", "", "global state directory (default $GAFFER_HOME or ~/.gaffer)")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "gafferd:", err)
		os.Exit(1)
	}
}

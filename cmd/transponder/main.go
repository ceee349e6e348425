// Command transponder runs on provisioned nodes. "announce" sends the boot
// beacon the orchestrator waits for; "watch" prints every beacon it hears.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ryandielhenn/replscale/internal/logging"
	"github.com/ryandielhenn/replscale/pkg/beacon"
)

func main() {
	var (
		group = beacon.DefaultGroup
		port  = beacon.DefaultPort
		level = "info"
		log   *zap.Logger
	)

	root := &cobra.Command{
		Use:           "transponder",
		Short:         "Multicast boot beacon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log = logging.New(logging.Config{Env: "prod", Level: level})
		},
	}
	root.PersistentFlags().StringVar(&group, "group", group, "Multicast group")
	root.PersistentFlags().IntVar(&port, "port", port, "UDP port")
	root.PersistentFlags().StringVar(&level, "log-level", level, "debug|info|warn|error")

	announceCmd := &cobra.Command{
		Use:   "announce",
		Short: "Send one beacon and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := beacon.Announce(cmd.Context(), group, port); err != nil {
				return err
			}
			log.Info("beacon sent", zap.String("group", group), zap.Int("port", port))
			return nil
		},
	}

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Log beacons until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info("watching", zap.String("group", group), zap.Int("port", port))
			return beacon.Listen(cmd.Context(), group, port, func(a beacon.Arrival) {
				log.Info("beacon", zap.String("from", a.From), zap.Time("at", a.At))
			})
		},
	}

	root.AddCommand(announceCmd, watchCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		stop()
		os.Exit(1)
	}
}

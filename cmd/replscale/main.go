package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ryandielhenn/replscale/internal/config"
	"github.com/ryandielhenn/replscale/internal/logging"
	"github.com/ryandielhenn/replscale/internal/telemetry"
	"github.com/ryandielhenn/replscale/pkg/beacon"
	"github.com/ryandielhenn/replscale/pkg/provision"
	"github.com/ryandielhenn/replscale/pkg/replset"
	"github.com/ryandielhenn/replscale/pkg/server"
)

var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	var (
		cfgPath = envOr("REPLSCALE_CONFIG", "replscale.toml")
		cfg     *config.Configuration
		log     *zap.Logger
	)

	root := &cobra.Command{
		Use:           "replscale",
		Short:         "Scale a config-server and database replica set pair in lockstep",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if cfg, err = config.Load(cfgPath); err != nil {
				return err
			}
			log = logging.New(cfg.Logging)
			telemetry.SetBuildInfo(version, gitSHA)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if log != nil {
				_ = log.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", cfgPath, "TOML configuration file (env REPLSCALE_CONFIG)")

	// session opens a connected cluster for one command and closes it after.
	session := func(cmd *cobra.Command, fn func(ctx context.Context, c *cluster) error) error {
		ctx := cmd.Context()
		c, err := connect(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer func() {
			cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.Close(cctx); err != nil {
				log.Warn("close connections", zap.Error(err))
			}
		}()
		return fn(ctx, c)
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return session(cmd, func(ctx context.Context, c *cluster) error {
				watchBeacons(ctx, cfg.Beacon, beacon.NewTracker(), log)

				srv := &http.Server{
					Addr:              cfg.HTTP.Addr,
					Handler:           server.New(c.orch, log).Routes(),
					ReadHeaderTimeout: 10 * time.Second,
				}
				errCh := make(chan error, 1)
				go func() {
					log.Info("listening", zap.String("addr", srv.Addr), zap.String("version", version))
					errCh <- srv.ListenAndServe()
				}()

				select {
				case err := <-errCh:
					return err
				case <-ctx.Done():
				}
				log.Info("shutting down")
				sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := srv.Shutdown(sctx); err != nil {
					return fmt.Errorf("shutdown: %w", err)
				}
				if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}

	var (
		wait        bool
		waitTimeout time.Duration
	)
	upCmd := &cobra.Command{
		Use:   "up N",
		Short: "Add N nodes to both replica sets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("count: %w", err)
			}
			return session(cmd, func(ctx context.Context, c *cluster) error {
				// listen before scaling so no boot announcement is missed
				tr := beacon.NewTracker()
				if wait {
					watchBeacons(ctx, cfg.Beacon, tr, log)
				}
				res, err := c.orch.ScaleUp(ctx, n)
				if err != nil {
					if len(res.Nodes) > 0 {
						log.Error("nodes left running", zap.Strings("ids", nodeIDs(res.Nodes)))
						_ = printJSON(res)
					}
					return err
				}
				if wait {
					wctx, cancel := context.WithTimeout(ctx, waitTimeout)
					defer cancel()
					if err := c.orch.AwaitMembers(wctx, replset.Database, res.DatabaseHosts, tr); err != nil {
						return err
					}
					if err := c.orch.AwaitMembers(wctx, replset.ConfigServer, res.ConfigHosts, tr); err != nil {
						return err
					}
				}
				return printJSON(res)
			})
		},
	}
	upCmd.Flags().BoolVar(&wait, "wait", false, "Wait until the new members are healthy")
	upCmd.Flags().DurationVar(&waitTimeout, "wait-timeout", 15*time.Minute, "Upper bound for --wait")

	var allowDisaster bool
	downCmd := &cobra.Command{
		Use:   "down N",
		Short: "Remove N members from both replica sets and terminate retired nodes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("count: %w", err)
			}
			return session(cmd, func(ctx context.Context, c *cluster) error {
				res, err := c.orch.ScaleDown(ctx, n, allowDisaster)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	downCmd.Flags().BoolVar(&allowDisaster, "allow-disaster", false, "Permit removing every config server")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Print configuration and status of both replica sets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return session(cmd, func(ctx context.Context, c *cluster) error {
				snap, err := c.orch.Snapshot(ctx)
				if err != nil {
					return err
				}
				return printJSON(snap)
			})
		},
	}

	imagesCmd := &cobra.Command{
		Use:   "images",
		Short: "List machine images owned by the account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := ec2Client(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			images, err := provision.Images(cmd.Context(), api)
			if err != nil {
				return err
			}
			for _, im := range images {
				fmt.Printf("%s\t%s\n", im.ID, im.Description)
			}
			return nil
		},
	}

	// power management of a single node, addressed by private IP
	power := func(verb string, act func(*provision.EC2Gateway, context.Context, provision.Node) error) *cobra.Command {
		return &cobra.Command{
			Use:   verb + " IP",
			Short: "Power " + verb + " the node with this private IP",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				gw, _, err := newGateway(cmd.Context(), cfg, log)
				if err != nil {
					return err
				}
				nodes, err := gw.FindNodesByPrivateAddress(cmd.Context(), args)
				if err != nil {
					return err
				}
				if len(nodes) != 1 {
					return fmt.Errorf("%s: expected one live node, found %d", args[0], len(nodes))
				}
				return act(gw, cmd.Context(), nodes[0])
			},
		}
	}
	nodeCmd := &cobra.Command{Use: "node", Short: "Start or stop a provisioned node"}
	nodeCmd.AddCommand(
		power("start", (*provision.EC2Gateway).StartNode),
		power("stop", (*provision.EC2Gateway).StopNode),
	)

	root.AddCommand(serveCmd, upCmd, downCmd, statusCmd, imagesCmd, nodeCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		stop()
		os.Exit(1)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func nodeIDs(nodes []provision.Node) []string {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	return ids
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

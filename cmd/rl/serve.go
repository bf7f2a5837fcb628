package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/relance/internal/api"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
		noDispatch bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the dispatch loop",
		Long: `Starts the JSON API and, unless --no-dispatch is given, the coordinator
loop that sends due follow-ups. Several instances may run against the same
database; each follow-up is sent by exactly one of them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port, noDispatch)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Relance config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP port (overrides server.port)")
	cmd.Flags().BoolVar(&noDispatch, "no-dispatch", false, "serve the API only")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int, noDispatch bool) error {
	e, err := newEnv(cmd, configPath)
	if err != nil {
		return err
	}
	defer e.close()

	if port <= 0 {
		port = e.cfg.Server.Port
	}

	ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return api.Start(ctx, api.Opts{
			DB:          e.db,
			Settings:    e.settings,
			Coordinator: e.coord,
			Metrics:     e.metrics,
			Gatherer:    e.registry,
			Log:         e.log,
			Port:        port,
		})
	})
	if !noDispatch {
		g.Go(func() error {
			return e.coord.Run(ctx)
		})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Relance API running at http://localhost:%d\n", port)
	return g.Wait()
}

func newScanCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one dispatch pass and exit",
		Long:  "Sends every follow-up that is due now, applying stop conditions first, then prints a summary.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Relance config file")
	return cmd
}

func runScan(cmd *cobra.Command, configPath string) error {
	e, err := newEnv(cmd, configPath)
	if err != nil {
		return err
	}
	defer e.close()

	report, err := e.coord.Scan(cmdContext(cmd))
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Candidates: %d\n", report.Candidates)
	fmt.Fprintf(out, "Sent:       %d\n", report.Sent)
	fmt.Fprintf(out, "Failed:     %d\n", report.Failed)
	fmt.Fprintf(out, "Stopped:    %d\n", report.Stopped)
	fmt.Fprintf(out, "Skipped:    %d\n", report.Skipped)
	fmt.Fprintf(out, "Errors:     %d\n", report.Errors)
	return nil
}

// cmdContext returns the command's context, or Background when the
// command was executed without one.
func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

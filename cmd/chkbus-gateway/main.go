package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/3cpo-dev/chkbus/internal/bus"
	"github.com/3cpo-dev/chkbus/internal/core"
	"github.com/3cpo-dev/chkbus/internal/gateway"
	"github.com/3cpo-dev/chkbus/internal/telemetry"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "chkbus-gateway",
		Short:         "HTTP bridge for publishing checks and reading their results",
		RunE:          runGateway,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringP("log", "l", "info", "Set log level. Available: trace, debug, info, warn, error, fatal")
	cmd.PersistentFlags().String("config", "", "config file")
	cmd.PersistentPreRun = func(c *cobra.Command, args []string) {
		levelStr, _ := c.Flags().GetString("log")
		core.SetLogLevel(levelStr)
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("chkbus-gateway %s\n", version)
		},
	})
	return cmd
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := core.LoadConfig(cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.ValidateStandalone(); err != nil {
		return err
	}
	dialer, err := bus.NewDialer(cfg.Broker)
	if err != nil {
		return err
	}
	tlsConfig, err := gateway.LoadServerTLS(cfg.Gateway.TLSCert, cfg.Gateway.TLSKey)
	if err != nil {
		return err
	}

	srv := gateway.New(gateway.Options{
		DispatchTopic: cfg.Gateway.DispatchTopic,
		RepoPort:      cfg.Gateway.RepoPort,
		StaleAfter:    cfg.Gateway.StaleAfter,
		WaitBudget:    cfg.Gateway.WaitBudget,
	}, dialer)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx, cfg.Gateway.Listen, tlsConfig) })
	if cfg.Telemetry.Enabled {
		ms := telemetry.NewMonitoringServer(cfg.Telemetry.MonitoringAddr)
		ms.RegisterHealthCheck("goroutines", telemetry.GoroutineCheck(5000))
		g.Go(func() error { return ms.Run(gctx) })
	}

	log.Info().
		Str("transport", cfg.Broker.Transport).
		Str("broker", cfg.Broker.Address).
		Str("dispatch_topic", cfg.Gateway.DispatchTopic).
		Msg("Starting chkbus gateway")
	return g.Wait()
}

func main() {
	core.SetupLogger()
	root := newRootCmd()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	root.SetContext(ctx)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

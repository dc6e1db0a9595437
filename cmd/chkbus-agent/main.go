package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/3cpo-dev/chkbus/internal/agent"
	"github.com/3cpo-dev/chkbus/internal/bus"
	"github.com/3cpo-dev/chkbus/internal/core"
	"github.com/3cpo-dev/chkbus/internal/executor"
	"github.com/3cpo-dev/chkbus/internal/identity"
	"github.com/3cpo-dev/chkbus/internal/scripts"
	gssh "github.com/3cpo-dev/chkbus/internal/ssh"
	"github.com/3cpo-dev/chkbus/internal/telemetry"
	"github.com/3cpo-dev/chkbus/pkg/api"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "chkbus-agent",
		Short:         "Run checks dispatched over the bus and publish their results",
		RunE:          runAgent,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringP("log", "l", "info", "Set log level. Available: trace, debug, info, warn, error, fatal")
	cmd.PersistentFlags().String("config", "", "config file")
	cmd.PersistentPreRun = func(c *cobra.Command, args []string) {
		levelStr, _ := c.Flags().GetString("log")
		core.SetLogLevel(levelStr)
	}

	cmd.AddCommand(newKeysCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("chkbus-agent %s\n", version)
		},
	})
	return cmd
}

func buildRuntime(cfg core.Config) (*agent.Runtime, error) {
	dialer, err := bus.NewDialer(cfg.Broker)
	if err != nil {
		return nil, err
	}

	resolver := identity.NewResolver(
		identity.NewLookup(cfg.Agent.DNSServer, cfg.Agent.DNSTimeout),
		identity.UDPProber{Target: cfg.Agent.ProbeAddress},
	)

	retry := scripts.DefaultRetryConfig()
	retry.MaxRetries = cfg.Agent.Download.RetryCount()
	httpFetcher := scripts.NewHTTPFetcher(cfg.Agent.Download.Timeout, cfg.Agent.Download.RequestsPerSecond, retry)
	fetcher := scripts.SchemeFetcher{
		"http":  httpFetcher,
		"https": httpFetcher,
		"sftp": &scripts.SFTPFetcher{
			User:       cfg.Agent.SFTP.User,
			KeyPath:    cfg.Agent.SFTP.KeyPath,
			KnownHosts: cfg.Agent.SFTP.KnownHosts,
			Timeout:    cfg.Agent.Download.Timeout,
		},
	}
	cache := scripts.NewCache(cfg.Agent.WorkDir, fetcher, nil)
	exec := executor.New(cfg.Agent.Interpreters, cfg.Agent.ExecTimeout)

	return agent.New(agent.Options{
		Name:               cfg.Agent.Name,
		Topics:             cfg.Agent.Topics,
		CheckKind:          api.MessageKind(cfg.Agent.CheckKind),
		RefreshKind:        api.MessageKind(cfg.Agent.RefreshKind),
		FailureTopic:       cfg.Agent.FailureTopic,
		ExclusiveExecution: cfg.Agent.ExclusiveExecution,
	}, dialer, resolver, cache, exec), nil
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := core.LoadConfig(cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.ValidateStandalone(); err != nil {
		return err
	}
	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	log.Info().
		Str("agent", cfg.Agent.Name).
		Str("transport", cfg.Broker.Transport).
		Str("broker", cfg.Broker.Address).
		Strs("topics", cfg.Agent.Topics).
		Msg("Starting chkbus agent")

	ctx := cmd.Context()
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	g := new(errgroup.Group)
	g.Go(func() error {
		defer cancelRun()
		err := rt.Run(runCtx)
		if errors.Is(err, agent.ErrTerminated) && !errors.Is(err, bus.ErrSubscriptionRejected) {
			log.Info().Msg("Agent retired")
			return nil
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	// A signal retires the agent; the unsubscribe acknowledgment ends Run.
	g.Go(func() error {
		select {
		case <-runCtx.Done():
			return nil
		case <-sigCtx.Done():
		}
		log.Info().Msg("Signal received, retiring agent")
		retireCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.Retire(retireCtx); err != nil {
			log.Warn().Err(err).Msg("Retire failed, shutting down")
			cancelRun()
			return nil
		}
		select {
		case <-runCtx.Done():
		case <-retireCtx.Done():
			log.Warn().Msg("No unsubscribe acknowledgment, shutting down")
			cancelRun()
		}
		return nil
	})

	if cfg.Telemetry.Enabled {
		ms := telemetry.NewMonitoringServer(cfg.Telemetry.MonitoringAddr)
		ms.RegisterHealthCheck("bus", rt.HealthCheck)
		ms.RegisterHealthCheck("goroutines", telemetry.GoroutineCheck(1000))
		g.Go(func() error { return ms.Run(runCtx) })
	}

	return g.Wait()
}

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the SSH material used for sftp:// script repositories",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "generate <private-key-path>",
		Short: "Generate an ed25519 keypair and print the public key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, err := gssh.GenerateEd25519Keypair(args[0])
			if err != nil {
				return err
			}
			fmt.Print(pub)
			return nil
		},
	})

	trust := &cobra.Command{
		Use:   "trust <host:port> <authorized-key>",
		Short: "Record a repository host key in known_hosts",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("known-hosts")
			if path == "" {
				cfgPath, _ := cmd.Flags().GetString("config")
				cfg, err := core.LoadConfig(cfgPath)
				if err != nil {
					return err
				}
				path = cfg.Agent.SFTP.KnownHosts
			}
			if path == "" {
				return fmt.Errorf("no known_hosts path: set --known-hosts or agent.sftp.known_hosts")
			}
			if err := gssh.TrustHost(path, args[0], args[1]); err != nil {
				return err
			}
			log.Info().Str("host", args[0]).Str("known_hosts", path).Msg("Host key trusted")
			return nil
		},
	}
	trust.Flags().String("known-hosts", "", "known_hosts file (default: agent.sftp.known_hosts)")
	cmd.AddCommand(trust)
	return cmd
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

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/3cpo-dev/chkbus/internal/core"
)

var (
	version   = "0.1.0"
	commit    = ""
	buildDate = ""
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chkbus",
		Short: "chkbus: dispatch checks to agents and read their results",
		Long:  "chkbus talks to a chkbus gateway to broadcast check dispatches and wait for the retained result of each check.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringP("log", "l", "info", "Set log level. Available: trace, debug, info, warn, error, fatal")
	flags.StringP("gateway", "g", "http://localhost:5000", "gateway base URL")
	flags.String("proxy", "", "HTTP proxy for gateway requests (example: http://127.0.0.1:8080)")
	flags.Duration("timeout", 30*time.Second, "gateway request timeout; keep above the gateway wait budget")

	cmd.PersistentPreRun = func(c *cobra.Command, args []string) {
		levelStr, _ := c.Flags().GetString("log")
		core.SetLogLevel(levelStr)
	}

	cmd.AddCommand(
		newVersionCmd(),
		newPublishCmd(),
		newReadCmd(),
		newTopicCmd(),
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chkbus %s (%s) %s\n", version, commit, buildDate)
		},
	}
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

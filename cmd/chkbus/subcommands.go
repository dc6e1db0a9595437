package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/chkbus/internal/gateway"
	"github.com/3cpo-dev/chkbus/pkg/api"
)

func gatewayClient(cmd *cobra.Command) (*gateway.Client, error) {
	base, _ := cmd.Flags().GetString("gateway")
	proxy, _ := cmd.Flags().GetString("proxy")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	c := gateway.NewClient(base)
	c.HTTP.Timeout = timeout
	if proxy != "" {
		u, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy: %w", err)
		}
		c.HTTP.Transport = &http.Transport{Proxy: http.ProxyURL(u)}
	}
	return c, nil
}

// loadChecks reads a publish-checks body from a YAML or JSON file.
func loadChecks(path string) (api.PublishChecksRequest, error) {
	var req api.PublishChecksRequest
	data, err := os.ReadFile(path)
	if err != nil {
		return req, fmt.Errorf("read checks file: %w", err)
	}
	if err := yaml.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("parse checks file: %w", err)
	}
	return req, nil
}

// Publish a batch of checks
func newPublishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish <checks-file>",
		Short: "Publish the checks listed in a YAML or JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := loadChecks(args[0])
			if err != nil {
				return err
			}
			if repo, _ := cmd.Flags().GetString("repo-ip"); repo != "" {
				req.RepoIP = repo
			}
			client, err := gatewayClient(cmd)
			if err != nil {
				return err
			}
			out, err := client.PublishChecks(cmd.Context(), req)
			if err != nil {
				return err
			}
			if out.Status != http.StatusOK {
				return fmt.Errorf("gateway returned %d: %s", out.Status, out.Body)
			}
			log.Info().Int("checks", len(req.Checks)).Msg(out.Body)
			return nil
		},
	}
	cmd.Flags().String("repo-ip", "", "script repository address (overrides the file)")
	return cmd
}

// Read one check result
func newReadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read",
		Short: "Wait for the result of one check; exits non-zero unless it passed",
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, _ := cmd.Flags().GetString("agent")
			check, _ := cmd.Flags().GetString("check")
			argList, _ := cmd.Flags().GetStringArray("arg")
			if argList == nil {
				argList = []string{}
			}
			client, err := gatewayClient(cmd)
			if err != nil {
				return err
			}
			out, err := client.ReadResult(cmd.Context(), api.ReadResultRequest{
				ReportingAgent: agent,
				CheckRan:       check,
				Args:           argList,
			})
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out.Body)
			if out.Status != http.StatusOK {
				return fmt.Errorf("check %s on %s: status %d", check, agent, out.Status)
			}
			return nil
		},
	}
	cmd.Flags().String("agent", "", "reporting agent")
	cmd.Flags().String("check", "", "check script name")
	cmd.Flags().StringArray("arg", nil, "check argument (repeatable)")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("check")
	return cmd
}

// Print a correlation topic
func newTopicCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "topic <agent> <check> [args...]",
		Short: "Print the result topic for an agent, check and argument list",
		Args:  cobra.MinimumNArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), api.CorrelationTopic(args[0], args[1], args[2:]))
		},
	}
}

// ABOUTME: Root cobra command and the flags shared by every subcommand
// ABOUTME: Resolves the config path and the URL of a running hub

package main

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/XmasRock/multi-agent-conversational-system/internal/config"
)

// globalOptions are the persistent flags.
type globalOptions struct {
	configPath string
	hubURL     string
	token      string
}

// newRootCmd creates the root mcp-hub command with all subcommands attached.
func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:           "mcp-hub",
		Short:         "Shared-context hub for perception and action agents",
		Long:          "mcp-hub stores what agents observe, routes actions between them and\npushes urgent context to every interested agent over live channels.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("mcp-hub {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default $MCP_HUB_CONFIG or ~/.config/mcp-hub/hub.yaml)")
	cmd.PersistentFlags().StringVar(&opts.hubURL, "url", "", "hub base URL for admin commands (default derived from server.http_addr)")
	cmd.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("MCP_HUB_TOKEN"), "bearer token for admin commands")

	cmd.AddCommand(
		newServeCmd(opts),
		newInitCmd(opts),
		newTokenCmd(opts),
		newHealthCmd(opts),
		newAgentsCmd(opts),
		newStatsCmd(opts),
	)
	return cmd
}

func (o *globalOptions) resolvedConfigPath() string {
	if o.configPath != "" {
		return o.configPath
	}
	return config.DefaultPath()
}

// loadConfig reads the config file, falling back to defaults when it does
// not exist and missingOK is set.
func (o *globalOptions) loadConfig(missingOK bool) (*config.Config, error) {
	path := o.resolvedConfigPath()
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if missingOK {
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			return config.Default(), nil
		}
	}
	return nil, fmt.Errorf("loading config: %w", err)
}

// resolvedURL returns --url, or a loopback URL for the configured address.
func (o *globalOptions) resolvedURL() (string, error) {
	if o.hubURL != "" {
		return strings.TrimRight(o.hubURL, "/"), nil
	}
	cfg, err := o.loadConfig(true)
	if err != nil {
		return "", err
	}
	return urlForAddr(cfg.Server.HTTPAddr)
}

// urlForAddr turns a listen address into a URL a local client can dial.
func urlForAddr(addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("parsing server.http_addr %q: %w", addr, err)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port), nil
}

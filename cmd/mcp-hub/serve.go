// ABOUTME: serve command: runs the hub until interrupted
// ABOUTME: Prints the startup banner and applies log level changes from config reloads

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/XmasRock/multi-agent-conversational-system/internal/config"
	"github.com/XmasRock/multi-agent-conversational-system/internal/gateway"
)

const banner = `
                                   _           _
  _ __ ___   ___ _ __         | |__  _   _| |__
 | '_ ' _ \ / __| '_ \ _____  | '_ \| | | | '_ \
 | | | | | | (__| |_) |_____| | | | | |_| | |_) |
 |_| |_| |_|\___| .__/        |_| |_|\__,_|_.__/
                |_|
`

func newServeCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the hub server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}
}

func printStartup(out io.Writer, configPath string, fromFile bool, cfg *config.Config) {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Fprint(out, banner)
	gray.Fprintf(out, "    version: %s\n\n", version)

	green.Fprint(out, "    ▶ ")
	if fromFile {
		fmt.Fprintf(out, "Config:    %s\n", configPath)
	} else {
		fmt.Fprintf(out, "Config:    ")
		yellow.Fprintf(out, "defaults (%s not found)\n", configPath)
	}

	green.Fprint(out, "    ▶ ")
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		fmt.Fprintf(out, "Database:  postgres\n")
	default:
		fmt.Fprintf(out, "Database:  %s\n", cfg.Database.Path)
	}

	if cfg.Tailscale.Enabled {
		green.Fprint(out, "    ▶ ")
		fmt.Fprintf(out, "Tailscale: ")
		cyan.Fprint(out, cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Fprint(out, " (ephemeral)")
		}
		fmt.Fprintln(out)
	} else {
		green.Fprint(out, "    ▶ ")
		fmt.Fprintf(out, "HTTP:      %s\n", cfg.Server.HTTPAddr)
	}

	green.Fprint(out, "    ▶ ")
	if cfg.Auth.SharedSecret != "" {
		fmt.Fprintf(out, "Auth:      shared secret\n")
	} else {
		fmt.Fprintf(out, "Auth:      ")
		yellow.Fprintln(out, "disabled")
	}
	fmt.Fprintln(out)
}

func runServe(ctx context.Context, opts *globalOptions, out io.Writer) error {
	configPath := opts.resolvedConfigPath()
	_, statErr := os.Stat(configPath)
	fromFile := statErr == nil

	cfg, err := opts.loadConfig(true)
	if err != nil {
		return err
	}

	printStartup(out, configPath, fromFile, cfg)

	logger, level := setupLogger(cfg.Logging, os.Stdout)
	logger.Info("starting mcp-hub",
		"version", version,
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"driver", cfg.Database.Driver)

	gateway.Version = version
	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		return gw.Run(gctx)
	})

	if fromFile {
		grp.Go(func() error {
			err := config.Watch(gctx, configPath, logger, func(next *config.Config) {
				applyLogLevel(logger, level, next.Logging.Level)
			})
			if err != nil {
				logger.Warn("config watcher stopped", "error", err)
			}
			return nil
		})
	}

	return grp.Wait()
}

// applyLogLevel switches the process log level when a reload changes it.
func applyLogLevel(logger *slog.Logger, level *slog.LevelVar, value string) {
	next, err := config.ParseLevel(value)
	if err != nil || next == level.Level() {
		return
	}
	logger.Info("log level changed", "from", level.Level().String(), "to", next.String())
	level.Set(next)
}

// ABOUTME: Simulated perception/action agent for end-to-end checks against a running hub
// ABOUTME: Usage: fake-agent [-hub http://localhost:8080] [-role camera|robot] [-id cam-1]

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/XmasRock/multi-agent-conversational-system/internal/client"
)

type options struct {
	hubURL    string
	role      string
	agentID   string
	token     string
	people    []string
	interval  time.Duration
	autoGreet bool
	cooldown  time.Duration
	debug     bool
}

func main() {
	var opts options
	var people string
	flag.StringVar(&opts.hubURL, "hub", "http://localhost:8080", "hub base URL")
	flag.StringVar(&opts.role, "role", roleCamera, "agent role: camera or robot")
	flag.StringVar(&opts.agentID, "id", "", "agent id (default cam-1 or robot-1)")
	flag.StringVar(&opts.token, "token", os.Getenv("MCP_HUB_TOKEN"), "bearer token")
	flag.StringVar(&people, "people", "Pierre,Marie", "comma-separated names the camera sees")
	flag.DurationVar(&opts.interval, "interval", 5*time.Second, "camera detection interval")
	flag.BoolVar(&opts.autoGreet, "auto-greet", true, "robot greets people the camera reports")
	flag.DurationVar(&opts.cooldown, "cooldown", time.Minute, "minimum time between greetings of the same person")
	flag.BoolVar(&opts.debug, "debug", false, "enable debug logging")
	flag.Parse()

	for _, p := range strings.Split(people, ",") {
		if p = strings.TrimSpace(p); p != "" {
			opts.people = append(opts.people, p)
		}
	}

	level := slog.LevelInfo
	if opts.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts, logger); err != nil {
		fmt.Fprintf(os.Stderr, "fake-agent: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, logger *slog.Logger) error {
	agentOpts, sim, err := buildAgent(opts, logger)
	if err != nil {
		return err
	}

	agent, err := client.NewAgent(agentOpts)
	if err != nil {
		return fmt.Errorf("creating agent: %w", err)
	}
	if sim != nil {
		go sim.observe(ctx, agent)
	}

	logger.Info("fake agent starting", "agent_id", agentOpts.AgentID, "role", opts.role, "hub", opts.hubURL)
	return agent.Run(ctx)
}

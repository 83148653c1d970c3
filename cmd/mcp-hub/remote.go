// ABOUTME: Admin commands that query a running hub: health, agents and stats
// ABOUTME: Talk to the REST API through the client package

package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/XmasRock/multi-agent-conversational-system/internal/client"
	"github.com/XmasRock/multi-agent-conversational-system/internal/store"
)

func (o *globalOptions) client() (*client.Client, error) {
	url, err := o.resolvedURL()
	if err != nil {
		return nil, err
	}
	return client.New(url, o.token), nil
}

func newHealthCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check hub health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			h, err := c.Health(cmd.Context())
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			printHealth(cmd.OutOrStdout(), h)
			if h.Status != "ok" {
				return fmt.Errorf("hub is %s", h.Status)
			}
			return nil
		},
	}
}

func printHealth(out io.Writer, h *client.Health) {
	status := color.GreenString(h.Status)
	if h.Status != "ok" {
		status = color.RedString(h.Status)
	}
	fmt.Fprintf(out, "status: %s\n", status)
	fmt.Fprintf(out, "agents: %d\n", h.Agents)
	fmt.Fprintf(out, "cached: %d\n", h.CachedKeys)

	deps := make([]string, 0, len(h.Dependencies))
	for name := range h.Dependencies {
		deps = append(deps, name)
	}
	sort.Strings(deps)
	for _, name := range deps {
		fmt.Fprintf(out, "  %s: %s\n", name, h.Dependencies[name])
	}
}

func newAgentsCmd(opts *globalOptions) *cobra.Command {
	var status, agentType string
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List registered agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			agents, err := c.ListAgents(cmd.Context(), status, agentType)
			if err != nil {
				return fmt.Errorf("listing agents: %w", err)
			}
			printAgents(cmd.OutOrStdout(), agents, time.Now())
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only agents with this status (active, inactive, error)")
	cmd.Flags().StringVar(&agentType, "type", "", "only agents of this type")
	return cmd
}

func printAgents(out io.Writer, agents []client.AgentInfo, now time.Time) {
	if len(agents) == 0 {
		fmt.Fprintln(out, "no agents registered")
		return
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT\tTYPE\tSTATUS\tLIVE\tLAST SEEN")
	for _, a := range agents {
		st := string(a.Status)
		switch a.Status {
		case store.AgentActive:
			st = color.GreenString(st)
		case store.AgentError:
			st = color.RedString(st)
		}
		live := "-"
		if a.Connected {
			live = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s ago\n",
			a.AgentID, a.AgentType, st, live, now.Sub(a.LastSeen).Round(time.Second))
	}
	tw.Flush()
}

func newStatsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show stored totals and live channel counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			st, err := c.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("fetching stats: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "agents:      %d (%d active)\n", st.AgentsTotal, st.AgentsActive)
			fmt.Fprintf(out, "contexts:    %d (%d in the last 24h)\n", st.ContextsTotal, st.ContextsLast24h)
			fmt.Fprintf(out, "actions:     %d (%d in the last hour, %d pending)\n", st.ActionsTotal, st.ActionsLastHour, st.ActionsPending)
			fmt.Fprintf(out, "connections: %d\n", st.Hub.Connections)
			fmt.Fprintf(out, "dropped:     %d\n", st.Hub.Dropped)
			fmt.Fprintf(out, "uptime:      %s\n", st.Uptime)
			return nil
		},
	}
}

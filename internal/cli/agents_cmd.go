package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/soyeahso/agentcron/internal/config"
	"github.com/soyeahso/agentcron/internal/domain"
	"github.com/spf13/cobra"
)

func newAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect agent definitions",
	}
	cmd.AddCommand(newAgentsListCmd())
	return cmd
}

func newAgentsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List agents from the agent document with their next run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			bundle, err := config.LoadBundle(paths)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(bundle.Agents) == 0 {
				fmt.Fprintf(out, "No agents defined in %s\n", paths.Agents)
				return nil
			}
			fmt.Fprintf(out, "%-20s %-16s %-8s %-6s %s\n", "NAME", "SCHEDULE", "ENABLED", "TURNS", "NEXT RUN (UTC)")
			now := time.Now().UTC()
			for _, a := range bundle.Agents {
				fmt.Fprintf(out, "%-20s %-16s %-8v %-6d %s\n",
					a.Name, a.Schedule, a.Enabled, len(a.Turns), nextRun(a, now))
			}
			return nil
		},
	}
}

// nextRun describes when an agent will fire next.
func nextRun(a domain.AgentDefinition, now time.Time) string {
	switch {
	case !a.Enabled:
		return "-"
	case a.IsManual():
		return "manual"
	}
	sched, err := cron.ParseStandard(a.Schedule)
	if err != nil {
		return "invalid: " + strings.TrimPrefix(err.Error(), "failed to parse ")
	}
	return sched.Next(now).Format(time.RFC3339)
}

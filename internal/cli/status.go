package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/soyeahso/agentcron/internal/config"
	"github.com/soyeahso/agentcron/internal/version"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration summary and the running server's health",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "agentcron %s (commit %s)\n\n", version.Version, version.Commit)

			cfg, err := loadConfig()
			if err != nil {
				fmt.Fprintf(out, "Config:  error loading %s: %v\n", paths.Config, err)
				return nil
			}
			if _, err := os.Stat(paths.Config); os.IsNotExist(err) {
				fmt.Fprintf(out, "Config:  %s (not found, using defaults)\n", paths.Config)
			} else {
				fmt.Fprintf(out, "Config:  %s\n", paths.Config)
			}
			fmt.Fprintf(out, "Ledger:  %s\n", paths.Database(cfg))
			fmt.Fprintf(out, "Server:  port=%d bind=%s auth=%v\n", cfg.Server.Port, cfg.Server.Bind, cfg.Server.Token != "")
			fmt.Fprintf(out, "LLM:     %s\n", cfg.LLM.Provider)
			fmt.Fprintf(out, "Budget:  daily=%s monthly=%s\n", limit(cfg.Budget.DailyTokens), costLimit(cfg.Budget.MonthlyCostUSD))
			if irc := cfg.Notify.IRC; irc != nil {
				fmt.Fprintf(out, "Alerts:  irc %s %s\n", irc.Server, strings.Join(irc.Channels, ","))
			}

			if bundle, err := config.LoadBundle(paths); err != nil {
				fmt.Fprintf(out, "Docs:    invalid: %v\n", err)
			} else {
				fmt.Fprintf(out, "Docs:    %d agents, %d tool servers, %d priced models\n",
					len(bundle.Agents), len(bundle.Tools), len(bundle.Models.Models))
			}

			if issues := config.Validate(&cfg); len(issues) > 0 {
				fmt.Fprintf(out, "\nValidation issues (%d):\n", len(issues))
				for _, issue := range issues {
					fmt.Fprintf(out, "  - %s: %s\n", issue.Path, issue.Message)
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
			defer cancel()
			var health struct {
				Status    string `json:"status"`
				Version   string `json:"version"`
				Scheduled int    `json:"scheduled"`
				Uptime    string `json:"uptime"`
			}
			if err := newAPIClient(server, cfg.Server).do(ctx, http.MethodGet, "/health", &health); err != nil {
				fmt.Fprintf(out, "\nServer:  not reachable (%v)\n", err)
				return nil
			}
			fmt.Fprintf(out, "\nServer:  %s, version %s, %d scheduled agents, up %s\n",
				health.Status, health.Version, health.Scheduled, health.Uptime)
			return nil
		},
	}
	addServerFlag(cmd, &server)
	return cmd
}

func limit(n int) string {
	if n <= 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%d tokens", n)
}

func costLimit(usd float64) string {
	if usd <= 0 {
		return "unlimited"
	}
	return fmt.Sprintf("$%.2f", usd)
}

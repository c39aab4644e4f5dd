package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/soyeahso/agentcron/internal/config"
	"github.com/spf13/cobra"
)

// apiClient talks to a running server's control API.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(server string, cfg config.ServerConfig) *apiClient {
	if server == "" {
		host := "127.0.0.1"
		if cfg.Bind == "custom" && cfg.CustomBindHost != "" && cfg.CustomBindHost != "0.0.0.0" {
			host = cfg.CustomBindHost
		}
		server = "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Port))
	}
	return &apiClient{
		base:  strings.TrimRight(server, "/"),
		token: cfg.Token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

// do sends a request and decodes a JSON response into out. Non-2xx answers
// become errors carrying the server's message.
func (c *apiClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contacting %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error  string                  `json:"error"`
			Issues []config.ValidationIssue `json:"issues"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return &remoteError{Status: resp.StatusCode, Message: e.Error, Issues: e.Issues}
		}
		return &remoteError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

type remoteError struct {
	Status  int
	Message string
	Issues  []config.ValidationIssue
}

func (e *remoteError) Error() string {
	return fmt.Sprintf("server answered %d: %s", e.Status, e.Message)
}

func addServerFlag(cmd *cobra.Command, server *string) {
	cmd.Flags().StringVar(server, "server", "", "control API base URL (default derived from config)")
}

func newTriggerCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "trigger <agent>",
		Short: "Start a manual run of an agent on the running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var out struct {
				RunID string `json:"runId"`
			}
			if err := newAPIClient(server, cfg.Server).do(cmd.Context(), http.MethodPost, "/api/v1/agents/"+args[0]+"/run", &out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Started run %s of %s\n", out.RunID, args[0])
			return nil
		},
	}
	addServerFlag(cmd, &server)
	return cmd
}

func newReloadCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Reload the agent, tool-server and model documents on the running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var out struct {
				Fleet struct {
					Agents  int `json:"agents"`
					Servers int `json:"servers"`
					Models  int `json:"models"`
				} `json:"fleet"`
			}
			err = newAPIClient(server, cfg.Server).do(cmd.Context(), http.MethodPost, "/api/v1/reload", &out)
			var rerr *remoteError
			if errors.As(err, &rerr) {
				for _, issue := range rerr.Issues {
					fmt.Fprintf(cmd.ErrOrStderr(), "  - %s: %s\n", issue.Path, issue.Message)
				}
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reloaded: %d agents, %d tool servers, %d models\n",
				out.Fleet.Agents, out.Fleet.Servers, out.Fleet.Models)
			return nil
		},
	}
	addServerFlag(cmd, &server)
	return cmd
}

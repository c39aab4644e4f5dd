package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/soyeahso/agentcron/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect, edit and validate configuration",
	}

	cmd.AddCommand(newConfigValidateCmd())
	cmd.AddCommand(newConfigGetCmd())
	cmd.AddCommand(newConfigSetCmd())
	cmd.AddCommand(newConfigPathCmd())

	return cmd
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate config.yaml and the agent, tool-server and model documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			failed := 0
			for _, issue := range config.Validate(&cfg) {
				fmt.Fprintf(out, "config.yaml  %s: %s\n", issue.Path, issue.Message)
				failed++
			}

			bundle, err := config.LoadBundle(paths)
			var verr *config.ValidationError
			switch {
			case errors.As(err, &verr):
				for _, issue := range verr.Issues {
					fmt.Fprintf(out, "%s.yaml  %s: %s\n", verr.Document, issue.Path, issue.Message)
					failed++
				}
			case err != nil:
				fmt.Fprintf(out, "documents  %v\n", err)
				failed++
			default:
				fmt.Fprintf(out, "%d agents, %d tool servers, %d priced models\n",
					len(bundle.Agents), len(bundle.Tools), len(bundle.Models.Models))
			}

			if failed > 0 {
				return fmt.Errorf("validation failed with %d issue(s)", failed)
			}
			fmt.Fprintln(out, "OK")
			return nil
		},
	}
}

func newConfigGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Get a configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.ParseConfigPath(args[0])
			if err != nil {
				return err
			}

			raw, err := config.LoadRaw(paths.Config)
			if err != nil {
				return err
			}

			val, ok := config.GetValueAtPath(raw, path)
			if !ok {
				return fmt.Errorf("key %q not found", args[0])
			}

			return printValue(cmd, val)
		},
	}
}

func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.ParseConfigPath(args[0])
			if err != nil {
				return err
			}

			raw, err := config.LoadRaw(paths.Config)
			if err != nil {
				return err
			}

			value := parseValue(args[1])
			config.SetValueAtPath(raw, path, value)

			if err := config.SaveRaw(paths.Config, raw); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %v\n", args[0], value)
			return nil
		},
	}
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config and document paths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config:  %s\n", paths.Config)
			fmt.Fprintf(out, "agents:  %s\n", paths.Agents)
			fmt.Fprintf(out, "tools:   %s\n", paths.Tools)
			fmt.Fprintf(out, "models:  %s\n", paths.Models)
			fmt.Fprintf(out, "identity: %s\n", paths.Identity)
			return nil
		},
	}
}

// printValue outputs a value in a human-readable format.
func printValue(cmd *cobra.Command, v any) error {
	out := cmd.OutOrStdout()
	switch val := v.(type) {
	case string:
		fmt.Fprintln(out, val)
	case map[string]any, []any:
		data, err := yaml.Marshal(val)
		if err != nil {
			return err
		}
		fmt.Fprint(out, string(data))
	default:
		fmt.Fprintln(out, val)
	}
	return nil
}

// parseValue attempts to interpret a string as a typed value.
func parseValue(s string) any {
	lower := strings.ToLower(s)
	if lower == "true" {
		return true
	}
	if lower == "false" {
		return false
	}

	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err == nil && fmt.Sprintf("%d", n) == s {
		return n
	}

	var f float64
	if _, err := fmt.Sscanf(s, "%f", &f); err == nil {
		return f
	}

	return s
}

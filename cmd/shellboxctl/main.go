package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/clouddeck/shellbox/internal/audit"
	"github.com/clouddeck/shellbox/internal/backend"
	"github.com/clouddeck/shellbox/internal/config"
	"github.com/clouddeck/shellbox/internal/logging"
	"github.com/clouddeck/shellbox/internal/policy"
)

const defaultDaemonEndpoint = "http://127.0.0.1:8090"

func main() {
	rootCmd := &cobra.Command{
		Use:   "shellboxctl",
		Short: "Operator tooling for the shellbox daemon",
	}

	rootCmd.PersistentFlags().String("config", "", "Path to the daemon configuration file")
	rootCmd.PersistentFlags().String("server", defaultDaemonEndpoint, "Daemon HTTP endpoint")

	rootCmd.AddCommand(
		policyCmd(),
		auditCmd(),
		sessionsCmd(),
		workspaceCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the command policy",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check <command>",
		Short: "Validate a command against the policy tables",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tables, err := loadTables(cmd)
			if err != nil {
				return err
			}

			raw := ""
			for i, arg := range args {
				if i > 0 {
					raw += " "
				}
				raw += arg
			}

			verdict := tables.Validate(raw)
			if verdict.Allowed {
				fmt.Println("allowed")
				return nil
			}
			fmt.Printf("denied: %s\n", verdict.Reason)
			os.Exit(1)
			return nil
		},
	})
	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the execution audit log",
	}

	tail := &cobra.Command{
		Use:   "tail",
		Short: "Print the most recent execution records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")

			store, err := audit.Open(cfg.Audit.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.Tail(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, rec := range records {
				fmt.Printf("%s  %-8s  user=%s site=%s backend=%s  %s\n",
					rec.ExecutedAt.Format(time.RFC3339), rec.Status,
					rec.UserID, rec.SiteID, rec.Backend, rec.Command)
			}
			return nil
		},
	}
	tail.Flags().Int("limit", 20, "Number of records to print")
	cmd.AddCommand(tail)
	return cmd
}

func sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List live terminal sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			server := cmd.Flag("server").Value.String()

			httpClient := &http.Client{Timeout: 5 * time.Second}
			resp, err := httpClient.Get(server + "/api/sessions")
			if err != nil {
				return fmt.Errorf("query daemon: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("daemon returned %s", resp.Status)
			}

			var sessions []json.RawMessage
			if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			out, _ := json.MarshalIndent(sessions, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}

func workspaceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workspace",
		Short: "Manage per-user workspace containers",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status <user-id>",
		Short: "Report the container state for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			docker, err := dockerBackend(cmd)
			if err != nil {
				return err
			}
			status, err := docker.Status(contextOf(cmd), args[0])
			if err != nil {
				return err
			}
			fmt.Println(status)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "stop <user-id>",
		Short: "Stop a user's workspace container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			docker, err := dockerBackend(cmd)
			if err != nil {
				return err
			}
			if err := docker.Stop(contextOf(cmd), args[0]); err != nil {
				return err
			}
			fmt.Println("stopped")
			return nil
		},
	})

	return cmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := cmd.Flag("config").Value.String()
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func loadTables(cmd *cobra.Command) (*policy.Tables, error) {
	// Policy checks work without a daemon config; an explicit config only
	// matters when it points at custom tables.
	path := cmd.Flag("config").Value.String()
	if path == "" {
		return policy.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if cfg.PolicyPath == "" {
		return policy.Default(), nil
	}
	return policy.Load(cfg.PolicyPath)
}

func dockerBackend(cmd *cobra.Command) (*backend.Docker, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if cfg.Backend.Kind != "docker" {
		return nil, fmt.Errorf("configured backend is %q, not docker", cfg.Backend.Kind)
	}
	logger := logging.New("warn", "text")
	return backend.NewDocker(cfg.Backend.Docker, cfg.Backend.StorageRoot, logger), nil
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

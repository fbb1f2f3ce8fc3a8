package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/koltyakov/gtunnel/internal/config"
	"github.com/koltyakov/gtunnel/internal/health"
)

func newStatusCommand(a *app) *cobra.Command {
	var (
		configPath string
		url        string
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check tunnel server status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Default()
			if err := config.LoadDotEnv(filepath.Join(a.dir, dotEnvFileName)); err != nil {
				return err
			}
			if configPath != "" {
				if err := config.LoadFile(cfg, configPath); err != nil {
					return err
				}
			}
			if err := config.ApplyEnv(cfg); err != nil {
				return err
			}
			if url == "" {
				url = healthURL(cfg)
			}
			return a.status(cmd.Context(), url, bearerKey(cfg))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "configuration file the server was started with")
	cmd.Flags().StringVar(&url, "url", "", "health endpoint (default derived from configuration)")
	return cmd
}

func (a *app) status(ctx context.Context, url, apiKey string) error {
	pid, ok, err := a.readPID()
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(a.out, "Status: Not running")
		return nil
	}
	if !a.alive(pid) {
		fmt.Fprintln(a.out, "Status: Not running (stale PID file)")
		return a.removePID()
	}

	fmt.Fprintln(a.out, "Status: Running")
	fmt.Fprintf(a.out, "PID: %d\n", pid)

	report, err := a.fetchHealth(ctx, url, apiKey)
	if err != nil {
		fmt.Fprintln(a.out, "\nUnable to fetch health status")
		return nil
	}
	fmt.Fprintln(a.out, "\nHealth Check:")
	fmt.Fprintf(a.out, "  Status: %s\n", report.Status)
	fmt.Fprintf(a.out, "  Uptime: %ds\n", report.Uptime/1000)
	fmt.Fprintf(a.out, "  Version: %s\n", report.Version)
	if len(report.Checks) > 0 {
		names := make([]string, 0, len(report.Checks))
		for name := range report.Checks {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintln(a.out, "\nComponent Status:")
		for _, name := range names {
			fmt.Fprintf(a.out, "  %s: %s\n", name, report.Checks[name].Status)
		}
	}
	return nil
}

// fetchHealth reads the health report. A 503 still carries a report.
func (a *app) fetchHealth(ctx context.Context, url, apiKey string) (health.Report, error) {
	var report health.Report
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return report, err
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return report, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return report, fmt.Errorf("unexpected status %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return report, fmt.Errorf("invalid response: %w", err)
	}
	return report, nil
}

func healthURL(cfg *config.Config) string {
	scheme := "http"
	if cfg.Server.TLS.Enabled {
		scheme = "https"
	}
	host := cfg.Server.Host
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(cfg.Server.Port)) + "/health"
}

func bearerKey(cfg *config.Config) string {
	if !cfg.Auth.APIKey.Enabled || len(cfg.Auth.APIKey.Keys) == 0 {
		return ""
	}
	return cfg.Auth.APIKey.Keys[0].Key
}

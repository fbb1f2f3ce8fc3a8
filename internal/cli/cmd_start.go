package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/koltyakov/gtunnel/internal/config"
	"github.com/koltyakov/gtunnel/internal/domain"
	ilog "github.com/koltyakov/gtunnel/internal/log"
	"github.com/koltyakov/gtunnel/internal/server"
)

var (
	errAlreadyRunning = errors.New("tunnel already running")
	errInvalidConfig  = errors.New("invalid configuration")
)

type startOptions struct {
	configPath string
	host       string
	port       int
	tls        bool
	cert       string
	key        string
	apiKey     string
	accessKey  string
	sauceLabs  bool
	tunnelID   string
	tunnelName string
	user       string
	region     string
}

func newStartCommand(a *app) *cobra.Command {
	var opts startOptions
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the tunnel server",
		Long: `Start the tunnel server in the foreground.

Configuration is merged in this order, later sources winning:
built-in defaults, the --config file, GTUNNEL_* and SAUCE_* environment
variables (also read from ./.env), then command-line flags.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.buildStartConfig(cmd.Flags().Changed, opts)
			if err != nil {
				return err
			}
			return a.start(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "path to configuration file (.yaml, .yml or .json)")
	f.StringVar(&opts.host, "host", "", "server host")
	f.IntVarP(&opts.port, "port", "p", 0, "server port")
	f.BoolVar(&opts.tls, "tls", false, "enable TLS")
	f.StringVar(&opts.cert, "cert", "", "TLS certificate path")
	f.StringVar(&opts.key, "key", "", "TLS key path")
	f.StringVar(&opts.apiKey, "api-key", "", "API key for authentication")
	f.StringVarP(&opts.accessKey, "access-key", "k", "", "API key (Sauce Connect compatible alias)")
	f.BoolVar(&opts.sauceLabs, "sauce-labs", false, "enable Sauce Labs compatibility mode")
	f.StringVar(&opts.tunnelID, "tunnel-id", "", "Sauce Labs tunnel ID")
	f.StringVar(&opts.tunnelName, "tunnel-name", "", "Sauce Labs tunnel name (alias for --tunnel-id)")
	f.StringVarP(&opts.user, "user", "u", "", "Sauce Labs username")
	f.StringVar(&opts.region, "region", "", "Sauce Labs region (e.g. us-west, eu-central)")
	return cmd
}

// buildStartConfig layers defaults, the config file, the environment and
// the flags that were set.
func (a *app) buildStartConfig(changed func(string) bool, opts startOptions) (*config.Config, error) {
	cfg := config.Default()
	if err := config.LoadDotEnv(filepath.Join(a.dir, dotEnvFileName)); err != nil {
		return nil, err
	}
	if opts.configPath != "" {
		if err := config.LoadFile(cfg, opts.configPath); err != nil {
			return nil, err
		}
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, err
	}

	if changed("host") {
		cfg.Server.Host = opts.host
	}
	if changed("port") {
		cfg.Server.Port = opts.port
	}
	if opts.tls {
		cfg.Server.TLS.Enabled = true
		if changed("cert") {
			cfg.Server.TLS.Cert = opts.cert
		}
		if changed("key") {
			cfg.Server.TLS.Key = opts.key
		}
	}

	apiKey := firstNonEmpty(opts.apiKey, opts.accessKey)
	if apiKey != "" {
		cfg.Auth.APIKey = config.APIKeyConfig{
			Enabled: true,
			Keys:    []config.APIKeyEntry{{Name: "cli", Key: apiKey}},
		}
	}

	// Any Sauce Connect style flag switches compatibility mode on.
	if opts.sauceLabs || opts.user != "" || opts.accessKey != "" || opts.region != "" || opts.tunnelName != "" {
		sl := &cfg.SauceLabs
		sl.Compatible = true
		if id := firstNonEmpty(opts.tunnelName, opts.tunnelID); id != "" {
			sl.TunnelID = id
		}
		if opts.tunnelName != "" {
			sl.TunnelName = opts.tunnelName
		}
		if opts.user != "" {
			sl.Username = opts.user
		}
		if opts.region != "" {
			sl.Region = opts.region
		}
		if apiKey != "" {
			sl.AccessKey = apiKey
		}
	}
	return cfg, nil
}

func (a *app) start(ctx context.Context, cfg *config.Config) error {
	if pid, ok, _ := a.readPID(); ok {
		fmt.Fprintf(a.errOut, "Tunnel already running with PID %d\n", pid)
		fmt.Fprintln(a.errOut, `Use "gtunnel stop" to stop it first`)
		return errAlreadyRunning
	}

	logger, err := ilog.New(ilog.Config{
		Level:  cfg.Monitoring.Logging.Level,
		Format: cfg.Monitoring.Logging.Format,
		File:   cfg.Monitoring.Logging.File,
	})
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer ilog.Sync(logger)

	srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(normalizeVersion(Version)))
	if err != nil {
		var cfgErr *domain.ConfigError
		if errors.As(err, &cfgErr) {
			printConfigErrors(a.errOut, err)
			return errInvalidConfig
		}
		return fmt.Errorf("create server: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		return multierr.Append(fmt.Errorf("start server: %w", err), srv.Stop(context.Background()))
	}
	if err := a.writePID(os.Getpid()); err != nil {
		return multierr.Append(fmt.Errorf("write PID file: %w", err), srv.Stop(context.Background()))
	}
	defer func() {
		if err := a.removePID(); err != nil {
			logger.Warn("failed to remove PID file", zap.Error(err))
		}
	}()

	printBanner(a.out, srv.Info(), cfg)

	err = srv.Wait(ctx)
	logger.Info("Shut down")
	return err
}

func printBanner(w io.Writer, info server.Info, cfg *config.Config) {
	scheme := "http"
	if info.TLS {
		scheme = "https"
	}
	fmt.Fprintln(w, "\n✓ GTunnel started successfully!")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Server:    %s://%s:%d\n", scheme, info.Host, info.Port)
	if cfg.Monitoring.Dashboard.Enabled {
		fmt.Fprintf(w, "  Dashboard: http://localhost:%d\n", cfg.Monitoring.Dashboard.Port)
	}
	if cfg.Monitoring.Metrics.Enabled {
		fmt.Fprintf(w, "  Metrics:   http://localhost:%d/metrics\n", cfg.Monitoring.Metrics.Port)
	}
	if sl := info.SauceLabs; sl != nil {
		fmt.Fprintln(w, "\n  Sauce Labs Mode: Enabled")
		if sl.Username != "" {
			fmt.Fprintf(w, "  Username:  %s\n", sl.Username)
		}
		if sl.TunnelID != "" {
			fmt.Fprintf(w, "  Tunnel:    %s\n", sl.TunnelID)
		}
		if sl.Region != "" {
			fmt.Fprintf(w, "  Region:    %s\n", sl.Region)
		}
	}
	fmt.Fprintln(w, "\nPress Ctrl+C to stop")
	fmt.Fprintln(w)
}

func printConfigErrors(w io.Writer, err error) {
	fmt.Fprintln(w, "Configuration validation failed:")
	for _, e := range multierr.Errors(err) {
		fmt.Fprintf(w, "  - %v\n", e)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

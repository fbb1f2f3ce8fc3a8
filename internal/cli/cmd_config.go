package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/koltyakov/gtunnel/internal/auth"
	"github.com/koltyakov/gtunnel/internal/config"
)

var errConfigExists = errors.New("configuration file already exists")

type configOptions struct {
	path     string
	init     bool
	show     bool
	validate bool
}

func newConfigCommand(a *app) *cobra.Command {
	var opts configOptions
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch {
			case opts.init:
				return a.initConfig(opts.path)
			case opts.show:
				return a.showConfig(opts.path)
			case opts.validate:
				return a.validateConfig(opts.path)
			default:
				fmt.Fprintln(a.out, "Usage: gtunnel config [--init|--show|--validate]")
				return nil
			}
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.path, "config", "c", "", "configuration file (default ./"+configFileName+")")
	f.BoolVar(&opts.init, "init", false, "initialize configuration file")
	f.BoolVar(&opts.show, "show", false, "show current configuration")
	f.BoolVar(&opts.validate, "validate", false, "validate configuration")
	cmd.MarkFlagsMutuallyExclusive("init", "show", "validate")
	return cmd
}

func (a *app) configPath(path string) string {
	if path != "" {
		return path
	}
	return filepath.Join(a.dir, configFileName)
}

// initConfig writes the defaults with API key authentication on and a
// freshly generated key.
func (a *app) initConfig(path string) error {
	path = a.configPath(path)
	key, err := auth.GenerateAPIKey()
	if err != nil {
		return fmt.Errorf("generate API key: %w", err)
	}
	cfg := config.Default()
	cfg.Auth.APIKey = config.APIKeyConfig{
		Enabled: true,
		Keys:    []config.APIKeyEntry{{Name: "default", Key: key}},
	}
	if err := config.WriteFile(cfg, path); err != nil {
		if errors.Is(err, os.ErrExist) {
			fmt.Fprintf(a.errOut, "Configuration file already exists: %s\n", path)
			return errConfigExists
		}
		return err
	}

	fmt.Fprintf(a.out, "✓ Configuration file created: %s\n", path)
	fmt.Fprintf(a.out, "  API key (default): %s\n", key)
	fmt.Fprintln(a.out, "\nEdit the file to customize your settings, then start with:")
	fmt.Fprintf(a.out, "  gtunnel start --config %s\n", path)
	return nil
}

// loadForInspection applies the .env file, the config file when present
// and the environment over the defaults.
func (a *app) loadForInspection(path string) (*config.Config, error) {
	cfg := config.Default()
	if err := config.LoadDotEnv(filepath.Join(a.dir, dotEnvFileName)); err != nil {
		return nil, err
	}
	explicit := path != ""
	path = a.configPath(path)
	if _, err := os.Stat(path); err == nil || explicit {
		if err := config.LoadFile(cfg, path); err != nil {
			return nil, err
		}
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (a *app) showConfig(path string) error {
	cfg, err := a.loadForInspection(path)
	if err != nil {
		return err
	}
	out, err := config.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = a.out.Write(out)
	return err
}

func (a *app) validateConfig(path string) error {
	cfg, err := a.loadForInspection(path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		printConfigErrors(a.errOut, err)
		return errInvalidConfig
	}
	fmt.Fprintln(a.out, "✓ Configuration is valid")
	return nil
}

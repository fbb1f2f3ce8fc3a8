// Package cli implements the gtunnel command line: start, stop, status,
// config and version.
package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

const (
	pidFileName    = ".gtunnel.pid"
	configFileName = "gtunnel.config.yml"
	dotEnvFileName = ".env"
)

// app carries the process-level dependencies shared by every command.
type app struct {
	dir    string
	out    io.Writer
	errOut io.Writer

	signal       func(pid int, sig os.Signal) error
	pollInterval time.Duration
	pollAttempts int
	httpClient   *http.Client
}

func newApp(dir string, out, errOut io.Writer) *app {
	return &app{
		dir:          dir,
		out:          out,
		errOut:       errOut,
		signal:       signalProcess,
		pollInterval: 500 * time.Millisecond,
		pollAttempts: 10,
		httpClient:   &http.Client{Timeout: 5 * time.Second},
	}
}

// Run is the main CLI entry point. It returns a process exit code.
func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd := newRootCommand(newApp(".", os.Stdout, os.Stderr))
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "gtunnel",
		Short:         "High-performance Sauce Labs compatible tunnel server",
		Version:       normalizeVersion(Version),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(a.out)
	root.SetErr(a.errOut)
	root.AddCommand(
		newStartCommand(a),
		newStopCommand(a),
		newStatusCommand(a),
		newConfigCommand(a),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "gtunnel", normalizeVersion(Version))
		},
	}
}

// normalizeVersion makes release versions start with "v"; build tooling
// may strip the prefix while git tags keep it.
func normalizeVersion(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "dev"
	}
	if v != "dev" && !strings.HasPrefix(v, "v") {
		return "v" + v
	}
	return v
}

package cli

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func newStopCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the tunnel server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.stop(cmd.Context())
		},
	}
}

// stop sends SIGTERM to the recorded process, waits for it to exit and
// falls back to SIGKILL.
func (a *app) stop(ctx context.Context) error {
	pid, ok, err := a.readPID()
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(a.out, "Tunnel is not running")
		return nil
	}

	fmt.Fprintf(a.out, "Stopping tunnel (PID: %d)...\n", pid)
	if err := a.signal(pid, syscall.SIGTERM); err != nil {
		if !processGone(err) {
			return fmt.Errorf("signal PID %d: %w", pid, err)
		}
		if err := a.removePID(); err != nil {
			return err
		}
		fmt.Fprintln(a.out, "Tunnel process not found, cleaned up PID file")
		return nil
	}

	if !a.waitExit(ctx, pid) {
		fmt.Fprintln(a.out, "Process not responding, forcing stop...")
		if err := a.signal(pid, os.Kill); err != nil && !processGone(err) {
			return fmt.Errorf("kill PID %d: %w", pid, err)
		}
	}
	if err := a.removePID(); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "✓ Tunnel stopped")
	return nil
}

// waitExit polls pid until it is gone or the attempts run out.
func (a *app) waitExit(ctx context.Context, pid int) bool {
	for attempt := 0; attempt < a.pollAttempts; attempt++ {
		if !a.alive(pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(a.pollInterval):
		}
	}
	return !a.alive(pid)
}

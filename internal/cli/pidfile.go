package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

func (a *app) pidPath() string { return filepath.Join(a.dir, pidFileName) }

// readPID returns the recorded PID. ok is false when no PID file exists.
func (a *app) readPID() (pid int, ok bool, err error) {
	raw, err := os.ReadFile(a.pidPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, err
	}
	pid, err = strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, true, fmt.Errorf("invalid PID file %s: %w", a.pidPath(), err)
	}
	return pid, true, nil
}

// writePID records pid, failing if a PID file is already present.
func (a *app) writePID(pid int) error {
	f, err := os.OpenFile(a.pidPath(), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(strconv.Itoa(pid)); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (a *app) removePID() error {
	if err := os.Remove(a.pidPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// alive probes pid with signal 0.
func (a *app) alive(pid int) bool {
	return a.signal(pid, syscall.Signal(0)) == nil
}

func signalProcess(pid int, sig os.Signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Signal(sig)
}

// processGone reports whether err from signalling means the process no
// longer exists.
func processGone(err error) bool {
	return errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH)
}

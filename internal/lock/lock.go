// Package lock prevents two daemons from sharing one task store.
//
// The guard is a PID file beside the store. A crashed daemon leaves its
// file behind, so Acquire probes the recorded process with signal 0 and
// silently replaces stale guards; an unclean shutdown never wedges the
// next start.
package lock

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	faberrors "github.com/randalmurphal/fab/internal/errors"
	"github.com/randalmurphal/fab/internal/util"
)

// Guard is a PID-file lock tied to one store path.
type Guard struct {
	pidPath string
}

// ForStore returns the guard protecting the given store file.
func ForStore(storePath string) *Guard {
	return &Guard{pidPath: storePath + ".pid"}
}

// Path returns the guard file location.
func (g *Guard) Path() string { return g.pidPath }

// Acquire claims the store for this process. It fails with
// ErrDaemonRunning when a live process holds the guard; stale and
// malformed guard files are removed and replaced.
func (g *Guard) Acquire() error {
	data, err := os.ReadFile(g.pidPath)
	switch {
	case err == nil:
		pid, perr := strconv.Atoi(strings.TrimSpace(string(data)))
		if perr == nil && processAlive(pid) {
			return faberrors.ErrDaemonRunning(pid, g.pidPath)
		}
		os.Remove(g.pidPath)
	case !os.IsNotExist(err):
		return fmt.Errorf("read pid file: %w", err)
	}

	if err := util.AtomicWriteFileString(g.pidPath, strconv.Itoa(os.Getpid()), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// Release removes the guard file. Safe to call more than once.
func (g *Guard) Release() {
	os.Remove(g.pidPath)
}

// processAlive reports whether a process with the given pid exists.
// FindProcess always succeeds on unix, so probe with signal 0 instead.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

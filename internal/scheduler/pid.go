package scheduler

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// ErrLeaderConflict means another live process already holds the PID file.
// The caller exits with code 3.
var ErrLeaderConflict = errors.New("scheduler: another live scheduler holds the pid file")

// WritePIDFile claims single-leader ownership. An existing file naming a
// live process is a conflict; a stale file (dead pid) is replaced.
func WritePIDFile(path string) error {
	if raw, err := os.ReadFile(path); err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(raw))); err == nil && pid > 0 && pid != os.Getpid() {
			if processAlive(pid) {
				return fmt.Errorf("%w (pid %d)", ErrLeaderConflict, pid)
			}
		}
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// RemovePIDFile releases leadership on shutdown.
func RemovePIDFile(path string) {
	os.Remove(path)
}

// processAlive probes the pid with signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

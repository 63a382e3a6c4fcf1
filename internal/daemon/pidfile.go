package daemon

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// ReadPID returns the PID stored in path, or 0 when the file is missing or
// unreadable.
func ReadPID(path string) int {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}

// WritePID stores the current process id in path.
func WritePID(path string) error {
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// RemovePID deletes the PID file, tolerating a missing file.
func RemovePID(path string) {
	_ = os.Remove(path)
}

// ProcessAlive probes whether pid refers to a live process via signal 0.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

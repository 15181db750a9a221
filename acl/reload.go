package acl

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// SignalReloader reloads an external mosquitto broker by sending it
// SIGHUP. PIDFile points at the broker's pid file.
type SignalReloader struct {
	PIDFile string
}

// Reload reads the pid file and signals the process.
func (r SignalReloader) Reload() error {
	data, err := os.ReadFile(r.PIDFile)
	if err != nil {
		return fmt.Errorf("cannot read broker pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("broker pid file is malformed: %w", err)
	}
	if err := syscall.Kill(pid, syscall.SIGHUP); err != nil {
		return fmt.Errorf("cannot signal broker process %d: %w", pid, err)
	}
	return nil
}

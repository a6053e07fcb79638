//go:build !windows

package backend

import (
	"os"
	"syscall"
)

// signalGraceful asks the process to terminate with SIGTERM.
func signalGraceful(process *os.Process) error {
	return process.Signal(syscall.SIGTERM)
}

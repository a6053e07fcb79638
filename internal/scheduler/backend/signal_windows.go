//go:build windows

package backend

import (
	"os"
)

// Windows has no SIGTERM equivalent for arbitrary processes; the graceful
// phase is a kill, making the grace period a no-op for local runs.
func signalGraceful(process *os.Process) error {
	return process.Kill()
}

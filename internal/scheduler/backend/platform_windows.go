//go:build windows

package backend

import (
	"github.com/ansys/simsched/internal/scheduler/domain"
)

// SupportedKinds lists the backends available on Windows hosts: local
// subprocesses plus Windows HPC.
func SupportedKinds() []domain.BackendKind {
	return []domain.BackendKind{
		domain.BackendLocal,
		domain.BackendWindowsHPC,
	}
}

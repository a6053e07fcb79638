//go:build !windows

package backend

import (
	"github.com/ansys/simsched/internal/scheduler/domain"
)

// SupportedKinds lists the backends available on Unix hosts: local
// subprocesses plus the SLURM, LSF and PBS batch systems.
func SupportedKinds() []domain.BackendKind {
	return []domain.BackendKind{
		domain.BackendLocal,
		domain.BackendSLURM,
		domain.BackendLSF,
		domain.BackendPBS,
	}
}

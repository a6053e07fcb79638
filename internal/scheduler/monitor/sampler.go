package monitor

import (
	"runtime"
	"time"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/ansys/simsched/internal/scheduler/domain"
)

// HostSampler reads CPU, memory and disk utilisation of the local host via
// gopsutil. CPU utilisation is measured since the previous call, so the first
// sample reflects the interval since process start.
type HostSampler struct {
	// Mount point whose usage is reported as disk telemetry. Simulation
	// scratch space normally lives on the same volume as the working
	// directory.
	DiskPath string
}

func NewHostSampler(diskPath string) *HostSampler {
	if diskPath == "" {
		if runtime.GOOS == "windows" {
			diskPath = `C:\`
		} else {
			diskPath = "/"
		}
	}
	return &HostSampler{DiskPath: diskPath}
}

func (s *HostSampler) Sample() (snapshot domain.ResourceSnapshot, err error) {
	cpuPercents, err := cpu.Percent(0, false)
	if err != nil {
		return snapshot, errors.Wrap(err, "sampling cpu utilisation")
	}
	virtualMemory, err := mem.VirtualMemory()
	if err != nil {
		return snapshot, errors.Wrap(err, "sampling memory utilisation")
	}
	diskUsage, err := disk.Usage(s.DiskPath)
	if err != nil {
		return snapshot, errors.Wrapf(err, "sampling disk usage of %q", s.DiskPath)
	}

	if len(cpuPercents) > 0 {
		snapshot.CPUPercent = cpuPercents[0]
	}
	snapshot.MemoryPercent = virtualMemory.UsedPercent
	snapshot.AvailableMemory = virtualMemory.Available
	snapshot.TotalMemory = virtualMemory.Total
	snapshot.DiskPercent = diskUsage.UsedPercent
	snapshot.AvailableDisk = diskUsage.Free
	snapshot.TotalDisk = diskUsage.Total
	snapshot.Timestamp = time.Now()
	return snapshot, nil
}

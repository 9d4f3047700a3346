// Package healthprobe samples PID liveness, RSS, and CPU usage for
// supervised child processes (§4.8 supervisor resource alerts).
package healthprobe

import (
	"context"
	"fmt"

	goprocess "github.com/mitchellh/go-ps"
	"github.com/shirou/gopsutil/v4/process"
)

// Sample is one point-in-time reading of a child process's resource use.
type Sample struct {
	Pid        int
	Alive      bool
	RSSBytes   uint64
	CPUPercent float64
}

// Alive reports whether pid currently names a live process, using go-ps's
// lighter-weight process table scan before falling back to gopsutil for
// detailed metrics.
func Alive(pid int) (bool, error) {
	proc, err := goprocess.FindProcess(pid)
	if err != nil {
		return false, fmt.Errorf("find process %d: %w", pid, err)
	}
	return proc != nil, nil
}

// Probe samples RSS and CPU percent for pid via gopsutil. Returns
// Sample{Alive: false} rather than an error when the process has already
// exited, since that is the expected terminal case for a crashed child.
func Probe(ctx context.Context, pid int) (Sample, error) {
	alive, err := Alive(pid)
	if err != nil {
		return Sample{}, err
	}
	if !alive {
		return Sample{Pid: pid, Alive: false}, nil
	}

	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return Sample{Pid: pid, Alive: false}, nil
	}

	memInfo, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return Sample{Pid: pid, Alive: true}, nil
	}
	cpuPct, err := p.CPUPercentWithContext(ctx)
	if err != nil {
		cpuPct = 0
	}

	return Sample{Pid: pid, Alive: true, RSSBytes: memInfo.RSS, CPUPercent: cpuPct}, nil
}

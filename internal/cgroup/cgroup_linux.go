//go:build linux

// Package cgroup applies best-effort cgroup v2 resource limits to
// supervised child processes. Only Linux carries a real implementation;
// other platforms get the no-op in cgroup_other.go (§4.8, opt-in only).
package cgroup

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const baseDir = "/sys/fs/cgroup/agentrelay"

// Limits bounds one agent's resource usage via cgroup v2 controllers.
type Limits struct {
	CPUQuotaUs      int64 // cpu.max quota, microseconds per 100ms period
	MemoryLimitByte int64 // memory.max
	PidsLimit       int64 // pids.max
}

// Group is a claimed cgroup v2 directory for one supervised process.
type Group struct {
	path string
}

// Create sets up a new cgroup under baseDir/name with the given limits and
// returns a handle to it. Returns an error the caller should log and
// degrade past (cgroups require root or delegated control, commonly absent
// in dev/CI), never one that should abort spawning the child.
func Create(name string, limits Limits) (*Group, error) {
	dir := filepath.Join(baseDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cgroup dir: %w", err)
	}
	g := &Group{path: dir}

	if limits.CPUQuotaUs > 0 {
		if err := g.write("cpu.max", fmt.Sprintf("%d 100000", limits.CPUQuotaUs)); err != nil {
			return g, err
		}
	}
	if limits.MemoryLimitByte > 0 {
		if err := g.write("memory.max", strconv.FormatInt(limits.MemoryLimitByte, 10)); err != nil {
			return g, err
		}
	}
	if limits.PidsLimit > 0 {
		if err := g.write("pids.max", strconv.FormatInt(limits.PidsLimit, 10)); err != nil {
			return g, err
		}
	}
	return g, nil
}

func (g *Group) write(file, value string) error {
	return os.WriteFile(filepath.Join(g.path, file), []byte(value), 0o644)
}

// AddProcess moves pid into the cgroup by writing it to cgroup.procs.
func (g *Group) AddProcess(pid int) error {
	return g.write("cgroup.procs", strconv.Itoa(pid))
}

// Remove deletes the cgroup directory once its process has exited; the
// kernel refuses removal while any process remains a member.
func (g *Group) Remove() error {
	return os.Remove(g.path)
}

// Supported reports whether cgroup v2 resource limiting is available on
// this platform.
func Supported() bool { return true }

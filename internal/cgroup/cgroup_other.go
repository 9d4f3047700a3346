//go:build !linux

package cgroup

import "fmt"

// Limits mirrors the Linux type so callers compile unmodified on other
// platforms; the values are simply never applied.
type Limits struct {
	CPUQuotaUs      int64
	MemoryLimitByte int64
	PidsLimit       int64
}

// Group is a no-op handle on non-Linux platforms.
type Group struct{}

// Create always fails on non-Linux platforms; callers must treat cgroup
// resource limiting as opt-in and continue without it (§4.8 Non-goal:
// containerization, only best-effort Linux limiting).
func Create(name string, limits Limits) (*Group, error) {
	return nil, fmt.Errorf("cgroup resource limiting is not supported on this platform")
}

// AddProcess is a no-op.
func (g *Group) AddProcess(pid int) error { return nil }

// Remove is a no-op.
func (g *Group) Remove() error { return nil }

// Supported always reports false outside Linux.
func Supported() bool { return false }

package domain

import "time"

// InjectionState is the lifecycle state of one queued PTY injection.
type InjectionState string

const (
	InjectionQueued    InjectionState = "QUEUED"
	InjectionInjecting InjectionState = "INJECTING"
	InjectionDelivered InjectionState = "DELIVERED"
	InjectionFailed    InjectionState = "FAILED"
)

// InjectionRecord tracks one message queued for delivery into a PTY child's
// stdin. The lifecycle ends when the control socket confirms DELIVERED or
// FAILED, or when the per-injection timeout (30s) fires.
type InjectionRecord struct {
	MessageID  string
	From       string
	Body       string
	Priority   int
	RetryCount int
	State      InjectionState
	QueuedAt   time.Time
}

// AgentHealthState is the Supervising orchestrator's per-agent liveness
// record. Created on spawn with a known PID; removed on explicit release
// or observed PID death.
type AgentHealthState struct {
	Key            string // workspaceId:name
	PID            int
	LastHeartbeat  time.Time
	LastSample     time.Time
	LastRSSBytes   uint64
	LastCPUPercent float64
	Releasing      bool
	LastCPUAlertAt time.Time
}

// CrashCause is the MemoryMonitor collaborator's best guess at why an agent
// died, reported as part of a CrashContext.
type CrashCause string

const (
	CrashCauseOOM      CrashCause = "oom"
	CrashCauseCPUSpike CrashCause = "cpu_spike"
	CrashCauseUnknown  CrashCause = "unknown"
)

// CrashContext summarizes resource history for a dead agent, produced by
// the MemoryMonitor collaborator on demand.
type CrashContext struct {
	PeakRSSBytes uint64
	AvgRSSBytes  uint64
	Trend        string
	LikelyCause  CrashCause
}

// ResourceSample is one point-in-time reading published by MemoryMonitor.
type ResourceSample struct {
	PID        int
	RSSBytes   uint64
	CPUPercent float64
	SampledAt  time.Time
}

// ResourceAlertKind distinguishes memory vs CPU threshold breaches.
type ResourceAlertKind string

const (
	AlertMemory ResourceAlertKind = "memory"
	AlertCPU    ResourceAlertKind = "cpu"
)

// ResourceAlert is emitted at most once per cooldown window per agent/kind.
type ResourceAlert struct {
	AgentName string
	Kind      ResourceAlertKind
	Value     float64
	Threshold float64
	At        time.Time
}

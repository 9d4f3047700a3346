// Package collab defines the narrow seams between the relay daemon and
// its optional collaboration surfaces: cross-machine message sync, memory
// pressure monitoring, and agent spawn/release management. Each is small
// enough that a component depending on collab never needs to know whether
// it's talking to a real cloud sync client, a PTY orchestrator, or a test
// double (Design Note §9: compose via narrow interfaces, not a monolith).
package collab

import (
	"context"

	"github.com/ashureev/agentrelay/internal/domain"
	"github.com/ashureev/agentrelay/internal/healthprobe"
)

// CloudSync relays a message to the same workspace running on another
// machine when no local recipient resolves it (§4.3 cross-machine
// fallback).
type CloudSync interface {
	SendCrossMachine(ctx context.Context, env *domain.Envelope) error
}

// MemoryMonitor reports a resource sample (RSS, CPU). The daemon does not
// consume it: SPAWN handling does not check memory pressure.
type MemoryMonitor interface {
	Sample(ctx context.Context) (healthprobe.Sample, error)
}

// SpawnManager creates and tears down a supervised agent process in
// response to SPAWN/RELEASE envelopes (implemented by ptyorch.Orchestrator).
type SpawnManager interface {
	Spawn(ctx context.Context, req domain.SpawnPayload) error
	Release(ctx context.Context, name string) error
}

// DashboardEventSink receives fire-and-forget notifications for an
// optional observer surface (a local debug dashboard); nothing in the
// relay's correctness depends on whether a sink is wired.
type DashboardEventSink interface {
	AgentConnected(name string)
	AgentDisconnected(name string)
	AgentCrashed(name string, err error)
	ResourceAlert(name string, sample healthprobe.Sample)
	MessageRouted(from, to string)
}

// Package supervisor runs the periodic health/heartbeat sweep over
// spawned agents: PID liveness, resource alerts, and stale eviction.
// Grounded on the teacher's TTL worker (internal/container/ttl.go) —
// same ticker-driven sweep shape, retargeted from "expired playground
// container" to "unresponsive or resource-hungry spawned agent" (§4.8).
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/agentrelay/internal/config"
	"github.com/ashureev/agentrelay/internal/healthprobe"
)

// Releaser stops a supervised agent, matching ptyorch.Orchestrator.Release.
type Releaser interface {
	Release(ctx context.Context, name string) error
}

// AlertSink receives resource and crash notifications for surfacing to a
// dashboard (implemented by internal/events.Hub).
type AlertSink interface {
	AgentCrashed(name string, err error)
	ResourceAlert(name string, sample healthprobe.Sample)
}

// AgentRemover purges router-side bookkeeping for a dead agent and tells
// every still-connected agent about it, matching router.Router's
// ForceRemoveAgent and BroadcastSystemMessage.
type AgentRemover interface {
	ForceRemoveAgent(name string) bool
	BroadcastSystemMessage(ctx context.Context, body string)
}

// Tracked is one agent under supervision.
type Tracked struct {
	Name string
	Pid  int
}

// Supervisor periodically probes every tracked agent's PID.
type Supervisor struct {
	cfg      config.SupervisorConfig
	releaser Releaser
	alerts   AlertSink
	router   AgentRemover
	log      *slog.Logger

	mu          sync.Mutex
	tracked     map[string]int
	lastAlertAt map[string]time.Time
	alertStreak map[string]int
}

// maxAlertStreak is how many consecutive over-threshold sweeps an agent
// tolerates before it is evicted as stale — a single spike (a big compile,
// a burst of output) must not trigger eviction, but sustained pressure
// should.
const maxAlertStreak = 3

// New returns a Supervisor that probes at cfg.HeartbeatInterval.
func New(cfg config.SupervisorConfig, releaser Releaser, alerts AlertSink, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		cfg:         cfg,
		releaser:    releaser,
		alerts:      alerts,
		log:         log,
		tracked:     make(map[string]int),
		lastAlertAt: make(map[string]time.Time),
		alertStreak: make(map[string]int),
	}
}

// SetRouter wires the router seam used to purge a crashed agent's
// bookkeeping and broadcast the AGENT CRASHED notice. Optional: with no
// router wired, sweep still untracks and alerts but cannot force-remove.
func (s *Supervisor) SetRouter(r AgentRemover) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.router = r
}

// Track registers an agent's PID for liveness/resource probing.
func (s *Supervisor) Track(name string, pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracked[name] = pid
}

// Untrack removes an agent from supervision (called on RELEASE/agent exit).
func (s *Supervisor) Untrack(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tracked, name)
	delete(s.lastAlertAt, name)
	delete(s.alertStreak, name)
}

// Run blocks sweeping every tracked agent at cfg.HeartbeatInterval until
// ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	interval := s.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("supervisor started", "interval", interval)
	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-ctx.Done():
			s.log.Info("supervisor shutting down", "reason", ctx.Err())
			return
		}
	}
}

func (s *Supervisor) sweep(ctx context.Context) {
	s.mu.Lock()
	snapshot := make(map[string]int, len(s.tracked))
	for name, pid := range s.tracked {
		snapshot[name] = pid
	}
	s.mu.Unlock()

	for name, pid := range snapshot {
		sample, err := healthprobe.Probe(ctx, pid)
		if err != nil {
			s.log.Warn("health probe failed", "agent", name, "error", err)
			continue
		}
		if !sample.Alive {
			// Untrack before handling so a slow alert/broadcast can never
			// re-enter this branch for the same agent on the next sweep.
			s.log.Warn("supervised agent is no longer alive", "agent", name, "pid", pid)
			s.Untrack(name)
			s.handleCrash(ctx, name, sample)
			continue
		}
		s.checkResourceAlert(name, sample)
	}
}

// handleCrash runs once per observed PID death, after the agent has already
// been untracked: alert the dashboard, broadcast AGENT CRASHED to every
// still-connected agent (the PTY children see it injected into their
// stdin via the ordinary SEND delivery path), then purge router bookkeeping.
func (s *Supervisor) handleCrash(ctx context.Context, name string, sample healthprobe.Sample) {
	if s.alerts != nil {
		s.alerts.AgentCrashed(name, context.DeadlineExceeded)
	}

	s.mu.Lock()
	r := s.router
	s.mu.Unlock()
	if r == nil {
		return
	}
	r.BroadcastSystemMessage(ctx, fmt.Sprintf("AGENT CRASHED: %q is no longer running (pid %d)", name, sample.Pid))
	r.ForceRemoveAgent(name)
}

func (s *Supervisor) checkResourceAlert(name string, sample healthprobe.Sample) {
	overCPU := s.cfg.CPUAlertThreshold > 0 && sample.CPUPercent > s.cfg.CPUAlertThreshold
	overMem := s.cfg.MemoryAlertBytes > 0 && int64(sample.RSSBytes) > s.cfg.MemoryAlertBytes
	if !overCPU && !overMem {
		s.mu.Lock()
		s.alertStreak[name] = 0
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	s.alertStreak[name]++
	streak := s.alertStreak[name]
	last, seen := s.lastAlertAt[name]
	cooldown := s.cfg.AlertCooldown
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	withinCooldown := seen && time.Since(last) < cooldown
	if !withinCooldown {
		s.lastAlertAt[name] = time.Now()
	}
	s.mu.Unlock()

	if streak >= maxAlertStreak && s.releaser != nil {
		s.log.Warn("evicting stale agent after sustained resource pressure", "agent", name, "streak", streak)
		if err := s.releaser.Release(context.Background(), name); err != nil {
			s.log.Warn("failed to release stale agent", "agent", name, "error", err)
		}
		s.Untrack(name)
		return
	}

	if withinCooldown {
		return
	}

	s.log.Warn("agent resource usage over threshold", "agent", name, "cpuPercent", sample.CPUPercent, "rssBytes", sample.RSSBytes)
	if s.alerts != nil {
		s.alerts.ResourceAlert(name, sample)
	}
}

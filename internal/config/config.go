// Package config provides daemon configuration.
//
// Configuration is loaded from environment variables with sensible
// defaults. All timeouts and operational parameters are configurable.
//
// Configuration categories:
//   - Identity: agent/workspace naming, data and outbox directories
//   - Connection: heartbeat interval, missed-heartbeat tolerance, frame size
//   - Router: resource alert thresholds, snapshot cadence
//   - PTY orchestrator: injection timeout, stuck-queue thresholds, throttle band
//   - Storage: local DB path, optional remote storage URL
//   - Retry: database retry attempts and delays
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ConnectionConfig holds Connection state-machine timing.
type ConnectionConfig struct {
	HeartbeatInterval  time.Duration // PING cadence (default 10s)
	MissedHeartbeatTol int           // missed PINGs tolerated before close (default 3)
	MaxFrameBytes      int           // envelope codec size cap (default 1MiB)
}

// DaemonConfig holds Daemon-level timing and paths.
type DaemonConfig struct {
	SnapshotInterval time.Duration // state snapshot cadence (default 500ms)
	ShutdownGrace    time.Duration // bounded grace before forced termination (default 5s)
}

// PTYConfig holds PTY orchestrator tunables.
type PTYConfig struct {
	InjectionTimeout       time.Duration // per-injection overall timeout (default 30s)
	StuckCheckInterval     time.Duration // stuck-queue detector cadence (default 5s)
	StuckIdleSilence       time.Duration // idle silence required to re-drive (default 2s)
	StuckInjectionTimeout  time.Duration // force-reset an in-flight injection (default 60s)
	ParserLookbackBytes    int           // re-parse window for straddling fenced blocks (default 500)
	ThrottleMin            time.Duration // adaptive throttle lower band (default 50ms)
	ThrottleMax            time.Duration // adaptive throttle upper band (default 2s)
	ReadySilence           time.Duration // min silence to consider CLI-ready (default 500ms)
	ControlConnectAttempts int           // bounded retries connecting to the control socket
	ControlConnectBackoff  time.Duration // base back-off between control-socket connect attempts
}

// SupervisorConfig holds Supervising orchestrator tunables.
type SupervisorConfig struct {
	HeartbeatInterval time.Duration // PID liveness probe cadence (default 10s)
	AlertCooldown     time.Duration // resource alert cooldown window (default 60s)
	CPUAlertThreshold float64       // percent of one core (default 300)
	MemoryAlertBytes  int64         // RSS threshold in bytes (default 512MB)
	CPUQuota          int64         // cgroup cpu.max quota, microseconds per period (default 50000)
	MemoryLimitBytes  int64         // cgroup memory.max (default 512MB)
	PidsLimit         int64         // cgroup pids.max (default 256)
}

// RetryConfig holds retry-related configuration.
type RetryConfig struct {
	DatabaseMaxRetries     int           // default 3
	DatabaseRetryBaseDelay time.Duration // default 50ms
}

// Config holds all daemon configuration.
type Config struct {
	AgentName   string // AGENT_RELAY_NAME / RELAY_AGENT_NAME
	WorkspaceID string // WORKSPACE_ID / RELAY_WORKSPACE_ID / AGENT_RELAY_WORKSPACE_ID
	DataDir     string // AGENT_RELAY_DATA_DIR
	OutboxDir   string // AGENT_RELAY_OUTBOX
	StorageURL  string // CLOUD_DATABASE_URL / DATABASE_URL / AGENT_RELAY_STORAGE_URL
	DBPath      string // local embedded store path, derived from DataDir unless overridden
	DebugAddr   string // AGENT_RELAY_DEBUG_ADDR; empty disables the optional dashboard HTTP surface

	Connection ConnectionConfig
	Daemon     DaemonConfig
	PTY        PTYConfig
	Supervisor SupervisorConfig
	Retry      RetryConfig
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	dataDir := getEnv("AGENT_RELAY_DATA_DIR", "./data")

	cfg := &Config{
		AgentName:   firstNonEmpty(getEnv("AGENT_RELAY_NAME", ""), getEnv("RELAY_AGENT_NAME", "")),
		WorkspaceID: firstNonEmpty(getEnv("WORKSPACE_ID", ""), getEnv("RELAY_WORKSPACE_ID", ""), getEnv("AGENT_RELAY_WORKSPACE_ID", "")),
		DataDir:     dataDir,
		OutboxDir:   getEnv("AGENT_RELAY_OUTBOX", dataDir+"/outbox"),
		StorageURL:  firstNonEmpty(getEnv("CLOUD_DATABASE_URL", ""), getEnv("DATABASE_URL", ""), getEnv("AGENT_RELAY_STORAGE_URL", "")),
		DBPath:      getEnv("AGENT_RELAY_DB_PATH", dataDir+"/relay.db"),
		DebugAddr:   getEnv("AGENT_RELAY_DEBUG_ADDR", ""),

		Connection: ConnectionConfig{
			HeartbeatInterval:  getEnvDuration("AGENT_RELAY_HEARTBEAT_INTERVAL", 10*time.Second),
			MissedHeartbeatTol: getEnvInt("AGENT_RELAY_MISSED_HEARTBEAT_TOLERANCE", 3),
			MaxFrameBytes:      getEnvInt("AGENT_RELAY_MAX_FRAME_BYTES", 1<<20),
		},
		Daemon: DaemonConfig{
			SnapshotInterval: getEnvDuration("AGENT_RELAY_SNAPSHOT_INTERVAL", 500*time.Millisecond),
			ShutdownGrace:    getEnvDuration("AGENT_RELAY_SHUTDOWN_GRACE", 5*time.Second),
		},
		PTY: PTYConfig{
			InjectionTimeout:       getEnvDuration("AGENT_RELAY_INJECTION_TIMEOUT", 30*time.Second),
			StuckCheckInterval:     getEnvDuration("AGENT_RELAY_STUCK_CHECK_INTERVAL", 5*time.Second),
			StuckIdleSilence:       getEnvDuration("AGENT_RELAY_STUCK_IDLE_SILENCE", 2*time.Second),
			StuckInjectionTimeout:  getEnvDuration("AGENT_RELAY_STUCK_INJECTION_TIMEOUT", 60*time.Second),
			ParserLookbackBytes:    getEnvInt("AGENT_RELAY_PARSER_LOOKBACK_BYTES", 500),
			ThrottleMin:            getEnvDuration("AGENT_RELAY_THROTTLE_MIN", 50*time.Millisecond),
			ThrottleMax:            getEnvDuration("AGENT_RELAY_THROTTLE_MAX", 2*time.Second),
			ReadySilence:           getEnvDuration("AGENT_RELAY_READY_SILENCE", 500*time.Millisecond),
			ControlConnectAttempts: getEnvInt("AGENT_RELAY_CONTROL_CONNECT_ATTEMPTS", 10),
			ControlConnectBackoff:  getEnvDuration("AGENT_RELAY_CONTROL_CONNECT_BACKOFF", 100*time.Millisecond),
		},
		Supervisor: SupervisorConfig{
			HeartbeatInterval: getEnvDuration("AGENT_RELAY_SUPERVISOR_HEARTBEAT", 10*time.Second),
			AlertCooldown:     getEnvDuration("AGENT_RELAY_ALERT_COOLDOWN", 60*time.Second),
			CPUAlertThreshold: getEnvFloat("AGENT_CPU_ALERT_THRESHOLD", 300.0),
			MemoryAlertBytes:  getEnvInt64("AGENT_RELAY_MEMORY_ALERT_BYTES", 512*1024*1024),
			CPUQuota:          getEnvInt64("AGENT_RELAY_CGROUP_CPU_QUOTA", 50000),
			MemoryLimitBytes:  getEnvInt64("AGENT_RELAY_CGROUP_MEMORY_LIMIT", 512*1024*1024),
			PidsLimit:         getEnvInt64("AGENT_RELAY_CGROUP_PIDS_LIMIT", 256),
		},
		Retry: RetryConfig{
			DatabaseMaxRetries:     getEnvInt("AGENT_RELAY_DB_MAX_RETRIES", 3),
			DatabaseRetryBaseDelay: getEnvDuration("AGENT_RELAY_DB_RETRY_BASE_DELAY", 50*time.Millisecond),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("AGENT_RELAY_DATA_DIR cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("AGENT_RELAY_DB_PATH cannot be empty")
	}
	if c.OutboxDir == "" {
		return fmt.Errorf("AGENT_RELAY_OUTBOX cannot be empty")
	}
	return nil
}

// SocketPath returns the deterministic local control socket path,
// workspace-namespaced when a workspace id is configured.
func (c *Config) SocketPath() string {
	if c.WorkspaceID != "" {
		return c.DataDir + "/" + c.WorkspaceID + "/relay.sock"
	}
	return c.DataDir + "/relay.sock"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

// Package config holds the sokovand daemon's runtime configuration:
// scheduler tuning, storage connection strings, and the operational
// knobs spec.md §6 lists as KV-namespaced scheduler options. Values are
// bound from cobra flags in cmd/sokovand, falling back to environment
// variables the way the teacher's cmd/warren reads a handful of
// SOKOVAN_-prefixed overrides in test/framework rather than a file-based
// config loader.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sokovan/manager/pkg/domain"
	"github.com/sokovan/manager/pkg/lock"
)

// SchedulerConfig holds the per-scaling-group scheduler tuning spec.md
// §6 describes as KV rows under plugins/scheduler/<sg>/<option>.
type SchedulerConfig struct {
	Type                  domain.SchedulerType
	NumRetriesToSkip      int
	AgentSelectionStrategy domain.AgentSelectionStrategy
	// StartRPCRetryBudget bounds how many times Stage C (Start) retries
	// a session whose create_kernels RPC failed before cancelling it.
	// 0 keeps spec.md's documented default: any RPC failure cancels
	// immediately; retry is the submitter's responsibility.
	StartRPCRetryBudget int
}

// Config is the full set of options sokovand needs at startup.
type Config struct {
	Scheduler SchedulerConfig

	DistributedLockBackend lock.Backend

	PeriodicSyncStats        bool
	SessionCreationTimeout   time.Duration
	HangTolerance            time.Duration
	HeartbeatThreshold       time.Duration
	ServiceMaxRetries        int

	TickInterval time.Duration

	PostgresDSN string
	RedisAddr   string
	NATSURL     string

	LogLevel  string
	LogJSON   bool
}

// Default returns the configuration's built-in defaults, matching
// spec.md §5/§6: 20s session-creation timeout, advisory-pg lock
// backend, fifo scheduling, round-robin agent selection.
func Default() Config {
	return Config{
		Scheduler: SchedulerConfig{
			Type:                   domain.SchedulerTypeFIFO,
			NumRetriesToSkip:       3,
			AgentSelectionStrategy: domain.AgentSelectionRoundRobin,
		},
		DistributedLockBackend: lock.BackendAdvisoryPG,
		PeriodicSyncStats:      true,
		SessionCreationTimeout: 20 * time.Second,
		HangTolerance:          5 * time.Minute,
		HeartbeatThreshold:     30 * time.Second,
		ServiceMaxRetries:      5,
		TickInterval:           2 * time.Second,
		LogLevel:               "info",
	}
}

// FromEnv overlays environment-variable overrides onto cfg, for
// deployments that set connection strings via the environment rather
// than flags.
func FromEnv(cfg Config) Config {
	if v := os.Getenv("SOKOVAN_POSTGRES_DSN"); v != "" {
		cfg.PostgresDSN = v
	}
	if v := os.Getenv("SOKOVAN_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("SOKOVAN_NATS_URL"); v != "" {
		cfg.NATSURL = v
	}
	if v := os.Getenv("SOKOVAN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SOKOVAN_HANG_TOLERANCE_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HangTolerance = time.Duration(n) * time.Second
		}
	}
	return cfg
}

// Validate rejects option combinations spec.md's design notes call out
// as invalid (an unconfigurable scheduler type, a lock backend with no
// implementation, a non-positive timeout).
func (c Config) Validate() error {
	switch c.Scheduler.Type {
	case domain.SchedulerTypeFIFO, domain.SchedulerTypeLIFO, domain.SchedulerTypeDRF:
	default:
		return fmt.Errorf("unknown scheduler.type %q", c.Scheduler.Type)
	}

	switch c.Scheduler.AgentSelectionStrategy {
	case domain.AgentSelectionRoundRobin, domain.AgentSelectionConcentrated,
		domain.AgentSelectionDispersed, domain.AgentSelectionLegacy:
	default:
		return fmt.Errorf("unknown agent_selection_strategy %q", c.Scheduler.AgentSelectionStrategy)
	}

	switch c.DistributedLockBackend {
	case lock.BackendAdvisoryPG, lock.BackendFilelock:
	case lock.BackendEtcd:
		return fmt.Errorf("distributed_lock_backend %q has no implementation", lock.BackendEtcd)
	default:
		return fmt.Errorf("unknown distributed_lock_backend %q", c.DistributedLockBackend)
	}

	if c.SessionCreationTimeout <= 0 {
		return fmt.Errorf("session_creation_timeout_sec must be positive")
	}
	if c.HangTolerance <= 0 {
		return fmt.Errorf("hang_tolerance_sec must be positive")
	}
	if c.Scheduler.NumRetriesToSkip < 0 {
		return fmt.Errorf("scheduler.num_retries_to_skip must be non-negative")
	}
	if c.Scheduler.NumRetriesToSkip > 0 && c.Scheduler.Type != domain.SchedulerTypeFIFO {
		return fmt.Errorf("scheduler.num_retries_to_skip > 0 is only supported for the fifo scheduler")
	}
	if c.Scheduler.StartRPCRetryBudget < 0 {
		return fmt.Errorf("scheduler.start_rpc_retry_budget must be non-negative")
	}
	if c.PostgresDSN == "" {
		return fmt.Errorf("postgres DSN is required")
	}

	return nil
}

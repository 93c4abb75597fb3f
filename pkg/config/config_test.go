package config

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sokovan/manager/pkg/domain"
	"github.com/sokovan/manager/pkg/lock"
)

func validConfig() Config {
	cfg := Default()
	cfg.PostgresDSN = "postgres://localhost/sokovan"
	return cfg
}

func TestValidate_AcceptsDefaults(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidate_RejectsUnknownSchedulerType(t *testing.T) {
	cfg := validConfig()
	cfg.Scheduler.Type = domain.SchedulerType("bogus")
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsUnknownAgentSelectionStrategy(t *testing.T) {
	cfg := validConfig()
	cfg.Scheduler.AgentSelectionStrategy = domain.AgentSelectionStrategy("bogus")
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsEtcdLockBackend(t *testing.T) {
	cfg := validConfig()
	cfg.DistributedLockBackend = lock.BackendEtcd
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsNumRetriesToSkipOnNonFIFO(t *testing.T) {
	cfg := validConfig()
	cfg.Scheduler.Type = domain.SchedulerTypeDRF
	cfg.Scheduler.NumRetriesToSkip = 2
	assert.Error(t, cfg.Validate())
}

func TestValidate_AllowsNumRetriesToSkipOnFIFO(t *testing.T) {
	cfg := validConfig()
	cfg.Scheduler.Type = domain.SchedulerTypeFIFO
	cfg.Scheduler.NumRetriesToSkip = 2
	assert.NoError(t, cfg.Validate())
}

func TestValidate_RejectsNegativeStartRPCRetryBudget(t *testing.T) {
	cfg := validConfig()
	cfg.Scheduler.StartRPCRetryBudget = -1
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsMissingPostgresDSN(t *testing.T) {
	cfg := validConfig()
	cfg.PostgresDSN = ""
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsNonPositiveTimeouts(t *testing.T) {
	cfg := validConfig()
	cfg.HangTolerance = 0
	assert.Error(t, cfg.Validate())

	cfg2 := validConfig()
	cfg2.SessionCreationTimeout = -1
	assert.Error(t, cfg2.Validate())
}

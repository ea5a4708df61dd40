package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "work-item-dispatch", cfg.Kafka.DispatchTopic)
	assert.Equal(t, 5, cfg.Kafka.MaxDeliveryAttempts)
	assert.Equal(t, 30*time.Second, cfg.Coordinator.WatchdogInterval)
	assert.Equal(t, 30*time.Minute, cfg.Coordinator.BatchDeadline)
	assert.Equal(t, 5, cfg.Coordinator.BreakerThreshold)
	assert.Equal(t, 24*time.Hour, cfg.Coordinator.BreakerCooldown)
	assert.Equal(t, 5*time.Minute, cfg.Coordinator.LockTTL)
	assert.Equal(t, 2*time.Minute, cfg.Worker.ScoreTimeout)
	assert.Equal(t, ":8080", cfg.API.ListenAddr)
	assert.EqualValues(t, 20, cfg.Database.MaxConns)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PROPLINE_COORDINATOR_BATCH_DEADLINE", "45m")
	t.Setenv("PROPLINE_COORDINATOR_BREAKER_THRESHOLD", "3")
	t.Setenv("PROPLINE_KAFKA_DISPATCH_TOPIC", "dispatch-test")
	t.Setenv("PROPLINE_WORKER_SCORE_TIMEOUT", "90s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 45*time.Minute, cfg.Coordinator.BatchDeadline)
	assert.Equal(t, 3, cfg.Coordinator.BreakerThreshold)
	assert.Equal(t, "dispatch-test", cfg.Kafka.DispatchTopic)
	assert.Equal(t, 90*time.Second, cfg.Worker.ScoreTimeout)
}

func TestNewEventBusConfig(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	busCfg := NewEventBusConfig(cfg, "coordinator-abc", "coordinator")
	assert.Equal(t, "propline-coordinator", busCfg.GroupID)
	assert.Equal(t, "coordinator-abc", busCfg.ClientID)
	assert.Equal(t, cfg.Kafka.DispatchTopic, busCfg.DispatchTopic)
	assert.Equal(t, cfg.Kafka.DeadLetterTopic, busCfg.DeadLetterTopic)
}

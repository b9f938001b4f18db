package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	t.Setenv("GATEWAY_BASE_URL", "https://sms.example.com")

	cfg, err := Parse()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, "@every 30s", cfg.SchedulerSpec)
	assert.Equal(t, 5*time.Second, cfg.Gateway.SendTimeout)
	assert.Equal(t, 8*time.Second, cfg.Gateway.ProbeTimeout)
	assert.Equal(t, "/v1/messages", cfg.Gateway.SendPath)
	assert.Equal(t, float64(5), cfg.Dispatch.RatePerSecond)
	assert.Equal(t, 200*time.Millisecond, cfg.Dispatch.Delay)
	assert.Zero(t, cfg.Dispatch.MaxConsecutiveFailures)
}

func TestParse_Overrides(t *testing.T) {
	t.Setenv("DB_DRIVER", " SQLite ")
	t.Setenv("DB_DSN", "data/dispatch.db")
	t.Setenv("GATEWAY_MOCK", "true")
	t.Setenv("DISPATCH_DELAY", "0s")
	t.Setenv("DISPATCH_MAX_CONSECUTIVE_FAILURES", "5")

	cfg, err := Parse()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "data/dispatch.db", cfg.Storage.DataSource())
	assert.True(t, cfg.Gateway.Mock)
	assert.Zero(t, cfg.Dispatch.Delay)
	assert.Equal(t, 5, cfg.Dispatch.MaxConsecutiveFailures)
}

func TestParse_ValidationErrors(t *testing.T) {
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DISPATCH_DELAY", "-1s")

	_, err := Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_DSN is required")
	assert.Contains(t, err.Error(), "GATEWAY_BASE_URL is required")
	assert.Contains(t, err.Error(), "DISPATCH_DELAY")
}

func TestParse_UnknownDriver(t *testing.T) {
	t.Setenv("DB_DRIVER", "mongo")
	t.Setenv("GATEWAY_MOCK", "true")

	_, err := Parse()
	assert.ErrorContains(t, err, `unknown storage driver "mongo"`)
}

func TestDataSource(t *testing.T) {
	s := StorageConfig{Driver: "postgres", User: "u", Password: "p", Host: "db", Port: "5433", Name: "leopard"}
	assert.Equal(t, "postgres://u:p@db:5433/leopard?sslmode=disable", s.DataSource())

	s.DSN = "postgres://other"
	assert.Equal(t, "postgres://other", s.DataSource())
}

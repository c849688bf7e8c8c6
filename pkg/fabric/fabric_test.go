package fabric

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainbox/chainbox/pkg/config"
	"github.com/chainbox/chainbox/pkg/contracts"
	"github.com/chainbox/chainbox/pkg/executor"
	"github.com/chainbox/chainbox/pkg/ratelimit"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.StorageDriver = "sqlite"
	cfg.StorageDSN = ":memory:"
	cfg.TelemetryEnabled = false
	return cfg
}

func TestNewWiresAnExecutableFabric(t *testing.T) {
	f, err := New(context.Background(), testConfig(), Options{})
	require.NoError(t, err)
	require.NotNil(t, f.Executor)
	assert.NotNil(t, f.Registry)
	assert.NotNil(t, f.Cache)
	assert.NotNil(t, f.Planner)
	assert.NotNil(t, f.Breaker)
	assert.NotNil(t, f.KV)
	assert.Nil(t, f.Blob) // no blob driver configured

	require.NoError(t, f.Registry.Register("Math.Add", func(ctx any, input any) (any, error) {
		return 42, nil
	}, contracts.CapabilityPermissions{}))

	res, err := f.Executor.Execute(context.Background(), "Math.Add", nil, executor.Options{})
	require.NoError(t, err)
	assert.Equal(t, 42, res.Value)
	assert.NoError(t, f.Close(context.Background()))
}

func TestNewAppliesTenantAndRateLimitOverridesFromConfig(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitOverrides = map[string]ratelimit.Rule{"Billing.Charge": {Max: 3, WindowMs: 1000}}
	cfg.TenantConfigs = []config.TenantEntry{{TenantID: "acme", MaxCallsPerMinute: 10, MaxCallDepth: 4}}

	f, err := New(context.Background(), cfg, Options{})
	require.NoError(t, err)

	rule, ok := f.RateLimiter.Overrides["Billing.Charge"]
	require.True(t, ok)
	assert.Equal(t, 3, rule.Max)

	tenantCfg := f.Tenants.ConfigFor(&contracts.Identity{Claims: map[string]any{"tenant_id": "acme"}})
	assert.Equal(t, 10, tenantCfg.MaxCallsPerMinute)
}

func TestNewRejectsUnknownStorageDriver(t *testing.T) {
	cfg := testConfig()
	cfg.StorageDriver = "nonsense"
	_, err := New(context.Background(), cfg, Options{})
	assert.Error(t, err)
}

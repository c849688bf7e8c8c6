package tenants

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainbox/chainbox/pkg/chainerr"
	"github.com/chainbox/chainbox/pkg/contracts"
)

func TestManagerEnforceQuota(t *testing.T) {
	m := NewManager(Config{MaxCallsPerMinute: 2})
	fakeNow := int64(0)
	m.clock = func() int64 { return fakeNow }

	identity := &contracts.Identity{ID: "u1", Claims: map[string]any{"tenant_id": "acme"}}

	require.NoError(t, m.Enforce(identity, "Math.Add"))
	require.NoError(t, m.Enforce(identity, "Math.Add"))

	err := m.Enforce(identity, "Math.Add")
	var cerr *chainerr.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, chainerr.CodeTenantQuotaExceeded, cerr.Code)

	fakeNow = 61_000
	require.NoError(t, m.Enforce(identity, "Math.Add"), "window should reset after 60s")
}

func TestManagerPerTenantOverride(t *testing.T) {
	m := NewManager(Config{MaxCallsPerMinute: 100})
	m.SetConfig("acme", Config{MaxCallsPerMinute: 1, NodePool: "acme-"})

	acme := &contracts.Identity{Claims: map[string]any{"tenant_id": "acme"}}
	other := &contracts.Identity{Claims: map[string]any{"tenant_id": "other"}}

	require.NoError(t, m.Enforce(acme, "Fn"))
	require.Error(t, m.Enforce(acme, "Fn"))
	require.NoError(t, m.Enforce(other, "Fn"))

	assert.Equal(t, "acme-", m.ConfigFor(acme).NodePool)
}

func TestIdentityTenantIDFallbacks(t *testing.T) {
	assert.Equal(t, "anonymous", (&contracts.Identity{}).TenantID())
	assert.Equal(t, "default", (&contracts.Identity{ID: "u1"}).TenantID())
	assert.Equal(t, "acme", (&contracts.Identity{ID: "u1", Claims: map[string]any{"org_id": "acme"}}).TenantID())
}

package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainbox/chainbox/pkg/chainerr"
	"github.com/chainbox/chainbox/pkg/contracts"
)

func TestEngineEnforceRole(t *testing.T) {
	eng, err := NewEngine()
	require.NoError(t, err)

	perms := contracts.CapabilityPermissions{Allow: map[string]bool{"admin": true}}

	t.Run("missing identity forbidden", func(t *testing.T) {
		err := eng.Enforce(perms, nil, "Billing.Charge", nil, nil)
		var cerr *chainerr.Error
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, chainerr.CodeForbidden, cerr.Code)
	})

	t.Run("wrong role forbidden", func(t *testing.T) {
		err := eng.Enforce(perms, nil, "Billing.Charge", &contracts.Identity{ID: "u1", Role: "user"}, nil)
		require.Error(t, err)
	})

	t.Run("allowed role admits", func(t *testing.T) {
		err := eng.Enforce(perms, nil, "Billing.Charge", &contracts.Identity{ID: "u1", Role: "admin"}, nil)
		require.NoError(t, err)
	})

	t.Run("no allow set admits anyone", func(t *testing.T) {
		err := eng.Enforce(contracts.CapabilityPermissions{}, nil, "Open.Fn", nil, nil)
		require.NoError(t, err)
	})

	t.Run("role comparison is case-insensitive", func(t *testing.T) {
		err := eng.Enforce(perms, nil, "Billing.Charge", &contracts.Identity{ID: "u1", Role: "ADMIN"}, nil)
		require.NoError(t, err)
	})
}

func TestEngineEnforceCondition(t *testing.T) {
	eng, err := NewEngine()
	require.NoError(t, err)

	pol := &Policy{Condition: `identity.role == "admin" && input.amount < 1000`}

	t.Run("condition true admits", func(t *testing.T) {
		err := eng.Enforce(contracts.CapabilityPermissions{}, pol, "Billing.Charge",
			&contracts.Identity{Role: "admin"}, map[string]any{"amount": 500})
		require.NoError(t, err)
	})

	t.Run("condition false rejects", func(t *testing.T) {
		err := eng.Enforce(contracts.CapabilityPermissions{}, pol, "Billing.Charge",
			&contracts.Identity{Role: "admin"}, map[string]any{"amount": 5000})
		require.Error(t, err)
	})

	t.Run("compiled programs are cached", func(t *testing.T) {
		_, err := eng.compile(pol.Condition)
		require.NoError(t, err)
		eng.mu.RLock()
		_, ok := eng.cache[pol.Condition]
		eng.mu.RUnlock()
		assert.True(t, ok)
	})
}

func TestEngineEnforceInputSchema(t *testing.T) {
	eng, err := NewEngine()
	require.NoError(t, err)

	schema := []byte(`{
		"type": "object",
		"properties": {"amount": {"type": "number", "minimum": 0}},
		"required": ["amount"]
	}`)
	perms := contracts.CapabilityPermissions{InputSchema: schema}

	t.Run("conforming input admits", func(t *testing.T) {
		err := eng.Enforce(perms, nil, "Billing.Charge", nil, map[string]any{"amount": 12.5})
		require.NoError(t, err)
	})

	t.Run("missing required field rejects", func(t *testing.T) {
		err := eng.Enforce(perms, nil, "Billing.Charge", nil, map[string]any{})
		var cerr *chainerr.Error
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, chainerr.CodeInputValidation, cerr.Code)
		assert.False(t, chainerr.Retryable(cerr.Code))
	})

	t.Run("wrong type rejects", func(t *testing.T) {
		err := eng.Enforce(perms, nil, "Billing.Charge", nil, map[string]any{"amount": "lots"})
		require.Error(t, err)
	})

	t.Run("compiled schema is cached by capability name", func(t *testing.T) {
		_, err := eng.compileSchema("Billing.Charge", schema)
		require.NoError(t, err)
		eng.mu.RLock()
		_, ok := eng.schemaCache["Billing.Charge"]
		eng.mu.RUnlock()
		assert.True(t, ok)
	})
}

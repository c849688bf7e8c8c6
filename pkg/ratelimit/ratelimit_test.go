package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainbox/chainbox/pkg/chainerr"
	"github.com/chainbox/chainbox/pkg/contracts"
)

func TestParseRule(t *testing.T) {
	r, err := ParseRule("10/minute")
	require.NoError(t, err)
	assert.Equal(t, 10, r.Max)
	assert.EqualValues(t, 60_000, r.WindowMs)

	_, err = ParseRule("bogus")
	require.Error(t, err)
}

func TestLimiterEnforce(t *testing.T) {
	store := NewInMemoryStore()
	fakeNow := int64(1_000_000)
	store.clock = func() int64 { return fakeNow }

	lim := New(Rule{Max: 2, WindowMs: 1000}, store)
	lim.clock = func() int64 { return fakeNow }

	identity := &contracts.Identity{ID: "u1"}

	require.NoError(t, lim.Enforce(identity, "Math.Add"))
	require.NoError(t, lim.Enforce(identity, "Math.Add"))

	err := lim.Enforce(identity, "Math.Add")
	var cerr *chainerr.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, chainerr.CodeRateLimited, cerr.Code)
	assert.Greater(t, cerr.Meta["resetMs"], int64(-1))

	fakeNow += 1001
	require.NoError(t, lim.Enforce(identity, "Math.Add"), "window should have reset")
}

func TestLimiterOverridesAndWildcard(t *testing.T) {
	store := NewInMemoryStore()
	lim := New(Rule{Max: 100, WindowMs: 60_000}, store)
	lim.SetOverride("Billing.*", Rule{Max: 1, WindowMs: 60_000})

	identity := &contracts.Identity{ID: "u2"}
	require.NoError(t, lim.Enforce(identity, "Billing.Charge"))
	err := lim.Enforce(identity, "Billing.Charge")
	require.Error(t, err, "wildcard override should apply a tighter limit")
}

func TestAnonymousBucketingIsSeparateFromIdentity(t *testing.T) {
	store := NewInMemoryStore()
	lim := New(Rule{Max: 1, WindowMs: 60_000}, store)

	require.NoError(t, lim.Enforce(nil, "Open.Fn"))
	require.Error(t, lim.Enforce(nil, "Open.Fn"))
	require.NoError(t, lim.Enforce(&contracts.Identity{ID: "someone"}, "Open.Fn"))
}

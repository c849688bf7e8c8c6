package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainbox/chainbox/pkg/chainerr"
	"github.com/chainbox/chainbox/pkg/contracts"
)

func echoHandler(_ any, input any) (any, error) { return input, nil }

func TestInMemoryRegistry(t *testing.T) {
	r := NewInMemoryRegistry(nil)

	t.Run("Register and Resolve", func(t *testing.T) {
		require.NoError(t, r.Register("Math.Add", echoHandler, contracts.CapabilityPermissions{}))

		src, cached, err := r.Resolve("Math.Add")
		require.NoError(t, err)
		assert.False(t, cached)
		assert.Equal(t, contracts.CapabilityNative, src.Kind)
	})

	t.Run("Cached suffix falls back to bare name", func(t *testing.T) {
		src, cached, err := r.Resolve("Math.Add" + CachedSuffix)
		require.NoError(t, err)
		assert.True(t, cached)
		assert.Equal(t, "Math.Add", src.Name)
	})

	t.Run("Resolve Not Found", func(t *testing.T) {
		_, _, err := r.Resolve("Missing.Fn")
		var cerr *chainerr.Error
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, chainerr.CodeFunctionNotFound, cerr.Code)
	})

	t.Run("Canary rollout both variants reachable", func(t *testing.T) {
		require.NoError(t, r.Register("Greet", echoHandler, contracts.CapabilityPermissions{}))
		canary := &contracts.CapabilitySource{Name: "Greet", Kind: contracts.CapabilityNative, Handler: echoHandler}
		require.NoError(t, r.SetRollout("Greet", canary, 50))

		users := []string{"user-1", "user-2", "user-3", "user-4", "user-5", "user-6", "user-7", "user-8", "user-9", "user-10"}
		seenStable, seenCanary := 0, 0
		for _, u := range users {
			src, _, err := r.ResolveForIdentity("Greet", &contracts.Identity{ID: u})
			require.NoError(t, err)
			if src == canary {
				seenCanary++
			} else {
				seenStable++
			}
		}
		assert.True(t, seenStable > 0, "expected some stable routing")
		assert.True(t, seenCanary > 0, "expected some canary routing")
	})

	t.Run("Rollout 0 percent stays stable", func(t *testing.T) {
		require.NoError(t, r.Register("Only", echoHandler, contracts.CapabilityPermissions{}))
		canary := &contracts.CapabilitySource{Name: "Only", Kind: contracts.CapabilityNative, Handler: echoHandler}
		require.NoError(t, r.SetRollout("Only", canary, 0))

		src, _, err := r.ResolveForIdentity("Only", &contracts.Identity{ID: "any-user"})
		require.NoError(t, err)
		assert.NotEqual(t, canary, src)
	})

	t.Run("Rollout 100 percent always canary", func(t *testing.T) {
		require.NoError(t, r.Register("All", echoHandler, contracts.CapabilityPermissions{}))
		canary := &contracts.CapabilitySource{Name: "All", Kind: contracts.CapabilityNative, Handler: echoHandler}
		require.NoError(t, r.SetRollout("All", canary, 100))

		src, _, err := r.ResolveForIdentity("All", &contracts.Identity{ID: "any-user"})
		require.NoError(t, err)
		assert.Equal(t, canary, src)
	})

	t.Run("Unregister removes capability", func(t *testing.T) {
		require.NoError(t, r.Register("Temp", echoHandler, contracts.CapabilityPermissions{}))
		require.NoError(t, r.Unregister("Temp"))
		_, _, err := r.Resolve("Temp")
		require.Error(t, err)
	})

	t.Run("SetRoot clears the cache", func(t *testing.T) {
		require.NoError(t, r.Register("Keep", echoHandler, contracts.CapabilityPermissions{}))
		r.SetRoot("/new/root")
		_, _, err := r.Resolve("Keep")
		require.Error(t, err, "SetRoot must clear prior registrations")
	})
}

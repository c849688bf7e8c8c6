package signer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	s := New([]byte("top-secret"))
	payload := map[string]any{"fn": "Math.Add", "input": map[string]any{"a": 1, "b": 2}}

	sig, ts, err := s.Sign(payload)
	require.NoError(t, err)
	require.NotEmpty(t, sig)

	require.NoError(t, s.Verify(payload, sig, ts))
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	s := New([]byte("top-secret"))
	payload := map[string]any{"a": 1}
	sig, ts, err := s.Sign(payload)
	require.NoError(t, err)

	tampered := map[string]any{"a": 2}
	err = s.Verify(tampered, sig, ts)
	require.Error(t, err)
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	s := New([]byte("top-secret"))
	payload := map[string]any{"a": 1}
	sig, ts, err := s.Sign(payload)
	require.NoError(t, err)

	flipped := []byte(sig)
	flipped[0] ^= 0x01
	err = s.Verify(payload, string(flipped), ts)
	require.Error(t, err)
}

func TestVerifyRejectsExpiredSignature(t *testing.T) {
	s := New([]byte("top-secret")).WithTTL(time.Second)
	payload := map[string]any{"a": 1}
	sig, ts, err := s.Sign(payload)
	require.NoError(t, err)

	err = s.Verify(payload, sig, ts-2000)
	require.Error(t, err)
}

func TestSecretIsDerivedNotUsedRaw(t *testing.T) {
	a := New([]byte("top-secret"))
	b := New([]byte("top-secret"))
	assert.Equal(t, a.secret, b.secret, "deriving from the same secret must be deterministic")
	assert.NotEqual(t, []byte("top-secret"), a.secret, "the raw configured secret must never be used as the HMAC key directly")

	c := New([]byte("different-secret"))
	assert.NotEqual(t, a.secret, c.secret)
}

func TestNoSecretDisablesSigning(t *testing.T) {
	s := New(nil)
	sig, _, err := s.Sign(map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Empty(t, sig)

	require.NoError(t, s.Verify(map[string]any{"anything": true}, "garbage", 0))
}

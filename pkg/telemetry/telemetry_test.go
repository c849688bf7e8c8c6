package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDisabledProviderIsANoOp(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, end := p.StartSpan(context.Background(), "Math.Add")
	assert.NotNil(t, ctx)
	end() // must not panic

	p.IncExecutions()
	p.IncInvariantViolation()
	p.IncCacheHit()
	p.RecordDuration("Math.Add", 5*time.Millisecond)

	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestDefaultConfigIsEnabledWithSaneDefaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "chainbox", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

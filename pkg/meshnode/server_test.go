package meshnode

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainbox/chainbox/pkg/cache"
	"github.com/chainbox/chainbox/pkg/contracts"
	"github.com/chainbox/chainbox/pkg/executor"
	"github.com/chainbox/chainbox/pkg/registry"
	"github.com/chainbox/chainbox/pkg/signer"
)

func newTestServer(t *testing.T) (*Server, *registry.InMemoryRegistry) {
	t.Helper()
	reg := registry.NewInMemoryRegistry(nil)
	exec := executor.New(reg, nil, nil, nil, nil, nil, cache.New(time.Minute, 10), nil, nil, nil, nil, nil,
		nil, nil, nil, nil, nil, executor.Config{MaxDepth: 5, TimeoutMs: 1000, IsMeshNode: true})
	return New(exec, signer.New(nil), Config{}), reg
}

func TestHealthEndpointReportsUptimeAndRequests(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.GreaterOrEqual(t, body.Requests, int64(1))
}

func TestExecuteEndpointRunsCapabilityForceLocal(t *testing.T) {
	s, reg := newTestServer(t)
	require.NoError(t, reg.Register("Math.Add", func(ctx any, input any) (any, error) {
		return 7, nil
	}, contracts.CapabilityPermissions{}))

	srv := httptest.NewServer(s.Mux())
	defer srv.Close()

	payload := contracts.MeshPayload{Fn: "Math.Add", TraceID: "t1"}
	body, _ := json.Marshal(payload)
	resp, err := http.Post(srv.URL+"/execute", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var env contracts.ResultEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.Equal(t, float64(7), env.Value)
}

func TestExecuteBatchEndpointReturnsResultsInOrder(t *testing.T) {
	s, reg := newTestServer(t)
	require.NoError(t, reg.Register("Echo.A", func(ctx any, input any) (any, error) { return "a", nil }, contracts.CapabilityPermissions{}))
	require.NoError(t, reg.Register("Echo.B", func(ctx any, input any) (any, error) { return "b", nil }, contracts.CapabilityPermissions{}))

	srv := httptest.NewServer(s.Mux())
	defer srv.Close()

	payload := contracts.BatchPayload{
		Calls:   []contracts.BatchCall{{Fn: "Echo.A"}, {Fn: "Echo.B"}},
		TraceID: "t1",
	}
	body, _ := json.Marshal(payload)
	resp, err := http.Post(srv.URL+"/execute/batch", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var env contracts.BatchResultEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	require.Len(t, env.Results, 2)
	assert.Equal(t, "a", env.Results[0].Value)
	assert.Equal(t, "b", env.Results[1].Value)
}

func TestExecuteRejectsOversizedBody(t *testing.T) {
	s, reg := newTestServer(t)
	s.maxBodyBytes = 10
	require.NoError(t, reg.Register("Math.Add", func(ctx any, input any) (any, error) { return 1, nil }, contracts.CapabilityPermissions{}))

	srv := httptest.NewServer(s.Mux())
	defer srv.Close()

	payload := contracts.MeshPayload{Fn: "Math.Add", Input: map[string]string{"padding": "this payload is definitely longer than ten bytes"}}
	body, _ := json.Marshal(payload)
	resp, err := http.Post(srv.URL+"/execute", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

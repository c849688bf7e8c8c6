// Package mesh is the signed, pooled HTTP transport that carries a call or
// batch call to a remote node, with retries, backoff, and CircuitBreaker and
// Planner health integration.
package mesh

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/chainbox/chainbox/pkg/breaker"
	"github.com/chainbox/chainbox/pkg/chainerr"
	"github.com/chainbox/chainbox/pkg/contracts"
	"github.com/chainbox/chainbox/pkg/planner"
	"github.com/chainbox/chainbox/pkg/signer"
)

// MaxRetries is the number of retries attempted after the first try, per
// the documented default.
const MaxRetries = 3

const baseBackoff = 100 * time.Millisecond

// Transport is the signed, pooled, circuit-broken mesh client.
type Transport struct {
	mu       sync.Mutex
	clients  map[string]*http.Client // keyed by origin
	breaker  *breaker.Breaker
	planner  *planner.Planner
	signer   *signer.Signer
	newClock func() time.Time
}

// New builds a Transport. breakerInst and plannerInst are shared with the
// rest of the fabric so breaker trips and health flips are visible
// everywhere.
func New(breakerInst *breaker.Breaker, plannerInst *planner.Planner, signerInst *signer.Signer) *Transport {
	return &Transport{
		clients:  make(map[string]*http.Client),
		breaker:  breakerInst,
		planner:  plannerInst,
		signer:   signerInst,
		newClock: time.Now,
	}
}

// clientFor returns the pooled http.Client for nodeURL's origin, creating one
// bounded, keep-alive client per origin on first use.
func (t *Transport) clientFor(nodeURL string) (*http.Client, error) {
	u, err := url.Parse(nodeURL)
	if err != nil {
		return nil, fmt.Errorf("mesh: parse node url: %w", err)
	}
	origin := u.Scheme + "://" + u.Host

	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.clients[origin]; ok {
		return c, nil
	}
	c := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 16,
			MaxConnsPerHost:     32,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	t.clients[origin] = c
	return c, nil
}

// Call dispatches a single-call MeshPayload to nodeID at nodeURL's /execute.
func (t *Transport) Call(ctx context.Context, nodeID, nodeURL string, payload contracts.MeshPayload) (contracts.ResultEnvelope, error) {
	var out contracts.ResultEnvelope
	err := t.do(ctx, nodeID, nodeURL, "/execute", payload, &out)
	return out, err
}

// BatchCall dispatches a batch of calls to nodeID at nodeURL's /execute/batch.
// The whole batch is transport-atomic: one network fault fails it entirely,
// but per-call outcomes inside a successful batch are independent.
func (t *Transport) BatchCall(ctx context.Context, nodeID, nodeURL string, payload contracts.BatchPayload) (contracts.BatchResultEnvelope, error) {
	var out contracts.BatchResultEnvelope
	err := t.do(ctx, nodeID, nodeURL, "/execute/batch", payload, &out)
	return out, err
}

func (t *Transport) do(ctx context.Context, nodeID, nodeURL, path string, payload any, out any) error {
	if err := t.breaker.Allow(nodeID); err != nil {
		return err
	}

	client, err := t.clientFor(nodeURL)
	if err != nil {
		return chainerr.New(chainerr.CodeMeshCallFailed, "mesh", err.Error())
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return chainerr.New(chainerr.CodeMeshCallFailed, "mesh", "encode payload: "+err.Error())
	}

	var lastErr error
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoffFor(attempt - 1))
		}

		resp, err := t.attempt(ctx, client, nodeURL+path, body)
		if err != nil {
			lastErr = err
			t.breaker.Failure(nodeID)
			t.planner.MarkUnhealthy(nodeID)
			if st := t.breaker.State(nodeID); st.State == contracts.CircuitOpen {
				break
			}
			continue
		}

		if resp.StatusCode >= 400 {
			resp.Body.Close()
			lastErr = chainerr.Newf(chainerr.CodeMeshCallFailed, "mesh", "node %s returned HTTP %d", nodeID, resp.StatusCode)
			t.breaker.Failure(nodeID)
			t.planner.MarkUnhealthy(nodeID)
			if st := t.breaker.State(nodeID); st.State == contracts.CircuitOpen {
				break
			}
			continue
		}

		decodeErr := json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		if decodeErr != nil {
			lastErr = chainerr.New(chainerr.CodeMeshCallFailed, "mesh", "decode response: "+decodeErr.Error())
			t.breaker.Failure(nodeID)
			t.planner.MarkUnhealthy(nodeID)
			if st := t.breaker.State(nodeID); st.State == contracts.CircuitOpen {
				break
			}
			continue
		}

		t.breaker.Success(nodeID)
		t.planner.MarkHealthy(nodeID)
		return nil
	}

	if lastErr == nil {
		lastErr = chainerr.New(chainerr.CodeMeshCallFailed, "mesh", "circuit opened mid-retry")
	}
	return lastErr
}

func (t *Transport) attempt(ctx context.Context, client *http.Client, fullURL string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	if t.signer.Enabled() {
		var payload any
		if err := json.Unmarshal(body, &payload); err == nil {
			sig, ts, err := t.signer.Sign(payload)
			if err == nil {
				req.Header.Set("X-Chainbox-Signature", sig)
				req.Header.Set("X-Chainbox-Timestamp", fmt.Sprintf("%d", ts))
			}
		}
	}

	return client.Do(req)
}

// backoffFor returns base*2^attempt plus a small jitter, mirroring the
// documented exponential backoff with base 100ms, doubling.
func backoffFor(attempt int) time.Duration {
	backoff := baseBackoff
	for i := 0; i < attempt; i++ {
		backoff *= 2
	}
	jitter := time.Duration(0)
	if n, err := rand.Int(rand.Reader, big.NewInt(50)); err == nil {
		jitter = time.Duration(n.Int64()) * time.Millisecond
	}
	return backoff + jitter
}

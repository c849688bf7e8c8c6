package execctx

import (
	"fmt"
	"net/http"
	"sync"
)

// denyTransport rejects every outbound request. It backs the ambient
// network default-deny: handlers may only reach the network through
// Context.Adapter.
type denyTransport struct{}

func (denyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return nil, fmt.Errorf("chainbox: ambient network access denied for %s; use Context.Adapter", req.URL.Host)
}

var (
	netGuardMu       sync.Mutex
	netGuardDepth    int
	savedTransport   http.RoundTripper
)

// denyNetwork swaps http.DefaultTransport for a deny-stub for the duration
// of fn, restoring the original transport once every concurrently nested
// call has exited. Reference-counted so nested handler-initiated calls
// (call/parallel) don't restore network access mid-tree.
func denyNetwork(fn func()) {
	netGuardMu.Lock()
	if netGuardDepth == 0 {
		savedTransport = http.DefaultTransport
		http.DefaultTransport = denyTransport{}
	}
	netGuardDepth++
	netGuardMu.Unlock()

	defer func() {
		netGuardMu.Lock()
		netGuardDepth--
		if netGuardDepth == 0 {
			http.DefaultTransport = savedTransport
			savedTransport = nil
		}
		netGuardMu.Unlock()
	}()

	fn()
}

// RunDenied executes fn with ambient outbound HTTP denied via the process's
// default transport. Exported so the Executor can wrap one top-level
// handler invocation (and, transitively via Context.Call, any of its
// children) in a single guarded region.
func RunDenied(fn func()) {
	denyNetwork(fn)
}

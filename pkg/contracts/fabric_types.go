package contracts

import "time"

// Outcome is the closed set of terminal states for one capability invocation.
type Outcome string

const (
	OutcomeSuccess     Outcome = "SUCCESS"
	OutcomeFailure     Outcome = "FAILURE"
	OutcomeTimeout     Outcome = "TIMEOUT"
	OutcomeCircuitOpen Outcome = "CIRCUIT_OPEN"
	OutcomeForbidden   Outcome = "FORBIDDEN"
	OutcomeNotFound    Outcome = "NOT_FOUND"
	OutcomeAborted     Outcome = "ABORTED"
)

// Identity is the caller record produced by the Authenticator. It is
// immutable for the lifetime of one top-level call and travels verbatim
// across mesh hops.
type Identity struct {
	ID     string         `json:"id"`
	Email  string         `json:"email,omitempty"`
	Role   string         `json:"role,omitempty"`
	Token  string         `json:"token,omitempty"`
	Claims map[string]any `json:"claims,omitempty"`
}

// TenantID resolves the tenant scoping claim, falling back to org_id and
// finally the literal "default"/"anonymous" per the tenant extraction rule.
func (id *Identity) TenantID() string {
	if id == nil {
		return "anonymous"
	}
	if v, ok := id.Claims["tenant_id"].(string); ok && v != "" {
		return v
	}
	if v, ok := id.Claims["org_id"].(string); ok && v != "" {
		return v
	}
	if id.ID == "" {
		return "anonymous"
	}
	return "default"
}

// ExecutionFrame is the per-invocation budget record: recursion depth and
// absolute deadline, shared by a call and all of its local children.
type ExecutionFrame struct {
	Depth     uint  `json:"depth"`
	MaxDepth  uint  `json:"maxDepth"`
	StartTime int64 `json:"startTime"`
	TimeoutMs uint  `json:"timeoutMs"`
}

// Child derives a nested frame at depth+1, inheriting the deadline.
func (f ExecutionFrame) Child() ExecutionFrame {
	return ExecutionFrame{
		Depth:     f.Depth + 1,
		MaxDepth:  f.MaxDepth,
		StartTime: f.StartTime,
		TimeoutMs: f.TimeoutMs,
	}
}

// Elapsed returns the milliseconds since the frame's StartTime, given now in
// epoch-ms.
func (f ExecutionFrame) Elapsed(nowMs int64) int64 {
	return nowMs - f.StartTime
}

// Remaining returns the milliseconds left in the frame's budget, given now
// in epoch-ms. Never negative.
func (f ExecutionFrame) Remaining(nowMs int64) time.Duration {
	left := int64(f.TimeoutMs) - f.Elapsed(nowMs)
	if left < 0 {
		left = 0
	}
	return time.Duration(left) * time.Millisecond
}

// Target is where an invocation ran.
type Target string

const (
	TargetLocal  Target = "local"
	TargetRemote Target = "remote"
)

// Status is the coarse success/error classification carried alongside
// Outcome on a TraceFrame.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// TraceFrame is one node in the trace tree assembled during a root
// invocation. Every completed frame carries exactly one Outcome.
type TraceFrame struct {
	Fn         string         `json:"fn"`
	Identity   *Identity      `json:"identity,omitempty"`
	Target     Target         `json:"target"`
	NodeID     string         `json:"nodeId,omitempty"`
	DurationMs *int64         `json:"durationMs,omitempty"`
	Status     Status         `json:"status,omitempty"`
	Outcome    Outcome        `json:"outcome,omitempty"`
	Cached     bool           `json:"cached,omitempty"`
	Children   []*TraceFrame  `json:"children"`
}

// CapabilityKind tags the dynamic-dispatch variant a CapabilitySource holds.
type CapabilityKind string

const (
	CapabilityNative    CapabilityKind = "native"
	CapabilityBytecode  CapabilityKind = "bytecode"
)

// CapabilityHandler is the native Go form of a capability: given a Context
// (typed as `any` here to avoid an import cycle with pkg/execctx) and an
// input payload, produce a result or an error.
type CapabilityHandler func(ctx any, input any) (any, error)

// CapabilityPermissions gates admission by role and, optionally, by the
// shape of the input payload.
type CapabilityPermissions struct {
	Allow map[string]bool `json:"allow,omitempty"`
	// InputSchema, if set, is a JSON Schema a capability's input must
	// validate against before the handler runs.
	InputSchema []byte `json:"inputSchema,omitempty"`
}

// CapabilitySource is what the Registry resolves a capability name to.
type CapabilitySource struct {
	Name        string
	Kind        CapabilityKind
	Handler     CapabilityHandler
	Bytes       []byte
	Permissions CapabilityPermissions
}

// MeshNode is a configured peer process accepting signed capability
// execution requests.
type MeshNode struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	Healthy   bool   `json:"healthy"`
	LastCheck int64  `json:"lastCheck"`
}

// CircuitStateName is the three-state circuit breaker state.
type CircuitStateName string

const (
	CircuitClosed   CircuitStateName = "CLOSED"
	CircuitOpen     CircuitStateName = "OPEN"
	CircuitHalfOpen CircuitStateName = "HALF_OPEN"
)

// CircuitState is the per-node breaker record; lifetime is the process.
type CircuitState struct {
	State           CircuitStateName `json:"state"`
	Failures        int              `json:"failures"`
	Successes       int              `json:"successes"`
	LastStateChange int64            `json:"lastStateChange"`
}

// CacheEntry is a fingerprint-keyed cached result.
type CacheEntry struct {
	Value     any   `json:"value"`
	ExpiresAt int64 `json:"expiresAt"`
	Hits      int   `json:"hits"`
}

// RateBucket is a sliding-window counter keyed by (identityOrAnon, fnName).
type RateBucket struct {
	Count       int   `json:"count"`
	WindowStart int64 `json:"windowStart"`
}

// AuditEntry is one append-only record of a completed top-level invocation.
type AuditEntry struct {
	Timestamp  int64       `json:"timestamp"`
	Fn         string      `json:"fn"`
	Identity   *Identity   `json:"identity,omitempty"`
	TenantID   string      `json:"tenantId,omitempty"`
	Status     Status      `json:"status"`
	DurationMs int64       `json:"durationMs"`
	Error      string      `json:"error,omitempty"`
	Outcome    Outcome     `json:"outcome"`
	TraceID    string      `json:"traceId"`
	Trace      *TraceFrame `json:"trace,omitempty"`
}

// MeshPayload is the capability wire format for a single mesh call.
type MeshPayload struct {
	Fn       string         `json:"fn"`
	Input    any            `json:"input"`
	Identity *Identity      `json:"identity,omitempty"`
	Frame    ExecutionFrame `json:"frame"`
	Trace    []*TraceFrame  `json:"trace"`
	TraceID  string         `json:"traceId"`
}

// BatchCall is one element of a batch request.
type BatchCall struct {
	Fn    string `json:"fn"`
	Input any    `json:"input"`
}

// BatchPayload is the capability wire format for a mesh batch call.
type BatchPayload struct {
	Calls    []BatchCall    `json:"calls"`
	Identity *Identity      `json:"identity,omitempty"`
	Frame    ExecutionFrame `json:"frame"`
	Trace    []*TraceFrame  `json:"trace"`
	TraceID  string         `json:"traceId"`
}

// ResultEnvelope is the HTTP-level response wrapper; Trace is only populated
// in development mode.
type ResultEnvelope struct {
	Value any         `json:"value"`
	Trace *TraceFrame `json:"trace,omitempty"`
}

// BatchResultEnvelope wraps N per-call results, in request order.
type BatchResultEnvelope struct {
	Results []ResultEnvelope `json:"results"`
}

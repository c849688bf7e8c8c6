// Package executor is the lifecycle orchestrator: authenticate, gate,
// probe the cache, plan a target, dispatch local or remote, and converge
// every path on a single outcome tag, audit entry, and trace frame.
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chainbox/chainbox/pkg/breaker"
	"github.com/chainbox/chainbox/pkg/cache"
	"github.com/chainbox/chainbox/pkg/chainerr"
	"github.com/chainbox/chainbox/pkg/contracts"
	"github.com/chainbox/chainbox/pkg/execctx"
	"github.com/chainbox/chainbox/pkg/identity"
	"github.com/chainbox/chainbox/pkg/mesh"
	"github.com/chainbox/chainbox/pkg/planner"
	"github.com/chainbox/chainbox/pkg/policy"
	"github.com/chainbox/chainbox/pkg/ratelimit"
	"github.com/chainbox/chainbox/pkg/registry"
	"github.com/chainbox/chainbox/pkg/storage"
	"github.com/chainbox/chainbox/pkg/tenants"
)

// Telemetry is the subset of pkg/telemetry.Provider the Executor drives.
// Declared here, not imported from there, so pkg/telemetry stays a leaf
// package with no dependency on pkg/executor.
type Telemetry interface {
	StartSpan(ctx context.Context, fn string) (context.Context, func())
	IncExecutions()
	IncInvariantViolation()
	RecordDuration(fn string, d time.Duration)
	IncCacheHit()
}

// Audit is the subset of pkg/audit.Ring the Executor drives.
type Audit interface {
	Append(entry contracts.AuditEntry)
}

// Config tunes process-wide Executor defaults.
type Config struct {
	MaxDepth   uint
	TimeoutMs  uint
	Production bool // redact trace/frame metadata from the root return value
	IsMeshNode bool // skip planning; treat every call as forceLocal
}

// Options carries the per-call overrides Execute accepts.
type Options struct {
	Identity    *contracts.Identity
	BearerToken string
	ParentTrace *contracts.TraceFrame
	ParentFrame *contracts.ExecutionFrame
	TraceID     string
	ForceLocal  bool
	Retries     int
}

// Result is what Execute returns: the handler's value plus the outcome
// tag, trace id, and (in development mode) the assembled trace tree.
type Result struct {
	Value   any
	Outcome contracts.Outcome
	TraceID string
	Trace   *contracts.TraceFrame
}

// Executor wires every fabric component into the single lifecycle spec.md
// §4.11 describes.
type Executor struct {
	Registry      registry.Registry
	Authenticator *identity.Authenticator
	Policy        *policy.Engine
	Policies      map[string]*policy.Policy // per-capability policy.Condition, optional
	RateLimiter   *ratelimit.Limiter
	Tenants       *tenants.Manager
	Cache         *cache.Cache
	Planner       *planner.Planner
	Mesh          *mesh.Transport
	Breaker       *breaker.Breaker
	Telemetry     Telemetry
	Audit         Audit

	DB       any
	KV       storage.KV
	Blob     storage.Blob
	Adapters map[string]any
	Env      map[string]string

	Config Config
	clock  func() time.Time
}

// New builds an Executor. Pass the shared instances constructed by Fabric.
func New(
	reg registry.Registry,
	auth *identity.Authenticator,
	pol *policy.Engine,
	policies map[string]*policy.Policy,
	rl *ratelimit.Limiter,
	tm *tenants.Manager,
	c *cache.Cache,
	pl *planner.Planner,
	meshTransport *mesh.Transport,
	br *breaker.Breaker,
	tel Telemetry,
	aud Audit,
	db any,
	kv storage.KV,
	blob storage.Blob,
	adapters map[string]any,
	env map[string]string,
	cfg Config,
) *Executor {
	return &Executor{
		Registry: reg, Authenticator: auth, Policy: pol, Policies: policies,
		RateLimiter: rl, Tenants: tm, Cache: c, Planner: pl, Mesh: meshTransport,
		Breaker: br, Telemetry: tel, Audit: aud,
		DB: db, KV: kv, Blob: blob, Adapters: adapters, Env: env,
		Config: cfg, clock: time.Now,
	}
}

func (e *Executor) now() int64 { return e.clock().UnixMilli() }

// Execute runs one capability invocation end to end, retrying the whole
// pipeline up to opts.Retries+1 attempts for retryable failures.
func (e *Executor) Execute(ctx context.Context, fn string, input any, opts Options) (Result, error) {
	attempts := opts.Retries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastResult Result
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lastResult, lastErr = e.executeOnce(ctx, fn, input, opts)
		if lastErr == nil {
			return lastResult, nil
		}
		cerr := chainerr.As(lastErr, fn)
		if !chainerr.Retryable(cerr.Code) {
			return lastResult, cerr
		}
	}
	return lastResult, lastErr
}

func (e *Executor) executeOnce(ctx context.Context, fn string, input any, opts Options) (res Result, err error) {
	root := opts.ParentTrace == nil

	// 1. Authenticate (root only).
	identityVal := opts.Identity
	if root && identityVal == nil && opts.BearerToken != "" && e.Authenticator != nil {
		identityVal, err = e.Authenticator.Authenticate(opts.BearerToken)
		if err != nil {
			return res, err
		}
	}
	traceID := opts.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}

	// 2. Initialise.
	var frame contracts.ExecutionFrame
	if opts.ParentFrame != nil {
		frame = opts.ParentFrame.Child()
	} else {
		frame = contracts.ExecutionFrame{
			Depth: 0, MaxDepth: e.Config.MaxDepth, StartTime: e.now(), TimeoutMs: e.Config.TimeoutMs,
		}
		if root && e.Tenants != nil {
			tc := e.Tenants.ConfigFor(identityVal)
			if tc.MaxCallDepth > 0 {
				frame.MaxDepth = tc.MaxCallDepth
			}
			if tc.TimeoutMs > 0 {
				frame.TimeoutMs = tc.TimeoutMs
			}
		}
	}
	if e.Config.IsMeshNode {
		frame.StartTime = e.now()
	}

	trace := &contracts.TraceFrame{Fn: fn, Identity: identityVal, Children: []*contracts.TraceFrame{}}
	if opts.ParentTrace != nil {
		opts.ParentTrace.Children = append(opts.ParentTrace.Children, trace)
	}

	res.TraceID = traceID
	res.Trace = trace

	start := e.now()
	finish := func(outcome contracts.Outcome, value any, handlerErr error) (Result, error) {
		dur := e.now() - start
		trace.DurationMs = &dur
		trace.Outcome = outcome
		if handlerErr != nil {
			trace.Status = contracts.StatusError
		} else {
			trace.Status = contracts.StatusSuccess
		}
		if trace.Outcome == "" {
			trace.Outcome = contracts.OutcomeFailure
			if e.Telemetry != nil {
				e.Telemetry.IncInvariantViolation()
			}
		}
		if e.Telemetry != nil {
			e.Telemetry.RecordDuration(fn, time.Duration(dur)*time.Millisecond)
		}
		if root {
			success := handlerErr == nil
			if e.Audit != nil {
				e.Audit.Append(contracts.AuditEntry{
					Timestamp: e.now(), Fn: fn, Identity: identityVal,
					TenantID: identityVal.TenantID(), Status: trace.Status,
					DurationMs: dur, Outcome: trace.Outcome, TraceID: traceID, Trace: trace,
				})
			}
			if e.Tenants != nil {
				e.Tenants.RecordCall(identityVal, success)
			}
		}
		res.Value = value
		res.Outcome = trace.Outcome
		if root && e.Config.Production {
			res.Trace = nil
		}
		if handlerErr != nil {
			return res, chainerr.As(handlerErr, fn).WithTrace(traceID)
		}
		return res, nil
	}

	// 3. Start hooks.
	var endSpan func()
	if e.Telemetry != nil {
		ctx, endSpan = e.Telemetry.StartSpan(ctx, fn)
		defer func() {
			if endSpan != nil {
				endSpan()
			}
		}()
		e.Telemetry.IncExecutions()
	}
	if root {
		if e.RateLimiter != nil {
			if rlErr := e.RateLimiter.Enforce(identityVal, fn); rlErr != nil {
				return finish(chainerr.As(rlErr, fn).Outcome(), nil, rlErr)
			}
		}
		if e.Tenants != nil {
			if tErr := e.Tenants.Enforce(identityVal, fn); tErr != nil {
				return finish(chainerr.As(tErr, fn).Outcome(), nil, tErr)
			}
		}
	}

	// 4. Depth gate.
	if frame.Depth > frame.MaxDepth {
		depthErr := chainerr.New(chainerr.CodeMaxCallDepthExceeded, fn, "max call depth exceeded")
		return finish(depthErr.Outcome(), nil, depthErr)
	}

	// 5. Cache probe.
	cacheable := e.Cache != nil && (e.Cache.IsCacheable(fn) || strings.HasSuffix(fn, registry.CachedSuffix))
	if cacheable {
		if v, ok, getErr := e.Cache.Get(fn, input); getErr == nil && ok {
			trace.Cached = true
			if e.Telemetry != nil {
				e.Telemetry.IncCacheHit()
			}
			return finish(contracts.OutcomeSuccess, v, nil)
		}
	}

	// 6. Budget gate.
	if frame.TimeoutMs > 0 && frame.Elapsed(e.now()) >= int64(frame.TimeoutMs) {
		timeoutErr := chainerr.New(chainerr.CodeExecutionTimeout, fn, "execution budget exceeded")
		return finish(contracts.OutcomeTimeout, nil, timeoutErr)
	}

	// 7. Plan.
	target := contracts.TargetLocal
	var nodeID, nodeURL string
	if !opts.ForceLocal && !e.Config.IsMeshNode && e.Planner != nil {
		nodePool := ""
		if e.Tenants != nil {
			nodePool = e.Tenants.ConfigFor(identityVal).NodePool
		}
		target, nodeID, nodeURL = e.Planner.Plan(fn, nodePool)
	}
	trace.Target = target
	trace.NodeID = nodeID

	// 8. Remote path.
	if target == contracts.TargetRemote {
		payload := contracts.MeshPayload{
			Fn: fn, Input: input, Identity: identityVal, Frame: frame,
			Trace: childTraces(opts.ParentTrace), TraceID: traceID,
		}
		envelope, callErr := e.Mesh.Call(ctx, nodeID, nodeURL, payload)
		if callErr != nil {
			return finish(chainerr.As(callErr, fn).Outcome(), nil, callErr)
		}
		if envelope.Trace != nil {
			trace.Children = append(trace.Children, envelope.Trace)
		}
		return finish(contracts.OutcomeSuccess, envelope.Value, nil)
	}

	// 9. Local path.
	source, cacheSuffix, resolveErr := e.Registry.ResolveForIdentity(fn, identityVal)
	if resolveErr != nil {
		return finish(chainerr.As(resolveErr, fn).Outcome(), nil, resolveErr)
	}
	cacheable = cacheable || cacheSuffix

	if e.Policy != nil {
		var pol *policy.Policy
		if e.Policies != nil {
			pol = e.Policies[fn]
		}
		if polErr := e.Policy.Enforce(source.Permissions, pol, fn, identityVal, input); polErr != nil {
			return finish(chainerr.As(polErr, fn).Outcome(), nil, polErr)
		}
	}

	handlerCtx := e.buildContext(ctx, input, identityVal, traceID, frame, trace, fn)

	remaining := frame.Remaining(e.now())
	value, handlerErr := e.raceHandler(source.Handler, handlerCtx, input, remaining)
	if handlerErr != nil {
		return finish(chainerr.As(handlerErr, fn).Outcome(), nil, handlerErr)
	}

	if cacheable && e.Cache != nil {
		_ = e.Cache.Set(fn, input, value)
	}
	return finish(contracts.OutcomeSuccess, value, nil)
}

// raceHandler runs handler against a timeout derived from the remaining
// frame budget, denying ambient network access for the duration.
func (e *Executor) raceHandler(handler contracts.CapabilityHandler, ctx any, input any, remaining time.Duration) (any, error) {
	if handler == nil {
		return nil, chainerr.New(chainerr.CodeFunctionNotFound, "", "capability has no handler")
	}

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{nil, fmt.Errorf("handler panic: %v", r)}
			}
		}()
		var v any
		var err error
		execctx.RunDenied(func() {
			v, err = handler(ctx, input)
		})
		done <- outcome{v, err}
	}()

	if remaining <= 0 {
		remaining = time.Millisecond
	}
	select {
	case o := <-done:
		return o.value, o.err
	case <-time.After(remaining):
		return nil, chainerr.New(chainerr.CodeExecutionTimeout, "", "handler exceeded its time budget")
	}
}

func (e *Executor) buildContext(ctx context.Context, input any, id *contracts.Identity, traceID string, frame contracts.ExecutionFrame, trace *contracts.TraceFrame, fn string) *execctx.Context {
	call := func(childFn string, childInput any, opts execctx.CallOptions) (any, error) {
		res, err := e.Execute(ctx, childFn, childInput, Options{
			Identity: id, ParentTrace: trace, ParentFrame: &frame, TraceID: traceID,
			ForceLocal: opts.ForceLocal, Retries: opts.Retries,
		})
		return res.Value, err
	}
	parallel := func(calls []contracts.BatchCall) ([]any, []error) {
		values := make([]any, len(calls))
		errs := make([]error, len(calls))
		type indexed struct {
			i   int
			v   any
			err error
		}
		resultCh := make(chan indexed, len(calls))
		for i, c := range calls {
			go func(i int, c contracts.BatchCall) {
				res, err := e.Execute(ctx, c.Fn, c.Input, Options{
					Identity: id, ParentTrace: trace, ParentFrame: &frame, TraceID: traceID,
				})
				resultCh <- indexed{i, res.Value, err}
			}(i, c)
		}
		for range calls {
			r := <-resultCh
			values[r.i] = r.v
			errs[r.i] = r.err
		}
		return values, errs
	}

	return execctx.New(input, id, traceID, frame, trace, call, parallel, e.Adapters, e.DB, e.KV, e.Blob, fn, e.Env)
}

// childTraces flattens the ancestor chain carried across a mesh hop. Only
// the immediate parent is forwarded; the remote node appends its own root
// frame and the local side reattaches it on return.
func childTraces(parent *contracts.TraceFrame) []*contracts.TraceFrame {
	if parent == nil {
		return nil
	}
	return []*contracts.TraceFrame{parent}
}

// Package execctx implements the per-invocation capability surface handed
// to a CapabilityHandler: recursive call/parallel, adapters, identity and
// trace access, and namespaced db/kv/blob handles.
package execctx

import (
	"context"

	"github.com/chainbox/chainbox/pkg/chainerr"
	"github.com/chainbox/chainbox/pkg/contracts"
	"github.com/chainbox/chainbox/pkg/storage"
)

// CallFunc performs a recursive execute using the parent Context's identity
// and frame, returning the child's result. Supplied by the Executor so
// execctx never imports it back (it would cycle).
type CallFunc func(fn string, input any, opts CallOptions) (any, error)

// ParallelFunc performs the batch variant of CallFunc.
type ParallelFunc func(calls []contracts.BatchCall) ([]any, []error)

// AdapterFunc resolves a pre-registered external I/O client by name.
type AdapterFunc func(name string) (any, error)

// CallOptions carries the handful of per-call overrides a handler may
// supply to Context.Call.
type CallOptions struct {
	Retries    int
	ForceLocal bool
}

// NamespacedKV scopes a storage.KV to one capability's namespace so
// handlers can't collide on keys.
type NamespacedKV struct {
	kv        storage.KV
	namespace string
}

func (n NamespacedKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return n.kv.Get(ctx, n.namespace, key)
}
func (n NamespacedKV) Set(ctx context.Context, key string, value []byte) error {
	return n.kv.Set(ctx, n.namespace, key, value)
}
func (n NamespacedKV) Delete(ctx context.Context, key string) error {
	return n.kv.Delete(ctx, n.namespace, key)
}
func (n NamespacedKV) List(ctx context.Context, prefix string) ([]string, error) {
	return n.kv.List(ctx, n.namespace, prefix)
}

// NamespacedBlob scopes a storage.Blob to one capability's namespace, mirroring
// NamespacedKV.
type NamespacedBlob struct {
	blob      storage.Blob
	namespace string
}

func (n NamespacedBlob) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return n.blob.Get(ctx, n.namespace, key)
}
func (n NamespacedBlob) Set(ctx context.Context, key string, value []byte) error {
	return n.blob.Set(ctx, n.namespace, key, value)
}
func (n NamespacedBlob) Delete(ctx context.Context, key string) error {
	return n.blob.Delete(ctx, n.namespace, key)
}
func (n NamespacedBlob) List(ctx context.Context, prefix string) ([]string, error) {
	return n.blob.List(ctx, n.namespace, prefix)
}

// Context is the capability surface passed (as CapabilityHandler's `any`
// ctx argument) to every handler invocation.
type Context struct {
	input    any
	identity *contracts.Identity
	traceID  string
	frame    contracts.ExecutionFrame
	trace    *contracts.TraceFrame

	call     CallFunc
	parallel ParallelFunc
	adapters map[string]any

	db        any
	kv        storage.KV
	blob      storage.Blob
	namespace string
	env       map[string]string
}

// New builds the Context for one handler invocation.
func New(
	input any,
	identity *contracts.Identity,
	traceID string,
	frame contracts.ExecutionFrame,
	trace *contracts.TraceFrame,
	call CallFunc,
	parallel ParallelFunc,
	adapters map[string]any,
	db any,
	kv storage.KV,
	blob storage.Blob,
	namespace string,
	env map[string]string,
) *Context {
	return &Context{
		input: input, identity: identity, traceID: traceID, frame: frame, trace: trace,
		call: call, parallel: parallel, adapters: adapters,
		db: db, kv: kv, blob: blob, namespace: namespace, env: env,
	}
}

// Input returns the opaque payload passed to this invocation.
func (c *Context) Input() any { return c.input }

// Identity returns the caller identity, nil for anonymous calls.
func (c *Context) Identity() *contracts.Identity { return c.identity }

// TraceID returns the trace id shared by the whole invocation tree.
func (c *Context) TraceID() string { return c.traceID }

// Frame returns the current execution frame (depth/deadline budget).
func (c *Context) Frame() contracts.ExecutionFrame { return c.frame }

// GetTrace returns the current invocation's trace frame, for diagnostics.
func (c *Context) GetTrace() *contracts.TraceFrame { return c.trace }

// Env returns a read-only snapshot of configured environment variables.
func (c *Context) Env() map[string]string {
	out := make(map[string]string, len(c.env))
	for k, v := range c.env {
		out[k] = v
	}
	return out
}

// DB returns the identity-scoped database handle injected by the Executor.
func (c *Context) DB() any { return c.db }

// KV returns this capability's namespaced key/value store.
func (c *Context) KV() NamespacedKV { return NamespacedKV{kv: c.kv, namespace: c.namespace} }

// Blob returns this capability's namespaced binary object store. Calling
// any method on the result panics if no blob driver is configured; a
// capability that uses blob storage is only registered in deployments that
// configure one.
func (c *Context) Blob() NamespacedBlob { return NamespacedBlob{blob: c.blob, namespace: c.namespace} }

// Call performs a recursive execute with this Context's identity and frame
// as parent, pushing a child trace node.
func (c *Context) Call(fn string, input any, opts CallOptions) (any, error) {
	return c.call(fn, input, opts)
}

// Parallel performs recursive executes concurrently, preserving input
// order. Each element's error, if any, is returned alongside its result.
func (c *Context) Parallel(calls []contracts.BatchCall) ([]any, []error) {
	return c.parallel(calls)
}

// Adapter retrieves a pre-registered external I/O client by name.
func (c *Context) Adapter(name string) (any, error) {
	a, ok := c.adapters[name]
	if !ok {
		return nil, chainerr.New(chainerr.CodeAdapterNotFound, name, "adapter not registered")
	}
	return a, nil
}

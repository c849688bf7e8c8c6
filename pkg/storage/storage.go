// Package storage provides the two namespace-scoped adapters a capability
// Context exposes: a KV handle and a Blob handle. Both serialise values
// opaquely; callers own encoding.
package storage

import "context"

// KV is a namespaced key/value store. Namespaces isolate capabilities from
// each other's keys within the same backing database.
type KV interface {
	Get(ctx context.Context, namespace, key string) ([]byte, bool, error)
	Set(ctx context.Context, namespace, key string, value []byte) error
	Delete(ctx context.Context, namespace, key string) error
	List(ctx context.Context, namespace, prefix string) ([]string, error)
}

// Blob is a namespaced binary object store, symmetric with KV: each
// capability's namespace is its own key space. Implementations are free to
// deduplicate identical values under the hood (content addressing), but that
// is an implementation detail — callers only ever see namespace and key.
type Blob interface {
	Get(ctx context.Context, namespace, key string) ([]byte, bool, error)
	Set(ctx context.Context, namespace, key string, value []byte) error
	Delete(ctx context.Context, namespace, key string) error
	List(ctx context.Context, namespace, prefix string) ([]string, error)
}

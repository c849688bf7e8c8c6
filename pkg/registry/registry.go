// Package registry resolves dotted capability names (e.g. "User.Create") to
// a contracts.CapabilitySource: explicit registrations first, then a
// bytecode module from the BytecodeLoader. Native handlers come only from
// Register; there is no filesystem lookup of native source. Resolution is
// memoised process-wide.
package registry

import (
	"hash/crc32"
	"strings"
	"sync"

	"github.com/chainbox/chainbox/pkg/chainerr"
	"github.com/chainbox/chainbox/pkg/contracts"
)

// CachedSuffix is the configurable suffix that, when present on a resolved
// name, falls back to the bare name for lookup while enabling caching for
// the call.
const CachedSuffix = ".Cached"

// Registry resolves, registers and canary-routes capabilities.
type Registry interface {
	Resolve(name string) (*contracts.CapabilitySource, bool, error)
	ResolveForIdentity(name string, identity *contracts.Identity) (*contracts.CapabilitySource, bool, error)
	Register(name string, handler contracts.CapabilityHandler, perms contracts.CapabilityPermissions) error
	Unregister(name string) error
	SetRollout(name string, canary *contracts.CapabilitySource, percentage int) error
	SetRoot(dir string)
	List() []string
}

type capabilityState struct {
	stable       *contracts.CapabilitySource
	canary       *contracts.CapabilitySource
	canaryMillis int // 0-10000, precision 0.01%
}

// InMemoryRegistry is the process-wide, thread-safe capability table.
type InMemoryRegistry struct {
	mu           sync.RWMutex
	capabilities map[string]*capabilityState
	loader       BytecodeLoader
	root         string
}

// BytecodeLoader resolves a capability name to a bytecode module when no
// explicit registration or native handler exists. Implemented by
// pkg/registry/wasmsource.go over a wazero runtime.
type BytecodeLoader interface {
	Load(name, root string) (*contracts.CapabilitySource, bool, error)
}

// NewInMemoryRegistry builds an empty registry. loader may be nil, in which
// case bytecode resolution always misses.
func NewInMemoryRegistry(loader BytecodeLoader) *InMemoryRegistry {
	return &InMemoryRegistry{
		capabilities: make(map[string]*capabilityState),
		loader:       loader,
	}
}

// Register installs an explicit native handler for name, overriding any
// bytecode lookup.
func (r *InMemoryRegistry) Register(name string, handler contracts.CapabilityHandler, perms contracts.CapabilityPermissions) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" || handler == nil {
		return chainerr.New(chainerr.CodeInternalError, "registry.register", "name and handler are required")
	}
	r.capabilities[name] = &capabilityState{
		stable: &contracts.CapabilitySource{
			Name:        name,
			Kind:        contracts.CapabilityNative,
			Handler:     handler,
			Permissions: perms,
		},
	}
	return nil
}

// Unregister removes a capability, e.g. for revocation.
func (r *InMemoryRegistry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.capabilities[name]; !ok {
		return chainerr.New(chainerr.CodeFunctionNotFound, "registry.unregister", name)
	}
	delete(r.capabilities, name)
	return nil
}

// SetRollout configures a canary CapabilitySource for name, admitted to
// percentage% of callers by a stable hash of their identity.
func (r *InMemoryRegistry) SetRollout(name string, canary *contracts.CapabilitySource, percentage int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if percentage < 0 || percentage > 100 {
		return chainerr.New(chainerr.CodeInternalError, "registry.setRollout", "percentage must be 0-100")
	}
	state, ok := r.capabilities[name]
	if !ok {
		state = &capabilityState{}
		r.capabilities[name] = state
	}
	state.canary = canary
	state.canaryMillis = percentage * 100
	return nil
}

// SetRoot points bytecode resolution at a new filesystem root and clears
// the whole capability table, explicit registrations included.
func (r *InMemoryRegistry) SetRoot(dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.root = dir
	r.capabilities = make(map[string]*capabilityState)
}

// Resolve looks up name: explicit registration, then bytecode module. The
// bool return is true when the call should be treated as cacheable because
// name carried CachedSuffix (the bare name is what was actually resolved).
func (r *InMemoryRegistry) Resolve(name string) (*contracts.CapabilitySource, bool, error) {
	cacheable := strings.HasSuffix(name, CachedSuffix)
	lookupName := name
	if cacheable {
		lookupName = strings.TrimSuffix(name, CachedSuffix)
	}

	r.mu.RLock()
	state, ok := r.capabilities[lookupName]
	root := r.root
	r.mu.RUnlock()

	if ok {
		return r.selectVariant(state, lookupName), cacheable, nil
	}

	if r.loader != nil {
		src, found, err := r.loader.Load(lookupName, root)
		if err != nil {
			return nil, cacheable, chainerr.Newf(chainerr.CodeInternalError, lookupName, "bytecode load: %v", err)
		}
		if found {
			r.mu.Lock()
			r.capabilities[lookupName] = &capabilityState{stable: src}
			r.mu.Unlock()
			return src, cacheable, nil
		}
	}

	return nil, cacheable, chainerr.New(chainerr.CodeFunctionNotFound, lookupName, "capability not found")
}

// ResolveForIdentity is Resolve with canary selection applied by identity id.
func (r *InMemoryRegistry) ResolveForIdentity(name string, identity *contracts.Identity) (*contracts.CapabilitySource, bool, error) {
	cacheable := strings.HasSuffix(name, CachedSuffix)
	lookupName := name
	if cacheable {
		lookupName = strings.TrimSuffix(name, CachedSuffix)
	}

	r.mu.RLock()
	state, ok := r.capabilities[lookupName]
	r.mu.RUnlock()
	if !ok {
		src, cached, err := r.Resolve(name)
		return src, cached, err
	}

	userID := "anonymous"
	if identity != nil && identity.ID != "" {
		userID = identity.ID
	}
	return r.selectVariant(state, userID), cacheable, nil
}

func (r *InMemoryRegistry) selectVariant(state *capabilityState, userID string) *contracts.CapabilitySource {
	if state.canary != nil && state.canaryMillis > 0 {
		hash := crc32.ChecksumIEEE([]byte(strings.ToLower(userID)))
		slot := int(hash % 10000)
		if slot < state.canaryMillis {
			return state.canary
		}
	}
	return state.stable
}

// List returns every registered capability name.
func (r *InMemoryRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.capabilities))
	for name := range r.capabilities {
		names = append(names, name)
	}
	return names
}

package tenants

import (
	"sync"
	"time"

	"github.com/chainbox/chainbox/pkg/chainerr"
	"github.com/chainbox/chainbox/pkg/contracts"
)

// Config is a tenant's effective limits: a per-minute call quota, the
// maximum recursion depth and handler timeout it is allotted, an optional
// mesh node-pool prefix to restrict routing to, and a scheduling priority.
type Config struct {
	MaxCallsPerMinute int
	MaxCallDepth      uint
	TimeoutMs         uint
	NodePool          string
	Priority          int
}

type quotaWindow struct {
	count       int
	windowStart int64
}

// Manager extracts tenantId from identity claims and enforces each
// tenant's per-minute quota, fail-closed: any internal error denies.
type Manager struct {
	mu      sync.Mutex
	configs map[string]Config
	def     Config
	usage   map[string]*quotaWindow
	clock   func() int64
}

// NewManager builds a Manager with a default Config applied to tenants
// without an explicit override.
func NewManager(def Config) *Manager {
	return &Manager{
		configs: make(map[string]Config),
		def:     def,
		usage:   make(map[string]*quotaWindow),
		clock:   func() int64 { return time.Now().UnixMilli() },
	}
}

// SetConfig installs an explicit Config for tenantID.
func (m *Manager) SetConfig(tenantID string, cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[tenantID] = cfg
}

// ConfigFor resolves the effective Config for an identity's tenant.
func (m *Manager) ConfigFor(identity *contracts.Identity) Config {
	tenantID := identity.TenantID()
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg, ok := m.configs[tenantID]; ok {
		return cfg
	}
	return m.def
}

// Enforce raises TENANT_QUOTA_EXCEEDED when the tenant's per-minute window
// is exhausted.
func (m *Manager) Enforce(identity *contracts.Identity, fn string) error {
	tenantID := identity.TenantID()
	cfg := m.ConfigFor(identity)
	if cfg.MaxCallsPerMinute <= 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	win, ok := m.usage[tenantID]
	if !ok || now-win.windowStart > 60_000 {
		win = &quotaWindow{windowStart: now}
		m.usage[tenantID] = win
	}
	win.count++
	if win.count > cfg.MaxCallsPerMinute {
		return chainerr.Newf(chainerr.CodeTenantQuotaExceeded, fn, "tenant %s exceeded %d calls/minute", tenantID, cfg.MaxCallsPerMinute)
	}
	return nil
}

// RecordCall updates post-completion counters. success is currently only
// used for future accounting hooks; the quota window itself is updated at
// enforcement time so a rejected call still costs a slot (fail-closed).
func (m *Manager) RecordCall(identity *contracts.Identity, success bool) {
	_ = identity
	_ = success
}

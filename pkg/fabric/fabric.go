// Package fabric constructs one process-wide Fabric: every capability
// execution component, wired together from a config.Config, in place of the
// teacher's package-level singletons. Tests and alternate entrypoints build
// their own Fabric instead of sharing global state.
package fabric

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/chainbox/chainbox/pkg/audit"
	"github.com/chainbox/chainbox/pkg/breaker"
	"github.com/chainbox/chainbox/pkg/cache"
	"github.com/chainbox/chainbox/pkg/config"
	"github.com/chainbox/chainbox/pkg/executor"
	"github.com/chainbox/chainbox/pkg/identity"
	"github.com/chainbox/chainbox/pkg/mesh"
	"github.com/chainbox/chainbox/pkg/planner"
	"github.com/chainbox/chainbox/pkg/policy"
	"github.com/chainbox/chainbox/pkg/ratelimit"
	"github.com/chainbox/chainbox/pkg/registry"
	"github.com/chainbox/chainbox/pkg/signer"
	"github.com/chainbox/chainbox/pkg/storage"
	"github.com/chainbox/chainbox/pkg/telemetry"
	"github.com/chainbox/chainbox/pkg/tenants"
)

// Fabric is every component a running node needs, constructed once at
// startup and handed to an Executor (and, on a mesh node, a meshnode.Server).
type Fabric struct {
	Config *config.Config

	Registry      registry.Registry
	Authenticator *identity.Authenticator
	Policy        *policy.Engine
	Policies      map[string]*policy.Policy
	RateLimiter   *ratelimit.Limiter
	Tenants       *tenants.Manager
	Cache         *cache.Cache
	Planner       *planner.Planner
	Breaker       *breaker.Breaker
	Mesh          *mesh.Transport
	Signer        *signer.Signer
	Telemetry     *telemetry.Provider
	Audit         *audit.Ring
	AuditExporter *audit.Exporter
	KV            storage.KV
	Blob          storage.Blob

	Executor *executor.Executor

	auditTail *os.File
}

// Options lets a caller override pieces the config surface doesn't cover
// directly: an externally-loaded registry, per-function policies, or a
// BytecodeLoader-backed registry. All fields are optional.
type Options struct {
	Registry registry.Registry
	Policies map[string]*policy.Policy
	DB       any
	Adapters map[string]any
	Env      map[string]string

	// IsMeshNode marks the Executor as running inside a mesh node process:
	// every call is forced local, since a node never re-plans a dispatch it
	// already received over the wire.
	IsMeshNode bool
}

// New wires a Fabric from cfg. It opens the configured storage backends and
// the telemetry provider, so it can fail: callers must Close a returned
// Fabric, and propagate construction errors rather than running half-wired.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Fabric, error) {
	f := &Fabric{Config: cfg}

	if opts.Registry != nil {
		f.Registry = opts.Registry
	} else {
		f.Registry = registry.NewInMemoryRegistry(nil)
	}
	f.Policies = opts.Policies
	if f.Policies == nil {
		f.Policies = make(map[string]*policy.Policy)
	}

	if cfg.AuthSecret != "" {
		f.Authenticator = identity.NewAuthenticator([]byte(cfg.AuthSecret), cfg.AuthAllowedAlgs...)
		if cfg.AuthMeshKeySet {
			ks, err := identity.NewInMemoryKeySet()
			if err != nil {
				return nil, fmt.Errorf("fabric: build identity keyset: %w", err)
			}
			f.Authenticator = f.Authenticator.WithKeySet(ks)
		}
	}

	pol, err := policy.NewEngine()
	if err != nil {
		return nil, fmt.Errorf("fabric: build policy engine: %w", err)
	}
	f.Policy = pol

	f.RateLimiter = ratelimit.New(cfg.RateLimitDefault, ratelimit.NewInMemoryStore())
	for fn, rule := range cfg.RateLimitOverrides {
		f.RateLimiter.Overrides[fn] = rule
	}

	f.Tenants = tenants.NewManager(cfg.TenantDefault)
	for _, t := range cfg.TenantConfigs {
		f.Tenants.SetConfig(t.TenantID, tenants.Config{
			MaxCallsPerMinute: t.MaxCallsPerMinute,
			MaxCallDepth:      t.MaxCallDepth,
			TimeoutMs:         t.TimeoutMs,
			NodePool:          t.NodePool,
			Priority:          t.Priority,
		})
	}

	f.Cache = cache.New(cfg.Cache.TTL, cfg.CacheMaxSize)

	f.Planner = planner.New()
	for _, n := range cfg.MeshNodes {
		f.Planner.AddNode(n.ID, n.URL)
	}
	for _, rt := range cfg.MeshRoutes {
		if err := f.Planner.AddRoute(rt.Pattern, rt.NodeIDs); err != nil {
			return nil, fmt.Errorf("fabric: add mesh route %q: %w", rt.Pattern, err)
		}
	}

	f.Breaker = breaker.New(cfg.Circuit)
	f.Signer = signer.New([]byte(cfg.MeshSecret)).WithTTL(cfg.MeshSignatureTTL)
	f.Mesh = mesh.New(f.Breaker, f.Planner, f.Signer)

	kv, err := openKV(cfg)
	if err != nil {
		return nil, fmt.Errorf("fabric: open storage: %w", err)
	}
	f.KV = kv

	blob, err := openBlob(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("fabric: open blob store: %w", err)
	}
	f.Blob = blob

	telCfg := telemetry.DefaultConfig()
	telCfg.ServiceName = cfg.TelemetryServiceName
	telCfg.Enabled = cfg.TelemetryEnabled
	tel, err := telemetry.New(ctx, telCfg)
	if err != nil {
		return nil, fmt.Errorf("fabric: start telemetry: %w", err)
	}
	f.Telemetry = tel

	var auditLevel audit.Level = audit.LevelNone
	if cfg.AuditEnabled {
		auditLevel = cfg.AuditLevel
	}
	var tailWriter io.Writer
	if cfg.AuditTailPath != "" {
		tail, err := os.OpenFile(cfg.AuditTailPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("fabric: open audit tail: %w", err)
		}
		f.auditTail = tail
		tailWriter = tail
	}
	f.Audit = audit.NewRing(1000, auditLevel, tailWriter)
	f.AuditExporter = audit.NewExporter(f.Audit)

	f.Executor = executor.New(
		f.Registry, f.Authenticator, f.Policy, f.Policies, f.RateLimiter, f.Tenants,
		f.Cache, f.Planner, f.Mesh, f.Breaker, f.Telemetry, f.Audit,
		opts.DB, f.KV, f.Blob, opts.Adapters, opts.Env,
		executor.Config{
			MaxDepth:   cfg.MaxCallDepth,
			TimeoutMs:  cfg.ExecutionTimeout,
			Production: cfg.Production,
			IsMeshNode: opts.IsMeshNode,
		},
	)

	return f, nil
}

func openKV(cfg *config.Config) (storage.KV, error) {
	switch cfg.StorageDriver {
	case "", "sqlite":
		dsn := cfg.StorageDSN
		if dsn == "" {
			dsn = "chainbox.db"
		}
		return storage.NewSQLiteKV(dsn)
	case "postgres":
		return storage.NewPostgresKV(cfg.StorageDSN)
	default:
		return nil, fmt.Errorf("fabric: unknown storage driver %q", cfg.StorageDriver)
	}
}

func openBlob(ctx context.Context, cfg *config.Config) (storage.Blob, error) {
	switch cfg.BlobDriver {
	case "":
		return nil, nil
	case "s3":
		return storage.NewS3Blob(ctx, storage.S3BlobConfig{
			Bucket: cfg.BlobBucket, Region: cfg.BlobRegion,
			Endpoint: cfg.BlobEndpoint, Prefix: cfg.BlobPrefix,
		})
	case "gcs":
		return storage.NewGCSBlob(ctx, storage.GCSBlobConfig{Bucket: cfg.BlobBucket, Prefix: cfg.BlobPrefix})
	default:
		return nil, fmt.Errorf("fabric: unknown blob driver %q", cfg.BlobDriver)
	}
}

// Close releases the telemetry provider's exporters and the audit tail
// file, if one is open. Storage handles have no explicit close path exposed
// through the KV/Blob interfaces and are left to process exit.
func (f *Fabric) Close(ctx context.Context) error {
	if f.auditTail != nil {
		if err := f.auditTail.Close(); err != nil {
			return fmt.Errorf("fabric: close audit tail: %w", err)
		}
	}
	if f.Telemetry != nil {
		return f.Telemetry.Shutdown(ctx)
	}
	return nil
}

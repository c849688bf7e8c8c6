// Package config loads the fabric's environment-variable configuration
// surface into a typed Config, with an optional YAML file layer for local
// development overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chainbox/chainbox/pkg/audit"
	"github.com/chainbox/chainbox/pkg/breaker"
	"github.com/chainbox/chainbox/pkg/cache"
	"github.com/chainbox/chainbox/pkg/ratelimit"
	"github.com/chainbox/chainbox/pkg/tenants"
)

// MeshNodeConfig is one `id=url` entry from mesh.nodes.
type MeshNodeConfig struct {
	ID  string
	URL string
}

// MeshRouteConfig is one `glob:id|id,...` entry from mesh.routes.
type MeshRouteConfig struct {
	Pattern string
	NodeIDs []string
}

// TenantEntry is one element of the tenant.configs JSON array.
type TenantEntry struct {
	TenantID          string `json:"tenantId" yaml:"tenantId"`
	MaxCallsPerMinute int    `json:"maxCallsPerMinute" yaml:"maxCallsPerMinute"`
	MaxCallDepth      uint   `json:"maxCallDepth" yaml:"maxCallDepth"`
	TimeoutMs         uint   `json:"timeoutMs" yaml:"timeoutMs"`
	NodePool          string `json:"nodePool" yaml:"nodePool"`
	Priority          int    `json:"priority" yaml:"priority"`
}

// Config is the fabric's full configuration surface (spec.md §6).
type Config struct {
	ListenAddr string
	LogLevel   string

	MeshSecret       string
	MeshSignatureTTL time.Duration
	MeshNodes        []MeshNodeConfig
	MeshRoutes       []MeshRouteConfig
	MeshConnections  int

	Circuit breaker.Thresholds

	RateLimitDefault   ratelimit.Rule
	RateLimitOverrides map[string]ratelimit.Rule

	Cache cache.Config

	CacheMaxSize int

	TenantDefault tenants.Config
	TenantConfigs []TenantEntry

	AuditEnabled bool
	AuditLevel   audit.Level
	// AuditTailPath, if set, durably mirrors every audit ring entry to this
	// newline-delimited-JSON file, which `chainbox export` reads back to
	// build an evidence pack from a process other than the running server.
	AuditTailPath string

	TelemetryEnabled     bool
	TelemetryServiceName string

	MaxBodySize int64

	MaxCallDepth      uint
	ExecutionTimeout  uint
	Production        bool

	StorageDriver string // "sqlite" or "postgres"
	StorageDSN    string

	AuthSecret      string
	AuthAllowedAlgs []string
	// AuthMeshKeySet enables EdDSA-signed identity tokens (with rotating
	// keys) for identities forwarded between mesh nodes, alongside the HMAC
	// bearer tokens AuthSecret configures.
	AuthMeshKeySet bool

	BlobDriver   string // "s3", "gcs", or "" to disable
	BlobBucket   string
	BlobRegion   string
	BlobEndpoint string
	BlobPrefix   string
}

// Default returns the fabric's baked-in defaults, before env/file overrides.
func Default() *Config {
	return &Config{
		ListenAddr:           ":8090",
		LogLevel:             "info",
		MeshSignatureTTL:     60 * time.Second,
		MeshConnections:      100,
		Circuit:              breaker.DefaultThresholds,
		RateLimitDefault:     ratelimit.Rule{Max: 600, WindowMs: 60_000},
		RateLimitOverrides:   map[string]ratelimit.Rule{},
		Cache:                cache.Config{TTL: 60 * time.Second},
		CacheMaxSize:         10_000,
		TenantDefault:        tenants.Config{MaxCallsPerMinute: 600, MaxCallDepth: 25, TimeoutMs: 30_000},
		AuditEnabled:         true,
		AuditLevel:           audit.LevelAll,
		TelemetryEnabled:     false,
		TelemetryServiceName: "chainbox",
		MaxBodySize:          4 << 20,
		MaxCallDepth:         25,
		ExecutionTimeout:     30_000,
		StorageDriver:        "sqlite",
		StorageDSN:           "chainbox.db",
	}
}

// Load builds a Config from baked-in defaults, an optional YAML file (path
// from CHAINBOX_CONFIG_FILE), and environment variables, in that order of
// increasing precedence.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CHAINBOX_CONFIG_FILE"); path != "" {
		if err := mergeYAMLFile(cfg, path); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	if err := mergeEnv(cfg); err != nil {
		return nil, fmt.Errorf("config: apply environment: %w", err)
	}
	return cfg, nil
}

func mergeYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var overlay struct {
		ListenAddr    string        `yaml:"listenAddr"`
		LogLevel      string        `yaml:"logLevel"`
		TenantConfigs []TenantEntry `yaml:"tenantConfigs"`
	}
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return err
	}
	if overlay.ListenAddr != "" {
		cfg.ListenAddr = overlay.ListenAddr
	}
	if overlay.LogLevel != "" {
		cfg.LogLevel = overlay.LogLevel
	}
	if len(overlay.TenantConfigs) > 0 {
		cfg.TenantConfigs = overlay.TenantConfigs
	}
	return nil
}

func mergeEnv(cfg *Config) error {
	if v := os.Getenv("CHAINBOX_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CHAINBOX_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	cfg.MeshSecret = os.Getenv("MESH_SECRET")
	if v := os.Getenv("MESH_SIGNATURE_TTL_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("mesh.signature_ttl_ms: %w", err)
		}
		cfg.MeshSignatureTTL = time.Duration(ms) * time.Millisecond
	}
	if v := os.Getenv("MESH_NODES"); v != "" {
		nodes, err := parseMeshNodes(v)
		if err != nil {
			return err
		}
		cfg.MeshNodes = nodes
	}
	if v := os.Getenv("MESH_ROUTES"); v != "" {
		routes, err := parseMeshRoutes(v)
		if err != nil {
			return err
		}
		cfg.MeshRoutes = routes
	}
	if v := os.Getenv("MESH_CONNECTIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("mesh.connections: %w", err)
		}
		cfg.MeshConnections = n
	}

	if v := os.Getenv("CIRCUIT_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("circuit.threshold: %w", err)
		}
		cfg.Circuit.FailureThreshold = n
	}
	if v := os.Getenv("CIRCUIT_TIMEOUT_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("circuit.timeout_ms: %w", err)
		}
		cfg.Circuit.OpenTimeout = time.Duration(ms) * time.Millisecond
	}
	if v := os.Getenv("CIRCUIT_SUCCESS_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("circuit.success_threshold: %w", err)
		}
		cfg.Circuit.SuccessThreshold = n
	}

	if v := os.Getenv("RATE_LIMIT_DEFAULT"); v != "" {
		rule, err := ratelimit.ParseRule(v)
		if err != nil {
			return fmt.Errorf("rate_limit.default: %w", err)
		}
		cfg.RateLimitDefault = rule
	}
	for _, kv := range os.Environ() {
		const prefix = "RATE_LIMIT_"
		if !strings.HasPrefix(kv, prefix) {
			continue
		}
		k, v, _ := strings.Cut(kv, "=")
		name := strings.TrimPrefix(k, prefix)
		if name == "DEFAULT" || v == "" {
			continue
		}
		rule, err := ratelimit.ParseRule(v)
		if err != nil {
			return fmt.Errorf("rate_limit.%s: %w", name, err)
		}
		cfg.RateLimitOverrides[name] = rule
	}

	if v := os.Getenv("CACHE_DEFAULT_TTL_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("cache.default_ttl_ms: %w", err)
		}
		cfg.Cache.TTL = time.Duration(ms) * time.Millisecond
	}
	if v := os.Getenv("CACHE_MAX_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("cache.max_size: %w", err)
		}
		cfg.CacheMaxSize = n
	}

	if v := os.Getenv("TENANT_CONFIGS"); v != "" {
		var entries []TenantEntry
		if err := json.Unmarshal([]byte(v), &entries); err != nil {
			return fmt.Errorf("tenant.configs: %w", err)
		}
		cfg.TenantConfigs = entries
	}

	if v := os.Getenv("AUDIT_ENABLED"); v != "" {
		cfg.AuditEnabled = v == "true"
	}
	if v := os.Getenv("AUDIT_LEVEL"); v != "" {
		cfg.AuditLevel = audit.Level(v)
	}
	if v := os.Getenv("AUDIT_TAIL_PATH"); v != "" {
		cfg.AuditTailPath = v
	}

	if v := os.Getenv("TELEMETRY_ENABLED"); v != "" {
		cfg.TelemetryEnabled = v == "true"
	}
	if v := os.Getenv("TELEMETRY_SERVICE_NAME"); v != "" {
		cfg.TelemetryServiceName = v
	}

	if v := os.Getenv("MAX_BODY_SIZE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("max_body_size: %w", err)
		}
		cfg.MaxBodySize = n
	}

	if v := os.Getenv("MAX_CALL_DEPTH"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("max_call_depth: %w", err)
		}
		cfg.MaxCallDepth = uint(n)
	}
	if v := os.Getenv("EXECUTION_TIMEOUT_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("execution_timeout_ms: %w", err)
		}
		cfg.ExecutionTimeout = uint(n)
	}
	cfg.Production = os.Getenv("PRODUCTION") == "true"

	if v := os.Getenv("STORAGE_DRIVER"); v != "" {
		cfg.StorageDriver = v
	}
	if v := os.Getenv("STORAGE_DSN"); v != "" {
		cfg.StorageDSN = v
	}

	if v := os.Getenv("AUTH_SECRET"); v != "" {
		cfg.AuthSecret = v
	}
	if v := os.Getenv("AUTH_ALLOWED_ALGS"); v != "" {
		cfg.AuthAllowedAlgs = strings.Split(v, ",")
	}
	cfg.AuthMeshKeySet = os.Getenv("AUTH_MESH_KEYSET") == "true"

	if v := os.Getenv("BLOB_DRIVER"); v != "" {
		cfg.BlobDriver = v
	}
	if v := os.Getenv("BLOB_BUCKET"); v != "" {
		cfg.BlobBucket = v
	}
	if v := os.Getenv("BLOB_REGION"); v != "" {
		cfg.BlobRegion = v
	}
	if v := os.Getenv("BLOB_ENDPOINT"); v != "" {
		cfg.BlobEndpoint = v
	}
	if v := os.Getenv("BLOB_PREFIX"); v != "" {
		cfg.BlobPrefix = v
	}
	return nil
}

// parseMeshNodes parses "id=url,id2=url2".
func parseMeshNodes(s string) ([]MeshNodeConfig, error) {
	var out []MeshNodeConfig
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, url, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("mesh.nodes: malformed entry %q", part)
		}
		out = append(out, MeshNodeConfig{ID: id, URL: url})
	}
	return out, nil
}

// parseMeshRoutes parses "glob:id|id2,glob2:id3".
func parseMeshRoutes(s string) ([]MeshRouteConfig, error) {
	var out []MeshRouteConfig
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		pattern, ids, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("mesh.routes: malformed entry %q", part)
		}
		out = append(out, MeshRouteConfig{Pattern: pattern, NodeIDs: strings.Split(ids, "|")})
	}
	return out, nil
}

package registry

import (
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/chainbox/chainbox/pkg/chainerr"
	"github.com/chainbox/chainbox/pkg/contracts"
)

// VersionedRegistry supplements the bare InMemoryRegistry with
// semver-constrained resolution, so a caller may request
// "Billing.Charge@^1.2" and get the highest registered version satisfying
// the constraint.
type VersionedRegistry struct {
	mu       sync.RWMutex
	versions map[string]map[string]*contracts.CapabilitySource // base name -> version -> source
}

// NewVersionedRegistry builds an empty versioned capability table.
func NewVersionedRegistry() *VersionedRegistry {
	return &VersionedRegistry{versions: make(map[string]map[string]*contracts.CapabilitySource)}
}

// RegisterVersion installs a capability under a specific semver version.
func (v *VersionedRegistry) RegisterVersion(baseName, version string, handler contracts.CapabilityHandler, perms contracts.CapabilityPermissions) error {
	if _, err := semver.NewVersion(version); err != nil {
		return chainerr.Newf(chainerr.CodeInternalError, baseName, "invalid semver %q: %v", version, err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.versions[baseName] == nil {
		v.versions[baseName] = make(map[string]*contracts.CapabilitySource)
	}
	v.versions[baseName][version] = &contracts.CapabilitySource{
		Name:        baseName,
		Kind:        contracts.CapabilityNative,
		Handler:     handler,
		Permissions: perms,
	}
	return nil
}

// ResolveConstrained parses a "Name@constraint" capability name (e.g.
// "Billing.Charge@^1.2") and returns the highest registered version
// satisfying the constraint. Names without "@" are not handled here.
func (v *VersionedRegistry) ResolveConstrained(name string) (*contracts.CapabilitySource, error) {
	base, constraintStr, ok := strings.Cut(name, "@")
	if !ok {
		return nil, chainerr.New(chainerr.CodeFunctionNotFound, name, "not a versioned capability reference")
	}

	constraint, err := semver.NewConstraint(constraintStr)
	if err != nil {
		return nil, chainerr.Newf(chainerr.CodeInternalError, name, "invalid constraint %q: %v", constraintStr, err)
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	versions, ok := v.versions[base]
	if !ok {
		return nil, chainerr.New(chainerr.CodeFunctionNotFound, name, "no versions registered for "+base)
	}

	var best *semver.Version
	var bestSrc *contracts.CapabilitySource
	for verStr, src := range versions {
		parsed, err := semver.NewVersion(verStr)
		if err != nil || !constraint.Check(parsed) {
			continue
		}
		if best == nil || parsed.GreaterThan(best) {
			best = parsed
			bestSrc = src
		}
	}
	if bestSrc == nil {
		return nil, chainerr.Newf(chainerr.CodeFunctionNotFound, name, "no version of %s satisfies %s", base, constraintStr)
	}
	return bestSrc, nil
}

// Versions returns every registered version string for base, sorted
// ascending.
func (v *VersionedRegistry) Versions(base string) []string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make([]string, 0, len(v.versions[base]))
	for verStr := range v.versions[base] {
		out = append(out, verStr)
	}
	sort.Slice(out, func(i, j int) bool {
		vi, _ := semver.NewVersion(out[i])
		vj, _ := semver.NewVersion(out[j])
		if vi == nil || vj == nil {
			return out[i] < out[j]
		}
		return vi.LessThan(vj)
	})
	return out
}

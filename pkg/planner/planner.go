// Package planner resolves a capability name to a local-or-remote execution
// target: a node pool restriction from the tenant, then ordered
// pattern→node routes, then local.
package planner

import (
	"math/rand"
	"sync"

	"github.com/gobwas/glob"

	"github.com/chainbox/chainbox/pkg/contracts"
)

// route is a compiled pattern→node-set entry. Patterns are dotted globs
// where '*' matches across segment boundaries (i.e. '*' behaves like the
// regex '.*', not a single-segment wildcard).
type route struct {
	pattern string
	nodeIDs []string
	g       glob.Glob
}

// Planner tracks the mesh's node table and capability routing table, and
// decides where one invocation should run.
type Planner struct {
	mu     sync.Mutex
	nodes  map[string]*contracts.MeshNode
	routes []route
	rnd    *rand.Rand
}

// New builds an empty Planner. Every node defaults to healthy on
// registration.
func New() *Planner {
	return &Planner{
		nodes: make(map[string]*contracts.MeshNode),
		rnd:   rand.New(rand.NewSource(1)),
	}
}

// AddNode registers a mesh peer, healthy by default.
func (p *Planner) AddNode(id, url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nodes[id] = &contracts.MeshNode{ID: id, URL: url, Healthy: true}
}

// Node returns the node registered under id, if any.
func (p *Planner) Node(id string) (contracts.MeshNode, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.nodes[id]
	if !ok {
		return contracts.MeshNode{}, false
	}
	return *n, true
}

// AddRoute appends an ordered pattern→node-set entry. Routes are tried in
// the order they were added; the first pattern match wins.
func (p *Planner) AddRoute(pattern string, nodeIDs []string) error {
	g, err := glob.Compile(pattern)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.routes = append(p.routes, route{pattern: pattern, nodeIDs: nodeIDs, g: g})
	return nil
}

// MarkHealthy flips a node back into rotation. Called by the Mesh transport
// after a successful call.
func (p *Planner) MarkHealthy(nodeID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n, ok := p.nodes[nodeID]; ok {
		n.Healthy = true
	}
}

// MarkUnhealthy excludes a node from selection until the CircuitBreaker
// re-admits it and the Mesh transport marks it healthy again.
func (p *Planner) MarkUnhealthy(nodeID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n, ok := p.nodes[nodeID]; ok {
		n.Healthy = false
	}
}

// Plan decides where fnName should run. nodePool is the tenant's node-pool
// prefix restriction, if any (resolved by the caller from TenantManager;
// Planner itself carries no tenant dependency). Returns TargetLocal when no
// pool restriction or route applies.
func (p *Planner) Plan(fnName string, nodePool string) (target contracts.Target, nodeID string, nodeURL string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if nodePool != "" {
		if id, url, ok := p.randomHealthy(p.nodeIDsWithPrefix(nodePool)); ok {
			return contracts.TargetRemote, id, url
		}
		return contracts.TargetLocal, "", ""
	}

	for _, r := range p.routes {
		if !r.g.Match(fnName) {
			continue
		}
		if id, url, ok := p.randomHealthy(r.nodeIDs); ok {
			return contracts.TargetRemote, id, url
		}
		return contracts.TargetLocal, "", ""
	}

	return contracts.TargetLocal, "", ""
}

// nodeIDsWithPrefix returns every registered node id with the given prefix.
// Called with mu held.
func (p *Planner) nodeIDsWithPrefix(prefix string) []string {
	var ids []string
	for id := range p.nodes {
		if len(id) >= len(prefix) && id[:len(prefix)] == prefix {
			ids = append(ids, id)
		}
	}
	return ids
}

// randomHealthy filters candidateIDs to healthy registered nodes and
// returns one at random. Called with mu held.
func (p *Planner) randomHealthy(candidateIDs []string) (id string, url string, ok bool) {
	var healthy []*contracts.MeshNode
	for _, cid := range candidateIDs {
		if n, exists := p.nodes[cid]; exists && n.Healthy {
			healthy = append(healthy, n)
		}
	}
	if len(healthy) == 0 {
		return "", "", false
	}
	pick := healthy[p.rnd.Intn(len(healthy))]
	return pick.ID, pick.URL, true
}

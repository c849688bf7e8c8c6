package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainbox/chainbox/pkg/contracts"
)

func TestPlanFallsBackToLocalWithNoRoutes(t *testing.T) {
	p := New()
	target, nodeID, _ := p.Plan("Math.Add", "")
	assert.Equal(t, contracts.TargetLocal, target)
	assert.Empty(t, nodeID)
}

func TestPlanMatchesRouteAndSelectsHealthyNode(t *testing.T) {
	p := New()
	p.AddNode("compute", "http://h:4000")
	require.NoError(t, p.AddRoute("Heavy.*", []string{"compute"}))

	target, nodeID, nodeURL := p.Plan("Heavy.Crunch", "")
	assert.Equal(t, contracts.TargetRemote, target)
	assert.Equal(t, "compute", nodeID)
	assert.Equal(t, "http://h:4000", nodeURL)
}

func TestPlanFallsBackToLocalWhenRouteNodesUnhealthy(t *testing.T) {
	p := New()
	p.AddNode("compute", "http://h:4000")
	p.MarkUnhealthy("compute")
	require.NoError(t, p.AddRoute("Heavy.*", []string{"compute"}))

	target, _, _ := p.Plan("Heavy.Crunch", "")
	assert.Equal(t, contracts.TargetLocal, target)
}

func TestPlanUnmatchedNameFallsThroughToLocal(t *testing.T) {
	p := New()
	p.AddNode("compute", "http://h:4000")
	require.NoError(t, p.AddRoute("Heavy.*", []string{"compute"}))

	target, _, _ := p.Plan("Math.Add", "")
	assert.Equal(t, contracts.TargetLocal, target)
}

func TestPlanHonoursNodePoolPrefixOverRoutes(t *testing.T) {
	p := New()
	p.AddNode("eu-1", "http://eu1:4000")
	p.AddNode("eu-2", "http://eu2:4000")
	p.AddNode("us-1", "http://us1:4000")
	require.NoError(t, p.AddRoute("*", []string{"us-1"}))

	target, nodeID, _ := p.Plan("Any.Fn", "eu-")
	assert.Equal(t, contracts.TargetRemote, target)
	assert.Contains(t, []string{"eu-1", "eu-2"}, nodeID)
}

func TestMarkHealthyRestoresNode(t *testing.T) {
	p := New()
	p.AddNode("compute", "http://h:4000")
	require.NoError(t, p.AddRoute("Heavy.*", []string{"compute"}))
	p.MarkUnhealthy("compute")

	target, _, _ := p.Plan("Heavy.Crunch", "")
	assert.Equal(t, contracts.TargetLocal, target)

	p.MarkHealthy("compute")
	target, nodeID, _ := p.Plan("Heavy.Crunch", "")
	assert.Equal(t, contracts.TargetRemote, target)
	assert.Equal(t, "compute", nodeID)
}

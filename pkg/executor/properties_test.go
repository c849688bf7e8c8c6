//go:build property
// +build property

package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/chainbox/chainbox/pkg/cache"
	"github.com/chainbox/chainbox/pkg/contracts"
	"github.com/chainbox/chainbox/pkg/execctx"
	"github.com/chainbox/chainbox/pkg/registry"
)

var closedOutcomes = map[contracts.Outcome]bool{
	contracts.OutcomeSuccess:     true,
	contracts.OutcomeFailure:     true,
	contracts.OutcomeTimeout:     true,
	contracts.OutcomeCircuitOpen: true,
	contracts.OutcomeForbidden:   true,
	contracts.OutcomeAborted:     true,
	contracts.OutcomeNotFound:    true,
}

// TestOutcomeAlwaysInClosedSet: for all completed invocations, whether the
// handler succeeds or fails, outcome must land in the closed set spec.md
// §8 enumerates. Never SUCCESS when the handler errored, never empty.
func TestOutcomeAlwaysInClosedSet(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("outcome is always a member of the closed set", prop.ForAll(
		func(fails bool) bool {
			reg := registry.NewInMemoryRegistry(nil)
			c := cache.New(time.Minute, 100)
			e := New(reg, nil, nil, nil, nil, nil, c, nil, nil, nil, &noopTelemetry{}, &recordingAudit{},
				nil, nil, nil, nil, nil, Config{MaxDepth: 5, TimeoutMs: 1000})

			_ = reg.Register("Prop.Flaky", func(ctx any, input any) (any, error) {
				if fails {
					return nil, errors.New("boom")
				}
				return 1, nil
			}, contracts.CapabilityPermissions{})

			res, err := e.Execute(context.Background(), "Prop.Flaky", nil, Options{})
			if fails {
				return err != nil && closedOutcomes[res.Outcome] && res.Outcome != contracts.OutcomeSuccess
			}
			return err == nil && res.Outcome == contracts.OutcomeSuccess
		},
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// TestParallelPreservesIndex: for parallel([c0,...,cn]), result[i]
// corresponds to c[i] regardless of completion order.
func TestParallelPreservesIndex(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("parallel results preserve call order by index", prop.ForAll(
		func(values []int) bool {
			if len(values) == 0 {
				return true
			}
			reg := registry.NewInMemoryRegistry(nil)
			c := cache.New(time.Minute, 100)
			e := New(reg, nil, nil, nil, nil, nil, c, nil, nil, nil, &noopTelemetry{}, &recordingAudit{},
				nil, nil, nil, nil, nil, Config{MaxDepth: 5, TimeoutMs: 1000})

			calls := make([]contracts.BatchCall, len(values))
			for i, v := range values {
				calls[i] = contracts.BatchCall{Fn: "Prop.Echo", Input: v}
			}
			_ = reg.Register("Prop.Echo", func(ctx any, input any) (any, error) {
				return input, nil
			}, contracts.CapabilityPermissions{})

			root := &contracts.TraceFrame{}
			hctx := e.buildContext(context.Background(), nil, nil, "trace", contracts.ExecutionFrame{Depth: 0, MaxDepth: 5}, root, "Prop.Parent")
			out, errs := hctx.Parallel(calls)
			for i, v := range values {
				if errs[i] != nil || out[i] != v {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 1000)),
	))

	properties.TestingRun(t)
}

// TestTraceDepthIncreasesByOneFromParent walks a self-recursive capability
// `hops` levels deep and asserts the assembled trace tree nests exactly one
// TraceFrame per hop, each child a direct descendant of its caller.
func TestTraceDepthIncreasesByOneFromParent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("recursive call nesting matches hop count", prop.ForAll(
		func(hops int) bool {
			if hops < 1 {
				hops = 1
			}
			if hops > 6 {
				hops = 6
			}
			reg := registry.NewInMemoryRegistry(nil)
			c := cache.New(time.Minute, 100)
			e := New(reg, nil, nil, nil, nil, nil, c, nil, nil, nil, &noopTelemetry{}, &recordingAudit{},
				nil, nil, nil, nil, nil, Config{MaxDepth: uint(hops + 2), TimeoutMs: 1000})

			_ = reg.Register("Prop.Recurse", func(rawCtx any, input any) (any, error) {
				hc := rawCtx.(*execctx.Context)
				remaining := input.(int)
				if remaining <= 0 {
					return 0, nil
				}
				return hc.Call("Prop.Recurse", remaining-1, execctx.CallOptions{})
			}, contracts.CapabilityPermissions{})

			res, err := e.Execute(context.Background(), "Prop.Recurse", hops-1, Options{})
			if err != nil {
				return false
			}
			depth := 0
			node := res.Trace
			for node != nil {
				depth++
				if len(node.Children) == 0 {
					break
				}
				node = node.Children[0]
			}
			return depth == hops
		},
		gen.IntRange(1, 6),
	))

	properties.TestingRun(t)
}

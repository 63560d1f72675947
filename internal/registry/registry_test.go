package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type echoWrapper struct{ name string }

func (w echoWrapper) TransformIn(params map[string]any) (map[string]any, error) { return params, nil }
func (w echoWrapper) Execute(_ context.Context, params map[string]any) (map[string]any, error) {
	return map[string]any{"ran": w.name}, nil
}
func (w echoWrapper) TransformOut(result map[string]any) (map[string]any, error) { return result, nil }

func newTestRegistry(t *testing.T) *Registry {
	return New(zaptest.NewLogger(t))
}

func register(t *testing.T, r *Registry, id string, deps ...string) {
	require.NoError(t, r.Register(&Capability{
		ID: id, Name: "tools." + id, RequiredCapabilities: deps, Wrapper: echoWrapper{name: id},
		Metadata: Metadata{SuccessRate: 1, AvgLatencyMS: 10},
	}))
}

func TestComposeRejectsCyclicDependencies(t *testing.T) {
	r := newTestRegistry(t)
	register(t, r, "a", "b")
	register(t, r, "b", "a")
	err := r.Compose(&Composition{ID: "c1", MemberIDs: []string{"a", "b"}})
	assert.Error(t, err)
}

func TestComposeRejectsUnknownMember(t *testing.T) {
	r := newTestRegistry(t)
	register(t, r, "a")
	err := r.Compose(&Composition{ID: "c1", MemberIDs: []string{"a", "ghost"}})
	assert.Error(t, err)
}

func TestQuerySortsBySuccessRateOverLatency(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(&Capability{ID: "slow", Name: "tools.slow", Wrapper: echoWrapper{name: "slow"}, Metadata: Metadata{SuccessRate: 1, AvgLatencyMS: 100}}))
	require.NoError(t, r.Register(&Capability{ID: "fast", Name: "tools.fast", Wrapper: echoWrapper{name: "fast"}, Metadata: Metadata{SuccessRate: 1, AvgLatencyMS: 5}}))

	results := r.Query(Filter{Category: "tools"})
	require.Len(t, results, 2)
	assert.Equal(t, "fast", results[0].ID)
}

func TestExecuteSequentialComposition(t *testing.T) {
	r := newTestRegistry(t)
	register(t, r, "a")
	register(t, r, "b")
	require.NoError(t, r.Compose(&Composition{ID: "c1", MemberIDs: []string{"a", "b"}, Strategy: StrategySequential}))

	results, err := r.ExecuteComposition(context.Background(), "c1", map[string]any{}, TrustBasic)
	require.NoError(t, err)
	assert.Equal(t, "a", results["a"]["ran"])
	assert.Equal(t, "b", results["b"]["ran"])
}

func TestExecutePipelineMergesResultsForward(t *testing.T) {
	r := newTestRegistry(t)
	register(t, r, "a")
	register(t, r, "b")
	require.NoError(t, r.Compose(&Composition{ID: "c1", MemberIDs: []string{"a", "b"}, Strategy: StrategyPipeline}))

	results, err := r.ExecuteComposition(context.Background(), "c1", map[string]any{}, TrustBasic)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

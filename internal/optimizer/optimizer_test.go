package optimizer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ruvnet/a2a-fabric/internal/consensus/bft"
)

func TestProfileRecordSampleUpdatesEMA(t *testing.T) {
	p := NewProfile("tool-a")
	p.RecordSample(100, true)
	assert.Equal(t, float64(100), p.Latency())
	p.RecordSample(200, true)
	assert.InDelta(t, 110, p.Latency(), 0.001) // 0.1*200 + 0.9*100
}

func TestProfileSuccessRate(t *testing.T) {
	p := NewProfile("tool-a")
	p.RecordSample(10, true)
	p.RecordSample(10, false)
	assert.Equal(t, 0.5, p.SuccessRate())
}

func TestSelectorRanksApplicableStrategiesByPriorityAndSuccess(t *testing.T) {
	cheap := &Strategy{Name: "cheap", Priority: 1, AvgImprovement: 0.1, Guards: []Guard{{Signal: "load", Op: OpGT, Value: 0.0}}}
	aggressive := &Strategy{Name: "aggressive", Priority: 2, AvgImprovement: 0.3, Guards: []Guard{{Signal: "load", Op: OpGT, Value: 0.0}}}
	sel := NewSelector([]*Strategy{cheap, aggressive})

	picked := sel.Select(map[string]any{"load": 0.9})
	require.Len(t, picked, 2)
	assert.Equal(t, "aggressive", picked[0].Name)
}

func TestSelectorExcludesStrategiesFailingGuards(t *testing.T) {
	never := &Strategy{Name: "never", Guards: []Guard{{Signal: "load", Op: OpGT, Value: 10.0}}}
	sel := NewSelector([]*Strategy{never})
	assert.Empty(t, sel.Select(map[string]any{"load": 0.1}))
}

func TestCacheGetMissAndPutHit(t *testing.T) {
	c, err := NewCache(8)
	require.NoError(t, err)

	_, ok := c.Get("k")
	assert.False(t, ok)

	c.Put("k", "v")
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	b := NewCircuitBreaker()
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())
}

func TestCircuitBreakerClosesOnSuccess(t *testing.T) {
	b := NewCircuitBreaker()
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	assert.Equal(t, BreakerClosed, b.State())
}

func TestRoundRobinCyclesTargets(t *testing.T) {
	rb := NewRoundRobin([]string{"a", "b", "c"})
	assert.Equal(t, "a", rb.Next())
	assert.Equal(t, "b", rb.Next())
	assert.Equal(t, "c", rb.Next())
	assert.Equal(t, "a", rb.Next())
}

func TestBatcherFlushesAtBatchSize(t *testing.T) {
	flushed := make(chan []BatchItem, 1)
	batcher := NewBatcher(2, time.Hour, func(items []BatchItem) {
		flushed <- items
	})
	batcher.Add(BatchItem{Payload: 1})
	batcher.Add(BatchItem{Payload: 2})

	select {
	case items := <-flushed:
		assert.Len(t, items, 2)
	case <-time.After(time.Second):
		t.Fatal("batch never flushed")
	}
}

func TestAdaptiveThresholdTickMovesTowardTargetAndFloorsAtOne(t *testing.T) {
	th := NewAdaptiveThreshold(10, 0, 0.5)
	v := th.Tick()
	assert.InDelta(t, 5, v, 0.001)
	for i := 0; i < 10; i++ {
		v = th.Tick()
	}
	assert.GreaterOrEqual(t, v, float64(1))
}

func TestConsensusOptimizerDedupesDigests(t *testing.T) {
	opt, err := NewConsensusOptimizer(ConsensusOptimizerConfig{BatchSize: 100, BatchTimeout: time.Hour}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	p := bft.Proposal{ID: "d1", Digest: "d1"}
	assert.True(t, opt.Submit(p))
	assert.False(t, opt.Submit(p))
}

func TestConsensusOptimizerFlushesAtBatchSize(t *testing.T) {
	flushed := make(chan []bft.Proposal, 1)
	opt, err := NewConsensusOptimizer(ConsensusOptimizerConfig{BatchSize: 2, BatchTimeout: time.Hour}, func(b []bft.Proposal) {
		flushed <- b
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	opt.Submit(bft.Proposal{ID: "a", Digest: "a"})
	opt.Submit(bft.Proposal{ID: "b", Digest: "b"})

	select {
	case batch := <-flushed:
		assert.Len(t, batch, 2)
	case <-time.After(time.Second):
		t.Fatal("batch never flushed")
	}
}

func TestConsensusOptimizerSpeculativeExecutionGatedByConfidence(t *testing.T) {
	opt, err := NewConsensusOptimizer(ConsensusOptimizerConfig{}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	ran := false
	opt.RegisterSpeculativeExecutor("kind-a", func(bft.Proposal) error {
		ran = true
		return nil
	})

	did, err := opt.MaybeSpeculate("kind-a", bft.Proposal{ID: "x"}, 0.5)
	require.NoError(t, err)
	assert.False(t, did)
	assert.False(t, ran)

	did, err = opt.MaybeSpeculate("kind-a", bft.Proposal{ID: "x"}, 0.9)
	require.NoError(t, err)
	assert.True(t, did)
	assert.True(t, ran)
}

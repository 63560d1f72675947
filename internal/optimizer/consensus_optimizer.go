package optimizer

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/ruvnet/a2a-fabric/internal/consensus/bft"
)

// speculativeConfidenceThreshold gates speculative execution: proposals
// whose predicted-outcome confidence exceeds this are executed optimistically
// ahead of commit, per spec.md §4.9.
const speculativeConfidenceThreshold = 0.8

// PipelineStage is one of the three consensus phases a proposal batch can
// be pipelined through.
type PipelineStage int

const (
	StagePrePrepare PipelineStage = iota
	StagePrepare
	StageCommit
)

// ConsensusOptimizer batches proposals, optionally pipelines the
// pre-prepare/prepare/commit phases in parallel, speculatively executes
// high-confidence proposals ahead of commit, and deduplicates digests via
// an LRU cache, per spec.md §4.9.
type ConsensusOptimizer struct {
	mu            sync.Mutex
	batchSize     int
	batchTimeout  time.Duration
	pending       []bft.Proposal
	pipeline      bool
	digestCache   *lru.Cache[string, struct{}]
	speculative   map[string]func(bft.Proposal) error
	onBatchReady  func([]bft.Proposal)
	timer         *time.Timer
	logger        *zap.Logger
}

// ConsensusOptimizerConfig configures batching/pipelining/cache sizing.
type ConsensusOptimizerConfig struct {
	BatchSize    int
	BatchTimeout time.Duration
	Pipeline     bool
	CacheSize    int
}

// NewConsensusOptimizer constructs an optimizer invoking onBatchReady each
// time a batch flushes.
func NewConsensusOptimizer(cfg ConsensusOptimizerConfig, onBatchReady func([]bft.Proposal), logger *zap.Logger) (*ConsensusOptimizer, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = defaultMaxWaitTime
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	cache, err := lru.New[string, struct{}](cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	return &ConsensusOptimizer{
		batchSize:    cfg.BatchSize,
		batchTimeout: cfg.BatchTimeout,
		pipeline:     cfg.Pipeline,
		digestCache:  cache,
		onBatchReady: onBatchReady,
		logger:       logger,
	}, nil
}

// Submit enqueues a proposal for batching, returning false if its digest
// was already seen (a duplicate this optimizer will not re-propose).
func (c *ConsensusOptimizer) Submit(p bft.Proposal) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, seen := c.digestCache.Get(p.Digest); seen {
		return false
	}
	c.digestCache.Add(p.Digest, struct{}{})

	c.pending = append(c.pending, p)
	if len(c.pending) == 1 {
		c.timer = time.AfterFunc(c.batchTimeout, c.flushTimedOut)
	}
	if len(c.pending) >= c.batchSize {
		c.flushLocked()
	}
	return true
}

func (c *ConsensusOptimizer) flushTimedOut() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked()
}

func (c *ConsensusOptimizer) flushLocked() {
	if len(c.pending) == 0 {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	batch := c.pending
	c.pending = nil
	if c.onBatchReady != nil {
		go c.onBatchReady(batch)
	}
}

// RegisterSpeculativeExecutor installs a function allowed to speculatively
// execute a proposal of the given content kind ahead of commit.
func (c *ConsensusOptimizer) RegisterSpeculativeExecutor(kind string, fn func(bft.Proposal) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.speculative == nil {
		c.speculative = make(map[string]func(bft.Proposal) error)
	}
	c.speculative[kind] = fn
}

// MaybeSpeculate executes p early via the registered executor for kind if
// confidence clears the threshold, returning whether it did.
func (c *ConsensusOptimizer) MaybeSpeculate(kind string, p bft.Proposal, confidence float64) (bool, error) {
	if confidence <= speculativeConfidenceThreshold {
		return false, nil
	}
	c.mu.Lock()
	fn, ok := c.speculative[kind]
	c.mu.Unlock()
	if !ok {
		return false, nil
	}
	if c.logger != nil {
		c.logger.Debug("speculative execution", zap.String("kind", kind), zap.Float64("confidence", confidence))
	}
	return true, fn(p)
}

// PipelineEnabled reports whether the three consensus phases should run
// concurrently rather than strictly sequentially.
func (c *ConsensusOptimizer) PipelineEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pipeline
}

// RunPipeline executes stagePrePrepare/stagePrepare/stageCommit for a
// batch either sequentially or concurrently, per the pipeline setting.
func (c *ConsensusOptimizer) RunPipeline(batch []bft.Proposal, stagePrePrepare, stagePrepare, stageCommit func([]bft.Proposal) error) error {
	if !c.PipelineEnabled() {
		if err := stagePrePrepare(batch); err != nil {
			return err
		}
		if err := stagePrepare(batch); err != nil {
			return err
		}
		return stageCommit(batch)
	}

	var wg sync.WaitGroup
	errs := make([]error, 3)
	stages := []func([]bft.Proposal) error{stagePrePrepare, stagePrepare, stageCommit}
	for i, stage := range stages {
		wg.Add(1)
		go func(i int, stage func([]bft.Proposal) error) {
			defer wg.Done()
			errs[i] = stage(batch)
		}(i, stage)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

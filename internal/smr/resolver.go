package smr

import (
	"sort"
)

// Strategy selects how ConflictResolver adjudicates a set of conflicting
// operations on the same target.
type Strategy int

const (
	StrategyLastWriterWins Strategy = iota
	StrategyVectorClock
	StrategyConsensusBased
)

// TrustLookup resolves a node's trust weight for consensus-based
// resolution; internal/agent.Registry supplies a concrete implementation.
type TrustLookup func(nodeID string) float64

// ConflictResolver adjudicates a set of conflicting operations, returning
// the winner and the losers (which the caller rolls back via synthesized
// inverse operations).
type ConflictResolver struct {
	strategy Strategy
	trust    TrustLookup
}

// NewConflictResolver constructs a resolver using the given strategy. trust
// is only consulted by StrategyConsensusBased and may be nil otherwise.
func NewConflictResolver(strategy Strategy, trust TrustLookup) *ConflictResolver {
	return &ConflictResolver{strategy: strategy, trust: trust}
}

// Resolve picks a winner among a set of mutually conflicting operations
// (candidates includes both previously-applied operations and the new one
// under consideration) and returns the rest as losers.
func (r *ConflictResolver) Resolve(candidates []*Operation) (winner *Operation, losers []*Operation) {
	if len(candidates) == 0 {
		return nil, nil
	}
	switch r.strategy {
	case StrategyVectorClock:
		winner = r.highestSequence(candidates)
	case StrategyConsensusBased:
		winner = r.weightedVoteWinner(candidates)
	default:
		winner = r.latestTimestamp(candidates)
	}
	for _, c := range candidates {
		if c != winner {
			losers = append(losers, c)
		}
	}
	return winner, losers
}

// latestTimestamp implements last-writer-wins.
func (r *ConflictResolver) latestTimestamp(candidates []*Operation) *Operation {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Timestamp.After(best.Timestamp) {
			best = c
		}
	}
	return best
}

// highestSequence implements the vector-clock strategy (spec.md §4.4:
// "highest sequence" — our Operation.Sequence plays the role of the
// per-target logical clock).
func (r *ConflictResolver) highestSequence(candidates []*Operation) *Operation {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Sequence > best.Sequence {
			best = c
		}
	}
	return best
}

// weightedVoteWinner implements consensus-based resolution: a weighted vote
// by node trust over operation ids, highest total weight wins, ties broken
// by operation id for determinism.
func (r *ConflictResolver) weightedVoteWinner(candidates []*Operation) *Operation {
	type scored struct {
		op     *Operation
		weight float64
	}
	scoredOps := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		weight := 1.0
		if r.trust != nil {
			weight = r.trust(string(c.NodeID))
		}
		scoredOps = append(scoredOps, scored{op: c, weight: weight})
	}
	sort.Slice(scoredOps, func(i, j int) bool {
		if scoredOps[i].weight != scoredOps[j].weight {
			return scoredOps[i].weight > scoredOps[j].weight
		}
		return scoredOps[i].op.ID < scoredOps[j].op.ID
	})
	return scoredOps[0].op
}

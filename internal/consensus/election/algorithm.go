// Package election implements the view-change/leader-election protocol of
// spec.md §4.2: a {stable, changing} state machine driven by heartbeats and
// election timeouts, and the five pluggable leader-selection algorithms
// (round-robin, reputation, stake, performance, hybrid).
package election

import (
	"sort"

	"github.com/ruvnet/a2a-fabric/internal/agent"
	"github.com/ruvnet/a2a-fabric/internal/consensus"
)

// Algorithm picks L(v) from the current candidate set. Re-architected per
// spec.md §10 "Inheritance & dynamic dispatch" as a one-operation capability
// rather than a class hierarchy: every variant satisfies this single
// interface.
type Algorithm interface {
	Name() string
	Pick(view uint64, candidates []*agent.Agent) consensus.NodeID
}

// RoundRobin sorts candidates by id and selects index = v mod k.
type RoundRobin struct{}

func (RoundRobin) Name() string { return "round-robin" }

func (RoundRobin) Pick(view uint64, candidates []*agent.Agent) consensus.NodeID {
	ids := sortedIDs(candidates)
	if len(ids) == 0 {
		return ""
	}
	return consensus.NodeID(ids[view%uint64(len(ids))])
}

// Reputation selects argmax reputation, ties broken by lowest id for
// determinism.
type Reputation struct{}

func (Reputation) Name() string { return "reputation" }

func (Reputation) Pick(_ uint64, candidates []*agent.Agent) consensus.NodeID {
	return argmax(candidates, func(a *agent.Agent) float64 { return a.Reputation() })
}

// Stake selects argmax stake.
type Stake struct{}

func (Stake) Name() string { return "stake" }

func (Stake) Pick(_ uint64, candidates []*agent.Agent) consensus.NodeID {
	return argmax(candidates, func(a *agent.Agent) float64 { return a.Stake() })
}

// Performance selects argmax the rolling performance metric.
type Performance struct{}

func (Performance) Name() string { return "performance" }

func (Performance) Pick(_ uint64, candidates []*agent.Agent) consensus.NodeID {
	return argmax(candidates, func(a *agent.Agent) float64 { return a.Performance() })
}

// Hybrid selects argmax of a weighted blend of reputation, availability,
// performance, and stake, halved once an agent has served too many
// consecutive terms (spec.md §4.2: "multiplied by 0.5 if consecutiveTerms
// >= maxConsecutiveTerms, else 1").
type Hybrid struct {
	MaxConsecutiveTerms int
	// ConsecutiveTerms and Availability are observations Hybrid does not
	// itself track; the caller supplies them via the callbacks below
	// (cmd/fabricd wires Elector.ConsecutiveTerms and an idle-time signal).
	Availability      func(id string) float64
	ConsecutiveTerms  func(id string) int
}

func (Hybrid) Name() string { return "hybrid" }

func (h Hybrid) Pick(_ uint64, candidates []*agent.Agent) consensus.NodeID {
	maxTerms := h.MaxConsecutiveTerms
	if maxTerms <= 0 {
		maxTerms = 3
	}
	return argmax(candidates, func(a *agent.Agent) float64 {
		availability := 1.0
		if h.Availability != nil {
			availability = h.Availability(a.ID)
		}
		score := 0.3*a.Reputation() + 0.25*availability + 0.25*a.Performance() + 0.2*a.Stake()
		terms := 0
		if h.ConsecutiveTerms != nil {
			terms = h.ConsecutiveTerms(a.ID)
		}
		if terms >= maxTerms {
			score *= 0.5
		}
		return score
	})
}

// ByName resolves the election.Algorithm named in consensus.Config per
// spec.md §6 electionAlgorithm enum. Unknown names fall back to
// round-robin, the only algorithm requiring no external signal.
func ByName(name string, maxConsecutiveTerms int, availability func(string) float64, consecutiveTerms func(string) int) Algorithm {
	switch name {
	case "reputation":
		return Reputation{}
	case "stake":
		return Stake{}
	case "performance":
		return Performance{}
	case "hybrid":
		return Hybrid{MaxConsecutiveTerms: maxConsecutiveTerms, Availability: availability, ConsecutiveTerms: consecutiveTerms}
	default:
		return RoundRobin{}
	}
}

func sortedIDs(candidates []*agent.Agent) []string {
	ids := make([]string, 0, len(candidates))
	for _, a := range candidates {
		ids = append(ids, a.ID)
	}
	sort.Strings(ids)
	return ids
}

func argmax(candidates []*agent.Agent, score func(*agent.Agent) float64) consensus.NodeID {
	if len(candidates) == 0 {
		return ""
	}
	byID := append([]*agent.Agent(nil), candidates...)
	sort.Slice(byID, func(i, j int) bool { return byID[i].ID < byID[j].ID })

	best := byID[0]
	bestScore := score(best)
	for _, a := range byID[1:] {
		if s := score(a); s > bestScore {
			best, bestScore = a, s
		}
	}
	return consensus.NodeID(best.ID)
}

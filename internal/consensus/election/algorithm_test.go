package election

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ruvnet/a2a-fabric/internal/agent"
)

func candidates() []*agent.Agent {
	a1 := agent.NewAgent("a1", nil)
	a1.UpdateReputation(0.4)
	a1.SetStake(0.8)
	a1.SetPerformance(0.2)

	a2 := agent.NewAgent("a2", nil)
	a2.UpdateReputation(0.1)
	a2.SetStake(0.9)
	a2.SetPerformance(0.9)

	return []*agent.Agent{a1, a2}
}

func TestRoundRobinWrapsOverCandidates(t *testing.T) {
	rr := RoundRobin{}
	cands := candidates()
	assert.Equal(t, "a1", string(rr.Pick(0, cands)))
	assert.Equal(t, "a2", string(rr.Pick(1, cands)))
	assert.Equal(t, "a1", string(rr.Pick(2, cands)))
}

func TestReputationPicksArgmax(t *testing.T) {
	rep := Reputation{}
	assert.Equal(t, "a1", string(rep.Pick(0, candidates())))
}

func TestStakePicksArgmax(t *testing.T) {
	s := Stake{}
	assert.Equal(t, "a2", string(s.Pick(0, candidates())))
}

func TestHybridHalvesScoreAtConsecutiveTermLimit(t *testing.T) {
	h := Hybrid{
		MaxConsecutiveTerms: 3,
		ConsecutiveTerms: func(id string) int {
			if id == "a2" {
				return 5
			}
			return 0
		},
	}
	// a2 has the stronger raw blend but is past its consecutive-term cap,
	// so its score is halved and a1 should win.
	picked := h.Pick(0, candidates())
	assert.Equal(t, "a1", string(picked))
}

func TestByNameFallsBackToRoundRobin(t *testing.T) {
	alg := ByName("unknown", 3, nil, nil)
	assert.Equal(t, "round-robin", alg.Name())
}

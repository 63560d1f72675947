package voting

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newEngine(t *testing.T) *Engine {
	return New(zaptest.NewLogger(t))
}

func TestQuadraticVoteRejectedWhenStrengthExceedsCredits(t *testing.T) {
	e := newEngine(t)
	e.RegisterVoter(&Voter{ID: "v1", VoiceCredits: 9})
	require.NoError(t, e.CreateProposal(&Proposal{ID: "p1", VotingType: SchemeQuadratic, MinimumParticipation: 0.5, PassingThreshold: 0.5}))

	err := e.CastVote("p1", Vote{VoterID: "v1", Approve: true, Strength: 4})
	assert.Error(t, err) // 4^2=16 > 9 credits

	err = e.CastVote("p1", Vote{VoterID: "v1", Approve: true, Strength: 3})
	assert.NoError(t, err) // 3^2=9 <= 9 credits
}

func TestDelegationCycleRejected(t *testing.T) {
	e := newEngine(t)
	e.RegisterVoter(&Voter{ID: "a", Weight: 1})
	e.RegisterVoter(&Voter{ID: "b", Weight: 1})
	require.NoError(t, e.Delegate("a", "b"))
	err := e.Delegate("b", "a")
	assert.Error(t, err)
}

func TestLiquidDemocracyMirrorsDelegateVote(t *testing.T) {
	e := newEngine(t)
	e.RegisterVoter(&Voter{ID: "delegate", Weight: 5})
	e.RegisterVoter(&Voter{ID: "follower", Weight: 1})
	require.NoError(t, e.Delegate("follower", "delegate"))
	require.NoError(t, e.CreateProposal(&Proposal{ID: "p1", VotingType: SchemeLiquidDemocracy, MinimumParticipation: 0.5, PassingThreshold: 0.5}))

	require.NoError(t, e.CastVote("p1", Vote{VoterID: "delegate", Approve: true, Weight: 5}))

	tally, err := e.Finalize("p1", 2)
	require.NoError(t, err)
	assert.Equal(t, float64(10), tally.ApproveWeight) // delegate's 5 + mirrored follower's 5
}

func TestFinalizeDeductsQuadraticCredits(t *testing.T) {
	e := newEngine(t)
	e.RegisterVoter(&Voter{ID: "v1", VoiceCredits: 16})
	require.NoError(t, e.CreateProposal(&Proposal{ID: "p1", VotingType: SchemeQuadratic, MinimumParticipation: 0.5, PassingThreshold: 0.5}))
	require.NoError(t, e.CastVote("p1", Vote{VoterID: "v1", Approve: true, Strength: 4}))

	_, err := e.Finalize("p1", 1)
	require.NoError(t, err)
	assert.Equal(t, float64(0), e.voters["v1"].VoiceCredits)
}

func TestDetectAnomaliesCoordinatedVoting(t *testing.T) {
	e := newEngine(t)
	e.RegisterVoter(&Voter{ID: "v1", Weight: 1})
	e.RegisterVoter(&Voter{ID: "v2", Weight: 1})
	require.NoError(t, e.CreateProposal(&Proposal{ID: "p1", VotingType: SchemeWeighted, MinimumParticipation: 0.5, PassingThreshold: 0.5}))

	now := time.Now()
	require.NoError(t, e.CastVote("p1", Vote{VoterID: "v1", Approve: true, Weight: 1, Timestamp: now}))
	require.NoError(t, e.CastVote("p1", Vote{VoterID: "v2", Approve: true, Weight: 1, Timestamp: now.Add(200 * time.Millisecond)}))

	anomalies, err := e.DetectAnomalies("p1")
	require.NoError(t, err)
	found := false
	for _, a := range anomalies {
		if a.Kind == "coordinated-voting" {
			found = true
		}
	}
	assert.True(t, found)
}

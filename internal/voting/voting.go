// Package voting implements the weighted/quadratic/stake-weighted/liquid-
// democracy VotingEngine of spec.md §4.5: proposal tallying, delegation
// with cycle rejection, and anomaly detection over the cast-vote stream.
package voting

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheme is the vote-validation rule a proposal is cast under.
type Scheme int

const (
	SchemeWeighted Scheme = iota
	SchemeQuadratic
	SchemeApproval
	SchemeLiquidDemocracy
	SchemeStakeWeighted
)

// Proposal carries the voting terms of one decision, per spec.md §4.5.
type Proposal struct {
	ID                   string
	Deadline             time.Time
	VotingType           Scheme
	MinimumParticipation float64
	PassingThreshold     float64

	mu          sync.Mutex
	votes       map[string]*Vote // keyed by voter id, last vote wins
	finalized   bool
	finalResult *Tally
}

// Vote is a single cast ballot.
type Vote struct {
	VoterID   string
	Approve   bool
	Strength  float64 // quadratic: credits spent = strength^2
	Weight    float64 // weighted/stake-weighted
	Timestamp time.Time
}

// Voter is the external identity a vote is validated against.
type Voter struct {
	ID           string
	Weight       float64
	VoiceCredits float64
	Stake        float64
	DelegatedTo  string // "" if not delegated
}

// Tally is the outcome of finalizing a proposal.
type Tally struct {
	ApproveWeight     float64
	RejectWeight      float64
	ParticipationRate float64
	Passed            bool
}

// Engine is the exclusive owner of proposals, voters, and the delegation
// graph.
type Engine struct {
	mu        sync.RWMutex
	proposals map[string]*Proposal
	voters    map[string]*Voter
	logger    *zap.Logger
}

// New constructs an empty voting engine.
func New(logger *zap.Logger) *Engine {
	return &Engine{
		proposals: make(map[string]*Proposal),
		voters:    make(map[string]*Voter),
		logger:    logger,
	}
}

// RegisterVoter adds or replaces a voter record.
func (e *Engine) RegisterVoter(v *Voter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.voters[v.ID] = v
}

// CreateProposal registers a new proposal open for voting.
func (e *Engine) CreateProposal(p *Proposal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.proposals[p.ID]; exists {
		return fmt.Errorf("voting: proposal %s already exists", p.ID)
	}
	p.votes = make(map[string]*Vote)
	e.proposals[p.ID] = p
	return nil
}

// Delegate sets voter a's delegation target to b, rejecting the delegation
// if it would create a cycle (spec.md §4.5: "walk delegatedTo chain from b;
// if a is reached, reject").
func (e *Engine) Delegate(a, b string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	voterA, ok := e.voters[a]
	if !ok {
		return fmt.Errorf("voting: unknown voter %s", a)
	}
	if _, ok := e.voters[b]; !ok {
		return fmt.Errorf("voting: unknown delegate %s", b)
	}

	cur := b
	seen := map[string]bool{}
	for cur != "" {
		if cur == a {
			return fmt.Errorf("voting: delegation %s->%s would create a cycle", a, b)
		}
		if seen[cur] {
			break // defensive: pre-existing cycle elsewhere, stop walking
		}
		seen[cur] = true
		next, ok := e.voters[cur]
		if !ok {
			break
		}
		cur = next.DelegatedTo
	}

	voterA.DelegatedTo = b
	return nil
}

// CastVote validates and records a vote per the proposal's voting scheme.
func (e *Engine) CastVote(proposalID string, vote Vote) error {
	e.mu.RLock()
	p, ok := e.proposals[proposalID]
	voter, voterOK := e.voters[vote.VoterID]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("voting: unknown proposal %s", proposalID)
	}
	if !voterOK {
		return fmt.Errorf("voting: unknown voter %s", vote.VoterID)
	}

	if err := validate(p.VotingType, vote, voter); err != nil {
		return err
	}

	if vote.Timestamp.IsZero() {
		vote.Timestamp = time.Now()
	}

	p.mu.Lock()
	p.votes[vote.VoterID] = &vote
	p.mu.Unlock()

	if p.VotingType == SchemeLiquidDemocracy {
		e.mirrorDelegatedVotes(p, voter, vote)
	}
	return nil
}

// mirrorDelegatedVotes applies a delegate's vote to every voter whose
// DelegatedTo equals the delegate's id, per spec.md §4.5: "delegates vote is
// mirrored for every voter whose delegatedTo == voter.id, with
// weight = delegate.weight".
func (e *Engine) mirrorDelegatedVotes(p *Proposal, delegate *Voter, v Vote) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for id, voter := range e.voters {
		if voter.DelegatedTo != delegate.ID {
			continue
		}
		mirrored := v
		mirrored.VoterID = id
		mirrored.Weight = delegate.Weight
		p.mu.Lock()
		p.votes[id] = &mirrored
		p.mu.Unlock()
	}
}

// validate enforces the scheme-specific vote-validation rule.
func validate(scheme Scheme, v Vote, voter *Voter) error {
	switch scheme {
	case SchemeQuadratic:
		if v.Strength*v.Strength > voter.VoiceCredits {
			return fmt.Errorf("voting: strength^2 exceeds voice credits")
		}
	case SchemeStakeWeighted:
		if v.Weight > voter.Stake {
			return fmt.Errorf("voting: weight exceeds stake")
		}
	case SchemeWeighted:
		if v.Weight > voter.Weight {
			return fmt.Errorf("voting: weight exceeds voter weight")
		}
	case SchemeLiquidDemocracy:
		if voter.DelegatedTo != "" {
			return fmt.Errorf("voting: voter has delegated, cannot cast directly")
		}
	}
	return nil
}

// Finalize tallies votes and, on quadratic proposals, deducts strength^2
// from each voter's remaining credits.
func (e *Engine) Finalize(proposalID string, totalEligibleVoters int) (*Tally, error) {
	e.mu.Lock()
	p, ok := e.proposals[proposalID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("voting: unknown proposal %s", proposalID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finalized {
		return p.finalResult, nil
	}

	var approveWeight, rejectWeight float64
	for _, v := range p.votes {
		w := v.Weight
		if p.VotingType == SchemeQuadratic {
			w = v.Strength
		}
		if p.VotingType == SchemeApproval && w == 0 {
			w = 1
		}
		if v.Approve {
			approveWeight += w
		} else {
			rejectWeight += w
		}
	}

	participation := 0.0
	if totalEligibleVoters > 0 {
		participation = float64(len(p.votes)) / float64(totalEligibleVoters)
	}

	passRatio := 0.0
	if approveWeight+rejectWeight > 0 {
		passRatio = approveWeight / (approveWeight + rejectWeight)
	}

	tally := &Tally{
		ApproveWeight:     approveWeight,
		RejectWeight:      rejectWeight,
		ParticipationRate: participation,
		Passed:            participation >= p.MinimumParticipation && passRatio >= p.PassingThreshold,
	}

	if p.VotingType == SchemeQuadratic {
		e.mu.Lock()
		for _, v := range p.votes {
			if voter, ok := e.voters[v.VoterID]; ok {
				voter.VoiceCredits -= v.Strength * v.Strength
			}
		}
		e.mu.Unlock()
	}

	p.finalized = true
	p.finalResult = tally
	return tally, nil
}

// Anomaly describes a detected irregularity in a proposal's vote stream.
type Anomaly struct {
	Kind   string
	Detail string
}

// DetectAnomalies scans a proposal's cast votes for the three signals in
// spec.md §4.5: coordinated voting (<1s gaps), extreme approve/reject
// ratio, and excessive single-voter share (>10% of all votes).
func (e *Engine) DetectAnomalies(proposalID string) ([]Anomaly, error) {
	e.mu.RLock()
	p, ok := e.proposals[proposalID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("voting: unknown proposal %s", proposalID)
	}

	p.mu.Lock()
	votes := make([]*Vote, 0, len(p.votes))
	for _, v := range p.votes {
		votes = append(votes, v)
	}
	p.mu.Unlock()

	sort.Slice(votes, func(i, j int) bool { return votes[i].Timestamp.Before(votes[j].Timestamp) })

	var anomalies []Anomaly
	for i := 1; i < len(votes); i++ {
		if votes[i].Timestamp.Sub(votes[i-1].Timestamp) < time.Second {
			anomalies = append(anomalies, Anomaly{Kind: "coordinated-voting", Detail: fmt.Sprintf("%s and %s voted < 1s apart", votes[i-1].VoterID, votes[i].VoterID)})
		}
	}

	var approve, reject float64
	counts := map[string]int{}
	for _, v := range votes {
		counts[v.VoterID]++
		if v.Approve {
			approve++
		} else {
			reject++
		}
	}
	if reject > 0 {
		ratio := approve / reject
		if ratio > 10 || ratio < 0.1 {
			anomalies = append(anomalies, Anomaly{Kind: "extreme-ratio", Detail: fmt.Sprintf("approve/reject ratio %.3f", ratio)})
		}
	} else if approve > 0 {
		anomalies = append(anomalies, Anomaly{Kind: "extreme-ratio", Detail: "all votes approve, no rejects"})
	}

	total := len(votes)
	for voter, count := range counts {
		if total > 0 && float64(count)/float64(total) > 0.1 {
			anomalies = append(anomalies, Anomaly{Kind: "excessive-voter-activity", Detail: fmt.Sprintf("%s cast %.1f%% of votes", voter, 100*float64(count)/float64(total))})
		}
	}

	return anomalies, nil
}

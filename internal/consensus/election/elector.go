package election

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/a2a-fabric/internal/agent"
	"github.com/ruvnet/a2a-fabric/internal/consensus"
	"github.com/ruvnet/a2a-fabric/internal/consensus/bft"
	"github.com/ruvnet/a2a-fabric/internal/messagelog"
)

// Phase is the local view-change state, spec.md §4.2 {stable, changing}.
type Phase int

const (
	PhaseStable Phase = iota
	PhaseChanging
)

// ViewAdopter is the consensus engine a successful view change hands control
// back to (bft.PBFT satisfies this).
type ViewAdopter interface {
	AdoptView(view uint64)
}

// Elector runs the view-change state machine for one node and implements
// bft.LeaderElector so PBFT can consult it for L(v) directly.
type Elector struct {
	mu sync.Mutex

	nodeID    consensus.NodeID
	registry  *agent.Registry
	algorithm Algorithm
	transport consensus.Transport
	mlog      *messagelog.Log
	adopter   ViewAdopter
	logger    *zap.Logger

	phase             Phase
	view              uint64
	lastHeartbeat     time.Time
	electionTimeout   time.Duration
	heartbeatInterval time.Duration

	currentLeader    consensus.NodeID
	consecutiveTerms map[string]int
	suspectedFaulty  map[string]bool

	vcVotes map[uint64]map[consensus.NodeID]bft.ViewChange
}

// New constructs an Elector. algorithm is the election.Algorithm chosen per
// consensus.Config.ElectionAlgorithm (see ByName).
func New(nodeID consensus.NodeID, registry *agent.Registry, algorithm Algorithm, transport consensus.Transport,
	mlog *messagelog.Log, adopter ViewAdopter, electionTimeout, heartbeatInterval time.Duration, logger *zap.Logger) *Elector {
	return &Elector{
		nodeID:            nodeID,
		registry:          registry,
		algorithm:         algorithm,
		transport:         transport,
		mlog:              mlog,
		adopter:           adopter,
		logger:            logger,
		electionTimeout:   electionTimeout,
		heartbeatInterval: heartbeatInterval,
		lastHeartbeat:     time.Now(),
		consecutiveTerms:  make(map[string]int),
		suspectedFaulty:   make(map[string]bool),
		vcVotes:           make(map[uint64]map[consensus.NodeID]bft.ViewChange),
	}
}

// Leader satisfies bft.LeaderElector: candidates are resolved from the
// registry and faulty-suspected agents are excluded per spec.md §4.2
// "Suspected-faulty agents are excluded from candidacy".
func (e *Elector) Leader(view uint64, activeAgents []string) consensus.NodeID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pickLocked(view, activeAgents)
}

func (e *Elector) pickLocked(view uint64, activeAgents []string) consensus.NodeID {
	candidates := make([]*agent.Agent, 0, len(activeAgents))
	for _, id := range activeAgents {
		if e.suspectedFaulty[id] {
			continue
		}
		if a, ok := e.registry.Get(id); ok {
			candidates = append(candidates, a)
		}
	}
	return e.algorithm.Pick(view, candidates)
}

// MarkSuspectedFaulty excludes an agent from future leader candidacy;
// cmd/fabricd feeds it the membership detector's suspected-faulty signal.
func (e *Elector) MarkSuspectedFaulty(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.suspectedFaulty[id] = true
}

// OnHeartbeat resets the election timer on receipt of a leader heartbeat at
// view v, per spec.md §4.2 "stable: heartbeats from leader reset election
// timer".
func (e *Elector) OnHeartbeat(view uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if view < e.view {
		return
	}
	e.lastHeartbeat = time.Now()
}

// CheckTimeout is driven periodically by the owning event loop; it returns
// true if the leader heartbeat has gone stale and a view change was
// initiated.
func (e *Elector) CheckTimeout(now time.Time, activeAgents []string) bool {
	e.mu.Lock()
	if e.phase != PhaseStable || now.Sub(e.lastHeartbeat) <= e.electionTimeout {
		e.mu.Unlock()
		return false
	}
	e.mu.Unlock()
	e.initiateViewChange("leader-timeout", activeAgents)
	return true
}

// initiateViewChange moves this node to `changing` and broadcasts
// view-change(v+1, lastStableCheckpoint, checkpointProof, preparedSet).
func (e *Elector) initiateViewChange(reason string, activeAgents []string) {
	e.mu.Lock()
	if e.phase == PhaseChanging {
		e.mu.Unlock()
		return
	}
	e.phase = PhaseChanging
	newView := e.view + 1
	stableSeq := e.mlog.StableSequence()
	e.mu.Unlock()

	vc := bft.ViewChange{
		NewView:       newView,
		LastStableSeq: stableSeq,
		NodeID:        e.nodeID,
	}
	e.recordViewChange(vc, activeAgents)
	e.broadcastViewChange(vc)
	if e.logger != nil {
		e.logger.Info("initiating view change", zap.Uint64("new_view", newView), zap.String("reason", reason))
	}
}

// HandleViewChange records a peer's view-change vote and, once a quorum for
// v+1 has accumulated and this node is L(v+1), issues new-view.
func (e *Elector) HandleViewChange(vc bft.ViewChange, activeAgents []string) consensus.Result {
	e.recordViewChange(vc, activeAgents)

	e.mu.Lock()
	votes := e.vcVotes[vc.NewView]
	count := len(votes)
	n := len(activeAgents)
	quorum := consensus.Quorum(n)
	leader := e.pickLocked(vc.NewView, activeAgents)
	amLeader := leader == e.nodeID
	e.mu.Unlock()

	if amLeader && count >= quorum {
		e.issueNewView(vc.NewView, votes, activeAgents)
	}
	return consensus.OK()
}

func (e *Elector) recordViewChange(vc bft.ViewChange, activeAgents []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.vcVotes[vc.NewView] == nil {
		e.vcVotes[vc.NewView] = make(map[consensus.NodeID]bft.ViewChange)
	}
	e.vcVotes[vc.NewView][vc.NodeID] = vc
}

// issueNewView reconstructs the minimally consistent pre-prepare set from
// the prepared sets carried in vcSet, per spec.md §4.2: "for each sequence
// with any prepared entry of max view, reissue; otherwise a no-op
// pre-prepare."
func (e *Elector) issueNewView(view uint64, vcSet map[consensus.NodeID]bft.ViewChange, activeAgents []string) {
	prePrepares := make(map[uint64]bft.PrePrepare)
	maxViewAt := make(map[uint64]uint64)

	for _, vc := range vcSet {
		for seq, entry := range vc.PreparedSet {
			if entry.PrePrepare.View >= maxViewAt[seq] {
				maxViewAt[seq] = entry.PrePrepare.View
				prePrepares[seq] = entry.PrePrepare
			}
		}
	}

	nv := bft.NewView{View: view, ViewChangeProof: vcSet, PrePrepares: prePrepares}
	e.broadcastNewView(nv)
	e.adoptView(view, activeAgents)
}

// HandleNewView validates that the sender is the expected leader and that
// the carried view-change set meets quorum, then adopts the new view.
func (e *Elector) HandleNewView(nv bft.NewView, sender consensus.NodeID, activeAgents []string) consensus.Result {
	e.mu.Lock()
	expected := e.pickLocked(nv.View, activeAgents)
	n := len(activeAgents)
	quorum := consensus.Quorum(n)
	e.mu.Unlock()

	if sender != expected {
		return consensus.ProtocolError("new-view not from expected leader")
	}
	if len(nv.ViewChangeProof) < quorum {
		return consensus.ProtocolError("new-view view-change set below quorum")
	}
	e.adoptView(nv.View, activeAgents)
	return consensus.OK()
}

// adoptView installs view as current and updates consecutiveTerms for the
// view's leader: extended if the same agent held the prior view, reset to a
// fresh term otherwise. This is what feeds Hybrid's anti-entrenchment
// penalty (ConsecutiveTerms, algorithm.go) with real data instead of a
// constant zero.
func (e *Elector) adoptView(view uint64, activeAgents []string) {
	e.mu.Lock()
	newLeader := e.pickLocked(view, activeAgents)
	if newLeader != "" {
		if newLeader == e.currentLeader {
			e.consecutiveTerms[string(newLeader)]++
		} else {
			e.consecutiveTerms[string(newLeader)] = 1
		}
		e.currentLeader = newLeader
	}
	e.view = view
	e.phase = PhaseStable
	e.lastHeartbeat = time.Now()
	e.mu.Unlock()

	if e.adopter != nil {
		e.adopter.AdoptView(view)
	}
}

// ConsecutiveTerms reports how many views in a row id has held the leader
// seat, for Hybrid.Pick's anti-entrenchment halving.
func (e *Elector) ConsecutiveTerms(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.consecutiveTerms[id]
}

// View returns the current view.
func (e *Elector) View() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.view
}

// CurrentPhase returns the current view-change phase.
func (e *Elector) CurrentPhase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// EmitHeartbeat is called by the leader at heartbeatInterval.
func (e *Elector) EmitHeartbeat() {
	e.mu.Lock()
	view := e.view
	e.mu.Unlock()
	if e.transport == nil {
		return
	}
	msg := &consensus.ConsensusMessage{
		Type:      consensus.HeartbeatMsg,
		Term:      consensus.Term(view),
		From:      e.nodeID,
		Timestamp: time.Now(),
	}
	if err := e.transport.Broadcast(msg); err != nil && e.logger != nil {
		e.logger.Warn("heartbeat broadcast failed", zap.Error(err))
	}
}

func (e *Elector) broadcastViewChange(vc bft.ViewChange) {
	e.broadcast(consensus.ViewChangeMsg, vc)
}

func (e *Elector) broadcastNewView(nv bft.NewView) {
	e.broadcast(consensus.NewViewMsg, nv)
}

func (e *Elector) broadcast(msgType consensus.MessageType, payload any) {
	if e.transport == nil {
		return
	}
	data, err := marshalPayload(payload)
	if err != nil {
		if e.logger != nil {
			e.logger.Warn("marshal failed", zap.Error(err))
		}
		return
	}
	msg := &consensus.ConsensusMessage{Type: msgType, From: e.nodeID, Data: data, Timestamp: time.Now()}
	if err := e.transport.Broadcast(msg); err != nil && e.logger != nil {
		e.logger.Warn("broadcast failed", zap.Error(err))
	}
}

// Package bft implements the three-phase (pre-prepare/prepare/commit) PBFT
// agreement protocol of spec.md §4.1, with the view-change hand-off to
// internal/consensus/election and the quorum sizing resolved per spec.md §9
// Open Questions: Q_prepare = 2f matching prepares beyond the leader's own
// pre-prepare, Q_commit = 2f+1 matching commits (the classical PBFT sizes).
package bft

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/a2a-fabric/internal/agent"
	"github.com/ruvnet/a2a-fabric/internal/consensus"
	"github.com/ruvnet/a2a-fabric/internal/crypto"
	"github.com/ruvnet/a2a-fabric/internal/messagelog"
)

// Phase is the local progress of a single (view, sequence) instance.
type Phase int

const (
	PhasePrePrepared Phase = iota
	PhasePrepared
	PhaseCommitted
)

// LeaderElector picks L(v) = activeAgents[v mod |activeAgents|] or a
// richer policy; internal/consensus/election implements this.
type LeaderElector interface {
	Leader(view uint64, activeAgents []string) consensus.NodeID
}

// EventSink decouples PBFT from the view-change/security packages that
// react to its events, avoiding an import cycle: the node wiring (cmd or a
// coordinator type) implements this by forwarding into election/security.
type EventSink interface {
	OnConsensusReached(proposal Proposal, view, sequence uint64)
	OnByzantineEvidence(agent consensus.NodeID, reason, detail string)
	OnViewChangeNeeded(reason string)
}

// instance tracks one (view, sequence) agreement round.
type instance struct {
	key       messagelog.Key
	proposal  *Proposal
	phase     Phase
	startedAt time.Time
}

// PBFT is one node's view of the protocol.
type PBFT struct {
	mu sync.Mutex

	nodeID    consensus.NodeID
	config    *consensus.Config
	registry  *agent.Registry
	elector   LeaderElector
	sink      EventSink
	cp        crypto.Provider
	transport consensus.Transport
	sm        consensus.StateMachine
	mlog      *messagelog.Log
	logger    *zap.Logger

	view     uint64
	sequence uint64
	lastExec uint64

	instances map[string]*instance // keyed by digest
	// prePrepareBySeq detects leader equivocation: the first digest accepted
	// at (view, sequence) wins; a second, different digest at the same slot
	// is Byzantine evidence.
	prePrepareBySeq map[string]string // "v:s" -> digest
	futureBuffer    []*consensus.ConsensusMessage
	maxBuffer       int
	committed       []Proposal
}

// New constructs a PBFT node. registry supplies the active set and the
// sender-membership check; cp hashes proposal content for digest checks;
// sink receives consensus/byzantine/view-change events. Message signatures
// are not verified.
func New(nodeID consensus.NodeID, cfg *consensus.Config, registry *agent.Registry, elector LeaderElector,
	transport consensus.Transport, sm consensus.StateMachine, cp crypto.Provider, mlog *messagelog.Log, sink EventSink, logger *zap.Logger) *PBFT {
	if cfg.PrepareTimeout == 0 {
		cfg.PrepareTimeout = 30 * time.Second
	}
	return &PBFT{
		nodeID:          nodeID,
		config:          cfg,
		registry:        registry,
		elector:         elector,
		sink:            sink,
		cp:              cp,
		transport:       transport,
		sm:              sm,
		mlog:            mlog,
		logger:          logger,
		instances:       make(map[string]*instance),
		prePrepareBySeq: make(map[string]string),
		maxBuffer:       256,
	}
}

// View returns the current view number.
func (p *PBFT) View() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.view
}

// Leader returns L(view) under the active agent set.
func (p *PBFT) Leader() consensus.NodeID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.leaderLocked()
}

func (p *PBFT) leaderLocked() consensus.NodeID {
	active := p.registry.Active()
	if len(active) == 0 {
		return ""
	}
	return p.elector.Leader(p.view, active)
}

// IsLeader reports whether this node is L(current view).
func (p *PBFT) IsLeader() bool {
	return p.Leader() == p.nodeID
}

// quorums returns (2f, 2f+1) for the current active set size.
func (p *PBFT) quorums() (prepareQ, commitQ int) {
	n := len(p.registry.Active())
	f := consensus.FaultCount(n)
	return 2 * f, 2*f + 1
}

// NewProposal binds content to its digest, per the spec.md §3 invariant
// "digest = hash(content); id bound to digest".
func NewProposal(cp crypto.Provider, proposer string, content []byte) Proposal {
	digest := string(cp.Hash(content))
	return Proposal{
		ID:        digest,
		Content:   content,
		Proposer:  proposer,
		Timestamp: time.Now(),
		Digest:    digest,
	}
}

// StartConsensus is the leader-only entry point: assigns the next
// sequence number and broadcasts pre-prepare. Non-leaders get a protocol
// error.
func (p *PBFT) StartConsensus(proposal Proposal) consensus.Result {
	p.mu.Lock()
	if p.leaderLocked() != p.nodeID {
		p.mu.Unlock()
		return consensus.ProtocolError("not leader for current view")
	}
	p.sequence++
	seq := p.sequence
	view := p.view
	pp := PrePrepare{View: view, Sequence: seq, Digest: proposal.Digest, Proposal: proposal}
	key := messagelog.Key{View: view, Sequence: seq, Digest: proposal.Digest}
	p.instances[proposal.Digest] = &instance{key: key, proposal: &proposal, phase: PhasePrePrepared, startedAt: time.Now()}
	p.prePrepareBySeq[fmt.Sprintf("%d:%d", view, seq)] = proposal.Digest
	p.mlog.Append(key, consensus.PrePrepareMsg, p.nodeID, nil)
	p.mu.Unlock()

	p.broadcast(consensus.PrePrepareMsg, pp)
	return consensus.OK()
}

// ProcessMessage validates and dispatches a single inbound consensus
// message, per spec.md §4.1 process_message.
func (p *PBFT) ProcessMessage(msg *consensus.ConsensusMessage) consensus.Result {
	p.mu.Lock()
	if _, ok := p.registry.Get(string(msg.From)); !ok {
		p.mu.Unlock()
		return consensus.ProtocolError("unknown sender")
	}

	// Future-view messages are buffered and replayed on view adoption.
	if uint64(msg.Term) > p.view {
		if len(p.futureBuffer) < p.maxBuffer {
			p.futureBuffer = append(p.futureBuffer, msg)
		}
		p.mu.Unlock()
		return consensus.OK()
	}
	p.mu.Unlock()

	switch msg.Type {
	case consensus.PrePrepareMsg:
		return p.handlePrePrepare(msg)
	case consensus.PrepareMsg:
		return p.handlePrepare(msg)
	case consensus.CommitMsg:
		return p.handleCommit(msg)
	default:
		return consensus.ProtocolError("unsupported message type in bft")
	}
}

// AdoptView is called by the view-change coordinator once a new view is
// installed; it replays any buffered future-view messages.
func (p *PBFT) AdoptView(view uint64) {
	p.mu.Lock()
	p.view = view
	buffered := p.futureBuffer
	p.futureBuffer = nil
	p.mu.Unlock()

	for _, msg := range buffered {
		p.ProcessMessage(msg)
	}
}

// handlePrePrepare accepts a PrePrepare only from L(v) at the current view,
// verifies the digest against the embedded proposal, and detects leader
// equivocation (two different digests at the same (v,s)).
func (p *PBFT) handlePrePrepare(msg *consensus.ConsensusMessage) consensus.Result {
	var pp PrePrepare
	if err := json.Unmarshal(msg.Data, &pp); err != nil {
		return consensus.ProtocolError("malformed pre-prepare")
	}

	p.mu.Lock()
	leader := p.leaderLocked()
	if msg.From != leader || pp.View != p.view {
		p.mu.Unlock()
		return consensus.ProtocolError("pre-prepare not from current leader/view")
	}

	expected := string(p.cp.Hash(pp.Proposal.Content))
	if expected != pp.Digest || pp.Proposal.Digest != pp.Digest {
		p.mu.Unlock()
		if p.sink != nil {
			p.sink.OnByzantineEvidence(msg.From, "digest-mismatch", pp.Digest)
		}
		return consensus.ByzantineEvidence("pre-prepare digest does not match payload")
	}

	slot := fmt.Sprintf("%d:%d", pp.View, pp.Sequence)
	if existing, ok := p.prePrepareBySeq[slot]; ok && existing != pp.Digest {
		p.mu.Unlock()
		if p.sink != nil {
			p.sink.OnByzantineEvidence(msg.From, "leader-equivocation", fmt.Sprintf("%s vs %s", existing, pp.Digest))
		}
		return consensus.ByzantineEvidence("conflicting pre-prepare digest at same (view,sequence)")
	}
	p.prePrepareBySeq[slot] = pp.Digest

	key := messagelog.Key{View: pp.View, Sequence: pp.Sequence, Digest: pp.Digest}
	if _, exists := p.instances[pp.Digest]; !exists {
		proposal := pp.Proposal
		p.instances[pp.Digest] = &instance{key: key, proposal: &proposal, phase: PhasePrePrepared, startedAt: time.Now()}
	}
	fresh := p.mlog.Append(key, consensus.PrePrepareMsg, msg.From, msg)
	p.mu.Unlock()

	if !fresh {
		return consensus.OK() // duplicate: idempotent no-op
	}

	prepare := Prepare{View: pp.View, Sequence: pp.Sequence, Digest: pp.Digest, NodeID: p.nodeID}
	p.broadcast(consensus.PrepareMsg, prepare)
	return consensus.OK()
}

// handlePrepare records a Prepare vote and, once 2f matching prepares from
// distinct non-leader senders have arrived (on top of the leader's
// pre-prepare), broadcasts Commit.
func (p *PBFT) handlePrepare(msg *consensus.ConsensusMessage) consensus.Result {
	var prep Prepare
	if err := json.Unmarshal(msg.Data, &prep); err != nil {
		return consensus.ProtocolError("malformed prepare")
	}

	p.mu.Lock()
	if prep.View != p.view {
		p.mu.Unlock()
		return consensus.ProtocolError("prepare view mismatch")
	}
	key := messagelog.Key{View: prep.View, Sequence: prep.Sequence, Digest: prep.Digest}
	fresh := p.mlog.Append(key, consensus.PrepareMsg, msg.From, msg)
	if !fresh {
		p.mu.Unlock()
		return consensus.OK()
	}

	leader := p.leaderLocked()
	prepareQ, _ := p.quorums()
	count := len(p.mlog.SendersAt(key, consensus.PrepareMsg, leader))
	_, hasPrePrepare := p.instances[prep.Digest]
	shouldCommit := hasPrePrepare && count >= prepareQ
	if shouldCommit {
		if inst, ok := p.instances[prep.Digest]; ok && inst.phase == PhasePrePrepared {
			inst.phase = PhasePrepared
		}
	}
	p.mu.Unlock()

	if shouldCommit {
		commit := Commit{View: prep.View, Sequence: prep.Sequence, Digest: prep.Digest, NodeID: p.nodeID}
		p.broadcast(consensus.CommitMsg, commit)
	}
	return consensus.OK()
}

// handleCommit records a Commit vote and, once 2f+1 matching commits have
// arrived, executes the request against the state machine.
func (p *PBFT) handleCommit(msg *consensus.ConsensusMessage) consensus.Result {
	var c Commit
	if err := json.Unmarshal(msg.Data, &c); err != nil {
		return consensus.ProtocolError("malformed commit")
	}

	p.mu.Lock()
	if c.View != p.view {
		p.mu.Unlock()
		return consensus.ProtocolError("commit view mismatch")
	}
	key := messagelog.Key{View: c.View, Sequence: c.Sequence, Digest: c.Digest}
	fresh := p.mlog.Append(key, consensus.CommitMsg, msg.From, msg)
	if !fresh {
		p.mu.Unlock()
		return consensus.OK()
	}

	_, commitQ := p.quorums()
	count := len(p.mlog.SendersAt(key, consensus.CommitMsg, ""))
	inst, ok := p.instances[c.Digest]
	alreadyCommitted := ok && inst.phase == PhaseCommitted
	shouldExecute := ok && count >= commitQ && !alreadyCommitted
	if shouldExecute {
		inst.phase = PhaseCommitted
	}
	var proposal Proposal
	if ok {
		proposal = *inst.proposal
	}
	p.mu.Unlock()

	if shouldExecute {
		p.execute(proposal, c.Sequence)
	}
	return consensus.OK()
}

// execute applies a committed proposal to the state machine and notifies
// the event sink. Proposals are applied in the order their commit quorums
// complete; execute does not hold back a sequence whose predecessor has not
// yet been applied.
func (p *PBFT) execute(proposal Proposal, sequence uint64) {
	entry := &consensus.LogEntry{
		Index:     consensus.LogIndex(sequence),
		Term:      consensus.Term(p.View()),
		Data:      proposal.Content,
		Timestamp: proposal.Timestamp,
		Committed: true,
	}
	if _, err := p.sm.Apply(entry); err != nil {
		p.logf("apply failed at sequence %d: %v", sequence, err)
		return
	}
	p.mu.Lock()
	if sequence > p.lastExec {
		p.lastExec = sequence
	}
	p.committed = append(p.committed, proposal)
	p.mu.Unlock()

	if p.sink != nil {
		p.sink.OnConsensusReached(proposal, p.View(), sequence)
	}
}

// CheckTimeouts scans in-flight instances for ones that have exceeded
// PrepareTimeout without committing and requests a view change. The owning
// event loop calls this periodically (spec.md §5: "heartbeat/election
// timers are the only clock-driven suspensions").
func (p *PBFT) CheckTimeouts(now time.Time) {
	p.mu.Lock()
	var expired bool
	for _, inst := range p.instances {
		if inst.phase != PhaseCommitted && now.Sub(inst.startedAt) > p.config.PrepareTimeout {
			expired = true
			break
		}
	}
	p.mu.Unlock()
	if expired && p.sink != nil {
		p.sink.OnViewChangeNeeded("prepare-timeout")
	}
}

// Committed returns every proposal this node has executed, in apply order.
func (p *PBFT) Committed() []Proposal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Proposal(nil), p.committed...)
}

// LastExecuted returns the sequence number of the last applied proposal.
func (p *PBFT) LastExecuted() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastExec
}

func (p *PBFT) broadcast(msgType consensus.MessageType, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.logf("marshal failed for %v: %v", msgType, err)
		return
	}
	msg := &consensus.ConsensusMessage{
		Type:      msgType,
		Term:      consensus.Term(p.View()),
		From:      p.nodeID,
		Data:      data,
		Timestamp: time.Now(),
	}
	if p.transport != nil {
		if err := p.transport.Broadcast(msg); err != nil {
			p.logf("broadcast failed: %v", err)
		}
	}
}

func (p *PBFT) logf(format string, args ...any) {
	if p.logger != nil {
		p.logger.Sugar().Debugf(format, args...)
	}
}

package bft

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ruvnet/a2a-fabric/internal/agent"
	"github.com/ruvnet/a2a-fabric/internal/consensus"
	"github.com/ruvnet/a2a-fabric/internal/crypto"
	"github.com/ruvnet/a2a-fabric/internal/messagelog"
)

// recordingTransport captures every Broadcast call instead of delivering it;
// tests pump captured messages into replicas' ProcessMessage by hand, which
// keeps the four-node PBFT scenarios below deterministic and free of races.
type recordingTransport struct {
	mu  sync.Mutex
	out []*consensus.ConsensusMessage
}

func (t *recordingTransport) Send(consensus.NodeID, *consensus.ConsensusMessage) error { return nil }

func (t *recordingTransport) Broadcast(msg *consensus.ConsensusMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.out = append(t.out, msg)
	return nil
}

func (t *recordingTransport) Receive() <-chan *consensus.ConsensusMessage { return nil }
func (t *recordingTransport) Start() error                               { return nil }
func (t *recordingTransport) Stop() error                                { return nil }
func (t *recordingTransport) GetAddress(consensus.NodeID) string         { return "" }

func (t *recordingTransport) drain() []*consensus.ConsensusMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.out
	t.out = nil
	return out
}

// fixedElector always names the same leader, regardless of view, so tests
// can drive a specific node through StartConsensus.
type fixedElector struct{ leader consensus.NodeID }

func (f fixedElector) Leader(uint64, []string) consensus.NodeID { return f.leader }

// recordingSink captures the protocol-level events PBFT reports, the same
// events cmd/fabricd's eventSink forwards into metrics/security.
type recordingSink struct {
	mu         sync.Mutex
	reached    []Proposal
	byzantine  []string
	viewChange []string
}

func (s *recordingSink) OnConsensusReached(p Proposal, view, sequence uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reached = append(s.reached, p)
}

func (s *recordingSink) OnByzantineEvidence(agentID consensus.NodeID, reason, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byzantine = append(s.byzantine, reason)
}

func (s *recordingSink) OnViewChangeNeeded(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.viewChange = append(s.viewChange, reason)
}

func (s *recordingSink) byzantineReasons() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.byzantine...)
}

// noopStateMachine satisfies consensus.StateMachine without a real SMR
// backing store; handleCommit's execute() path only needs Apply to succeed.
type noopStateMachine struct{}

func (noopStateMachine) Apply(entry *consensus.LogEntry) ([]byte, error) { return nil, nil }
func (noopStateMachine) Snapshot() ([]byte, error)                       { return nil, nil }
func (noopStateMachine) Restore([]byte) error                            { return nil }
func (noopStateMachine) GetState() interface{}                           { return nil }

// replica bundles one node's PBFT engine with its own transport double, so
// tests can both drive it and inspect what it tried to broadcast.
type replica struct {
	id        consensus.NodeID
	pbft      *PBFT
	transport *recordingTransport
	sink      *recordingSink
}

// newCluster builds n replicas sharing the same leader, fault-tolerant up to
// consensus.FaultCount(n) Byzantine agents, per spec.md §4.1/§8.
func newCluster(t *testing.T, n int, leader consensus.NodeID, byzantine bool) []*replica {
	t.Helper()
	reg := agent.NewRegistry()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := string(rune('1'+i))
		id = "n" + id
		ids = append(ids, id)
		require.NoError(t, reg.Register(agent.NewAgent(id, nil)))
		require.NoError(t, reg.Activate(id))
	}

	cp := crypto.NewEd25519Provider()
	elector := fixedElector{leader: leader}

	replicas := make([]*replica, 0, n)
	for _, id := range ids {
		cfg := &consensus.Config{
			NodeID:      consensus.NodeID(id),
			TotalAgents: n,
			Byzantine:   byzantine,
		}
		tr := &recordingTransport{}
		sink := &recordingSink{}
		mlog := messagelog.New(zaptest.NewLogger(t), 10)
		p := New(consensus.NodeID(id), cfg, reg, elector, tr, noopStateMachine{}, cp, mlog, sink, zaptest.NewLogger(t))
		replicas = append(replicas, &replica{id: consensus.NodeID(id), pbft: p, transport: tr, sink: sink})
	}
	return replicas
}

func (c clusterReplicas) byID(id consensus.NodeID) *replica {
	for _, r := range c {
		if r.id == id {
			return r
		}
	}
	return nil
}

type clusterReplicas []*replica

// deliverAll drains every replica's pending broadcasts and feeds each
// message to every replica's ProcessMessage (including the sender: the
// leader's own pre-prepare is a no-op via messagelog's dedup, while a
// node's own prepare or commit is recorded as its vote), repeating until no
// replica has anything left to send. This mirrors a synchronous, fully
// connected network with no message loss.
func deliverAll(replicas clusterReplicas) {
	for {
		var pending []*consensus.ConsensusMessage
		for _, r := range replicas {
			pending = append(pending, r.transport.drain()...)
		}
		if len(pending) == 0 {
			return
		}
		for _, msg := range pending {
			for _, r := range replicas {
				r.pbft.ProcessMessage(msg)
			}
		}
	}
}

// TestPBFTHonestClusterCommits exercises spec.md §8's honest n=4 scenario:
// four correct replicas (n=4 tolerates f=1 Byzantine agent) agree on a
// single client proposal and execute it exactly once per replica.
func TestPBFTHonestClusterCommits(t *testing.T) {
	replicas := clusterReplicas(newCluster(t, 4, "n1", false))
	leader := replicas.byID("n1")

	cp := crypto.NewEd25519Provider()
	proposal := NewProposal(cp, "n1", []byte("replicate me"))

	res := leader.pbft.StartConsensus(proposal)
	require.True(t, res.Ok())

	deliverAll(replicas)

	for _, r := range replicas {
		committed := r.pbft.Committed()
		require.Len(t, committed, 1, "replica %s should have committed exactly one proposal", r.id)
		assert.Equal(t, proposal.Digest, committed[0].Digest)
		assert.Equal(t, uint64(1), r.pbft.LastExecuted())
		assert.Empty(t, r.sink.byzantineReasons())
	}
}

// TestPBFTByzantineLeaderEquivocationDetected exercises spec.md §8's
// Byzantine leader scenario for n=4 (f=1): the leader sends two distinct
// pre-prepares for the same (view, sequence) to different followers, and
// every follower that ultimately sees both must flag leader-equivocation
// rather than silently accepting whichever arrived first.
func TestPBFTByzantineLeaderEquivocationDetected(t *testing.T) {
	replicas := clusterReplicas(newCluster(t, 4, "n1", true))
	leader := replicas.byID("n1")
	follower := replicas.byID("n2")

	cp := crypto.NewEd25519Provider()
	honest := NewProposal(cp, "n1", []byte("version A"))
	equivocated := NewProposal(cp, "n1", []byte("version B"))

	res := leader.pbft.StartConsensus(honest)
	require.True(t, res.Ok())
	msgs := leader.transport.drain()
	require.Len(t, msgs, 1)

	// Forge the second pre-prepare at the same (view, sequence) with a
	// different digest, as a Byzantine leader equivocating to a subset of
	// followers would.
	forged := PrePrepare{View: 0, Sequence: 1, Digest: equivocated.Digest, Proposal: equivocated}
	forgedData, err := json.Marshal(forged)
	require.NoError(t, err)
	forgedMsg := &consensus.ConsensusMessage{
		Type:      consensus.PrePrepareMsg,
		From:      "n1",
		Data:      forgedData,
		Timestamp: time.Now(),
	}

	// follower first sees the honest pre-prepare...
	res = follower.pbft.ProcessMessage(msgs[0])
	require.True(t, res.Ok())
	// ...then the forged one at the identical slot: handlePrePrepare's
	// prePrepareBySeq check must catch the conflicting digest.
	res = follower.pbft.handlePrePrepare(forgedMsg)
	assert.Equal(t, consensus.OutcomeByzantineEvidence, res.Outcome)
	assert.Contains(t, follower.sink.byzantineReasons(), "leader-equivocation")
}

// TestHandlePrePrepareDetectsDigestMismatch exercises the other half of
// handlePrePrepare's verification: a pre-prepare whose carried digest
// doesn't match the hash of its own proposal content is Byzantine evidence,
// independent of the leader-equivocation path above.
func TestHandlePrePrepareDetectsDigestMismatch(t *testing.T) {
	replicas := clusterReplicas(newCluster(t, 4, "n1", true))
	follower := replicas.byID("n2")

	cp := crypto.NewEd25519Provider()
	proposal := NewProposal(cp, "n1", []byte("payload"))
	proposal.Digest = "not-the-real-digest"

	pp := PrePrepare{View: 0, Sequence: 1, Digest: proposal.Digest, Proposal: proposal}
	data, err := json.Marshal(pp)
	require.NoError(t, err)
	msg := &consensus.ConsensusMessage{Type: consensus.PrePrepareMsg, From: "n1", Data: data, Timestamp: time.Now()}

	res := follower.pbft.handlePrePrepare(msg)
	assert.Equal(t, consensus.OutcomeByzantineEvidence, res.Outcome)
	assert.Contains(t, follower.sink.byzantineReasons(), "digest-mismatch")
}

package raft

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/ruvnet/a2a-fabric/internal/consensus"
)

type noopTransport struct {
	recv chan *consensus.ConsensusMessage
}

func newNoopTransport() *noopTransport {
	return &noopTransport{recv: make(chan *consensus.ConsensusMessage, 8)}
}

func (t *noopTransport) Send(consensus.NodeID, *consensus.ConsensusMessage) error { return nil }
func (t *noopTransport) Broadcast(*consensus.ConsensusMessage) error             { return nil }
func (t *noopTransport) Receive() <-chan *consensus.ConsensusMessage            { return t.recv }
func (t *noopTransport) Start() error                                           { return nil }
func (t *noopTransport) Stop() error                                            { return nil }
func (t *noopTransport) GetAddress(consensus.NodeID) string                     { return "" }

type noopStateMachine struct{}

func (noopStateMachine) Apply(entry *consensus.LogEntry) ([]byte, error) { return nil, nil }
func (noopStateMachine) Snapshot() ([]byte, error)                       { return nil, nil }
func (noopStateMachine) Restore([]byte) error                           { return nil }
func (noopStateMachine) GetState() interface{}                          { return nil }

func newTestRaft(t *testing.T) *Raft {
	cfg := &consensus.Config{
		NodeID:             "n1",
		Nodes:              []string{"n1", "n2", "n3"},
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
	}
	return NewRaft(cfg, newNoopTransport(), noopStateMachine{}, nil, zaptest.NewLogger(t))
}

func TestNewRaftStartsAsFollower(t *testing.T) {
	r := newTestRaft(t)
	assert.Equal(t, consensus.Follower, r.GetState())
	assert.Equal(t, consensus.Term(0), r.GetTerm())
	assert.False(t, r.IsLeader())
}

func TestStartElectionBecomesCandidateAndVotesSelf(t *testing.T) {
	r := newTestRaft(t)
	r.startElection()
	assert.Equal(t, consensus.Candidate, r.GetState())
	assert.Equal(t, consensus.Term(1), r.GetTerm())
	assert.True(t, r.votes["n1"])
}

func TestProposeRejectedWhenNotLeader(t *testing.T) {
	r := newTestRaft(t)
	err := r.Propose(nil, []byte("x"))
	assert.Error(t, err)
}

func TestIsLogUpToDateTieBreaksByIndex(t *testing.T) {
	r := newTestRaft(t)
	r.log = append(r.log, &consensus.LogEntry{Index: 1, Term: 2})
	assert.True(t, r.isLogUpToDate(1, 2))
	assert.False(t, r.isLogUpToDate(0, 2))
	assert.True(t, r.isLogUpToDate(1, 3))
}

func TestHandleAppendEntriesRejectsStaleTerm(t *testing.T) {
	r := newTestRaft(t)
	r.currentTerm = 5
	req := AppendEntriesRequest{Term: 2, LeaderID: "n2"}
	data, _ := json.Marshal(req)
	r.handleAppendEntries(&consensus.ConsensusMessage{Term: 2, From: "n2", Data: data})
	assert.Equal(t, consensus.Term(5), r.currentTerm)
}

package membership

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ruvnet/a2a-fabric/internal/consensus"
)

// memTransport is an in-process consensus.Transport double wired directly
// to a peer so gossip messages can be exchanged without real sockets.
type memTransport struct {
	nodeID consensus.NodeID
	peer   *memTransport
	ch     chan *consensus.ConsensusMessage
}

func newMemTransport(id consensus.NodeID) *memTransport {
	return &memTransport{nodeID: id, ch: make(chan *consensus.ConsensusMessage, 100)}
}

func (m *memTransport) Send(nodeID consensus.NodeID, msg *consensus.ConsensusMessage) error {
	if nodeID == m.nodeID {
		m.ch <- msg
		return nil
	}
	if m.peer != nil {
		m.peer.ch <- msg
	}
	return nil
}
func (m *memTransport) Broadcast(msg *consensus.ConsensusMessage) error { return m.Send("", msg) }
func (m *memTransport) Receive() <-chan *consensus.ConsensusMessage    { return m.ch }
func (m *memTransport) Start() error                                   { return nil }
func (m *memTransport) Stop() error                                     { return nil }
func (m *memTransport) GetAddress(consensus.NodeID) string              { return "" }

type recordingObserver struct {
	marked chan string
}

func (r *recordingObserver) MarkSuspectedFaulty(nodeID string) {
	r.marked <- nodeID
}

func TestAliveMessageClearsSuspicion(t *testing.T) {
	tA := newMemTransport("a")
	tB := newMemTransport("b")
	tA.peer = tB
	tB.peer = tA

	nodes := map[consensus.NodeID]string{"a": "addr-a", "b": "addr-b"}
	dA := New("a", nodes, tA, nil, zaptest.NewLogger(t))
	dB := New("b", nodes, tB, nil, zaptest.NewLogger(t))

	// b starts out suspecting a; a's alive gossip must clear that.
	dB.mu.Lock()
	dB.suspicion["a"] = time.Now()
	dB.mu.Unlock()

	dA.Start()
	dB.Start()
	defer dA.Stop()
	defer dB.Stop()

	go dispatchGossip(t, tA, dA)
	go dispatchGossip(t, tB, dB)

	require.Eventually(t, func() bool {
		dB.mu.RLock()
		_, suspected := dB.suspicion["a"]
		dB.mu.RUnlock()
		return !suspected && dB.IsAlive("a")
	}, 2*time.Second, 10*time.Millisecond)
}

// dispatchGossip stands in for the node's central transport-dispatch loop,
// routing GossipDataMsg traffic to the detector under test.
func dispatchGossip(t *testing.T, tr *memTransport, d *Detector) {
	t.Helper()
	for msg := range tr.Receive() {
		if msg.Type == consensus.GossipDataMsg {
			d.HandleRaw(msg)
		}
	}
}

func TestDetectorStartsWithConfiguredNodesAlive(t *testing.T) {
	tA := newMemTransport("a")
	nodes := map[consensus.NodeID]string{"a": "addr-a", "b": "addr-b"}
	d := New("a", nodes, tA, nil, zaptest.NewLogger(t))
	assert.True(t, d.IsAlive("b"))
}

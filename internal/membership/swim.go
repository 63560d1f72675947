// Package membership implements an epidemic (SWIM-style) failure detector,
// adapted from the teacher's internal/consensus/gossip package: the
// data-replication half of that package is dropped since PBFT/Raft/SMR
// now own replication, but its alive/suspect/confirm membership gossip is
// kept and repurposed to feed ViewChangeLeaderElection's fault signal.
package membership

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/a2a-fabric/internal/consensus"
)

// MessageType distinguishes membership gossip messages.
type MessageType int

const (
	AliveMessage MessageType = iota
	SuspectMessage
	ConfirmMessage
)

// Message is one membership gossip datagram.
type Message struct {
	ID        string           `json:"id"`
	Type      MessageType      `json:"type"`
	From      consensus.NodeID `json:"from"`
	TTL       int              `json:"ttl"`
	Timestamp time.Time        `json:"timestamp"`
	Payload   []byte           `json:"payload"`
}

// FaultObserver is notified when a node's status changes, allowing the
// election package to react without membership importing it back.
type FaultObserver interface {
	MarkSuspectedFaulty(nodeID string)
}

// Detector runs SWIM-style alive/suspect/confirm gossip over an existing
// consensus.Transport, independent of any particular consensus protocol.
type Detector struct {
	mu     sync.RWMutex
	nodeID consensus.NodeID
	nodes  map[consensus.NodeID]string

	seen      map[string]bool
	suspicion map[consensus.NodeID]time.Time
	alive     map[consensus.NodeID]time.Time

	fanout      int
	gossipEvery time.Duration
	suspectTime time.Duration
	maxTTL      int

	transport consensus.Transport
	observer  FaultObserver
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Detector over the given cluster membership and
// transport. observer may be nil.
func New(nodeID consensus.NodeID, nodes map[consensus.NodeID]string, transport consensus.Transport, observer FaultObserver, logger *zap.Logger) *Detector {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Detector{
		nodeID:      nodeID,
		nodes:       make(map[consensus.NodeID]string, len(nodes)),
		seen:        make(map[string]bool),
		suspicion:   make(map[consensus.NodeID]time.Time),
		alive:       make(map[consensus.NodeID]time.Time),
		fanout:      3,
		gossipEvery: 200 * time.Millisecond,
		suspectTime: 5 * time.Second,
		maxTTL:      10,
		transport:   transport,
		observer:    observer,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
	for id, addr := range nodes {
		d.nodes[id] = addr
		d.alive[id] = time.Now()
	}
	return d
}

func (d *Detector) logf(format string, args ...any) {
	if d.logger != nil {
		d.logger.Sugar().Debugf(format, args...)
		return
	}
	fmt.Printf(format+"\n", args...)
}

// Start begins the gossip and failure-check loops. The caller owns
// transport lifecycle and message dispatch; Start does not call
// transport.Start() or consume transport.Receive() itself, since the
// fabric node multiplexes one transport across several consumers
// (consensus, view-change, membership) from a single reader and routes
// by message type — see HandleRaw.
func (d *Detector) Start() {
	d.wg.Add(2)
	go d.gossipLoop()
	go d.membershipLoop()
	d.sendAlive()
}

// Stop halts every background loop.
func (d *Detector) Stop() {
	d.cancel()
	d.wg.Wait()
}

// IsAlive reports whether nodeID is currently considered live.
func (d *Detector) IsAlive(nodeID consensus.NodeID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.alive[nodeID]
	return ok
}

// HandleRaw processes one consensus.ConsensusMessage from the shared
// transport; callers should invoke it only for consensus.GossipDataMsg
// messages, determined by the node's central dispatch loop.
func (d *Detector) HandleRaw(raw *consensus.ConsensusMessage) {
	var msg Message
	if err := json.Unmarshal(raw.Data, &msg); err != nil {
		d.logf("membership: failed to unmarshal gossip message: %v", err)
		return
	}
	d.handle(&msg)
}

func (d *Detector) gossipLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.gossipEvery)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.sendAlive()
		}
	}
}

func (d *Detector) membershipLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.checkMembership()
		}
	}
}

func (d *Detector) handle(msg *Message) {
	d.mu.Lock()
	if d.seen[msg.ID] {
		d.mu.Unlock()
		return
	}
	if msg.TTL <= 0 {
		d.mu.Unlock()
		return
	}
	d.seen[msg.ID] = true

	switch msg.Type {
	case AliveMessage:
		d.alive[msg.From] = time.Now()
		delete(d.suspicion, msg.From)
	case SuspectMessage:
		var suspected consensus.NodeID
		json.Unmarshal(msg.Payload, &suspected)
		if _, exists := d.suspicion[suspected]; !exists {
			d.suspicion[suspected] = time.Now()
		}
	case ConfirmMessage:
		var confirmed consensus.NodeID
		json.Unmarshal(msg.Payload, &confirmed)
		delete(d.alive, confirmed)
		delete(d.suspicion, confirmed)
		if d.observer != nil {
			d.observer.MarkSuspectedFaulty(string(confirmed))
		}
	}
	d.mu.Unlock()

	if msg.TTL > 1 && rand.Float64() < 0.5 {
		d.propagate(msg)
	}
}

func (d *Detector) propagate(msg *Message) {
	cp := *msg
	cp.TTL--
	for _, target := range d.gossipTargets() {
		if target != msg.From {
			d.sendTo(target, &cp)
		}
	}
}

func (d *Detector) gossipTargets() []consensus.NodeID {
	d.mu.RLock()
	candidates := make([]consensus.NodeID, 0, len(d.nodes))
	for id := range d.nodes {
		if id != d.nodeID {
			candidates = append(candidates, id)
		}
	}
	d.mu.RUnlock()

	for i := len(candidates) - 1; i > 0; i-- {
		j := rand.Intn(i + 1)
		candidates[i], candidates[j] = candidates[j], candidates[i]
	}
	fanout := d.fanout
	if len(candidates) < fanout {
		fanout = len(candidates)
	}
	return candidates[:fanout]
}

func (d *Detector) sendTo(nodeID consensus.NodeID, msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		d.logf("membership: failed to marshal message: %v", err)
		return
	}
	cm := &consensus.ConsensusMessage{
		Type:      consensus.GossipDataMsg,
		From:      d.nodeID,
		To:        nodeID,
		Data:      data,
		Timestamp: time.Now(),
	}
	if err := d.transport.Send(nodeID, cm); err != nil {
		d.logf("membership: failed to send to %s: %v", nodeID, err)
	}
}

func (d *Detector) gossip(msg *Message) {
	d.mu.Lock()
	d.seen[msg.ID] = true
	d.mu.Unlock()
	for _, target := range d.gossipTargets() {
		d.sendTo(target, msg)
	}
}

func (d *Detector) sendAlive() {
	d.gossip(&Message{
		ID:        d.messageID(),
		Type:      AliveMessage,
		From:      d.nodeID,
		TTL:       d.maxTTL,
		Timestamp: time.Now(),
		Payload:   []byte(`{}`),
	})
}

func (d *Detector) checkMembership() {
	d.mu.Lock()
	now := time.Now()
	var toSuspect []consensus.NodeID
	for nodeID, lastSeen := range d.alive {
		if nodeID == d.nodeID {
			continue
		}
		if now.Sub(lastSeen) > d.suspectTime {
			if _, already := d.suspicion[nodeID]; !already {
				d.suspicion[nodeID] = now
				toSuspect = append(toSuspect, nodeID)
			}
		}
	}

	confirmTimeout := 2 * d.suspectTime
	var toConfirm []consensus.NodeID
	for nodeID, suspectedAt := range d.suspicion {
		if now.Sub(suspectedAt) > confirmTimeout {
			delete(d.alive, nodeID)
			delete(d.suspicion, nodeID)
			toConfirm = append(toConfirm, nodeID)
		}
	}
	d.mu.Unlock()

	for _, nodeID := range toSuspect {
		payload, _ := json.Marshal(nodeID)
		d.gossip(&Message{ID: d.messageID(), Type: SuspectMessage, From: d.nodeID, TTL: d.maxTTL, Timestamp: now, Payload: payload})
	}
	for _, nodeID := range toConfirm {
		payload, _ := json.Marshal(nodeID)
		d.gossip(&Message{ID: d.messageID(), Type: ConfirmMessage, From: d.nodeID, TTL: d.maxTTL, Timestamp: now, Payload: payload})
		if d.observer != nil {
			d.observer.MarkSuspectedFaulty(string(nodeID))
		}
	}
}

func (d *Detector) messageID() string {
	return fmt.Sprintf("%s-%d-%d", d.nodeID, time.Now().UnixNano(), rand.Int63())
}

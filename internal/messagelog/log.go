// Package messagelog implements the append-only consensus message log and
// its periodic stable-checkpoint mechanism (spec.md §2 item 2, §4.1, §6).
// The log is keyed by (view, sequence, digest) and is the exclusive owner
// of ConsensusMessage records; readers see consistent snapshots by index
// range (spec.md §5 Shared resource policy).
package messagelog

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ruvnet/a2a-fabric/internal/consensus"
)

// Key identifies a single voting instance.
type Key struct {
	View     uint64
	Sequence uint64
	Digest   string
}

// Entry is one immutable append to the log.
type Entry struct {
	Key     Key
	Message *consensus.ConsensusMessage
	// Type and Sender disambiguate duplicate suppression per spec.md §4.1:
	// "message set keyed by (type, sender, v, s, digest)".
	Type   consensus.MessageType
	Sender consensus.NodeID
}

// dupKey is the idempotence key for a single message instance.
type dupKey struct {
	Type consensus.MessageType
	From consensus.NodeID
	Key  Key
}

// Snapshot is a stable checkpoint: a content hash over the state machine
// state at the moment of capture, plus the set of log entries it covers.
type Snapshot struct {
	ID             uint64
	Sequence       uint64
	State          []byte
	Hash           string
	IncludedUpTo   uint64
}

// Log is the append-only, (view,sequence,digest)-keyed consensus message
// log and checkpoint store.
type Log struct {
	mu       sync.RWMutex
	log      *zap.Logger
	entries  []*Entry
	byKey    map[Key][]*Entry
	seen     map[dupKey]bool
	snapshots []*Snapshot
	stableSeq uint64
	keepSnapshots int
}

// New creates an empty message log. keepSnapshots bounds retention per
// spec.md §9 ("snapshot retention of 10 is arbitrary"); callers may align
// it with their recovery window.
func New(logger *zap.Logger, keepSnapshots int) *Log {
	if keepSnapshots <= 0 {
		keepSnapshots = 10
	}
	return &Log{
		log:           logger,
		byKey:         make(map[Key][]*Entry),
		seen:          make(map[dupKey]bool),
		keepSnapshots: keepSnapshots,
	}
}

// Append adds a message to the log. Returns false if the message is a
// duplicate (same type/sender/key), in which case the append is a silent
// no-op per spec.md §4.1 ("duplicate messages are silently idempotent").
func (l *Log) Append(key Key, msgType consensus.MessageType, sender consensus.NodeID, msg *consensus.ConsensusMessage) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	dk := dupKey{Type: msgType, From: sender, Key: key}
	if l.seen[dk] {
		return false
	}
	l.seen[dk] = true

	e := &Entry{Key: key, Message: msg, Type: msgType, Sender: sender}
	l.entries = append(l.entries, e)
	l.byKey[key] = append(l.byKey[key], e)
	return true
}

// CountAt returns how many distinct senders have a message of msgType at
// key, used to evaluate quorum thresholds.
func (l *Log) CountAt(key Key, msgType consensus.MessageType) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	count := 0
	seenSenders := make(map[consensus.NodeID]bool)
	for _, e := range l.byKey[key] {
		if e.Type == msgType && !seenSenders[e.Sender] {
			seenSenders[e.Sender] = true
			count++
		}
	}
	return count
}

// SendersAt returns the distinct senders that have a message of msgType at
// key, excluding the provided node (used to exclude the pre-prepare
// sender's implicit prepare vote, per spec.md §9 Open Questions).
func (l *Log) SendersAt(key Key, msgType consensus.MessageType, exclude consensus.NodeID) []consensus.NodeID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	seenSenders := make(map[consensus.NodeID]bool)
	var out []consensus.NodeID
	for _, e := range l.byKey[key] {
		if e.Type == msgType && e.Sender != exclude && !seenSenders[e.Sender] {
			seenSenders[e.Sender] = true
			out = append(out, e.Sender)
		}
	}
	return out
}

// EntriesInRange returns a read-only view of log entries whose sequence
// falls in [from, to]. Readers observe a consistent snapshot: the returned
// slice is a copy.
func (l *Log) EntriesInRange(from, to uint64) []*Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Entry, 0)
	for _, e := range l.entries {
		if e.Key.Sequence >= from && e.Key.Sequence <= to {
			out = append(out, e)
		}
	}
	return out
}

// Checkpoint captures a checkpoint: a copy of the state bytes, their hash,
// and the sequence it was taken at. It does not truncate the log; the
// caller calls StableCheckpoint once a quorum of CheckpointMessages has
// arrived, since only the owning node knows when that happens.
func (l *Log) Checkpoint(sequence uint64, state []byte, hash string) *Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := &Snapshot{
		ID:           uint64(len(l.snapshots) + 1),
		Sequence:     sequence,
		State:        append([]byte(nil), state...),
		Hash:         hash,
		IncludedUpTo: sequence,
	}
	l.snapshots = append(l.snapshots, snap)
	if len(l.snapshots) > l.keepSnapshots {
		l.snapshots = l.snapshots[len(l.snapshots)-l.keepSnapshots:]
	}
	if l.log != nil {
		l.log.Debug("checkpoint captured", zap.Uint64("sequence", sequence), zap.String("hash", hash))
	}
	return snap
}

// StableCheckpoint marks sequence as stable (acknowledged by a quorum) and
// truncates log entries at or below it, per spec.md §6 ("stable checkpoint
// marker... recovery replays from the most recent snapshot forward").
func (l *Log) StableCheckpoint(sequence uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stableSeq = sequence

	kept := l.entries[:0:0]
	for _, e := range l.entries {
		if e.Key.Sequence > sequence {
			kept = append(kept, e)
		}
	}
	l.entries = kept
	for k := range l.byKey {
		if k.Sequence <= sequence {
			delete(l.byKey, k)
		}
	}
}

// LatestSnapshot returns the most recent checkpoint, since "latest snapshot
// dominates older ones" (spec.md §3).
func (l *Log) LatestSnapshot() (*Snapshot, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.snapshots) == 0 {
		return nil, false
	}
	return l.snapshots[len(l.snapshots)-1], true
}

// Snapshots returns all retained snapshots ordered by sequence.
func (l *Log) Snapshots() []*Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := append([]*Snapshot(nil), l.snapshots...)
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// StableSequence returns the sequence number of the last stable checkpoint.
func (l *Log) StableSequence() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stableSeq
}

func (k Key) String() string {
	return fmt.Sprintf("(v=%d,s=%d,d=%s)", k.View, k.Sequence, k.Digest)
}

// Package smr implements the deterministic state-machine replication layer
// of spec.md §4.4: a keyed state store with create/update/delete/execute
// operations, dependency-gated pending operations, a ±10-sequence conflict
// detector, three resolution strategies, and periodic snapshotting.
package smr

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/a2a-fabric/internal/consensus"
)

// OpType enumerates the deterministic operation kinds applied to state.
type OpType int

const (
	OpCreate OpType = iota
	OpUpdate
	OpDelete
	OpExecute
)

func (t OpType) String() string {
	switch t {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpExecute:
		return "execute"
	default:
		return "unknown"
	}
}

// Operation is a single deterministic state mutation, ordered by Sequence.
type Operation struct {
	ID        string         `json:"id"`
	Sequence  uint64         `json:"sequence"`
	Type      OpType         `json:"type"`
	Target    string         `json:"target"`
	Data      any            `json:"data,omitempty"`
	Function  string         `json:"function,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	Deps      []string       `json:"deps,omitempty"`
	NodeID    consensus.NodeID `json:"node_id"`
	Timestamp time.Time      `json:"timestamp"`

	// rollback captures what's needed to synthesize an inverse op, set at
	// apply time (spec.md §4.4: "update uses captured rollback data").
	rollbackData any
	rollbackSet  bool
}

// whitelisted execute functions, per spec.md §4.4 "a small whitelist of
// safe operators".
const (
	FnIncrement = "increment"
	FnAppend    = "append"
	FnMerge     = "merge"
)

// Snapshot is a point-in-time capture of state, retained up to keepSnapshots.
type Snapshot struct {
	ID          uint64
	Sequence    uint64
	State       map[string]any
	Hash        string
	IncludedOps []string
}

// StateMachine is the exclusive owner of the keyed state S and its
// operation/conflict/snapshot bookkeeping.
type StateMachine struct {
	mu sync.RWMutex

	state map[string]any
	// applied is every successfully applied operation, in apply order, used
	// for the ±10-sequence conflict window scan.
	applied []*Operation

	pending map[string]*Operation // keyed by operation id, deps unmet

	resolver           *ConflictResolver
	checkpointInterval int
	appliedSinceCkpt   int
	snapshots          []*Snapshot
	keepSnapshots      int

	logger *zap.Logger
}

// Option configures a StateMachine at construction.
type Option func(*StateMachine)

// WithCheckpointInterval overrides the default checkpoint cadence (every N
// applied operations).
func WithCheckpointInterval(n int) Option {
	return func(sm *StateMachine) { sm.checkpointInterval = n }
}

// WithKeepSnapshots overrides the snapshot retention count (default 10).
func WithKeepSnapshots(n int) Option {
	return func(sm *StateMachine) { sm.keepSnapshots = n }
}

// New constructs an empty StateMachine.
func New(resolver *ConflictResolver, logger *zap.Logger, opts ...Option) *StateMachine {
	sm := &StateMachine{
		state:              make(map[string]any),
		pending:            make(map[string]*Operation),
		resolver:           resolver,
		checkpointInterval: 100,
		keepSnapshots:      10,
		logger:             logger,
	}
	for _, opt := range opts {
		opt(sm)
	}
	return sm
}

// Apply satisfies consensus.StateMachine: entry.Data carries a JSON-encoded
// Operation. Operations whose deps are unmet are parked in pendingOperations
// rather than rejected outright.
func (sm *StateMachine) Apply(entry *consensus.LogEntry) ([]byte, error) {
	var op Operation
	if err := json.Unmarshal(entry.Data, &op); err != nil {
		return nil, fmt.Errorf("smr: malformed operation: %w", err)
	}
	if err := sm.ApplyOperation(&op); err != nil {
		return nil, err
	}
	return json.Marshal(sm.state)
}

// ApplyOperation is the direct entry point used by callers that already
// hold a parsed Operation (avoids a marshal/unmarshal round trip).
func (sm *StateMachine) ApplyOperation(op *Operation) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.depsSatisfiedLocked(op) {
		sm.pending[op.ID] = op
		return nil
	}

	if err := sm.applyLocked(op); err != nil {
		return err
	}
	sm.drainPendingLocked()
	return nil
}

func (sm *StateMachine) depsSatisfiedLocked(op *Operation) bool {
	for _, dep := range op.Deps {
		if !sm.isAppliedLocked(dep) {
			return false
		}
	}
	return true
}

func (sm *StateMachine) isAppliedLocked(id string) bool {
	for _, a := range sm.applied {
		if a.ID == id {
			return true
		}
	}
	return false
}

// drainPendingLocked applies every pending operation whose deps are now
// satisfied, in ascending sequence order, repeating until a pass makes no
// progress (spec.md §4.4: "every apply pass drains operations whose deps
// are now satisfied, in ascending sequence order").
func (sm *StateMachine) drainPendingLocked() {
	for {
		ready := make([]*Operation, 0)
		for _, op := range sm.pending {
			if sm.depsSatisfiedLocked(op) {
				ready = append(ready, op)
			}
		}
		if len(ready) == 0 {
			return
		}
		sort.Slice(ready, func(i, j int) bool { return ready[i].Sequence < ready[j].Sequence })
		for _, op := range ready {
			delete(sm.pending, op.ID)
			if err := sm.applyLocked(op); err != nil && sm.logger != nil {
				sm.logger.Warn("pending operation failed to apply", zap.String("op_id", op.ID), zap.Error(err))
			}
		}
	}
}

// applyLocked runs conflict detection, then dispatches the operation to its
// deterministic handler, then records it and maybe checkpoints.
func (sm *StateMachine) applyLocked(op *Operation) error {
	if conflicts := sm.detectConflictsLocked(op); len(conflicts) > 0 && sm.resolver != nil {
		winner, losers := sm.resolver.Resolve(append(conflicts, op))
		if winner.ID != op.ID {
			// op lost to an existing applied operation; reject it outright,
			// it never becomes part of `applied`.
			return fmt.Errorf("smr: operation %s lost conflict resolution", op.ID)
		}
		for _, loser := range losers {
			sm.rollbackLocked(loser)
		}
	}

	if err := sm.dispatchLocked(op); err != nil {
		return err
	}

	sm.applied = append(sm.applied, op)
	sm.appliedSinceCkpt++
	if sm.checkpointInterval > 0 && sm.appliedSinceCkpt >= sm.checkpointInterval {
		sm.checkpointLocked()
		sm.appliedSinceCkpt = 0
	}
	return nil
}

// dispatchLocked performs the actual deterministic mutation for one of the
// four operation kinds, per spec.md §4.4.
func (sm *StateMachine) dispatchLocked(op *Operation) error {
	switch op.Type {
	case OpCreate:
		if _, exists := sm.state[op.Target]; exists {
			return fmt.Errorf("smr: create failed, %s already exists", op.Target)
		}
		sm.state[op.Target] = op.Data
		return nil

	case OpUpdate:
		old, exists := sm.state[op.Target]
		if !exists {
			return fmt.Errorf("smr: update failed, %s does not exist", op.Target)
		}
		op.rollbackData = old
		op.rollbackSet = true
		oldMap, oldIsMap := old.(map[string]any)
		newMap, newIsMap := op.Data.(map[string]any)
		if oldIsMap && newIsMap {
			merged := make(map[string]any, len(oldMap)+len(newMap))
			for k, v := range oldMap {
				merged[k] = v
			}
			for k, v := range newMap {
				merged[k] = v
			}
			sm.state[op.Target] = merged
		} else {
			sm.state[op.Target] = op.Data
		}
		return nil

	case OpDelete:
		old, exists := sm.state[op.Target]
		if !exists {
			return fmt.Errorf("smr: delete failed, %s does not exist", op.Target)
		}
		op.rollbackData = old
		op.rollbackSet = true
		delete(sm.state, op.Target)
		return nil

	case OpExecute:
		return sm.executeLocked(op)

	default:
		return fmt.Errorf("smr: unknown operation type %v", op.Type)
	}
}

func (sm *StateMachine) executeLocked(op *Operation) error {
	switch op.Function {
	case FnIncrement:
		cur, _ := sm.state[op.Target].(float64)
		delta, _ := op.Params["delta"].(float64)
		op.rollbackData = cur
		op.rollbackSet = true
		sm.state[op.Target] = cur + delta
		return nil
	case FnAppend:
		list, _ := sm.state[op.Target].([]any)
		op.rollbackData = append([]any(nil), list...)
		op.rollbackSet = true
		sm.state[op.Target] = append(list, op.Params["value"])
		return nil
	case FnMerge:
		existing, _ := sm.state[op.Target].(map[string]any)
		patch, _ := op.Params["patch"].(map[string]any)
		snapshot := make(map[string]any, len(existing))
		for k, v := range existing {
			snapshot[k] = v
		}
		op.rollbackData = snapshot
		op.rollbackSet = true
		merged := make(map[string]any, len(existing)+len(patch))
		for k, v := range existing {
			merged[k] = v
		}
		for k, v := range patch {
			merged[k] = v
		}
		sm.state[op.Target] = merged
		return nil
	default:
		return fmt.Errorf("smr: unknown execute function %q", op.Function)
	}
}

// rollbackLocked synthesizes and applies the inverse of a previously
// applied operation, per spec.md §4.4: "create<->delete; update uses
// captured rollback data; execute uses identity [the captured pre-image]."
func (sm *StateMachine) rollbackLocked(op *Operation) {
	switch op.Type {
	case OpCreate:
		delete(sm.state, op.Target)
	case OpDelete:
		if op.rollbackSet {
			sm.state[op.Target] = op.rollbackData
		}
	case OpUpdate, OpExecute:
		if op.rollbackSet {
			sm.state[op.Target] = op.rollbackData
		}
	}
}

// detectConflictsLocked scans applied operations on the same target within
// ±10 sequences of op for a conflicting type pair, per spec.md §4.4's
// conflict matrix.
func (sm *StateMachine) detectConflictsLocked(op *Operation) []*Operation {
	var conflicts []*Operation
	for _, a := range sm.applied {
		if a.Target != op.Target {
			continue
		}
		diff := int64(op.Sequence) - int64(a.Sequence)
		if diff < 0 {
			diff = -diff
		}
		if diff > 10 {
			continue
		}
		if conflictingPair(a.Type, op.Type) {
			conflicts = append(conflicts, a)
		}
	}
	return conflicts
}

// conflictingPair implements the conflict matrix: (create,create),
// (update,update), (update,delete), (delete,create), (execute,execute),
// symmetric in either operand order.
func conflictingPair(a, b OpType) bool {
	pairs := [][2]OpType{
		{OpCreate, OpCreate},
		{OpUpdate, OpUpdate},
		{OpUpdate, OpDelete},
		{OpDelete, OpCreate},
		{OpExecute, OpExecute},
	}
	for _, p := range pairs {
		if (a == p[0] && b == p[1]) || (a == p[1] && b == p[0]) {
			return true
		}
	}
	return false
}

// checkpointLocked captures {id, sequence, deep-copy(S), hash(S), included
// ops} and retains only the most recent keepSnapshots.
func (sm *StateMachine) checkpointLocked() {
	// Deep-copy via a JSON round trip so the snapshot shares no nested maps
	// or slices with live state; if S holds a value JSON cannot encode, only
	// the top-level map is copied.
	deepCopy := make(map[string]any, len(sm.state))
	for k, v := range sm.state {
		deepCopy[k] = v
	}
	if data, err := json.Marshal(sm.state); err == nil {
		cloned := make(map[string]any, len(sm.state))
		if json.Unmarshal(data, &cloned) == nil {
			deepCopy = cloned
		}
	}
	included := make([]string, 0, len(sm.applied))
	var lastSeq uint64
	for _, op := range sm.applied {
		included = append(included, op.ID)
		if op.Sequence > lastSeq {
			lastSeq = op.Sequence
		}
	}
	snap := &Snapshot{
		ID:          uint64(len(sm.snapshots) + 1),
		Sequence:    lastSeq,
		State:       deepCopy,
		Hash:        hashState(deepCopy),
		IncludedOps: included,
	}
	sm.snapshots = append(sm.snapshots, snap)
	if len(sm.snapshots) > sm.keepSnapshots {
		sm.snapshots = sm.snapshots[len(sm.snapshots)-sm.keepSnapshots:]
	}
	if sm.logger != nil {
		sm.logger.Debug("smr checkpoint", zap.Uint64("sequence", snap.Sequence), zap.String("hash", snap.Hash))
	}
}

func hashState(state map[string]any) string {
	data, err := json.Marshal(sortedKeys(state))
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// sortedKeys renders state as a deterministically ordered slice of
// key/value pairs so hashState is stable regardless of map iteration order.
func sortedKeys(state map[string]any) []any {
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, [2]any{k, state[k]})
	}
	return out
}

// Snapshot satisfies consensus.StateMachine: returns a JSON encoding of the
// latest checkpoint.
func (sm *StateMachine) Snapshot() ([]byte, error) {
	sm.mu.Lock()
	sm.checkpointLocked()
	snap := sm.snapshots[len(sm.snapshots)-1]
	sm.mu.Unlock()
	return json.Marshal(snap)
}

// Restore deep-copies the snapshot's state and replays no further
// operations, since a wire snapshot carries exactly the state as-of its
// IncludedOps; later operations arrive independently through Apply and are
// replayed by the driving consensus engine.
func (sm *StateMachine) Restore(data []byte) error {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.state = make(map[string]any, len(snap.State))
	for k, v := range snap.State {
		sm.state[k] = v
	}
	return nil
}

// GetState satisfies consensus.StateMachine, returning the live state map.
// Callers must not mutate the returned map.
func (sm *StateMachine) GetState() interface{} {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// Get resolves a single key from state.
func (sm *StateMachine) Get(target string) (any, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	v, ok := sm.state[target]
	return v, ok
}

// PendingCount returns the number of operations parked awaiting deps.
func (sm *StateMachine) PendingCount() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.pending)
}

// Snapshots returns the retained checkpoints, oldest first.
func (sm *StateMachine) Snapshots() []*Snapshot {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return append([]*Snapshot(nil), sm.snapshots...)
}

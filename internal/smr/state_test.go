package smr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestSM(t *testing.T) *StateMachine {
	resolver := NewConflictResolver(StrategyLastWriterWins, nil)
	return New(resolver, zaptest.NewLogger(t))
}

func TestCreateThenDuplicateCreateFails(t *testing.T) {
	sm := newTestSM(t)
	op1 := &Operation{ID: "op1", Sequence: 1, Type: OpCreate, Target: "k1", Data: "v1"}
	require.NoError(t, sm.ApplyOperation(op1))

	err := sm.ApplyOperation(&Operation{ID: "op2", Sequence: 2, Type: OpCreate, Target: "k1", Data: "v2"})
	assert.Error(t, err)

	v, ok := sm.Get("k1")
	assert.True(t, ok)
	assert.Equal(t, "v1", v)
}

func TestUpdateMergesObjects(t *testing.T) {
	sm := newTestSM(t)
	require.NoError(t, sm.ApplyOperation(&Operation{ID: "op1", Sequence: 1, Type: OpCreate, Target: "k1", Data: map[string]any{"a": 1}}))
	require.NoError(t, sm.ApplyOperation(&Operation{ID: "op2", Sequence: 2, Type: OpUpdate, Target: "k1", Data: map[string]any{"b": 2}}))

	v, _ := sm.Get("k1")
	m := v.(map[string]any)
	assert.Equal(t, 1, m["a"])
	assert.Equal(t, 2, m["b"])
}

func TestUpdateOnMissingTargetFails(t *testing.T) {
	sm := newTestSM(t)
	err := sm.ApplyOperation(&Operation{ID: "op1", Sequence: 1, Type: OpUpdate, Target: "missing", Data: "v"})
	assert.Error(t, err)
}

func TestDependentOperationParksUntilDepsSatisfied(t *testing.T) {
	sm := newTestSM(t)
	dependent := &Operation{ID: "op2", Sequence: 2, Type: OpCreate, Target: "k2", Data: "v2", Deps: []string{"op1"}}
	require.NoError(t, sm.ApplyOperation(dependent))

	_, ok := sm.Get("k2")
	assert.False(t, ok)
	assert.Equal(t, 1, sm.PendingCount())

	require.NoError(t, sm.ApplyOperation(&Operation{ID: "op1", Sequence: 1, Type: OpCreate, Target: "k1", Data: "v1"}))

	_, ok = sm.Get("k2")
	assert.True(t, ok)
	assert.Equal(t, 0, sm.PendingCount())
}

func TestExecuteIncrement(t *testing.T) {
	sm := newTestSM(t)
	require.NoError(t, sm.ApplyOperation(&Operation{ID: "op1", Sequence: 1, Type: OpCreate, Target: "counter", Data: float64(5)}))
	require.NoError(t, sm.ApplyOperation(&Operation{
		ID: "op2", Sequence: 2, Type: OpExecute, Target: "counter", Function: FnIncrement,
		Params: map[string]any{"delta": float64(3)},
	}))
	v, _ := sm.Get("counter")
	assert.Equal(t, float64(8), v)
}

func TestExecuteUnknownFunctionFails(t *testing.T) {
	sm := newTestSM(t)
	require.NoError(t, sm.ApplyOperation(&Operation{ID: "op1", Sequence: 1, Type: OpCreate, Target: "k", Data: "v"}))
	err := sm.ApplyOperation(&Operation{ID: "op2", Sequence: 2, Type: OpExecute, Target: "k", Function: "delete-everything"})
	assert.Error(t, err)
}

func TestConflictingUpdatesWithinWindowResolveLastWriterWins(t *testing.T) {
	sm := newTestSM(t)
	require.NoError(t, sm.ApplyOperation(&Operation{ID: "op1", Sequence: 1, Type: OpCreate, Target: "k", Data: "v0"}))

	earlier := time.Now()
	later := earlier.Add(time.Second)
	require.NoError(t, sm.ApplyOperation(&Operation{ID: "op2", Sequence: 3, Type: OpUpdate, Target: "k", Data: "v2", Timestamp: earlier}))
	// op3 is within +-10 sequences of op2 and conflicts (update,update); since
	// its timestamp is later it should win the resolution.
	require.NoError(t, sm.ApplyOperation(&Operation{ID: "op3", Sequence: 4, Type: OpUpdate, Target: "k", Data: "v3", Timestamp: later}))

	v, _ := sm.Get("k")
	assert.Equal(t, "v3", v)
}

func TestConflictOutsideWindowIsNotDetected(t *testing.T) {
	sm := newTestSM(t)
	require.NoError(t, sm.ApplyOperation(&Operation{ID: "op1", Sequence: 1, Type: OpCreate, Target: "k", Data: "v0"}))
	require.NoError(t, sm.ApplyOperation(&Operation{ID: "op2", Sequence: 2, Type: OpUpdate, Target: "k", Data: "v2"}))
	// sequence 20 is far outside the +-10 window of op2 (sequence 2), so no
	// conflict is raised even though both are updates to the same target.
	require.NoError(t, sm.ApplyOperation(&Operation{ID: "op3", Sequence: 20, Type: OpUpdate, Target: "k", Data: "v3"}))

	v, _ := sm.Get("k")
	assert.Equal(t, "v3", v)
}

func TestCheckpointCapturesStateAndRestoreRecoversIt(t *testing.T) {
	resolver := NewConflictResolver(StrategyLastWriterWins, nil)
	sm := New(resolver, zaptest.NewLogger(t), WithCheckpointInterval(1))
	require.NoError(t, sm.ApplyOperation(&Operation{ID: "op1", Sequence: 1, Type: OpCreate, Target: "k", Data: "v1"}))

	snaps := sm.Snapshots()
	require.Len(t, snaps, 1)
	assert.NotEmpty(t, snaps[0].Hash)

	data, err := sm.Snapshot()
	require.NoError(t, err)

	restored := New(resolver, zaptest.NewLogger(t))
	require.NoError(t, restored.Restore(data))
	v, ok := restored.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v1", v)
}

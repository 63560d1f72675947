package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetricsRecordingDoesNotPanic(t *testing.T) {
	m := NewMetrics()

	assert.NotPanics(t, func() {
		m.RecordRequest()
		m.RecordRequestDuration(10 * time.Millisecond)
		m.IncRequestsInFlight()
		m.DecRequestsInFlight()
		m.RecordConsensusRound("pbft", "committed", 5*time.Millisecond)
		m.RecordViewChange()
		m.RecordByzantineEvidence("equivocation")
		m.SetCurrentView(3)
		m.RecordSMROperation()
		m.RecordSMRConflict("last-writer-wins")
		m.RecordSMRSnapshot()
		m.RecordVoteCast()
		m.RecordProposalFinalized("passed")
		m.SetCacheHitRatio(0.75)
		m.RecordBreakerOpen()
		m.RecordPredictedLatency(42)
	})

	assert.NotNil(t, m.GetRegistry())
}

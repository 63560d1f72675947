package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIntegrator() *Integrator {
	return New([]byte("test-secret"), "a2a-fabric", time.Minute)
}

func TestIssueAndVerifyTokenRoundTrips(t *testing.T) {
	i := newIntegrator()
	tok, err := i.IssueToken("node-1", 3, 0.5)
	require.NoError(t, err)

	claims, err := i.VerifyToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "node-1", claims.NodeID)
	assert.Equal(t, 3, claims.TrustLevel)
}

func TestVerifyTokenRejectsTamperedSecret(t *testing.T) {
	i := newIntegrator()
	tok, err := i.IssueToken("node-1", 3, 0.5)
	require.NoError(t, err)

	other := New([]byte("different-secret"), "a2a-fabric", time.Minute)
	_, err = other.VerifyToken(tok)
	assert.Error(t, err)
}

func TestVerifyTokenRejectsRevokedNode(t *testing.T) {
	i := newIntegrator()
	tok, err := i.IssueToken("node-1", 3, 0.5)
	require.NoError(t, err)

	i.Revoke("node-1")
	_, err = i.VerifyToken(tok)
	assert.Error(t, err)
}

func TestAuthorizeConsensusParticipationRejectsLowTrust(t *testing.T) {
	i := newIntegrator()
	err := i.AuthorizeConsensusParticipation(&Claims{NodeID: "node-1", TrustLevel: 0})
	assert.Error(t, err)

	err = i.AuthorizeConsensusParticipation(&Claims{NodeID: "node-1", TrustLevel: RequiredTrustForConsensus})
	assert.NoError(t, err)
}

func TestEvidenceLedgerFiltersByNode(t *testing.T) {
	i := newIntegrator()
	i.RecordEvidence("node-1", EvidenceEquivocation, "conflicting digests")
	i.RecordEvidence("node-2", EvidenceDoubleSign, "signed two views")

	got := i.EvidenceAgainst("node-1")
	require.Len(t, got, 1)
	assert.Equal(t, EvidenceEquivocation, got[0].Kind)

	assert.Len(t, i.AllEvidence(), 2)
}

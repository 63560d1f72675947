// Package security implements the SecurityIntegrator of spec.md §4.10:
// JWT-based agent identity binding, consensus-participation gating by
// trust level, and an evidence ledger for malicious-behavior reports.
package security

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims binds an agent's identity and trust facets into a signed token,
// the JWT-native successor to the teacher's placeholder token format.
type Claims struct {
	jwt.RegisteredClaims
	NodeID     string  `json:"node_id"`
	TrustLevel int     `json:"trust_level"`
	Stake      float64 `json:"stake"`
}

// Integrator issues and verifies identity tokens and gates consensus
// participation by minimum trust level.
type Integrator struct {
	secretKey []byte
	issuer    string
	ttl       time.Duration

	mu      sync.Mutex
	ledger  []Evidence
	revoked map[string]bool
}

// New constructs an Integrator signing tokens with secretKey under issuer,
// each valid for ttl.
func New(secretKey []byte, issuer string, ttl time.Duration) *Integrator {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Integrator{
		secretKey: secretKey,
		issuer:    issuer,
		ttl:       ttl,
		revoked:   make(map[string]bool),
	}
}

// IssueToken binds nodeID's trust level and stake into a signed JWT.
func (i *Integrator) IssueToken(nodeID string, trustLevel int, stake float64) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   nodeID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		NodeID:     nodeID,
		TrustLevel: trustLevel,
		Stake:      stake,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secretKey)
}

// VerifyToken parses and validates a token, rejecting revoked subjects.
func (i *Integrator) VerifyToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("security: unexpected signing method %v", t.Header["alg"])
		}
		return i.secretKey, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("security: invalid token")
	}

	i.mu.Lock()
	revoked := i.revoked[claims.NodeID]
	i.mu.Unlock()
	if revoked {
		return nil, fmt.Errorf("security: node %s is revoked", claims.NodeID)
	}
	return claims, nil
}

// Revoke blocks all future VerifyToken calls for nodeID.
func (i *Integrator) Revoke(nodeID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.revoked[nodeID] = true
}

// RequiredTrustForConsensus is the minimum trust level a node's claims
// must carry to participate in consensus voting, per spec.md §4.10.
const RequiredTrustForConsensus = 2 // consensus.TrustVerified-equivalent

// AuthorizeConsensusParticipation gates a claims-holder's participation.
func (i *Integrator) AuthorizeConsensusParticipation(claims *Claims) error {
	if claims.TrustLevel < RequiredTrustForConsensus {
		return fmt.Errorf("security: node %s trust level %d below required %d", claims.NodeID, claims.TrustLevel, RequiredTrustForConsensus)
	}
	return nil
}

// EvidenceKind categorizes a malicious-behavior report.
type EvidenceKind string

const (
	EvidenceEquivocation   EvidenceKind = "equivocation"
	EvidenceInvalidVote    EvidenceKind = "invalid-vote"
	EvidenceDoubleSign     EvidenceKind = "double-sign"
	EvidenceProtocolBreach EvidenceKind = "protocol-breach"
)

// Evidence is one recorded instance of suspected Byzantine behavior.
type Evidence struct {
	NodeID    string
	Kind      EvidenceKind
	Detail    string
	Timestamp time.Time
}

// RecordEvidence appends a malicious-behavior report to the ledger.
func (i *Integrator) RecordEvidence(nodeID string, kind EvidenceKind, detail string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.ledger = append(i.ledger, Evidence{NodeID: nodeID, Kind: kind, Detail: detail, Timestamp: time.Now()})
}

// EvidenceAgainst returns every recorded report against nodeID.
func (i *Integrator) EvidenceAgainst(nodeID string) []Evidence {
	i.mu.Lock()
	defer i.mu.Unlock()
	var out []Evidence
	for _, e := range i.ledger {
		if e.NodeID == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// AllEvidence returns the full ledger.
func (i *Integrator) AllEvidence() []Evidence {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]Evidence, len(i.ledger))
	copy(out, i.ledger)
	return out
}

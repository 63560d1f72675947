package bft

import (
	"time"

	"github.com/ruvnet/a2a-fabric/internal/consensus"
)

// Proposal is a spec.md §3 ConsensusProposal: a value being agreed on.
// Digest is bound to Content by construction (NewProposal computes it),
// and ID is the digest itself so identity and integrity cannot diverge.
type Proposal struct {
	ID        string    `json:"id"`
	Content   []byte    `json:"content"`
	Proposer  string    `json:"proposer"`
	Timestamp time.Time `json:"timestamp"`
	Digest    string    `json:"digest"`
}

// PrePrepare carries the leader's assignment of a proposal to (View,Sequence).
type PrePrepare struct {
	View     uint64   `json:"view"`
	Sequence uint64   `json:"sequence"`
	Digest   string   `json:"digest"`
	Proposal Proposal `json:"proposal"`
}

// Prepare is a replica's acknowledgement of a PrePrepare.
type Prepare struct {
	View     uint64           `json:"view"`
	Sequence uint64           `json:"sequence"`
	Digest   string           `json:"digest"`
	NodeID   consensus.NodeID `json:"node_id"`
}

// Commit is a replica's vote to commit once prepared.
type Commit struct {
	View     uint64           `json:"view"`
	Sequence uint64           `json:"sequence"`
	Digest   string           `json:"digest"`
	NodeID   consensus.NodeID `json:"node_id"`
}

// Checkpoint is a per-node stable-checkpoint vote.
type Checkpoint struct {
	Sequence uint64           `json:"sequence"`
	Digest   string           `json:"digest"`
	NodeID   consensus.NodeID `json:"node_id"`
}

// PreparedProofEntry is the evidence a view-change message carries for a
// single in-flight sequence: the pre-prepare it was prepared under, plus
// the set of matching prepares.
type PreparedProofEntry struct {
	PrePrepare PrePrepare                          `json:"pre_prepare"`
	Prepares   map[consensus.NodeID]Prepare         `json:"prepares"`
}

// ViewChange is broadcast by a node suspecting the current leader, per
// spec.md §4.2.
type ViewChange struct {
	NewView         uint64                          `json:"new_view"`
	LastStableSeq   uint64                          `json:"last_stable_seq"`
	CheckpointProof map[consensus.NodeID]Checkpoint  `json:"checkpoint_proof"`
	PreparedSet     map[uint64]PreparedProofEntry    `json:"prepared_set"` // keyed by sequence
	NodeID          consensus.NodeID                `json:"node_id"`
}

// NewView is issued by the newly elected leader once it collects a quorum
// of ViewChange messages.
type NewView struct {
	View            uint64                          `json:"view"`
	ViewChangeProof map[consensus.NodeID]ViewChange  `json:"view_change_proof"`
	PrePrepares     map[uint64]PrePrepare            `json:"pre_prepares"` // keyed by sequence
}

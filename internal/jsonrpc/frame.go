// Package jsonrpc defines the JSON-RPC 2.0 wire frames the A2A fabric
// exchanges over any ordered byte stream (spec.md §6). It is pure data:
// decoding and routing live in internal/api.
package jsonrpc

import (
	"encoding/json"
	"time"
)

// Version is the fixed JSON-RPC protocol version string carried on every
// frame.
const Version = "2.0"

// Priority is an optional delivery priority hint carried on requests.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityLow
)

// Broadcast is the sentinel "to" value meaning "every known agent".
const Broadcast = "broadcast"

// Request is a JSON-RPC 2.0 request or notification frame, extended with
// the A2A routing envelope (from/to/timestamp/messageType/...). A
// notification is a Request with a nil ID.
type Request struct {
	JSONRPC     string          `json:"jsonrpc"`
	Method      string          `json:"method"`
	Params      json.RawMessage `json:"params,omitempty"`
	ID          *string         `json:"id,omitempty"`
	From        string          `json:"from"`
	To          json.RawMessage `json:"to"`
	Timestamp   time.Time       `json:"timestamp"`
	MessageType string          `json:"messageType,omitempty"`
	Priority    *Priority       `json:"priority,omitempty"`
	Signature   string          `json:"signature,omitempty"`
	Nonce       string          `json:"nonce,omitempty"`
	Context     map[string]any  `json:"context,omitempty"`
}

// IsNotification reports whether this frame carries no id and therefore
// expects no reply.
func (r *Request) IsNotification() bool { return r.ID == nil }

// Targets decodes the polymorphic "to" field: a single agent id, an array
// of ids, or the literal "broadcast".
func (r *Request) Targets() ([]string, bool, error) {
	if len(r.To) == 0 {
		return nil, false, nil
	}
	var single string
	if err := json.Unmarshal(r.To, &single); err == nil {
		if single == Broadcast {
			return nil, true, nil
		}
		return []string{single}, false, nil
	}
	var many []string
	if err := json.Unmarshal(r.To, &many); err != nil {
		return nil, false, err
	}
	return many, false, nil
}

// RPCError is the JSON-RPC error object, carrying the fabric's extended
// "type" field alongside the standard code/message/data.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	Type    string `json:"type,omitempty"`
}

// Response is a JSON-RPC 2.0 response frame.
type Response struct {
	JSONRPC   string          `json:"jsonrpc"`
	ID        string          `json:"id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Timestamp time.Time       `json:"timestamp"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *RPCError       `json:"error,omitempty"`
}

// NewResult builds a successful response frame.
func NewResult(id, from, to string, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Response{JSONRPC: Version, ID: id, From: from, To: to, Timestamp: time.Now(), Result: raw}, nil
}

// NewError builds an error response frame.
func NewError(id, from, to string, rpcErr *RPCError) *Response {
	return &Response{JSONRPC: Version, ID: id, From: from, To: to, Timestamp: time.Now(), Error: rpcErr}
}

// Methods the core exposes on the wire, per spec.md §6.
const (
	MethodConsensusPrePrepare  = "consensus.pre-prepare"
	MethodConsensusPrepare     = "consensus.prepare"
	MethodConsensusCommit      = "consensus.commit"
	MethodConsensusViewChange  = "consensus.view-change"
	MethodConsensusNewView     = "consensus.new-view"
	MethodRaftRequestVote      = "raft.request-vote"
	MethodRaftAppendEntries    = "raft.append-entries"
	MethodRaftVoteResponse     = "raft.vote-response"
	MethodRaftAppendResponse   = "raft.append-response"
	MethodRaftHeartbeat        = "raft.heartbeat"
	MethodCapabilityRegister   = "capability.register"
	MethodCapabilityUnregister = "capability.unregister"
	MethodCapabilityQuery      = "capability.query"
	MethodCompositionExecute   = "composition.execute"
	MethodVoteCast             = "vote.cast"
	MethodVoteDelegate         = "vote.delegate"
)

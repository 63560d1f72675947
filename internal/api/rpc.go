package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ruvnet/a2a-fabric/internal/jsonrpc"
	"github.com/ruvnet/a2a-fabric/internal/registry"
	"github.com/ruvnet/a2a-fabric/internal/voting"
)

// RPC is the fabric's JSON-RPC 2.0 entrypoint (spec.md §6), for peers that
// speak the wire protocol directly rather than the REST surface above.
// Unlike internal/transport's RPCTransport (net/rpc, gob, intra-cluster
// consensus replication), this is the HTTP-facing, JSON-framed surface
// external callers dispatch capability/voting operations through.
func (h *Handler) RPC(c *gin.Context) {
	var req jsonrpc.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, jsonrpc.NewError("", "", "", &jsonrpc.RPCError{
			Code:    -32700,
			Message: "parse error",
			Data:    err.Error(),
		}))
		return
	}

	id := ""
	if req.ID != nil {
		id = *req.ID
	}

	resp, status := h.dispatchRPC(c, &req, id)
	c.JSON(status, resp)
}

func (h *Handler) dispatchRPC(c *gin.Context, req *jsonrpc.Request, id string) (*jsonrpc.Response, int) {
	switch req.Method {
	case jsonrpc.MethodCapabilityQuery:
		var params struct {
			Name     string `json:"name"`
			Category string `json:"category"`
		}
		_ = json.Unmarshal(req.Params, &params)
		results := h.registry.Query(registry.Filter{NameSubstring: params.Name, Category: params.Category})
		return rpcResult(id, req.From, results)

	case jsonrpc.MethodCompositionExecute:
		var params struct {
			CompositionID string         `json:"compositionId"`
			Params        map[string]any `json:"params"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return rpcInvalidParams(id, req.From, err)
		}
		results, err := h.registry.ExecuteComposition(c.Request.Context(), params.CompositionID, params.Params, registry.TrustBasic)
		if err != nil {
			return rpcServerError(id, req.From, err)
		}
		return rpcResult(id, req.From, results)

	case jsonrpc.MethodVoteCast:
		var params struct {
			ProposalID string  `json:"proposalId"`
			VoterID    string  `json:"voterId"`
			Approve    bool    `json:"approve"`
			Strength   float64 `json:"strength"`
			Weight     float64 `json:"weight"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return rpcInvalidParams(id, req.From, err)
		}
		vote := voting.Vote{VoterID: params.VoterID, Approve: params.Approve, Strength: params.Strength, Weight: params.Weight}
		if err := h.voting.CastVote(params.ProposalID, vote); err != nil {
			return rpcServerError(id, req.From, err)
		}
		return rpcResult(id, req.From, gin.H{"status": "recorded"})

	case jsonrpc.MethodVoteDelegate:
		var params struct {
			From string `json:"from"`
			To   string `json:"to"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return rpcInvalidParams(id, req.From, err)
		}
		if err := h.voting.Delegate(params.From, params.To); err != nil {
			return rpcServerError(id, req.From, err)
		}
		return rpcResult(id, req.From, gin.H{"status": "delegated"})

	default:
		resp := jsonrpc.NewError(id, req.From, "", &jsonrpc.RPCError{
			Code:    -32601,
			Message: "method not found",
			Data:    req.Method,
		})
		return resp, http.StatusOK
	}
}

func rpcResult(id, from string, result any) (*jsonrpc.Response, int) {
	resp, err := jsonrpc.NewResult(id, from, "", result)
	if err != nil {
		return rpcServerError(id, from, err)
	}
	return resp, http.StatusOK
}

func rpcInvalidParams(id, from string, err error) (*jsonrpc.Response, int) {
	return jsonrpc.NewError(id, from, "", &jsonrpc.RPCError{
		Code:    -32602,
		Message: "invalid params",
		Data:    err.Error(),
	}), http.StatusOK
}

func rpcServerError(id, from string, err error) (*jsonrpc.Response, int) {
	return jsonrpc.NewError(id, from, "", &jsonrpc.RPCError{
		Code:    -32000,
		Message: "server error",
		Data:    err.Error(),
	}), http.StatusOK
}

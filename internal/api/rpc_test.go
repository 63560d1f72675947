package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruvnet/a2a-fabric/internal/jsonrpc"
	"github.com/ruvnet/a2a-fabric/internal/voting"
)

func doRPC(t *testing.T, router http.Handler, token string, req jsonrpc.Request) (*httptest.ResponseRecorder, jsonrpc.Response) {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)

	httpReq := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httpReq)

	var resp jsonrpc.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return w, resp
}

func TestRPCRejectsUnauthenticated(t *testing.T) {
	router, _, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRPCCapabilityQuery(t *testing.T) {
	router, _, sec := newTestRouter(t)
	token, err := sec.IssueToken("node-1", 3, 1)
	require.NoError(t, err)

	w, resp := doRPC(t, router, token, jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		Method:  jsonrpc.MethodCapabilityQuery,
		From:    "node-1",
		Params:  json.RawMessage(`{}`),
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, resp.Error)
	assert.NotNil(t, resp.Result)
}

func TestRPCUnknownMethod(t *testing.T) {
	router, _, sec := newTestRouter(t)
	token, err := sec.IssueToken("node-1", 3, 1)
	require.NoError(t, err)

	w, resp := doRPC(t, router, token, jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		Method:  "no.such.method",
		From:    "node-1",
	})
	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32601, resp.Error.Code)
}

func TestRPCVoteCastRoundTrip(t *testing.T) {
	router, h, sec := newTestRouter(t)
	token, err := sec.IssueToken("node-1", 3, 1)
	require.NoError(t, err)

	require.NoError(t, h.voting.CreateProposal(&voting.Proposal{
		ID:                   "p1",
		VotingType:           voting.SchemeWeighted,
		MinimumParticipation: 0.1,
		PassingThreshold:     0.5,
	}))

	params, _ := json.Marshal(map[string]any{
		"proposalId": "p1",
		"voterId":    "v1",
		"approve":    true,
		"weight":     1.0,
	})
	w, resp := doRPC(t, router, token, jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		Method:  jsonrpc.MethodVoteCast,
		From:    "node-1",
		Params:  params,
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, resp.Error)
	assert.NotNil(t, resp.Result)
}

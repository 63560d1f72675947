package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ruvnet/a2a-fabric/internal/registry"
	"github.com/ruvnet/a2a-fabric/internal/security"
	"github.com/ruvnet/a2a-fabric/internal/transform"
	"github.com/ruvnet/a2a-fabric/internal/voting"
)

func newTestRouter(t *testing.T) (*gin.Engine, *Handler, *security.Integrator) {
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)
	reg := registry.New(logger)
	vote := voting.New(logger)
	xform := transform.New()
	sec := security.New([]byte("test-secret"), "a2a-fabric", time.Minute)

	h := NewHandler(reg, vote, xform, sec, logger)
	router := gin.New()
	h.SetupRoutes(router)
	return router, h, sec
}

func TestHealthCheckIsPublic(t *testing.T) {
	router, _, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthenticatedRouteRejectsMissingToken(t *testing.T) {
	router, _, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/capabilities", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateProposalAndCastVoteFlow(t *testing.T) {
	router, _, sec := newTestRouter(t)
	token, err := sec.IssueToken("node-1", 3, 1)
	require.NoError(t, err)

	body, _ := json.Marshal(CreateProposalRequest{ID: "p1", VotingType: "weighted", MinimumParticipation: 0.1, PassingThreshold: 0.5})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/proposals", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	voteBody, _ := json.Marshal(CastVoteRequest{VoterID: "v1", Approve: true, Weight: 1})
	req2 := httptest.NewRequest(http.MethodPost, "/api/v1/proposals/p1/votes", bytes.NewReader(voteBody))
	req2.Header.Set("Authorization", "Bearer "+token)
	req2.Header.Set("Content-Type", "application/json")
	w2 := httptest.NewRecorder()
	router.ServeHTTP(w2, req2)
	assert.Equal(t, http.StatusOK, w2.Code)
}

func TestApplyTransformEndpoint(t *testing.T) {
	router, _, sec := newTestRouter(t)
	token, err := sec.IssueToken("node-1", 3, 1)
	require.NoError(t, err)

	reqBody := ApplyTransformRequest{
		Mappings: []transform.Mapping{{SourcePath: "name", TargetPath: "name", Transform: "toUpperCase"}},
		Source:   map[string]any{"name": "ada"},
	}
	body, _ := json.Marshal(reqBody)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/transform", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, "ADA", out["name"])
}

func TestIssueTokenEndpoint(t *testing.T) {
	router, _, _ := newTestRouter(t)
	body, _ := json.Marshal(IssueTokenRequest{NodeID: "node-2", TrustLevel: 2})
	req := httptest.NewRequest(http.MethodPost, "/auth/token", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

// Package api exposes the fabric's REST surface over gin, wiring the
// CapabilityRegistry, VotingEngine, TransformationEngine, and
// SecurityIntegrator components, adapted from the teacher's
// internal/api.Handler.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apierrors "github.com/ruvnet/a2a-fabric/internal/errors"
	"github.com/ruvnet/a2a-fabric/internal/middleware"
	"github.com/ruvnet/a2a-fabric/internal/registry"
	"github.com/ruvnet/a2a-fabric/internal/security"
	"github.com/ruvnet/a2a-fabric/internal/transform"
	"github.com/ruvnet/a2a-fabric/internal/voting"
)

// fail writes a structured apierrors.APIError response, stamped with the
// request's trace ID, and aborts the request chain.
func fail(c *gin.Context, apiErr *apierrors.APIError) {
	apiErr.WithRequestID(middleware.GetRequestID(c))
	c.JSON(apiErr.HTTPStatus(), apiErr)
	c.Abort()
}

// Handler handles the fabric node's HTTP API.
type Handler struct {
	registry  *registry.Registry
	voting    *voting.Engine
	transform *transform.Engine
	security  *security.Integrator
	logger    *zap.Logger
}

// NewHandler constructs a Handler over the fabric's core components.
func NewHandler(reg *registry.Registry, vote *voting.Engine, xform *transform.Engine, sec *security.Integrator, logger *zap.Logger) *Handler {
	return &Handler{registry: reg, voting: vote, transform: xform, security: sec, logger: logger}
}

// SetupRoutes configures the fabric's REST routes under /api/v1.
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.GET("/health", h.HealthCheck)

	v1 := router.Group("/api/v1")
	v1.Use(h.authMiddleware())
	{
		caps := v1.Group("/capabilities")
		caps.GET("", h.QueryCapabilities)
		caps.POST("/:id/compose/:compositionID/execute", h.ExecuteComposition)

		props := v1.Group("/proposals")
		props.POST("", h.CreateProposal)
		props.POST("/:id/votes", h.CastVote)
		props.POST("/:id/finalize", h.FinalizeProposal)

		v1.POST("/transform", h.ApplyTransform)
	}

	router.POST("/rpc", h.authMiddleware(), h.RPC)

	auth := router.Group("/auth")
	auth.POST("/token", h.IssueToken)
}

func (h *Handler) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" || len(header) < 8 || header[:7] != "Bearer " {
			fail(c, apierrors.NewUnauthorizedError("missing bearer token"))
			return
		}
		claims, err := h.security.VerifyToken(header[7:])
		if err != nil {
			fail(c, apierrors.NewUnauthorizedError(err.Error()))
			return
		}
		c.Set("claims", claims)
		c.Next()
	}
}

// HealthCheck reports node liveness.
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now()})
}

// QueryCapabilities filters the registry by the name and category query
// params.
func (h *Handler) QueryCapabilities(c *gin.Context) {
	filter := registry.Filter{
		NameSubstring: c.Query("name"),
		Category:      c.Query("category"),
	}
	results := h.registry.Query(filter)
	c.JSON(http.StatusOK, gin.H{"capabilities": results})
}

// ExecuteComposition runs a registered composition by id.
func (h *Handler) ExecuteComposition(c *gin.Context) {
	compositionID := c.Param("compositionID")

	var params map[string]any
	if err := c.ShouldBindJSON(&params); err != nil && err != http.ErrBodyNotAllowed {
		params = map[string]any{}
	}

	claims, _ := c.Get("claims")
	trust := registry.TrustBasic
	if sc, ok := claims.(*security.Claims); ok && sc.TrustLevel > int(trust) {
		trust = registry.TrustLevel(sc.TrustLevel)
	}

	results, err := h.registry.ExecuteComposition(c.Request.Context(), compositionID, params, trust)
	if err != nil {
		h.logger.Warn("composition execution failed", zap.String("composition", compositionID), zap.Error(err))
		fail(c, apierrors.NewInternalError(err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// CreateProposalRequest is the payload for creating a voting proposal.
type CreateProposalRequest struct {
	ID                   string  `json:"id" binding:"required"`
	VotingType           string  `json:"voting_type" binding:"required"`
	MinimumParticipation float64 `json:"minimum_participation"`
	PassingThreshold     float64 `json:"passing_threshold"`
}

// CreateProposal registers a new voting proposal.
func (h *Handler) CreateProposal(c *gin.Context) {
	var req CreateProposalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apierrors.NewBadRequestError(err.Error()))
		return
	}

	scheme := schemeFromString(req.VotingType)
	proposal := &voting.Proposal{
		ID:                   req.ID,
		VotingType:           scheme,
		MinimumParticipation: req.MinimumParticipation,
		PassingThreshold:     req.PassingThreshold,
	}
	if err := h.voting.CreateProposal(proposal); err != nil {
		fail(c, apierrors.NewConflictError(err.Error()))
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": proposal.ID})
}

func schemeFromString(s string) voting.Scheme {
	switch s {
	case "quadratic":
		return voting.SchemeQuadratic
	case "stake":
		return voting.SchemeStakeWeighted
	case "liquid-democracy":
		return voting.SchemeLiquidDemocracy
	default:
		return voting.SchemeWeighted
	}
}

// CastVoteRequest is the payload for casting a vote.
type CastVoteRequest struct {
	VoterID  string  `json:"voter_id" binding:"required"`
	Approve  bool    `json:"approve"`
	Strength float64 `json:"strength"`
	Weight   float64 `json:"weight"`
}

// CastVote records a vote against a proposal.
func (h *Handler) CastVote(c *gin.Context) {
	proposalID := c.Param("id")
	var req CastVoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apierrors.NewBadRequestError(err.Error()))
		return
	}

	vote := voting.Vote{
		VoterID:   req.VoterID,
		Approve:   req.Approve,
		Strength:  req.Strength,
		Weight:    req.Weight,
		Timestamp: time.Now(),
	}
	if err := h.voting.CastVote(proposalID, vote); err != nil {
		fail(c, apierrors.NewBadRequestError(err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "recorded"})
}

// FinalizeProposal tallies and closes a proposal.
func (h *Handler) FinalizeProposal(c *gin.Context) {
	proposalID := c.Param("id")
	totalStr := c.Query("total_eligible_voters")
	total := 0
	if totalStr != "" {
		if n, err := parsePositiveInt(totalStr); err == nil {
			total = n
		}
	}

	tally, err := h.voting.Finalize(proposalID, total)
	if err != nil {
		fail(c, apierrors.NewBadRequestError(err.Error()))
		return
	}
	c.JSON(http.StatusOK, tally)
}

func parsePositiveInt(s string) (int, error) {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, http.ErrBodyNotAllowed
		}
		n = n*10 + int(r-'0')
	}
	return n, nil
}

// ApplyTransformRequest is the payload for applying a transform mapping set.
type ApplyTransformRequest struct {
	Mappings []transform.Mapping   `json:"mappings" binding:"required"`
	Source   map[string]any        `json:"source" binding:"required"`
}

// ApplyTransform runs the request's mapping set over the request's source
// data.
func (h *Handler) ApplyTransform(c *gin.Context) {
	var req ApplyTransformRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apierrors.NewBadRequestError(err.Error()))
		return
	}
	out, err := h.transform.Apply(req.Mappings, req.Source)
	if err != nil {
		fail(c, apierrors.NewBadRequestError(err.Error()))
		return
	}
	c.JSON(http.StatusOK, out)
}

// IssueTokenRequest is the payload for requesting an identity token.
type IssueTokenRequest struct {
	NodeID     string  `json:"node_id" binding:"required"`
	TrustLevel int     `json:"trust_level"`
	Stake      float64 `json:"stake"`
}

// IssueToken mints a signed identity token for a node.
func (h *Handler) IssueToken(c *gin.Context) {
	var req IssueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apierrors.NewBadRequestError(err.Error()))
		return
	}
	token, err := h.security.IssueToken(req.NodeID, req.TrustLevel, req.Stake)
	if err != nil {
		fail(c, apierrors.NewInternalError(err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

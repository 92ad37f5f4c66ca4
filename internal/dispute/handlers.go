package dispute

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/escrow"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/ledger"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/pagination"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/validation"
)

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up routes that need a caller identity.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.RaiseDispute)
	r.GET("/disputes", h.ListDisputes)
	r.GET("/disputes/stats", h.GetStats)
	r.GET("/disputes/:id", h.GetDispute)
	r.GET("/disputes/:id/voting", h.GetVotingStatus)
	r.POST("/disputes/:id/counter-stake", h.CounterStake)
	r.POST("/disputes/:id/evidence", h.SubmitEvidence)
	r.POST("/disputes/:id/accept-verdict", h.AcceptVerdict)
	r.POST("/disputes/:id/reject-verdict", h.RejectVerdict)
	r.POST("/disputes/:id/vote", h.Vote)
	r.POST("/disputes/:id/withdraw", h.Withdraw)
}

// RegisterAdminRoutes sets up administrative routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/disputes/:id/resolve", h.ResolveDispute)
}

// RaiseDispute handles POST /v1/disputes
func (h *Handler) RaiseDispute(c *gin.Context) {
	var req RaiseRequest
	if !bind(c, &req) {
		return
	}
	req.Description = validation.SanitizeString(req.Description, 5000)
	d, err := h.service.Raise(c.Request.Context(), c.GetString("actorID"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// ListDisputes handles GET /v1/disputes?status=&page=&limit=
func (h *Handler) ListDisputes(c *gin.Context) {
	status := Status(c.Query("status"))
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "unknown dispute status",
		})
		return
	}
	page := pagination.Parse(c.Query("page"), c.Query("limit"))
	disputes, total, err := h.service.List(c.Request.Context(), ListFilter{
		Party:  c.GetString("actorID"),
		Status: status,
		Page:   page,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	if disputes == nil {
		disputes = []*Dispute{}
	}
	c.JSON(http.StatusOK, gin.H{
		"disputes":   disputes,
		"pagination": page.MetaFor(total),
	})
}

// GetStats handles GET /v1/disputes/stats
func (h *Handler) GetStats(c *gin.Context) {
	st, err := h.service.Stats(c.Request.Context(), c.GetString("actorID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": st})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	details, err := h.service.GetWithDetails(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, details)
}

// GetVotingStatus handles GET /v1/disputes/:id/voting
func (h *Handler) GetVotingStatus(c *gin.Context) {
	vs, err := h.service.VotingStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"voting": vs})
}

// CounterStake handles POST /v1/disputes/:id/counter-stake
func (h *Handler) CounterStake(c *gin.Context) {
	var req struct {
		Response string `json:"response" binding:"required"`
	}
	if !bind(c, &req) {
		return
	}
	d, err := h.service.CounterStake(c.Request.Context(), c.GetString("actorID"), c.Param("id"),
		validation.SanitizeString(req.Response, 5000))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// SubmitEvidence handles POST /v1/disputes/:id/evidence
func (h *Handler) SubmitEvidence(c *gin.Context) {
	var req EvidenceRequest
	if !bind(c, &req) {
		return
	}
	ev, err := h.service.SubmitEvidence(c.Request.Context(), c.GetString("actorID"), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"evidence": ev})
}

// AcceptVerdict handles POST /v1/disputes/:id/accept-verdict
func (h *Handler) AcceptVerdict(c *gin.Context) {
	d, err := h.service.AcceptVerdict(c.Request.Context(), c.GetString("actorID"), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// RejectVerdict handles POST /v1/disputes/:id/reject-verdict
func (h *Handler) RejectVerdict(c *gin.Context) {
	d, err := h.service.RejectVerdict(c.Request.Context(), c.GetString("actorID"), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"dispute":        d,
		"votingDuration": int64(VotingDuration(d.AmountInDispute).Seconds()),
		"awaitingLedger": true,
	})
}

// Vote handles POST /v1/disputes/:id/vote
func (h *Handler) Vote(c *gin.Context) {
	var req VoteRequest
	if !bind(c, &req) {
		return
	}
	v, err := h.service.Vote(c.Request.Context(), c.GetString("actorID"), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"vote": v})
}

// Withdraw handles POST /v1/disputes/:id/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	d, err := h.service.Withdraw(c.Request.Context(), c.GetString("actorID"), c.Param("id"), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ResolveDispute handles POST /v1/admin/disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if !bind(c, &req) {
		return
	}
	d, err := h.service.Resolve(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return false
	}
	return true
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	message := err.Error()

	var verrs validation.Errors
	switch {
	case errors.As(err, &verrs):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": verrs.Error(), "details": verrs})
		return
	case errors.Is(err, ErrDisputeNotFound), errors.Is(err, escrow.ErrEscrowNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrPartyCannotVote):
		status, code = http.StatusForbidden, "unauthorized"
	case errors.Is(err, ErrInvalidSplit):
		status, code = http.StatusBadRequest, "validation_error"
	case errors.Is(err, ErrAlreadyVoted):
		status, code = http.StatusConflict, "already_voted"
	case errors.Is(err, ErrActiveDispute):
		status, code = http.StatusConflict, "active_dispute"
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrNotDisputable), errors.Is(err, ErrVotingClosed):
		status, code = http.StatusConflict, "invalid_state"
	case errors.Is(err, ErrNoCustodyWallet), errors.Is(err, ErrNoJobID):
		status, code = http.StatusConflict, "not_ready"
	case errors.Is(err, ledger.ErrTimeout):
		status, code = http.StatusGatewayTimeout, "settlement_timeout"
	case errors.Is(err, ErrSettlementFailed):
		status, code = http.StatusBadGateway, "settlement_failed"
	default:
		message = "Internal server error"
	}
	c.JSON(status, gin.H{"error": code, "message": message})
}

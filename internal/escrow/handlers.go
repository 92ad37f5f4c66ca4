package escrow

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/ledger"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/pagination"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up escrow routes. All of them need the
// caller identity set by the actor middleware.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.GET("/escrows", h.ListEscrows)
	r.GET("/escrows/:id", h.GetEscrow)
	r.POST("/escrows/:id/accept", h.AcceptEscrow)
	r.POST("/escrows/:id/reject", h.RejectEscrow)
	r.POST("/escrows/:id/fund", h.FundEscrow)
	r.POST("/escrows/:id/complete", h.CompleteEscrow)
	r.POST("/escrows/:id/release", h.ReleaseEscrow)
	r.POST("/escrows/:id/cancel", h.CancelEscrow)
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	req.Title = validation.SanitizeString(req.Title, 200)
	if err := validation.Validate(
		validation.Required("counterparty", req.CounterpartyRef),
		validation.Required("title", req.Title),
		validation.PositiveAmount("amount", req.Amount),
		validation.MaxLength("terms", req.Terms, 10000),
	); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
			"details": err,
		})
		return
	}

	e, err := h.service.Create(c.Request.Context(), c.GetString("actorID"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": e})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	e, err := h.service.GetForParty(c.Request.Context(), c.GetString("actorID"), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ListEscrows handles GET /v1/escrows?role=&status=&page=&limit=
func (h *Handler) ListEscrows(c *gin.Context) {
	role := c.Query("role")
	status := Status(c.Query("status"))
	if err := validation.Validate(
		validation.OneOf("role", role, "", string(RoleBuyer), string(RoleSeller)),
	); err != nil || (status != "" && !status.Valid()) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "role must be buyer or seller and status a known escrow status",
		})
		return
	}

	page := pagination.Parse(c.Query("page"), c.Query("limit"))
	escrows, total, err := h.service.List(c.Request.Context(), ListFilter{
		Party:  c.GetString("actorID"),
		Role:   Role(role),
		Status: status,
		Page:   page,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	if escrows == nil {
		escrows = []*Escrow{}
	}
	c.JSON(http.StatusOK, gin.H{
		"escrows":    escrows,
		"pagination": page.MetaFor(total),
	})
}

// AcceptEscrow handles POST /v1/escrows/:id/accept
func (h *Handler) AcceptEscrow(c *gin.Context) {
	h.act(c, h.service.Accept)
}

// RejectEscrow handles POST /v1/escrows/:id/reject
func (h *Handler) RejectEscrow(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	// The body is optional.
	_ = c.ShouldBindJSON(&req)

	e, err := h.service.Reject(c.Request.Context(), c.GetString("actorID"), c.Param("id"),
		validation.SanitizeString(req.Reason, 1000))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// FundEscrow handles POST /v1/escrows/:id/fund
func (h *Handler) FundEscrow(c *gin.Context) {
	h.act(c, h.service.Fund)
}

// CompleteEscrow handles POST /v1/escrows/:id/complete
func (h *Handler) CompleteEscrow(c *gin.Context) {
	h.act(c, h.service.Complete)
}

// ReleaseEscrow handles POST /v1/escrows/:id/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	h.act(c, h.service.ReleaseFullPayment)
}

// CancelEscrow handles POST /v1/escrows/:id/cancel
func (h *Handler) CancelEscrow(c *gin.Context) {
	h.act(c, h.service.Cancel)
}

func (h *Handler) act(c *gin.Context, fn func(ctx context.Context, actor, id string) (*Escrow, error)) {
	e, err := fn(c.Request.Context(), c.GetString("actorID"), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	message := err.Error()
	switch {
	case errors.Is(err, ErrEscrowNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrUnauthorized):
		status, code = http.StatusForbidden, "unauthorized"
	case errors.Is(err, ErrCounterpartyNotFound):
		status, code = http.StatusNotFound, "counterparty_not_found"
	case errors.Is(err, ErrSelfEscrow), errors.Is(err, ErrAmountTooSmall), errors.Is(err, ErrInvalidAmount):
		status, code = http.StatusBadRequest, "validation_error"
	case errors.Is(err, ErrActiveDispute):
		status, code = http.StatusConflict, "active_dispute"
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrJobIDAlreadySet), errors.Is(err, ErrDepositConsumed):
		status, code = http.StatusConflict, "invalid_state"
	case errors.Is(err, ErrNoCustodyWallet), errors.Is(err, ErrNoJobID):
		status, code = http.StatusConflict, "not_ready"
	case errors.Is(err, ErrFundingInFlight):
		status, code = http.StatusConflict, "funding_in_flight"
	case errors.Is(err, ledger.ErrTimeout):
		status, code = http.StatusGatewayTimeout, "settlement_timeout"
	case errors.Is(err, ErrSettlementFailed):
		status, code = http.StatusBadGateway, "settlement_failed"
	default:
		message = "Internal server error"
	}
	c.JSON(status, gin.H{"error": code, "message": message})
}

package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler provides admin HTTP endpoints. Every collaborator is optional;
// endpoints whose collaborator is missing answer 503.
type Handler struct {
	intents   IntentLister
	sweeper   IntentSweeper
	balances  BalanceChecker
	tasks     TaskRunner
	deadlines DeadlineLister
	now       func() time.Time
}

func NewHandler() *Handler {
	return &Handler{now: time.Now}
}

func (h *Handler) WithIntents(l IntentLister, s IntentSweeper) *Handler {
	h.intents, h.sweeper = l, s
	return h
}

func (h *Handler) WithBalanceChecker(b BalanceChecker) *Handler {
	h.balances = b
	return h
}

func (h *Handler) WithTaskRunner(r TaskRunner) *Handler {
	h.tasks = r
	return h
}

func (h *Handler) WithDeadlines(d DeadlineLister) *Handler {
	h.deadlines = d
	return h
}

// RegisterRoutes sets up admin routes on a group that already enforces
// the admin role.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/outbox/pending", h.listPending)
	r.POST("/outbox/sweep", h.sweep)
	r.POST("/reconcile", h.reconcile)
	r.GET("/disputes/overdue", h.overdue)
	r.POST("/tasks/:name/run", h.runTask)
}

func unavailable(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not_configured", "message": what + " is not configured"})
}

func limitParam(c *gin.Context, def, max int) int {
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= max {
			return parsed
		}
	}
	return def
}

// listPending returns intents pending for longer than ?olderThan (a Go
// duration, default 0).
func (h *Handler) listPending(c *gin.Context) {
	if h.intents == nil {
		unavailable(c, "outbox")
		return
	}
	age := time.Duration(0)
	if s := c.Query("olderThan"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "olderThan must be a duration like 10m"})
			return
		}
		age = d
	}

	list, err := h.intents.ListPending(c.Request.Context(), h.now().Add(-age), limitParam(c, 100, 1000))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list intents"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"intents": list, "count": len(list)})
}

func (h *Handler) sweep(c *gin.Context) {
	if h.sweeper == nil {
		unavailable(c, "outbox")
		return
	}
	n, err := h.sweeper.Sweep(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Sweep failed", "resolved": n})
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": n})
}

func (h *Handler) reconcile(c *gin.Context) {
	if h.balances == nil {
		unavailable(c, "balance reconciliation")
		return
	}
	res, err := h.balances.Reconcile(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "reconciliation_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}

func (h *Handler) overdue(c *gin.Context) {
	if h.deadlines == nil {
		unavailable(c, "dispute deadlines")
		return
	}
	ctx := c.Request.Context()
	now := h.now()
	limit := limitParam(c, 100, 1000)

	reviews, err := h.deadlines.OverdueReviews(ctx, now, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list overdue reviews"})
		return
	}
	votes, err := h.deadlines.ClosedVotes(ctx, now, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list closed votes"})
		return
	}
	c.JSON(http.StatusOK, OverdueReport{Reviews: reviews, Votes: votes, CheckedAt: now.UTC()})
}

// runTask triggers a scheduled task now. 409 means it was skipped: it is
// already running or another instance holds its lease.
func (h *Handler) runTask(c *gin.Context) {
	if h.tasks == nil {
		unavailable(c, "scheduler")
		return
	}
	name := c.Param("name")
	if !h.tasks.RunNow(c.Request.Context(), name) {
		c.JSON(http.StatusConflict, gin.H{"error": "task_skipped", "message": "Task is unknown, running, or leased elsewhere", "task": name})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ran": true, "task": name})
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/config"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/ledger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a development config on the simulated ledger with
// in-memory storage.
func testConfig() *config.Config {
	return &config.Config{
		Port:              "0",
		Env:               "development",
		LogLevel:          "error",
		LogFormat:         "text",
		InstanceID:        "test-instance",
		RateLimitRPM:      6000,
		OutboxGrace:       10 * time.Minute,
		EventPollEvery:    time.Second,
		DepositPollEvery:  time.Minute,
		TimeoutPollEvery:  time.Minute,
		LedgerCallTimeout: 5 * time.Second,
		LedgerFeeBps:      config.DefaultFeeBps,
		LedgerMinFee:      config.DefaultMinFee,
		AmountEpsilon:     config.DefaultEpsilon,
		VerdictDelay:      time.Hour,
	}
}

type testServer struct {
	*Server
	ledger *ledger.Simulated
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	sim := ledger.NewSimulated(nil)
	s, err := New(testConfig(), WithSimulatedLedger(sim))
	require.NoError(t, err)
	s.drainDelay = 0
	return &testServer{Server: s, ledger: sim}
}

type request struct {
	method string
	path   string
	actor  string
	roles  string
	body   any
}

func (s *testServer) do(r request) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if r.body != nil {
		_ = json.NewEncoder(&buf).Encode(r.body)
	}
	req := httptest.NewRequest(r.method, r.path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if r.actor != "" {
		req.Header.Set("X-User-ID", r.actor)
	}
	if r.roles != "" {
		req.Header.Set("X-User-Roles", r.roles)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type resource struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func TestNew_SimulatedInMemory(t *testing.T) {
	s := newTestServer(t)
	assert.Nil(t, s.db)
	assert.Nil(t, s.watcher)
	assert.Nil(t, s.balances)
	assert.Same(t, s.ledger, s.sim)
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := s.do(request{method: http.MethodGet, path: "/health"})
	require.Equal(t, http.StatusOK, w.Code)
	h := decode[HealthResponse](t, w)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "simulated", h.Ledger)

	assert.Equal(t, http.StatusOK, s.do(request{method: http.MethodGet, path: "/health/live"}).Code)
	// not ready until Run
	assert.Equal(t, http.StatusServiceUnavailable, s.do(request{method: http.MethodGet, path: "/health/ready"}).Code)

	w = s.do(request{method: http.MethodGet, path: "/health"})
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.do(request{method: http.MethodGet, path: "/health"})

	w := s.do(request{method: http.MethodGet, path: "/metrics"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "# HELP")
}

func TestProtectedRoutesRequireIdentity(t *testing.T) {
	s := newTestServer(t)
	for _, path := range []string{"/v1/escrows", "/v1/disputes", "/v1/ws"} {
		assert.Equal(t, http.StatusUnauthorized, s.do(request{method: http.MethodGet, path: path}).Code, path)
	}
}

func TestAdminRequiresRole(t *testing.T) {
	s := newTestServer(t)

	w := s.do(request{method: http.MethodPost, path: "/v1/admin/outbox/sweep", actor: "usr_demo_client"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(request{method: http.MethodPost, path: "/v1/admin/outbox/sweep", actor: "usr_ops", roles: "support, Admin"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"resolved":0}`, w.Body.String())
}

func TestAdminRoutes(t *testing.T) {
	s := newTestServer(t)
	admin := func(method, path string) *httptest.ResponseRecorder {
		return s.do(request{method: method, path: path, actor: "usr_ops", roles: "admin"})
	}

	assert.Equal(t, http.StatusOK, admin(http.MethodGet, "/v1/admin/outbox/pending").Code)
	assert.Equal(t, http.StatusOK, admin(http.MethodGet, "/v1/admin/disputes/overdue").Code)
	assert.Equal(t, http.StatusOK, admin(http.MethodPost, "/v1/admin/tasks/timeout_poller/run").Code)
	assert.Equal(t, http.StatusConflict, admin(http.MethodPost, "/v1/admin/tasks/unknown/run").Code)
	// no balance check on the simulated ledger
	assert.Equal(t, http.StatusServiceUnavailable, admin(http.MethodPost, "/v1/admin/reconcile").Code)
}

func TestEscrowAndDisputeFlow(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	w := s.do(request{method: http.MethodPost, path: "/v1/escrows", actor: "usr_demo_client", body: gin.H{
		"counterparty": "freelancer@demo.paycasso.io",
		"amount":       "1000",
		"title":        "Mobile app redesign",
	}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decode[struct {
		Escrow resource `json:"escrow"`
	}](t, w).Escrow.ID

	w = s.do(request{method: http.MethodPost, path: "/v1/escrows/" + id + "/accept", actor: "usr_demo_freelancer"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(request{method: http.MethodPost, path: "/v1/escrows/" + id + "/fund", actor: "usr_demo_client"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "in_progress", decode[struct {
		Escrow resource `json:"escrow"`
	}](t, w).Escrow.Status)

	// the job-created event is already reflected and must not change state
	assert.Positive(t, s.ledger.Drain(ctx))

	w = s.do(request{method: http.MethodPost, path: "/v1/disputes", actor: "usr_demo_client", body: gin.H{
		"escrowId":       id,
		"reason":         "quality_issues",
		"description":    "Screens do not match the agreed designs.",
		"desiredOutcome": "partial_refund",
	}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	d := decode[struct {
		Dispute resource `json:"dispute"`
	}](t, w).Dispute
	assert.Equal(t, "pending_counter_stake", d.Status)
	s.ledger.Drain(ctx)

	w = s.do(request{method: http.MethodGet, path: "/v1/escrows/" + id, actor: "usr_demo_freelancer"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"disputed"`)

	w = s.do(request{method: http.MethodGet, path: "/v1/disputes/" + d.ID, actor: "usr_demo_voter1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// releasing is blocked while the dispute is active
	w = s.do(request{method: http.MethodPost, path: "/v1/escrows/" + id + "/release", actor: "usr_demo_client"})
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
}

func TestRun_StopsOnCancel(t *testing.T) {
	s := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	require.Eventually(t, s.ready.Load, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, s.scheduler.Running, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, s.ready.Load())
}

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "postgres://escrow:***@db:5432/paycasso", maskDSN("postgres://escrow:hunter2@db:5432/paycasso"))
	assert.Equal(t, "***", maskDSN("://bad"))
}

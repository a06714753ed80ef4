package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/paylock/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                "0",
		Env:                 "development",
		LogLevel:            "error",
		GatewayProvider:     "fake",
		GatewayWorkers:      2,
		GatewayTimeout:      time.Second,
		GatewayMaxRetries:   1,
		GatewayRetryBase:    time.Millisecond,
		WebhookMaxRetries:   3,
		WebhookRetryBase:    time.Millisecond,
		WebhookRetryCap:     time.Second,
		WebhookSweepEvery:   time.Minute,
		ReconcileEvery:      time.Minute,
		ReconcileStuckAfter: time.Minute,
		FundingTimeout:      time.Hour,
		RateLimitRPS:        1000,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	return s
}

// issueKey generates an API key for request tests.
func issueKey(t *testing.T, s *Server, subject string, caps ...string) string {
	t.Helper()
	rawKey, _, err := s.authMgr.GenerateKey(context.Background(), subject, "test key", caps...)
	if err != nil {
		t.Fatalf("failed to issue key: %v", err)
	}
	return rawKey
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpointDegradedBeforeRun(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	s.router.ServeHTTP(w, req)

	// Background timers haven't been started by Run() yet.
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 before Run, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp["status"] != "degraded" {
		t.Errorf("expected status 'degraded', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/live", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/ready", nil)
	s.router.ServeHTTP(w, req)

	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/health",
		"GET:/metrics",
		"GET:/ws",
		"GET:/v1/escrows/:id",
		"GET:/v1/escrows/:id/milestones",
		"GET:/v1/escrows/:id/entries",
		"GET:/v1/escrows/:id/disputes",
		"GET:/v1/disputes/:id",
		"POST:/v1/escrows",
		"POST:/v1/escrows/:id/fund",
		"POST:/v1/escrows/:id/cancel",
		"POST:/v1/escrows/:id/milestones/:milestoneId/release",
		"POST:/v1/escrows/:id/milestones/:milestoneId/disputes",
		"POST:/v1/disputes/:id/resolve",
		"POST:/v1/escrows/:id/reconcile",
		"POST:/v1/escrow/webhook/:provider",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// Auth boundary tests
// ---------------------------------------------------------------------------

func TestProtectedRouteRejectsAnonymous(t *testing.T) {
	s := newTestServer(t)

	body := `{"buyerId":"buy_acme00000001","supplierId":"sup_widgets00001","totalAmount":10000,"currency":"USD","milestones":[{"amount":10000}]}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/escrows", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without key, got %d", w.Code)
	}
}

func TestCreateEscrowWithKey(t *testing.T) {
	s := newTestServer(t)
	rawKey := issueKey(t, s, "buy_acme00000001")

	body := `{"buyerId":"buy_acme00000001","supplierId":"sup_widgets00001","totalAmount":10000,"currency":"USD","milestones":[{"amount":4000},{"amount":6000}]}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/escrows", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+rawKey)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Escrow struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"escrow"`
		Milestones []json.RawMessage `json:"milestones"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Escrow.Status != "created" {
		t.Errorf("expected created status, got %s", resp.Escrow.Status)
	}
	if len(resp.Milestones) != 2 {
		t.Errorf("expected 2 milestones, got %d", len(resp.Milestones))
	}

	// Public read works without a key
	w2 := httptest.NewRecorder()
	req2 := httptest.NewRequest("GET", "/v1/escrows/"+resp.Escrow.ID, nil)
	s.router.ServeHTTP(w2, req2)
	if w2.Code != http.StatusOK {
		t.Errorf("expected 200 reading escrow, got %d", w2.Code)
	}
}

func TestResolveRequiresCapability(t *testing.T) {
	s := newTestServer(t)
	rawKey := issueKey(t, s, "buy_acme00000001") // no capabilities

	body := `{"outcome":"release"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/disputes/dsp_x/resolve", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+rawKey)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 without dispute:resolve, got %d", w.Code)
	}
}

func TestReconcileRequiresCapability(t *testing.T) {
	s := newTestServer(t)
	rawKey := issueKey(t, s, "ops_runner01")

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/escrows/esc_x/reconcile", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 without reconcile:run, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// 404 test
// ---------------------------------------------------------------------------

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/nonexistent", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/restgate/restgate/internal/cache"
	"github.com/restgate/restgate/internal/config"
)

func newTestServer(t *testing.T, routes ...config.RouteConfig) *Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Admin = config.AdminConfig{Enabled: true, Address: ":0"}
	cfg.Routes = routes
	s, err := NewServer(cfg, "")
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(s.gateway.Close)
	return s
}

func TestAdminHealth(t *testing.T) {
	s := newTestServer(t, config.RouteConfig{ID: "r", Route: "r", URL: "http://localhost:1"})

	rec := httptest.NewRecorder()
	s.adminHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status field = %v", body["status"])
	}
	if body["routes"] != float64(1) {
		t.Errorf("routes field = %v", body["routes"])
	}
}

func TestAdminRoutes(t *testing.T) {
	s := newTestServer(t,
		config.RouteConfig{ID: "plain", Route: "plain", URL: "http://localhost:1"},
		cachedRoute("cached", "cached/*", "http://localhost:1", 1000, "", ""),
	)

	rec := httptest.NewRecorder()
	s.adminHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/routes", nil))

	var routes []struct {
		ID       string `json:"id"`
		Wildcard bool   `json:"wildcard"`
		Cached   bool   `json:"cached"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &routes); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(routes) != 2 {
		t.Fatalf("routes = %d", len(routes))
	}
	if routes[0].ID != "plain" || routes[0].Cached || routes[0].Wildcard {
		t.Errorf("plain route = %+v", routes[0])
	}
	if routes[1].ID != "cached" || !routes[1].Cached || !routes[1].Wildcard {
		t.Errorf("cached route = %+v", routes[1])
	}
}

func TestAdminCacheStats(t *testing.T) {
	s := newTestServer(t, cachedRoute("c", "c", "http://localhost:1", 1000, "", ""))

	rec := httptest.NewRecorder()
	s.adminHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/cache", nil))

	var stats map[string]cache.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := stats["c"]; !ok {
		t.Errorf("stats = %v, missing cached route", stats)
	}
}

func TestAdminMetricsServed(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.adminHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Error("empty metrics exposition")
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := recoveryMW()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

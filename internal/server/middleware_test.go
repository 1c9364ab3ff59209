package server_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	tdotel "github.com/basket/taskdeck/internal/otel"
	"github.com/basket/taskdeck/internal/server"
)

func TestCORS_PreflightShortCircuits(t *testing.T) {
	env := newTestServer(t, func(cfg *server.Config) {
		cfg.AllowOrigins = []string{"https://deck.example"}
	})

	req, err := http.NewRequest(http.MethodOptions, env.ts.URL+"/api/plans", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Origin", "https://deck.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://deck.example" {
		t.Fatalf("expected origin echoed, got %q", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Methods"); !strings.Contains(got, "PATCH") {
		t.Fatalf("expected PATCH in allowed methods, got %q", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Headers"); !strings.Contains(got, "Authorization") {
		t.Fatalf("expected Authorization in allowed headers, got %q", got)
	}
}

func TestCORS_DisallowedOriginGetsNoHeaders(t *testing.T) {
	env := newTestServer(t, func(cfg *server.Config) {
		cfg.AllowOrigins = []string{"https://deck.example"}
	})

	req, err := http.NewRequest(http.MethodGet, env.ts.URL+"/healthz", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Origin", "https://evil.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no CORS headers for disallowed origin, got %q", got)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("request itself must still be served, got %d", resp.StatusCode)
	}
}

func TestCORS_WildcardEchoesOrigin(t *testing.T) {
	env := newTestServer(t, func(cfg *server.Config) {
		cfg.AllowOrigins = []string{"*"}
	})

	req, err := http.NewRequest(http.MethodGet, env.ts.URL+"/healthz", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Origin", "https://anywhere.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://anywhere.example" {
		t.Fatalf("expected wildcard to echo origin, got %q", got)
	}
}

func TestCORS_EmptyAllowlistSetsNothing(t *testing.T) {
	env := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, env.ts.URL+"/healthz", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Origin", "https://deck.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no CORS headers with empty allowlist, got %q", got)
	}
}

func TestTiming_RecordsRouteLabeledDurations(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	metrics, err := tdotel.NewMetrics(provider.Meter("middleware-test"))
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}

	env := newTestServer(t, func(cfg *server.Config) {
		cfg.Metrics = metrics
	})

	// /ws fails the upgrade handshake for a plain GET, which is fine here:
	// the point is that no duration sample may carry the socket route.
	for _, path := range []string{"/healthz", "/no-such-route", "/ws"} {
		resp, err := http.Get(env.ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}

	counts := map[string]uint64{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != "taskdeck.request.duration" {
				continue
			}
			hist, ok := m.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("unexpected aggregation %T", m.Data)
			}
			for _, dp := range hist.DataPoints {
				route, _ := dp.Attributes.Value(tdotel.AttrRoute)
				counts[route.AsString()] += dp.Count
			}
		}
	}

	if counts["/healthz"] != 1 {
		t.Fatalf("expected one sample for /healthz, got %v", counts)
	}
	if counts["unmatched"] != 1 {
		t.Fatalf("expected unmatched label for unknown path, got %v", counts)
	}
	if _, ok := counts["/ws"]; ok {
		t.Fatalf("socket endpoint must not be timed, got %v", counts)
	}
}

func TestBodyLimit_RejectsOversizedPlan(t *testing.T) {
	env := newTestServer(t)

	// Past the 1 MiB cap; the read fails before the schema ever runs.
	// Served in-process so the early 400 cannot race the upload.
	huge := `{"title":"` + strings.Repeat("x", 2<<20) + `","agent_id":"dev","subtasks":[{"title":"a"}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/plans", strings.NewReader(huge))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testAuthToken)
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized body, got %d", rec.Code)
	}
}

package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClient_HealthPassThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("path = %q, want /health", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","uptime_seconds":42}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, Options{})
	doc, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if string(doc) != `{"status":"ok","uptime_seconds":42}` {
		t.Fatalf("body not passed through verbatim: %s", doc)
	}
}

func TestClient_NonOKStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, Options{})
	if _, err := c.Sessions(context.Background()); err == nil {
		t.Fatal("expected error on 503 response")
	}
}

func TestClient_RejectsNonJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, Options{})
	if _, err := c.Usage(context.Background()); err == nil {
		t.Fatal("expected error on non-JSON body")
	}
}

func TestClient_UnconfiguredBaseURL(t *testing.T) {
	c := New("", time.Second, Options{})
	if c.Configured() {
		t.Fatal("expected Configured to be false with empty base URL")
	}
	if _, err := c.Health(context.Background()); err == nil {
		t.Fatal("expected error when gateway is not configured")
	}
}

func TestClient_TimeoutSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := New(srv.URL, 20*time.Millisecond, Options{})
	if _, err := c.Health(context.Background()); err == nil {
		t.Fatal("expected timeout error")
	}
}

package collector

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cropwatch/cropwatch/internal/config"
)

func TestRegistryRejectsUnknownType(t *testing.T) {
	_, err := NewRegistry([]config.Collector{{ID: "x", Type: "carrier_pigeon"}})
	if err == nil {
		t.Fatal("expected error for unknown collector type")
	}
	if !errors.Is(err, config.ErrInvalid) {
		t.Errorf("expected ErrInvalid, got %v", err)
	}
}

func TestRegistryResolvesAtLoadTime(t *testing.T) {
	r, err := NewRegistry([]config.Collector{
		{ID: "a", Type: "http_json", URL: "https://example.com/a.json"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := r.Get("a"); !ok {
		t.Error("expected collector a to resolve")
	}
	if _, ok := r.Get("b"); ok {
		t.Error("expected unknown id to miss")
	}
}

func serveJSON(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPJSONCollect(t *testing.T) {
	srv := serveJSON(t, `{
		"period": "week ending 2026-02-13",
		"rows": [
			{"week_ending": "2026-02-13", "net_sales": 812.5},
			{"week_ending": "2026-02-06", "net_sales": 640.0}
		]
	}`)

	c := NewHTTPJSON(config.Collector{
		URL: srv.URL, KeyField: "week_ending", MetricField: "net_sales",
	})
	out, err := c.Collect(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Period != "week ending 2026-02-13" {
		t.Errorf("unexpected period %q", out.Period)
	}
	if len(out.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(out.Rows))
	}
	if out.Rows[0].Key != "2026-02-13" {
		t.Errorf("unexpected key %q", out.Rows[0].Key)
	}
	if out.Rows[0].Metric == nil || *out.Rows[0].Metric != 812.5 {
		t.Error("expected metric 812.5")
	}
	if out.PartialReason != "" {
		t.Errorf("unexpected partial reason %q", out.PartialReason)
	}
}

func TestHTTPJSONPartial(t *testing.T) {
	srv := serveJSON(t, `{"period": "2026-02", "partial": true, "rows": []}`)

	c := NewHTTPJSON(config.Collector{URL: srv.URL})
	out, err := c.Collect(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.PartialReason == "" {
		t.Error("expected a partial reason")
	}
}

func TestHTTPJSONBadBodyIsPermanent(t *testing.T) {
	srv := serveJSON(t, `<html>not json</html>`)

	c := NewHTTPJSON(config.Collector{URL: srv.URL})
	_, err := c.Collect(context.Background())
	if !errors.Is(err, ErrBadData) {
		t.Errorf("expected ErrBadData, got %v", err)
	}
}

func TestHTTPJSONMissingKeyFieldIsPermanent(t *testing.T) {
	srv := serveJSON(t, `{"rows": [{"wrong_field": "x"}]}`)

	c := NewHTTPJSON(config.Collector{URL: srv.URL, KeyField: "week_ending"})
	_, err := c.Collect(context.Background())
	if !errors.Is(err, ErrBadData) {
		t.Errorf("expected ErrBadData, got %v", err)
	}
}

func TestHTTPJSONServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	c := NewHTTPJSON(config.Collector{URL: srv.URL})
	_, err := c.Collect(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrBadData) {
		t.Error("HTTP 502 should be transient, not ErrBadData")
	}
}

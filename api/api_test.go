package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/xraph/balanced/kv"
	"github.com/xraph/balanced/kv/memory"
	"github.com/xraph/balanced/metrics"
)

var keys = kv.NewKeys("test")

func newHandler(t *testing.T) *MetricsHandler {
	t.Helper()
	s := memory.New()
	_, err := s.Push(context.Background(), kv.PushKeys{
		Partitions: keys.Partitions("jobs"),
		Queue:      keys.Queue("jobs", "a"),
		Metrics:    keys.Metrics("jobs", "a"),
	}, "payload", "a", time.Now().Unix())
	if err != nil {
		t.Fatal(err)
	}
	return NewMetricsHandler(metrics.NewExporter(metrics.NewReader(s, keys)))
}

// ---------------------------------------------------------------------------
// Allowlist parsing and matching
// ---------------------------------------------------------------------------

func TestIPAllowlist_ExactAndCIDR(t *testing.T) {
	allow, err := NewIPAllowlist([]string{"10.0.0.0/8", "127.0.0.1", "::1", "fd00::/8"})
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		addr string
		want bool
	}{
		{"10.255.255.254", true},
		{"10.0.0.1", true},
		{"11.0.0.1", false},
		{"127.0.0.1", true},
		{"127.0.0.2", false},
		{"::1", true},
		{"fd00::42", true},
		{"2001:db8::1", false},
	}
	for _, tc := range cases {
		if got := allow.Allowed(netip.MustParseAddr(tc.addr)); got != tc.want {
			t.Fatalf("Allowed(%s) = %v, want %v", tc.addr, got, tc.want)
		}
	}
}

func TestIPAllowlist_EmptyDeniesAll(t *testing.T) {
	allow, err := NewIPAllowlist(nil)
	if err != nil {
		t.Fatal(err)
	}
	if allow.Allowed(netip.MustParseAddr("127.0.0.1")) {
		t.Fatal("empty allowlist must deny every source")
	}
}

func TestIPAllowlist_RejectsBadEntry(t *testing.T) {
	if _, err := NewIPAllowlist([]string{"not-an-ip"}); err == nil {
		t.Fatal("expected a parse error")
	}
}

// ---------------------------------------------------------------------------
// HTTP gate
// ---------------------------------------------------------------------------

func TestRoutes_AllowlistGate(t *testing.T) {
	h := newHandler(t)
	allow, err := NewIPAllowlist([]string{"10.0.0.0/8", "127.0.0.1"})
	if err != nil {
		t.Fatal(err)
	}
	routes := h.Routes("/metrics/balanced-queue", allow.Middleware)

	cases := []struct {
		remote string
		want   int
	}{
		{"10.255.255.254:9999", http.StatusOK},
		{"11.0.0.1:9999", http.StatusForbidden},
		{"127.0.0.1:9999", http.StatusOK},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/metrics/balanced-queue", nil)
		req.RemoteAddr = tc.remote
		rec := httptest.NewRecorder()
		routes.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Fatalf("remote %s: expected %d, got %d", tc.remote, tc.want, rec.Code)
		}
	}
}

func TestRoutes_BasicAuthGate(t *testing.T) {
	h := newHandler(t)
	routes := h.Routes("/metrics/balanced-queue", NewBasicAuth("scraper", "s3cret").Middleware)

	req := httptest.NewRequest(http.MethodGet, "/metrics/balanced-queue", nil)
	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics/balanced-queue", nil)
	req.SetBasicAuth("scraper", "wrong")
	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong password, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics/balanced-queue", nil)
	req.SetBasicAuth("scraper", "s3cret")
	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid credentials, got %d", rec.Code)
	}
}

func TestRoutes_TextBody(t *testing.T) {
	h := newHandler(t)
	routes := h.Routes("/metrics/balanced-queue", nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics/balanced-queue", nil)
	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `balanced_queue_pending_jobs{queue="jobs"} 1`) {
		t.Fatalf("unexpected body:\n%s", body)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}
}

func TestRoutes_JSONBody(t *testing.T) {
	h := newHandler(t)
	routes := h.Routes("/metrics/balanced-queue", nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics/balanced-queue/json", nil)
	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("body does not parse as JSON: %v", err)
	}
	if len(snap.Queues) != 1 || snap.Queues[0].Queue != "jobs" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_CountersAndHandler(t *testing.T) {
	m := New()
	m.ObserveRelayed("cursor")
	m.ObserveRelayed("cursor")
	m.ObserveDropped(ReasonRateLimited)
	m.Sockets.Set(3)

	if got := testutil.ToFloat64(m.Relayed.WithLabelValues("cursor")); got != 2 {
		t.Fatalf("expected 2 relayed cursor events, got %v", got)
	}
	if got := testutil.ToFloat64(m.Dropped.WithLabelValues(ReasonRateLimited)); got != 1 {
		t.Fatalf("expected 1 dropped event, got %v", got)
	}

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "collabsync_relay_sockets 3") {
		t.Fatalf("sockets gauge missing from exposition:\n%s", body)
	}
}

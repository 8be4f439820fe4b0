package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker/v2"
)

func TestMetrics_NilSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.GatewayRequest("GET", "ok", time.Millisecond)
	m.GatewayReplay()
	m.RefreshExchange("ok", time.Millisecond)
	m.RefreshWaiter()
	m.RealtimeEvent("in", "notification")
	m.RealtimeConnected(true)
	m.EmitDropped()
	m.Unread(1, 2)
	m.BreakerState("gw", gobreaker.StateOpen)
	m.ServerRequest("GET", 200, time.Millisecond)
	if m.Registry() != nil {
		t.Fatalf("nil metrics must have nil registry")
	}
}

func TestMetrics_Counters(t *testing.T) {
	t.Parallel()

	m := New()
	m.RefreshExchange("ok", 10*time.Millisecond)
	m.RefreshExchange("fail", 10*time.Millisecond)
	m.RefreshExchange("ok", 10*time.Millisecond)
	m.RefreshWaiter()
	m.RefreshWaiter()
	m.Unread(3, 4)
	m.BreakerState("gw", gobreaker.StateHalfOpen)
	m.ServerRequest("POST", 401, time.Millisecond)
	m.ServerRequest("POST", 404, time.Millisecond)

	if got := testutil.ToFloat64(m.refreshExchanges.WithLabelValues("ok")); got != 2 {
		t.Fatalf("ok exchanges=%v", got)
	}
	if got := testutil.ToFloat64(m.refreshWaiters); got != 2 {
		t.Fatalf("waiters=%v", got)
	}
	if got := testutil.ToFloat64(m.unread.WithLabelValues("messages")); got != 4 {
		t.Fatalf("unread messages=%v", got)
	}
	if got := testutil.ToFloat64(m.breakerState.WithLabelValues("gw")); got != 1 {
		t.Fatalf("breaker state=%v", got)
	}
	if got := testutil.ToFloat64(m.serverRequests.WithLabelValues("POST", "4xx")); got != 2 {
		t.Fatalf("server 4xx=%v", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	t.Parallel()

	m := New()
	m.GatewayRequest("GET", "ok", 5*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "portalsync_gateway_requests_total") {
		t.Fatalf("exposition missing gateway counter:\n%s", body)
	}
}

func TestStatusClass(t *testing.T) {
	t.Parallel()

	cases := map[int]string{0: "none", 200: "2xx", 304: "3xx", 401: "4xx", 503: "5xx"}
	for status, want := range cases {
		if got := StatusClass(status); got != want {
			t.Fatalf("StatusClass(%d)=%q want %q", status, got, want)
		}
	}
}

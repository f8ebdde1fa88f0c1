package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/h9ctl/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("GET", "/health", 200, 12*time.Millisecond)
	RecordExchange("PROGRAM_WANT", "ok", 24*time.Millisecond)
	RecordDroppedMessage("unmatched")
	RecordAction("refresh", false, time.Millisecond)
	SetStreamState(1)
	RecordRecoveryAttempt(true)
	RecordOverrun()
	SetTempo("live", 121.5)

	rec := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`h9ctl_device_exchanges_total{code="PROGRAM_WANT",outcome="ok"} 1`,
		`h9ctl_worker_actions_total{action="refresh",outcome="error"} 1`,
		`h9ctl_audio_stream_state 1`,
		`h9ctl_tempo_bpm{source="live"} 121.5`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

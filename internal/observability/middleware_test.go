package observability

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/danmuck/h9ctl/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func TestMiddlewaresLabelRoutes(t *testing.T) {
	testlog.Start(t)
	var logs bytes.Buffer
	r := gin.New()
	r.Use(RequestLogger(zerolog.New(&logs)))
	r.Use(RequestMetricsMiddleware())
	r.POST("/actions", func(c *gin.Context) { c.Status(http.StatusAccepted) })

	for _, path := range []string{"/actions", "/wp-login.php"} {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, path, nil))
	}

	out := logs.String()
	if !strings.Contains(out, `"route":"/actions"`) || !strings.Contains(out, `"level":"info"`) {
		t.Fatalf("expected info line for POST /actions, got %s", out)
	}
	if !strings.Contains(out, `"route":"unmatched"`) || !strings.Contains(out, `"path":"/wp-login.php"`) {
		t.Fatalf("expected unmatched route line, got %s", out)
	}

	rec := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, `h9ctl_http_requests_total{method="POST",path="unmatched",status="404"} 1`) {
		t.Fatalf("unmatched request not recorded under bounded label")
	}
	if strings.Contains(body, "wp-login") {
		t.Fatalf("raw path leaked into metric labels")
	}
}

package observability

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestHTTPMiddlewareRecordsMatchedRoute(t *testing.T) {
	RegisterMetrics()
	gin.SetMode(gin.TestMode)

	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	r := gin.New()
	r.Use(HTTPMiddleware(logger, "relay-mw"))
	r.GET("/items/:id", func(c *gin.Context) { c.String(http.StatusOK, c.Param("id")) })
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	before := testutil.ToFloat64(httpRequests.WithLabelValues("relay-mw", "GET", "/items/:id", "200"))
	for _, path := range []string{"/items/1", "/items/2", "/health", "/missing"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}
	if got := testutil.ToFloat64(httpRequests.WithLabelValues("relay-mw", "GET", "/items/:id", "200")); got != before+2 {
		t.Fatalf("expected two requests on matched route, got %v -> %v", before, got)
	}
	if got := testutil.ToFloat64(httpRequests.WithLabelValues("relay-mw", "GET", "/missing", "404")); got < 1 {
		t.Fatalf("unmatched path must fall back to raw path: %v", got)
	}

	out := buf.String()
	if !strings.Contains(out, `"route":"/items/:id"`) || !strings.Contains(out, `"level":"warn"`) {
		t.Fatalf("unexpected request log: %s", out)
	}
	if strings.Contains(out, `"route":"/health"`) {
		t.Fatalf("health probes must log below debug: %s", out)
	}
}

package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("relay-a", "GET", "/health", 200, 12*time.Millisecond)
	RecordTransportReconnect("t.safe", "scheduled")
	RecordTransportQueueDepth("t.safe", 3)
	RecordTransportEnvelope("t.safe", "out", "message", "queued")
	RecordRelaySessions("relay-a", "ws", 1)
	RecordRelaySessions("relay-a", "ws", -1)
	RecordRelayEnvelope("relay-a", "message", "forwarded")
	RecordRelayHandshake("relay-a", "tcp", false)

	if got := testutil.ToFloat64(transportQueueDepth.WithLabelValues("t.safe")); got != 3 {
		t.Fatalf("queue depth got=%v", got)
	}
	if got := testutil.ToFloat64(relaySessions.WithLabelValues("relay-a", "ws")); got != 0 {
		t.Fatalf("sessions gauge got=%v", got)
	}
}

func TestRecordTransportStateIsExclusive(t *testing.T) {
	RecordTransportState("t.state", "connecting")
	RecordTransportState("t.state", "connected")
	for _, s := range transportStates {
		want := 0.0
		if s == "connected" {
			want = 1
		}
		if got := testutil.ToFloat64(transportState.WithLabelValues("t.state", s)); got != want {
			t.Fatalf("state %s got=%v want=%v", s, got, want)
		}
	}
}

func TestMiddlewareRecordsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var logBuf strings.Builder
	logger := zerolog.New(&logBuf)

	router := gin.New()
	router.Use(RequestLogger(logger), RequestMetricsMiddleware("relay-mw"))
	router.GET("/health", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status got=%d", rec.Code)
	}
	if got := testutil.ToFloat64(httpRequests.WithLabelValues("relay-mw", "GET", "/health", "200")); got != 1 {
		t.Fatalf("http counter got=%v", got)
	}
	if !strings.Contains(logBuf.String(), `"path":"/health"`) {
		t.Fatalf("request log missing path: %s", logBuf.String())
	}
}

func TestMiddlewareTagsUpgradedSessions(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var logBuf strings.Builder
	logger := zerolog.New(&logBuf)

	router := gin.New()
	router.Use(RequestLogger(logger), RequestMetricsMiddleware("relay-up"))
	router.GET("/ws", func(c *gin.Context) { TagSession(c, "alice", "ws") })

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	router.ServeHTTP(httptest.NewRecorder(), req)

	if got := testutil.ToFloat64(httpUpgrades.WithLabelValues("relay-up", "/ws", "ws")); got != 1 {
		t.Fatalf("upgrade counter got=%v", got)
	}
	if got := testutil.ToFloat64(httpRequests.WithLabelValues("relay-up", "GET", "/ws", "101")); got != 1 {
		t.Fatalf("http counter got=%v", got)
	}
	line := logBuf.String()
	if !strings.Contains(line, `"identity":"alice"`) || !strings.Contains(line, `"status":101`) {
		t.Fatalf("session log missing identity or status: %s", line)
	}
}

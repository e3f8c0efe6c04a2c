package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPMetricsMiddlewareUsesRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(HTTPMetricsMiddleware())
	r.GET("/files/:key", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	counter := httpRequestsTotal.WithLabelValues(http.MethodGet, "/files/:key", "204")
	before := testutil.ToFloat64(counter)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/files/abc", nil))

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(counter))

	unmatched := httpRequestsTotal.WithLabelValues(http.MethodGet, "unmatched", "404")
	before = testutil.ToFloat64(unmatched)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope/1", nil))
	assert.Equal(t, before+1, testutil.ToFloat64(unmatched))
}

func TestSocketGauge(t *testing.T) {
	before := testutil.ToFloat64(socketConnections)
	SocketOpened()
	SocketOpened()
	SocketClosed()
	assert.Equal(t, before+1, testutil.ToFloat64(socketConnections))
	SocketClosed()
}

func TestObserveSocketRequest(t *testing.T) {
	counter := socketRequestsTotal.WithLabelValues("getChats", "ok")
	before := testutil.ToFloat64(counter)
	ObserveSocketRequest("getChats", "ok", 10*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestSplitFullMethod(t *testing.T) {
	service, method := splitFullMethod("/grpc.health.v1.Health/Check")
	assert.Equal(t, "grpc.health.v1.Health", service)
	assert.Equal(t, "Check", method)

	for _, bad := range []string{"bad", "/svc/", ""} {
		service, method = splitFullMethod(bad)
		assert.Equal(t, "unknown", service, bad)
		assert.Equal(t, "unknown", method, bad)
	}
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func init() { gin.SetMode(gin.TestMode) }

func serve(eng *gin.Engine, method, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	eng.ServeHTTP(w, req)
	return w
}

func TestTraceID_GeneratedAndEchoed(t *testing.T) {
	eng := gin.New()
	eng.Use(TraceID())
	var seen string
	eng.GET("/", func(c *gin.Context) {
		seen = GetTraceID(c)
		c.Status(http.StatusOK)
	})

	w := serve(eng, http.MethodGet, "/", nil)
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get(TraceIDHeader))

	w = serve(eng, http.MethodGet, "/", map[string]string{TraceIDHeader: "abc"})
	assert.Equal(t, "abc", seen)
	assert.Equal(t, "abc", w.Header().Get(TraceIDHeader))

	long := strings.Repeat("x", 65)
	serve(eng, http.MethodGet, "/", map[string]string{TraceIDHeader: long})
	assert.NotEqual(t, long, seen)
	assert.NotEmpty(t, seen)
}

func TestRecovery_Returns500(t *testing.T) {
	eng := gin.New()
	eng.Use(TraceID(), Recovery(zap.NewNop()), Logger(zap.NewNop()))
	eng.GET("/boom", func(*gin.Context) { panic("boom") })

	w := serve(eng, http.MethodGet, "/boom", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "trace_id")
}

func TestRecovery_AfterHeadersWritten(t *testing.T) {
	eng := gin.New()
	eng.Use(TraceID(), Recovery(zap.NewNop()))
	eng.GET("/stream", func(c *gin.Context) {
		c.String(http.StatusOK, "event: connected\n\n")
		panic("boom")
	})

	w := serve(eng, http.MethodGet, "/stream", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "internal error")
}

func TestRateLimit_BurstThenReject(t *testing.T) {
	eng := gin.New()
	eng.Use(RateLimit(0.001, 2))
	eng.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	ip := map[string]string{"X-Real-IP": "10.0.0.1"}
	assert.Equal(t, http.StatusOK, serve(eng, http.MethodGet, "/", ip).Code)
	assert.Equal(t, http.StatusOK, serve(eng, http.MethodGet, "/", ip).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(eng, http.MethodGet, "/", ip).Code)

	// Other clients have their own bucket.
	assert.Equal(t, http.StatusOK, serve(eng, http.MethodGet, "/", map[string]string{"X-Real-IP": "10.0.0.2"}).Code)
}

func TestIPWhitelist(t *testing.T) {
	eng := gin.New()
	eng.Use(IPWhitelist([]string{"192.0.2.1"}))
	eng.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	w := httptest.NewRecorder()
	eng.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.7:1234"
	w = httptest.NewRecorder()
	eng.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	cidr := gin.New()
	cidr.Use(IPWhitelist([]string{"10.0.0.0/8", "not-an-ip"}))
	cidr.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.20.30.40:5555"
	w = httptest.NewRecorder()
	cidr.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	open := gin.New()
	open.Use(IPWhitelist(nil))
	open.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	assert.Equal(t, http.StatusOK, serve(open, http.MethodGet, "/", nil).Code)
}

func TestAPIKey(t *testing.T) {
	build := func(key string) *gin.Engine {
		eng := gin.New()
		eng.POST("/actions/start", APIKey(key), func(c *gin.Context) { c.Status(http.StatusNoContent) })
		return eng
	}

	eng := build("s3cret")
	assert.Equal(t, http.StatusUnauthorized, serve(eng, http.MethodPost, "/actions/start", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(eng, http.MethodPost, "/actions/start",
		map[string]string{"Authorization": "Bearer wrong"}).Code)
	assert.Equal(t, http.StatusNoContent, serve(eng, http.MethodPost, "/actions/start",
		map[string]string{"Authorization": "Bearer s3cret"}).Code)
	assert.Equal(t, http.StatusNoContent, serve(eng, http.MethodPost, "/actions/start?token=s3cret", nil).Code)

	assert.Equal(t, http.StatusForbidden, serve(build(""), http.MethodPost, "/actions/start",
		map[string]string{"Authorization": "Bearer anything"}).Code)
}

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(context.Context) error { return f.err }

func perform(t *testing.T, h *Handler, route string, fn gin.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET(route, fn)

	req, _ := http.NewRequest("GET", route, nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestLiveness(t *testing.T) {
	h := NewHandler(nil, nil)
	resp := perform(t, h, "/health/live", h.Liveness)

	assert.Equal(t, http.StatusOK, resp.Code)

	var body LivenessResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "alive", body.Status)
	assert.NotEmpty(t, body.Timestamp)
}

func TestReadiness_AllHealthy(t *testing.T) {
	h := NewHandler(&fakePinger{}, &fakePinger{})
	resp := perform(t, h, "/health/ready", h.Readiness)

	assert.Equal(t, http.StatusOK, resp.Code)

	var body ReadinessResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "ready", body.Status)
	assert.Equal(t, "healthy", body.Checks["redis"])
	assert.Equal(t, "healthy", body.Checks["postgres"])
}

func TestReadiness_RedisDown(t *testing.T) {
	h := NewHandler(&fakePinger{err: errors.New("connection refused")}, &fakePinger{})
	resp := perform(t, h, "/health/ready", h.Readiness)

	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)

	var body ReadinessResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "unavailable", body.Status)
	assert.Equal(t, "unhealthy", body.Checks["redis"])
	assert.Equal(t, "healthy", body.Checks["postgres"])
}

func TestReadiness_PostgresDown(t *testing.T) {
	h := NewHandler(&fakePinger{}, &fakePinger{err: errors.New("pool closed")})
	resp := perform(t, h, "/health/ready", h.Readiness)

	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
}

func TestReadiness_NilDependenciesAreHealthy(t *testing.T) {
	h := NewHandler(nil, nil)
	resp := perform(t, h, "/health/ready", h.Readiness)

	assert.Equal(t, http.StatusOK, resp.Code)
}

package web

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/config"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/logger"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/metrics"
)

func setupTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.WebConfig{
		Enabled: true,
		Host:    "127.0.0.1",
		Port:    0,
	}
	return NewServer(cfg, logger.NewNopLogger())
}

func doRequest(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestServer_NewServer(t *testing.T) {
	server := setupTestServer(t)
	require.NotNil(t, server)
	assert.Equal(t, "web-server", server.Name())
}

func TestServer_StartStop(t *testing.T) {
	server := setupTestServer(t)

	require.NoError(t, server.Start(context.Background()))
	addr := server.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get(fmt.Sprintf("http://%s/api/health", addr))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, server.Stop(ctx))
}

func TestServer_Start_Disabled(t *testing.T) {
	cfg := &config.WebConfig{Enabled: false}
	server := NewServer(cfg, logger.NewNopLogger())

	require.NoError(t, server.Start(context.Background()))
	assert.Empty(t, server.Addr())
	require.NoError(t, server.Stop(context.Background()))
}

func TestServer_NotFound(t *testing.T) {
	server := setupTestServer(t)

	w := doRequest(t, server, http.MethodGet, "/api/unknown", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), `"success":false`)
}

func TestServer_CORSPreflight(t *testing.T) {
	server := setupTestServer(t)

	w := doRequest(t, server, http.MethodOptions, "/api/camera", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_Metrics(t *testing.T) {
	server := setupTestServer(t)
	m := metrics.New()
	m.FrameProcessed(true)
	server.SetMetrics(m)

	w := doRequest(t, server, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "motionguard_camera_frames_processed_total 1")
}

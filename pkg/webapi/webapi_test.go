package webapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/couchbase/replset-gateway/replset/membership"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type staticTopology struct {
	desc *membership.TopologyDescription
}

func (s staticTopology) Description() *membership.TopologyDescription {
	return s.desc
}

func newTestServer(t *testing.T) (*WebServer, *zap.AtomicLevel) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	return newWebServer(WebServerOptions{
		Logger:   zap.NewNop(),
		LogLevel: &level,
	}), &level
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	w, _ := newTestServer(t)
	h := w.Handler()

	rec := doRequest(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	w.markHealthy()

	rec = doRequest(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestTopology(t *testing.T) {
	w, _ := newTestServer(t)
	h := w.Handler()

	rec := doRequest(t, h, http.MethodGet, "/topology", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	w.setTopologySource(staticTopology{desc: &membership.TopologyDescription{
		TopologyType: membership.TopologyReplicaSetWithPrimary,
		SetName:      "rs0",
		Servers: []membership.ServerDescription{
			{Address: "localhost:27017", Type: membership.ServerRSPrimary},
		},
	}})

	rec = doRequest(t, h, http.MethodGet, "/topology", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var desc membership.TopologyDescription
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &desc))
	assert.Equal(t, "rs0", desc.SetName)
	require.Len(t, desc.Servers, 1)
	assert.Equal(t, membership.ServerRSPrimary, desc.Servers[0].Type)
}

func TestLogLevel(t *testing.T) {
	w, level := newTestServer(t)
	h := w.Handler()

	rec := doRequest(t, h, http.MethodGet, "/log-level", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"level":"info"}`, rec.Body.String())

	rec = doRequest(t, h, http.MethodPut, "/log-level", `{"level":"debug"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, zapcore.DebugLevel, level.Level())

	rec = doRequest(t, h, http.MethodPut, "/log-level", `{"level":"loud"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, zapcore.DebugLevel, level.Level())

	rec = doRequest(t, h, http.MethodPut, "/log-level", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsRoute(t *testing.T) {
	w, _ := newTestServer(t)

	rec := doRequest(t, w.Handler(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mattrax/forge/pkg/forge/config"
	"github.com/mattrax/forge/pkg/forge/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		HTTPAddr:       ":0",
		BaseURL:        "http://localhost:8080",
		Secret:         strings.Repeat("s", 32),
		InternalSecret: "internal",
		Database:       config.DatabaseConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "forge.db")},
		SessionTTL:     time.Hour,
		AuthzMode:      "enforce",
		MetricsEnabled: true,
		SyncInterval:   time.Hour,
		LoginRateLimit: 1,
		LoginBurst:     5,
	}
}

func testRouter(t *testing.T) (*app, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := testConfig(t)
	db, err := openDatabase(cfg.Database, zap.NewNop())
	require.NoError(t, err)

	a, err := newApp(cfg, db, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.close)

	r, err := a.router()
	require.NoError(t, err)
	return a, r
}

func get(r http.Handler, path string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRouter(t *testing.T) {
	_, r := testRouter(t)

	assert.Equal(t, http.StatusOK, get(r, "/health").Code)
	assert.Equal(t, http.StatusOK, get(r, "/api/health").Code)
	assert.Equal(t, http.StatusUnauthorized, get(r, "/api/auth/me").Code)
	assert.Equal(t, http.StatusUnauthorized, get(r, "/api/t/acme/policies").Code)

	req := httptest.NewRequest(http.MethodPost, "/api/internal/deploys/d1/status", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	metrics := get(r, "/metrics")
	require.Equal(t, http.StatusOK, metrics.Code)
	assert.Contains(t, metrics.Body.String(), `forge_http_request_duration_seconds_count{method="GET",route="/api/auth/me",status="401"}`)
}

func TestSwaggerDocument(t *testing.T) {
	_, r := testRouter(t)

	w := get(r, "/swagger/doc.json")
	require.Equal(t, http.StatusOK, w.Code)

	var doc struct {
		BasePath string                               `json:"basePath"`
		Paths    map[string]map[string]map[string]any `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, "/api", doc.BasePath)
	require.Contains(t, doc.Paths, "/t/{tenantSlug}/policies")
	assert.Contains(t, doc.Paths["/t/{tenantSlug}/policies"], "get")
	assert.Contains(t, doc.Paths["/t/{tenantSlug}/policies"], "post")
	assert.Contains(t, doc.Paths, "/admin/features")
	assert.NotContains(t, doc.Paths, "/metrics")
}

func TestJobs(t *testing.T) {
	a, _ := testRouter(t)

	var names []string
	for _, j := range a.jobs() {
		names = append(names, j.Name)
	}
	assert.Equal(t, []string{scheduler.JobPruneSessions, scheduler.JobPruneRateLimits}, names)

	a.cfg.Entra.ClientID = "client"
	assert.Len(t, a.jobs(), 4)
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version", "--env-file", filepath.Join(t.TempDir(), "missing.env")})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, version+"\n", out.String())
}

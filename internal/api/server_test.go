package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"scenariomaker/internal/config"
	"scenariomaker/internal/hub"
	"scenariomaker/internal/registry"
	"scenariomaker/internal/scenario"
)

// TestCreateClientGeneratesID registers a session without a caller-supplied
// ID and returns the companion URLs.
func TestCreateClientGeneratesID(t *testing.T) {
	t.Parallel()

	env := newTestServer(t)
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v2/client", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp createClientResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "generated-id", resp.ClientID)
	require.Equal(t, "/api/v2/ws/progress/generated-id", resp.WebsocketURL)
	require.Equal(t, "/api/v2/generate/generated-id", resp.GenerateURL)
	require.Equal(t, "/api/v2/status/generated-id", resp.StatusURL)
}

// TestCreateClientIdempotent re-posting the same ID reuses the session.
func TestCreateClientIdempotent(t *testing.T) {
	t.Parallel()

	env := newTestServer(t)
	body := `{"client_id": "abc"}`
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v2/client", strings.NewReader(body))
		env.srv.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	require.Equal(t, 1, env.reg.Count())
}

// TestStartGenerationAccepted hands the request to the runner and reports
// 202 with the websocket URL.
func TestStartGenerationAccepted(t *testing.T) {
	t.Parallel()

	env := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v2/generate/c1",
		strings.NewReader(`{"repo_path": "/work/repo", "use_performance_mode": true}`))
	env.srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "c1", env.runner.clientID)
	require.Equal(t, "/work/repo", env.runner.req.RepoPath)
	require.True(t, env.runner.req.UsePerformanceMode)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "/api/v2/ws/progress/c1", resp["websocket_url"])
}

// TestStartGenerationConflict maps the busy sentinel to 409.
func TestStartGenerationConflict(t *testing.T) {
	t.Parallel()

	env := newTestServer(t)
	env.runner.err = registry.ErrBusy
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v2/generate/c1",
		strings.NewReader(`{"repo_path": "/work/repo"}`))
	env.srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Contains(t, resp["error"], "already in progress")
}

// TestStartGenerationMissingRepoPath rejects the request before it reaches
// the runner.
func TestStartGenerationMissingRepoPath(t *testing.T) {
	t.Parallel()

	env := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v2/generate/c1", strings.NewReader(`{}`))
	env.srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, env.runner.clientID)
}

// TestClientStatusNotFound returns 404 for unknown clients.
func TestClientStatusNotFound(t *testing.T) {
	t.Parallel()

	env := newTestServer(t)
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v2/status/nope", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

// TestClientStatus reports the lifecycle snapshot including the latest
// progress event.
func TestClientStatus(t *testing.T) {
	t.Parallel()

	env := newTestServer(t)
	client, err := env.reg.GetOrCreate("c1")
	require.NoError(t, err)
	client.SetProgress(scenario.ProgressEvent{
		Status:   scenario.StatusCallingLLM,
		Message:  "calling model",
		Progress: 30,
	})

	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v2/status/c1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "c1", resp.ClientID)
	require.False(t, resp.Busy)
	require.NotNil(t, resp.Progress)
	require.Equal(t, scenario.StatusCallingLLM, resp.Progress.Status)
	require.Nil(t, resp.Result)
}

// TestRunCleanup triggers a sweep and reports the counts.
func TestRunCleanup(t *testing.T) {
	t.Parallel()

	env := newTestServer(t)
	env.sweeper.stats = registry.EvictStats{Before: 3, After: 1, Removed: 2}
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v2/cleanup", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.EqualValues(t, 3, resp["before"])
	require.EqualValues(t, 1, resp["after"])
	require.EqualValues(t, 2, resp["removed"])
}

// TestConfigInfo exposes the non-sensitive settings.
func TestConfigInfo(t *testing.T) {
	t.Parallel()

	env := newTestServer(t)
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v2/config", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "test-model", resp["model"])
	require.EqualValues(t, 60, resp["timeout_seconds"])
	require.Equal(t, true, resp["rag_enabled"])
}

// TestHealthEndpoints stay cheap and dependency-free.
func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	env := newTestServer(t)
	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		env.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

type testServerEnv struct {
	srv     *Server
	reg     *registry.Registry
	runner  *stubRunner
	sweeper *stubSweeper
}

func newTestServer(t *testing.T) *testServerEnv {
	t.Helper()
	reg := registry.New(fixedClock{}, stubIDGen{}, nil)
	h := hub.New(reg, nil)
	runner := &stubRunner{}
	sweeper := &stubSweeper{}
	cfg := config.Config{
		Generation: config.GenerationConfig{
			Model:          "test-model",
			TimeoutSeconds: 60,
			BaseRevision:   "origin/develop",
		},
		RAG: config.RAGConfig{Enabled: true},
	}
	srv := NewServer(reg, h, runner, sweeper, fixedClock{}, cfg, nil)
	return &testServerEnv{srv: srv, reg: reg, runner: runner, sweeper: sweeper}
}

type fixedClock struct{}

func (fixedClock) Now() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

type stubIDGen struct{}

func (stubIDGen) NewID() (string, error) { return "generated-id", nil }

type stubRunner struct {
	clientID string
	req      scenario.GenerationRequest
	err      error
}

func (s *stubRunner) Start(clientID string, req scenario.GenerationRequest) error {
	if s.err != nil {
		return s.err
	}
	s.clientID = clientID
	s.req = req
	return nil
}

type stubSweeper struct {
	stats registry.EvictStats
}

func (s *stubSweeper) Sweep() registry.EvictStats { return s.stats }

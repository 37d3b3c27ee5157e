package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendispatch/opendispatch/internal/agent"
	"github.com/opendispatch/opendispatch/internal/common/config"
	"github.com/opendispatch/opendispatch/internal/common/logger"
	"github.com/opendispatch/opendispatch/internal/events/bus"
	"github.com/opendispatch/opendispatch/internal/job"
	"github.com/opendispatch/opendispatch/internal/machines"
	"github.com/opendispatch/opendispatch/internal/orchestrator"
)

func testLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	return log
}

// stubMachines is a minimal machines.API for gateway tests.
type stubMachines struct {
	mu       sync.Mutex
	nextID   int
	onCreate func(machines.SpawnSpec)
}

func (s *stubMachines) Create(_ context.Context, spec machines.SpawnSpec) (*machines.MachineInfo, error) {
	s.mu.Lock()
	s.nextID++
	id := fmt.Sprintf("m-%d", s.nextID)
	hook := s.onCreate
	s.mu.Unlock()

	if hook != nil {
		hook(spec)
	}
	return &machines.MachineInfo{ID: id, Name: spec.Name, Image: spec.Image}, nil
}

func (s *stubMachines) Stop(context.Context, string) error    { return nil }
func (s *stubMachines) Destroy(context.Context, string) error { return nil }
func (s *stubMachines) Wake(context.Context, string) error    { return nil }
func (s *stubMachines) Exec(context.Context, string, string, machines.ExecOptions) (*machines.ExecResult, error) {
	return &machines.ExecResult{}, nil
}

type gatewayEnv struct {
	server   *Server
	registry *job.Registry
	api      *stubMachines
}

func newTestServer(t *testing.T) *gatewayEnv {
	t.Helper()
	log := testLogger()

	cfg := &config.Config{}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Jobs.CleanupDelayMs = 30_000
	cfg.Jobs.ReaperIntervalMs = 60_000
	cfg.Jobs.DefaultTimeoutMs = 5_000
	cfg.Agent.Default = "claude"
	cfg.Dispatch.PublicURL = "https://dispatch.test"
	cfg.Sprites.Image = "dispatch-agent:latest"

	api := &stubMachines{}
	tokens := machines.NewTokenGenerator("gateway-test-secret")
	client := machines.NewClient(api, machines.Config{
		PublicURL:    cfg.Dispatch.PublicURL,
		DefaultImage: cfg.Sprites.Image,
	}, tokens, log)

	agents := agent.NewRegistry()
	agents.LoadDefaults()

	registry := job.NewRegistry(log)
	t.Cleanup(registry.Stop)

	eventBus := bus.NewMemoryEventBus(log)
	manager := orchestrator.NewManager(client, agents, registry, tokens, eventBus, cfg, log)
	t.Cleanup(manager.StopReaper)

	return &gatewayEnv{
		server:   NewServer(cfg, manager, eventBus, log),
		registry: registry,
		api:      api,
	}
}

// reportCompletion makes the stub act as the in-machine reporter.
func (e *gatewayEnv) reportCompletion(lines []string, exitCode int) {
	e.api.onCreate = func(spec machines.SpawnSpec) {
		jobID := spec.Env["JOB_ID"]
		go func() {
			j, ok := e.registry.Get(jobID)
			if !ok {
				return
			}
			for j.Status() != job.StatusRunning {
				time.Sleep(time.Millisecond)
			}
			for _, line := range lines {
				j.AppendLog("info", line)
			}
			if exitCode == 0 {
				j.Complete(0)
			} else {
				j.Fail("agent failed", exitCode)
			}
		}()
	}
}

func (e *gatewayEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func (e *gatewayEnv) startInstance(t *testing.T, id, channelID string) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/instances", map[string]interface{}{
		"instance_id": id,
		"project_dir": "/workspace",
		"channel_id":  channelID,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestStartInstanceEndpoint(t *testing.T) {
	env := newTestServer(t)

	rec := env.do(t, http.MethodPost, "/api/v1/instances", map[string]interface{}{
		"instance_id": "inst-1",
		"project_dir": "/workspace",
		"channel_id":  "C-1",
		"repo":        "acme/site",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.NotEmpty(t, body["sessionId"])

	dup := env.do(t, http.MethodPost, "/api/v1/instances", map[string]interface{}{
		"instance_id": "inst-1",
		"project_dir": "/workspace",
		"channel_id":  "C-2",
	})
	assert.Equal(t, http.StatusConflict, dup.Code)
}

func TestStartInstanceValidation(t *testing.T) {
	env := newTestServer(t)

	rec := env.do(t, http.MethodPost, "/api/v1/instances", map[string]interface{}{
		"channel_id": "C-1",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "project_dir is required", decodeBody(t, rec)["error"])

	rec = env.do(t, http.MethodPost, "/api/v1/instances", map[string]interface{}{
		"project_dir": "/workspace",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "channel_id is required", decodeBody(t, rec)["error"])
}

func TestStartInstanceGeneratesID(t *testing.T) {
	env := newTestServer(t)

	rec := env.do(t, http.MethodPost, "/api/v1/instances", map[string]interface{}{
		"project_dir": "/workspace",
		"channel_id":  "C-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	list := env.do(t, http.MethodGet, "/api/v1/instances", nil)
	body := decodeBody(t, list)
	assert.EqualValues(t, 1, body["total"])
}

func TestGetInstanceEndpoint(t *testing.T) {
	env := newTestServer(t)
	env.startInstance(t, "inst-1", "C-1")

	rec := env.do(t, http.MethodGet, "/api/v1/instances/inst-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "inst-1", body["id"])
	assert.Equal(t, "C-1", body["channelId"])

	missing := env.do(t, http.MethodGet, "/api/v1/instances/nope", nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestStopInstanceEndpoint(t *testing.T) {
	env := newTestServer(t)
	env.startInstance(t, "inst-1", "C-1")

	rec := env.do(t, http.MethodDelete, "/api/v1/instances/inst-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	again := env.do(t, http.MethodDelete, "/api/v1/instances/inst-1", nil)
	assert.Equal(t, http.StatusNotFound, again.Code)
}

func TestSendMessageEndpoint(t *testing.T) {
	env := newTestServer(t)
	env.startInstance(t, "inst-1", "C-1")
	env.reportCompletion([]string{"done"}, 0)

	rec := env.do(t, http.MethodPost, "/api/v1/instances/inst-1/messages", map[string]interface{}{
		"message": "fix the tests",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.NotEmpty(t, body["jobId"])
	assert.Contains(t, body["responses"], "done")
}

func TestSendMessageUnknownInstance(t *testing.T) {
	env := newTestServer(t)

	rec := env.do(t, http.MethodPost, "/api/v1/instances/nope/messages", map[string]interface{}{
		"message": "hello",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSendMessageValidation(t *testing.T) {
	env := newTestServer(t)
	env.startInstance(t, "inst-1", "C-1")

	rec := env.do(t, http.MethodPost, "/api/v1/instances/inst-1/messages", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "message is required", decodeBody(t, rec)["error"])
}

func TestJobEndpoints(t *testing.T) {
	env := newTestServer(t)
	env.startInstance(t, "inst-1", "C-1")
	env.reportCompletion([]string{"ok"}, 0)

	sent := env.do(t, http.MethodPost, "/api/v1/instances/inst-1/messages", map[string]interface{}{
		"message": "build it",
	})
	require.Equal(t, http.StatusOK, sent.Code)
	jobID, _ := decodeBody(t, sent)["jobId"].(string)
	require.NotEmpty(t, jobID)

	list := env.do(t, http.MethodGet, "/api/v1/jobs", nil)
	require.Equal(t, http.StatusOK, list.Code)
	assert.EqualValues(t, 1, decodeBody(t, list)["total"])

	got := env.do(t, http.MethodGet, "/api/v1/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, got.Code)
	body := decodeBody(t, got)
	assert.Equal(t, "completed", body["status"])
	assert.NotContains(t, body, "token", "job snapshots must not leak bearer tokens")

	missing := env.do(t, http.MethodGet, "/api/v1/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestGatewayHealth(t *testing.T) {
	env := newTestServer(t)

	rec := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "open-dispatch", body["service"])
}

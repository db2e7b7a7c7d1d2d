package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csai/fleetdash/internal/chatlog"
	"github.com/csai/fleetdash/internal/config"
	"github.com/csai/fleetdash/internal/discovery"
	"github.com/csai/fleetdash/internal/health"
	"github.com/csai/fleetdash/internal/observability"
	"github.com/csai/fleetdash/internal/registry"
)

// writeConfig points every store into a temp dir and the runtime at a port
// nothing listens on.
func writeConfig(t *testing.T, extra string) (string, config.Config) {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`
storage:
  registry_file: %s
  chat_backend: file
  chat_dir: %s
runtime:
  ping_timeout_ms: 200
  endpoints:
    - name: tcp
      host: tcp://127.0.0.1:1
discovery:
  on_startup: false
%s`, filepath.Join(dir, "instances.json"), filepath.Join(dir, "chat"), extra)
	path := filepath.Join(dir, "fleetdash.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	cfg, err := config.LoadFrom(path)
	require.NoError(t, err)
	return path, cfg
}

func buildApp(t *testing.T, cfg config.Config) *App {
	t.Helper()
	app, err := Build(cfg, observability.NewLoggerTo(&bytes.Buffer{}, "error"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	return app
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestExportCommand(t *testing.T) {
	path, cfg := writeConfig(t, "")
	app := buildApp(t, cfg)
	ctx := context.Background()
	_, err := app.Chat.Append(ctx, "inst1", chatlog.Message{Role: chatlog.RoleUser, Content: "hello\nthere"})
	require.NoError(t, err)
	_, err = app.Chat.Append(ctx, "inst1", chatlog.Message{Role: chatlog.RoleAssistant, Content: "hi"})
	require.NoError(t, err)

	out, err := run(t, "--config", path, "export", "inst1", "--format", "txt")
	require.NoError(t, err)
	assert.Contains(t, out, `user [`)
	assert.Contains(t, out, `]: hello\nthere`)
	assert.Contains(t, out, "assistant [")

	out, err = run(t, "--config", path, "export", "inst1")
	require.NoError(t, err)
	var doc struct {
		InstanceID string            `json:"instance_id"`
		Messages   []chatlog.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	assert.Equal(t, "inst1", doc.InstanceID)
	require.Len(t, doc.Messages, 2)
	assert.EqualValues(t, 2, doc.Messages[1].Seq)

	_, err = run(t, "--config", path, "export", "inst1", "--format", "pdf")
	assert.ErrorIs(t, err, chatlog.ErrValidation)
}

func TestCheckCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	path, cfg := writeConfig(t, "")
	app := buildApp(t, cfg)
	_, err = app.Registry.Create(registry.Spec{ID: "alpha", Name: "Alpha", Host: u.Hostname(), Port: port, Kind: registry.KindLocal})
	require.NoError(t, err)

	out, err := run(t, "--config", path, "check", "--no-color")
	require.NoError(t, err)
	assert.Contains(t, out, "STATUS")
	assert.Regexp(t, `alpha\s+Alpha\s+online`, out)

	_, err = run(t, "--config", path, "check", "missing")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestDiscoverCommandReportsUnavailableRuntime(t *testing.T) {
	path, _ := writeConfig(t, "")
	out, err := run(t, "--config", path, "discover")
	require.NoError(t, err)

	var rep discovery.Report
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Empty(t, rep.New)
	require.Len(t, rep.Warnings, 1)
}

func TestHandlerKeepsHealthPublic(t *testing.T) {
	_, cfg := writeConfig(t, "auth:\n  bearer_token: s3cret\n")
	app := buildApp(t, cfg)
	h := app.Handler()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/instances", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/instances", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
}

func TestStatusTableColouring(t *testing.T) {
	results := []health.Result{
		{InstanceID: "a", Status: registry.StatusOnline, LatencyMs: 12},
		{InstanceID: "b", Status: registry.StatusError, Error: "status 500"},
	}
	var plain, colored bytes.Buffer
	require.NoError(t, writeStatusTable(&plain, results, map[string]string{"a": "A"}, false))
	require.NoError(t, writeStatusTable(&colored, results, nil, true))

	assert.NotContains(t, plain.String(), "\x1b[")
	assert.Contains(t, plain.String(), "12ms")
	assert.Contains(t, plain.String(), "status 500")
	assert.Contains(t, colored.String(), "\x1b[")
}

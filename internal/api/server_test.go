package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csai/fleetdash/internal/broker"
	"github.com/csai/fleetdash/internal/chatlog"
	"github.com/csai/fleetdash/internal/config"
	"github.com/csai/fleetdash/internal/discovery"
	"github.com/csai/fleetdash/internal/health"
	"github.com/csai/fleetdash/internal/metrics"
	"github.com/csai/fleetdash/internal/registry"
	"github.com/csai/fleetdash/internal/relay"
)

type memStore struct{}

func (memStore) Load() (registry.Snapshot, error) {
	return registry.Snapshot{Instances: map[string]registry.Instance{}}, nil
}
func (memStore) Save(registry.Snapshot) error { return nil }

type fakeRuntime struct {
	mu         sync.Mutex
	up         bool
	containers []types.Container
	started    []string
}

func (f *fakeRuntime) Active() string {
	if f.up {
		return "env"
	}
	return ""
}
func (f *fakeRuntime) Available(context.Context) bool { return f.up }
func (f *fakeRuntime) Candidates() []config.Endpoint  { return config.Default().Runtime.Endpoints }
func (f *fakeRuntime) Reconnect(context.Context) (string, error) {
	if !f.up {
		return "", broker.ErrRuntimeUnavailable
	}
	return "env", nil
}
func (f *fakeRuntime) ListContainers(context.Context, bool) ([]types.Container, error) {
	if !f.up {
		return nil, broker.ErrRuntimeUnavailable
	}
	return f.containers, nil
}
func (f *fakeRuntime) StartContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == "missing" {
		return broker.ErrContainerNotFound
	}
	f.started = append(f.started, id)
	return nil
}
func (f *fakeRuntime) StopContainer(context.Context, string) error { return nil }
func (f *fakeRuntime) InspectContainer(_ context.Context, id string) (types.ContainerJSON, error) {
	if id != "abcdef0123456789" {
		return types.ContainerJSON{}, broker.ErrContainerNotFound
	}
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			ID:      id,
			Name:    "/claude-dev",
			Image:   "sha256:0123",
			Created: "2026-01-02T03:04:05Z",
			State:   &types.ContainerState{Status: "running", Running: true},
		},
		Config: &container.Config{Image: "claude:latest", Labels: map[string]string{"app": "claude"}},
		NetworkSettings: &types.NetworkSettings{NetworkSettingsBase: types.NetworkSettingsBase{
			Ports: nat.PortMap{
				"8000/tcp": {{HostIP: "0.0.0.0", HostPort: "18000"}},
				"9000/tcp": nil,
			},
		}},
	}, nil
}

type harness struct {
	srv     *Server
	routes  http.Handler
	reg     *registry.Registry
	chat    *chatlog.Store
	runtime *fakeRuntime
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()
	m := metrics.New()
	reg, err := registry.New(memStore{}, logger)
	require.NoError(t, err)
	rt := &fakeRuntime{up: true}
	chat := chatlog.NewStore(chatlog.NewFileBackend(t.TempDir()), logger)
	prober := health.ProberFunc(func(context.Context, registry.Instance) (registry.Status, error) {
		return registry.StatusOnline, nil
	})
	srv := New(cfg, Deps{
		Instances: reg,
		Health:    health.New(reg, prober, time.Second, 4, m, logger),
		Discovery: discovery.New(rt, reg, cfg.Discovery, m, logger),
		Runtime:   rt,
		Chat:      chat,
		Relay:     relay.New(time.Second),
	}, m, logger)
	return &harness{srv: srv, routes: srv.Routes(), reg: reg, chat: chat, runtime: rt}
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	rr := httptest.NewRecorder()
	h.routes.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v))
	return v
}

func TestCreateAndListInstances(t *testing.T) {
	h := newHarness(t)
	rr := h.do(t, http.MethodPost, "/v1/instances", map[string]any{"name": "dev", "host": "localhost", "port": 8000, "kind": "local"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	created := decode[InstanceResponse](t, rr)
	assert.Equal(t, registry.StatusUnknown, created.Instance.Status)
	assert.Equal(t, "http://localhost:8000", created.Instance.URL)

	rr = h.do(t, http.MethodGet, "/v1/instances", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode[InstanceListResponse](t, rr)
	require.Len(t, list.Instances, 1)
	assert.Equal(t, created.Instance.ID, list.Instances[0].ID)

	rr = h.do(t, http.MethodGet, "/api/v1/instances/"+created.Instance.ID, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestInstanceErrorMapping(t *testing.T) {
	h := newHarness(t)
	rr := h.do(t, http.MethodPost, "/v1/instances", map[string]any{"id": "dev", "name": "dev", "host": "localhost", "port": 8000})
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = h.do(t, http.MethodPost, "/v1/instances", map[string]any{"id": "dev", "name": "again", "host": "localhost", "port": 8001})
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "duplicate_id", decode[ErrorEnvelope](t, rr).Error.Code)

	rr = h.do(t, http.MethodPost, "/v1/instances", map[string]any{"name": "x", "host": "localhost", "port": 70000})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, decode[ErrorEnvelope](t, rr).Error.Message, "port")

	rr = h.do(t, http.MethodGet, "/v1/instances/nope", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = h.do(t, http.MethodPatch, "/v1/instances/dev", map[string]any{"kind": "containerized"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/instances", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	h.routes.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateCannotSetStatus(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, "/v1/instances", map[string]any{"id": "dev", "name": "dev", "host": "localhost", "port": 8000}).Code)

	rr := h.do(t, http.MethodPatch, "/v1/instances/dev", map[string]any{"name": "renamed", "status": "online"})
	require.Equal(t, http.StatusOK, rr.Code)
	got := decode[InstanceResponse](t, rr)
	assert.Equal(t, "renamed", got.Instance.Name)
	assert.Equal(t, registry.StatusUnknown, got.Instance.Status)
}

func TestDeleteInstance(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, "/v1/instances", map[string]any{"id": "dev", "name": "dev", "host": "localhost", "port": 8000}).Code)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodDelete, "/v1/instances/dev", nil).Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodDelete, "/v1/instances/dev", nil).Code)
}

func TestHealthEndpoints(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, "/v1/instances", map[string]any{"id": "dev", "name": "dev", "host": "localhost", "port": 8000}).Code)

	rr := h.do(t, http.MethodPost, "/v1/instances/dev/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, registry.StatusOnline, decode[CheckResponse](t, rr).Result.Status)

	rr = h.do(t, http.MethodPost, "/v1/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[CheckAllResponse](t, rr).Results, 1)

	rr = h.do(t, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, decode[StatsResponse](t, rr).Instances.Online)

	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodPost, "/v1/instances/nope/health", nil).Code)
}

func TestDiscoverEndpoint(t *testing.T) {
	h := newHarness(t)
	h.runtime.containers = []types.Container{{
		ID:    "abcdef0123456789",
		Names: []string{"/claude-dev"},
		Image: "img",
		State: "running",
		Ports: []types.Port{{PrivatePort: 8000, PublicPort: 18000, Type: "tcp"}},
	}}
	rr := h.do(t, http.MethodPost, "/v1/discover", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	rep := decode[DiscoverResponse](t, rr).Report
	require.Len(t, rep.New, 1)
	assert.Equal(t, "docker_abcdef012345", rep.New[0].ID)

	rr = h.do(t, http.MethodGet, "/v1/runtime/containers?all=true", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	containers := decode[ContainerListResponse](t, rr).Containers
	require.Len(t, containers, 1)
	assert.True(t, containers[0].IsCandidate)
	assert.Equal(t, []string{"18000->8000/tcp"}, containers[0].Ports)
}

func TestRuntimeEndpoints(t *testing.T) {
	h := newHarness(t)
	rr := h.do(t, http.MethodGet, "/v1/runtime", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decode[RuntimeResponse](t, rr).Available)

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/v1/runtime/containers/abc/start", nil).Code)
	assert.Equal(t, []string{"abc"}, h.runtime.started)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodPost, "/v1/runtime/containers/missing/start", nil).Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodPost, "/v1/runtime/containers/abc/pause", nil).Code)

	h.runtime.up = false
	rr = h.do(t, http.MethodPost, "/v1/runtime/reconnect", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "runtime_unavailable", decode[ErrorEnvelope](t, rr).Error.Code)

	rr = h.do(t, http.MethodPost, "/v1/discover", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[DiscoverResponse](t, rr).Report.Warnings, 1)

	rr = h.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "degraded", decode[HealthResponse](t, rr).Status)
}

func chatBackend(t *testing.T, reply func(w http.ResponseWriter, r *http.Request)) (string, int) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(reply))
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return u.Hostname(), port
}

func TestSendMessageRoundTrip(t *testing.T) {
	h := newHarness(t)
	var contexts []int
	host, port := chatBackend(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Message string       `json:"message"`
			Context []relay.Turn `json:"context"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		contexts = append(contexts, len(body.Context))
		_ = json.NewEncoder(w).Encode(map[string]string{"content": "echo: " + body.Message})
	})
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, "/v1/instances", map[string]any{"id": "dev", "name": "dev", "host": host, "port": port}).Code)

	rr := h.do(t, http.MethodPost, "/v1/instances/dev/messages", map[string]any{"message": "hello"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	resp := decode[SendMessageResponse](t, rr)
	assert.Equal(t, chatlog.StatusDelivered, resp.UserMessage.Status)
	require.NotNil(t, resp.AssistantMessage)
	assert.Equal(t, "echo: hello", resp.AssistantMessage.Content)

	rr = h.do(t, http.MethodPost, "/v1/instances/dev/messages", map[string]any{"message": "again"})
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, []int{0, 2}, contexts)

	rr = h.do(t, http.MethodGet, "/v1/instances/dev/messages?limit=3", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	msgs := decode[MessageListResponse](t, rr).Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, int64(2), msgs[0].Seq)

	rr = h.do(t, http.MethodGet, "/v1/instances/dev/messages/search?q=ECHO", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[MessageListResponse](t, rr).Messages, 2)

	rr = h.do(t, http.MethodGet, "/v1/instances/dev/messages/export?format=txt", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rr.Header().Get("Content-Type"))
	assert.Equal(t, 4, strings.Count(rr.Body.String(), "\n"))

	rr = h.do(t, http.MethodGet, "/v1/instances/dev/messages/stats", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 4, decode[ChatStatsResponse](t, rr).Stats.TotalMessages)

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodDelete, "/v1/instances/dev/messages", nil).Code)
	rr = h.do(t, http.MethodGet, "/v1/instances/dev/messages", nil)
	assert.Empty(t, decode[MessageListResponse](t, rr).Messages)
}

func TestSendMessageRelayFailureMarksError(t *testing.T) {
	h := newHarness(t)
	host, port := chatBackend(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, "/v1/instances", map[string]any{"id": "dev", "name": "dev", "host": host, "port": port}).Code)

	rr := h.do(t, http.MethodPost, "/v1/instances/dev/messages", map[string]any{"message": "hello"})
	require.Equal(t, http.StatusBadGateway, rr.Code)
	resp := decode[SendMessageResponse](t, rr)
	assert.False(t, resp.OK)
	assert.Equal(t, chatlog.StatusError, resp.UserMessage.Status)
	assert.NotEmpty(t, resp.UserMessage.Metadata["error"])

	msgs, err := h.chat.List(context.Background(), "dev", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, chatlog.StatusError, msgs[0].Status)
}

type relayFunc func(ctx context.Context, inst registry.Instance, text string, history []relay.Turn) (relay.Reply, error)

func (f relayFunc) Send(ctx context.Context, inst registry.Instance, text string, history []relay.Turn) (relay.Reply, error) {
	return f(ctx, inst, text, history)
}

func TestSendMessageSettlesWhenClientCancels(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, "/v1/instances", map[string]any{"id": "dev", "name": "dev", "host": "localhost", "port": 8000}).Code)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.srv.deps.Relay = relayFunc(func(ctx context.Context, _ registry.Instance, _ string, _ []relay.Turn) (relay.Reply, error) {
		cancel()
		<-ctx.Done()
		return relay.Reply{}, ctx.Err()
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/instances/dev/messages", strings.NewReader(`{"message":"hello"}`)).WithContext(ctx)
	rr := httptest.NewRecorder()
	h.routes.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadGateway, rr.Code)

	msgs, err := h.chat.List(context.Background(), "dev", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, chatlog.StatusError, msgs[0].Status)
	assert.Equal(t, context.Canceled.Error(), msgs[0].Metadata["error"])
}

func TestSendMessageDeliveredAfterClientCancels(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, "/v1/instances", map[string]any{"id": "dev", "name": "dev", "host": "localhost", "port": 8000}).Code)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.srv.deps.Relay = relayFunc(func(context.Context, registry.Instance, string, []relay.Turn) (relay.Reply, error) {
		cancel()
		return relay.Reply{Content: "late answer"}, nil
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/instances/dev/messages", strings.NewReader(`{"message":"hello"}`)).WithContext(ctx)
	h.routes.ServeHTTP(httptest.NewRecorder(), req)

	msgs, err := h.chat.List(context.Background(), "dev", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, chatlog.StatusDelivered, msgs[0].Status)
	assert.Equal(t, "late answer", msgs[1].Content)
}

func TestContainerInspectEndpoint(t *testing.T) {
	h := newHarness(t)
	rr := h.do(t, http.MethodGet, "/v1/runtime/containers/abcdef0123456789", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	c := decode[ContainerDetailResponse](t, rr).Container
	assert.Equal(t, "abcdef012345", c.ShortID)
	assert.Equal(t, "claude-dev", c.Name)
	assert.Equal(t, "claude:latest", c.Image)
	assert.Equal(t, "running", c.State)
	assert.True(t, c.Running)
	assert.Equal(t, []string{"18000->8000/tcp", "9000/tcp"}, c.Ports)
	assert.Equal(t, map[string]string{"app": "claude"}, c.Labels)

	rr = h.do(t, http.MethodGet, "/api/v1/runtime/containers/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "not_found", decode[ErrorEnvelope](t, rr).Error.Code)
}

func TestListInstancesByStatus(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"a", "b"} {
		require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, "/v1/instances", map[string]any{"id": id, "name": id, "host": "localhost", "port": 8000}).Code)
	}
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/v1/instances/a/health", nil).Code)

	rr := h.do(t, http.MethodGet, "/v1/instances?status=online", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode[InstanceListResponse](t, rr).Instances
	require.Len(t, list, 1)
	assert.Equal(t, "a", list[0].ID)

	rr = h.do(t, http.MethodGet, "/v1/instances?status=unknown", nil)
	require.Len(t, decode[InstanceListResponse](t, rr).Instances, 1)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/v1/instances?status=sleepy", nil).Code)
}

func TestSendMessageValidation(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodPost, "/v1/instances/nope/messages", map[string]any{"message": "x"}).Code)
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, "/v1/instances", map[string]any{"id": "dev", "name": "dev", "host": "localhost", "port": 8000}).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/v1/instances/dev/messages", map[string]any{"message": " "}).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/v1/instances/dev/messages?limit=-1", nil).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/v1/instances/dev/messages/search?q=", nil).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/v1/instances/dev/messages/export?format=xml", nil).Code)
}

func TestMetricsAndProbes(t *testing.T) {
	h := newHarness(t)
	rr := h.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "fleetdash_requests_total")

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/readyz", nil).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, h.do(t, http.MethodPost, "/healthz", nil).Code)
}

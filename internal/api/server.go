package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"

	"github.com/csai/fleetdash/internal/broker"
	"github.com/csai/fleetdash/internal/chatlog"
	"github.com/csai/fleetdash/internal/config"
	"github.com/csai/fleetdash/internal/discovery"
	"github.com/csai/fleetdash/internal/health"
	"github.com/csai/fleetdash/internal/metrics"
	"github.com/csai/fleetdash/internal/registry"
	"github.com/csai/fleetdash/internal/relay"
)

type Instances interface {
	List() []registry.Instance
	ListByStatus(status registry.Status) []registry.Instance
	Get(id string) (registry.Instance, error)
	Create(spec registry.Spec) (registry.Instance, error)
	Update(id string, patch registry.Patch) (registry.Instance, error)
	Delete(id string) error
	Stats() registry.Stats
}

type Checker interface {
	Check(ctx context.Context, id string) (health.Result, error)
	CheckAll(ctx context.Context) map[string]health.Result
}

type Discoverer interface {
	Discover(ctx context.Context) (discovery.Report, error)
	Classify(c types.Container) bool
}

type Runtime interface {
	Active() string
	Available(ctx context.Context) bool
	Candidates() []config.Endpoint
	Reconnect(ctx context.Context) (string, error)
	ListContainers(ctx context.Context, all bool) ([]types.Container, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string) error
	InspectContainer(ctx context.Context, id string) (types.ContainerJSON, error)
}

type ChatLog interface {
	Append(ctx context.Context, instanceID string, msg chatlog.Message) (chatlog.Message, error)
	SetStatus(ctx context.Context, instanceID, messageID string, status chatlog.Status, errText string) (chatlog.Message, error)
	List(ctx context.Context, instanceID string, limit int) ([]chatlog.Message, error)
	Clear(ctx context.Context, instanceID string) error
	Search(ctx context.Context, instanceID, query string) ([]chatlog.Message, error)
	Export(ctx context.Context, instanceID string, format chatlog.Format, w io.Writer) error
	Stats(ctx context.Context, instanceID string) (chatlog.Stats, error)
}

// settleTimeout bounds chat writes made after the relay returns.
const settleTimeout = 5 * time.Second

type Relay interface {
	Send(ctx context.Context, inst registry.Instance, text string, history []relay.Turn) (relay.Reply, error)
}

// Deps are the collaborators the HTTP surface fans out to. Ready, when set,
// gates /readyz.
type Deps struct {
	Instances Instances
	Health    Checker
	Discovery Discoverer
	Runtime   Runtime
	Chat      ChatLog
	Relay     Relay
	Ready     func(ctx context.Context) error
}

type Server struct {
	cfg       config.Config
	deps      Deps
	metrics   *metrics.Registry
	logger    *slog.Logger
	startedAt time.Time
}

func New(cfg config.Config, deps Deps, reg *metrics.Registry, logger *slog.Logger) *Server {
	return &Server{cfg: cfg, deps: deps, metrics: reg, logger: logger, startedAt: time.Now().UTC()}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.HandleFunc("GET "+s.cfg.Observability.MetricsPath, s.handleMetrics)

	registerV1Routes := func(prefix string) {
		mux.HandleFunc("GET "+prefix+"/instances", s.handleListInstances)
		mux.HandleFunc("POST "+prefix+"/instances", s.handleCreateInstance)
		mux.HandleFunc("GET "+prefix+"/instances/{id}", s.handleGetInstance)
		mux.HandleFunc("PATCH "+prefix+"/instances/{id}", s.handleUpdateInstance)
		mux.HandleFunc("DELETE "+prefix+"/instances/{id}", s.handleDeleteInstance)
		mux.HandleFunc("POST "+prefix+"/instances/{id}/health", s.handleCheckInstance)
		mux.HandleFunc("POST "+prefix+"/health", s.handleCheckAll)
		mux.HandleFunc("POST "+prefix+"/discover", s.handleDiscover)
		mux.HandleFunc("GET "+prefix+"/stats", s.handleStats)

		mux.HandleFunc("GET "+prefix+"/runtime", s.handleRuntime)
		mux.HandleFunc("POST "+prefix+"/runtime/reconnect", s.handleReconnect)
		mux.HandleFunc("GET "+prefix+"/runtime/containers", s.handleContainers)
		mux.HandleFunc("GET "+prefix+"/runtime/containers/{cid}", s.handleContainerInspect)
		mux.HandleFunc("POST "+prefix+"/runtime/containers/{cid}/{action}", s.handleContainerAction)

		mux.HandleFunc("POST "+prefix+"/instances/{id}/messages", s.handleSendMessage)
		mux.HandleFunc("GET "+prefix+"/instances/{id}/messages", s.handleListMessages)
		mux.HandleFunc("DELETE "+prefix+"/instances/{id}/messages", s.handleClearMessages)
		mux.HandleFunc("GET "+prefix+"/instances/{id}/messages/search", s.handleSearchMessages)
		mux.HandleFunc("GET "+prefix+"/instances/{id}/messages/export", s.handleExportMessages)
		mux.HandleFunc("GET "+prefix+"/instances/{id}/messages/stats", s.handleChatStats)
	}

	registerV1Routes("/v1")
	registerV1Routes("/api/v1") // alias for clients of the previous dashboard
	return mux
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	var items []registry.Instance
	if st := r.URL.Query().Get("status"); st != "" {
		if !registry.Status(st).Valid() {
			writeError(w, http.StatusBadRequest, "validation_error", "Unknown status filter.", map[string]any{"status": st})
			return
		}
		items = s.deps.Instances.ListByStatus(registry.Status(st))
	} else {
		items = s.deps.Instances.List()
	}
	payloads := make([]InstancePayload, 0, len(items))
	for _, inst := range items {
		payloads = append(payloads, toInstancePayload(inst))
	}
	writeJSON(w, http.StatusOK, InstanceListResponse{OK: true, Instances: payloads})
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var spec registry.Spec
	if !decodeBody(w, r, &spec) {
		return
	}
	inst, err := s.deps.Instances.Create(spec)
	if err != nil {
		s.writeDomainErr(w, err)
		return
	}
	s.metrics.SetInstances(len(s.deps.Instances.List()))
	writeJSON(w, http.StatusCreated, InstanceResponse{OK: true, Instance: toInstancePayload(inst)})
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.deps.Instances.Get(r.PathValue("id"))
	if err != nil {
		s.writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, InstanceResponse{OK: true, Instance: toInstancePayload(inst)})
}

func (s *Server) handleUpdateInstance(w http.ResponseWriter, r *http.Request) {
	var patch registry.Patch
	if !decodeBody(w, r, &patch) {
		return
	}
	inst, err := s.deps.Instances.Update(r.PathValue("id"), patch)
	if err != nil {
		s.writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, InstanceResponse{OK: true, Instance: toInstancePayload(inst)})
}

func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Instances.Delete(id); err != nil {
		s.writeDomainErr(w, err)
		return
	}
	s.metrics.SetInstances(len(s.deps.Instances.List()))
	writeJSON(w, http.StatusOK, DeleteResponse{OK: true, InstanceID: id})
}

func (s *Server) handleCheckInstance(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Health.Check(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CheckResponse{OK: true, Result: res})
}

func (s *Server) handleCheckAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, CheckAllResponse{OK: true, Results: s.deps.Health.CheckAll(r.Context())})
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	rep, err := s.deps.Discovery.Discover(r.Context())
	if err != nil {
		s.writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DiscoverResponse{OK: true, Report: rep})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	st := s.deps.Instances.Stats()
	s.metrics.SetInstances(st.Total)
	writeJSON(w, http.StatusOK, StatsResponse{OK: true, Instances: st, RuntimeStrategy: s.deps.Runtime.Active()})
}

func (s *Server) handleRuntime(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runtimeState(r.Context()))
}

func (s *Server) runtimeState(ctx context.Context) RuntimeResponse {
	available := s.deps.Runtime.Available(ctx)
	names := make([]string, 0)
	for _, ep := range s.deps.Runtime.Candidates() {
		names = append(names, ep.Name)
	}
	return RuntimeResponse{Available: available, Strategy: s.deps.Runtime.Active(), Candidates: names}
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if _, err := s.deps.Runtime.Reconnect(r.Context()); err != nil {
		s.writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.runtimeState(r.Context()))
}

func (s *Server) handleContainers(w http.ResponseWriter, r *http.Request) {
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
	list, err := s.deps.Runtime.ListContainers(r.Context(), all)
	if err != nil {
		s.writeDomainErr(w, err)
		return
	}
	out := make([]ContainerPayload, 0, len(list))
	for _, c := range list {
		ports := make([]string, 0, len(c.Ports))
		for _, p := range c.Ports {
			if p.PublicPort != 0 {
				ports = append(ports, fmt.Sprintf("%d->%d/%s", p.PublicPort, p.PrivatePort, p.Type))
			} else {
				ports = append(ports, fmt.Sprintf("%d/%s", p.PrivatePort, p.Type))
			}
		}
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, ContainerPayload{
			ID:          c.ID,
			Name:        name,
			Image:       c.Image,
			State:       c.State,
			Status:      c.Status,
			Ports:       ports,
			IsCandidate: s.deps.Discovery.Classify(c),
		})
	}
	writeJSON(w, http.StatusOK, ContainerListResponse{OK: true, Containers: out})
}

func (s *Server) handleContainerInspect(w http.ResponseWriter, r *http.Request) {
	info, err := s.deps.Runtime.InspectContainer(r.Context(), r.PathValue("cid"))
	if err != nil {
		s.writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ContainerDetailResponse{OK: true, Container: toContainerDetail(info)})
}

func toContainerDetail(info types.ContainerJSON) ContainerDetail {
	d := ContainerDetail{Ports: []string{}, Labels: map[string]string{}}
	if info.ContainerJSONBase != nil {
		d.ID = info.ID
		d.Name = strings.TrimPrefix(info.Name, "/")
		d.Image = info.Image
		d.Created = info.Created
		if info.State != nil {
			d.State = info.State.Status
			d.Running = info.State.Running
		}
	}
	d.ShortID = d.ID
	if len(d.ShortID) > 12 {
		d.ShortID = d.ShortID[:12]
	}
	if info.Config != nil {
		if info.Config.Image != "" {
			d.Image = info.Config.Image
		}
		for k, v := range info.Config.Labels {
			d.Labels[k] = v
		}
	}
	if info.NetworkSettings != nil {
		for port, bindings := range info.NetworkSettings.Ports {
			if len(bindings) == 0 {
				d.Ports = append(d.Ports, string(port))
				continue
			}
			for _, b := range bindings {
				d.Ports = append(d.Ports, b.HostPort+"->"+string(port))
			}
		}
		sort.Strings(d.Ports)
	}
	return d
}

func (s *Server) handleContainerAction(w http.ResponseWriter, r *http.Request) {
	cid, action := r.PathValue("cid"), r.PathValue("action")
	var err error
	switch action {
	case "start":
		err = s.deps.Runtime.StartContainer(r.Context(), cid)
	case "stop":
		err = s.deps.Runtime.StopContainer(r.Context(), cid)
	default:
		writeError(w, http.StatusNotFound, "not_found", "Endpoint not found.", nil)
		return
	}
	if err != nil {
		s.writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ContainerActionResponse{OK: true, ContainerID: cid, Action: action})
}

// handleSendMessage records the user message as pending, relays it and then
// settles it to delivered or error. The assistant reply is appended only on
// success.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	inst, err := s.deps.Instances.Get(id)
	if err != nil {
		s.writeDomainErr(w, err)
		return
	}
	var req SendMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "message is required", nil)
		return
	}

	history := req.Context
	if history == nil {
		history, err = s.recentTurns(r.Context(), id)
		if err != nil {
			s.writeDomainErr(w, err)
			return
		}
	}

	userMsg, err := s.deps.Chat.Append(r.Context(), id, chatlog.Message{Role: chatlog.RoleUser, Content: req.Message, Status: chatlog.StatusPending})
	if err != nil {
		s.writeDomainErr(w, err)
		return
	}

	reply, relayErr := s.deps.Relay.Send(r.Context(), inst, req.Message, history)

	// the pending message must settle even if the client went away mid-relay
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), settleTimeout)
	defer cancel()
	if relayErr != nil {
		s.metrics.IncRelayFailure()
		s.logger.Warn("relay_failed", slog.String("instance_id", id), slog.String("error", relayErr.Error()))
		settled, err := s.deps.Chat.SetStatus(settleCtx, id, userMsg.ID, chatlog.StatusError, relayErr.Error())
		if err == nil {
			userMsg = settled
		}
		writeJSON(w, http.StatusBadGateway, SendMessageResponse{OK: false, UserMessage: userMsg, Error: relayErr.Error()})
		return
	}

	if settled, err := s.deps.Chat.SetStatus(settleCtx, id, userMsg.ID, chatlog.StatusDelivered, ""); err == nil {
		userMsg = settled
	} else {
		s.logger.Error("chat_settle_failed", slog.String("instance_id", id), slog.String("error", err.Error()))
	}
	assistant, err := s.deps.Chat.Append(settleCtx, id, chatlog.Message{
		Role:     chatlog.RoleAssistant,
		Content:  reply.Content,
		Status:   chatlog.StatusDelivered,
		Metadata: map[string]string{"latency_ms": strconv.FormatInt(reply.LatencyMs, 10)},
	})
	if err != nil {
		s.writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, SendMessageResponse{OK: true, UserMessage: userMsg, AssistantMessage: &assistant})
}

func (s *Server) recentTurns(ctx context.Context, id string) ([]relay.Turn, error) {
	turns := []relay.Turn{}
	if s.cfg.Chat.ContextWindow == 0 {
		return turns, nil
	}
	msgs, err := s.deps.Chat.List(ctx, id, s.cfg.Chat.ContextWindow)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		turns = append(turns, relay.Turn{Role: string(m.Role), Content: m.Content})
	}
	return turns, nil
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "validation_error", "limit must be a non-negative integer", nil)
			return
		}
		limit = n
	}
	id := r.PathValue("id")
	msgs, err := s.deps.Chat.List(r.Context(), id, limit)
	if err != nil {
		s.writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageListResponse{OK: true, InstanceID: id, Messages: msgs})
}

func (s *Server) handleClearMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Chat.Clear(r.Context(), id); err != nil {
		s.writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DeleteResponse{OK: true, InstanceID: id})
}

func (s *Server) handleSearchMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	msgs, err := s.deps.Chat.Search(r.Context(), id, r.URL.Query().Get("q"))
	if err != nil {
		s.writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageListResponse{OK: true, InstanceID: id, Messages: msgs})
}

func (s *Server) handleExportMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	format, err := chatlog.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		s.writeDomainErr(w, err)
		return
	}
	// render fully before writing headers so a read failure can still be
	// reported as an error envelope
	var buf strings.Builder
	if err := s.deps.Chat.Export(r.Context(), id, format, &buf); err != nil {
		s.writeDomainErr(w, err)
		return
	}
	ext, ctype := "json", "application/json"
	if format == chatlog.FormatPlainText {
		ext, ctype = "txt", "text/plain; charset=utf-8"
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+"."+ext))
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, buf.String())
}

func (s *Server) handleChatStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Chat.Stats(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ChatStatsResponse{OK: true, Stats: st})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	runtimeOK := s.deps.Runtime.Available(r.Context())
	status := "ok"
	if !runtimeOK {
		status = "degraded"
	}
	n := len(s.deps.Instances.List())
	s.metrics.SetInstances(n)
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:          status,
		Version:         s.cfg.Server.Version,
		Uptime:          int64(time.Since(s.startedAt).Seconds()),
		RuntimeOK:       runtimeOK,
		RuntimeStrategy: s.deps.Runtime.Active(),
		Instances:       n,
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{Status: "not_ready", Ready: false})
			return
		}
	}
	writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready", Ready: true})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(s.metrics.RenderPrometheus()))
}

func (s *Server) writeDomainErr(w http.ResponseWriter, err error) {
	msg := err.Error()
	switch {
	case errors.Is(err, registry.ErrValidation), errors.Is(err, chatlog.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_error", msg, nil)
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Instance not found.", nil)
	case errors.Is(err, chatlog.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Message not found.", nil)
	case errors.Is(err, broker.ErrContainerNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Container not found.", nil)
	case errors.Is(err, registry.ErrDuplicateID):
		writeError(w, http.StatusConflict, "duplicate_id", msg, nil)
	case errors.Is(err, chatlog.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", msg, nil)
	case errors.Is(err, broker.ErrRuntimeUnavailable):
		writeError(w, http.StatusServiceUnavailable, "runtime_unavailable", "Container runtime is not reachable.", map[string]any{"error": msg})
	case errors.Is(err, registry.ErrPersistence), errors.Is(err, chatlog.ErrPersistence):
		s.logger.Error("persistence_error", slog.String("error", msg))
		writeError(w, http.StatusInternalServerError, "persistence_failure", "Could not persist the change.", map[string]any{"error": msg})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", "Request was cancelled before completion.", nil)
	default:
		s.logger.Error("request_failed", slog.String("error", msg))
		writeError(w, http.StatusInternalServerError, "internal_error", "Operation failed.", map[string]any{"error": msg})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Body must be a JSON object.", nil)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode, message string, details any) {
	writeJSON(w, code, ErrorEnvelope{Error: ErrorBody{Code: errCode, Message: message, Details: details}})
}

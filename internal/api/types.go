package api

import (
	"github.com/csai/fleetdash/internal/chatlog"
	"github.com/csai/fleetdash/internal/discovery"
	"github.com/csai/fleetdash/internal/health"
	"github.com/csai/fleetdash/internal/registry"
	"github.com/csai/fleetdash/internal/relay"
)

type InstanceListResponse struct {
	OK        bool              `json:"ok"`
	Instances []InstancePayload `json:"instances"`
}

type InstanceResponse struct {
	OK       bool            `json:"ok"`
	Instance InstancePayload `json:"instance"`
}

// InstancePayload is a registry record plus its derived URL.
type InstancePayload struct {
	registry.Instance
	URL string `json:"url"`
}

func toInstancePayload(inst registry.Instance) InstancePayload {
	return InstancePayload{Instance: inst, URL: inst.URL()}
}

type DeleteResponse struct {
	OK         bool   `json:"ok"`
	InstanceID string `json:"instance_id"`
}

type CheckResponse struct {
	OK     bool          `json:"ok"`
	Result health.Result `json:"result"`
}

type CheckAllResponse struct {
	OK      bool                     `json:"ok"`
	Results map[string]health.Result `json:"results"`
}

type DiscoverResponse struct {
	OK     bool             `json:"ok"`
	Report discovery.Report `json:"report"`
}

type StatsResponse struct {
	OK              bool           `json:"ok"`
	Instances       registry.Stats `json:"instances"`
	RuntimeStrategy string         `json:"runtime_strategy"`
}

type RuntimeResponse struct {
	Available  bool     `json:"available"`
	Strategy   string   `json:"strategy"`
	Candidates []string `json:"candidates"`
}

type ContainerPayload struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Image       string   `json:"image"`
	State       string   `json:"state"`
	Status      string   `json:"status"`
	Ports       []string `json:"ports"`
	IsCandidate bool     `json:"is_candidate"`
}

type ContainerListResponse struct {
	OK         bool               `json:"ok"`
	Containers []ContainerPayload `json:"containers"`
}

type ContainerDetail struct {
	ID      string            `json:"id"`
	ShortID string            `json:"short_id"`
	Name    string            `json:"name"`
	Image   string            `json:"image"`
	State   string            `json:"state"`
	Running bool              `json:"running"`
	Created string            `json:"created"`
	Ports   []string          `json:"ports"`
	Labels  map[string]string `json:"labels"`
}

type ContainerDetailResponse struct {
	OK        bool            `json:"ok"`
	Container ContainerDetail `json:"container"`
}

type ContainerActionResponse struct {
	OK          bool   `json:"ok"`
	ContainerID string `json:"container_id"`
	Action      string `json:"action"`
}

type SendMessageRequest struct {
	Message string       `json:"message"`
	Context []relay.Turn `json:"context,omitempty"`
}

type SendMessageResponse struct {
	OK               bool             `json:"ok"`
	UserMessage      chatlog.Message  `json:"user_message"`
	AssistantMessage *chatlog.Message `json:"assistant_message,omitempty"`
	Error            string           `json:"error,omitempty"`
}

type MessageListResponse struct {
	OK         bool              `json:"ok"`
	InstanceID string            `json:"instance_id"`
	Messages   []chatlog.Message `json:"messages"`
}

type ChatStatsResponse struct {
	OK    bool          `json:"ok"`
	Stats chatlog.Stats `json:"stats"`
}

type HealthResponse struct {
	Status          string `json:"status"`
	Version         string `json:"version"`
	Uptime          int64  `json:"uptime_seconds"`
	RuntimeOK       bool   `json:"runtime_ok"`
	RuntimeStrategy string `json:"runtime_strategy,omitempty"`
	Instances       int    `json:"instances"`
}

type ReadyResponse struct {
	Status string `json:"status"`
	Ready  bool   `json:"ready"`
}

type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

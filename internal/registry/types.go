package registry

import (
	"fmt"
	"time"
)

type Kind string

const (
	KindLocal         Kind = "local"
	KindContainerized Kind = "containerized"
)

type Status string

const (
	StatusUnknown Status = "unknown"
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusError   Status = "error"
)

func (s Status) Valid() bool {
	switch s {
	case StatusUnknown, StatusOnline, StatusOffline, StatusError:
		return true
	}
	return false
}

// DiscoveredPrefix namespaces ids derived from container ids. Manual ids may
// not use it.
const DiscoveredPrefix = "docker_"

type Instance struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Host        string            `json:"host"`
	Port        int               `json:"port"`
	Kind        Kind              `json:"kind"`
	ContainerID string            `json:"container_id,omitempty"`
	Status      Status            `json:"status"`
	LastSeen    *time.Time        `json:"last_seen,omitempty"`
	Metadata    map[string]string `json:"metadata"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

func (i Instance) URL() string {
	scheme := "http"
	if i.Port == 443 {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, i.Host, i.Port)
}

func (i Instance) clone() Instance {
	out := i
	if i.LastSeen != nil {
		t := *i.LastSeen
		out.LastSeen = &t
	}
	out.Metadata = make(map[string]string, len(i.Metadata))
	for k, v := range i.Metadata {
		out.Metadata[k] = v
	}
	return out
}

// Spec is the operator-supplied shape of a new instance. ID is optional.
type Spec struct {
	ID          string            `json:"id,omitempty"`
	Name        string            `json:"name"`
	Host        string            `json:"host"`
	Port        int               `json:"port"`
	Kind        Kind              `json:"kind"`
	ContainerID string            `json:"container_id,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Patch carries optional field updates. Nil fields are left untouched.
type Patch struct {
	Name     *string           `json:"name,omitempty"`
	Host     *string           `json:"host,omitempty"`
	Port     *int              `json:"port,omitempty"`
	Kind     *Kind             `json:"kind,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Status   *Status           `json:"-"`
	LastSeen *time.Time        `json:"-"`
}

type Snapshot struct {
	Instances map[string]Instance `json:"instances"`
	UpdatedAt time.Time           `json:"updated_at"`
}

type Stats struct {
	Total         int `json:"total"`
	Online        int `json:"online"`
	Offline       int `json:"offline"`
	Error         int `json:"error"`
	Unknown       int `json:"unknown"`
	Local         int `json:"local"`
	Containerized int `json:"containerized"`
}

package chatlog

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrValidation        = errors.New("validation_error")
	ErrNotFound          = errors.New("not_found")
	ErrInvalidTransition = errors.New("invalid_transition")
	ErrPersistence       = errors.New("persistence_failure")
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusError     Status = "error"
)

// Message is one entry of an instance conversation. Seq is the authoritative
// order; Timestamp is informational only.
type Message struct {
	ID         string            `json:"id"`
	InstanceID string            `json:"instance_id"`
	Seq        int64             `json:"seq"`
	Role       Role              `json:"role"`
	Content    string            `json:"content"`
	Timestamp  time.Time         `json:"timestamp"`
	Status     Status            `json:"status"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (m Message) clone() Message {
	out := m
	if m.Metadata != nil {
		out.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

type Stats struct {
	InstanceID        string     `json:"instance_id"`
	TotalMessages     int        `json:"total_messages"`
	UserMessages      int        `json:"user_messages"`
	AssistantMessages int        `json:"assistant_messages"`
	PendingMessages   int        `json:"pending_messages"`
	ErrorMessages     int        `json:"error_messages"`
	FirstMessage      *time.Time `json:"first_message"`
	LastMessage       *time.Time `json:"last_message"`
}

type Format string

const (
	FormatStructured Format = "structured"
	FormatPlainText  Format = "plain-text"
)

func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "structured", "json":
		return FormatStructured, nil
	case "plain-text", "txt", "text":
		return FormatPlainText, nil
	}
	return "", fmt.Errorf("%w: unsupported export format %q", ErrValidation, s)
}

const (
	recordMessage = "message"
	recordStatus  = "status"
)

// record is one line of the append-only log: either a full message or a
// status transition for an earlier message.
type record struct {
	Type      string    `json:"type"`
	Message   *Message  `json:"message,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Status    Status    `json:"status,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at,omitempty"`
}

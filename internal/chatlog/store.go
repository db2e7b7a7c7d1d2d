package chatlog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/csai/fleetdash/internal/metrics"
)

var instanceIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// shared is implemented by backends that other processes may append to. The
// store re-reads such logs instead of trusting its cache.
type shared interface {
	Shared() bool
}

type Option func(*Store)

func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

func WithMetrics(m *metrics.Registry) Option { return func(s *Store) { s.metrics = m } }

// Store is the per-instance conversation log. Writers to one instance are
// serialized; different instances proceed independently.
type Store struct {
	backend Backend
	log     *slog.Logger
	metrics *metrics.Registry
	now     func() time.Time
	cache   bool

	mu   sync.Mutex
	logs map[string]*instanceLog
}

type instanceLog struct {
	mu     sync.Mutex
	loaded bool
	msgs   []Message
	index  map[string]int
}

func NewStore(backend Backend, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		log:     logger,
		now:     time.Now,
		cache:   true,
		logs:    map[string]*instanceLog{},
	}
	if sh, ok := backend.(shared); ok && sh.Shared() {
		s.cache = false
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) instance(id string) (*instanceLog, error) {
	if !instanceIDPattern.MatchString(id) || strings.Trim(id, ".") == "" {
		return nil, fmt.Errorf("%w: invalid instance id %q", ErrValidation, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[id]
	if !ok {
		l = &instanceLog{}
		s.logs[id] = l
	}
	return l, nil
}

// loadLocked folds the raw records into l. Callers hold l.mu.
func (s *Store) loadLocked(ctx context.Context, id string, l *instanceLog) error {
	if l.loaded && s.cache {
		return nil
	}
	raw, err := s.backend.Read(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	l.msgs = l.msgs[:0]
	l.index = make(map[string]int, len(raw))
	for i, line := range raw {
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			s.log.Warn("chat_record_skipped", slog.String("instance_id", id), slog.Int("line", i+1), slog.String("error", err.Error()))
			continue
		}
		switch rec.Type {
		case recordMessage:
			if rec.Message == nil {
				continue
			}
			if _, dup := l.index[rec.Message.ID]; dup {
				continue
			}
			m := *rec.Message
			m.Seq = int64(len(l.msgs) + 1)
			l.index[m.ID] = len(l.msgs)
			l.msgs = append(l.msgs, m)
		case recordStatus:
			if pos, ok := l.index[rec.MessageID]; ok {
				applyStatus(&l.msgs[pos], rec.Status, rec.Error)
			}
		}
	}
	l.loaded = true
	return nil
}

func applyStatus(m *Message, st Status, errText string) {
	m.Status = st
	if errText != "" {
		if m.Metadata == nil {
			m.Metadata = map[string]string{}
		}
		m.Metadata["error"] = errText
	}
}

func (s *Store) write(ctx context.Context, id string, rec record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal chat record: %w", err)
	}
	if err := s.backend.Append(ctx, id, b); err != nil {
		s.log.Error("chat_persist_failed", slog.String("instance_id", id), slog.String("error", err.Error()))
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return nil
}

// Append durably records msg and returns it with id, seq, timestamp and
// status filled in. Status defaults to delivered.
func (s *Store) Append(ctx context.Context, instanceID string, msg Message) (Message, error) {
	if msg.Role != RoleUser && msg.Role != RoleAssistant {
		return Message{}, fmt.Errorf("%w: role must be %q or %q", ErrValidation, RoleUser, RoleAssistant)
	}
	switch msg.Status {
	case "":
		msg.Status = StatusDelivered
	case StatusPending, StatusDelivered, StatusError:
	default:
		return Message{}, fmt.Errorf("%w: invalid status %q", ErrValidation, msg.Status)
	}
	l, err := s.instance(instanceID)
	if err != nil {
		return Message{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := s.loadLocked(ctx, instanceID, l); err != nil {
		return Message{}, err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if _, dup := l.index[msg.ID]; dup {
		return Message{}, fmt.Errorf("%w: message %q already exists", ErrValidation, msg.ID)
	}
	msg.InstanceID = instanceID
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now().UTC()
	}
	msg = msg.clone()
	msg.Seq = int64(len(l.msgs) + 1)

	if err := s.write(ctx, instanceID, record{Type: recordMessage, Message: &msg}); err != nil {
		return Message{}, err
	}
	if s.metrics != nil {
		s.metrics.IncChatAppend()
	}
	if !s.cache {
		l.loaded = false
		if err := s.loadLocked(ctx, instanceID, l); err != nil {
			return msg, nil
		}
		if pos, ok := l.index[msg.ID]; ok {
			return l.msgs[pos].clone(), nil
		}
		return msg, nil
	}
	l.index[msg.ID] = len(l.msgs)
	l.msgs = append(l.msgs, msg)
	return msg.clone(), nil
}

// SetStatus moves a pending message to delivered or error.
func (s *Store) SetStatus(ctx context.Context, instanceID, messageID string, status Status, errText string) (Message, error) {
	if status != StatusDelivered && status != StatusError {
		return Message{}, fmt.Errorf("%w: target status must be %q or %q", ErrValidation, StatusDelivered, StatusError)
	}
	l, err := s.instance(instanceID)
	if err != nil {
		return Message{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := s.loadLocked(ctx, instanceID, l); err != nil {
		return Message{}, err
	}
	pos, ok := l.index[messageID]
	if !ok {
		return Message{}, ErrNotFound
	}
	if cur := l.msgs[pos].Status; cur != StatusPending {
		return Message{}, fmt.Errorf("%w: message is %s, not pending", ErrInvalidTransition, cur)
	}
	rec := record{Type: recordStatus, MessageID: messageID, Status: status, Error: errText, At: s.now().UTC()}
	if err := s.write(ctx, instanceID, rec); err != nil {
		return Message{}, err
	}
	applyStatus(&l.msgs[pos], status, errText)
	return l.msgs[pos].clone(), nil
}

// List returns the history in insertion order; limit > 0 keeps only the most
// recent messages.
func (s *Store) List(ctx context.Context, instanceID string, limit int) ([]Message, error) {
	msgs, err := s.snapshot(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (s *Store) Clear(ctx context.Context, instanceID string) error {
	l, err := s.instance(instanceID)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := s.backend.Remove(ctx, instanceID); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	l.msgs = nil
	l.index = map[string]int{}
	l.loaded = true
	s.log.Info("chat_history_cleared", slog.String("instance_id", instanceID))
	return nil
}

// Search matches query as a case-insensitive substring of message content.
func (s *Store) Search(ctx context.Context, instanceID, query string) ([]Message, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query is required", ErrValidation)
	}
	msgs, err := s.snapshot(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(query)
	out := make([]Message, 0)
	for _, m := range msgs {
		if strings.Contains(strings.ToLower(m.Content), q) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) Stats(ctx context.Context, instanceID string) (Stats, error) {
	msgs, err := s.snapshot(ctx, instanceID)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{InstanceID: instanceID, TotalMessages: len(msgs)}
	for _, m := range msgs {
		switch m.Role {
		case RoleUser:
			st.UserMessages++
		case RoleAssistant:
			st.AssistantMessages++
		}
		switch m.Status {
		case StatusPending:
			st.PendingMessages++
		case StatusError:
			st.ErrorMessages++
		}
	}
	if len(msgs) > 0 {
		first, last := msgs[0].Timestamp, msgs[len(msgs)-1].Timestamp
		st.FirstMessage = &first
		st.LastMessage = &last
	}
	return st, nil
}

func (s *Store) Export(ctx context.Context, instanceID string, format Format, w io.Writer) error {
	msgs, err := s.snapshot(ctx, instanceID)
	if err != nil {
		return err
	}
	switch format {
	case FormatStructured:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			InstanceID string    `json:"instance_id"`
			ExportedAt time.Time `json:"exported_at"`
			Messages   []Message `json:"messages"`
		}{instanceID, s.now().UTC(), msgs})
	case FormatPlainText:
		for _, m := range msgs {
			if _, err := fmt.Fprintf(w, "%s [%s]: %s\n", m.Role, m.Timestamp.UTC().Format(time.RFC3339), escapeLine(m.Content)); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("%w: unsupported export format %q", ErrValidation, format)
}

var lineEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`, "\r", `\r`)

func escapeLine(s string) string { return lineEscaper.Replace(s) }

func (s *Store) snapshot(ctx context.Context, instanceID string) ([]Message, error) {
	l, err := s.instance(instanceID)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := s.loadLocked(ctx, instanceID, l); err != nil {
		return nil, err
	}
	out := make([]Message, len(l.msgs))
	for i, m := range l.msgs {
		out[i] = m.clone()
	}
	return out, nil
}

package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

var (
	ErrNotFound    = errors.New("not_found")
	ErrDuplicateID = errors.New("duplicate_id")
	ErrValidation  = errors.New("validation_error")
	ErrPersistence = errors.New("persistence_failure")
)

const maxNameLen = 100

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

type Option func(*Registry)

// WithClock replaces time.Now for created/updated timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithIDGenerator(fn func() string) Option {
	return func(r *Registry) { r.newID = fn }
}

// Registry is the authoritative instance collection. Reads share an RWMutex;
// every mutation holds the write lock across the full-document Save so the
// in-memory view never runs ahead of disk.
type Registry struct {
	store Store
	log   *slog.Logger
	now   func() time.Time
	newID func() string

	mu   sync.RWMutex
	snap Snapshot
}

func New(store Store, logger *slog.Logger, opts ...Option) (*Registry, error) {
	r := &Registry{
		store: store,
		log:   logger,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	snap, err := store.Load()
	if err != nil {
		return nil, err
	}
	if snap.Instances == nil {
		snap.Instances = map[string]Instance{}
	}
	r.snap = snap
	return r, nil
}

func (r *Registry) List() []Instance {
	r.refresh()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Instance, 0, len(r.snap.Instances))
	for _, v := range r.snap.Instances {
		out = append(out, v.clone())
	}
	sortInstances(out)
	return out
}

func (r *Registry) ListByStatus(status Status) []Instance {
	all := r.List()
	out := all[:0]
	for _, inst := range all {
		if inst.Status == status {
			out = append(out, inst)
		}
	}
	return out
}

func (r *Registry) Get(id string) (Instance, error) {
	r.refresh()
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.snap.Instances[id]
	if !ok {
		return Instance{}, ErrNotFound
	}
	return inst.clone(), nil
}

func (r *Registry) Stats() Stats {
	r.refresh()
	r.mu.RLock()
	defer r.mu.RUnlock()
	var s Stats
	for _, inst := range r.snap.Instances {
		s.Total++
		switch inst.Status {
		case StatusOnline:
			s.Online++
		case StatusOffline:
			s.Offline++
		case StatusError:
			s.Error++
		default:
			s.Unknown++
		}
		if inst.Kind == KindContainerized {
			s.Containerized++
		} else {
			s.Local++
		}
	}
	return s
}

func (r *Registry) Create(spec Spec) (Instance, error) {
	if spec.Kind == "" {
		spec.Kind = KindLocal
	}
	spec.Name = strings.TrimSpace(spec.Name)
	spec.Host = strings.TrimSpace(spec.Host)
	if err := validateFields(spec.Name, spec.Host, spec.Port); err != nil {
		return Instance{}, err
	}
	if err := validateKind(spec.Kind); err != nil {
		return Instance{}, err
	}
	if spec.ID != "" {
		if err := validateManualID(spec.ID); err != nil {
			return Instance{}, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	release, err := r.beginLocked()
	if err != nil {
		return Instance{}, err
	}
	defer release()

	id := spec.ID
	if id == "" {
		id = r.newID()
	}
	if _, exists := r.snap.Instances[id]; exists {
		return Instance{}, fmt.Errorf("%w: instance %q already exists", ErrDuplicateID, id)
	}

	now := r.now().UTC()
	inst := Instance{
		ID:          id,
		Name:        spec.Name,
		Host:        spec.Host,
		Port:        spec.Port,
		Kind:        spec.Kind,
		ContainerID: spec.ContainerID,
		Status:      StatusUnknown,
		Metadata:    copyMetadata(spec.Metadata),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	next := r.copyLocked()
	next[id] = inst
	if err := r.commitLocked(next); err != nil {
		return Instance{}, err
	}
	r.log.Info("instance_created", slog.String("instance_id", id), slog.String("name", inst.Name), slog.String("kind", string(inst.Kind)))
	return inst.clone(), nil
}

func (r *Registry) Update(id string, patch Patch) (Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	release, err := r.beginLocked()
	if err != nil {
		return Instance{}, err
	}
	defer release()

	inst, ok := r.snap.Instances[id]
	if !ok {
		return Instance{}, ErrNotFound
	}
	inst = inst.clone()
	if patch.Kind != nil && *patch.Kind != inst.Kind {
		return Instance{}, fmt.Errorf("%w: kind is immutable (delete and recreate the instance)", ErrValidation)
	}
	if patch.Name != nil {
		inst.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Host != nil {
		inst.Host = strings.TrimSpace(*patch.Host)
	}
	if patch.Port != nil {
		inst.Port = *patch.Port
	}
	if err := validateFields(inst.Name, inst.Host, inst.Port); err != nil {
		return Instance{}, err
	}
	if patch.Metadata != nil {
		inst.Metadata = copyMetadata(patch.Metadata)
	}
	if patch.Status != nil {
		if !patch.Status.Valid() {
			return Instance{}, fmt.Errorf("%w: invalid status %q", ErrValidation, *patch.Status)
		}
		inst.Status = *patch.Status
	}
	if patch.LastSeen != nil {
		t := patch.LastSeen.UTC()
		inst.LastSeen = &t
	}
	inst.UpdatedAt = r.now().UTC()

	next := r.copyLocked()
	next[id] = inst
	if err := r.commitLocked(next); err != nil {
		return Instance{}, err
	}
	return inst.clone(), nil
}

// Delete removes the record only; chat history for the id is left in place.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	release, err := r.beginLocked()
	if err != nil {
		return err
	}
	defer release()

	if _, ok := r.snap.Instances[id]; !ok {
		return ErrNotFound
	}
	next := r.copyLocked()
	delete(next, id)
	if err := r.commitLocked(next); err != nil {
		return err
	}
	r.log.Info("instance_deleted", slog.String("instance_id", id))
	return nil
}

// UpsertDiscovered merges container-derived instances. New ids are inserted,
// known ids only get their metadata refreshed. Nothing is written when the
// merge plan is empty.
func (r *Registry) UpsertDiscovered(found []Instance) (MergeResult, error) {
	var res MergeResult
	valid := make([]Instance, 0, len(found))
	for _, inst := range found {
		if err := validateDiscovered(inst); err != nil {
			res.Rejected = append(res.Rejected, Rejection{ID: inst.ID, Reason: err.Error()})
			continue
		}
		valid = append(valid, inst)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	release, err := r.beginLocked()
	if err != nil {
		return res, err
	}
	defer release()

	ops := planMerge(r.snap.Instances, valid)
	if len(ops) == 0 {
		return res, nil
	}
	now := r.now().UTC()
	next := r.copyLocked()
	for _, op := range ops {
		switch op.Kind {
		case MergeInsert:
			inst := op.Instance.clone()
			inst.Kind = KindContainerized
			if inst.Status == "" {
				inst.Status = StatusUnknown
			}
			inst.CreatedAt = now
			inst.UpdatedAt = now
			next[inst.ID] = inst
			res.Inserted = append(res.Inserted, inst)
		case MergeRefresh:
			cur := next[op.Instance.ID].clone()
			for k, v := range op.Instance.Metadata {
				cur.Metadata[k] = v
			}
			cur.UpdatedAt = now
			next[cur.ID] = cur
			res.Refreshed = append(res.Refreshed, cur.ID)
		}
	}
	if err := r.commitLocked(next); err != nil {
		return MergeResult{Rejected: res.Rejected}, err
	}
	sortInstances(res.Inserted)
	return res, nil
}

// refresh picks up saves made by other processes sharing the store.
func (r *Registry) refresh() {
	ss, ok := r.store.(sharedStore)
	if !ok || !ss.Changed() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.reloadLocked(ss); err != nil {
		r.log.Warn("registry_reload_failed", slog.String("error", err.Error()))
	}
}

func (r *Registry) reloadLocked(ss sharedStore) error {
	if !ss.Changed() {
		return nil
	}
	snap, err := ss.Load()
	if err != nil {
		return err
	}
	if snap.Instances == nil {
		snap.Instances = map[string]Instance{}
	}
	r.snap = snap
	r.log.Debug("registry_reloaded", slog.Int("instances", len(snap.Instances)))
	return nil
}

// beginLocked opens a mutation. For shared stores it takes the cross-process
// lock and reloads, so the change applies to the latest persisted document.
// The returned func releases the lock.
func (r *Registry) beginLocked() (func(), error) {
	ss, ok := r.store.(sharedStore)
	if !ok {
		return func() {}, nil
	}
	unlock, err := ss.Lock()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if err := r.reloadLocked(ss); err != nil {
		_ = unlock()
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return func() {
		if err := unlock(); err != nil {
			r.log.Error("registry_unlock_failed", slog.String("error", err.Error()))
		}
	}, nil
}

func (r *Registry) copyLocked() map[string]Instance {
	next := make(map[string]Instance, len(r.snap.Instances)+1)
	for k, v := range r.snap.Instances {
		next[k] = v
	}
	return next
}

// commitLocked persists next and only then swaps it in, so a failed write
// leaves the previous (persisted) view active.
func (r *Registry) commitLocked(next map[string]Instance) error {
	snap := Snapshot{Instances: next, UpdatedAt: r.now().UTC()}
	if err := r.store.Save(snap); err != nil {
		r.log.Error("registry_persist_failed", slog.String("error", err.Error()))
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	r.snap = snap
	return nil
}

func validateFields(name, host string, port int) error {
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if utf8.RuneCountInString(name) > maxNameLen {
		return fmt.Errorf("%w: name must be at most %d characters", ErrValidation, maxNameLen)
	}
	if host == "" {
		return fmt.Errorf("%w: host is required", ErrValidation)
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: port must be between 1 and 65535", ErrValidation)
	}
	return nil
}

func validateKind(k Kind) error {
	switch k {
	case KindLocal, KindContainerized:
		return nil
	}
	return fmt.Errorf("%w: kind must be %q or %q", ErrValidation, KindLocal, KindContainerized)
}

func validateManualID(id string) error {
	if !idPattern.MatchString(id) || strings.Trim(id, ".") == "" {
		return fmt.Errorf("%w: id may only contain letters, digits, '.', '_' and '-' (max 128)", ErrValidation)
	}
	if strings.HasPrefix(id, DiscoveredPrefix) {
		return fmt.Errorf("%w: id prefix %q is reserved for discovered containers", ErrValidation, DiscoveredPrefix)
	}
	return nil
}

func validateDiscovered(inst Instance) error {
	if !strings.HasPrefix(inst.ID, DiscoveredPrefix) || !idPattern.MatchString(inst.ID) {
		return fmt.Errorf("%w: discovered id %q must carry the %q prefix", ErrValidation, inst.ID, DiscoveredPrefix)
	}
	return validateFields(inst.Name, inst.Host, inst.Port)
}

func copyMetadata(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortInstances(items []Instance) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
}

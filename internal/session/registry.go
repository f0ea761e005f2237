package session

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cadenza-audio/cadenza/internal/storage"
)

// Options configures the registry quotas.
type Options struct {
	MaxFiles         int   // artifacts retained per session, oldest evicted first
	MaxArtifactBytes int64 // per-artifact byte ceiling, rejected at insertion
}

// Registry owns every tenant session. The registry mutex guards the session
// map; each session carries its own mutex for artifact mutation, so a sweep
// never blocks unrelated per-request calls longer than the scan itself.
// Lock order is always registry then session.
type Registry struct {
	store  storage.BlobStore
	logger *slog.Logger
	opts   Options

	mu              sync.Mutex
	sessions        map[string]*tenantSession
	onEvict         func(tenantKey string)
	onArtifactEvict func()
}

type tenantSession struct {
	mu         sync.Mutex
	tenantKey  string
	createdAt  time.Time
	lastAccess time.Time
	artifacts  []ArtifactRecord
	dead       bool // set by eviction; a dead session never accepts new state
}

// NewRegistry constructs a registry with defaults applied.
func NewRegistry(store storage.BlobStore, logger *slog.Logger, opts Options) *Registry {
	if opts.MaxFiles <= 0 {
		opts.MaxFiles = 10
	}
	if opts.MaxArtifactBytes <= 0 {
		opts.MaxArtifactBytes = 50 * 1024 * 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:    store,
		logger:   logger,
		opts:     opts,
		sessions: make(map[string]*tenantSession),
	}
}

// OnEvict registers a hook invoked after a session is destroyed, with the
// evicted tenant key. Used to drop per-tenant admission state alongside the
// session. Set once at wiring time, before any traffic.
func (r *Registry) OnEvict(fn func(tenantKey string)) {
	r.onEvict = fn
}

// OnArtifactEvict registers a hook invoked each time an artifact is evicted
// to make room under the per-session bound. Set once at wiring time.
func (r *Registry) OnArtifactEvict(fn func()) {
	r.onArtifactEvict = fn
}

// Touch returns the tenant's session, creating it lazily on first use, and
// refreshes its last-access time. Never fails.
func (r *Registry) Touch(tenantKey string) Info {
	s := r.getOrCreate(tenantKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAccess = time.Now()
	return s.snapshot()
}

// AddArtifact writes data through the blob store and records the artifact in
// the tenant's session. If id is empty a random one is assigned. Rejects data
// larger than the per-artifact ceiling; when the session already holds
// MaxFiles artifacts the oldest is evicted first, physically reclaiming its
// storage. A failed write leaves session state unchanged.
func (r *Registry) AddArtifact(ctx context.Context, tenantKey, id, filename string, data []byte) (*ArtifactRecord, error) {
	size := int64(len(data))
	if size > r.opts.MaxArtifactBytes {
		return nil, &QuotaExceededError{SizeBytes: size, MaxBytes: r.opts.MaxArtifactBytes}
	}
	if id == "" {
		id = uuid.NewString()
	}

	// An eviction can land between the registry lookup and taking the session
	// lock; inserting into that orphan would leak the blob. Retry until the
	// session held under s.mu is still the live one.
	s := r.getOrCreate(tenantKey)
	s.mu.Lock()
	for s.dead {
		s.mu.Unlock()
		s = r.getOrCreate(tenantKey)
		s.mu.Lock()
	}
	defer s.mu.Unlock()
	s.lastAccess = time.Now()

	rec := ArtifactRecord{
		ID:        id,
		Path:      path.Join(tenantKey, id+"_"+filename),
		Filename:  filename,
		SizeBytes: size,
		CreatedAt: time.Now(),
	}

	if err := r.store.Write(ctx, rec.Path, data); err != nil {
		return nil, fmt.Errorf("store artifact: %w", err)
	}

	// A caller-supplied id that already exists in this session replaces the
	// old record rather than shadowing it.
	for i := range s.artifacts {
		if s.artifacts[i].ID == id {
			prev := s.artifacts[i]
			s.artifacts = append(s.artifacts[:i], s.artifacts[i+1:]...)
			if prev.Path != rec.Path {
				if err := r.store.Delete(ctx, prev.Path); err != nil {
					r.logger.Warn("replaced artifact blob not reclaimed",
						"tenant", tenantKey, "artifact", id, "error", err)
				}
			}
			break
		}
	}

	// Make room only after the new blob is safely written.
	for len(s.artifacts) >= r.opts.MaxFiles {
		oldest := 0
		for i := range s.artifacts {
			if s.artifacts[i].CreatedAt.Before(s.artifacts[oldest].CreatedAt) {
				oldest = i
			}
		}
		evicted := s.artifacts[oldest]
		s.artifacts = append(s.artifacts[:oldest], s.artifacts[oldest+1:]...)
		if err := r.store.Delete(ctx, evicted.Path); err != nil {
			r.logger.Warn("evicted artifact blob not reclaimed",
				"tenant", tenantKey, "artifact", evicted.ID, "error", err)
		}
		if r.onArtifactEvict != nil {
			r.onArtifactEvict()
		}
	}

	s.artifacts = append(s.artifacts, rec)
	return &rec, nil
}

// GetArtifact looks an artifact up within the tenant's own session. A lookup
// never crosses tenants: tenant A's key cannot retrieve tenant B's artifact
// even when artifact IDs collide.
func (r *Registry) GetArtifact(tenantKey, artifactID string) (*ArtifactRecord, bool) {
	r.mu.Lock()
	s, ok := r.sessions[tenantKey]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.artifacts {
		if s.artifacts[i].ID == artifactID {
			s.lastAccess = time.Now()
			rec := s.artifacts[i]
			return &rec, true
		}
	}
	return nil, false
}

// RemoveArtifact deletes one artifact and its blob. Idempotent: removing an
// unknown tenant or artifact reports false rather than erroring.
func (r *Registry) RemoveArtifact(ctx context.Context, tenantKey, artifactID string) bool {
	r.mu.Lock()
	s, ok := r.sessions[tenantKey]
	r.mu.Unlock()
	if !ok {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.artifacts {
		if s.artifacts[i].ID == artifactID {
			rec := s.artifacts[i]
			s.artifacts = append(s.artifacts[:i], s.artifacts[i+1:]...)
			if err := r.store.Delete(ctx, rec.Path); err != nil {
				r.logger.Warn("artifact blob not reclaimed",
					"tenant", tenantKey, "artifact", artifactID, "error", err)
			}
			return true
		}
	}
	return false
}

// EvictSession destroys the tenant's session and reclaims all of its artifact
// storage atomically with respect to other registry calls. Idempotent.
func (r *Registry) EvictSession(ctx context.Context, tenantKey string) bool {
	r.mu.Lock()
	s, ok := r.sessions[tenantKey]
	if ok {
		delete(r.sessions, tenantKey)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	s.mu.Lock()
	s.dead = true
	artifacts := s.artifacts
	s.artifacts = nil
	s.mu.Unlock()

	for _, rec := range artifacts {
		if err := r.store.Delete(ctx, rec.Path); err != nil {
			r.logger.Warn("session blob not reclaimed",
				"tenant", tenantKey, "artifact", rec.ID, "error", err)
		}
	}
	if r.onEvict != nil {
		r.onEvict(tenantKey)
	}
	return true
}

// SweepExpired evicts every session idle longer than ttl and returns the
// number evicted. Candidate keys are copied out before any destructive
// eviction so the map is never mutated while being iterated, and a failure
// on one session never halts the sweep.
func (r *Registry) SweepExpired(ctx context.Context, now time.Time, ttl time.Duration) int {
	r.mu.Lock()
	var expired []string
	for key, s := range r.sessions {
		s.mu.Lock()
		idle := now.Sub(s.lastAccess)
		s.mu.Unlock()
		if idle >= ttl {
			expired = append(expired, key)
		}
	}
	r.mu.Unlock()

	evicted := 0
	for _, key := range expired {
		if r.EvictSession(ctx, key) {
			evicted++
		}
	}
	return evicted
}

// Get returns a snapshot of the tenant's session without refreshing
// last-access.
func (r *Registry) Get(tenantKey string) (Info, bool) {
	r.mu.Lock()
	s, ok := r.sessions[tenantKey]
	r.mu.Unlock()
	if !ok {
		return Info{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(), true
}

// Artifacts returns a copy of the tenant's artifact records, oldest first.
func (r *Registry) Artifacts(tenantKey string) []ArtifactRecord {
	r.mu.Lock()
	s, ok := r.sessions[tenantKey]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ArtifactRecord, len(s.artifacts))
	copy(out, s.artifacts)
	return out
}

// Stats summarizes all sessions.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	sessions := make([]*tenantSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	st := Stats{Sessions: len(sessions)}
	for _, s := range sessions {
		s.mu.Lock()
		st.Artifacts += len(s.artifacts)
		for i := range s.artifacts {
			st.TotalBytes += s.artifacts[i].SizeBytes
		}
		s.mu.Unlock()
	}
	return st
}

func (r *Registry) getOrCreate(tenantKey string) *tenantSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[tenantKey]
	if !ok {
		now := time.Now()
		s = &tenantSession{tenantKey: tenantKey, createdAt: now, lastAccess: now}
		r.sessions[tenantKey] = s
	}
	return s
}

// snapshot builds an Info. Callers hold s.mu.
func (s *tenantSession) snapshot() Info {
	return Info{
		TenantKey:  s.tenantKey,
		CreatedAt:  s.createdAt,
		LastAccess: s.lastAccess,
		Artifacts:  len(s.artifacts),
	}
}

// Package pipeline implements the asynchronous generation job pipeline: a
// bounded worker pool draining a shared queue, with cancellation, completion
// callbacks, and drain-on-stop shutdown.
package pipeline

import (
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/cadenza-audio/cadenza/internal/backend"
	"github.com/cadenza-audio/cadenza/internal/session"
)

// Status is a job lifecycle state. Terminal states are sticky: once a job is
// completed, failed, or cancelled it never transitions again.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether s is a terminal state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Request is one generation request submitted to the pipeline.
type Request struct {
	TenantKey       string `json:"tenant_key"`
	Prompt          string `json:"prompt"`
	DurationSeconds int    `json:"duration_seconds"`
	// Filename, when set, persists the result into the tenant's session via
	// the registry. Empty means the caller only wants the in-memory result.
	Filename string `json:"filename,omitempty"`
}

// Job is one unit of generation work. The pipeline owns the job; callers hold
// only its ID and receive value snapshots.
type Job struct {
	ID          string                  `json:"id"`
	Request     Request                 `json:"request"`
	Status      Status                  `json:"status"`
	Result      *backend.Audio          `json:"-"`
	Artifact    *session.ArtifactRecord `json:"artifact,omitempty"`
	Error       string                  `json:"error,omitempty"`
	CreatedAt   time.Time               `json:"created_at"`
	StartedAt   time.Time               `json:"started_at,omitzero"`
	CompletedAt time.Time               `json:"completed_at,omitzero"`
}

// ProcessingTime returns completed minus started. It is undefined (false)
// while either timestamp is unset.
func (j *Job) ProcessingTime() (time.Duration, bool) {
	if j.StartedAt.IsZero() || j.CompletedAt.IsZero() {
		return 0, false
	}
	return j.CompletedAt.Sub(j.StartedAt), true
}

// newJobID returns a ULID: unique and sortable by submission time.
func newJobID() string {
	return ulid.Make().String()
}

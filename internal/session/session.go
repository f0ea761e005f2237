// Package session implements the per-tenant session registry: time-boxed
// isolation of generated artifacts with storage quotas and idle eviction.
package session

import (
	"fmt"
	"time"
)

// ArtifactRecord describes one stored artifact. A record is owned exclusively
// by its session and never shared across tenants.
type ArtifactRecord struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Filename  string    `json:"filename"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// Info is a point-in-time snapshot of one session, safe to hand to callers.
type Info struct {
	TenantKey  string    `json:"tenant_key"`
	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
	Artifacts  int       `json:"artifacts"`
}

// QuotaExceededError reports an artifact rejected at insertion because it is
// larger than the per-artifact byte ceiling.
type QuotaExceededError struct {
	SizeBytes int64
	MaxBytes  int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("artifact of %d bytes exceeds %d byte ceiling", e.SizeBytes, e.MaxBytes)
}

// Stats summarizes the registry for introspection and the hourly usage
// report. Snapshots only; nothing here is persisted.
type Stats struct {
	Sessions   int   `json:"sessions"`
	Artifacts  int   `json:"artifacts"`
	TotalBytes int64 `json:"total_bytes"`
}

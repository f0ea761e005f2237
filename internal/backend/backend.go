// Package backend defines the generation backend abstraction for the Cadenza core.
package backend

import (
	"context"
	"time"
)

// Request carries the inputs for a single generation call.
type Request struct {
	Prompt          string `json:"prompt"`
	DurationSeconds int    `json:"duration_seconds"`
}

// Audio is the result of a successful generation call.
type Audio struct {
	Data        []byte        `json:"-"`
	ContentType string        `json:"content_type"`
	Duration    time.Duration `json:"duration"`
}

// Generator produces audio from a prompt. Implementations talk to an external
// generation API and translate its failures into the typed errors in this
// package; callers classify them with Kind and IsRetryable.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Audio, error)
}

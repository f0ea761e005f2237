// Package service wires the Cadenza core together: admission ahead of the
// pipeline, the breaker-wrapped backend behind the outbound limiter, and the
// session registry for artifact persistence. All process-wide state lives on
// the Service and is constructed at start-up; nothing is a package global.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cadenza-audio/cadenza/internal/admission"
	"github.com/cadenza-audio/cadenza/internal/backend"
	"github.com/cadenza-audio/cadenza/internal/breaker"
	"github.com/cadenza-audio/cadenza/internal/config"
	"github.com/cadenza-audio/cadenza/internal/pipeline"
	"github.com/cadenza-audio/cadenza/internal/ratelimit"
	"github.com/cadenza-audio/cadenza/internal/session"
	"github.com/cadenza-audio/cadenza/internal/storage"
	"github.com/cadenza-audio/cadenza/internal/telemetry"
)

// DeniedError reports a request rejected by admission control. It is an
// expected, user-facing outcome with a reason and a retry hint; it is never
// logged as an error.
type DeniedError struct {
	Reason     string
	RetryAfter time.Duration
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("admission denied: %s", e.Reason)
}

// Service is the Cadenza core facade.
type Service struct {
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	store     storage.BlobStore
	admission *admission.Controller
	limiter   *ratelimit.Limiter
	breaker   *breaker.Breaker
	registry  *session.Registry
	pipeline  *pipeline.Pipeline
	batch     *pipeline.BatchProcessor
	sweeper   *session.Sweeper
}

// New builds the full core from configuration. gen is the raw backend
// generator; the service wraps it in the circuit breaker.
func New(cfg *config.Config, gen backend.Generator, store storage.BlobStore, logger *slog.Logger, metrics *telemetry.Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = telemetry.NewMetrics()
	}

	adm := admission.New(admission.Limits{
		MinInterval: cfg.Admission.MinInterval(),
		BurstLimit:  cfg.Admission.BurstLimit,
		BurstWindow: cfg.Admission.BurstWindow(),
		HourlyLimit: cfg.Admission.HourlyLimit,
	}, cfg.Admission.AllowList)

	lim := ratelimit.New(ratelimit.Limits{
		PerMinute: cfg.Outbound.PerMinute,
		PerHour:   cfg.Outbound.PerHour,
	})

	brk := breaker.New(gen, breaker.Options{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout(),
	})

	reg := session.NewRegistry(store, logger, session.Options{
		MaxFiles:         cfg.Sessions.MaxFiles,
		MaxArtifactBytes: cfg.Sessions.MaxArtifactBytes,
	})
	reg.OnEvict(func(tenantKey string) {
		adm.Forget(tenantKey)
		metrics.SessionsEvicted.Inc()
	})
	reg.OnArtifactEvict(func() { metrics.ArtifactsEvicted.Inc() })

	pipe := pipeline.New(brk, lim, reg, logger, pipeline.Options{
		Workers:   cfg.Pipeline.Workers,
		QueueSize: cfg.Pipeline.QueueSize,
	})

	s := &Service{
		logger:    logger,
		metrics:   metrics,
		store:     store,
		admission: adm,
		limiter:   lim,
		breaker:   brk,
		registry:  reg,
		pipeline:  pipe,
		batch:     pipeline.NewBatchProcessor(brk, lim, logger, cfg.Pipeline.BatchSize),
		sweeper:   session.NewSweeper(reg, logger, cfg.Sessions.TTL(), cfg.Sessions.SweepInterval()),
	}

	pipe.OnCompleted(func(j pipeline.Job) { s.observeTerminal(j) })
	pipe.OnFailed(func(j pipeline.Job) { s.observeTerminal(j) })

	return s
}

// Start spins up the worker pool and the sweeper.
func (s *Service) Start() error {
	s.pipeline.Start()
	if err := s.sweeper.Start(); err != nil {
		s.pipeline.Stop()
		return err
	}
	return nil
}

// Stop shuts the core down in order: no new schedule ticks, then drain the
// workers. In-memory state needs no flushing.
func (s *Service) Stop() {
	s.sweeper.Stop()
	s.pipeline.Stop()
}

// Submit admits and enqueues one generation request for the tenant. A denied
// request returns a *DeniedError carrying the reason and retry hint.
func (s *Service) Submit(ctx context.Context, req pipeline.Request) (string, error) {
	dec := s.admission.CheckNow(req.TenantKey)
	if !dec.Allowed {
		s.metrics.AdmissionDecided.WithLabelValues("deny", dec.Reason).Inc()
		return "", &DeniedError{Reason: dec.Reason, RetryAfter: dec.RetryAfter}
	}
	s.metrics.AdmissionDecided.WithLabelValues("allow", "").Inc()

	s.registry.Touch(req.TenantKey)
	s.metrics.SessionsActive.Set(float64(s.registry.Stats().Sessions))

	id, err := s.pipeline.Submit(req)
	if err != nil {
		return "", err
	}
	telemetry.RequestLogger(s.logger, ctx, req.TenantKey).Info("generation accepted", "job", id)
	return id, nil
}

// Admit runs an admission check without submitting work.
func (s *Service) Admit(tenantKey string) admission.Decision {
	return s.admission.CheckNow(tenantKey)
}

// Status returns a snapshot of the job.
func (s *Service) Status(jobID string) (pipeline.Job, error) {
	return s.pipeline.Job(jobID)
}

// Cancel cancels a pending job.
func (s *Service) Cancel(jobID string) bool {
	return s.pipeline.Cancel(jobID)
}

// WaitFor blocks until the job terminates or timeout elapses.
func (s *Service) WaitFor(ctx context.Context, jobID string, timeout time.Duration) (pipeline.Job, error) {
	return s.pipeline.WaitFor(ctx, jobID, timeout)
}

// ProcessBatch runs synchronous bulk generation, preserving input order.
func (s *Service) ProcessBatch(ctx context.Context, reqs []backend.Request) []pipeline.BatchResult {
	return s.batch.Process(ctx, reqs)
}

// Session returns a snapshot of the tenant's session.
func (s *Service) Session(tenantKey string) (session.Info, bool) {
	return s.registry.Get(tenantKey)
}

// Artifacts lists the tenant's artifact records.
func (s *Service) Artifacts(tenantKey string) []session.ArtifactRecord {
	return s.registry.Artifacts(tenantKey)
}

// Artifact fetches one artifact record within the tenant's own session.
func (s *Service) Artifact(tenantKey, artifactID string) (*session.ArtifactRecord, bool) {
	return s.registry.GetArtifact(tenantKey, artifactID)
}

// ArtifactData reads the artifact's bytes from the blob store.
func (s *Service) ArtifactData(ctx context.Context, tenantKey, artifactID string) ([]byte, *session.ArtifactRecord, error) {
	rec, ok := s.registry.GetArtifact(tenantKey, artifactID)
	if !ok {
		return nil, nil, fmt.Errorf("artifact %s not found", artifactID)
	}
	data, err := s.store.Read(ctx, rec.Path)
	if err != nil {
		return nil, nil, err
	}
	return data, rec, nil
}

// RemoveArtifact deletes one artifact; idempotent.
func (s *Service) RemoveArtifact(ctx context.Context, tenantKey, artifactID string) bool {
	return s.registry.RemoveArtifact(ctx, tenantKey, artifactID)
}

// EvictSession destroys the tenant's session and storage; idempotent.
func (s *Service) EvictSession(ctx context.Context, tenantKey string) bool {
	ok := s.registry.EvictSession(ctx, tenantKey)
	s.metrics.SessionsActive.Set(float64(s.registry.Stats().Sessions))
	return ok
}

// Overview gathers the introspection snapshots exposed by the status route.
type Overview struct {
	Pipeline pipeline.Stats      `json:"pipeline"`
	Sessions session.Stats       `json:"sessions"`
	Breaker  string              `json:"breaker"`
	Outbound ratelimit.Remaining `json:"outbound_free"`
}

// Snapshot returns the service overview.
func (s *Service) Snapshot() Overview {
	return Overview{
		Pipeline: s.pipeline.Snapshot(),
		Sessions: s.registry.Stats(),
		Breaker:  s.breaker.State().String(),
		Outbound: s.limiter.Free(),
	}
}

// ApplyConfig picks up runtime-tunable settings from a reloaded config:
// admission throttles and outbound caps. Everything else requires a restart.
func (s *Service) ApplyConfig(cfg *config.Config) {
	s.admission.SetLimits(admission.Limits{
		MinInterval: cfg.Admission.MinInterval(),
		BurstLimit:  cfg.Admission.BurstLimit,
		BurstWindow: cfg.Admission.BurstWindow(),
		HourlyLimit: cfg.Admission.HourlyLimit,
	})
	s.limiter.SetLimits(ratelimit.Limits{
		PerMinute: cfg.Outbound.PerMinute,
		PerHour:   cfg.Outbound.PerHour,
	})
	s.logger.Info("runtime limits applied",
		"min_interval", cfg.Admission.MinInterval(),
		"burst_limit", cfg.Admission.BurstLimit,
		"hourly_limit", cfg.Admission.HourlyLimit,
		"outbound_per_minute", cfg.Outbound.PerMinute,
		"outbound_per_hour", cfg.Outbound.PerHour)
}

func (s *Service) observeTerminal(j pipeline.Job) {
	s.metrics.JobsTotal.WithLabelValues(string(j.Status)).Inc()
	if d, ok := j.ProcessingTime(); ok {
		s.metrics.JobDuration.WithLabelValues(string(j.Status)).Observe(d.Seconds())
	}
	s.metrics.BreakerState.Set(float64(s.breaker.State()))
	if j.Status == pipeline.StatusCompleted {
		s.metrics.OutboundCalls.WithLabelValues("ok").Inc()
	} else {
		s.metrics.OutboundCalls.WithLabelValues("error").Inc()
	}
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cadenza-audio/cadenza/internal/backend"
	"github.com/cadenza-audio/cadenza/internal/ratelimit"
	"github.com/cadenza-audio/cadenza/internal/session"
)

// ErrNotFound is returned when a job ID is unknown.
var ErrNotFound = errors.New("job not found")

// TimeoutError reports that WaitFor gave up before the job reached a terminal
// state. The job itself keeps running; later callers may still observe it.
type TimeoutError struct {
	JobID string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for job %s", e.JobID)
}

// Callback receives a snapshot of a job at a lifecycle transition. Panics in
// callbacks are recovered and logged, never propagated to the worker loop.
type Callback func(Job)

// Options configures the pipeline.
type Options struct {
	Workers      int           // bounded worker pool size
	QueueSize    int           // enqueue buffer; Submit never blocks beyond this
	WaitPoll     time.Duration // WaitFor poll interval
	StopGrace    time.Duration // how long Stop drains before cancelling in-flight work
}

// Pipeline runs generation jobs on a fixed pool of workers. Workers gate each
// backend call through the outbound rate limiter; the Generator handed in is
// expected to be breaker-wrapped. Results are persisted through the session
// registry when a request names a destination.
type Pipeline struct {
	gen      backend.Generator
	limiter  *ratelimit.Limiter
	registry *session.Registry
	logger   *slog.Logger
	opts     Options

	mu   sync.Mutex
	jobs map[string]*Job

	queue   chan string
	stop    chan struct{}
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool

	cbMu        sync.Mutex
	onStarted   []Callback
	onCompleted []Callback
	onFailed    []Callback
}

// New constructs a pipeline with defaults applied.
func New(gen backend.Generator, limiter *ratelimit.Limiter, registry *session.Registry, logger *slog.Logger, opts Options) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = 3
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.WaitPoll <= 0 {
		opts.WaitPoll = 100 * time.Millisecond
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		gen:      gen,
		limiter:  limiter,
		registry: registry,
		logger:   logger,
		opts:     opts,
		jobs:     make(map[string]*Job),
		queue:    make(chan string, opts.QueueSize),
	}
}

// OnStarted registers a callback fired when a job enters processing.
func (p *Pipeline) OnStarted(cb Callback) { p.addCallback(&p.onStarted, cb) }

// OnCompleted registers a callback fired when a job completes.
func (p *Pipeline) OnCompleted(cb Callback) { p.addCallback(&p.onCompleted, cb) }

// OnFailed registers a callback fired when a job fails.
func (p *Pipeline) OnFailed(cb Callback) { p.addCallback(&p.onFailed, cb) }

func (p *Pipeline) addCallback(list *[]Callback, cb Callback) {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	*list = append(*list, cb)
}

// Start spawns the worker pool. Calling Start on a running pipeline is a
// no-op.
func (p *Pipeline) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stop = make(chan struct{})
	p.baseCtx, p.cancel = context.WithCancel(context.Background())
	p.mu.Unlock()

	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker(fmt.Sprintf("worker-%d", i))
	}
	p.logger.Info("pipeline started", "workers", p.opts.Workers)
}

// Stop retires the worker pool. It signals shutdown, waits for in-flight jobs
// to finish, and cancels them only after the grace period. Completed results
// are never lost; jobs still queued stay pending and can be observed after a
// restart of the pool.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	stop := p.stop
	cancel := p.cancel
	p.mu.Unlock()

	close(stop)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.opts.StopGrace):
		cancel()
		<-done
	}
	cancel()
	p.logger.Info("pipeline stopped")
}

// Submit creates a pending job and enqueues it. It never blocks the caller
// beyond enqueue time; a full queue is reported as an error.
func (p *Pipeline) Submit(req Request) (string, error) {
	job := &Job{
		ID:        newJobID(),
		Request:   req,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}

	p.mu.Lock()
	p.jobs[job.ID] = job
	p.mu.Unlock()

	select {
	case p.queue <- job.ID:
	default:
		p.mu.Lock()
		delete(p.jobs, job.ID)
		p.mu.Unlock()
		return "", errors.New("job queue is full")
	}

	p.logger.Info("job submitted", "job", job.ID, "tenant", req.TenantKey)
	return job.ID, nil
}

// Job returns a snapshot of the job, or ErrNotFound.
func (p *Pipeline) Job(jobID string) (Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	job, ok := p.jobs[jobID]
	if !ok {
		return Job{}, ErrNotFound
	}
	return *job, nil
}

// Cancel marks a pending job cancelled. Once a job is processing it runs to
// completion; Cancel then reports false and the caller discards the result.
func (p *Pipeline) Cancel(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	job, ok := p.jobs[jobID]
	if !ok || job.Status != StatusPending {
		return false
	}
	job.Status = StatusCancelled
	job.CompletedAt = time.Now()
	p.logger.Info("job cancelled", "job", jobID)
	return true
}

// WaitFor polls until the job reaches a terminal state or timeout elapses, in
// which case it returns a *TimeoutError. A timed-out wait never cancels the
// job and never affects other waiters.
func (p *Pipeline) WaitFor(ctx context.Context, jobID string, timeout time.Duration) (Job, error) {
	deadline := time.Now().Add(timeout)
	for {
		job, err := p.Job(jobID)
		if err != nil {
			return Job{}, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		if time.Now().After(deadline) {
			return Job{}, &TimeoutError{JobID: jobID}
		}
		select {
		case <-time.After(p.opts.WaitPoll):
		case <-ctx.Done():
			return Job{}, ctx.Err()
		}
	}
}

// Stats is a point-in-time view of the pipeline.
type Stats struct {
	TotalJobs    int            `json:"total_jobs"`
	QueueDepth   int            `json:"queue_depth"`
	StatusCounts map[Status]int `json:"status_counts"`
	Workers      int            `json:"workers"`
	Running      bool           `json:"running"`
}

// Snapshot returns current pipeline statistics.
func (p *Pipeline) Snapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{
		TotalJobs:    len(p.jobs),
		QueueDepth:   len(p.queue),
		StatusCounts: make(map[Status]int),
		Workers:      p.opts.Workers,
		Running:      p.running,
	}
	for _, job := range p.jobs {
		st.StatusCounts[job.Status]++
	}
	return st
}

// worker drains the queue until the stop signal. Dequeue observes shutdown
// directly via select, the Go shape of a short poll timeout.
func (p *Pipeline) worker(name string) {
	defer p.wg.Done()
	p.logger.Debug("worker started", "worker", name)

	for {
		select {
		case <-p.stop:
			p.logger.Debug("worker stopped", "worker", name)
			return
		case jobID := <-p.queue:
			p.process(jobID, name)
		}
	}
}

// process runs one job through the limiter and the backend, then records the
// terminal transition. Nothing here may crash the worker loop.
func (p *Pipeline) process(jobID, worker string) {
	p.mu.Lock()
	job, ok := p.jobs[jobID]
	if !ok || job.Status != StatusPending {
		// Cancelled while queued, or already handled.
		p.mu.Unlock()
		return
	}
	job.Status = StatusProcessing
	job.StartedAt = time.Now()
	snapshot := *job
	req := job.Request
	p.mu.Unlock()

	p.fire(&p.onStarted, snapshot)

	audio, err := p.run(req)
	if err != nil {
		p.finish(jobID, func(j *Job) {
			j.Status = StatusFailed
			j.Error = err.Error()
		}, &p.onFailed)
		p.logger.Warn("job failed", "job", jobID, "worker", worker, "error", err)
		return
	}

	var artifact *session.ArtifactRecord
	if req.Filename != "" {
		artifact, err = p.registry.AddArtifact(p.baseCtx, req.TenantKey, "", req.Filename, audio.Data)
		if err != nil {
			p.finish(jobID, func(j *Job) {
				j.Status = StatusFailed
				j.Error = fmt.Sprintf("persist artifact: %v", err)
			}, &p.onFailed)
			p.logger.Warn("job failed", "job", jobID, "worker", worker, "error", err)
			return
		}
	}

	p.finish(jobID, func(j *Job) {
		j.Status = StatusCompleted
		j.Result = audio
		j.Artifact = artifact
	}, &p.onCompleted)

	if done, err := p.Job(jobID); err == nil {
		if d, ok := done.ProcessingTime(); ok {
			p.logger.Info("job completed", "job", jobID, "worker", worker, "processing_time", d)
		}
	}
}

// run gates one backend call behind the outbound limiter.
func (p *Pipeline) run(req Request) (*backend.Audio, error) {
	if p.limiter != nil {
		if err := p.limiter.AwaitSlot(p.baseCtx); err != nil {
			return nil, fmt.Errorf("await outbound slot: %w", err)
		}
	}
	return p.gen.Generate(p.baseCtx, backend.Request{
		Prompt:          req.Prompt,
		DurationSeconds: req.DurationSeconds,
	})
}

// finish applies a terminal mutation unless the job already reached a
// terminal state, then fires callbacks with the resulting snapshot.
func (p *Pipeline) finish(jobID string, mutate func(*Job), cbs *[]Callback) {
	p.mu.Lock()
	job, ok := p.jobs[jobID]
	if !ok || job.Status.Terminal() {
		p.mu.Unlock()
		return
	}
	mutate(job)
	job.CompletedAt = time.Now()
	snapshot := *job
	p.mu.Unlock()

	p.fire(cbs, snapshot)
}

func (p *Pipeline) fire(cbs *[]Callback, job Job) {
	p.cbMu.Lock()
	list := make([]Callback, len(*cbs))
	copy(list, *cbs)
	p.cbMu.Unlock()

	for _, cb := range list {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("job callback panicked", "job", job.ID, "panic", r)
				}
			}()
			cb(job)
		}()
	}
}

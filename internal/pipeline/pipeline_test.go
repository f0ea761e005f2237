package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cadenza-audio/cadenza/internal/backend"
	"github.com/cadenza-audio/cadenza/internal/session"
)

// nullStore satisfies storage.BlobStore for tests that persist artifacts.
type nullStore struct {
	mu     sync.Mutex
	writes map[string][]byte
}

func newNullStore() *nullStore {
	return &nullStore{writes: make(map[string][]byte)}
}

func (s *nullStore) Write(_ context.Context, path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes[path] = data
	return nil
}

func (s *nullStore) Read(_ context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes[path], nil
}

func (s *nullStore) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.writes, path)
	return nil
}

func newTestPipeline(gen backend.Generator, opts Options) *Pipeline {
	registry := session.NewRegistry(newNullStore(), nil, session.Options{})
	return New(gen, nil, registry, nil, opts)
}

func TestSubmitAndComplete(t *testing.T) {
	gen := backend.NewMockGenerator(backend.MockResponse{Data: []byte("audio")})
	p := newTestPipeline(gen, Options{Workers: 1, WaitPoll: 5 * time.Millisecond})
	p.Start()
	defer p.Stop()

	id, err := p.Submit(Request{TenantKey: "t1", Prompt: "calm piano", DurationSeconds: 30})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	job, err := p.WaitFor(context.Background(), id, 2*time.Second)
	if err != nil {
		t.Fatalf("WaitFor: %v", err)
	}
	if job.Status != StatusCompleted {
		t.Fatalf("Status = %s, want completed", job.Status)
	}
	if string(job.Result.Data) != "audio" {
		t.Errorf("Result.Data = %q, want %q", job.Result.Data, "audio")
	}
	if _, ok := job.ProcessingTime(); !ok {
		t.Error("completed job should have a processing time")
	}
}

func TestSubmitsAreIndependent(t *testing.T) {
	gen := backend.NewMockGenerator(backend.MockResponse{Data: []byte("x")})
	p := newTestPipeline(gen, Options{Workers: 2, WaitPoll: 5 * time.Millisecond})
	p.Start()
	defer p.Stop()

	id1, err := p.Submit(Request{TenantKey: "a", Prompt: "p1"})
	if err != nil {
		t.Fatalf("Submit 1: %v", err)
	}
	id2, err := p.Submit(Request{TenantKey: "b", Prompt: "p2"})
	if err != nil {
		t.Fatalf("Submit 2: %v", err)
	}
	if id1 == id2 {
		t.Fatalf("job IDs collide: %s", id1)
	}

	for _, id := range []string{id1, id2} {
		job, err := p.WaitFor(context.Background(), id, 2*time.Second)
		if err != nil {
			t.Fatalf("WaitFor %s: %v", id, err)
		}
		if !job.Status.Terminal() {
			t.Errorf("job %s status = %s, want terminal", id, job.Status)
		}
	}
}

func TestCancelPending(t *testing.T) {
	gen := backend.NewMockGenerator(backend.MockResponse{Data: []byte("x")})
	p := newTestPipeline(gen, Options{Workers: 1, WaitPoll: 5 * time.Millisecond})

	// Submit before starting the pool so the job is still pending.
	id, err := p.Submit(Request{TenantKey: "t1", Prompt: "p"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !p.Cancel(id) {
		t.Fatal("cancelling a pending job should report true")
	}

	// Workers skip the cancelled job; the terminal state is sticky.
	p.Start()
	defer p.Stop()
	time.Sleep(50 * time.Millisecond)

	job, err := p.Job(id)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if job.Status != StatusCancelled {
		t.Errorf("Status = %s, want cancelled", job.Status)
	}
	if n := len(gen.Calls()); n != 0 {
		t.Errorf("backend invoked %d times for a cancelled job, want 0", n)
	}
	if p.Cancel(id) {
		t.Error("second cancel should report false")
	}
}

func TestCancelProcessingFails(t *testing.T) {
	gen := backend.NewMockGenerator(backend.MockResponse{
		Data:  []byte("x"),
		Delay: 200 * time.Millisecond,
	})
	p := newTestPipeline(gen, Options{Workers: 1, WaitPoll: 5 * time.Millisecond})

	started := make(chan Job, 1)
	p.OnStarted(func(j Job) { started <- j })

	p.Start()
	defer p.Stop()

	id, err := p.Submit(Request{TenantKey: "t1", Prompt: "p"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started processing")
	}

	if p.Cancel(id) {
		t.Error("cancelling a processing job should report false")
	}

	// The job still runs to completion.
	job, err := p.WaitFor(context.Background(), id, 2*time.Second)
	if err != nil {
		t.Fatalf("WaitFor: %v", err)
	}
	if job.Status != StatusCompleted {
		t.Errorf("Status = %s, want completed", job.Status)
	}
}

func TestWaitForTimeout(t *testing.T) {
	gen := backend.NewMockGenerator(backend.MockResponse{
		Data:  []byte("x"),
		Delay: 300 * time.Millisecond,
	})
	p := newTestPipeline(gen, Options{Workers: 1, WaitPoll: 5 * time.Millisecond})
	p.Start()
	defer p.Stop()

	id, err := p.Submit(Request{TenantKey: "t1", Prompt: "p"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	_, err = p.WaitFor(context.Background(), id, 50*time.Millisecond)
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want *TimeoutError", err)
	}
	if te.JobID != id {
		t.Errorf("TimeoutError.JobID = %s, want %s", te.JobID, id)
	}

	// A timed-out wait never cancels the job; a later wait still sees the
	// result.
	job, err := p.WaitFor(context.Background(), id, 2*time.Second)
	if err != nil {
		t.Fatalf("second WaitFor: %v", err)
	}
	if job.Status != StatusCompleted {
		t.Errorf("Status = %s, want completed", job.Status)
	}
}

func TestWaitForUnknownJob(t *testing.T) {
	p := newTestPipeline(backend.NewMockGenerator(), Options{})
	if _, err := p.WaitFor(context.Background(), "nope", time.Second); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestFailedJobRecordsError(t *testing.T) {
	gen := backend.NewMockGenerator(backend.MockResponse{
		Error: backend.TransientError("backend melted", nil),
	})
	p := newTestPipeline(gen, Options{Workers: 1, WaitPoll: 5 * time.Millisecond})

	failed := make(chan Job, 1)
	p.OnFailed(func(j Job) { failed <- j })

	p.Start()
	defer p.Stop()

	id, err := p.Submit(Request{TenantKey: "t1", Prompt: "p"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	job, err := p.WaitFor(context.Background(), id, 2*time.Second)
	if err != nil {
		t.Fatalf("WaitFor: %v", err)
	}
	if job.Status != StatusFailed {
		t.Fatalf("Status = %s, want failed", job.Status)
	}
	if !strings.Contains(job.Error, "backend melted") {
		t.Errorf("Error = %q, want it to mention the backend failure", job.Error)
	}

	select {
	case cb := <-failed:
		if cb.ID != id {
			t.Errorf("OnFailed fired for job %s, want %s", cb.ID, id)
		}
	case <-time.After(time.Second):
		t.Error("OnFailed callback never fired")
	}
}

func TestCompletedCallbackSnapshot(t *testing.T) {
	gen := backend.NewMockGenerator(backend.MockResponse{Data: []byte("x")})
	p := newTestPipeline(gen, Options{Workers: 1, WaitPoll: 5 * time.Millisecond})

	completed := make(chan Job, 1)
	p.OnCompleted(func(j Job) { completed <- j })

	p.Start()
	defer p.Stop()

	id, err := p.Submit(Request{TenantKey: "t1", Prompt: "p"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case j := <-completed:
		if j.ID != id {
			t.Errorf("callback job ID = %s, want %s", j.ID, id)
		}
		if j.Status != StatusCompleted {
			t.Errorf("callback status = %s, want completed", j.Status)
		}
		if j.CompletedAt.IsZero() {
			t.Error("callback snapshot should carry the terminal timestamp")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnCompleted callback never fired")
	}
}

func TestCallbackPanicIsolated(t *testing.T) {
	gen := backend.NewMockGenerator(backend.MockResponse{Data: []byte("x")})
	p := newTestPipeline(gen, Options{Workers: 1, WaitPoll: 5 * time.Millisecond})

	second := make(chan Job, 1)
	p.OnCompleted(func(Job) { panic("callback bug") })
	p.OnCompleted(func(j Job) { second <- j })

	p.Start()
	defer p.Stop()

	id, err := p.Submit(Request{TenantKey: "t1", Prompt: "p"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	job, err := p.WaitFor(context.Background(), id, 2*time.Second)
	if err != nil {
		t.Fatalf("WaitFor: %v", err)
	}
	if job.Status != StatusCompleted {
		t.Errorf("Status = %s, want completed despite panicking callback", job.Status)
	}

	select {
	case <-second:
	case <-time.After(time.Second):
		t.Error("callback after the panicking one never fired")
	}
}

func TestPersistArtifactOnCompletion(t *testing.T) {
	gen := backend.NewMockGenerator(backend.MockResponse{Data: []byte("the-audio")})
	store := newNullStore()
	registry := session.NewRegistry(store, nil, session.Options{})
	p := New(gen, nil, registry, nil, Options{Workers: 1, WaitPoll: 5 * time.Millisecond})
	p.Start()
	defer p.Stop()

	id, err := p.Submit(Request{TenantKey: "t1", Prompt: "p", Filename: "take.mp3"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	job, err := p.WaitFor(context.Background(), id, 2*time.Second)
	if err != nil {
		t.Fatalf("WaitFor: %v", err)
	}

	if job.Artifact == nil {
		t.Fatal("completed job with a filename should carry an artifact record")
	}
	if job.Artifact.Filename != "take.mp3" {
		t.Errorf("Artifact.Filename = %q, want %q", job.Artifact.Filename, "take.mp3")
	}
	if got := registry.Artifacts("t1"); len(got) != 1 {
		t.Errorf("registry holds %d artifacts, want 1", len(got))
	}
	if data, _ := store.Read(context.Background(), job.Artifact.Path); string(data) != "the-audio" {
		t.Errorf("stored blob = %q, want %q", data, "the-audio")
	}
}

func TestQueueFull(t *testing.T) {
	gen := backend.NewMockGenerator(backend.MockResponse{Data: []byte("x")})
	p := newTestPipeline(gen, Options{Workers: 1, QueueSize: 1})
	// Pool not started: the single queue slot fills immediately.

	if _, err := p.Submit(Request{TenantKey: "t1"}); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	_, err := p.Submit(Request{TenantKey: "t1"})
	if err == nil {
		t.Fatal("second Submit should fail with a full queue")
	}

	// The rejected job leaves no trace.
	st := p.Snapshot()
	if st.TotalJobs != 1 {
		t.Errorf("TotalJobs = %d, want 1", st.TotalJobs)
	}
}

func TestStopDrainsInFlight(t *testing.T) {
	gen := backend.NewMockGenerator(backend.MockResponse{
		Data:  []byte("x"),
		Delay: 100 * time.Millisecond,
	})
	p := newTestPipeline(gen, Options{Workers: 1, WaitPoll: 5 * time.Millisecond, StopGrace: 5 * time.Second})

	started := make(chan Job, 1)
	p.OnStarted(func(j Job) { started <- j })

	p.Start()
	id, err := p.Submit(Request{TenantKey: "t1", Prompt: "p"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}

	p.Stop()

	job, err := p.Job(id)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if job.Status != StatusCompleted {
		t.Errorf("Status = %s after drain, want completed", job.Status)
	}
}

func TestSnapshot(t *testing.T) {
	gen := backend.NewMockGenerator(backend.MockResponse{Data: []byte("x")})
	p := newTestPipeline(gen, Options{Workers: 2, QueueSize: 8})

	for i := 0; i < 3; i++ {
		if _, err := p.Submit(Request{TenantKey: "t1"}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	st := p.Snapshot()
	if st.TotalJobs != 3 {
		t.Errorf("TotalJobs = %d, want 3", st.TotalJobs)
	}
	if st.StatusCounts[StatusPending] != 3 {
		t.Errorf("pending = %d, want 3", st.StatusCounts[StatusPending])
	}
	if st.Running {
		t.Error("Running = true before Start")
	}
	if st.Workers != 2 {
		t.Errorf("Workers = %d, want 2", st.Workers)
	}
}

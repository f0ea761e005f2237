package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cadenza-audio/cadenza/internal/backend"
	"github.com/cadenza-audio/cadenza/internal/config"
	"github.com/cadenza-audio/cadenza/internal/pipeline"
)

// memStore is an in-memory blob store shared by the service tests.
type memStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{blobs: make(map[string][]byte)}
}

func (m *memStore) Write(_ context.Context, path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[path] = data
	return nil
}

func (m *memStore) Read(_ context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[path]
	if !ok {
		return nil, errors.New("not found")
	}
	return data, nil
}

func (m *memStore) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, path)
	return nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Admission.AllowList = []string{"vip"}
	cfg.Pipeline.Workers = 1
	return cfg
}

func newTestService(t *testing.T, gen backend.Generator) *Service {
	t.Helper()
	s := New(testConfig(), gen, newMemStore(), nil, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func TestSubmitToCompletion(t *testing.T) {
	gen := backend.NewMockGenerator(backend.MockResponse{Data: []byte("audio")})
	s := newTestService(t, gen)

	id, err := s.Submit(context.Background(), pipeline.Request{
		TenantKey: "vip", Prompt: "lofi beats", DurationSeconds: 30, Filename: "beats.mp3",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	job, err := s.WaitFor(context.Background(), id, 2*time.Second)
	if err != nil {
		t.Fatalf("WaitFor: %v", err)
	}
	if job.Status != pipeline.StatusCompleted {
		t.Fatalf("Status = %s, want completed", job.Status)
	}
	if job.Artifact == nil {
		t.Fatal("completed job should carry an artifact record")
	}

	data, rec, err := s.ArtifactData(context.Background(), "vip", job.Artifact.ID)
	if err != nil {
		t.Fatalf("ArtifactData: %v", err)
	}
	if string(data) != "audio" {
		t.Errorf("artifact bytes = %q, want %q", data, "audio")
	}
	if rec.Filename != "beats.mp3" {
		t.Errorf("Filename = %q, want beats.mp3", rec.Filename)
	}
}

func TestSubmitDeniedByAdmission(t *testing.T) {
	gen := backend.NewMockGenerator(backend.MockResponse{Data: []byte("x")})
	s := newTestService(t, gen)

	if _, err := s.Submit(context.Background(), pipeline.Request{TenantKey: "t1", Prompt: "p"}); err != nil {
		t.Fatalf("first Submit: %v", err)
	}

	// Back-to-back request trips the per-tenant minimum interval.
	_, err := s.Submit(context.Background(), pipeline.Request{TenantKey: "t1", Prompt: "p"})
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("error = %v, want *DeniedError", err)
	}
	if denied.Reason == "" {
		t.Error("denial should carry a reason")
	}
	if denied.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %s, want positive", denied.RetryAfter)
	}

	// An unrelated tenant is unaffected.
	if _, err := s.Submit(context.Background(), pipeline.Request{TenantKey: "t2", Prompt: "p"}); err != nil {
		t.Errorf("tenant t2 should not be throttled by t1: %v", err)
	}
}

func TestArtifactIsolationAcrossTenants(t *testing.T) {
	gen := backend.NewMockGenerator(backend.MockResponse{Data: []byte("x")})
	s := newTestService(t, gen)

	id, err := s.Submit(context.Background(), pipeline.Request{
		TenantKey: "vip", Prompt: "p", DurationSeconds: 10, Filename: "mine.mp3",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	job, err := s.WaitFor(context.Background(), id, 2*time.Second)
	if err != nil {
		t.Fatalf("WaitFor: %v", err)
	}

	if _, ok := s.Artifact("someone-else", job.Artifact.ID); ok {
		t.Error("artifact lookup crossed tenants")
	}
	if _, _, err := s.ArtifactData(context.Background(), "someone-else", job.Artifact.ID); err == nil {
		t.Error("artifact data fetch crossed tenants")
	}
}

func TestEvictSessionForgetsAdmissionState(t *testing.T) {
	gen := backend.NewMockGenerator(backend.MockResponse{Data: []byte("x")})
	s := newTestService(t, gen)

	if _, err := s.Submit(context.Background(), pipeline.Request{TenantKey: "t1", Prompt: "p"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if dec := s.Admit("t1"); dec.Allowed {
		t.Fatal("immediate re-check should be denied")
	}

	if !s.EvictSession(context.Background(), "t1") {
		t.Fatal("eviction should report true")
	}

	// Eviction wipes throttle history along with the session.
	if dec := s.Admit("t1"); !dec.Allowed {
		t.Errorf("tenant should start fresh after eviction, got %+v", dec)
	}
}

func TestSnapshotOverview(t *testing.T) {
	gen := backend.NewMockGenerator(backend.MockResponse{Data: []byte("x")})
	s := newTestService(t, gen)

	ov := s.Snapshot()
	if !ov.Pipeline.Running {
		t.Error("pipeline should be running")
	}
	if ov.Breaker != "closed" {
		t.Errorf("Breaker = %q, want closed", ov.Breaker)
	}
	if ov.Outbound.PerMinute != 60 {
		t.Errorf("outbound free per minute = %d, want 60", ov.Outbound.PerMinute)
	}
}

func TestProcessBatch(t *testing.T) {
	gen := backend.NewMockGenerator(backend.MockResponse{Data: []byte("x")})
	s := newTestService(t, gen)

	results := s.ProcessBatch(context.Background(), []backend.Request{
		{Prompt: "a", DurationSeconds: 5},
		{Prompt: "b", DurationSeconds: 5},
	})
	if len(results) != 2 {
		t.Fatalf("result count = %d, want 2", len(results))
	}
	for i, res := range results {
		if res.Err != nil {
			t.Errorf("result %d: %v", i, res.Err)
		}
	}
}

func TestApplyConfigLoosensThrottle(t *testing.T) {
	gen := backend.NewMockGenerator(backend.MockResponse{Data: []byte("x")})
	s := newTestService(t, gen)

	if _, err := s.Submit(context.Background(), pipeline.Request{TenantKey: "t1", Prompt: "p"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if dec := s.Admit("t1"); dec.Allowed {
		t.Fatal("re-check inside the default interval should be denied")
	}

	cfg := testConfig()
	cfg.Admission.MinIntervalSeconds = 1
	s.ApplyConfig(cfg)

	time.Sleep(1100 * time.Millisecond)
	if dec := s.Admit("t1"); !dec.Allowed {
		t.Errorf("1.1s gap should pass after lowering the interval to 1s, got %+v", dec)
	}
}

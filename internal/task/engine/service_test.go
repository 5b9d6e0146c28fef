package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "dashwall/pkg/logx"
)

func startPool(t *testing.T, cfg Config) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), nil)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestEnqueueCoalescesPendingExecution(t *testing.T) {
	t.Parallel()

	s := startPool(t, Config{Workers: 1, QueueSize: 8})
	release := make(chan struct{})
	var runs atomic.Int32
	st := &RunState{}
	task := Task{Name: "widget:w1", State: st, Run: func(ctx context.Context) error {
		runs.Add(1)
		<-release
		return nil
	}}

	if err := s.Enqueue(task); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := s.Enqueue(task); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second enqueue err=%v, want ErrOverlapSkip", err)
	}
	close(release)
	waitFor(t, func() bool { return !st.Busy() })

	if err := s.Enqueue(task); err != nil {
		t.Fatalf("enqueue after completion: %v", err)
	}
	waitFor(t, func() bool { return runs.Load() == 2 })
	if got := s.Snapshot().Coalesced; got != 1 {
		t.Fatalf("coalesced=%d, want 1", got)
	}
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	t.Parallel()

	s := startPool(t, Config{Workers: 1, QueueSize: 4})
	if err := s.Enqueue(Task{Name: "bad", Run: func(ctx context.Context) error { panic("boom") }}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	done := make(chan struct{})
	if err := s.Enqueue(Task{Name: "good", Run: func(ctx context.Context) error { close(done); return nil }}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not survive panic")
	}
	waitFor(t, func() bool { return s.Snapshot().Panics == 1 })
}

func TestEnqueueDropsWhenQueueFull(t *testing.T) {
	t.Parallel()

	s := startPool(t, Config{Workers: 1, QueueSize: 1})
	block := make(chan struct{})
	started := make(chan struct{})
	_ = s.Enqueue(Task{Name: "busy", Run: func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}})
	<-started
	if err := s.Enqueue(Task{Name: "queued", Run: func(ctx context.Context) error { return nil }}); err != nil {
		t.Fatalf("queued: %v", err)
	}
	if err := s.Enqueue(Task{Name: "overflow", Run: func(ctx context.Context) error { return nil }}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("overflow err=%v, want ErrQueueFull", err)
	}
	close(block)
	if got := s.Snapshot().DroppedQueueFull; got != 1 {
		t.Fatalf("dropped=%d, want 1", got)
	}
}

func TestTaskTimeoutCancelsContext(t *testing.T) {
	t.Parallel()

	s := startPool(t, Config{Workers: 1, QueueSize: 1})
	errCh := make(chan error, 1)
	_ = s.Enqueue(Task{Name: "slow", Timeout: 20 * time.Millisecond, Run: func(ctx context.Context) error {
		<-ctx.Done()
		errCh <- ctx.Err()
		return ctx.Err()
	}})
	select {
	case err := <-errCh:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("err=%v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout not applied")
	}
}

func TestEnqueueAfterStop(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop(), nil)
	if err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err=%v, want ErrStopped", err)
	}
}

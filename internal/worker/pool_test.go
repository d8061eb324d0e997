package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitAndComplete(t *testing.T) {
	p := New(2, 8)
	p.Start()
	defer p.Stop()

	done := make(chan struct{})
	err := p.Submit(Job{
		Label: "test",
		Run: func(ctx context.Context) (any, error) {
			return 42, nil
		},
		Done: func(result any, err error) {
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if result != 42 {
				t.Errorf("expected 42, got %v", result)
			}
			close(done)
		},
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job never completed")
	}
}

func TestErrorsReachDone(t *testing.T) {
	p := New(1, 4)
	p.Start()
	defer p.Stop()

	boom := errors.New("boom")
	done := make(chan error, 1)
	p.Submit(Job{
		Label: "failing",
		Run:   func(ctx context.Context) (any, error) { return nil, boom },
		Done:  func(result any, err error) { done <- err },
	})

	select {
	case err := <-done:
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("completion never delivered")
	}
}

func TestSubmitBeforeStart(t *testing.T) {
	p := New(1, 4)
	if err := p.Submit(Job{}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped before Start, got %v", err)
	}
}

func TestSubmitAfterStop(t *testing.T) {
	p := New(1, 4)
	p.Start()
	p.Stop()
	if err := p.Submit(Job{}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped after Stop, got %v", err)
	}
}

func TestQueueFull(t *testing.T) {
	p := New(1, 1)
	p.Start()
	defer p.Stop()

	block := make(chan struct{})
	// occupy the single worker
	p.Submit(Job{
		Run:  func(ctx context.Context) (any, error) { <-block; return nil, nil },
		Done: func(any, error) {},
	})
	// fill the single queue slot; the worker may have already dequeued the
	// first job, so allow one extra submission before expecting rejection.
	var sawFull bool
	for i := 0; i < 3; i++ {
		err := p.Submit(Job{
			Run:  func(ctx context.Context) (any, error) { return nil, nil },
			Done: func(any, error) {},
		})
		if errors.Is(err, ErrQueueFull) {
			sawFull = true
			break
		}
	}
	close(block)
	if !sawFull {
		t.Fatal("expected ErrQueueFull once the buffer filled")
	}
}

func TestStopDrainsQueuedJobs(t *testing.T) {
	p := New(2, 32)
	p.Start()

	var completed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		err := p.Submit(Job{
			Run: func(ctx context.Context) (any, error) {
				time.Sleep(time.Millisecond)
				return nil, nil
			},
			Done: func(any, error) {
				completed.Add(1)
				wg.Done()
			},
		})
		if err != nil {
			wg.Done()
			t.Fatalf("submit %d failed: %v", i, err)
		}
	}

	p.Stop()
	wg.Wait()
	if completed.Load() != 16 {
		t.Fatalf("expected all 16 jobs completed on drain, got %d", completed.Load())
	}
}

func TestPanicInJobDoesNotKillWorker(t *testing.T) {
	p := New(1, 4)
	p.Start()
	defer p.Stop()

	done := make(chan error, 2)
	p.Submit(Job{
		Label: "panicking",
		Run:   func(ctx context.Context) (any, error) { panic("kaboom") },
		Done:  func(result any, err error) { done <- err },
	})
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("panicked job should complete with an error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("panicked job never completed")
	}

	// the worker must survive and run the next job
	p.Submit(Job{
		Run:  func(ctx context.Context) (any, error) { return nil, nil },
		Done: func(result any, err error) { done <- err },
	})
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("worker unhealthy after panic: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker dead after panic")
	}
}

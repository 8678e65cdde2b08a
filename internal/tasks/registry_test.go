package tasks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chunkvault/chunkvault/internal/logging"
)

func TestRegistryRejectsBeyondLimit(t *testing.T) {
	reg := NewRegistry(context.Background(), 1, logging.Discard())
	release := make(chan struct{})
	started := make(chan struct{})

	if err := reg.Go("first", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}); err != nil {
		t.Fatalf("first task: %v", err)
	}
	<-started

	if err := reg.Go("second", func(context.Context) error { return nil }); !errors.Is(err, ErrRegistryFull) {
		t.Fatalf("expected registry full, got %v", err)
	}
	close(release)

	if err := reg.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestShutdownCancelsTasks(t *testing.T) {
	reg := NewRegistry(context.Background(), 0, logging.Discard())
	for i := 0; i < 3; i++ {
		if err := reg.Go("sleeper", func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}); err != nil {
			t.Fatalf("start task: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := reg.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if reg.Active() != 0 {
		t.Fatalf("expected no active tasks, got %d", reg.Active())
	}
	if err := reg.Go("late", func(context.Context) error { return nil }); !errors.Is(err, ErrRegistryClosed) {
		t.Fatalf("expected closed registry, got %v", err)
	}
}

func TestShutdownGivesUpAtDeadline(t *testing.T) {
	reg := NewRegistry(context.Background(), 0, logging.Discard())
	block := make(chan struct{})
	defer close(block)
	_ = reg.Go("stuck", func(context.Context) error {
		<-block
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := reg.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestGoRacingShutdownNeverStartsLateTasks(t *testing.T) {
	reg := NewRegistry(context.Background(), 64, logging.Discard())
	var late atomic.Int64
	stopped := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				err := reg.Go("racer", func(ctx context.Context) error {
					select {
					case <-stopped:
						late.Add(1)
					default:
					}
					<-ctx.Done()
					return nil
				})
				if errors.Is(err, ErrRegistryClosed) {
					return
				}
			}
		}()
	}

	time.Sleep(10 * time.Millisecond)
	if err := reg.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	close(stopped)
	wg.Wait()

	if late.Load() != 0 {
		t.Fatalf("%d tasks started after shutdown returned", late.Load())
	}
	if err := reg.Go("after", func(context.Context) error { return nil }); !errors.Is(err, ErrRegistryClosed) {
		t.Fatalf("expected registry closed, got %v", err)
	}
}

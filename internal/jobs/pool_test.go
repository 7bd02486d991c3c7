package jobs

import (
	"context"
	"errors"
	"io"
	"log"
	"sync/atomic"
	"testing"
	"time"
)

var quiet = log.New(io.Discard, "", 0)

func TestPool_RunsAllTasks(t *testing.T) {
	p := NewPool(context.Background(), 3, 16, quiet)

	var n atomic.Int32
	for i := 0; i < 10; i++ {
		if err := p.Submit(func(context.Context) { n.Add(1) }); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if n.Load() != 10 {
		t.Errorf("ran %d tasks, want 10", n.Load())
	}
}

func TestPool_QueueFull(t *testing.T) {
	p := NewPool(context.Background(), 1, 1, quiet)

	started := make(chan struct{})
	release := make(chan struct{})
	if err := p.Submit(func(context.Context) {
		close(started)
		<-release
	}); err != nil {
		t.Fatal(err)
	}
	<-started

	if err := p.Submit(func(context.Context) {}); err != nil {
		t.Fatalf("queued submit: %v", err)
	}
	if err := p.Submit(func(context.Context) {}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("third submit = %v, want ErrQueueFull", err)
	}

	close(release)
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestPool_Closed(t *testing.T) {
	p := NewPool(context.Background(), 1, 1, quiet)
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if err := p.Submit(func(context.Context) {}); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("submit after close = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestPool_RecoversPanic(t *testing.T) {
	p := NewPool(context.Background(), 1, 4, quiet)

	var ran atomic.Bool
	if err := p.Submit(func(context.Context) { panic("boom") }); err != nil {
		t.Fatal(err)
	}
	if err := p.Submit(func(context.Context) { ran.Store(true) }); err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if !ran.Load() {
		t.Error("worker stopped after a panic")
	}
}

func TestPool_CancelReachesTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPool(ctx, 2, 2, quiet)

	done := make(chan error, 1)
	if err := p.Submit(func(ctx context.Context) {
		<-ctx.Done()
		done <- ctx.Err()
	}); err != nil {
		t.Fatal(err)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("task saw %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("task did not observe cancellation")
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
}

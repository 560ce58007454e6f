package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitAndShutdown(t *testing.T) {
	p := New(2, 10)
	var count atomic.Int32

	for i := 0; i < 5; i++ {
		if !p.Submit(func() { count.Add(1) }) {
			t.Fatalf("Submit %d failed", i)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Shutdown(ctx)

	if got := count.Load(); got != 5 {
		t.Fatalf("count = %d, want 5", got)
	}
}

func TestSubmitAfterShutdownReturnsFalse(t *testing.T) {
	p := New(1, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Shutdown(ctx)

	if p.Submit(func() {}) {
		t.Fatal("Submit after Shutdown should return false")
	}
}

func TestQueueFullReturnsFalse(t *testing.T) {
	p := New(1, 1)
	blocker := make(chan struct{})
	p.Submit(func() { <-blocker })

	time.Sleep(10 * time.Millisecond) // let the worker pick up the first task
	p.Submit(func() {})               // fills the queue (size 1)

	if p.Submit(func() {}) {
		t.Fatal("Submit should return false when queue is full")
	}

	close(blocker)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Shutdown(ctx)
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	p := New(1, 4)
	p.Submit(func() { panic("boom") })

	var ran atomic.Bool
	p.Submit(func() { ran.Store(true) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Shutdown(ctx)

	if !ran.Load() {
		t.Fatal("task after panic did not run")
	}
}

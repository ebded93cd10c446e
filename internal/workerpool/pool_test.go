package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestSizeDefaultsToNumCPU(t *testing.T) {
	if Size(4) != 4 {
		t.Fatalf("Size(4) = %d, want 4", Size(4))
	}
	if Size(0) <= 0 {
		t.Fatalf("Size(0) = %d, want > 0", Size(0))
	}
	if Size(-1) <= 0 {
		t.Fatalf("Size(-1) = %d, want > 0", Size(-1))
	}
}

func TestRunExecutesAndReturnsError(t *testing.T) {
	p := New(2)
	defer p.Close()

	ctx := context.Background()
	var ran int32
	err := p.Run(ctx, func() error {
		atomic.AddInt32(&ran, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if atomic.LoadInt32(&ran) != 1 {
		t.Fatalf("ran = %d, want 1", ran)
	}
}

func TestRunBoundsConcurrency(t *testing.T) {
	p := New(1)
	defer p.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	go p.Run(context.Background(), func() error {
		close(started)
		<-release
		return nil
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := p.Run(ctx, func() error { return nil })
	if err == nil {
		t.Fatal("expected second task to block while the single worker is busy")
	}
	close(release)
}

func TestCloseRejectsNewWork(t *testing.T) {
	p := New(1)
	p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := p.Do(ctx, func() {}); err != ErrClosed {
		t.Fatalf("Do after Close = %v, want ErrClosed", err)
	}
}

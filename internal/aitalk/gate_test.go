package aitalk

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestGateSignalThenWait(t *testing.T) {
	g := NewGate()
	if !g.Signal(nil) {
		t.Fatal("expected first signal to take effect")
	}
	if g.Signal(errors.New("late")) {
		t.Fatal("expected second signal to be ignored")
	}
	if err := g.Wait(context.Background(), time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := g.Wait(context.Background(), time.Second); !errors.Is(err, ErrGateConsumed) {
		t.Fatalf("expected ErrGateConsumed on second wait, got %v", err)
	}
}

func TestGateCarriesError(t *testing.T) {
	g := NewGate()
	want := &EngineError{Op: "GetKana", Code: InvalidJobID}
	g.Signal(want)
	if err := g.Wait(context.Background(), 0); !errors.Is(err, InvalidJobID) {
		t.Fatalf("expected engine error, got %v", err)
	}
}

func TestGateTimeout(t *testing.T) {
	g := NewGate()
	if err := g.Wait(context.Background(), 20*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	done := make(chan struct{})
	go func() {
		g.Signal(nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("signal blocked after the waiter gave up")
	}
}

func TestGateContextCancel(t *testing.T) {
	g := NewGate()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := g.Wait(ctx, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestGateSingleReceiver(t *testing.T) {
	g := NewGate()
	g.Signal(nil)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- g.Wait(context.Background(), 100*time.Millisecond)
		}()
	}
	wg.Wait()
	close(results)

	var ok, consumed int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrGateConsumed):
			consumed++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || consumed != 1 {
		t.Fatalf("expected one success and one consumed, got %d and %d", ok, consumed)
	}
}

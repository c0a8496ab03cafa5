package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSupervisorWaitReturnsFirstError(t *testing.T) {
	t.Parallel()
	sup := NewSupervisor(context.Background())

	want := errors.New("boom")
	sup.Go("failing", func(context.Context) error { return want })
	sup.Go("clean", func(context.Context) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Wait(ctx); !errors.Is(err, want) {
		t.Fatalf("Wait() = %v, want %v", err, want)
	}
}

func TestSupervisorCancelOnError(t *testing.T) {
	t.Parallel()
	sup := NewSupervisor(context.Background(), WithCancelOnError(true))

	sup.Go("failing", func(context.Context) error { return errors.New("boom") })

	select {
	case <-sup.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor context not canceled after goroutine error")
	}
}

func TestSupervisorRecoversPanic(t *testing.T) {
	t.Parallel()
	sup := NewSupervisor(context.Background())

	sup.Go("panicking", func(context.Context) error { panic("kaput") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := sup.Wait(ctx)
	if err == nil {
		t.Fatal("expected an error from the panicking goroutine")
	}
}

func TestSupervisorStopCancelsAndWaits(t *testing.T) {
	t.Parallel()
	sup := NewSupervisor(context.Background())

	exited := make(chan struct{})
	sup.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		close(exited)
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("Stop() = %v", err)
	}
	select {
	case <-exited:
	default:
		t.Fatal("Stop returned before the goroutine exited")
	}
}

func TestGoRestartStopsOnCleanExit(t *testing.T) {
	t.Parallel()
	sup := NewSupervisor(context.Background())

	runs := make(chan struct{}, 8)
	sup.GoRestart("oneshot", func(context.Context) error {
		runs <- struct{}{}
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Wait(ctx); err != nil {
		t.Fatalf("Wait() = %v", err)
	}
	if got := len(runs); got != 1 {
		t.Fatalf("function ran %d times, want 1", got)
	}
}

func TestGoRestartRetriesAfterError(t *testing.T) {
	t.Parallel()
	sup := NewSupervisor(context.Background())

	calls := 0
	done := make(chan struct{})
	sup.GoRestart("flaky", func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("function was not restarted after an error")
	}
}

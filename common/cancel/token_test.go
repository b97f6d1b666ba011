package cancel

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestChild_TimeoutDoesNotCancelParent(t *testing.T) {
	root := NewRoot(context.Background())
	defer root.Abort()

	child, release := root.Child(10 * time.Millisecond)
	defer release()

	<-child.Done()

	if !child.TimedOut() {
		t.Error("child should report its own timeout")
	}
	if root.Canceled() {
		t.Error("child timeout must not cancel the parent")
	}
}

func TestAbort_PropagatesToChildren(t *testing.T) {
	root := NewRoot(context.Background())

	child, release := root.Child(time.Minute)
	defer release()

	root.Abort()

	select {
	case <-child.Done():
	case <-time.After(time.Second):
		t.Fatal("child not canceled after parent abort")
	}

	if child.TimedOut() {
		t.Error("parent abort must not read as a child timeout")
	}
	if !errors.Is(child.Cause(), ErrAborted) {
		t.Errorf("expected ErrAborted cause, got %v", child.Cause())
	}
}

func TestSleep_InterruptedByAbort(t *testing.T) {
	root := NewRoot(context.Background())

	go func() {
		time.Sleep(10 * time.Millisecond)
		root.Abort()
	}()

	start := time.Now()
	err := root.Sleep(5 * time.Second)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrAborted) {
		t.Errorf("expected ErrAborted, got %v", err)
	}
	if elapsed > time.Second {
		t.Errorf("sleep did not return promptly after abort: %v", elapsed)
	}
}

func TestSleep_FullDurationReturnsNil(t *testing.T) {
	root := NewRoot(context.Background())
	defer root.Abort()

	if err := root.Sleep(time.Millisecond); err != nil {
		t.Errorf("uninterrupted sleep should return nil, got %v", err)
	}
}

func TestChild_ZeroTimeoutInheritsOnly(t *testing.T) {
	root := NewRoot(context.Background())

	child, release := root.Child(0)
	defer release()

	if child.Canceled() {
		t.Error("child should start live")
	}

	root.Abort()
	<-child.Done()

	if !errors.Is(child.Cause(), ErrAborted) {
		t.Errorf("expected ErrAborted cause, got %v", child.Cause())
	}
}

func TestCause_NilWhileLive(t *testing.T) {
	root := NewRoot(context.Background())
	defer root.Abort()

	if root.Cause() != nil {
		t.Errorf("live token should have nil cause, got %v", root.Cause())
	}
}

package state

import (
	"context"
	"errors"
	"testing"
	"time"

	domainerrors "symindex/internal/core/errors"
)

func TestLifecycle(t *testing.T) {
	m := NewMachine()
	if m.State() != Empty {
		t.Fatalf("expected empty, got %s", m.State())
	}

	st, err := m.Begin(4)
	if err != nil || st != Indexing {
		t.Fatalf("begin: %s %v", st, err)
	}
	m.FileDone("a.cpp", false, true)
	m.FileDone("b.cpp", true, false)

	c := m.Completeness()
	if c.State != Indexing || c.Fraction != 0.5 || c.Complete {
		t.Fatalf("unexpected completeness %+v", c)
	}
	p := m.Progress()
	if p.Failed != 1 || p.CacheHits != 1 || p.CurrentFile != "b.cpp" {
		t.Fatalf("unexpected progress %+v", p)
	}

	if err := m.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if c := m.Completeness(); !c.Complete || c.Fraction != 1 {
		t.Fatalf("ready must be complete, got %+v", c)
	}

	st, err = m.Begin(2)
	if err != nil || st != Refreshing {
		t.Fatalf("second pass: %s %v", st, err)
	}
	if err := m.Finish(); err != nil {
		t.Fatalf("finish refresh: %v", err)
	}
}

func TestIllegalTransition(t *testing.T) {
	m := NewMachine()
	err := m.Transition(Ready)
	if !domainerrors.IsCode(err, domainerrors.CodeValidationError) {
		t.Fatalf("empty -> ready must be rejected, got %v", err)
	}
	if err := m.Transition(Refreshing); err == nil {
		t.Fatal("empty -> refreshing must be rejected")
	}
}

func TestFailFromAnyState(t *testing.T) {
	m := NewMachine()
	_, _ = m.Begin(1)
	cause := errors.New("build database unreadable")
	m.Fail(cause)

	s := m.Snapshot()
	if s.State != Error || s.LastError != cause.Error() {
		t.Fatalf("unexpected snapshot %+v", s)
	}
	if st, err := m.Begin(1); err != nil || st != Indexing {
		t.Fatalf("recovery from error: %s %v", st, err)
	}
}

func TestWaitUnblocksOnReady(t *testing.T) {
	m := NewMachine()
	_, _ = m.Begin(1)

	done := make(chan State, 1)
	go func() {
		st, _ := m.Wait(context.Background())
		done <- st
	}()

	select {
	case <-done:
		t.Fatal("wait returned before the pass finished")
	case <-time.After(20 * time.Millisecond):
	}

	if err := m.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}
	select {
	case st := <-done:
		if st != Ready {
			t.Fatalf("expected ready, got %s", st)
		}
	case <-time.After(time.Second):
		t.Fatal("wait did not unblock")
	}
}

func TestWaitHonoursContext(t *testing.T) {
	m := NewMachine()
	_, _ = m.Begin(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := m.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestPolicies(t *testing.T) {
	m := NewMachine()
	if err := AllowPartial.Admit(context.Background(), m); !domainerrors.IsCode(err, domainerrors.CodeNotReady) {
		t.Fatalf("empty index must not be queryable, got %v", err)
	}

	_, _ = m.Begin(2)
	if err := AllowPartial.Admit(context.Background(), m); err != nil {
		t.Fatalf("allow_partial: %v", err)
	}
	if err := Reject.Admit(context.Background(), m); !domainerrors.IsCode(err, domainerrors.CodeNotReady) {
		t.Fatalf("reject: expected NOT_READY, got %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = m.Finish()
	}()
	if err := Block.Admit(context.Background(), m); err != nil {
		t.Fatalf("block: %v", err)
	}

	if _, err := ParsePolicy("bogus"); err == nil {
		t.Fatal("expected unknown policy error")
	}
	if p, _ := ParsePolicy(" BLOCK "); p != Block {
		t.Fatalf("expected block, got %s", p)
	}
}

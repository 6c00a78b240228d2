package scheduler_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"carecrypt/internal/scheduler"
)

func TestAtRunsOnceWhenDue(t *testing.T) {
	clk := clock.NewMock()
	s := scheduler.New(clk)
	ran := 0
	s.At("once", clk.Now().Add(time.Minute), func(context.Context) error { ran++; return nil })

	if n := s.RunDue(context.Background()); n != 0 {
		t.Fatalf("ran %d tasks before due", n)
	}
	clk.Add(time.Minute)
	if n := s.RunDue(context.Background()); n != 1 || ran != 1 {
		t.Fatalf("ran %d (count %d), want 1", n, ran)
	}
	clk.Add(time.Hour)
	if n := s.RunDue(context.Background()); n != 0 {
		t.Fatalf("one-shot task ran again")
	}
	if s.Pending() != 0 {
		t.Fatalf("pending = %d", s.Pending())
	}
}

func TestEveryRepeatsWithoutDrift(t *testing.T) {
	clk := clock.NewMock()
	start := clk.Now()
	s := scheduler.New(clk)
	ran := 0
	s.Every("tick", time.Hour, func(context.Context) error { ran++; return errors.New("ignored") })

	clk.Add(90 * time.Minute)
	s.RunDue(context.Background())
	due, ok := s.NextDue("tick")
	if !ok || !due.Equal(start.Add(2*time.Hour)) {
		t.Fatalf("next due = %v, want %v", due, start.Add(2*time.Hour))
	}
	clk.Add(5 * time.Hour)
	s.RunDue(context.Background())
	if ran != 2 {
		t.Fatalf("ran = %d, want 2 (missed ticks coalesce)", ran)
	}
}

func TestEveryFromRunsOverdueFirstTime(t *testing.T) {
	clk := clock.NewMock()
	start := clk.Now()
	s := scheduler.New(clk)
	ran := 0
	s.EveryFrom("sweep", start.Add(-time.Hour), 3*time.Hour, func(context.Context) error { ran++; return nil })

	if n := s.RunDue(context.Background()); n != 1 || ran != 1 {
		t.Fatalf("RunDue = %d, ran = %d; overdue first run should happen at once", n, ran)
	}
	due, ok := s.NextDue("sweep")
	if !ok || !due.Equal(start.Add(2*time.Hour)) {
		t.Fatalf("next due = %v, want %v", due, start.Add(2*time.Hour))
	}
}

func TestOrderingAndCancel(t *testing.T) {
	clk := clock.NewMock()
	s := scheduler.New(clk)
	var order []string
	rec := func(name string) scheduler.Func {
		return func(context.Context) error { order = append(order, name); return nil }
	}
	s.At("b", clk.Now().Add(2*time.Second), rec("b"))
	s.At("a", clk.Now().Add(1*time.Second), rec("a"))
	s.At("c", clk.Now().Add(3*time.Second), rec("c"))
	if !s.Cancel("c") {
		t.Fatal("Cancel(c) = false")
	}
	if s.Cancel("missing") {
		t.Fatal("Cancel(missing) = true")
	}
	clk.Add(time.Minute)
	s.RunDue(context.Background())
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("order = %v", order)
	}
}

func TestAtReplacesSameName(t *testing.T) {
	clk := clock.NewMock()
	s := scheduler.New(clk)
	s.At("k", clk.Now().Add(time.Second), func(context.Context) error { return nil })
	s.At("k", clk.Now().Add(time.Hour), func(context.Context) error { return nil })
	if s.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", s.Pending())
	}
	clk.Add(time.Minute)
	if n := s.RunDue(context.Background()); n != 0 {
		t.Fatal("replaced task still ran at old time")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	clk := clock.NewMock()
	s := scheduler.New(clk)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

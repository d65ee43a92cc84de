package priority

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestHighLaneIsServedFirst(t *testing.T) {
	q := New(4, 4, 10)
	q.PushLow("event-1")
	q.PushLow("event-2")
	if !q.TryPushHigh("command") {
		t.Fatalf("push high failed")
	}
	ctx := context.Background()
	for _, want := range []string{"command", "event-1", "event-2"} {
		got, err := q.Pop(ctx)
		if err != nil || got != want {
			t.Fatalf("pop = %v, %v; want %s", got, err, want)
		}
	}
}

func TestLowLaneKeepsArrivalOrder(t *testing.T) {
	q := New(1, 100, 3)
	for i := 0; i < 50; i++ {
		q.PushLow(i)
	}
	for i := 0; i < 50; i++ {
		got, _ := q.Pop(context.Background())
		if got != i {
			t.Fatalf("pop %d = %v", i, got)
		}
	}
}

func TestFairnessServesLowAfterStreak(t *testing.T) {
	q := New(8, 8, 2)
	q.PushLow("low")
	for i := 0; i < 4; i++ {
		q.TryPushHigh(i)
	}
	var got []any
	for i := 0; i < 5; i++ {
		v, _ := q.Pop(context.Background())
		got = append(got, v)
	}
	if got[2] != "low" {
		t.Fatalf("expected low item after two high pops, got %v", got)
	}
}

func TestPopBlocksUntilPush(t *testing.T) {
	q := New(1, 1, 1)
	done := make(chan any, 1)
	go func() {
		v, _ := q.Pop(context.Background())
		done <- v
	}()
	time.Sleep(10 * time.Millisecond)
	q.PushLow("late")
	select {
	case v := <-done:
		if v != "late" {
			t.Fatalf("unexpected %v", v)
		}
	case <-time.After(time.Second):
		t.Fatalf("pop did not wake")
	}
}

func TestCloseAndContext(t *testing.T) {
	q := New(1, 1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Pop(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
	q.Close()
	if _, err := q.Pop(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if q.PushLow(1) || q.TryPushHigh(1) {
		t.Fatalf("pushes after close must fail")
	}
}

func TestLowLaneDropsWhenFull(t *testing.T) {
	q := New(1, 2, 1)
	q.PushLow(1)
	q.PushLow(2)
	if q.PushLow(3) {
		t.Fatalf("expected drop when full")
	}
	if q.Stats().Dropped != 1 {
		t.Fatalf("expected one dropped, got %d", q.Stats().Dropped)
	}
}

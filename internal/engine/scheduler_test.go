package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoUntilDeadlineStopsWhenIdle(t *testing.T) {
	calls := 0
	did, err := doUntilDeadline(context.Background(), time.Second, func(context.Context) (bool, error) {
		calls++
		return false, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if did {
		t.Errorf("idle op reported work")
	}
	// An idle operation is still invoked exactly once per pass.
	if calls != 1 {
		t.Errorf("idle op called %d times, want 1", calls)
	}
}

func TestDoUntilDeadlineDrainsBacklog(t *testing.T) {
	remaining := 5
	did, err := doUntilDeadline(context.Background(), time.Second, func(context.Context) (bool, error) {
		if remaining == 0 {
			return false, nil
		}
		remaining--
		return true, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !did {
		t.Errorf("backlog drain reported idle")
	}
	if remaining != 0 {
		t.Errorf("stopped with %d units left before the deadline", remaining)
	}
}

func TestDoUntilDeadlineHonorsDeadline(t *testing.T) {
	calls := 0
	did, err := doUntilDeadline(context.Background(), 30*time.Millisecond, func(context.Context) (bool, error) {
		calls++
		time.Sleep(20 * time.Millisecond)
		return true, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !did {
		t.Errorf("working op reported idle")
	}
	// 30ms deadline with 20ms units: the second check trips the
	// deadline, so the op cannot run many more times.
	if calls > 3 {
		t.Errorf("op ran %d times past a 30ms deadline", calls)
	}
}

func TestDoUntilDeadlinePropagatesError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	_, err := doUntilDeadline(context.Background(), time.Second, func(context.Context) (bool, error) {
		calls++
		if calls == 2 {
			return false, boom
		}
		return true, nil
	})
	if !errors.Is(err, boom) {
		t.Errorf("error = %v, want boom", err)
	}
}

package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestQueue_RunsInOrder(t *testing.T) {
	q := NewQueue(10, zerolog.Nop())

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	record := func(name string) Task {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			n := len(order)
			mu.Unlock()
			if n == 3 {
				close(done)
			}
			return nil
		}
	}

	for _, name := range []string{"a", "b", "c"} {
		if err := q.Enqueue(name, record(name)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tasks did not run")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Errorf("order = %v", order)
	}
}

func TestQueue_FailuresDoNotStopConsumer(t *testing.T) {
	q := NewQueue(10, zerolog.Nop())
	ran := make(chan struct{})

	_ = q.Enqueue("fails", func(context.Context) error { return errors.New("boom") })
	_ = q.Enqueue("panics", func(context.Context) error { panic("bad") })
	_ = q.Enqueue("ok", func(context.Context) error { close(ran); return nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("consumer stopped after a failing task")
	}
}

func TestQueue_Full(t *testing.T) {
	q := NewQueue(1, zerolog.Nop())
	noop := func(context.Context) error { return nil }

	if err := q.Enqueue("first", noop); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue("second", noop); !errors.Is(err, ErrQueueFull) {
		t.Errorf("err = %v, want ErrQueueFull", err)
	}
	if q.Pending() != 1 {
		t.Errorf("pending = %d, want 1", q.Pending())
	}
}

func TestQueue_ClosedAfterRun(t *testing.T) {
	q := NewQueue(1, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	q.Run(ctx)

	if err := q.Enqueue("late", func(context.Context) error { return nil }); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("err = %v, want ErrQueueClosed", err)
	}
}

func TestScheduler_SubmitsPeriodically(t *testing.T) {
	q := NewQueue(100, zerolog.Nop())
	runs := make(chan string, 100)
	job := func(name string) Job {
		return Job{Name: name, Task: func(context.Context) error {
			runs <- name
			return nil
		}}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)
	go NewScheduler(q, 10*time.Millisecond, []Job{job("github"), job("azure")}, zerolog.Nop()).Run(ctx)

	seen := map[string]int{}
	deadline := time.After(2 * time.Second)
	for seen["github"] < 2 || seen["azure"] < 2 {
		select {
		case name := <-runs:
			seen[name]++
		case <-deadline:
			t.Fatalf("runs = %v", seen)
		}
	}
}

func TestScheduler_NoInterval(t *testing.T) {
	q := NewQueue(10, zerolog.Nop())
	s := NewScheduler(q, 0, []Job{{Name: "once", Task: func(context.Context) error { return nil }}}, zerolog.Nop())

	s.Run(context.Background())
	if q.Pending() != 1 {
		t.Errorf("pending = %d, want 1", q.Pending())
	}
}

package dispatch

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestQueue_RunsTasksInOrder(t *testing.T) {
	q := NewQueue()
	defer q.Close(time.Second)

	var mu sync.Mutex
	var got []int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		i := i
		wg.Add(1)
		err := q.Submit(func() {
			defer wg.Done()
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}
	wg.Wait()

	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran out of order (got %d)", i, v)
		}
	}
}

func TestQueue_TasksNeverOverlap(t *testing.T) {
	q := NewQueue()
	defer q.Close(time.Second)

	var running, overlapped atomic.Bool
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		q.Submit(func() {
			defer wg.Done()
			if running.Swap(true) {
				overlapped.Store(true)
			}
			time.Sleep(time.Millisecond)
			running.Store(false)
		})
	}
	wg.Wait()

	if overlapped.Load() {
		t.Error("two tasks ran concurrently")
	}
}

func TestQueue_CloseDrainsPendingTasks(t *testing.T) {
	q := NewQueue()

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		if err := q.Submit(func() { ran.Add(1) }); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}
	if err := q.Close(time.Second); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if got := ran.Load(); got != 10 {
		t.Errorf("%d of 10 tasks ran before close completed", got)
	}
}

func TestQueue_SubmitAfterClose(t *testing.T) {
	q := NewQueue()
	if err := q.Close(time.Second); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := q.Submit(func() {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestQueue_CloseIsIdempotent(t *testing.T) {
	q := NewQueue()
	if err := q.Close(time.Second); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := q.Close(time.Second); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestQueue_CloseTimesOutOnStuckTask(t *testing.T) {
	q := NewQueue()
	release := make(chan struct{})
	q.Submit(func() { <-release })

	err := q.Close(50 * time.Millisecond)
	if !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("expected ErrDrainTimeout, got %v", err)
	}
	close(release)
}

func TestQueue_EveryRunsOnSchedule(t *testing.T) {
	q := NewQueue()
	defer q.Close(time.Second)

	var ticks atomic.Int32
	q.Every(10*time.Millisecond, func() { ticks.Add(1) })

	deadline := time.After(2 * time.Second)
	for ticks.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("only %d ticks after 2s", ticks.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestQueue_EveryStopsAfterClose(t *testing.T) {
	q := NewQueue()

	var ticks atomic.Int32
	q.Every(5*time.Millisecond, func() { ticks.Add(1) })
	time.Sleep(20 * time.Millisecond)

	if err := q.Close(time.Second); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	after := ticks.Load()
	time.Sleep(30 * time.Millisecond)
	if got := ticks.Load(); got != after {
		t.Errorf("ticker fired %d more times after close", got-after)
	}
}

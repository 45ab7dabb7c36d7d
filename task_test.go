package zcoroutine

import (
	"sync"
	"testing"
	"time"
)

func TestTaskQueueFIFO(t *testing.T) {
	q := NewTaskQueue()
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		q.Push(Task{Callback: func() { got = append(got, i) }})
	}
	if q.Len() != 100 {
		t.Fatalf("Len = %d, want 100", q.Len())
	}
	for i := 0; i < 100; i++ {
		task, ok := q.Pop()
		if !ok {
			t.Fatalf("Pop %d failed", i)
		}
		task.Callback()
	}
	for i := range got {
		if got[i] != i {
			t.Fatalf("out of order at %d: got %d", i, got[i])
		}
	}
}

func TestTaskQueueTryPop(t *testing.T) {
	q := NewTaskQueue()
	if _, ok := q.TryPop(); ok {
		t.Fatal("TryPop on empty queue succeeded")
	}
	q.Push(Task{Callback: func() {}})
	if _, ok := q.TryPop(); !ok {
		t.Fatal("TryPop on non-empty queue failed")
	}
	if !q.Empty() {
		t.Fatal("queue not empty after TryPop")
	}
}

func TestTaskQueueStopWakesBlockedConsumers(t *testing.T) {
	q := NewTaskQueue()
	var wg sync.WaitGroup
	results := make(chan bool, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := q.Pop()
			results <- ok
		}()
	}
	time.Sleep(50 * time.Millisecond)
	q.Stop()
	wg.Wait()
	close(results)
	for ok := range results {
		if ok {
			t.Error("Pop on stopped empty queue returned a task")
		}
	}
}

func TestTaskQueuePushAfterStopDrains(t *testing.T) {
	q := NewTaskQueue()
	q.Stop()
	if !q.Stopped() {
		t.Fatal("Stopped() = false after Stop")
	}

	// Push still succeeds after Stop so producers can finish.
	q.Push(Task{Callback: func() {}})
	task, ok := q.Pop()
	if !ok || !task.Valid() {
		t.Fatal("queued task not returned after Stop")
	}
	// Once empty, Pop reports failure.
	if _, ok := q.Pop(); ok {
		t.Fatal("Pop on stopped empty queue succeeded")
	}
}

func TestTaskValid(t *testing.T) {
	if (Task{}).Valid() {
		t.Error("zero task reported valid")
	}
	if !(Task{Callback: func() {}}).Valid() {
		t.Error("callback task reported invalid")
	}
	if !(Task{Fiber: NewFiber(nil, 0, "")}).Valid() {
		t.Error("fiber task reported invalid")
	}
}

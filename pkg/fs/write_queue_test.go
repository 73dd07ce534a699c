package fs_test

import (
	"sync"
	"testing"

	"github.com/calvinalkan/gonyc/pkg/fs"
)

func Test_WriteQueue_Grants_Slots_In_Arrival_Order(t *testing.T) {
	t.Parallel()

	const waiters = 4

	q := fs.NewWriteQueue()
	release := q.Acquire("/x")

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)

	for i := range waiters {
		wg.Add(1)

		go func() {
			defer wg.Done()

			rel := q.Acquire("/x")

			mu.Lock()
			order = append(order, i)
			mu.Unlock()

			rel()
		}()

		waitFor(t, func() bool { return q.Pending("/x") == i+2 })
	}

	release()
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("order=%v, want ascending", order)
		}
	}

	if got, want := q.Len(), 0; got != want {
		t.Fatalf("Len=%d, want=%d", got, want)
	}
}

func Test_WriteQueue_Different_Paths_Do_Not_Wait(t *testing.T) {
	t.Parallel()

	q := fs.NewWriteQueue()
	relA := q.Acquire("/a")
	relB := q.Acquire("/b")

	if got, want := q.Len(), 2; got != want {
		t.Fatalf("Len=%d, want=%d", got, want)
	}

	relA()
	relB()

	if got, want := q.Len(), 0; got != want {
		t.Fatalf("Len=%d, want=%d", got, want)
	}
}

func Test_WriteQueue_Release_Is_Idempotent(t *testing.T) {
	t.Parallel()

	q := fs.NewWriteQueue()
	rel := q.Acquire("/a")
	rel()
	rel()

	if got, want := q.Pending("/a"), 0; got != want {
		t.Fatalf("Pending=%d, want=%d", got, want)
	}

	// The slot is free again.
	q.Acquire("/a")()
}

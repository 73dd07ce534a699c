package pmap_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/calvinalkan/gonyc/internal/pmap"
)

func Test_Map_Preserves_Input_Order(t *testing.T) {
	t.Parallel()

	items := []int{5, 1, 4, 2, 3}

	got, err := pmap.Map(context.Background(), items, 3, func(_ context.Context, n int) (int, error) {
		time.Sleep(time.Duration(n) * time.Millisecond)

		return n * 10, nil
	})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	if diff := cmp.Diff([]int{50, 10, 40, 20, 30}, got); diff != "" {
		t.Fatalf("results mismatch (-want +got):\n%s", diff)
	}
}

func Test_Map_Never_Exceeds_Limit(t *testing.T) {
	t.Parallel()

	const limit = 2

	var inFlight, peak atomic.Int64

	items := make([]int, 20)

	_, err := pmap.Map(context.Background(), items, limit, func(context.Context, int) (int, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}

		time.Sleep(time.Millisecond)
		inFlight.Add(-1)

		return 0, nil
	})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	if got := peak.Load(); got > limit {
		t.Fatalf("peak concurrency=%d, want <= %d", got, limit)
	}
}

func Test_Map_Returns_First_Error_And_Cancels_Rest(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")

	var started atomic.Int64

	items := make([]int, 100)
	items[0] = 1

	_, err := pmap.Map(context.Background(), items, 1, func(_ context.Context, n int) (int, error) {
		started.Add(1)

		if n == 1 {
			return 0, boom
		}

		return 0, nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v, want=%v", err, boom)
	}

	if got := started.Load(); got >= int64(len(items)) {
		t.Fatalf("started=%d, want fewer than %d after failure", got, len(items))
	}
}

func Test_Each_Zero_Limit_Runs_Sequentially(t *testing.T) {
	t.Parallel()

	var order []int

	err := pmap.Each(context.Background(), []int{1, 2, 3}, 0, func(_ context.Context, n int) error {
		order = append(order, n)

		return nil
	})
	if err != nil {
		t.Fatalf("Each: %v", err)
	}

	if diff := cmp.Diff([]int{1, 2, 3}, order); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}

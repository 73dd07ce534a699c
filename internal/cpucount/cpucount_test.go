package cpucount

import (
	"errors"
	"runtime"
	"syscall"
	"testing"
)

func Test_Count_Is_At_Least_One(t *testing.T) {
	t.Parallel()

	if got := Count(); got < 1 {
		t.Fatalf("Count()=%d, want >= 1", got)
	}
}

func Test_Resolve_Returns_One_On_Permission_Error(t *testing.T) {
	t.Parallel()

	got := resolve(func() (int, error) { return 0, syscall.EPERM })

	if want := 1; got != want {
		t.Fatalf("resolve()=%d, want=%d", got, want)
	}
}

func Test_Resolve_Falls_Back_To_NumCPU_On_Other_Errors(t *testing.T) {
	t.Parallel()

	got := resolve(func() (int, error) { return 0, errors.New("boom") })

	if want := runtime.NumCPU(); got != want {
		t.Fatalf("resolve()=%d, want=%d", got, want)
	}
}

func Test_Resolve_Clamps_Zero_To_One(t *testing.T) {
	t.Parallel()

	if got, want := resolve(func() (int, error) { return 0, nil }), 1; got != want {
		t.Fatalf("resolve()=%d, want=%d", got, want)
	}
}

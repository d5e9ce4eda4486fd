package ports

import (
	"errors"
	"testing"
)

func TestAcquireAscendingOrder(t *testing.T) {
	t.Parallel()
	a, err := New(4464, 4)
	if err != nil {
		t.Fatalf("new allocator: %v", err)
	}

	for i := 0; i < 4; i++ {
		p, err := a.Acquire()
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if p != 4464+i {
			t.Fatalf("expected port %d, got %d", 4464+i, p)
		}
	}
}

func TestAcquireExhausted(t *testing.T) {
	t.Parallel()
	a, err := New(4464, 2)
	if err != nil {
		t.Fatalf("new allocator: %v", err)
	}
	if _, err := a.Acquire(); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := a.Acquire(); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := a.Acquire(); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
}

func TestReleaseReusesLowestPort(t *testing.T) {
	t.Parallel()
	a, err := New(4464, 3)
	if err != nil {
		t.Fatalf("new allocator: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := a.Acquire(); err != nil {
			t.Fatalf("acquire: %v", err)
		}
	}

	a.Release(4465)
	p, err := a.Acquire()
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if p != 4465 {
		t.Fatalf("expected freed port 4465, got %d", p)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	t.Parallel()
	a, err := New(4464, 2)
	if err != nil {
		t.Fatalf("new allocator: %v", err)
	}
	p, err := a.Acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	a.Release(p)
	a.Release(p)       // double release
	a.Release(9999)    // out of range
	a.Release(4465)    // never acquired

	if got := a.InUse(); len(got) != 0 {
		t.Fatalf("expected empty in-use set, got %v", got)
	}
}

func TestInUseSortedSnapshot(t *testing.T) {
	t.Parallel()
	a, err := New(4464, 5)
	if err != nil {
		t.Fatalf("new allocator: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := a.Acquire(); err != nil {
			t.Fatalf("acquire: %v", err)
		}
	}
	a.Release(4465)

	got := a.InUse()
	if len(got) != 2 || got[0] != 4464 || got[1] != 4466 {
		t.Fatalf("unexpected in-use ports: %v", got)
	}
	if a.Capacity() != 5 {
		t.Fatalf("expected capacity 5, got %d", a.Capacity())
	}
}

func TestNewValidatesRange(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct{ base, size int }{
		{0, 10},
		{4464, 0},
		{65530, 100},
	} {
		if _, err := New(tc.base, tc.size); err == nil {
			t.Fatalf("expected error for range base=%d size=%d", tc.base, tc.size)
		}
	}
}

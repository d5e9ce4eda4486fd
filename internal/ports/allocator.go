// Package ports hands out UDP ports for transport processes from a
// bounded contiguous range. The allocator is the single owner of the
// in-use set; the room registry maps each allocated port to exactly one
// live room.
package ports

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrExhausted is returned when every port in the range is in use.
var ErrExhausted = errors.New("no free transport ports available")

// Allocator tracks in-use UDP ports in [base, base+size).
// All methods are safe for concurrent use and never perform I/O.
type Allocator struct {
	mu    sync.Mutex
	base  int
	size  int
	inUse map[int]struct{}
}

// New creates an allocator over [base, base+size). size must be positive.
func New(base, size int) (*Allocator, error) {
	if base <= 0 || size <= 0 || base+size > 65536 {
		return nil, fmt.Errorf("invalid port range [%d, %d)", base, base+size)
	}
	return &Allocator{
		base:  base,
		size:  size,
		inUse: make(map[int]struct{}),
	}, nil
}

// Acquire reserves and returns the lowest free port in the range.
func (a *Allocator) Acquire() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for p := a.base; p < a.base+a.size; p++ {
		if _, used := a.inUse[p]; !used {
			a.inUse[p] = struct{}{}
			return p, nil
		}
	}
	return 0, ErrExhausted
}

// Release marks a port free again. Releasing a free or out-of-range port
// is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inUse, port)
}

// InUse returns a sorted snapshot of the allocated ports.
func (a *Allocator) InUse() []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]int, 0, len(a.inUse))
	for p := range a.inUse {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// Capacity returns the total size of the pool.
func (a *Allocator) Capacity() int {
	return a.size
}

// Package index provides an allocator of small integer indices, used to bind
// simulated clients to login identities.
package index

import (
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// Allocator hands out the lowest free index. It grows past its initial size
// on demand. The zero value is not usable; call Init first.
type Allocator struct {
	mu    sync.Mutex
	used  *bitset.BitSet
	count uint
}

// New returns an allocator initialized for size indices.
func New(size uint) *Allocator {
	a := &Allocator{}
	a.Init(size)
	return a
}

// Init resets the allocator and pre-sizes it for size indices.
func (a *Allocator) Init(size uint) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.used = bitset.New(size)
	a.count = 0
}

// Assign returns the lowest unassigned index.
func (a *Allocator) Assign() uint {
	a.mu.Lock()
	defer a.mu.Unlock()

	i, ok := a.used.NextClear(0)
	if !ok {
		i = a.used.Len()
	}
	a.used.Set(i)
	a.count++
	return i
}

// Release returns i to the pool. Releasing an index that is not assigned is
// a no-op.
func (a *Allocator) Release(i uint) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.used == nil || !a.used.Test(i) {
		return
	}
	a.used.Clear(i)
	a.count--
}

// InUse returns the number of assigned indices.
func (a *Allocator) InUse() uint {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// Teardown releases every index and drops the backing storage.
func (a *Allocator) Teardown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.used = bitset.New(0)
	a.count = 0
}

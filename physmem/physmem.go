// Copyright (C) 2024-2026  The Managarm Authors.
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// You can also Link and Combine this program with other software covered by
// the terms of any of the Free Software licenses or any of the Open Source
// Initiative approved licenses and Convey the resulting work. Corresponding
// source of such a combination shall include the source code for all other
// software used.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.

// Package physmem provides the process-wide physical page pool.
//
// Physical memory is modelled as offsets into one contiguous arena. A view
// owns the ranges it allocated and frees them back explicitly; the pool never
// reclaims on its own. Access() yields a transient byte window onto a
// physical range for the duration of one copy.
package physmem

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/johncgriffin/overflow"
	"github.com/pkg/errors"
)

const (
	// PageShift/PageSize fix the page granularity of the whole subsystem.
	PageShift = 12
	PageSize  = 1 << PageShift
)

// Addr is a physical address inside the pool.
type Addr uint64

// NoAddr denotes "no physical backing".
const NoAddr = Addr(math.MaxUint64)

// ErrNoMemory is returned by Allocate when no free range satisfies the request.
var ErrNoMemory = errors.New("out of physical memory")

// Accessor maps physical ranges to transient byte windows.
type Accessor interface {
	// Access returns a transient window onto [p, p+size). The window stays
	// valid only while the caller is known to own the range.
	Access(p Addr, size uint64) []byte
}

// Pool is the allocator interface consumed by memory views.
//
// addressBits constrains where the allocation may land: the returned range
// must be fully addressable with that many bits (e.g. 32 for legacy DMA).
// Allocated memory is zeroed.
type Pool interface {
	Accessor

	Allocate(addressBits int, size, align uint64) (Addr, error)
	Free(p Addr, size uint64)
}

// Arena is the concrete Pool: a fixed byte arena with a first-fit free list.
type Arena struct {
	mu    sync.Mutex
	mem   []byte
	freev []span // sorted by addr, coalesced
	inUse uint64
}

type span struct {
	addr Addr
	size uint64
}

// NewArena creates an arena of size bytes. size must be a multiple of PageSize.
func NewArena(size uint64) *Arena {
	if size == 0 || size%PageSize != 0 || size > math.MaxInt64 {
		panic(fmt.Sprintf("physmem: invalid arena size %d", size))
	}
	return &Arena{
		mem:   make([]byte, size),
		freev: []span{{addr: 0, size: size}},
	}
}

// Allocate carves a zeroed range out of the arena.
func (a *Arena) Allocate(addressBits int, size, align uint64) (Addr, error) {
	if size == 0 || align == 0 || align&(align-1) != 0 {
		panic(fmt.Sprintf("physmem: invalid allocation size=%d align=%d", size, align))
	}

	limit := int64(math.MaxInt64)
	if addressBits < 63 {
		limit = int64(1) << addressBits
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for i, f := range a.freev {
		head, ok := overflow.Add64(int64(f.addr), int64(align)-1)
		if !ok {
			continue
		}
		addr := Addr(head &^ (int64(align) - 1))
		end, ok := overflow.Add64(int64(addr), int64(size))
		if !ok || end > int64(f.addr)+int64(f.size) || end > limit {
			continue
		}

		// split the free span around [addr, end)
		a.freev = append(a.freev[:i], a.freev[i+1:]...)
		if addr > f.addr {
			a.insertFree(span{addr: f.addr, size: uint64(addr - f.addr)})
		}
		if tail := f.addr + Addr(f.size) - Addr(end); tail > 0 {
			a.insertFree(span{addr: Addr(end), size: uint64(tail)})
		}

		w := a.mem[addr:end]
		for j := range w {
			w[j] = 0
		}
		a.inUse += size
		return addr, nil
	}

	return NoAddr, errors.WithMessagef(ErrNoMemory, "allocate %d bytes (align %d, %d address bits)", size, align, addressBits)
}

// Free returns [p, p+size) to the arena.
func (a *Arena) Free(p Addr, size uint64) {
	if p == NoAddr || size == 0 {
		panic("physmem: freeing invalid range")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.inUse < size {
		panic("physmem: free of range that was not allocated")
	}
	a.inUse -= size
	a.insertFree(span{addr: p, size: size})
}

// insertFree inserts s into freev keeping it sorted and coalesced.
// Must be called with a.mu held.
func (a *Arena) insertFree(s span) {
	i := sort.Search(len(a.freev), func(i int) bool {
		return a.freev[i].addr > s.addr
	})

	// merge with predecessor
	if i > 0 {
		prev := &a.freev[i-1]
		if prev.addr+Addr(prev.size) == s.addr {
			prev.size += s.size
			// maybe also merge with successor
			if i < len(a.freev) && prev.addr+Addr(prev.size) == a.freev[i].addr {
				prev.size += a.freev[i].size
				a.freev = append(a.freev[:i], a.freev[i+1:]...)
			}
			return
		}
	}

	// merge with successor
	if i < len(a.freev) && s.addr+Addr(s.size) == a.freev[i].addr {
		a.freev[i].addr = s.addr
		a.freev[i].size += s.size
		return
	}

	a.freev = append(a.freev, span{})
	copy(a.freev[i+1:], a.freev[i:])
	a.freev[i] = s
}

// Access implements Pool.
func (a *Arena) Access(p Addr, size uint64) []byte {
	if p == NoAddr || uint64(p)+size > uint64(len(a.mem)) {
		panic(fmt.Sprintf("physmem: access outside arena: %#x +%d", p, size))
	}
	return a.mem[p : uint64(p)+size : uint64(p)+size]
}

// Size returns the total arena size in bytes.
func (a *Arena) Size() uint64 {
	return uint64(len(a.mem))
}

// InUse returns the number of currently allocated bytes.
func (a *Arena) InUse() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}

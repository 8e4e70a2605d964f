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

package memview

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"lab.nexedi.com/kirr/go123/xerr"

	"github.com/sarvex/managarm/physmem"
)

// AllocatedOptions tune where the chunks of an AllocatedView may land.
type AllocatedOptions struct {
	// AddressBits caps the physical addresses of the chunks
	// (e.g. 32 for legacy DMA). 0 means no cap.
	AddressBits int

	// ChunkSize is the allocation granularity, an integer multiple of the
	// page size. 0 means one page.
	ChunkSize uint64

	// ChunkAlign is the physical alignment of each chunk.
	// 0 means page alignment.
	ChunkAlign uint64
}

func (o *AllocatedOptions) fillDefaults() {
	if o.AddressBits == 0 {
		o.AddressBits = 64
	}
	if o.ChunkSize == 0 {
		o.ChunkSize = PageSize
	}
	if o.ChunkAlign == 0 {
		o.ChunkAlign = PageSize
	}
}

// AllocatedView is anonymous memory: a vector of lazily allocated chunks.
// A fetch of an unbacked chunk allocates it zeroed. Resize grows by
// appending unbacked entries and shrinks by evicting and releasing chunks.
type AllocatedView struct {
	defaultView

	mu     sync.Mutex
	pool   physmem.Pool
	chunks []physmem.Addr // physmem.NoAddr = not yet allocated
	length uint64
	opt    AllocatedOptions
}

func NewAllocatedView(pool physmem.Pool, length uint64, opt AllocatedOptions) (*AllocatedView, error) {
	opt.fillDefaults()
	if err := checkLength(length); err != nil {
		return nil, err
	}
	if opt.ChunkSize%PageSize != 0 || opt.ChunkAlign == 0 || opt.ChunkAlign&(opt.ChunkAlign-1) != 0 {
		return nil, errors.WithMessagef(ErrFault, "invalid chunk geometry size=%d align=%d", opt.ChunkSize, opt.ChunkAlign)
	}

	v := &AllocatedView{
		defaultView: defaultView{evictq: &EvictionQueue{}},
		pool:        pool,
		length:      length,
		opt:         opt,
	}
	v.chunks = makeUnbacked(chunkCount(length, opt.ChunkSize))
	return v, nil
}

func chunkCount(length, chunkSize uint64) int {
	return int((length + chunkSize - 1) / chunkSize)
}

func makeUnbacked(n int) []physmem.Addr {
	cv := make([]physmem.Addr, n)
	for i := range cv {
		cv[i] = physmem.NoAddr
	}
	return cv
}

func (v *AllocatedView) Length() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.length
}

func (v *AllocatedView) AddressIdentity(offset uint64) (AddressIdentity, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := checkRange(offset, 1, v.length); err != nil {
		return AddressIdentity{}, err
	}
	return AddressIdentity{Object: v, Offset: offset}, nil
}

// Anonymous pages are only ever evicted by a shrinking resize, which
// invalidates the range wholesale; individual range locks have nothing to
// pin beyond what the length already guarantees.
func (v *AllocatedView) LockRange(offset, size uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return checkRange(offset, size, v.length)
}

func (v *AllocatedView) AsyncLockRange(ctx context.Context, offset, size uint64) error {
	return v.LockRange(offset, size)
}

func (v *AllocatedView) UnlockRange(offset, size uint64) {}

func (v *AllocatedView) PeekRange(offset uint64) (PhysicalRange, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if checkRange(offset, 1, v.length) != nil {
		return PhysicalRange{}, false
	}
	aligned := pageFloor(offset)
	ci := int(aligned / v.opt.ChunkSize)
	if v.chunks[ci] == physmem.NoAddr {
		return PhysicalRange{}, false
	}
	inChunk := aligned % v.opt.ChunkSize
	return PhysicalRange{
		Addr: v.chunks[ci] + physmem.Addr(inChunk),
		Size: v.opt.ChunkSize - inChunk,
		Mode: CacheWriteBack,
	}, true
}

func (v *AllocatedView) FetchRange(ctx context.Context, offset uint64) (rng PhysicalRange, err error) {
	defer xerr.Contextf(&err, "allocated view: fetch %#x", offset)

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := checkRange(offset, 1, v.length); err != nil {
		return PhysicalRange{}, err
	}
	aligned := pageFloor(offset)
	ci := int(aligned / v.opt.ChunkSize)
	if v.chunks[ci] == physmem.NoAddr {
		p, err := v.pool.Allocate(v.opt.AddressBits, v.opt.ChunkSize, v.opt.ChunkAlign)
		if err != nil {
			return PhysicalRange{}, errors.WithMessagef(ErrOutOfMemory, "chunk %d: %s", ci, err)
		}
		v.chunks[ci] = p
	}
	inChunk := aligned % v.opt.ChunkSize
	return PhysicalRange{
		Addr: v.chunks[ci] + physmem.Addr(inChunk),
		Size: v.opt.ChunkSize - inChunk,
		Mode: CacheWriteBack,
	}, nil
}

// Resize grows by appending unbacked chunk entries, or shrinks by first
// posting an eviction for the removed range, waiting for every observer to
// acknowledge, and only then releasing the chunks.
func (v *AllocatedView) Resize(ctx context.Context, newSize uint64) (err error) {
	defer xerr.Contextf(&err, "allocated view: resize -> %d", newSize)

	if err := checkLength(newSize); err != nil {
		return err
	}

	v.mu.Lock()
	oldSize := v.length
	if newSize >= oldSize {
		n := chunkCount(newSize, v.opt.ChunkSize)
		for len(v.chunks) < n {
			v.chunks = append(v.chunks, physmem.NoAddr)
		}
		v.length = newSize
		v.mu.Unlock()
		return nil
	}
	v.mu.Unlock()

	// shrink: nobody may still use the removed pages when we free them
	if err := v.evictq.EvictRange(ctx, pageFloor(newSize), pageCeil(oldSize)-pageFloor(newSize)); err != nil {
		return err
	}

	v.mu.Lock()
	keep := chunkCount(newSize, v.opt.ChunkSize)
	for i := keep; i < len(v.chunks); i++ {
		if v.chunks[i] != physmem.NoAddr {
			v.pool.Free(v.chunks[i], v.opt.ChunkSize)
		}
	}
	v.chunks = v.chunks[:keep]
	v.length = newSize
	v.mu.Unlock()
	return nil
}

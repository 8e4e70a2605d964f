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

// Copy-on-write
//
// A CopyOnWriteView snapshots a window of a source view. Forking pushes a
// fresh CowChain node: the forking view's private pages migrate into that
// node, both siblings continue from it, and from then on the node is
// immutable. Resolving a page therefore walks: the view's own pages, then
// each chain node from nearest to furthest, then the source view; the first
// match wins, and nothing upstream can change.
//
// The chain is a list (a tree across many forks), never a cycle: views
// reference their chain, chain nodes reference their super-chain, and
// children never reference descendants.

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"lab.nexedi.com/kirr/go123/xerr"

	"github.com/sarvex/managarm/internal/radix"
	"github.com/sarvex/managarm/physmem"
)

// CowChain is one fork generation: an immutable per-snapshot page map.
type CowChain struct {
	mu    sync.Mutex
	super *CowChain
	// page index -> physical address of the snapshot copy
	pages radix.Tree[physmem.Addr]
}

// lookup returns the snapshot copy of page idx in this node, if any.
func (c *CowChain) lookup(idx uint64) (physmem.Addr, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.pages.Lookup(idx)
	if p == nil {
		return physmem.NoAddr, false
	}
	return *p, true
}

// cowState tracks the per-page copy-up progress.
type cowState int

const (
	cowNull cowState = iota
	cowInProgress // some task is copying the page up right now
	cowHasCopy
)

// cowPage is one page of a CopyOnWriteView.
type cowPage struct {
	physical  physmem.Addr
	state     cowState
	lockCount int
}

// CopyOnWriteView provides fork-time snapshots of a source view with lazy
// per-page copy-up.
type CopyOnWriteView struct {
	defaultView

	mu   sync.Mutex
	pool physmem.Pool

	source       View
	sourceOffset uint64
	length       uint64

	chain *CowChain // may be nil before the first fork
	owned radix.Tree[cowPage]

	// signalled when a copy-up completes or a page lock drains, so
	// waiters (and Fork) recheck
	copyEvent event
}

// NewCopyOnWriteView snapshots length bytes at offset of source.
// offset and length must be page-aligned.
func NewCopyOnWriteView(pool physmem.Pool, source View, offset, length uint64) (*CopyOnWriteView, error) {
	if err := checkLength(length); err != nil {
		return nil, err
	}
	if offset%PageSize != 0 || length%PageSize != 0 {
		return nil, errors.WithMessagef(ErrFault, "cow window [%#x +%d) not page aligned", offset, length)
	}
	if err := checkRange(offset, length, source.Length()); err != nil {
		return nil, err
	}
	return &CopyOnWriteView{
		defaultView:  defaultView{evictq: &EvictionQueue{}},
		pool:         pool,
		source:       source,
		sourceOffset: offset,
		length:       length,
	}, nil
}

func (v *CopyOnWriteView) Length() uint64 { return v.length }

func (v *CopyOnWriteView) AddressIdentity(offset uint64) (AddressIdentity, error) {
	if err := checkRange(offset, 1, v.length); err != nil {
		return AddressIdentity{}, err
	}
	return AddressIdentity{Object: v, Offset: offset}, nil
}

// Fork produces a sibling observing the view's current contents.
//
// The view's private pages move into a fresh chain node shared by both
// siblings, so neither can see the other's future writes. Fork waits until
// no page is mid-copy-up and no range lock is outstanding: a locked page
// may be written through an existing mapping, and such writes must not leak
// into the snapshot.
func (v *CopyOnWriteView) Fork(ctx context.Context) (_ View, err error) {
	defer xerr.Context(&err, "cow view: fork")

	for {
		v.mu.Lock()
		busy := false
		v.owned.ForEach(func(idx uint64, p *cowPage) bool {
			if p.state == cowInProgress || p.lockCount > 0 {
				busy = true
				return false
			}
			return true
		})
		if !busy {
			break
		}
		ch := v.copyEvent.wait()
		v.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		}
	}
	// v.mu held, nothing in progress

	newChain := &CowChain{super: v.chain}
	var migrated []uint64
	v.owned.ForEach(func(idx uint64, p *cowPage) bool {
		if p.state == cowHasCopy {
			phys := p.physical
			newChain.pages.Insert(idx, &phys)
			migrated = append(migrated, idx)
		}
		return true
	})
	for _, idx := range migrated {
		v.owned.Delete(idx)
	}
	v.chain = newChain

	child := &CopyOnWriteView{
		defaultView:  defaultView{evictq: &EvictionQueue{}},
		pool:         v.pool,
		source:       v.source,
		sourceOffset: v.sourceOffset,
		length:       v.length,
		chain:        newChain,
	}
	v.mu.Unlock()
	return child, nil
}

// ensureCopy resolves page idx to this view's private copy, performing the
// copy-up if needed and optionally taking a range-lock count on it.
func (v *CopyOnWriteView) ensureCopy(ctx context.Context, idx uint64, lock bool) (physmem.Addr, error) {
	for {
		v.mu.Lock()
		p := v.owned.Lookup(idx)
		if p != nil && p.state == cowHasCopy {
			if lock {
				p.lockCount++
			}
			phys := p.physical
			v.mu.Unlock()
			return phys, nil
		}
		if p != nil && p.state == cowInProgress {
			// someone else is copying this page up: wait and recheck
			ch := v.copyEvent.wait()
			v.mu.Unlock()
			select {
			case <-ctx.Done():
				return physmem.NoAddr, ctx.Err()
			case <-ch:
			}
			continue
		}

		if p == nil {
			p = &cowPage{physical: physmem.NoAddr}
			v.owned.Insert(idx, p)
		}
		p.state = cowInProgress
		chain := v.chain
		v.mu.Unlock()

		phys, err := v.copyUp(ctx, idx, chain)

		v.mu.Lock()
		if err != nil {
			p.state = cowNull
			v.copyEvent.bump()
			v.mu.Unlock()
			return physmem.NoAddr, err
		}
		p.physical = phys
		p.state = cowHasCopy
		if lock {
			p.lockCount++
		}
		v.copyEvent.bump()
		v.mu.Unlock()
		return phys, nil
	}
}

// copyUp allocates a private page for idx and fills it from the first
// ancestor that has a copy, or from the source view if no ancestor does.
// Runs without v.mu held.
func (v *CopyOnWriteView) copyUp(ctx context.Context, idx uint64, chain *CowChain) (_ physmem.Addr, err error) {
	defer xerr.Contextf(&err, "copy-up page %#x", idx*PageSize)

	phys, aerr := v.pool.Allocate(64, PageSize, PageSize)
	if aerr != nil {
		return physmem.NoAddr, errors.WithMessagef(ErrOutOfMemory, "%s", aerr)
	}
	dst := v.pool.Access(phys, PageSize)

	// nearest ancestor first; chain nodes are immutable, the first match
	// is the value as of our snapshot
	for c := chain; c != nil; c = c.super {
		if src, ok := c.lookup(idx); ok {
			copy(dst, v.pool.Access(src, PageSize))
			return phys, nil
		}
	}

	// no ancestor copy: read through from the source view
	srcOff := v.sourceOffset + idx*PageSize
	if lerr := v.source.AsyncLockRange(ctx, srcOff, PageSize); lerr != nil {
		v.pool.Free(phys, PageSize)
		return physmem.NoAddr, lerr
	}
	defer v.source.UnlockRange(srcOff, PageSize)

	rng, ferr := v.source.FetchRange(ctx, srcOff)
	if ferr != nil {
		v.pool.Free(phys, PageSize)
		return physmem.NoAddr, ferr
	}
	n := minu64(PageSize, rng.Size)
	copy(dst, v.pool.Access(rng.Addr, n))
	return phys, nil
}

// LockRange is the blocking flavour of AsyncLockRange.
func (v *CopyOnWriteView) LockRange(offset, size uint64) error {
	return v.AsyncLockRange(context.Background(), offset, size)
}

// AsyncLockRange secures private copies of every page in the range and pins
// them. On a mid-range failure the pages locked so far are released in
// reverse before the error surfaces.
func (v *CopyOnWriteView) AsyncLockRange(ctx context.Context, offset, size uint64) (err error) {
	defer xerr.Contextf(&err, "cow view: lock [%#x +%d)", offset, size)

	if err := checkRange(offset, size, v.length); err != nil {
		return err
	}
	if size == 0 {
		return nil
	}

	first := pageFloor(offset) >> PageShift
	end := pageCeil(offset+size) >> PageShift
	for idx := first; idx < end; idx++ {
		if _, err := v.ensureCopy(ctx, idx, true); err != nil {
			for undo := idx; undo > first; undo-- {
				v.unlockPage(undo - 1)
			}
			return err
		}
	}
	return nil
}

func (v *CopyOnWriteView) unlockPage(idx uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	p := v.owned.Lookup(idx)
	if p == nil || p.lockCount == 0 {
		panicf("BUG: cow view: unbalanced unlock of page %#x", idx*PageSize)
	}
	p.lockCount--
	if p.lockCount == 0 {
		v.copyEvent.bump() // a fork may be waiting for locks to drain
	}
}

func (v *CopyOnWriteView) UnlockRange(offset, size uint64) {
	if size == 0 {
		return
	}
	first := pageFloor(offset) >> PageShift
	end := pageCeil(offset+size) >> PageShift
	for idx := first; idx < end; idx++ {
		v.unlockPage(idx)
	}
}

// PeekRange reports only this view's private copies: pages still shared
// with ancestors or the source have no backing of their own yet.
func (v *CopyOnWriteView) PeekRange(offset uint64) (PhysicalRange, bool) {
	if checkRange(offset, 1, v.length) != nil {
		return PhysicalRange{}, false
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	p := v.owned.Lookup(pageFloor(offset) >> PageShift)
	if p == nil || p.state != cowHasCopy {
		return PhysicalRange{}, false
	}
	return PhysicalRange{Addr: p.physical, Size: PageSize, Mode: CacheWriteBack}, true
}

// FetchRange makes page private to this view: mappings obtained through a
// cow view are writable, so fetching is what triggers the copy-up.
func (v *CopyOnWriteView) FetchRange(ctx context.Context, offset uint64) (rng PhysicalRange, err error) {
	defer xerr.Contextf(&err, "cow view: fetch %#x", offset)

	if err := checkRange(offset, 1, v.length); err != nil {
		return PhysicalRange{}, err
	}
	phys, err := v.ensureCopy(ctx, pageFloor(offset)>>PageShift, false)
	if err != nil {
		return PhysicalRange{}, err
	}
	return PhysicalRange{Addr: phys, Size: PageSize, Mode: CacheWriteBack}, nil
}

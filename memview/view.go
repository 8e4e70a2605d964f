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

// Package memview implements the memory objects that back address-space
// mappings: views of addressable bytes together with the machinery for
// paging, caching, copy-on-write and eviction.
//
// Intro
//
// A View is a logical window of bytes. An address space resolves a virtual
// offset to physical backing by calling PeekRange (non-blocking) or
// FetchRange (may suspend), holding LockRange across the useful life of the
// mapping. How backing is produced depends on the concrete view:
//
//	HardwareView	- fixed physical window, no paging
//	AllocatedView	- anonymous chunk-allocated memory
//	FrontalView	- user-facing half of a pager-managed ManagedSpace
//	BackingView	- pager-facing half of the same ManagedSpace
//	IndirectView	- slot table forwarding ranges to other views
//	CopyOnWriteView	- fork-time snapshot with lazy per-page copy-up
//
// Eviction flows the other way: the Reclaimer picks a least-recently-used
// CachePage, its owner posts a range eviction through the view's
// EvictionQueue, and only after every attached Observer has acknowledged the
// range may the physical page be released. A stuck observer therefore stalls
// eviction on that queue; the alternative is use-after-unmap.
//
// Locking
//
// Every view holds a single mutex guarding its state. Taking another view's
// mutex while one is held follows a strict order:
//
//	CopyOnWriteView -> chain node -> source view
//	IndirectView -> child view
//	view -> Reclaimer -> (nothing)
//	view -> physmem pool
//
// No reverse acquisition. The page table inside ManagedSpace is read
// concurrently without the view mutex (see internal/radix); writers take the
// view mutex.
package memview

import (
	"context"
	"math"

	"github.com/johncgriffin/overflow"
	"github.com/pkg/errors"

	"github.com/sarvex/managarm/physmem"
)

// PageShift/PageSize alias the subsystem-wide page granularity.
const (
	PageShift = physmem.PageShift
	PageSize  = physmem.PageSize
)

// CachingMode selects how mappings of a physical range are cached.
type CachingMode int

const (
	CacheWriteBack CachingMode = iota
	CacheWriteCombine
	CacheWriteThrough
	CacheUncached
)

// PhysicalRange is the backing of (part of) a view: a physical address, the
// number of contiguous bytes reachable from it, and the caching mode.
type PhysicalRange struct {
	Addr physmem.Addr
	Size uint64
	Mode CachingMode
}

// AddressIdentity identifies one byte of memory for the futex subsystem.
//
// Two equal identities refer to the same byte for as long as both views
// exist; distinct offsets of the same view yield distinct identities. An
// IndirectView hands out its child's identity, so two of its slots bound to
// the same child bytes yield equal identities for distinct offsets.
type AddressIdentity struct {
	Object interface{}
	Offset uint64
}

// ManageKind is the kind of work a pager is asked to perform.
type ManageKind int

const (
	ManageInitialize ManageKind = iota + 1
	ManageWriteback
)

func (k ManageKind) String() string {
	switch k {
	case ManageInitialize:
		return "initialize"
	case ManageWriteback:
		return "writeback"
	}
	return "<invalid manage kind>"
}

// ManageRequest is one unit of pager work yielded by SubmitManage.
// Offset and Size are page-aligned.
type ManageRequest struct {
	Kind   ManageKind
	Offset uint64
	Size   uint64
}

// Error taxonomy. Callers discriminate with errors.Cause / errors.Is; the
// verbs wrap these with context.
var (
	// ErrFault - argument out of range, unaligned where alignment is
	// required, or indirection slot unassigned.
	ErrFault = errors.New("fault")

	// ErrIllegalObject - verb not implemented by this view variant.
	ErrIllegalObject = errors.New("illegal object")

	// ErrOutOfMemory - allocation or eviction could not satisfy demand.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrBufferTooSmall - transfer destination insufficient.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrNoSuchResource - underlying object destroyed concurrently.
	ErrNoSuchResource = errors.New("no such resource")
)

// View is the verb set every memory object exposes.
//
// Verbs that may suspend take a Context: FetchRange, AsyncLockRange, Resize,
// Fork, SubmitManage, SubmitInitiateLoad. The rest never block. A variant
// that does not support a verb returns ErrIllegalObject.
type View interface {
	// Length returns the byte length of the view. Monotone except across
	// a successful Resize.
	Length() uint64

	// AddressIdentity returns a stable identity for the byte at offset,
	// used as a futex hash key.
	AddressIdentity(offset uint64) (AddressIdentity, error)

	// LockRange pins every page overlapping [offset, offset+size) against
	// eviction until a matching UnlockRange. Locks nest per page; locks
	// and unlocks need not match one-to-one, they accumulate per page.
	// Locks do not force pages to be present, but once a page is present
	// it cannot be evicted while locked.
	LockRange(offset, size uint64) error

	// AsyncLockRange is LockRange honouring ctx while it has to wait
	// (only the copy-on-write variant ever does).
	AsyncLockRange(ctx context.Context, offset, size uint64) error

	// UnlockRange releases a previously locked range.
	UnlockRange(offset, size uint64)

	// PeekRange optimistically returns the physical memory backing the
	// page containing offset, or ok=false if it is not resident. The
	// caller must hold a range lock for the answer to remain valid.
	PeekRange(offset uint64) (PhysicalRange, bool)

	// FetchRange returns the physical memory backing the page containing
	// offset, making it resident first if needed. The result stays valid
	// until an eviction acknowledged by the caller's observer. Unaligned
	// offsets are aligned down; the returned range starts at the aligned
	// page and covers at least one page.
	FetchRange(ctx context.Context, offset uint64) (PhysicalRange, error)

	// MarkDirty marks every fully or partially covered page dirty. On
	// pager-managed views this queues the pages for writeback
	// (idempotent); elsewhere it is a no-op.
	MarkDirty(offset, size uint64)

	// Resize changes the view length. Shrinking first posts evictions
	// for all removed pages and waits for acknowledgement before
	// releasing physical memory.
	Resize(ctx context.Context, newSize uint64) error

	// Fork produces a sibling view observing the current contents as of
	// this call, even if the original is subsequently written.
	Fork(ctx context.Context) (View, error)

	// SubmitManage yields the next unit of pager work (backing view only).
	SubmitManage(ctx context.Context) (ManageRequest, error)

	// SubmitInitiateLoad waits until [offset, offset+size) has been
	// initialized (kind ManageInitialize) or written back (kind
	// ManageWriteback) (frontal view only).
	SubmitInitiateLoad(ctx context.Context, kind ManageKind, offset, size uint64) error

	// UpdateRange reports pager completion of initialization or
	// writeback over a range (backing view only).
	UpdateRange(kind ManageKind, offset, size uint64) error

	// SetIndirection binds a slot to (child, offset, size) (indirect
	// view only).
	SetIndirection(slot int, child View, offset, size uint64) error

	// AddObserver/RemoveObserver attach an eviction observer. On a view
	// that is not evictable they are no-ops.
	AddObserver(obs *Observer)
	RemoveObserver(obs *Observer)

	// Evictable reports whether the view can evict memory (and thus
	// whether observers see anything).
	Evictable() bool
}

// defaultView supplies the unsupported-verb defaults and the eviction-queue
// plumbing shared by all variants.
type defaultView struct {
	evictq *EvictionQueue // nil if the view never evicts
}

func (v *defaultView) AddObserver(obs *Observer) {
	if v.evictq != nil {
		v.evictq.AddObserver(obs)
	}
}

func (v *defaultView) RemoveObserver(obs *Observer) {
	if v.evictq != nil {
		v.evictq.RemoveObserver(obs)
	}
}

func (v *defaultView) Evictable() bool {
	return v.evictq != nil
}

func (v *defaultView) Resize(ctx context.Context, newSize uint64) error {
	return errors.WithMessage(ErrIllegalObject, "resize unsupported")
}

func (v *defaultView) Fork(ctx context.Context) (View, error) {
	return nil, errors.WithMessage(ErrIllegalObject, "fork unsupported")
}

func (v *defaultView) SubmitManage(ctx context.Context) (ManageRequest, error) {
	return ManageRequest{}, errors.WithMessage(ErrIllegalObject, "submitManage unsupported")
}

func (v *defaultView) SubmitInitiateLoad(ctx context.Context, kind ManageKind, offset, size uint64) error {
	return errors.WithMessage(ErrIllegalObject, "submitInitiateLoad unsupported")
}

func (v *defaultView) UpdateRange(kind ManageKind, offset, size uint64) error {
	return errors.WithMessage(ErrIllegalObject, "updateRange unsupported")
}

func (v *defaultView) SetIndirection(slot int, child View, offset, size uint64) error {
	return errors.WithMessage(ErrIllegalObject, "setIndirection unsupported")
}

func (v *defaultView) MarkDirty(offset, size uint64) {}

// ---- range helpers ----

// pageFloor/pageCeil align an offset to the page grid.
func pageFloor(offset uint64) uint64 { return offset &^ (PageSize - 1) }

func pageCeil(offset uint64) uint64 { return (offset + PageSize - 1) &^ (PageSize - 1) }

// checkRange verifies [offset, offset+size) against a view of given length.
//
// View lengths are capped at MaxInt64 on construction, so int64 arithmetic
// below cannot misbehave for in-range arguments.
func checkRange(offset, size, length uint64) error {
	if offset > math.MaxInt64 || size > math.MaxInt64 {
		return errors.WithMessagef(ErrFault, "range [%#x +%d) out of representable space", offset, size)
	}
	end, ok := overflow.Add64(int64(offset), int64(size))
	if !ok || uint64(end) > length {
		return errors.WithMessagef(ErrFault, "range [%#x +%d) exceeds view length %d", offset, size, length)
	}
	return nil
}

// checkLength validates a view length at construction time.
func checkLength(length uint64) error {
	if length > math.MaxInt64 {
		return errors.WithMessagef(ErrFault, "view length %d too large", length)
	}
	return nil
}

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

	"github.com/johncgriffin/overflow"
	"github.com/pkg/errors"
	"lab.nexedi.com/kirr/go123/xerr"
)

// IndirectView is a fixed table of slots, each either unbound or forwarding
// a window onto another view. Verbs translate the offset and forward to the
// child; an access landing in an unbound slot fails with ErrFault.
//
// Evictions of a bound child are forwarded onto the indirect view's own
// queue, translated into offsets of the indirect view, and acknowledged to the
// child only after the indirect view's observers acked in turn.
type IndirectView struct {
	defaultView

	mu       sync.Mutex
	slotSize uint64
	slots    []*indirectionSlot
}

type indirectionSlot struct {
	child  View
	offset uint64 // into child
	size   uint64

	obs    *Observer
	cancel context.CancelFunc // stops the eviction forwarder
}

func NewIndirectView(numSlots int, slotSize uint64) (*IndirectView, error) {
	if numSlots <= 0 || slotSize == 0 || slotSize%PageSize != 0 {
		return nil, errors.WithMessagef(ErrFault, "invalid slot geometry: %d slots of %d bytes", numSlots, slotSize)
	}
	if _, ok := overflow.Mul64(int64(numSlots), int64(slotSize)); !ok {
		return nil, errors.WithMessagef(ErrFault, "slot table too large: %d slots of %d bytes", numSlots, slotSize)
	}
	return &IndirectView{
		defaultView: defaultView{evictq: &EvictionQueue{}},
		slotSize:    slotSize,
		slots:       make([]*indirectionSlot, numSlots),
	}, nil
}

func (v *IndirectView) Length() uint64 {
	return uint64(len(v.slots)) * v.slotSize
}

// resolve maps a view offset to (slot, slot-relative child offset).
// Must be called with v.mu held.
func (v *IndirectView) resolve(offset uint64) (*indirectionSlot, uint64, error) {
	if err := checkRange(offset, 1, v.Length()); err != nil {
		return nil, 0, err
	}
	s := v.slots[offset/v.slotSize]
	inSlot := offset % v.slotSize
	if s == nil || inSlot >= s.size {
		return nil, 0, errors.WithMessagef(ErrFault, "offset %#x lands in unassigned indirection", offset)
	}
	return s, s.offset + inSlot, nil
}

// SetIndirection binds (or rebinds) a slot to size bytes at offset of child.
// Rebinding detaches the old child's observer; pages previously reachable
// through the slot stay with the old child but are no longer reachable here.
func (v *IndirectView) SetIndirection(slot int, child View, offset, size uint64) (err error) {
	defer xerr.Contextf(&err, "indirect view: bind slot %d", slot)

	if slot < 0 || slot >= len(v.slots) {
		return errors.WithMessagef(ErrFault, "slot out of range (have %d)", len(v.slots))
	}
	if size == 0 || size > v.slotSize {
		return errors.WithMessagef(ErrFault, "size %d exceeds slot size %d", size, v.slotSize)
	}
	if err := checkRange(offset, size, child.Length()); err != nil {
		return err
	}

	s := &indirectionSlot{child: child, offset: offset, size: size}
	if child.Evictable() {
		s.obs = &Observer{}
		child.AddObserver(s.obs)
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		go v.forwardEvictions(ctx, slot, s)
	}

	v.mu.Lock()
	old := v.slots[slot]
	v.slots[slot] = s
	v.mu.Unlock()

	if old != nil {
		v.unbind(old)
	}
	return nil
}

func (v *IndirectView) unbind(s *indirectionSlot) {
	if s.cancel != nil {
		s.cancel()
	}
	if s.obs != nil {
		// detaching acks whatever is still pending with the observer
		s.child.RemoveObserver(s.obs)
	}
}

// forwardEvictions relays child evictions overlapping the slot window into
// the indirect view's own queue and acks the child once the local observers
// acked.
func (v *IndirectView) forwardEvictions(ctx context.Context, slot int, s *indirectionSlot) {
	for {
		ev, err := s.obs.Poll(ctx)
		if err != nil {
			return // unbound or cancelled
		}

		lo := ev.Offset()
		hi := ev.Offset() + ev.Size()
		if lo < s.offset {
			lo = s.offset
		}
		if hi > s.offset+s.size {
			hi = s.offset + s.size
		}
		if lo < hi {
			base := uint64(slot)*v.slotSize + (lo - s.offset)
			if err := v.evictq.EvictRange(ctx, base, hi-lo); err != nil {
				// cancelled mid-forward: do not ack what our own
				// observers did not release
				return
			}
		}
		ev.Done()
	}
}

func (v *IndirectView) AddressIdentity(offset uint64) (AddressIdentity, error) {
	v.mu.Lock()
	s, childOff, err := v.resolve(offset)
	v.mu.Unlock()
	if err != nil {
		return AddressIdentity{}, err
	}
	// forward: the same byte must hash the same through every path
	return s.child.AddressIdentity(childOff)
}

func (v *IndirectView) LockRange(offset, size uint64) error {
	return v.AsyncLockRange(context.Background(), offset, size)
}

// AsyncLockRange locks slot by slot; on failure everything locked so far is
// released in reverse.
func (v *IndirectView) AsyncLockRange(ctx context.Context, offset, size uint64) (err error) {
	defer xerr.Contextf(&err, "indirect view: lock [%#x +%d)", offset, size)

	if err := checkRange(offset, size, v.Length()); err != nil {
		return err
	}

	type lockedPiece struct {
		child  View
		offset uint64
		size   uint64
	}
	var locked []lockedPiece

	undo := func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].child.UnlockRange(locked[i].offset, locked[i].size)
		}
	}

	for done := uint64(0); done < size; {
		v.mu.Lock()
		s, childOff, rerr := v.resolve(offset + done)
		v.mu.Unlock()
		if rerr != nil {
			undo()
			return rerr
		}
		chunk := minu64(size-done, s.size-(childOff-s.offset))
		if lerr := s.child.AsyncLockRange(ctx, childOff, chunk); lerr != nil {
			undo()
			return lerr
		}
		locked = append(locked, lockedPiece{s.child, childOff, chunk})
		done += chunk
	}
	return nil
}

func (v *IndirectView) UnlockRange(offset, size uint64) {
	for done := uint64(0); done < size; {
		v.mu.Lock()
		s, childOff, err := v.resolve(offset + done)
		v.mu.Unlock()
		if err != nil {
			panicf("BUG: indirect view: unlock of unresolvable range [%#x +%d)", offset, size)
		}
		chunk := minu64(size-done, s.size-(childOff-s.offset))
		s.child.UnlockRange(childOff, chunk)
		done += chunk
	}
}

func (v *IndirectView) PeekRange(offset uint64) (PhysicalRange, bool) {
	v.mu.Lock()
	s, childOff, err := v.resolve(offset)
	v.mu.Unlock()
	if err != nil {
		return PhysicalRange{}, false
	}
	rng, ok := s.child.PeekRange(childOff)
	if !ok {
		return PhysicalRange{}, false
	}
	rng.Size = minu64(rng.Size, s.size-(childOff-s.offset))
	return rng, true
}

func (v *IndirectView) FetchRange(ctx context.Context, offset uint64) (rng PhysicalRange, err error) {
	defer xerr.Contextf(&err, "indirect view: fetch %#x", offset)

	v.mu.Lock()
	s, childOff, err := v.resolve(offset)
	v.mu.Unlock()
	if err != nil {
		return PhysicalRange{}, err
	}
	rng, err = s.child.FetchRange(ctx, childOff)
	if err != nil {
		return PhysicalRange{}, err
	}
	rng.Size = minu64(rng.Size, s.size-(childOff-s.offset))
	return rng, nil
}

func (v *IndirectView) MarkDirty(offset, size uint64) {
	for done := uint64(0); done < size; {
		v.mu.Lock()
		s, childOff, err := v.resolve(offset + done)
		v.mu.Unlock()
		if err != nil {
			return
		}
		chunk := minu64(size-done, s.size-(childOff-s.offset))
		s.child.MarkDirty(childOff, chunk)
		done += chunk
	}
}

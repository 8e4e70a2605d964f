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
	"bytes"
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"lab.nexedi.com/kirr/go123/exc"

	"github.com/sarvex/managarm/physmem"
)

// testArena returns an arena big enough for every test in this package.
func testArena(t *testing.T) *physmem.Arena {
	t.Helper()
	return physmem.NewArena(256 * PageSize)
}

// bpattern returns size bytes filled with b.
func bpattern(b byte, size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = b
	}
	return data
}

// TestAllocatedFetchWriteRead exercises the anonymous view end to end:
// lock, fetch, a write straddling a page boundary, read-back, unlock.
func TestAllocatedFetchWriteRead(t *testing.T) {
	X := exc.Raiseif
	assert := require.New(t)
	ctx := context.Background()
	pool := testArena(t)

	v, err := NewAllocatedView(pool, 4*PageSize, AllocatedOptions{})
	X(err)
	assert.Equal(uint64(4*PageSize), v.Length())

	err = v.LockRange(0, 4*PageSize)
	X(err)

	rng, err := v.FetchRange(ctx, 0)
	X(err)
	assert.NotEqual(physmem.NoAddr, rng.Addr)
	assert.GreaterOrEqual(rng.Size, uint64(PageSize))
	assert.Equal(CacheWriteBack, rng.Mode)

	// straddles pages 1 and 2
	err = CopyToView(ctx, v, 2*PageSize-2, []byte("hello"), pool)
	X(err)

	got := make([]byte, 5)
	err = CopyFromView(ctx, v, 2*PageSize-2, got, pool)
	X(err)
	assert.Equal([]byte("hello"), got)

	v.UnlockRange(0, 4*PageSize)
}

func TestAllocatedPeekAndLazyBacking(t *testing.T) {
	X := exc.Raiseif
	assert := require.New(t)
	ctx := context.Background()
	pool := testArena(t)

	v, err := NewAllocatedView(pool, 2*PageSize, AllocatedOptions{})
	X(err)

	// nothing resident before the first fetch
	_, ok := v.PeekRange(0)
	assert.False(ok)

	rng, err := v.FetchRange(ctx, PageSize+123)
	X(err)

	// unaligned fetch aligned down; page residue in the length
	prng, ok := v.PeekRange(PageSize)
	assert.True(ok)
	assert.Equal(rng.Addr, prng.Addr)
	assert.Equal(uint64(PageSize), rng.Size)

	// the other chunk is still unbacked
	_, ok = v.PeekRange(0)
	assert.False(ok)
}

func TestAllocatedResize(t *testing.T) {
	X := exc.Raiseif
	assert := require.New(t)
	ctx := context.Background()
	pool := testArena(t)

	v, err := NewAllocatedView(pool, 2*PageSize, AllocatedOptions{})
	X(err)

	_, err = v.FetchRange(ctx, 0)
	X(err)
	_, err = v.FetchRange(ctx, PageSize)
	X(err)
	used := pool.InUse()
	assert.Equal(uint64(2*PageSize), used)

	// grow: lazily backed
	err = v.Resize(ctx, 4*PageSize)
	X(err)
	assert.Equal(uint64(4*PageSize), v.Length())
	assert.Equal(used, pool.InUse())

	// shrink with an observer: chunks are freed only after the ack
	obs := &Observer{}
	v.AddObserver(obs)

	done := make(chan error, 1)
	go func() {
		done <- v.Resize(ctx, PageSize)
	}()

	ev, err := obs.Poll(ctx)
	X(err)
	assert.Equal(uint64(PageSize), ev.Offset())
	ev.Done()

	err = <-done
	X(err)
	assert.Equal(uint64(PageSize), v.Length())
	assert.Equal(uint64(PageSize), pool.InUse())
	v.RemoveObserver(obs)

	// resize to zero is legal and leaves a zero-length view
	err = v.Resize(ctx, 0)
	X(err)
	assert.Equal(uint64(0), v.Length())
	assert.Equal(uint64(0), pool.InUse())
}

func TestAllocatedFault(t *testing.T) {
	X := exc.Raiseif
	assert := require.New(t)
	ctx := context.Background()
	pool := testArena(t)

	v, err := NewAllocatedView(pool, 2*PageSize, AllocatedOptions{})
	X(err)

	_, err = v.FetchRange(ctx, 2*PageSize)
	assert.Equal(ErrFault, errors.Cause(err))

	err = v.LockRange(PageSize, 2*PageSize)
	assert.Equal(ErrFault, errors.Cause(err))

	// verbs this variant does not support
	_, err = v.Fork(ctx)
	assert.Equal(ErrIllegalObject, errors.Cause(err))
	_, err = v.SubmitManage(ctx)
	assert.Equal(ErrIllegalObject, errors.Cause(err))
	err = v.SetIndirection(0, v, 0, PageSize)
	assert.Equal(ErrIllegalObject, errors.Cause(err))
}

func TestAllocatedOutOfMemory(t *testing.T) {
	X := exc.Raiseif
	assert := require.New(t)
	ctx := context.Background()
	pool := physmem.NewArena(PageSize) // room for exactly one page

	v, err := NewAllocatedView(pool, 2*PageSize, AllocatedOptions{})
	X(err)

	_, err = v.FetchRange(ctx, 0)
	X(err)
	_, err = v.FetchRange(ctx, PageSize)
	assert.Equal(ErrOutOfMemory, errors.Cause(err))
}

func TestHardwareView(t *testing.T) {
	X := exc.Raiseif
	assert := require.New(t)
	ctx := context.Background()

	v, err := NewHardwareView(0x8000, 2*PageSize, CacheUncached)
	X(err)
	assert.Equal(uint64(2*PageSize), v.Length())
	assert.False(v.Evictable())

	rng, err := v.FetchRange(ctx, PageSize+7)
	X(err)
	assert.Equal(physmem.Addr(0x8000+PageSize), rng.Addr)
	assert.Equal(uint64(PageSize), rng.Size)
	assert.Equal(CacheUncached, rng.Mode)

	prng, ok := v.PeekRange(PageSize + 7)
	assert.True(ok)
	assert.Equal(rng, prng)

	// lock/dirty are no-ops, fork is unsupported
	X(v.LockRange(0, 2*PageSize))
	v.MarkDirty(0, 2*PageSize)
	v.UnlockRange(0, 2*PageSize)
	_, err = v.Fork(ctx)
	assert.Equal(ErrIllegalObject, errors.Cause(err))

	_, err = v.FetchRange(ctx, 2*PageSize)
	assert.Equal(ErrFault, errors.Cause(err))
}

// TestAddressIdentity verifies identity injection: equal iff same byte of
// the same underlying object.
func TestAddressIdentity(t *testing.T) {
	X := exc.Raiseif
	assert := require.New(t)
	pool := testArena(t)

	v1, err := NewAllocatedView(pool, 2*PageSize, AllocatedOptions{})
	X(err)
	v2, err := NewAllocatedView(pool, 2*PageSize, AllocatedOptions{})
	X(err)

	id0, err := v1.AddressIdentity(0)
	X(err)
	id1, err := v1.AddressIdentity(1)
	X(err)
	id0x, err := v1.AddressIdentity(0)
	X(err)
	other, err := v2.AddressIdentity(0)
	X(err)

	assert.Equal(id0, id0x)
	assert.NotEqual(id0, id1)
	assert.True(id0 != other) // identities compare by ==, as futex map keys do

	_, err = v1.AddressIdentity(2 * PageSize)
	assert.Equal(ErrFault, errors.Cause(err))

	// both faces of a managed space name the same bytes
	rec := NewReclaimer()
	m, err := NewManagedSpace(2*PageSize, pool, rec)
	X(err)
	front := NewFrontalView(m)
	back := NewBackingView(m)

	fid, err := front.AddressIdentity(123)
	X(err)
	bid, err := back.AddressIdentity(123)
	X(err)
	assert.Equal(fid, bid)
}

// TestTransferBetweenViews moves bytes across two views with misaligned
// offsets on both sides.
func TestTransferBetweenViews(t *testing.T) {
	X := exc.Raiseif
	assert := require.New(t)
	ctx := context.Background()
	pool := testArena(t)

	src, err := NewAllocatedView(pool, 2*PageSize, AllocatedOptions{})
	X(err)
	dst, err := NewAllocatedView(pool, 2*PageSize, AllocatedOptions{})
	X(err)

	pattern := make([]byte, PageSize)
	for i := range pattern {
		pattern[i] = byte(i % 251)
	}
	err = CopyToView(ctx, src, 100, pattern, pool)
	X(err)

	err = TransferBetweenViews(ctx, dst, PageSize-50, src, 100, PageSize, pool)
	X(err)

	got := make([]byte, PageSize)
	err = CopyFromView(ctx, dst, PageSize-50, got, pool)
	X(err)
	assert.True(bytes.Equal(pattern, got))

	// destination insufficient
	err = TransferBetweenViews(ctx, dst, 2*PageSize-1, src, 0, 2, pool)
	assert.Equal(ErrBufferTooSmall, errors.Cause(err))
}

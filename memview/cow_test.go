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
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"lab.nexedi.com/kirr/go123/exc"

	"github.com/sarvex/managarm/physmem"
)

// cowSetup returns a 2-page source filled with 0xaa wrapped into a cow view.
func cowSetup(t *testing.T) (*physmem.Arena, *AllocatedView, *CopyOnWriteView) {
	t.Helper()
	X := exc.Raiseif
	ctx := context.Background()
	pool := testArena(t)

	src, err := NewAllocatedView(pool, 2*PageSize, AllocatedOptions{})
	X(err)
	err = CopyToView(ctx, src, 0, bpattern(0xaa, 2*PageSize), pool)
	X(err)

	v1, err := NewCopyOnWriteView(pool, src, 0, 2*PageSize)
	X(err)
	return pool, src, v1
}

// readByte reads one byte of v at offset.
func readByte(t *testing.T, v View, offset uint64, pool physmem.Accessor) byte {
	t.Helper()
	b := make([]byte, 1)
	err := CopyFromView(context.Background(), v, offset, b, pool)
	if err != nil {
		t.Fatal(err)
	}
	return b[0]
}

// TestForkAndCow: a fork sees the snapshot, the writer sees its write, and
// untouched pages stay shared with the source.
func TestForkAndCow(t *testing.T) {
	X := exc.Raiseif
	assert := require.New(t)
	ctx := context.Background()
	pool, src, v1 := cowSetup(t)

	xv2, err := v1.Fork(ctx)
	X(err)
	v2 := xv2.(*CopyOnWriteView)

	err = CopyToView(ctx, v1, 0, []byte{0xbb}, pool)
	X(err)

	assert.Equal(byte(0xaa), readByte(t, v2, 0, pool))
	assert.Equal(byte(0xbb), readByte(t, v1, 0, pool))

	// the page at PageSize was never copied up: neither sibling owns
	// private backing for it, the source page backs both
	_, ok := v1.PeekRange(PageSize)
	assert.False(ok)
	_, ok = v2.PeekRange(PageSize)
	assert.False(ok)
	_, ok = src.PeekRange(PageSize)
	assert.True(ok)
}

// TestCowChainDepth: every fork generation keeps observing the contents as
// of its fork, across multiple writes and forks.
func TestCowChainDepth(t *testing.T) {
	X := exc.Raiseif
	assert := require.New(t)
	ctx := context.Background()
	pool, _, v1 := cowSetup(t)

	err := CopyToView(ctx, v1, 0, []byte{0x11}, pool)
	X(err)
	v2, err := v1.Fork(ctx)
	X(err)

	err = CopyToView(ctx, v1, 0, []byte{0x22}, pool)
	X(err)
	v3, err := v1.Fork(ctx)
	X(err)

	err = CopyToView(ctx, v1, 0, []byte{0x33}, pool)
	X(err)

	assert.Equal(byte(0x11), readByte(t, v2, 0, pool))
	assert.Equal(byte(0x22), readByte(t, v3, 0, pool))
	assert.Equal(byte(0x33), readByte(t, v1, 0, pool))

	// writes to a child do not leak anywhere
	err = CopyToView(ctx, v2, 0, []byte{0x44}, pool)
	X(err)
	assert.Equal(byte(0x44), readByte(t, v2, 0, pool))
	assert.Equal(byte(0x22), readByte(t, v3, 0, pool))
	assert.Equal(byte(0x33), readByte(t, v1, 0, pool))
}

// TestCowLockSecuresRange: locking a range copies every page up; a fork
// waits for outstanding locks, so a locked mapping cannot leak writes into
// the snapshot.
func TestCowLockSecuresRange(t *testing.T) {
	X := exc.Raiseif
	assert := require.New(t)
	ctx := context.Background()
	pool, _, v1 := cowSetup(t)

	err := v1.LockRange(0, 2*PageSize)
	X(err)

	// both pages now have private copies
	_, ok := v1.PeekRange(0)
	assert.True(ok)
	_, ok = v1.PeekRange(PageSize)
	assert.True(ok)

	// fork blocks until the range is unlocked
	forked := make(chan View, 1)
	go func() {
		v2, err := v1.Fork(ctx)
		if err != nil {
			panic(err)
		}
		forked <- v2
	}()

	select {
	case <-forked:
		t.Fatal("fork completed while the range was locked")
	case <-time.After(50 * time.Millisecond):
	}

	v1.UnlockRange(0, 2*PageSize)
	v2 := <-forked
	assert.Equal(byte(0xaa), readByte(t, v2, 0, pool))
}

// TestCowLockOutOfMemory: a mid-range copy-up failure releases the locks
// taken so far before surfacing.
func TestCowLockOutOfMemory(t *testing.T) {
	X := exc.Raiseif
	assert := require.New(t)
	ctx := context.Background()

	// room for the source page plus exactly one copy
	pool := physmem.NewArena(2 * PageSize)
	src, err := NewAllocatedView(pool, 2*PageSize, AllocatedOptions{})
	X(err)
	_, err = src.FetchRange(ctx, 0)
	X(err)

	v, err := NewCopyOnWriteView(pool, src, 0, 2*PageSize)
	X(err)

	err = v.AsyncLockRange(ctx, 0, 2*PageSize)
	assert.Equal(ErrOutOfMemory, errors.Cause(err))

	// the partially locked range was released: the one successful copy-up
	// can be locked again without imbalance
	err = v.LockRange(0, PageSize)
	X(err)
	v.UnlockRange(0, PageSize)
}

func TestCowConstructionFaults(t *testing.T) {
	assert := require.New(t)
	pool := testArena(t)

	src, err := NewAllocatedView(pool, 2*PageSize, AllocatedOptions{})
	assert.NoError(err)

	_, err = NewCopyOnWriteView(pool, src, 0, 3*PageSize)
	assert.Equal(ErrFault, errors.Cause(err))

	_, err = NewCopyOnWriteView(pool, src, 100, PageSize)
	assert.Equal(ErrFault, errors.Cause(err))
}

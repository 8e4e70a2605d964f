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

package futex

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"lab.nexedi.com/kirr/go123/exc"
	"lab.nexedi.com/kirr/go123/xsync"

	"github.com/sarvex/managarm/memview"
	"github.com/sarvex/managarm/physmem"
)

func TestWaitWake(t *testing.T) {
	X := exc.Raiseif
	assert := require.New(t)
	ctx := context.Background()

	pool := physmem.NewArena(4 * physmem.PageSize)
	v, err := memview.NewAllocatedView(pool, 2*memview.PageSize, memview.AllocatedOptions{})
	X(err)
	id, err := v.AddressIdentity(128)
	X(err)

	r := NewRealm()
	var word int32 // the "futex word" the waiters sleep on

	const nwait = 3
	woken := make(chan struct{}, nwait)

	wg := xsync.NewWorkGroup(ctx)
	for i := 0; i < nwait; i++ {
		wg.Go(func(ctx context.Context) error {
			err := r.Wait(ctx, id, func() bool {
				return atomic.LoadInt32(&word) == 0
			})
			if err == nil {
				woken <- struct{}{}
			}
			return err
		})
	}

	// wakes race with the sleepers going to sleep: keep waking until
	// everyone got through (a sleeper that saw word != 0 never parks and
	// needs no wake)
	stop := make(chan struct{})
	go func() {
		atomic.StoreInt32(&word, 1)
		for {
			r.Wake(id)
			select {
			case <-stop:
				return
			case <-time.After(time.Millisecond):
			}
		}
	}()

	err = wg.Wait()
	close(stop)
	X(err)
	assert.Len(woken, nwait)

	// no sleepers left
	assert.Equal(0, r.Wake(id))
}

// TestWaitConditionAlreadyFalse: a waiter whose condition is gone does not
// sleep at all.
func TestWaitConditionAlreadyFalse(t *testing.T) {
	X := exc.Raiseif

	pool := physmem.NewArena(4 * physmem.PageSize)
	v, err := memview.NewAllocatedView(pool, memview.PageSize, memview.AllocatedOptions{})
	X(err)
	id, err := v.AddressIdentity(0)
	X(err)

	r := NewRealm()
	err = r.Wait(context.Background(), id, func() bool { return false })
	X(err)
}

// TestWaitDistinctIdentities: wakes on one byte do not leak to sleepers on
// another.
func TestWaitDistinctIdentities(t *testing.T) {
	X := exc.Raiseif
	assert := require.New(t)
	ctx := context.Background()

	pool := physmem.NewArena(4 * physmem.PageSize)
	v, err := memview.NewAllocatedView(pool, memview.PageSize, memview.AllocatedOptions{})
	X(err)
	id0, err := v.AddressIdentity(0)
	X(err)
	id1, err := v.AddressIdentity(1)
	X(err)

	r := NewRealm()

	done := make(chan error, 1)
	go func() {
		done <- r.Wait(ctx, id0, func() bool { return true })
	}()

	time.Sleep(10 * time.Millisecond) // let the waiter park
	assert.Equal(0, r.Wake(id1))

	select {
	case err := <-done:
		t.Fatalf("waiter on id0 woken by wake on id1: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	assert.Equal(1, r.Wake(id0))
	X(<-done)
}

// TestWaitCancel: a cancelled waiter leaves no trace in the realm.
func TestWaitCancel(t *testing.T) {
	X := exc.Raiseif
	assert := require.New(t)

	pool := physmem.NewArena(4 * physmem.PageSize)
	v, err := memview.NewAllocatedView(pool, memview.PageSize, memview.AllocatedOptions{})
	X(err)
	id, err := v.AddressIdentity(0)
	X(err)

	r := NewRealm()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- r.Wait(ctx, id, func() bool { return true })
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	assert.Equal(context.Canceled, <-done)
	assert.Equal(0, r.Wake(id))
}

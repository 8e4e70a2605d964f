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

// Eviction protocol
//
// A view that can evict owns one EvictionQueue; every address space that
// maps the view attaches an Observer. Evicting a range is a post/ack
// handshake:
//
//	1. the owner calls EvictRange, which delivers the range to every
//	   observer attached at that moment;
//	2. each observer sees the range through Poll, unmaps it locally and
//	   calls Done on the handle;
//	3. EvictRange returns once every such observer has acknowledged;
//	4. only then may the owner release the physical page.
//
// A cancelled Poll returns without a handle and without consuming the
// pending item; the next poll still sees it. An observer that detaches
// while items are pending acknowledges them implicitly (its mappings are
// gone, there is nothing left to unmap).

import (
	"context"
	"sync"
	"sync/atomic"
)

// RangeToEvict is the payload of one eviction post.
type RangeToEvict struct {
	Offset uint64
	Size   uint64
}

// evictItem is one posted range plus its ack accounting.
type evictItem struct {
	RangeToEvict

	remaining int32 // acks outstanding
	done      chan struct{}
}

func (it *evictItem) ack() {
	c := atomic.AddInt32(&it.remaining, -1)
	if c < 0 {
		panicf("BUG: eviction [%#x +%d) acked more times than posted", it.Offset, it.Size)
	}
	if c == 0 {
		close(it.done)
	}
}

// Eviction is an observer's handle on one posted range. The observer must
// unmap the range and then call Done exactly once.
type Eviction struct {
	item *evictItem
}

func (e *Eviction) Offset() uint64 { return e.item.Offset }
func (e *Eviction) Size() uint64   { return e.item.Size }

// Done acknowledges the eviction.
func (e *Eviction) Done() {
	e.item.ack()
}

// Observer receives range evictions from the queue it is attached to.
// An Observer attaches to at most one queue at a time.
type Observer struct {
	mu      sync.Mutex
	queue   *EvictionQueue
	pending []*evictItem
	wake    event
}

// Poll suspends until the next eviction on the observer's queue.
//
// Cancellation through ctx does not lose a pending eviction. Polling a
// detached observer fails with ErrNoSuchResource.
func (o *Observer) Poll(ctx context.Context) (*Eviction, error) {
	for {
		o.mu.Lock()
		if len(o.pending) > 0 {
			it := o.pending[0]
			o.pending = o.pending[1:]
			o.mu.Unlock()
			return &Eviction{item: it}, nil
		}
		if o.queue == nil {
			o.mu.Unlock()
			return nil, ErrNoSuchResource
		}
		w := o.wake.wait()
		o.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-w:
		}
	}
}

// EvictionQueue fans out range evictions to attached observers with
// ack-based backpressure.
type EvictionQueue struct {
	mu        sync.Mutex
	observers []*Observer
}

// AddObserver attaches obs. Only evictions posted after attachment are seen.
func (q *EvictionQueue) AddObserver(obs *Observer) {
	q.mu.Lock()
	defer q.mu.Unlock()

	obs.mu.Lock()
	if obs.queue != nil {
		obs.mu.Unlock()
		panicf("BUG: observer already attached")
	}
	obs.queue = q
	obs.mu.Unlock()

	q.observers = append(q.observers, obs)
}

// RemoveObserver detaches obs, acknowledging whatever was posted to it and
// not yet handed out by Poll. A handle that Poll already returned is
// acknowledged only through its Done.
func (q *EvictionQueue) RemoveObserver(obs *Observer) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, o := range q.observers {
		if o == obs {
			q.observers = append(q.observers[:i], q.observers[i+1:]...)
			break
		}
	}

	obs.mu.Lock()
	pending := obs.pending
	obs.pending = nil
	obs.queue = nil
	obs.wake.bump() // unblock a concurrent Poll so it sees the detach
	obs.mu.Unlock()

	for _, it := range pending {
		it.ack()
	}
}

// EvictRange posts [offset, offset+size) and waits until every observer
// attached at the time of posting has acknowledged it.
//
// On cancellation the post stays pending with the observers; their acks are
// simply no longer awaited. The caller must then not release the backing.
func (q *EvictionQueue) EvictRange(ctx context.Context, offset, size uint64) error {
	q.mu.Lock()
	if len(q.observers) == 0 {
		q.mu.Unlock()
		return nil
	}
	it := &evictItem{
		RangeToEvict: RangeToEvict{Offset: offset, Size: size},
		remaining:    int32(len(q.observers)),
		done:         make(chan struct{}),
	}
	for _, o := range q.observers {
		o.mu.Lock()
		o.pending = append(o.pending, it)
		o.wake.bump()
		o.mu.Unlock()
	}
	q.mu.Unlock()

	select {
	case <-it.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

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

// CachePage + Reclaimer
//
// A CachePage is the reclaim engine's handle on one page-sized physical
// extent. It is embedded in the owning view's per-page record and is the
// only thing the Reclaimer ever sees: the engine walks its LRU list of
// CachePages without touching view state, and retirePage is the view's only
// reclaim-side hook. Merging CachePage into the view's page record would
// create a lock-order hazard between reclaim and views.

import (
	"context"
	"sync"
	"sync/atomic"

	log "github.com/golang/glog"
)

// reclaim states of a CachePage, mutually exclusive.
// Guarded by the Reclaimer's mutex.
type reclaimState int32

const (
	// not tracked by the reclaim engine
	reclaimNone reclaimState = iota
	// clean and evictable: on the Reclaimer's LRU list
	reclaimCached
	// currently being evicted: off the LRU list
	reclaimUncaching
)

// pageOwner is the backend half of a memory object as seen by reclaim.
type pageOwner interface {
	// uncachePage tries to evict the page. It may find the page became
	// ineligible and do nothing; the reclaim engine retries later.
	uncachePage(ctx context.Context, page *CachePage) error

	// retirePage runs once the reference count of the page drops to zero.
	retirePage(page *CachePage)
}

// CachePage is a reference-counted handle on one physical page.
//
// The owner interprets identity; pager-managed spaces store the page-aligned
// byte offset there. The page lives on at most one intrusive list at a time:
// the owner's initialization or writeback list, or the Reclaimer's LRU.
type CachePage struct {
	owner    pageOwner
	identity uint64

	// intrusive list hook; the page is allocated once and moves between
	// lists without allocation
	prev, next *CachePage
	onList     *cacheList

	// reclaim coordination; not related to range locking
	refcount int32
	state    reclaimState
}

// grab takes a reference on the page.
func (p *CachePage) grab() {
	atomic.AddInt32(&p.refcount, 1)
}

// release drops a reference; the owner's retirePage hook runs on the last one.
func (p *CachePage) release() {
	c := atomic.AddInt32(&p.refcount, -1)
	if c < 0 {
		panicf("BUG: CachePage %#x: refcount went negative", p.identity)
	}
	if c == 0 {
		p.owner.retirePage(p)
	}
}

// ---- intrusive list ----

// cacheList is a doubly-linked list threaded through CachePage hooks.
type cacheList struct {
	head, tail *CachePage
}

func (l *cacheList) empty() bool { return l.head == nil }

func (l *cacheList) pushBack(p *CachePage) {
	if p.onList != nil {
		panicf("BUG: CachePage %#x: already on a list", p.identity)
	}
	p.onList = l
	p.prev = l.tail
	p.next = nil
	if l.tail != nil {
		l.tail.next = p
	} else {
		l.head = p
	}
	l.tail = p
}

func (l *cacheList) remove(p *CachePage) {
	if p.onList != l {
		panicf("BUG: CachePage %#x: not on this list", p.identity)
	}
	if p.prev != nil {
		p.prev.next = p.next
	} else {
		l.head = p.next
	}
	if p.next != nil {
		p.next.prev = p.prev
	} else {
		l.tail = p.prev
	}
	p.prev, p.next, p.onList = nil, nil, nil
}

func (l *cacheList) popFront() *CachePage {
	p := l.head
	if p != nil {
		l.remove(p)
	}
	return p
}

// ---- Reclaimer ----

// Reclaimer is the process-wide reclaim engine.
//
// Views insert clean, present, unlocked pages; under memory pressure the
// engine picks the least recently used page and asks its owner to uncache
// it. The engine is passed explicitly to every view constructor that can
// evict; there is no ambient instance.
type Reclaimer struct {
	mu  sync.Mutex
	lru cacheList // front = least recently used
	n   int
}

func NewReclaimer() *Reclaimer {
	return &Reclaimer{}
}

// Evictable returns the number of pages currently eligible for reclaim.
func (r *Reclaimer) Evictable() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// makeEvictable inserts the page at the MRU end.
// Called by owners with their view mutex held; view mutex -> r.mu is the
// only permitted order.
func (r *Reclaimer) makeEvictable(p *CachePage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.state != reclaimNone {
		return
	}
	p.state = reclaimCached
	r.lru.pushBack(p)
	r.n++
}

// withdraw removes the page from the LRU if it is there (it got locked or
// dirtied and must not be picked).
func (r *Reclaimer) withdraw(p *CachePage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.state != reclaimCached {
		return
	}
	r.lru.remove(p)
	p.state = reclaimNone
	r.n--
}

// touch moves the page to the MRU end.
func (r *Reclaimer) touch(p *CachePage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.state != reclaimCached {
		return
	}
	r.lru.remove(p)
	r.lru.pushBack(p)
}

// reset clears the uncaching mark after an eviction attempt completed or
// aborted.
func (r *Reclaimer) reset(p *CachePage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.state == reclaimUncaching {
		p.state = reclaimNone
	}
}

// ReclaimOne evicts the least recently used page.
//
// Returns reclaimed=false with a nil error when nothing is evictable. An
// error from the owner leaves the page resident; reclaim retries later.
func (r *Reclaimer) ReclaimOne(ctx context.Context) (reclaimed bool, err error) {
	r.mu.Lock()
	p := r.lru.popFront()
	if p == nil {
		r.mu.Unlock()
		return false, nil
	}
	p.state = reclaimUncaching
	r.n--
	p.grab()
	r.mu.Unlock()

	err = p.owner.uncachePage(ctx, p)
	p.release()
	if err != nil {
		log.Errorf("reclaim: uncache page %#x: %s (page stays resident)", p.identity, err)
		return false, err
	}
	return true, nil
}

// Reclaim evicts up to max pages, stopping early when nothing is evictable
// or an eviction fails.
func (r *Reclaimer) Reclaim(ctx context.Context, max int) (int, error) {
	done := 0
	for done < max {
		ok, err := r.ReclaimOne(ctx)
		if err != nil {
			return done, err
		}
		if !ok {
			break
		}
		done++
	}
	return done, nil
}

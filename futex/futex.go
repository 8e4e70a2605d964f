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

// Package futex dispatches sleepers on bytes of memory.
//
// The memory core supplies an AddressIdentity per (view, offset); the realm
// hashes sleepers by that identity. Because equal identities denote the same
// byte regardless of which view produced them, waiters and wakers rendezvous
// correctly across views.
package futex

import (
	"context"
	"sync"

	"github.com/sarvex/managarm/memview"
)

// Realm is one futex namespace, usually process-wide.
type Realm struct {
	mu  sync.Mutex
	tab map[memview.AddressIdentity]*bucket
}

type bucket struct {
	waiters []chan struct{}
}

func NewRealm() *Realm {
	return &Realm{tab: make(map[memview.AddressIdentity]*bucket)}
}

// Wait blocks until a Wake on id, provided the condition still holds.
//
// keepWaiting is evaluated under the realm lock: if it already returns
// false, Wait returns immediately without sleeping. This closes the race
// between reading the futex word and going to sleep.
func (r *Realm) Wait(ctx context.Context, id memview.AddressIdentity, keepWaiting func() bool) error {
	r.mu.Lock()
	if !keepWaiting() {
		r.mu.Unlock()
		return nil
	}
	b := r.tab[id]
	if b == nil {
		b = &bucket{}
		r.tab[id] = b
	}
	w := make(chan struct{})
	b.waiters = append(b.waiters, w)
	r.mu.Unlock()

	select {
	case <-w:
		return nil
	case <-ctx.Done():
		r.remove(id, w)
		return ctx.Err()
	}
}

// remove takes a cancelled waiter out of its bucket.
func (r *Realm) remove(id memview.AddressIdentity, w chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.tab[id]
	if b == nil {
		return // woken concurrently; the bucket is gone
	}
	for i, o := range b.waiters {
		if o == w {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			break
		}
	}
	if len(b.waiters) == 0 {
		delete(r.tab, id)
	}
}

// Wake wakes every sleeper on id and returns how many there were.
func (r *Realm) Wake(id memview.AddressIdentity) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.tab[id]
	if b == nil {
		return 0
	}
	for _, w := range b.waiters {
		close(w)
	}
	delete(r.tab, id)
	return len(b.waiters)
}

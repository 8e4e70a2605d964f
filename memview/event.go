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

// event is a recurring broadcast event.
//
// Waiters take the current generation channel under the owner's mutex, drop
// the mutex, select on the channel, then relock and recheck their condition.
// bump closes the current generation so every waiter rechecks. All methods
// must be called with the owner's mutex held.
type event struct {
	ch chan struct{}
}

// wait returns the channel that will be closed by the next bump.
func (e *event) wait() <-chan struct{} {
	if e.ch == nil {
		e.ch = make(chan struct{})
	}
	return e.ch
}

// bump wakes every waiter of the current generation.
func (e *event) bump() {
	if e.ch != nil {
		close(e.ch)
		e.ch = nil
	}
}

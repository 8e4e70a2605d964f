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

// ManagedSpace
//
// A ManagedSpace is the page database behind a pair of views: the
// FrontalView that user mappings consume and the BackingView through which
// an external pager initializes and writes back pages. Per page the space
// runs this state machine:
//
//	Missing -fetch-> WantInitialization -pager picks-> Initialization
//	                                                       |
//	                                 updateRange(initialize)|
//	                                                       v
//	        +-------------------------------------->   Present
//	        |                                              | markDirty
//	        |                                              v
//	        |                                       WantWriteback
//	        |                                              | pager picks
//	        |                                              v
//	        |                                         Writeback --markDirty--> AnotherWriteback
//	        |                     updateRange(writeback)   |                        |
//	        +----------------------------------------------+    updateRange(writeback)
//	                                                             -> WantWriteback
//
//	Present -reclaim picks-> Evicting -all observers ack-> Missing
//
// A page with outstanding range locks never enters Evicting, and a page in
// any writeback-family state is never picked for eviction (see DESIGN.md on
// the AnotherWriteback/eviction interaction).
//
// Notation used
//
// m      - ManagedSpace
// pgoff  - page-aligned byte offset, the identity of a page

import (
	"context"
	"sync"

	log "github.com/golang/glog"
	"github.com/pkg/errors"
	"lab.nexedi.com/kirr/go123/xerr"

	"github.com/sarvex/managarm/internal/radix"
	"github.com/sarvex/managarm/physmem"
)

// LoadState is the pager state of one managed page.
type LoadState int

const (
	StateMissing LoadState = iota
	StatePresent
	StateWantInitialization
	StateInitialization
	StateWantWriteback
	StateWriteback
	StateAnotherWriteback
	StateEvicting
)

func (s LoadState) String() string {
	switch s {
	case StateMissing:
		return "missing"
	case StatePresent:
		return "present"
	case StateWantInitialization:
		return "want-initialization"
	case StateInitialization:
		return "initialization"
	case StateWantWriteback:
		return "want-writeback"
	case StateWriteback:
		return "writeback"
	case StateAnotherWriteback:
		return "another-writeback"
	case StateEvicting:
		return "evicting"
	}
	return "<invalid load state>"
}

// resident reports whether the page has data a mapping may use right now.
func (s LoadState) resident() bool {
	switch s {
	case StatePresent, StateWantWriteback, StateWriteback, StateAnotherWriteback:
		return true
	}
	return false
}

// dirty reports whether the page carries data not yet written back.
func (s LoadState) dirty() bool {
	switch s {
	case StateWantWriteback, StateWriteback, StateAnotherWriteback:
		return true
	}
	return false
}

// ManagedPage is the pager-managed record for one page. Rows are created on
// first touch and stay for the life of the space (removal happens only at
// destruction or a shrinking resize).
type ManagedPage struct {
	physical  physmem.Addr
	loadState LoadState
	lockCount int
	cachePage CachePage
}

// monitorNode is one pending SubmitInitiateLoad.
type monitorNode struct {
	kind   ManageKind
	offset uint64
	size   uint64

	err  error
	done chan struct{}
}

// ManagedSpace holds the page database shared by one frontal/backing view
// pair, the pager queues, and the dirty/uninitialized page lists.
type ManagedSpace struct {
	mu   sync.Mutex
	pool physmem.Pool
	rec  *Reclaimer

	length uint64
	// pgoff>>PageShift -> *ManagedPage; lock-free reads, writes under mu
	pages radix.Tree[ManagedPage]

	evictq EvictionQueue

	// pages waiting for the pager, threaded through their CachePage hooks
	initList cacheList // loadState == StateWantInitialization
	wbList   cacheList // loadState == StateWantWriteback

	mgmtEvent event // pager work might be available
	updEvent  event // some page changed state

	monitors []*monitorNode

	destroyed bool
}

// NewManagedSpace creates a pager-managed page database of the given
// page-aligned byte length. The reclaimer and pool are the process-wide
// instances; they are passed explicitly, never ambient.
func NewManagedSpace(length uint64, pool physmem.Pool, rec *Reclaimer) (*ManagedSpace, error) {
	if err := checkLength(length); err != nil {
		return nil, err
	}
	if length%PageSize != 0 {
		return nil, errors.WithMessagef(ErrFault, "managed space length %d not page aligned", length)
	}
	return &ManagedSpace{pool: pool, rec: rec, length: length}, nil
}

// Destroy tears the space down: pending pager calls fail with
// ErrNoSuchResource and all physical pages are released. Mappings must have
// been gone before this is called.
func (m *ManagedSpace) Destroy() {
	m.mu.Lock()

	m.destroyed = true
	var frees []physmem.Addr
	m.pages.ForEach(func(idx uint64, p *ManagedPage) bool {
		if p.cachePage.state != reclaimNone {
			m.rec.withdraw(&p.cachePage)
		}
		if p.physical != physmem.NoAddr {
			frees = append(frees, p.physical)
			p.physical = physmem.NoAddr
		}
		p.loadState = StateMissing
		return true
	})
	m.initList = cacheList{}
	m.wbList = cacheList{}

	monitors := m.monitors
	m.monitors = nil
	m.mgmtEvent.bump()
	m.updEvent.bump()
	m.mu.Unlock()

	for _, n := range monitors {
		n.err = ErrNoSuchResource
		close(n.done)
	}
	for _, phys := range frees {
		m.pool.Free(phys, PageSize)
	}
}

// pageAt returns the page row for pgoff, or nil.
// Lock-free; safe without m.mu for peek-style readers.
func (m *ManagedSpace) pageAt(pgoff uint64) *ManagedPage {
	return m.pages.Lookup(pgoff >> PageShift)
}

// ensurePage returns the page row for pgoff, creating it on first touch.
// Must be called with m.mu held.
func (m *ManagedSpace) ensurePage(pgoff uint64) *ManagedPage {
	p := m.pages.Lookup(pgoff >> PageShift)
	if p == nil {
		p = &ManagedPage{
			physical:  physmem.NoAddr,
			loadState: StateMissing,
			cachePage: CachePage{owner: m, identity: pgoff},
		}
		m.pages.Insert(pgoff>>PageShift, p)
	}
	return p
}

// maybeMakeEvictable hands the page to the reclaim engine if it is clean,
// present and unlocked. Must be called with m.mu held.
func (m *ManagedSpace) maybeMakeEvictable(p *ManagedPage) {
	if p.loadState == StatePresent && p.lockCount == 0 {
		m.rec.makeEvictable(&p.cachePage)
	}
}

// ---- range locks ----

func (m *ManagedSpace) lockPages(offset, size uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := checkRange(offset, size, m.length); err != nil {
		return err
	}
	if size == 0 {
		return nil
	}
	for pgoff := pageFloor(offset); pgoff < pageCeil(offset+size); pgoff += PageSize {
		p := m.ensurePage(pgoff)
		p.lockCount++
		p.cachePage.grab()
		if p.cachePage.state == reclaimCached {
			m.rec.withdraw(&p.cachePage)
		}
	}
	return nil
}

func (m *ManagedSpace) unlockPages(offset, size uint64) {
	if size == 0 {
		return
	}

	m.mu.Lock()
	var released []*CachePage
	for pgoff := pageFloor(offset); pgoff < pageCeil(offset+size); pgoff += PageSize {
		p := m.pageAt(pgoff)
		if p == nil || p.lockCount == 0 {
			panicf("BUG: managed space: unbalanced unlock of page %#x", pgoff)
		}
		p.lockCount--
		released = append(released, &p.cachePage)
	}
	m.mu.Unlock()

	// release may run retirePage, which relocks m.mu
	for _, cp := range released {
		cp.release()
	}
}

// ---- fetch ----

// frontalFetch resolves one page for a user mapping, kicking the pager and
// waiting for initialization when the page is not resident.
func (m *ManagedSpace) frontalFetch(ctx context.Context, offset uint64) (rng PhysicalRange, err error) {
	defer xerr.Contextf(&err, "frontal view: fetch %#x", offset)

	if err := checkRange(offset, 1, m.length); err != nil {
		return PhysicalRange{}, err
	}
	pgoff := pageFloor(offset)

	for {
		m.mu.Lock()
		if m.destroyed {
			m.mu.Unlock()
			return PhysicalRange{}, ErrNoSuchResource
		}

		p := m.ensurePage(pgoff)
		if p.loadState.resident() {
			phys := p.physical
			if p.cachePage.state == reclaimCached {
				m.rec.touch(&p.cachePage)
			}
			m.mu.Unlock()
			return PhysicalRange{Addr: phys, Size: PageSize, Mode: CacheWriteBack}, nil
		}
		if p.loadState == StateMissing {
			p.loadState = StateWantInitialization
			m.initList.pushBack(&p.cachePage)
			m.mgmtEvent.bump()
		}
		// WantInitialization, Initialization, Evicting: wait for progress
		ch := m.updEvent.wait()
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return PhysicalRange{}, ctx.Err()
		case <-ch:
		}
	}
}

// backingFetch resolves one page for the pager. Every page is presented
// whether or not it is initialized; missing backing is allocated zeroed on
// the spot so the pager can fill it before publishing with UpdateRange.
func (m *ManagedSpace) backingFetch(ctx context.Context, offset uint64) (rng PhysicalRange, err error) {
	defer xerr.Contextf(&err, "backing view: fetch %#x", offset)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed {
		return PhysicalRange{}, ErrNoSuchResource
	}
	if err := checkRange(offset, 1, m.length); err != nil {
		return PhysicalRange{}, err
	}
	pgoff := pageFloor(offset)
	p := m.ensurePage(pgoff)
	if p.physical == physmem.NoAddr {
		phys, aerr := m.pool.Allocate(64, PageSize, PageSize)
		if aerr != nil {
			return PhysicalRange{}, errors.WithMessagef(ErrOutOfMemory, "page %#x: %s", pgoff, aerr)
		}
		p.physical = phys
	}
	return PhysicalRange{Addr: p.physical, Size: PageSize, Mode: CacheWriteBack}, nil
}

func (m *ManagedSpace) peek(offset uint64) (PhysicalRange, bool) {
	if checkRange(offset, 1, m.length) != nil {
		return PhysicalRange{}, false
	}
	// hot path: lock-free read of the page table
	p := m.pageAt(pageFloor(offset))
	if p == nil || !p.loadState.resident() {
		return PhysicalRange{}, false
	}
	return PhysicalRange{Addr: p.physical, Size: PageSize, Mode: CacheWriteBack}, true
}

// ---- dirtying ----

func (m *ManagedSpace) markDirty(offset, size uint64) {
	if size == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	queued := false
	for pgoff := pageFloor(offset); pgoff < pageCeil(offset+size) && pgoff < m.length; pgoff += PageSize {
		p := m.pageAt(pgoff)
		if p == nil {
			continue
		}
		switch p.loadState {
		case StatePresent:
			if p.cachePage.state == reclaimCached {
				m.rec.withdraw(&p.cachePage)
			}
			p.loadState = StateWantWriteback
			m.wbList.pushBack(&p.cachePage)
			queued = true
		case StateWriteback:
			p.loadState = StateAnotherWriteback
		case StateWantWriteback, StateAnotherWriteback:
			// already queued
		}
	}
	if queued {
		m.mgmtEvent.bump()
	}
}

// ---- pager interface ----

// submitManage yields the next contiguous run of pages that need pager
// work, initialization first. It suspends until work is available.
func (m *ManagedSpace) submitManage(ctx context.Context) (req ManageRequest, err error) {
	defer xerr.Contextf(&err, "backing view: submitManage")

	for {
		m.mu.Lock()
		if m.destroyed {
			m.mu.Unlock()
			return ManageRequest{}, ErrNoSuchResource
		}
		if req, ok := m.progressManagement(); ok {
			m.mu.Unlock()
			return req, nil
		}
		ch := m.mgmtEvent.wait()
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return ManageRequest{}, ctx.Err()
		case <-ch:
		}
	}
}

// progressManagement pops one run of pager work off the request lists,
// coalescing pages at consecutive offsets that wait for the same kind of
// work into a single request. Must be called with m.mu held.
func (m *ManagedSpace) progressManagement() (ManageRequest, bool) {
	if cp := m.initList.popFront(); cp != nil {
		return m.coalesceRun(cp, StateWantInitialization, StateInitialization, &m.initList, ManageInitialize), true
	}
	if cp := m.wbList.popFront(); cp != nil {
		return m.coalesceRun(cp, StateWantWriteback, StateWriteback, &m.wbList, ManageWriteback), true
	}
	return ManageRequest{}, false
}

func (m *ManagedSpace) coalesceRun(cp *CachePage, want, picked LoadState, list *cacheList, kind ManageKind) ManageRequest {
	start := cp.identity
	first := m.pageAt(start)
	first.loadState = picked
	size := uint64(PageSize)

	for {
		p := m.pageAt(start + size)
		if p == nil || p.loadState != want {
			break
		}
		list.remove(&p.cachePage)
		p.loadState = picked
		size += PageSize
	}
	return ManageRequest{Kind: kind, Offset: start, Size: size}
}

// updateRange is the pager's completion call: the pages of [offset,
// offset+size) have been initialized or written back.
//
// A completion that does not match a page's state is reported back but does
// not poison the space: a page caught mid-initialization returns to
// WantInitialization so a later pager may service it.
func (m *ManagedSpace) updateRange(kind ManageKind, offset, size uint64) (err error) {
	defer xerr.Contextf(&err, "backing view: updateRange %s [%#x +%d)", kind, offset, size)

	if offset%PageSize != 0 || size == 0 || size%PageSize != 0 {
		return errors.WithMessage(ErrFault, "range not page aligned")
	}
	if err := checkRange(offset, size, m.length); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed {
		return ErrNoSuchResource
	}

	var firstErr error
	for pgoff := offset; pgoff < offset+size; pgoff += PageSize {
		p := m.ensurePage(pgoff)
		var e error
		switch kind {
		case ManageInitialize:
			e = m.completeInitialize(p, pgoff)
		case ManageWriteback:
			e = m.completeWriteback(p, pgoff)
		default:
			e = errors.WithMessagef(ErrFault, "bad manage kind %d", kind)
		}
		if e != nil && firstErr == nil {
			firstErr = e
		}
	}

	m.updEvent.bump()
	m.progressMonitors()
	return firstErr
}

// completeInitialize handles updateRange(initialize) for one page.
// Must be called with m.mu held.
func (m *ManagedSpace) completeInitialize(p *ManagedPage, pgoff uint64) error {
	switch p.loadState {
	case StateWantInitialization:
		m.initList.remove(&p.cachePage)
		fallthrough
	case StateInitialization, StateMissing:
		// A pager that never touched the backing view leaves a hole;
		// the page still has to come up zeroed.
		if p.physical == physmem.NoAddr {
			phys, aerr := m.pool.Allocate(64, PageSize, PageSize)
			if aerr != nil {
				return errors.WithMessagef(ErrOutOfMemory, "page %#x: %s", pgoff, aerr)
			}
			p.physical = phys
		}
		p.loadState = StatePresent
		m.maybeMakeEvictable(p)
		return nil
	case StatePresent:
		return nil
	default:
		log.Errorf("managed space: pager completed initialize for page %#x in state %s", pgoff, p.loadState)
		return errors.WithMessagef(ErrFault, "page %#x: initialize completion in state %s", pgoff, p.loadState)
	}
}

// completeWriteback handles updateRange(writeback) for one page.
// Must be called with m.mu held.
func (m *ManagedSpace) completeWriteback(p *ManagedPage, pgoff uint64) error {
	switch p.loadState {
	case StateWantWriteback:
		m.wbList.remove(&p.cachePage)
		fallthrough
	case StateWriteback:
		p.loadState = StatePresent
		m.maybeMakeEvictable(p)
		return nil
	case StateAnotherWriteback:
		// dirtied again while the pager was writing: queue one more round
		p.loadState = StateWantWriteback
		m.wbList.pushBack(&p.cachePage)
		m.mgmtEvent.bump()
		return nil
	case StatePresent, StateMissing:
		return nil
	case StateInitialization:
		// buggy pager: let a later one redo the page from scratch
		p.loadState = StateWantInitialization
		m.initList.pushBack(&p.cachePage)
		m.mgmtEvent.bump()
		log.Errorf("managed space: pager completed writeback for page %#x mid-initialization", pgoff)
		return errors.WithMessagef(ErrFault, "page %#x: writeback completion while initializing", pgoff)
	default:
		return errors.WithMessagef(ErrFault, "page %#x: writeback completion in state %s", pgoff, p.loadState)
	}
}

// submitMonitor implements SubmitInitiateLoad on the frontal view: it
// resolves once [offset, offset+size) is initialized (resp. clean).
func (m *ManagedSpace) submitMonitor(ctx context.Context, kind ManageKind, offset, size uint64) (err error) {
	defer xerr.Contextf(&err, "frontal view: initiateLoad %s [%#x +%d)", kind, offset, size)

	if kind != ManageInitialize && kind != ManageWriteback {
		return errors.WithMessagef(ErrFault, "bad manage kind %d", kind)
	}
	if err := checkRange(offset, size, m.length); err != nil {
		return err
	}
	if size == 0 {
		return nil
	}

	node := &monitorNode{kind: kind, offset: offset, size: size, done: make(chan struct{})}

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrNoSuchResource
	}
	m.monitors = append(m.monitors, node)
	m.kickMonitorRange(node)
	m.progressMonitors()
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		// the monitor stays queued; its state-machine effects stand
		return ctx.Err()
	case <-node.done:
		return node.err
	}
}

// kickMonitorRange starts initialization for the missing pages an
// initialize-monitor covers. Must be called with m.mu held.
func (m *ManagedSpace) kickMonitorRange(node *monitorNode) {
	if node.kind != ManageInitialize {
		return
	}
	queued := false
	for pgoff := pageFloor(node.offset); pgoff < pageCeil(node.offset+node.size); pgoff += PageSize {
		p := m.ensurePage(pgoff)
		if p.loadState == StateMissing {
			p.loadState = StateWantInitialization
			m.initList.pushBack(&p.cachePage)
			queued = true
		}
	}
	if queued {
		m.mgmtEvent.bump()
	}
}

// progressMonitors completes every monitor whose range has reached its goal
// state. Must be called with m.mu held.
func (m *ManagedSpace) progressMonitors() {
	keep := m.monitors[:0]
	for _, node := range m.monitors {
		if m.monitorDone(node) {
			close(node.done)
		} else {
			keep = append(keep, node)
		}
	}
	m.monitors = keep
}

func (m *ManagedSpace) monitorDone(node *monitorNode) bool {
	for pgoff := pageFloor(node.offset); pgoff < pageCeil(node.offset+node.size); pgoff += PageSize {
		p := m.pageAt(pgoff)
		switch node.kind {
		case ManageInitialize:
			if p == nil || !p.loadState.resident() {
				// a page evicted in between must be brought in again
				if p != nil && p.loadState == StateMissing {
					p.loadState = StateWantInitialization
					m.initList.pushBack(&p.cachePage)
					m.mgmtEvent.bump()
				}
				return false
			}
		case ManageWriteback:
			// a clean present page passes immediately; a dirty one
			// keeps the monitor pending until the pager completes,
			// subsuming the writeback notification
			if p != nil && p.loadState.dirty() {
				return false
			}
			if p != nil && p.loadState == StateInitialization {
				return false
			}
		}
	}
	return true
}

// ---- reclaim hooks ----

// uncachePage evicts one clean, unlocked, present page: it posts the range
// to the eviction queue, waits for every observer to acknowledge, and only
// then frees the physical page.
func (m *ManagedSpace) uncachePage(ctx context.Context, cp *CachePage) (err error) {
	pgoff := cp.identity
	defer xerr.Contextf(&err, "managed space: uncache page %#x", pgoff)

	m.mu.Lock()
	p := m.pageAt(pgoff)
	if p == nil || p.loadState != StatePresent || p.lockCount > 0 {
		// became ineligible since the reclaimer picked it
		m.rec.reset(cp)
		m.mu.Unlock()
		return nil
	}
	p.loadState = StateEvicting
	m.updEvent.bump()
	m.mu.Unlock()

	if err := m.evictq.EvictRange(ctx, pgoff, PageSize); err != nil {
		// not every observer acked: the page must stay resident
		m.mu.Lock()
		if p.loadState == StateEvicting {
			p.loadState = StatePresent
		}
		m.rec.reset(cp)
		m.updEvent.bump()
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	phys := p.physical
	p.physical = physmem.NoAddr
	p.loadState = StateMissing
	m.rec.reset(cp)
	m.updEvent.bump()
	m.progressMonitors()
	m.mu.Unlock()

	m.pool.Free(phys, PageSize)
	return nil
}

// retirePage runs when the last reference on a page is dropped; if the page
// ended up clean, present and unlocked it goes back to the reclaim LRU.
func (m *ManagedSpace) retirePage(cp *CachePage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed {
		return
	}
	p := m.pageAt(cp.identity)
	if p != nil {
		m.maybeMakeEvictable(p)
	}
}

// ---- resize ----

// resize implements Resize on the backing view.
func (m *ManagedSpace) resize(ctx context.Context, newSize uint64) (err error) {
	defer xerr.Contextf(&err, "managed space: resize -> %d", newSize)

	if err := checkLength(newSize); err != nil {
		return err
	}
	if newSize%PageSize != 0 {
		return errors.WithMessagef(ErrFault, "new length %d not page aligned", newSize)
	}

	m.mu.Lock()
	oldSize := m.length
	if newSize >= oldSize {
		m.length = newSize
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.evictq.EvictRange(ctx, newSize, oldSize-newSize); err != nil {
		return err
	}

	m.mu.Lock()
	var frees []physmem.Addr
	for pgoff := newSize; pgoff < oldSize; pgoff += PageSize {
		p := m.pageAt(pgoff)
		if p == nil {
			continue
		}
		switch p.loadState {
		case StateWantInitialization:
			m.initList.remove(&p.cachePage)
		case StateWantWriteback:
			m.wbList.remove(&p.cachePage)
		}
		if p.cachePage.state != reclaimNone {
			m.rec.withdraw(&p.cachePage)
		}
		if p.physical != physmem.NoAddr {
			frees = append(frees, p.physical)
		}
		m.pages.Delete(pgoff >> PageShift)
	}
	m.length = newSize
	m.updEvent.bump()
	m.progressMonitors()
	m.mu.Unlock()

	for _, phys := range frees {
		m.pool.Free(phys, PageSize)
	}
	return nil
}

// ---- the two faces ----

// BackingView is the pager-facing half of a ManagedSpace: every page is
// presented whether or not it is initialized, and the pager drives
// SubmitManage / UpdateRange against it.
type BackingView struct {
	defaultView
	m *ManagedSpace
}

func NewBackingView(m *ManagedSpace) *BackingView {
	return &BackingView{defaultView{evictq: &m.evictq}, m}
}

func (v *BackingView) Length() uint64 {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	return v.m.length
}

func (v *BackingView) AddressIdentity(offset uint64) (AddressIdentity, error) {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	if err := checkRange(offset, 1, v.m.length); err != nil {
		return AddressIdentity{}, err
	}
	// both faces hand out the same identity: they are windows onto the
	// same bytes
	return AddressIdentity{Object: v.m, Offset: offset}, nil
}

func (v *BackingView) LockRange(offset, size uint64) error {
	return v.m.lockPages(offset, size)
}

func (v *BackingView) AsyncLockRange(ctx context.Context, offset, size uint64) error {
	return v.m.lockPages(offset, size)
}

func (v *BackingView) UnlockRange(offset, size uint64) {
	v.m.unlockPages(offset, size)
}

func (v *BackingView) PeekRange(offset uint64) (PhysicalRange, bool) {
	return v.m.peek(offset)
}

func (v *BackingView) FetchRange(ctx context.Context, offset uint64) (PhysicalRange, error) {
	return v.m.backingFetch(ctx, offset)
}

func (v *BackingView) MarkDirty(offset, size uint64) {
	v.m.markDirty(offset, size)
}

func (v *BackingView) Resize(ctx context.Context, newSize uint64) error {
	return v.m.resize(ctx, newSize)
}

func (v *BackingView) SubmitManage(ctx context.Context) (ManageRequest, error) {
	return v.m.submitManage(ctx)
}

func (v *BackingView) UpdateRange(kind ManageKind, offset, size uint64) error {
	return v.m.updateRange(kind, offset, size)
}

// FrontalView is the user-facing half of a ManagedSpace: fetching a page
// that is not resident kicks the pager and suspends until it publishes the
// page.
type FrontalView struct {
	defaultView
	m *ManagedSpace
}

func NewFrontalView(m *ManagedSpace) *FrontalView {
	return &FrontalView{defaultView{evictq: &m.evictq}, m}
}

func (v *FrontalView) Length() uint64 {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	return v.m.length
}

func (v *FrontalView) AddressIdentity(offset uint64) (AddressIdentity, error) {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	if err := checkRange(offset, 1, v.m.length); err != nil {
		return AddressIdentity{}, err
	}
	return AddressIdentity{Object: v.m, Offset: offset}, nil
}

func (v *FrontalView) LockRange(offset, size uint64) error {
	return v.m.lockPages(offset, size)
}

func (v *FrontalView) AsyncLockRange(ctx context.Context, offset, size uint64) error {
	return v.m.lockPages(offset, size)
}

func (v *FrontalView) UnlockRange(offset, size uint64) {
	v.m.unlockPages(offset, size)
}

func (v *FrontalView) PeekRange(offset uint64) (PhysicalRange, bool) {
	return v.m.peek(offset)
}

func (v *FrontalView) FetchRange(ctx context.Context, offset uint64) (PhysicalRange, error) {
	return v.m.frontalFetch(ctx, offset)
}

func (v *FrontalView) MarkDirty(offset, size uint64) {
	v.m.markDirty(offset, size)
}

func (v *FrontalView) SubmitInitiateLoad(ctx context.Context, kind ManageKind, offset, size uint64) error {
	return v.m.submitMonitor(ctx, kind, offset, size)
}

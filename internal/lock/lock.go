// Package lock implements record locks keyed by slot id.
//
// Locks are owned by lockers (a transaction, or a single non-transactional
// cursor operation). An owner may hold a lock several times; every
// acquisition is counted and can be undone individually with Revert.
package lock

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/alexhholmes/cedar/internal/base"
)

var (
	ErrTimeout  = errors.New("lock: timeout waiting for record lock")
	ErrDeadlock = errors.New("lock: deadlock detected")
)

// Type is the requested or held mode of a record lock.
type Type uint8

const (
	None Type = iota
	Read
	Write
)

func (t Type) String() string {
	switch t {
	case Read:
		return "READ"
	case Write:
		return "WRITE"
	default:
		return "NONE"
	}
}

// Owner identifies a locker.
type Owner uint64

var lastOwner atomic.Uint64

// NewOwner allocates a fresh owner id.
func NewOwner() Owner {
	return Owner(lastOwner.Add(1))
}

// Grant tells what an acquisition changed so that it can be reverted.
type Grant uint8

const (
	// GrantNone: nothing was requested.
	GrantNone Grant = iota
	// GrantNew: the owner did not hold the lock before.
	GrantNew
	// GrantUpgrade: a read lock became a write lock.
	GrantUpgrade
	// GrantExisting: the owner already held a sufficient lock.
	GrantExisting
)

type holder struct {
	typ   Type
	count int
}

type entry struct {
	holders map[Owner]*holder
	// changed is closed and replaced whenever holders shrink or downgrade.
	changed chan struct{}
	waiters int
}

func (e *entry) notify() {
	close(e.changed)
	e.changed = make(chan struct{})
}

type wait struct {
	id  base.SlotID
	typ Type
}

// Stats are cumulative lock manager counters.
type Stats struct {
	Requests  uint64
	Waits     uint64
	Timeouts  uint64
	Deadlocks uint64
}

// Manager is the lock table.
type Manager struct {
	mu       sync.Mutex
	locks    map[base.SlotID]*entry
	owned    map[Owner]map[base.SlotID]struct{}
	waitsFor map[Owner]wait
	timeout  time.Duration

	requests  atomic.Uint64
	waits     atomic.Uint64
	timeouts  atomic.Uint64
	deadlocks atomic.Uint64
}

// NewManager creates a lock table with a default wait timeout. A zero
// timeout waits forever.
func NewManager(timeout time.Duration) *Manager {
	return &Manager{
		locks:    make(map[base.SlotID]*entry),
		owned:    make(map[Owner]map[base.SlotID]struct{}),
		waitsFor: make(map[Owner]wait),
		timeout:  timeout,
	}
}

// grantable reports whether owner may take typ on e right now. Requires mu.
func (e *entry) grantable(owner Owner, typ Type) bool {
	for o, h := range e.holders {
		if o == owner {
			continue
		}
		if typ == Write || h.typ == Write {
			return false
		}
	}
	return true
}

// acquire records a grant. Requires mu and grantable.
func (m *Manager) acquire(id base.SlotID, e *entry, owner Owner, typ Type) Grant {
	h, ok := e.holders[owner]
	if !ok {
		e.holders[owner] = &holder{typ: typ, count: 1}
		set := m.owned[owner]
		if set == nil {
			set = make(map[base.SlotID]struct{})
			m.owned[owner] = set
		}
		set[id] = struct{}{}
		return GrantNew
	}
	h.count++
	if typ == Write && h.typ == Read {
		h.typ = Write
		return GrantUpgrade
	}
	return GrantExisting
}

func (m *Manager) entryFor(id base.SlotID) *entry {
	e := m.locks[id]
	if e == nil {
		e = &entry{holders: make(map[Owner]*holder), changed: make(chan struct{})}
		m.locks[id] = e
	}
	return e
}

// drop forgets e if nobody holds or waits on it. Requires mu.
func (m *Manager) drop(id base.SlotID, e *entry) {
	if len(e.holders) == 0 && e.waiters == 0 {
		delete(m.locks, id)
	}
}

// TryLock acquires without waiting. ok is false when another owner holds a
// conflicting lock.
func (m *Manager) TryLock(id base.SlotID, owner Owner, typ Type) (Grant, bool) {
	if typ == None {
		return GrantNone, true
	}
	m.requests.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entryFor(id)
	if !e.grantable(owner, typ) {
		m.drop(id, e)
		return GrantNone, false
	}
	return m.acquire(id, e, owner, typ), true
}

// Lock acquires, waiting for conflicting owners to release. Returns
// ErrDeadlock if waiting would close a cycle and ErrTimeout when the
// manager's timeout elapses.
func (m *Manager) Lock(id base.SlotID, owner Owner, typ Type) (Grant, error) {
	return m.LockTimeout(id, owner, typ, m.timeout)
}

// LockTimeout is Lock with an explicit timeout. Zero waits forever.
func (m *Manager) LockTimeout(id base.SlotID, owner Owner, typ Type, timeout time.Duration) (Grant, error) {
	if typ == None {
		return GrantNone, nil
	}
	m.requests.Add(1)

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	m.mu.Lock()
	e := m.entryFor(id)
	waited := false
	for {
		if e.grantable(owner, typ) {
			g := m.acquire(id, e, owner, typ)
			if waited {
				e.waiters--
				delete(m.waitsFor, owner)
			}
			m.mu.Unlock()
			return g, nil
		}

		if !waited {
			waited = true
			e.waiters++
			m.waitsFor[owner] = wait{id: id, typ: typ}
			m.waits.Add(1)
		}
		if m.cycle(owner) {
			m.abandon(id, e, owner)
			m.mu.Unlock()
			m.deadlocks.Add(1)
			return GrantNone, ErrDeadlock
		}

		ch := e.changed
		m.mu.Unlock()
		select {
		case <-ch:
		case <-deadline:
			m.mu.Lock()
			// Released between the timer firing and relocking
			if e.grantable(owner, typ) {
				continue
			}
			m.abandon(id, e, owner)
			m.mu.Unlock()
			m.timeouts.Add(1)
			return GrantNone, ErrTimeout
		}
		m.mu.Lock()
	}
}

// abandon withdraws a waiter. Requires mu.
func (m *Manager) abandon(id base.SlotID, e *entry, owner Owner) {
	e.waiters--
	delete(m.waitsFor, owner)
	m.drop(id, e)
}

// cycle reports whether owner's wait closes a waits-for cycle. Requires mu.
func (m *Manager) cycle(owner Owner) bool {
	visited := make(map[Owner]bool)
	var visit func(w Owner) bool
	visit = func(w Owner) bool {
		wt, ok := m.waitsFor[w]
		if !ok {
			return false
		}
		e := m.locks[wt.id]
		if e == nil {
			return false
		}
		for o, h := range e.holders {
			if o == w || (wt.typ != Write && h.typ != Write) {
				continue
			}
			if o == owner {
				return true
			}
			if visited[o] {
				continue
			}
			visited[o] = true
			if visit(o) {
				return true
			}
		}
		return false
	}
	return visit(owner)
}

// Revert undoes exactly one acquisition described by g.
func (m *Manager) Revert(id base.SlotID, owner Owner, g Grant) {
	if g == GrantNone {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.locks[id]
	if e == nil {
		return
	}
	h, ok := e.holders[owner]
	if !ok {
		return
	}
	h.count--
	switch {
	case g == GrantNew || h.count <= 0:
		m.release(id, e, owner)
	case g == GrantUpgrade:
		h.typ = Read
		e.notify()
	}
}

// Release drops every acquisition owner holds on id.
func (m *Manager) Release(id base.SlotID, owner Owner) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e := m.locks[id]; e != nil {
		if _, ok := e.holders[owner]; ok {
			m.release(id, e, owner)
		}
	}
}

// ReleaseRead drops owner's lock on id only if it is a read lock.
func (m *Manager) ReleaseRead(id base.SlotID, owner Owner) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e := m.locks[id]; e != nil {
		if h, ok := e.holders[owner]; ok && h.typ == Read {
			m.release(id, e, owner)
		}
	}
}

// ReleaseAll drops every lock owner holds.
func (m *Manager) ReleaseAll(owner Owner) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id := range m.owned[owner] {
		if e := m.locks[id]; e != nil {
			m.release(id, e, owner)
		}
	}
	delete(m.owned, owner)
}

// release requires mu.
func (m *Manager) release(id base.SlotID, e *entry, owner Owner) {
	delete(e.holders, owner)
	if set := m.owned[owner]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(m.owned, owner)
		}
	}
	e.notify()
	m.drop(id, e)
}

// Held returns the type of lock owner holds on id.
func (m *Manager) Held(id base.SlotID, owner Owner) Type {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e := m.locks[id]; e != nil {
		if h, ok := e.holders[owner]; ok {
			return h.typ
		}
	}
	return None
}

// IsLocked reports whether anyone holds or waits for a lock on id.
func (m *Manager) IsLocked(id base.SlotID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.locks[id]
	return e != nil && (len(e.holders) > 0 || e.waiters > 0)
}

// OwnedCount returns how many slots owner holds locks on.
func (m *Manager) OwnedCount(owner Owner) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.owned[owner])
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Requests:  m.requests.Load(),
		Waits:     m.waits.Load(),
		Timeouts:  m.timeouts.Load(),
		Deadlocks: m.deadlocks.Load(),
	}
}

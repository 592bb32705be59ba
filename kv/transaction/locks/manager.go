package locks

import (
	"sync"

	"github.com/ngaut/log"
	"github.com/sasha-s/go-deadlock"
)

// Txn is the transaction identity the lock manager needs. The transaction
// package's Transaction satisfies it.
type Txn interface {
	TransNum() uint64
}

// Lock is a granted (resource, type, transaction) triple. Type is never NL.
type Lock struct {
	Name     ResourceName
	Type     LockType
	TransNum uint64
}

// request is a pending lock request in a resource's wait queue. The
// granted channel receives nil when the request is granted, or an error
// when it is cancelled; it is buffered so queue processing never blocks on
// a waiter.
type request struct {
	txn     Txn
	lock    Lock
	release []ResourceName
	granted chan error
}

// resourceEntry is the per-resource lock table state: the granted set and
// the FIFO queue of pending requests. Every pair of granted locks is
// compatible; the queue head is incompatible with the granted set, or it
// would have been granted.
type resourceEntry struct {
	name    ResourceName
	granted []Lock
	queue   []*request
}

// LockManager maintains which transactions hold which locks on which
// resources, with a per-resource FIFO wait queue. It knows nothing of the
// resource hierarchy; multigranularity constraints are LockContext's job.
//
// All state is serialized by a single monitor. Blocked callers park on a
// per-request channel outside the monitor; a later release drains the queue
// head under the monitor and signals the channel. Strict FIFO: a compatible
// later request never overtakes a blocked earlier one — promotions and
// acquire-and-release requests are the only ones processed ahead of the
// queue, and even they wait, at the queue head, for compatibility with the
// granted set.
type LockManager struct {
	mu       deadlock.Mutex
	entries  map[string]*resourceEntry
	txnLocks map[uint64][]Lock

	rootsMu sync.Mutex
	roots   map[uint64]*Context
}

func NewLockManager() *LockManager {
	return &LockManager{
		entries:  make(map[string]*resourceEntry),
		txnLocks: make(map[uint64][]Lock),
		roots:    make(map[uint64]*Context),
	}
}

// Context returns the root lock context (label, id), creating it on first
// use. The context tree hangs off these roots.
func (lm *LockManager) Context(label string, id uint64) *Context {
	lm.rootsMu.Lock()
	defer lm.rootsMu.Unlock()
	if ctx, ok := lm.roots[id]; ok {
		return ctx
	}
	ctx := newContext(lm, nil, NewResourceName(label, id), false)
	lm.roots[id] = ctx
	return ctx
}

func (lm *LockManager) entryFor(name ResourceName) *resourceEntry {
	key := name.Key()
	e, ok := lm.entries[key]
	if !ok {
		e = &resourceEntry{name: name}
		lm.entries[key] = e
	}
	return e
}

// lockTypeLocked returns the type transaction transNum holds on name, or NL.
func (lm *LockManager) lockTypeLocked(transNum uint64, name ResourceName) LockType {
	for _, l := range lm.txnLocks[transNum] {
		if l.Name.Key() == name.Key() {
			return l.Type
		}
	}
	return NL
}

// compatibleLocked reports whether a lock of type t can coexist with every
// granted lock on e, ignoring locks held by transNum itself (a transaction
// never conflicts with its own lock; it is replaced on promotion).
func (e *resourceEntry) compatibleLocked(t LockType, transNum uint64) bool {
	for _, l := range e.granted {
		if l.TransNum == transNum {
			continue
		}
		if !Compatible(l.Type, t) {
			return false
		}
	}
	return true
}

func (lm *LockManager) grantLocked(e *resourceEntry, l Lock) {
	e.granted = append(e.granted, l)
	lm.txnLocks[l.TransNum] = append(lm.txnLocks[l.TransNum], l)
}

func (lm *LockManager) updateLocked(e *resourceEntry, transNum uint64, newType LockType) {
	for i := range e.granted {
		if e.granted[i].TransNum == transNum {
			e.granted[i].Type = newType
		}
	}
	held := lm.txnLocks[transNum]
	for i := range held {
		if held[i].Name.Key() == e.name.Key() {
			held[i].Type = newType
		}
	}
}

func (lm *LockManager) removeLocked(e *resourceEntry, transNum uint64) {
	granted := e.granted[:0]
	for _, l := range e.granted {
		if l.TransNum != transNum {
			granted = append(granted, l)
		}
	}
	e.granted = granted
	held := lm.txnLocks[transNum][:0]
	for _, l := range lm.txnLocks[transNum] {
		if l.Name.Key() != e.name.Key() {
			held = append(held, l)
		}
	}
	if len(held) == 0 {
		delete(lm.txnLocks, transNum)
	} else {
		lm.txnLocks[transNum] = held
	}
}

// processQueueLocked grants requests from the head of e's queue for as long
// as the head is compatible with the granted set. The head gate is the only
// way out of the queue.
func (lm *LockManager) processQueueLocked(e *resourceEntry) {
	for len(e.queue) > 0 {
		head := e.queue[0]
		if !e.compatibleLocked(head.lock.Type, head.lock.TransNum) {
			return
		}
		e.queue = e.queue[1:]
		lm.grantRequestLocked(e, head)
	}
}

// grantRequestLocked installs a request's lock, releases its release set,
// and wakes the waiter. Called with the manager monitor held.
func (lm *LockManager) grantRequestLocked(e *resourceEntry, req *request) {
	if lm.lockTypeLocked(req.lock.TransNum, e.name) != NL {
		lm.updateLocked(e, req.lock.TransNum, req.lock.Type)
	} else {
		lm.grantLocked(e, req.lock)
	}
	for _, rn := range req.release {
		if rn.Key() == e.name.Key() {
			continue // replaced above, not released
		}
		re := lm.entryFor(rn)
		lm.removeLocked(re, req.lock.TransNum)
		lm.processQueueLocked(re)
	}
	req.granted <- nil
}

// Acquire grants transaction txn a lock of type lockType on name, blocking
// until the lock is granted. Returns DuplicateLockRequestError if txn
// already holds any lock on name, or RequestCancelledError if the wait was
// cancelled by the transaction driver.
func (lm *LockManager) Acquire(txn Txn, name ResourceName, lockType LockType) error {
	lm.mu.Lock()
	transNum := txn.TransNum()
	if held := lm.lockTypeLocked(transNum, name); held != NL {
		lm.mu.Unlock()
		return &DuplicateLockRequestError{TransNum: transNum, Name: name, Held: held}
	}
	e := lm.entryFor(name)
	l := Lock{Name: name, Type: lockType, TransNum: transNum}
	if len(e.queue) == 0 && e.compatibleLocked(lockType, transNum) {
		lm.grantLocked(e, l)
		lm.mu.Unlock()
		return nil
	}
	req := &request{txn: txn, lock: l, granted: make(chan error, 1)}
	e.queue = append(e.queue, req)
	lm.mu.Unlock()
	log.Debugf("transaction %d blocked acquiring %v on %v", transNum, lockType, name)
	return <-req.granted
}

// Release releases txn's lock on name and drains the wait queue. Returns
// NoLockHeldError if txn holds no lock on name. Never blocks.
func (lm *LockManager) Release(txn Txn, name ResourceName) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	transNum := txn.TransNum()
	if lm.lockTypeLocked(transNum, name) == NL {
		return &NoLockHeldError{TransNum: transNum, Name: name}
	}
	e := lm.entryFor(name)
	lm.removeLocked(e, transNum)
	lm.processQueueLocked(e)
	return nil
}

// AcquireAndRelease atomically grants a lockType lock on name and releases
// txn's locks on every resource in releaseNames. The new request is
// processed at the front, never behind the queue: if it is compatible with
// the granted set it is granted immediately, otherwise it parks at the
// queue head. If name is in releaseNames the call is a replacement and no
// duplicate check applies. Every name in releaseNames must be held.
func (lm *LockManager) AcquireAndRelease(txn Txn, name ResourceName, lockType LockType, releaseNames []ResourceName) error {
	lm.mu.Lock()
	transNum := txn.TransNum()
	inRelease := false
	for _, rn := range releaseNames {
		if rn.Key() == name.Key() {
			inRelease = true
		}
		if lm.lockTypeLocked(transNum, rn) == NL {
			lm.mu.Unlock()
			return &NoLockHeldError{TransNum: transNum, Name: rn}
		}
	}
	if held := lm.lockTypeLocked(transNum, name); held != NL && !inRelease {
		lm.mu.Unlock()
		return &DuplicateLockRequestError{TransNum: transNum, Name: name, Held: held}
	}
	e := lm.entryFor(name)
	req := &request{
		txn:     txn,
		lock:    Lock{Name: name, Type: lockType, TransNum: transNum},
		release: releaseNames,
		granted: make(chan error, 1),
	}
	if e.compatibleLocked(lockType, transNum) {
		lm.grantRequestLocked(e, req)
		lm.mu.Unlock()
		return <-req.granted
	}
	e.queue = append([]*request{req}, e.queue...)
	lm.mu.Unlock()
	log.Debugf("transaction %d blocked on acquire-and-release of %v on %v", transNum, lockType, name)
	return <-req.granted
}

// Promote upgrades txn's lock on name to newType, blocking if the stronger
// type conflicts with other granted locks. A blocked promotion waits at the
// head of the queue, not the tail. newType must be strictly stronger than
// the held type; promotion to SIX is allowed from IS, IX, and S.
func (lm *LockManager) Promote(txn Txn, name ResourceName, newType LockType) error {
	lm.mu.Lock()
	transNum := txn.TransNum()
	old := lm.lockTypeLocked(transNum, name)
	if old == NL {
		lm.mu.Unlock()
		return &NoLockHeldError{TransNum: transNum, Name: name}
	}
	if old == newType {
		lm.mu.Unlock()
		return &DuplicateLockRequestError{TransNum: transNum, Name: name, Held: old}
	}
	validSIX := newType == SIX && (old == IS || old == IX || old == S)
	if !validSIX && !Substitutable(newType, old) {
		lm.mu.Unlock()
		return &InvalidLockError{
			TransNum: transNum,
			Name:     name,
			Reason:   newType.String() + " is not a promotion from " + old.String(),
		}
	}
	e := lm.entryFor(name)
	if e.compatibleLocked(newType, transNum) {
		lm.updateLocked(e, transNum, newType)
		lm.mu.Unlock()
		return nil
	}
	req := &request{
		txn:     txn,
		lock:    Lock{Name: name, Type: newType, TransNum: transNum},
		granted: make(chan error, 1),
	}
	e.queue = append([]*request{req}, e.queue...)
	lm.mu.Unlock()
	log.Debugf("transaction %d blocked promoting to %v on %v", transNum, newType, name)
	return <-req.granted
}

// CancelWaiting removes every queued request of txn and fails the blocked
// calls with RequestCancelledError. Used by the transaction driver to abort
// a transaction stuck in a wait. Granted locks are untouched.
func (lm *LockManager) CancelWaiting(txn Txn) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	transNum := txn.TransNum()
	for _, e := range lm.entries {
		removed := false
		queue := e.queue[:0]
		for _, req := range e.queue {
			if req.lock.TransNum == transNum {
				req.granted <- &RequestCancelledError{TransNum: transNum, Name: e.name}
				removed = true
				continue
			}
			queue = append(queue, req)
		}
		e.queue = queue
		if removed {
			// Removing a blocked head may unblock its successors.
			lm.processQueueLocked(e)
		}
	}
}

// GetLockType returns the type txn holds on name, or NL.
func (lm *LockManager) GetLockType(txn Txn, name ResourceName) LockType {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.lockTypeLocked(txn.TransNum(), name)
}

// GetLocks returns the locks txn holds, in acquisition order.
func (lm *LockManager) GetLocks(txn Txn) []Lock {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	held := lm.txnLocks[txn.TransNum()]
	out := make([]Lock, len(held))
	copy(out, held)
	return out
}

// GetLocksOnResource returns the granted locks on name.
func (lm *LockManager) GetLocksOnResource(name ResourceName) []Lock {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	e, ok := lm.entries[name.Key()]
	if !ok {
		return nil
	}
	out := make([]Lock, len(e.granted))
	copy(out, e.granted)
	return out
}

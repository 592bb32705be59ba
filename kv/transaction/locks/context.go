package locks

import (
	"sort"
	"sync"
)

// Context is a node of the lock hierarchy (database, table, page, ...)
// wrapping the LockManager with the multigranularity discipline: intent
// locks on ancestors before real locks below, bottom-up release, SIX
// redundancy rules, and escalation. Children are materialized lazily; the
// parent link is a plain back-pointer.
type Context struct {
	lockman *LockManager
	parent  *Context
	name    ResourceName

	// readonly contexts reject all mutating calls. childLocksDisabled makes
	// every new child readonly; used for indexes and temporary tables.
	readonly           bool
	childLocksDisabled bool

	mu            sync.Mutex
	children      map[uint64]*Context
	numChildLocks map[uint64]int
}

func newContext(lockman *LockManager, parent *Context, name ResourceName, readonly bool) *Context {
	return &Context{
		lockman:            lockman,
		parent:             parent,
		name:               name,
		readonly:           readonly,
		childLocksDisabled: readonly,
		children:           make(map[uint64]*Context),
		numChildLocks:      make(map[uint64]int),
	}
}

// FromResourceName returns the context for name, materializing the path.
func FromResourceName(lockman *LockManager, name ResourceName) *Context {
	names := name.Names()
	ctx := lockman.Context(names[0].First, names[0].Second)
	for _, e := range names[1:] {
		ctx = ctx.ChildContext(e.First, e.Second)
	}
	return ctx
}

func (c *Context) Name() ResourceName { return c.name }

func (c *Context) Parent() *Context { return c.parent }

// ChildContext returns the child context (label, id), creating it on first
// use. New children are readonly when child locks are disabled here.
func (c *Context) ChildContext(label string, id uint64) *Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if child, ok := c.children[id]; ok {
		return child
	}
	child := newContext(c.lockman, c, c.name.Child(label, id), c.childLocksDisabled || c.readonly)
	c.children[id] = child
	return child
}

// DisableChildLocks makes all new child contexts readonly. Used where
// finer-grain locking is disallowed (indexes, temporary tables).
func (c *Context) DisableChildLocks() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.childLocksDisabled = true
}

// GetNumChildren returns the number of locks txn holds on this context's
// direct children. Locks further down are counted at their own parents, not
// here.
func (c *Context) GetNumChildren(txn Txn) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.numChildLocks[txn.TransNum()]
}

func (c *Context) addChildLock(transNum uint64, delta int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.numChildLocks[transNum] += delta
}

func (c *Context) setChildLocks(transNum uint64, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.numChildLocks[transNum] = n
}

// hasSIXAncestor reports whether txn holds SIX on any strict ancestor.
func (c *Context) hasSIXAncestor(txn Txn) bool {
	for p := c.parent; p != nil; p = p.parent {
		if c.lockman.GetLockType(txn, p.name) == SIX {
			return true
		}
	}
	return false
}

// checkMultigranularity validates an acquire or promote of lockType here
// against the transaction's lock on the parent.
func (c *Context) checkMultigranularity(txn Txn, lockType LockType) error {
	if c.parent == nil {
		return nil
	}
	parentLock := c.lockman.GetLockType(txn, c.parent.name)
	switch lockType {
	case S, IS:
		if c.hasSIXAncestor(txn) {
			return &InvalidLockError{
				TransNum: txn.TransNum(),
				Name:     c.name,
				Reason:   "an ancestor SIX lock already covers " + lockType.String(),
			}
		}
		if parentLock != IS && parentLock != IX {
			return &InvalidLockError{
				TransNum: txn.TransNum(),
				Name:     c.name,
				Reason:   lockType.String() + " requires IS or IX on the parent, parent holds " + parentLock.String(),
			}
		}
	case X, IX, SIX:
		if parentLock != IX && parentLock != SIX {
			return &InvalidLockError{
				TransNum: txn.TransNum(),
				Name:     c.name,
				Reason:   lockType.String() + " requires IX or SIX on the parent, parent holds " + parentLock.String(),
			}
		}
	}
	return nil
}

// Acquire obtains a lockType lock here for txn, enforcing multigranularity
// pre-conditions, and updates the parent's child-lock count.
func (c *Context) Acquire(txn Txn, lockType LockType) error {
	if c.readonly {
		return &ReadOnlyContextError{Name: c.name}
	}
	if err := c.checkMultigranularity(txn, lockType); err != nil {
		return err
	}
	if err := c.lockman.Acquire(txn, c.name, lockType); err != nil {
		return err
	}
	if c.parent != nil {
		c.parent.addChildLock(txn.TransNum(), 1)
	}
	return nil
}

// Release releases txn's lock here. Locks must be released bottom-up: the
// call is invalid while txn still holds locks below this context.
func (c *Context) Release(txn Txn) error {
	if c.readonly {
		return &ReadOnlyContextError{Name: c.name}
	}
	if c.GetNumChildren(txn) > 0 {
		return &InvalidLockError{
			TransNum: txn.TransNum(),
			Name:     c.name,
			Reason:   "locks on children must be released first",
		}
	}
	if err := c.lockman.Release(txn, c.name); err != nil {
		return err
	}
	if c.parent != nil {
		c.parent.addChildLock(txn.TransNum(), -1)
	}
	return nil
}

// Promote upgrades txn's lock here to newType. Promotion to SIX from
// IS/IX/S atomically releases every descendant S and IS lock; holding SIX
// on an ancestor makes a SIX promotion redundant and invalid.
func (c *Context) Promote(txn Txn, newType LockType) error {
	if c.readonly {
		return &ReadOnlyContextError{Name: c.name}
	}
	if err := c.checkMultigranularity(txn, newType); err != nil {
		return err
	}
	if newType != SIX {
		return c.lockman.Promote(txn, c.name, newType)
	}

	if c.hasSIXAncestor(txn) {
		return &InvalidLockError{
			TransNum: txn.TransNum(),
			Name:     c.name,
			Reason:   "an ancestor already holds SIX",
		}
	}
	old := c.lockman.GetLockType(txn, c.name)
	switch old {
	case NL:
		return &NoLockHeldError{TransNum: txn.TransNum(), Name: c.name}
	case SIX:
		return &DuplicateLockRequestError{TransNum: txn.TransNum(), Name: c.name, Held: old}
	case IS, IX, S:
	default:
		return &InvalidLockError{
			TransNum: txn.TransNum(),
			Name:     c.name,
			Reason:   "SIX is not a promotion from " + old.String(),
		}
	}
	sis := c.descendantLocks(txn, func(t LockType) bool { return t == S || t == IS })
	releaseNames := append(sis, c.name)
	if err := c.lockman.AcquireAndRelease(txn, c.name, SIX, releaseNames); err != nil {
		return err
	}
	for _, rn := range sis {
		if parentName, ok := rn.Parent(); ok {
			FromResourceName(c.lockman, parentName).addChildLock(txn.TransNum(), -1)
		}
	}
	return nil
}

// Escalate replaces txn's intent lock here and all its descendant locks
// with a single S or X lock: S when every descendant lock is readable under
// S, X otherwise. A no-op when the lock here is already S or X. One
// mutating call to the lock manager.
func (c *Context) Escalate(txn Txn) error {
	if c.readonly {
		return &ReadOnlyContextError{Name: c.name}
	}
	current := c.lockman.GetLockType(txn, c.name)
	if current == NL {
		return &NoLockHeldError{TransNum: txn.TransNum(), Name: c.name}
	}
	if current == S || current == X {
		return nil
	}
	target := X
	if Substitutable(S, current) {
		target = S
	}
	descendants := c.descendantLocks(txn, func(t LockType) bool { return t != NL })
	if target == S {
		for _, rn := range descendants {
			if !Substitutable(S, c.lockman.GetLockType(txn, rn)) {
				target = X
				break
			}
		}
	}
	releaseNames := append(descendants, c.name)
	if err := c.lockman.AcquireAndRelease(txn, c.name, target, releaseNames); err != nil {
		return err
	}
	c.zeroChildLocks(txn.TransNum())
	return nil
}

// descendantLocks returns the names of txn's locks strictly below this
// context whose type satisfies keep. The walk goes through the lock
// manager's per-transaction index rather than the children map, so
// descendants locked through a context that was never materialized here are
// still found.
func (c *Context) descendantLocks(txn Txn, keep func(LockType) bool) []ResourceName {
	var out []ResourceName
	for _, l := range c.lockman.GetLocks(txn) {
		if l.Name.IsDescendantOf(c.name) && keep(l.Type) {
			out = append(out, l.Name)
		}
	}
	return out
}

// zeroChildLocks clears the child-lock counts for transNum on this context
// and every materialized context below it.
func (c *Context) zeroChildLocks(transNum uint64) {
	c.setChildLocks(transNum, 0)
	c.mu.Lock()
	children := make([]*Context, 0, len(c.children))
	for _, child := range c.children {
		children = append(children, child)
	}
	c.mu.Unlock()
	for _, child := range children {
		child.zeroChildLocks(transNum)
	}
}

// ReleaseAll releases every lock txn holds, deepest first so the
// bottom-up discipline is respected. Called from the transaction driver's
// cleanup once a transaction finishes.
func ReleaseAll(lm *LockManager, txn Txn) error {
	held := lm.GetLocks(txn)
	sort.SliceStable(held, func(i, j int) bool {
		return len(held[i].Name.Names()) > len(held[j].Name.Names())
	})
	for _, l := range held {
		ctx := FromResourceName(lm, l.Name)
		if err := lm.Release(txn, l.Name); err != nil {
			return err
		}
		if ctx.parent != nil {
			ctx.parent.addChildLock(txn.TransNum(), -1)
		}
	}
	return nil
}

// GetExplicitLockType returns the lock txn holds at exactly this level.
func (c *Context) GetExplicitLockType(txn Txn) LockType {
	if txn == nil {
		return NL
	}
	return c.lockman.GetLockType(txn, c.name)
}

// GetEffectiveLockType returns the lock txn effectively has here: the
// explicit lock if it is a real lock, otherwise the first non-intent
// ancestor lock (SIX counting as S at this level). When no ancestor holds a
// non-intent lock, the explicit lock here is returned as is: NL, or the
// intent lock itself.
func (c *Context) GetEffectiveLockType(txn Txn) LockType {
	if txn == nil {
		return NL
	}
	explicit := c.GetExplicitLockType(txn)
	if (explicit == NL || explicit.IsIntent()) && c.parent != nil {
		parentEffective := c.parent.GetEffectiveLockType(txn)
		if !parentEffective.IsIntent() {
			return parentEffective
		}
		if parentEffective == SIX {
			return S
		}
	}
	return explicit
}

package locks

// EnsureSufficient makes sure txn can perform actions requiring requestType
// (NL, S, or X) on ctx, acquiring, promoting, or escalating as needed while
// granting the least permissive set of locks that suffices. Ancestor intent
// locks (IS for S, IX for X) are acquired or promoted top-down first.
//
// The transaction is passed explicitly on every call; there is no ambient
// current-transaction state.
func EnsureSufficient(txn Txn, ctx *Context, requestType LockType) error {
	if txn == nil || ctx == nil {
		return nil
	}
	if requestType != NL && requestType != S && requestType != X {
		return &InvalidLockError{
			TransNum: txn.TransNum(),
			Name:     ctx.name,
			Reason:   "only NL, S, and X can be ensured, not " + requestType.String(),
		}
	}
	if Substitutable(ctx.GetEffectiveLockType(txn), requestType) {
		return nil
	}
	if err := ensureAncestors(txn, ctx.parent, ParentLock(requestType)); err != nil {
		return err
	}
	explicit := ctx.GetExplicitLockType(txn)
	switch {
	case explicit == IX && requestType == S:
		return ctx.Promote(txn, SIX)
	case explicit.IsIntent():
		if err := ctx.Escalate(txn); err != nil {
			return err
		}
		if Substitutable(ctx.GetExplicitLockType(txn), requestType) {
			return nil
		}
		return ctx.Promote(txn, requestType)
	case explicit == NL:
		return ctx.Acquire(txn, requestType)
	default:
		return ctx.Promote(txn, requestType)
	}
}

// ensureAncestors guarantees intentType (IS or IX) is effectively held on
// ctx and all its ancestors, outermost first.
func ensureAncestors(txn Txn, ctx *Context, intentType LockType) error {
	if ctx == nil || intentType == NL {
		return nil
	}
	if err := ensureAncestors(txn, ctx.parent, intentType); err != nil {
		return err
	}
	held := ctx.GetExplicitLockType(txn)
	if held == NL {
		return ctx.Acquire(txn, intentType)
	}
	if !Substitutable(held, intentType) {
		return ctx.Promote(txn, intentType)
	}
	return nil
}

package locks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hierarchy returns a database context with two tables; the first table has
// two pages.
func hierarchy(lm *LockManager) (db, tbl0, tbl1, page0, page1 *Context) {
	db = lm.Context("database", 0)
	tbl0 = db.ChildContext("table", 1)
	tbl1 = db.ChildContext("table", 2)
	page0 = tbl0.ChildContext("page", 10)
	page1 = tbl0.ChildContext("page", 11)
	return
}

func TestContextAcquireRequiresParentIntent(t *testing.T) {
	lm := NewLockManager()
	_, tbl0, _, _, _ := hierarchy(lm)

	var invalid *InvalidLockError
	require.ErrorAs(t, tbl0.Acquire(testTxn(0), S), &invalid)
}

func TestContextAcquireWithParentIntent(t *testing.T) {
	lm := NewLockManager()
	db, tbl0, _, _, _ := hierarchy(lm)

	require.NoError(t, db.Acquire(testTxn(0), IS))
	require.NoError(t, tbl0.Acquire(testTxn(0), S))
	assert.Equal(t, S, tbl0.GetExplicitLockType(testTxn(0)))
	assert.Equal(t, 1, db.GetNumChildren(testTxn(0)))

	// X below IS is invalid; it needs IX or SIX above.
	var invalid *InvalidLockError
	require.ErrorAs(t, db.ChildContext("table", 2).Acquire(testTxn(0), X), &invalid)
}

func TestSIXRedundancy(t *testing.T) {
	lm := NewLockManager()
	db, tbl0, _, page0, _ := hierarchy(lm)

	require.NoError(t, db.Acquire(testTxn(0), SIX))
	var invalid *InvalidLockError
	require.ErrorAs(t, tbl0.Acquire(testTxn(0), S), &invalid)
	require.ErrorAs(t, tbl0.Acquire(testTxn(0), IS), &invalid)

	// Descendants of a descendant are covered too.
	require.NoError(t, tbl0.Acquire(testTxn(0), IX))
	require.ErrorAs(t, page0.Acquire(testTxn(0), S), &invalid)
	require.NoError(t, page0.Acquire(testTxn(0), X))
}

func TestReleaseBottomUp(t *testing.T) {
	lm := NewLockManager()
	db, tbl0, _, _, _ := hierarchy(lm)

	require.NoError(t, db.Acquire(testTxn(0), IS))
	require.NoError(t, tbl0.Acquire(testTxn(0), S))

	var invalid *InvalidLockError
	require.ErrorAs(t, db.Release(testTxn(0)), &invalid)

	require.NoError(t, tbl0.Release(testTxn(0)))
	assert.Equal(t, 0, db.GetNumChildren(testTxn(0)))
	require.NoError(t, db.Release(testTxn(0)))
}

func TestPromoteToSIXReleasesSISDescendants(t *testing.T) {
	lm := NewLockManager()
	db, tbl0, _, page0, page1 := hierarchy(lm)

	require.NoError(t, db.Acquire(testTxn(0), IX))
	require.NoError(t, tbl0.Acquire(testTxn(0), IX))
	require.NoError(t, page0.Acquire(testTxn(0), S))
	require.NoError(t, page1.Acquire(testTxn(0), X))
	require.Equal(t, 2, tbl0.GetNumChildren(testTxn(0)))

	require.NoError(t, tbl0.Promote(testTxn(0), SIX))
	assert.Equal(t, SIX, tbl0.GetExplicitLockType(testTxn(0)))
	// The S descendant is absorbed, the X descendant survives.
	assert.Equal(t, NL, page0.GetExplicitLockType(testTxn(0)))
	assert.Equal(t, X, page1.GetExplicitLockType(testTxn(0)))
	assert.Equal(t, 1, tbl0.GetNumChildren(testTxn(0)))
}

func TestPromoteToSIXUnderSIXAncestorInvalid(t *testing.T) {
	lm := NewLockManager()
	db, tbl0, _, _, _ := hierarchy(lm)

	require.NoError(t, db.Acquire(testTxn(0), SIX))
	require.NoError(t, tbl0.Acquire(testTxn(0), IX))
	var invalid *InvalidLockError
	require.ErrorAs(t, tbl0.Promote(testTxn(0), SIX), &invalid)
}

func TestEscalateToS(t *testing.T) {
	lm := NewLockManager()
	db, tbl0, _, page0, page1 := hierarchy(lm)

	require.NoError(t, db.Acquire(testTxn(0), IS))
	require.NoError(t, tbl0.Acquire(testTxn(0), IS))
	require.NoError(t, page0.Acquire(testTxn(0), S))
	require.NoError(t, page1.Acquire(testTxn(0), S))

	require.NoError(t, tbl0.Escalate(testTxn(0)))
	assert.Equal(t, S, tbl0.GetExplicitLockType(testTxn(0)))
	assert.Equal(t, NL, page0.GetExplicitLockType(testTxn(0)))
	assert.Equal(t, NL, page1.GetExplicitLockType(testTxn(0)))
	assert.Equal(t, 0, tbl0.GetNumChildren(testTxn(0)))

	// Escalating again changes nothing.
	require.NoError(t, tbl0.Escalate(testTxn(0)))
	assert.Equal(t, S, tbl0.GetExplicitLockType(testTxn(0)))
}

func TestEscalateToX(t *testing.T) {
	lm := NewLockManager()
	db, tbl0, _, page0, page1 := hierarchy(lm)

	require.NoError(t, db.Acquire(testTxn(0), IX))
	require.NoError(t, tbl0.Acquire(testTxn(0), IX))
	require.NoError(t, page0.Acquire(testTxn(0), S))
	require.NoError(t, page1.Acquire(testTxn(0), X))

	require.NoError(t, tbl0.Escalate(testTxn(0)))
	assert.Equal(t, X, tbl0.GetExplicitLockType(testTxn(0)))
	assert.Equal(t, NL, page0.GetExplicitLockType(testTxn(0)))
	assert.Equal(t, NL, page1.GetExplicitLockType(testTxn(0)))
	assert.Len(t, lm.GetLocks(testTxn(0)), 2) // IX(db), X(tbl0)
}

func TestEscalateRequiresLock(t *testing.T) {
	lm := NewLockManager()
	_, tbl0, _, _, _ := hierarchy(lm)
	var absent *NoLockHeldError
	require.ErrorAs(t, tbl0.Escalate(testTxn(0)), &absent)
}

func TestEffectiveLockType(t *testing.T) {
	lm := NewLockManager()
	db, tbl0, _, page0, _ := hierarchy(lm)

	require.NoError(t, db.Acquire(testTxn(0), SIX))
	require.NoError(t, tbl0.Acquire(testTxn(0), IX))
	require.NoError(t, page0.Acquire(testTxn(0), X))

	// SIX above implies S here; the explicit IX does not mask it.
	assert.Equal(t, S, tbl0.GetEffectiveLockType(testTxn(0)))
	assert.Equal(t, X, page0.GetEffectiveLockType(testTxn(0)))
	assert.Equal(t, SIX, db.GetEffectiveLockType(testTxn(0)))

	// Another transaction holds nothing anywhere.
	assert.Equal(t, NL, tbl0.GetEffectiveLockType(testTxn(1)))
}

func TestEffectiveLockTypeIntentOnly(t *testing.T) {
	lm := NewLockManager()
	db, tbl0, _, page0, _ := hierarchy(lm)

	require.NoError(t, db.Acquire(testTxn(0), IS))
	require.NoError(t, tbl0.Acquire(testTxn(0), IS))
	assert.Equal(t, NL, page0.GetEffectiveLockType(testTxn(0)))

	require.NoError(t, tbl0.Promote(testTxn(0), S))
	assert.Equal(t, S, page0.GetEffectiveLockType(testTxn(0)))
	_ = db
}

func TestReadonlyContext(t *testing.T) {
	lm := NewLockManager()
	db := lm.Context("database", 0)
	idx := db.ChildContext("index", 5)
	idx.DisableChildLocks()
	leaf := idx.ChildContext("leaf", 50)

	var readonly *ReadOnlyContextError
	require.ErrorAs(t, leaf.Acquire(testTxn(0), S), &readonly)
	require.ErrorAs(t, leaf.Release(testTxn(0)), &readonly)
	require.ErrorAs(t, leaf.Promote(testTxn(0), X), &readonly)
	require.ErrorAs(t, leaf.Escalate(testTxn(0)), &readonly)
}

func TestReleaseAll(t *testing.T) {
	lm := NewLockManager()
	db, tbl0, _, page0, _ := hierarchy(lm)

	require.NoError(t, db.Acquire(testTxn(0), IX))
	require.NoError(t, tbl0.Acquire(testTxn(0), IX))
	require.NoError(t, page0.Acquire(testTxn(0), X))

	require.NoError(t, ReleaseAll(lm, testTxn(0)))
	assert.Empty(t, lm.GetLocks(testTxn(0)))
	assert.Equal(t, 0, db.GetNumChildren(testTxn(0)))
	assert.Equal(t, 0, tbl0.GetNumChildren(testTxn(0)))
}

package locks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureSufficientSimpleAcquire(t *testing.T) {
	lm := NewLockManager()
	db, tbl0, _, page0, _ := hierarchy(lm)

	require.NoError(t, EnsureSufficient(testTxn(0), page0, S))
	assert.Equal(t, IS, db.GetExplicitLockType(testTxn(0)))
	assert.Equal(t, IS, tbl0.GetExplicitLockType(testTxn(0)))
	assert.Equal(t, S, page0.GetExplicitLockType(testTxn(0)))

	// Idempotent.
	require.NoError(t, EnsureSufficient(testTxn(0), page0, S))
	assert.Len(t, lm.GetLocks(testTxn(0)), 3)
}

func TestEnsureSufficientUpgradesAncestors(t *testing.T) {
	lm := NewLockManager()
	db, tbl0, _, page0, _ := hierarchy(lm)

	require.NoError(t, EnsureSufficient(testTxn(0), page0, S))
	require.NoError(t, EnsureSufficient(testTxn(0), page0, X))
	assert.Equal(t, IX, db.GetExplicitLockType(testTxn(0)))
	assert.Equal(t, IX, tbl0.GetExplicitLockType(testTxn(0)))
	assert.Equal(t, X, page0.GetExplicitLockType(testTxn(0)))
	assert.True(t, Substitutable(page0.GetEffectiveLockType(testTxn(0)), X))
}

func TestEnsureSufficientIXPlusSPromotesToSIX(t *testing.T) {
	lm := NewLockManager()
	db, tbl0, _, page0, _ := hierarchy(lm)

	require.NoError(t, EnsureSufficient(testTxn(0), page0, X))
	require.NoError(t, EnsureSufficient(testTxn(0), tbl0, S))
	assert.Equal(t, SIX, tbl0.GetExplicitLockType(testTxn(0)))
	// The X below SIX survives; the effective type at the page is X.
	assert.Equal(t, X, page0.GetExplicitLockType(testTxn(0)))
	_ = db
}

func TestEnsureSufficientEscalatesIntent(t *testing.T) {
	lm := NewLockManager()
	db, tbl0, _, page0, page1 := hierarchy(lm)

	require.NoError(t, EnsureSufficient(testTxn(0), page0, S))
	require.NoError(t, EnsureSufficient(testTxn(0), page1, S))
	// Asking for S at the table escalates the IS umbrella into a single S.
	require.NoError(t, EnsureSufficient(testTxn(0), tbl0, S))
	assert.Equal(t, S, tbl0.GetExplicitLockType(testTxn(0)))
	assert.Equal(t, NL, page0.GetExplicitLockType(testTxn(0)))
	assert.Equal(t, NL, page1.GetExplicitLockType(testTxn(0)))
	assert.Equal(t, IS, db.GetExplicitLockType(testTxn(0)))
}

func TestEnsureSufficientNoOpUnderCoarseLock(t *testing.T) {
	lm := NewLockManager()
	db, tbl0, _, page0, _ := hierarchy(lm)

	require.NoError(t, EnsureSufficient(testTxn(0), db, X))
	// Everything below is already covered; no new locks appear.
	require.NoError(t, EnsureSufficient(testTxn(0), tbl0, S))
	require.NoError(t, EnsureSufficient(testTxn(0), page0, X))
	assert.Len(t, lm.GetLocks(testTxn(0)), 1)
}

func TestEnsureSufficientEffectiveSubstitutesAfterwards(t *testing.T) {
	lm := NewLockManager()
	_, tbl0, _, page0, page1 := hierarchy(lm)

	// A mixed history at several levels; afterwards the effective lock at
	// the target must substitute X, and re-running is a no-op.
	require.NoError(t, EnsureSufficient(testTxn(0), page0, S))
	require.NoError(t, EnsureSufficient(testTxn(0), page1, X))
	require.NoError(t, EnsureSufficient(testTxn(0), tbl0, X))

	assert.True(t, Substitutable(tbl0.GetEffectiveLockType(testTxn(0)), X))
	before := lm.GetLocks(testTxn(0))
	require.NoError(t, EnsureSufficient(testTxn(0), tbl0, X))
	assert.Equal(t, before, lm.GetLocks(testTxn(0)))
}

func TestEnsureSufficientRejectsIntentRequest(t *testing.T) {
	lm := NewLockManager()
	_, tbl0, _, _, _ := hierarchy(lm)
	var invalid *InvalidLockError
	require.ErrorAs(t, EnsureSufficient(testTxn(0), tbl0, IX), &invalid)
}

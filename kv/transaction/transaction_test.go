package transaction

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusTransitions(t *testing.T) {
	// Forward only: RUNNING fans out, everything non-RUNNING may complete.
	assert.True(t, Running.CanTransitionTo(Committing))
	assert.True(t, Running.CanTransitionTo(Aborting))
	assert.True(t, Running.CanTransitionTo(RecoveryAborting))
	assert.False(t, Running.CanTransitionTo(Complete))

	assert.True(t, Committing.CanTransitionTo(Complete))
	assert.True(t, Aborting.CanTransitionTo(Complete))
	assert.True(t, RecoveryAborting.CanTransitionTo(Complete))

	assert.False(t, Committing.CanTransitionTo(Running))
	assert.False(t, Complete.CanTransitionTo(Running))
	assert.False(t, Aborting.CanTransitionTo(Committing))
}

func TestBaseCleanupRunsOnce(t *testing.T) {
	txn := NewBase(7)
	assert.Equal(t, uint64(7), txn.TransNum())
	assert.Equal(t, Running, txn.Status())

	runs := 0
	txn.SetCleanup(func() { runs++ })
	txn.Cleanup()
	txn.Cleanup()
	assert.Equal(t, 1, runs)
}

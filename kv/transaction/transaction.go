// Package transaction defines the transaction model shared by the lock and
// recovery subsystems: a numbered transaction with a forward-only status
// state machine. The transaction driver owns number assignment and status
// changes; the recovery manager calls back into it during restart.
package transaction

import (
	"sync"

	"github.com/ngaut/log"
)

type Status int

const (
	Running Status = iota
	Committing
	Aborting
	RecoveryAborting
	Complete
)

func (s Status) String() string {
	switch s {
	case Running:
		return "RUNNING"
	case Committing:
		return "COMMITTING"
	case Aborting:
		return "ABORTING"
	case RecoveryAborting:
		return "RECOVERY_ABORTING"
	case Complete:
		return "COMPLETE"
	}
	return "UNKNOWN"
}

// CanTransitionTo reports whether a transaction may move from s to next.
// Transactions only advance: RUNNING -> COMMITTING/ABORTING/RECOVERY_ABORTING
// -> COMPLETE. There are no backward transitions.
func (s Status) CanTransitionTo(next Status) bool {
	if next == Complete && s != Running {
		return true
	}
	if s == Running && next != Complete {
		return true
	}
	return false
}

// Transaction is the surface the lock and recovery managers need from the
// driver's transaction object.
type Transaction interface {
	TransNum() uint64
	Status() Status
	SetStatus(Status)
	// Cleanup releases the transaction's held resources as installed by the
	// driver (its locks, open cursors, temp space). Restart analysis and
	// restart undo call it before End.
	Cleanup()
}

// Base is a plain Transaction implementation, used by the recovery
// manager's newTransaction callback and by tests.
type Base struct {
	mu      sync.Mutex
	num     uint64
	status  Status
	cleanup func()
}

func NewBase(num uint64) *Base {
	return &Base{num: num, status: Running}
}

func (t *Base) TransNum() uint64 { return t.num }

func (t *Base) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Base) SetStatus(s Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s != t.status && !t.status.CanTransitionTo(s) {
		log.Warnf("transaction %d: status moved backwards %v -> %v", t.num, t.status, s)
	}
	t.status = s
}

// SetCleanup installs the cleanup callback run by Cleanup.
func (t *Base) SetCleanup(f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cleanup = f
}

func (t *Base) Cleanup() {
	t.mu.Lock()
	f := t.cleanup
	t.cleanup = nil
	t.mu.Unlock()
	if f != nil {
		f()
	}
}

package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrRouteUnavailable means the requested country has no serving instance
	// in the current fleet snapshot
	ErrRouteUnavailable = errors.New("ledger: no route for requested country")

	// ErrNotFound means no grant matches the given reference
	ErrNotFound = errors.New("ledger: grant not found")

	// ErrStaleUpdate means a usage report carried a counter lower than what
	// the ledger already folded in. Counters only move forward.
	ErrStaleUpdate = errors.New("ledger: stale usage report")

	// ErrGrantTerminal means the operation needs a live grant but the grant
	// has already reached a terminal state
	ErrGrantTerminal = errors.New("ledger: grant is terminal")
)

// RemoteWriteError wraps a panel-side failure during a ledger operation. The
// Op field tells the caller which remote step failed, which decides whether
// local state was touched.
type RemoteWriteError struct {
	Op  string
	Err error
}

func (e *RemoteWriteError) Error() string {
	return fmt.Sprintf("ledger: remote %s failed: %v", e.Op, e.Err)
}

func (e *RemoteWriteError) Unwrap() error {
	return e.Err
}

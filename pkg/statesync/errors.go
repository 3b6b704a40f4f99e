package statesync

import (
	"errors"
	"fmt"
)

// Sentinel errors callers can match with errors.Is.
var (
	// ErrEntityNotFound means the named entity is not registered.
	ErrEntityNotFound = errors.New("statesync: entity not found")

	// ErrNotOwned means a write targeted an entity this client does not
	// own. Only local- and shared-owned entities accept local writes.
	ErrNotOwned = errors.New("statesync: entity not locally owned")

	// ErrClosed means the engine has been closed.
	ErrClosed = errors.New("statesync: engine closed")
)

// OwnershipError carries the rejected write's context: which entity and
// the ownership it actually has.
type OwnershipError struct {
	EntityID  string
	Ownership Ownership
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("statesync: entity %s is %s-owned: %v", e.EntityID, e.Ownership, ErrNotOwned)
}

func (e *OwnershipError) Unwrap() error { return ErrNotOwned }

package concurrency

import (
	"fmt"
	"time"

	errors "github.com/pkg/errors"
)

var (
	// The caller must abort or retry its transaction.
	ErrDeadlockDetected       = errors.New("deadlock detected")
	ErrLockAcquisitionTimeout = errors.New("lock acquisition timed out")
	// Release of a lock the caller does not hold.
	ErrLockNotFound      = errors.New("lock not found")
	ErrIllegalResource   = errors.New("illegal resource or transaction")
	ErrReferenceOverflow = errors.New("lock reference count overflow")
)

// DeadlockError is returned when waiting would close a cycle in the
// wait-for graph. It matches ErrDeadlockDetected.
type DeadlockError struct {
	Waiter   Token
	Resource ResourceId
	// Human readable chain of waits-for / held-by edges.
	Cycle string
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("%v: %v can't wait on %v since %s", ErrDeadlockDetected, e.Waiter, e.Resource, e.Cycle)
}

func (e *DeadlockError) Is(target error) bool {
	return target == ErrDeadlockDetected
}

// TimeoutError is returned when a blocking acquisition exceeds the configured
// bound. It matches ErrLockAcquisitionTimeout.
type TimeoutError struct {
	Waiter   Token
	Resource ResourceId
	Mode     LockMode
	Waited   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%v: %v waited %v for %v lock on %v", ErrLockAcquisitionTimeout, e.Waiter, e.Waited, e.Mode, e.Resource)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrLockAcquisitionTimeout
}

package concurrency

import (
	"fmt"
	"sync"
	"time"

	errors "github.com/pkg/errors"
	zap "go.uber.org/zap"

	list "github.com/brown-csci1270/lockmgr/pkg/list"
)

// Per-transaction bookkeeping on one lock.
type holdRecord struct {
	token      Token
	readCount  int
	writeCount int
	// Acquisitions of this token currently running on the lock.
	pendingRequests int
	terminated      bool
}

func (h *holdRecord) isFree() bool {
	return h.readCount == 0 && h.writeCount == 0
}

// A blocked acquisition.
type waitEntry struct {
	hold     *holdRecord
	mode     LockMode
	wake     chan struct{}
	enqueued time.Time
	// Set when a releaser popped this entry and woke it.
	signaled bool
}

// RWLock is the shared/exclusive lock of a single resource.
//
// A shared request of T is grantable once no other transaction holds the
// exclusive lock. An exclusive request of T is grantable once T is the only
// holder of any kind, which lets a sole reader upgrade.
//
// Blocked requests are pushed at the head of the waiting list and woken from
// its tail. All fields below mu are guarded by it; the wait graph is always
// consulted with mu held.
type RWLock struct {
	resource ResourceId
	graph    *WaitGraph
	timeout  time.Duration
	// Manager-level termination of a token, for tokens that have no record here yet.
	terminated func(Token) bool
	log        *zap.Logger

	mu              sync.Mutex
	totalReadCount  int
	totalWriteCount int
	holds           map[Token]*holdRecord
	waiting         *list.List[*waitEntry]
	marks           int
}

func newRWLock(resource ResourceId, graph *WaitGraph, timeout time.Duration, terminated func(Token) bool, log *zap.Logger) *RWLock {
	return &RWLock{
		resource:   resource,
		graph:      graph,
		timeout:    timeout,
		terminated: terminated,
		log:        log,
		holds:      make(map[Token]*holdRecord),
		waiting:    list.NewList[*waitEntry](),
	}
}

// Get the resource this lock guards.
func (l *RWLock) Resource() ResourceId {
	return l.resource
}

// Mark an acquisition in flight so the registry keeps this lock object.
func (l *RWLock) mark() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.marks++
}

func (l *RWLock) unmark() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.marks == 0 {
		l.log.Error("unmark of an unmarked lock", zap.Stringer("resource", l.resource))
		return
	}
	l.marks--
}

// Block until a shared lock is granted. Returns false without acquiring if
// the token was terminated.
func (l *RWLock) acquireRead(tracer Tracer, token Token) (bool, error) {
	return l.acquire(tracer, token, Shared)
}

// Block until an exclusive lock is granted. Returns false without acquiring
// if the token was terminated.
func (l *RWLock) acquireWrite(tracer Tracer, token Token) (bool, error) {
	return l.acquire(tracer, token, Exclusive)
}

// Take a shared lock only if it is grantable right now.
func (l *RWLock) tryAcquireRead(token Token) bool {
	return l.tryAcquire(token, Shared)
}

// Take an exclusive lock only if it is grantable right now.
func (l *RWLock) tryAcquireWrite(token Token) bool {
	return l.tryAcquire(token, Exclusive)
}

func (l *RWLock) acquire(tracer Tracer, token Token, mode LockMode) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	hold := l.beginRequest(token)
	defer l.endRequest(hold)

	var event WaitEvent
	defer func() {
		if event != nil {
			event.Close()
		}
	}()
	start := time.Now()
	var deadline time.Time
	if l.timeout > 0 {
		deadline = start.Add(l.timeout)
	}
	var last *waitEntry
	for !hold.terminated && !l.grantable(hold, mode) {
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			l.passWake(last)
			return false, &TimeoutError{Waiter: token, Resource: l.resource, Mode: mode, Waited: time.Since(start)}
		}
		if err := l.graph.CheckWait(l.resource, token); err != nil {
			l.passWake(last)
			return false, err
		}
		if event == nil {
			event = tracer.WaitForLock(mode == Exclusive, l.resource.Type, l.resource.ID)
		}
		last = &waitEntry{hold: hold, mode: mode, wake: make(chan struct{}, 1), enqueued: time.Now()}
		link := l.waiting.PushHead(last)
		l.park(last, deadline)
		// Still queued means nobody woke us.
		if link.GetList() != nil {
			link.PopSelf()
		}
		if err := l.graph.StopWait(l.resource, token); err != nil {
			l.log.Error("wait graph out of sync", zap.Error(err))
		}
	}
	if hold.terminated {
		l.passWake(last)
		return false, nil
	}
	l.grant(hold, mode)
	return true, nil
}

func (l *RWLock) tryAcquire(token Token, mode LockMode) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	hold := l.beginRequest(token)
	defer l.endRequest(hold)
	if hold.terminated || !l.grantable(hold, mode) {
		return false
	}
	l.grant(hold, mode)
	return true
}

// Wait on entry with mu released. Returns when woken or at the deadline.
func (l *RWLock) park(entry *waitEntry, deadline time.Time) {
	l.mu.Unlock()
	defer l.mu.Lock()
	if deadline.IsZero() {
		<-entry.wake
		return
	}
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-entry.wake:
	case <-timer.C:
	}
}

func (l *RWLock) beginRequest(token Token) *holdRecord {
	hold, ok := l.holds[token]
	if !ok {
		hold = &holdRecord{token: token, terminated: l.terminated(token)}
		l.holds[token] = hold
	}
	hold.pendingRequests++
	return hold
}

func (l *RWLock) endRequest(hold *holdRecord) {
	hold.pendingRequests--
	l.dropIfUnused(hold)
}

func (l *RWLock) dropIfUnused(hold *holdRecord) {
	if hold.isFree() && hold.pendingRequests == 0 {
		delete(l.holds, hold.token)
	}
}

func (l *RWLock) grantable(hold *holdRecord, mode LockMode) bool {
	if l.totalWriteCount != hold.writeCount {
		return false
	}
	return mode == Shared || l.totalReadCount == hold.readCount
}

func (l *RWLock) grant(hold *holdRecord, mode LockMode) {
	if hold.isFree() {
		l.graph.RegisterHold(l.resource, hold.token)
	}
	if mode == Shared {
		hold.readCount++
		l.totalReadCount++
	} else {
		hold.writeCount++
		l.totalWriteCount++
	}
}

// Release one shared hold of token.
func (l *RWLock) releaseRead(token Token) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	hold := l.holds[token]
	if hold == nil || hold.readCount == 0 {
		return errors.Wrapf(ErrLockNotFound, "%v holds no shared lock on %v", token, l.resource)
	}
	hold.readCount--
	l.totalReadCount--
	l.releaseHoldIfFree(hold)
	l.wakeAfterReadRelease()
	return nil
}

// Release one exclusive hold of token.
func (l *RWLock) releaseWrite(token Token) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.releaseWriteLocked(token)
}

func (l *RWLock) releaseWriteLocked(token Token) error {
	hold := l.holds[token]
	if hold == nil || hold.writeCount == 0 {
		return errors.Wrapf(ErrLockNotFound, "%v holds no exclusive lock on %v", token, l.resource)
	}
	hold.writeCount--
	l.totalWriteCount--
	l.releaseHoldIfFree(hold)
	l.wakeAfterWriteRelease()
	return nil
}

func (l *RWLock) releaseHoldIfFree(hold *holdRecord) {
	if !hold.isFree() {
		return
	}
	if err := l.graph.ReleaseHold(l.resource, hold.token); err != nil {
		l.log.Error("wait graph out of sync", zap.Error(err))
	}
	l.dropIfUnused(hold)
}

// Once the exclusive lock is free, wake from the tail until a writer has been
// woken or the list is empty.
func (l *RWLock) wakeAfterWriteRelease() {
	if l.totalWriteCount != 0 {
		return
	}
	for link := l.waiting.PopTail(); link != nil; link = l.waiting.PopTail() {
		entry := link.GetKey()
		signal(entry)
		if entry.mode == Exclusive {
			break
		}
	}
}

// A writer at the tail is woken if it now accounts for every read hold.
// Otherwise scan towards the head, waking readers, until a writer that
// accounts for every read hold is found. A reader at the tail is woken once
// no exclusive lock is held.
func (l *RWLock) wakeAfterReadRelease() {
	tail := l.waiting.PeekTail()
	if tail == nil {
		return
	}
	entry := tail.GetKey()
	if entry.mode == Shared {
		if l.totalWriteCount == 0 {
			tail.PopSelf()
			signal(entry)
		}
		return
	}
	if l.totalReadCount == entry.hold.readCount {
		tail.PopSelf()
		signal(entry)
		return
	}
	for cur := tail.GetPrev(); cur != nil; {
		prev := cur.GetPrev()
		waiter := cur.GetKey()
		if waiter.mode == Exclusive && l.totalReadCount == waiter.hold.readCount {
			cur.PopSelf()
			signal(waiter)
			break
		} else if waiter.mode == Shared {
			cur.PopSelf()
			signal(waiter)
		}
		cur = prev
	}
}

// A woken waiter that leaves without acquiring hands its wake-up on, so the
// waiters behind it are not stranded.
func (l *RWLock) passWake(entry *waitEntry) {
	if entry != nil && entry.signaled {
		l.wakeAfterWriteRelease()
	}
}

func signal(entry *waitEntry) {
	entry.signaled = true
	select {
	case entry.wake <- struct{}{}:
	default:
	}
}

// Mark the token's record terminated and wake its waits. Later requests of
// the token on this lock return "not acquired".
func (l *RWLock) terminate(token Token) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.terminateLocked(token)
}

func (l *RWLock) terminateLocked(token Token) {
	hold := l.holds[token]
	if hold == nil || hold.terminated {
		return
	}
	hold.terminated = true
	l.waiting.Map(func(link *list.Link[*waitEntry]) {
		if entry := link.GetKey(); entry.hold == hold {
			select {
			case entry.wake <- struct{}{}:
			default:
			}
		}
	})
}

// Reports whether the lock can leave the registry, given the counts the
// caller expects to remain.
func (l *RWLock) isUnused(expectedReadCount, expectedWriteCount int) bool {
	return l.marks == 0 &&
		l.totalReadCount == expectedReadCount &&
		l.totalWriteCount == expectedWriteCount &&
		l.waiting.Len() == 0
}

// Get the aggregate read hold count.
func (l *RWLock) ReadCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalReadCount
}

// Get the aggregate write hold count.
func (l *RWLock) WriteCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalWriteCount
}

// Get the number of blocked acquisitions.
func (l *RWLock) WaitingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waiting.Len()
}

func (l *RWLock) holdRecordCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.holds)
}

func (l *RWLock) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.describe()
}

func (l *RWLock) describe() string {
	return fmt.Sprintf("RWLock[%v, readers=%d, writers=%d, waiting=%d]",
		l.resource, l.totalReadCount, l.totalWriteCount, l.waiting.Len())
}

// One holder as seen by a visitor.
type heldLock struct {
	mode   LockMode
	holder Token
}

// Copy out the holders, the description and the longest current wait.
func (l *RWLock) snapshot(now time.Time) ([]heldLock, string, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	held := make([]heldLock, 0, len(l.holds))
	for token, hold := range l.holds {
		if hold.readCount > 0 {
			held = append(held, heldLock{mode: Shared, holder: token})
		}
		if hold.writeCount > 0 {
			held = append(held, heldLock{mode: Exclusive, holder: token})
		}
	}
	var maxWait time.Duration
	// The oldest waiter sits at the tail.
	if tail := l.waiting.PeekTail(); tail != nil {
		maxWait = now.Sub(tail.GetKey().enqueued)
	}
	return held, l.describe(), maxWait
}

package concurrency

import (
	"sort"
	"sync"
	"time"

	xxhash "github.com/cespare/xxhash"
	errors "github.com/pkg/errors"
	atomic "go.uber.org/atomic"
	zap "go.uber.org/zap"
)

// Default number of registry stripes.
const DefaultStripes = 64

// LockVisitor is called once per holder of every tracked lock. Returning true
// stops the enumeration.
type LockVisitor func(mode LockMode, rt ResourceType, holder Token, id uint64, description string, maxWaitTime time.Duration) bool

// A part of the resource table with its own structural lock.
type stripe struct {
	mu    sync.Mutex
	locks map[ResourceId]*RWLock
}

// LockManager maps resources to their locks. Lock objects are created on the
// first acquisition attempt and dropped once free of holders, waiters and
// in-flight acquisitions. Structural changes are serialized per stripe;
// acquisitions on distinct resources otherwise proceed independently.
type LockManager struct {
	stripes []*stripe
	mask    uint64
	graph   *WaitGraph
	timeout time.Duration
	log     *zap.Logger

	terminatedMu sync.RWMutex
	terminated   map[Token]struct{}

	deadlocks    atomic.Int64
	timeouts     atomic.Int64
	terminations atomic.Int64
}

// Option configures a LockManager.
type Option func(*LockManager)

// Bound every blocking acquisition by d. Zero or negative waits forever.
func WithTimeout(d time.Duration) Option {
	return func(m *LockManager) {
		m.timeout = d
	}
}

// Log through l.
func WithLogger(l *zap.Logger) Option {
	return func(m *LockManager) {
		m.log = l
	}
}

// Split the resource table into n stripes, rounded up to a power of two.
func WithStripes(n int) Option {
	return func(m *LockManager) {
		size := 1
		for size < n {
			size <<= 1
		}
		m.stripes = make([]*stripe, size)
	}
}

// Construct a new lock manager.
func NewLockManager(opts ...Option) *LockManager {
	m := &LockManager{
		graph:      NewWaitGraph(),
		log:        zap.NewNop(),
		terminated: make(map[Token]struct{}),
	}
	WithStripes(DefaultStripes)(m)
	for _, opt := range opts {
		opt(m)
	}
	for i := range m.stripes {
		m.stripes[i] = &stripe{locks: make(map[ResourceId]*RWLock)}
	}
	m.mask = uint64(len(m.stripes) - 1)
	return m
}

// Get the acquisition timeout applied to every lock.
func (m *LockManager) Timeout() time.Duration {
	return m.timeout
}

// Get the wait-for graph shared by all locks of this manager.
func (m *LockManager) Graph() *WaitGraph {
	return m.graph
}

// Create a client bound to no transaction.
func (m *LockManager) NewClient() *Client {
	return newClient(m)
}

func (m *LockManager) stripeFor(r ResourceId) *stripe {
	key := r.key()
	return m.stripes[xxhash.Sum64(key[:])&m.mask]
}

func validate(r ResourceId, token Token) error {
	if token.IsNone() {
		return errors.Wrapf(ErrIllegalResource, "no transaction bound for %v", r)
	}
	return r.validate()
}

// Get or create the lock of r and mark it in flight. The caller must unmark it.
func (m *LockManager) acquireLockForAcquiring(r ResourceId, token Token) (*RWLock, error) {
	if err := validate(r, token); err != nil {
		return nil, err
	}
	s := m.stripeFor(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[r]
	if !ok {
		lock = newRWLock(r, m.graph, m.timeout, m.IsTerminated, m.log)
		s.locks[r] = lock
	}
	lock.mark()
	return lock, nil
}

// Look up the lock of r, removing it from the table if, with token's hold
// accounting for exactly the expected counts, nothing else uses it. With
// strict set a missing lock is an error; otherwise it returns nil.
func (m *LockManager) releaseLockForReleasing(r ResourceId, token Token, expectedReadCount, expectedWriteCount int, strict bool) (*RWLock, error) {
	if err := validate(r, token); err != nil {
		return nil, err
	}
	s := m.stripeFor(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[r]
	if !ok {
		if !strict {
			return nil, nil
		}
		return nil, errors.Wrapf(ErrLockNotFound, "%v has no lock for %v", token, r)
	}
	lock.mu.Lock()
	if lock.isUnused(expectedReadCount, expectedWriteCount) && m.accountsFor(lock, token, expectedReadCount, expectedWriteCount) {
		delete(s.locks, r)
	}
	lock.mu.Unlock()
	return lock, nil
}

// Reports whether token's record holds exactly the given counts. Called with lock.mu held.
func (m *LockManager) accountsFor(lock *RWLock, token Token, readCount, writeCount int) bool {
	if readCount == 0 && writeCount == 0 {
		return true
	}
	hold := lock.holds[token]
	return hold != nil && hold.readCount == readCount && hold.writeCount == writeCount
}

// End an acquisition on lock: unmark it and drop it from the table if that
// left it unused.
func (m *LockManager) finishAcquiring(lock *RWLock, token Token) {
	lock.unmark()
	if _, err := m.releaseLockForReleasing(lock.resource, token, 0, 0, false); err != nil {
		m.log.Error("registry cleanup failed", zap.Stringer("resource", lock.resource), zap.Error(err))
	}
}

// Block until token holds a shared lock on r. Returns false if token was terminated.
func (m *LockManager) GetReadLock(tracer Tracer, r ResourceId, token Token) (bool, error) {
	lock, err := m.acquireLockForAcquiring(r, token)
	if err != nil {
		return false, err
	}
	defer m.finishAcquiring(lock, token)
	ok, err := lock.acquireRead(tracer, token)
	m.observe(r, token, Shared, ok, err)
	return ok, err
}

// Block until token holds an exclusive lock on r. Returns false if token was terminated.
func (m *LockManager) GetWriteLock(tracer Tracer, r ResourceId, token Token) (bool, error) {
	lock, err := m.acquireLockForAcquiring(r, token)
	if err != nil {
		return false, err
	}
	defer m.finishAcquiring(lock, token)
	ok, err := lock.acquireWrite(tracer, token)
	m.observe(r, token, Exclusive, ok, err)
	return ok, err
}

// Take a shared lock on r only if it is grantable right now.
func (m *LockManager) TryReadLock(r ResourceId, token Token) (bool, error) {
	lock, err := m.acquireLockForAcquiring(r, token)
	if err != nil {
		return false, err
	}
	defer m.finishAcquiring(lock, token)
	return lock.tryAcquireRead(token), nil
}

// Take an exclusive lock on r only if it is grantable right now.
func (m *LockManager) TryWriteLock(r ResourceId, token Token) (bool, error) {
	lock, err := m.acquireLockForAcquiring(r, token)
	if err != nil {
		return false, err
	}
	defer m.finishAcquiring(lock, token)
	return lock.tryAcquireWrite(token), nil
}

// Release one shared hold of token on r.
func (m *LockManager) ReleaseReadLock(r ResourceId, token Token) error {
	lock, err := m.releaseLockForReleasing(r, token, 1, 0, true)
	if err != nil {
		return err
	}
	return lock.releaseRead(token)
}

// Release one exclusive hold of token on r.
func (m *LockManager) ReleaseWriteLock(r ResourceId, token Token) error {
	lock, err := m.releaseLockForReleasing(r, token, 0, 1, true)
	if err != nil {
		return err
	}
	return lock.releaseWrite(token)
}

func (m *LockManager) observe(r ResourceId, token Token, mode LockMode, ok bool, err error) {
	switch {
	case errors.Is(err, ErrDeadlockDetected):
		m.deadlocks.Inc()
		m.log.Debug("deadlock detected",
			zap.Stringer("resource", r), zap.Stringer("tx", token), zap.Stringer("mode", mode), zap.Error(err))
	case errors.Is(err, ErrLockAcquisitionTimeout):
		m.timeouts.Inc()
		m.log.Debug("lock acquisition timed out",
			zap.Stringer("resource", r), zap.Stringer("tx", token), zap.Stringer("mode", mode), zap.Duration("timeout", m.timeout))
	case err == nil && !ok:
		m.log.Debug("lock not acquired, transaction terminated",
			zap.Stringer("resource", r), zap.Stringer("tx", token), zap.Stringer("mode", mode))
	}
}

// Terminate token: its blocked acquisitions wake and return "not acquired",
// and so does every later attempt until Forget.
func (m *LockManager) Terminate(token Token) {
	if token.IsNone() {
		return
	}
	m.terminatedMu.Lock()
	_, already := m.terminated[token]
	m.terminated[token] = struct{}{}
	m.terminatedMu.Unlock()
	if !already {
		m.terminations.Inc()
		m.log.Debug("transaction terminated", zap.Stringer("tx", token))
	}
	for _, lock := range m.locks() {
		lock.terminate(token)
	}
}

// Reports whether token was terminated.
func (m *LockManager) IsTerminated(token Token) bool {
	m.terminatedMu.RLock()
	defer m.terminatedMu.RUnlock()
	_, ok := m.terminated[token]
	return ok
}

// Drop the termination mark of a finished token.
func (m *LockManager) Forget(token Token) {
	m.terminatedMu.Lock()
	defer m.terminatedMu.Unlock()
	delete(m.terminated, token)
}

// Get the lock currently tracked for r, if any.
func (m *LockManager) Lookup(r ResourceId) (*RWLock, bool) {
	s := m.stripeFor(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[r]
	return lock, ok
}

// Snapshot of every tracked lock, ordered by resource.
func (m *LockManager) locks() []*RWLock {
	var out []*RWLock
	for _, s := range m.stripes {
		s.mu.Lock()
		for _, lock := range s.locks {
			out = append(out, lock)
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].resource, out[j].resource
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.ID < b.ID
	})
	return out
}

// Enumerate a snapshot of all tracked locks, one call per holder. The visitor
// runs without any lock held.
func (m *LockManager) Accept(visitor LockVisitor) {
	now := time.Now()
	for _, lock := range m.locks() {
		held, description, maxWait := lock.snapshot(now)
		for _, h := range held {
			if visitor(h.mode, lock.resource.Type, h.holder, lock.resource.ID, description, maxWait) {
				return
			}
		}
	}
}

// Counters kept by a manager.
type Stats struct {
	Deadlocks    int64
	Timeouts     int64
	Terminations int64
	// Lock objects currently in the table.
	Locks int
}

// Get the manager's counters.
func (m *LockManager) Stats() Stats {
	locks := 0
	for _, s := range m.stripes {
		s.mu.Lock()
		locks += len(s.locks)
		s.mu.Unlock()
	}
	return Stats{
		Deadlocks:    m.deadlocks.Load(),
		Timeouts:     m.timeouts.Load(),
		Terminations: m.terminations.Load(),
		Locks:        locks,
	}
}

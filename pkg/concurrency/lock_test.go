package concurrency

import (
	"testing"
	"time"

	errors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	zap "go.uber.org/zap"
)

func newTestLock(timeout time.Duration) *RWLock {
	return newRWLock(r1, NewWaitGraph(), timeout, func(Token) bool { return false }, zap.NewNop())
}

type acquireResult struct {
	ok  bool
	err error
}

// Run a blocking acquisition in the background.
func goAcquire(l *RWLock, token Token, mode LockMode) <-chan acquireResult {
	ch := make(chan acquireResult, 1)
	go func() {
		var res acquireResult
		if mode == Exclusive {
			res.ok, res.err = l.acquireWrite(NoopTracer, token)
		} else {
			res.ok, res.err = l.acquireRead(NoopTracer, token)
		}
		ch <- res
	}()
	return ch
}

func waitForWaiters(t *testing.T, l *RWLock, n int) {
	require.Eventually(t, func() bool { return l.WaitingCount() == n }, time.Second, time.Millisecond)
}

func TestSharedLocksAreCompatible(t *testing.T) {
	l := newTestLock(0)
	t1, t2 := NewToken(), NewToken()
	ok, err := l.acquireRead(NoopTracer, t1)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = l.acquireRead(NoopTracer, t2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, l.ReadCount())
	assert.False(t, l.tryAcquireWrite(t1))
	assert.ElementsMatch(t, []Token{t1, t2}, l.graph.Holders(r1))
}

func TestExclusiveExcludesOthers(t *testing.T) {
	l := newTestLock(0)
	t1, t2 := NewToken(), NewToken()
	require.True(t, l.tryAcquireWrite(t1))
	assert.False(t, l.tryAcquireRead(t2))
	assert.False(t, l.tryAcquireWrite(t2))
	// The holder itself may take more of either mode.
	assert.True(t, l.tryAcquireRead(t1))
	assert.True(t, l.tryAcquireWrite(t1))
	assert.Equal(t, 2, l.WriteCount())
	assert.Equal(t, 1, l.ReadCount())
	// Failed attempts leave no record behind.
	assert.Equal(t, 1, l.holdRecordCount())
}

func TestUpgradeSoleReader(t *testing.T) {
	l := newTestLock(0)
	t1 := NewToken()
	require.True(t, l.tryAcquireRead(t1))
	ok, err := l.acquireWrite(NoopTracer, t1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []Token{t1}, l.graph.Holders(r1), "upgrade registers the hold once")
}

func TestUpgradeWithOtherReaderDeadlocks(t *testing.T) {
	l := newTestLock(0)
	t1, t2 := NewToken(), NewToken()
	require.True(t, l.tryAcquireRead(t1))
	require.True(t, l.tryAcquireRead(t2))

	first := goAcquire(l, t1, Exclusive)
	waitForWaiters(t, l, 1)

	ok, err := l.acquireWrite(NoopTracer, t2)
	assert.False(t, ok)
	assert.True(t, errors.Is(err, ErrDeadlockDetected))

	// Once t2 backs off, t1 gets its upgrade.
	require.NoError(t, l.releaseRead(t2))
	res := <-first
	require.NoError(t, res.err)
	assert.True(t, res.ok)
}

func TestReleaseWithoutHold(t *testing.T) {
	l := newTestLock(0)
	t1, t2 := NewToken(), NewToken()
	require.True(t, l.tryAcquireRead(t1))

	assert.True(t, errors.Is(l.releaseRead(t2), ErrLockNotFound))
	assert.True(t, errors.Is(l.releaseWrite(t1), ErrLockNotFound))
	assert.Equal(t, 1, l.ReadCount())
	assert.Equal(t, 0, l.WriteCount())
	assert.Equal(t, 1, l.holdRecordCount())

	require.NoError(t, l.releaseRead(t1))
	assert.Equal(t, 0, l.holdRecordCount())
	assert.Empty(t, l.graph.Holders(r1))
}

func TestBlockedReaderWokenByWriteRelease(t *testing.T) {
	l := newTestLock(0)
	t1, t2 := NewToken(), NewToken()
	require.True(t, l.tryAcquireWrite(t1))
	res := goAcquire(l, t2, Shared)
	waitForWaiters(t, l, 1)
	_, waiting := l.graph.WaitingOn(t2)
	assert.True(t, waiting)

	require.NoError(t, l.releaseWrite(t1))
	got := <-res
	require.NoError(t, got.err)
	assert.True(t, got.ok)
	assert.Equal(t, 1, l.ReadCount())
	_, waiting = l.graph.WaitingOn(t2)
	assert.False(t, waiting)
}

func TestAcquisitionTimeout(t *testing.T) {
	l := newTestLock(50 * time.Millisecond)
	t1, t2 := NewToken(), NewToken()
	require.True(t, l.tryAcquireWrite(t1))
	records := l.holdRecordCount()

	start := time.Now()
	ok, err := l.acquireRead(NoopTracer, t2)
	elapsed := time.Since(start)
	assert.False(t, ok)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLockAcquisitionTimeout))
	var te *TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, Shared, te.Mode)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 200*time.Millisecond)

	assert.Equal(t, 0, l.WaitingCount())
	assert.Equal(t, records, l.holdRecordCount())
	_, waiting := l.graph.WaitingOn(t2)
	assert.False(t, waiting)
}

func TestTerminateWakesWaiter(t *testing.T) {
	l := newTestLock(0)
	t1, t2 := NewToken(), NewToken()
	require.True(t, l.tryAcquireWrite(t1))
	records := l.holdRecordCount()

	res := goAcquire(l, t2, Exclusive)
	waitForWaiters(t, l, 1)
	l.terminate(t2)

	got := <-res
	require.NoError(t, got.err)
	assert.False(t, got.ok)
	assert.Equal(t, 0, l.WaitingCount())
	assert.Equal(t, records, l.holdRecordCount())
	assert.Equal(t, 1, l.WriteCount())
}

func TestTerminatedRecordRefusesLaterRequests(t *testing.T) {
	l := newTestLock(0)
	t1 := NewToken()
	require.True(t, l.tryAcquireRead(t1))
	l.terminate(t1)
	ok, err := l.acquireRead(NoopTracer, t1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, l.tryAcquireWrite(t1))
	// Existing holds are still released normally.
	require.NoError(t, l.releaseRead(t1))
	assert.Equal(t, 0, l.holdRecordCount())
}

func TestManagerTerminationAppliesToNewRecords(t *testing.T) {
	t1 := NewToken()
	l := newRWLock(r1, NewWaitGraph(), 0, func(tok Token) bool { return tok == t1 }, zap.NewNop())
	ok, err := l.acquireWrite(NoopTracer, t1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, l.holdRecordCount())
}

func TestWokenWaiterLeavingPassesWakeOn(t *testing.T) {
	l := newTestLock(0)
	t1, t2, t3 := NewToken(), NewToken(), NewToken()
	require.True(t, l.tryAcquireWrite(t1))
	writer := goAcquire(l, t2, Exclusive)
	waitForWaiters(t, l, 1)
	reader := goAcquire(l, t3, Shared)
	waitForWaiters(t, l, 2)

	// The release wakes only the writer at the tail; it is terminated before
	// it can take the lock.
	l.mu.Lock()
	require.NoError(t, l.releaseWriteLocked(t1))
	require.Equal(t, 1, l.waiting.Len())
	l.terminateLocked(t2)
	l.mu.Unlock()

	select {
	case got := <-writer:
		require.NoError(t, got.err)
		assert.False(t, got.ok)
	case <-time.After(time.Second):
		t.Fatal("terminated writer did not return")
	}
	select {
	case got := <-reader:
		require.NoError(t, got.err)
		assert.True(t, got.ok)
	case <-time.After(time.Second):
		t.Fatal("reader behind the departed writer was never woken")
	}
	assert.Equal(t, 0, l.WaitingCount())
	assert.Equal(t, 1, l.ReadCount())
	assert.Equal(t, 0, l.WriteCount())
	assert.Equal(t, 1, l.holdRecordCount())
}

// Queue fake waiters, head first, for exercising the wake policy directly.
func queueWaiters(l *RWLock, entries ...*waitEntry) {
	for i := len(entries) - 1; i >= 0; i-- {
		l.waiting.PushHead(entries[i])
	}
}

func fakeWaiter(mode LockMode, readCount int) *waitEntry {
	return &waitEntry{
		hold: &holdRecord{token: NewToken(), readCount: readCount},
		mode: mode,
		wake: make(chan struct{}, 1),
	}
}

func TestWriteReleaseWakesTailUntilWriter(t *testing.T) {
	l := newTestLock(0)
	reader1, reader2 := fakeWaiter(Shared, 0), fakeWaiter(Shared, 0)
	writer := fakeWaiter(Exclusive, 0)
	late := fakeWaiter(Shared, 0)
	// head -> tail: late, writer, reader2, reader1
	queueWaiters(l, late, writer, reader2, reader1)

	l.wakeAfterWriteRelease()
	assert.True(t, reader1.signaled)
	assert.True(t, reader2.signaled)
	assert.True(t, writer.signaled)
	assert.False(t, late.signaled)
	assert.Equal(t, 1, l.waiting.Len())
	assert.Len(t, writer.wake, 1)
}

func TestWriteReleaseWhileStillWriteLocked(t *testing.T) {
	l := newTestLock(0)
	l.totalWriteCount = 1
	w := fakeWaiter(Shared, 0)
	queueWaiters(l, w)
	l.wakeAfterWriteRelease()
	assert.False(t, w.signaled)
}

func TestReadReleaseWakesWriterHoldingAllReads(t *testing.T) {
	l := newTestLock(0)
	l.totalReadCount = 1
	other := fakeWaiter(Shared, 0)
	writer := fakeWaiter(Exclusive, 1)
	queueWaiters(l, other, writer)

	l.wakeAfterReadRelease()
	assert.True(t, writer.signaled)
	assert.False(t, other.signaled)
	assert.Equal(t, 1, l.waiting.Len())
}

func TestReadReleaseScansBackward(t *testing.T) {
	l := newTestLock(0)
	l.totalReadCount = 1
	head := fakeWaiter(Shared, 0)
	upgrader := fakeWaiter(Exclusive, 1)
	reader := fakeWaiter(Shared, 0)
	tail := fakeWaiter(Exclusive, 0)
	queueWaiters(l, head, upgrader, reader, tail)

	l.wakeAfterReadRelease()
	assert.False(t, tail.signaled, "tail writer still blocked by a reader")
	assert.True(t, reader.signaled)
	assert.True(t, upgrader.signaled)
	assert.False(t, head.signaled, "scan stops at the first writer it wakes")
	assert.Equal(t, 2, l.waiting.Len())
}

func TestReadReleaseTailReader(t *testing.T) {
	l := newTestLock(0)
	l.totalWriteCount = 1
	tail := fakeWaiter(Shared, 0)
	queueWaiters(l, tail)
	l.wakeAfterReadRelease()
	assert.False(t, tail.signaled)

	l.totalWriteCount = 0
	l.wakeAfterReadRelease()
	assert.True(t, tail.signaled)
	assert.Equal(t, 0, l.waiting.Len())
}

func TestTracerSeesBlockingWait(t *testing.T) {
	l := newTestLock(0)
	t1, t2 := NewToken(), NewToken()
	require.True(t, l.tryAcquireWrite(t1))
	tracer := &countingTracer{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.acquireWrite(tracer, t2)
	}()
	waitForWaiters(t, l, 1)
	require.NoError(t, l.releaseWrite(t1))
	<-done
	assert.Equal(t, 1, tracer.opened)
	assert.Equal(t, 1, tracer.closed)
	assert.True(t, tracer.exclusive)
}

type countingTracer struct {
	opened, closed int
	exclusive      bool
}

type countingEvent struct{ t *countingTracer }

func (e countingEvent) Close() { e.t.closed++ }

func (c *countingTracer) WaitForLock(exclusive bool, rt ResourceType, id uint64) WaitEvent {
	c.opened++
	c.exclusive = exclusive
	return countingEvent{c}
}

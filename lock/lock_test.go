package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const shortWait = 20 * time.Millisecond

// Scenario 1: basic reentry.
func TestScenarioBasicReentry(t *testing.T) {
	l := New()
	p := NewPermit(11111)

	require.NoError(t, l.AcquireExclusive(p))

	ok, err := l.AcquireExclusiveTimeout(p, time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.AcquireExclusiveTimeout(p, time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
}

// Scenario 2: permit contention, with one hold still outstanding after a
// single matching release.
func TestScenarioPermitContention(t *testing.T) {
	l := New()
	a := NewPermit(11111)
	b := NewPermit(22222)

	require.NoError(t, l.AcquireExclusive(a)) // count=1
	require.NoError(t, l.AcquireExclusive(a)) // count=2, reentrant

	ok, err := l.AcquireExclusiveTimeout(b, shortWait)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.ReleaseExclusive(a)) // count=1, still held by a

	ok, err = l.AcquireExclusiveTimeout(b, shortWait)
	require.NoError(t, err)
	assert.False(t, ok, "one hold still outstanding")

	require.NoError(t, l.ReleaseExclusive(a)) // count=0, FREE

	ok, err = l.AcquireExclusiveTimeout(b, shortWait)
	require.NoError(t, err)
	assert.True(t, ok)
}

// Scenario 3: exclusive blocks shared, even for the exclusive owner's own
// permit (no silent downgrade).
func TestScenarioExclusiveBlocksShared(t *testing.T) {
	l := New()
	a := NewPermit(11111)
	b := NewPermit(22222)

	require.NoError(t, l.AcquireExclusive(a))

	ok, err := l.AcquireSharedTimeout(b, shortWait)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.AcquireSharedTimeout(a, shortWait)
	require.NoError(t, err)
	assert.False(t, ok, "no silent mode downgrade for the exclusive owner")

	require.NoError(t, l.ReleaseExclusive(a))

	ok, err = l.AcquireSharedTimeout(b, shortWait)
	require.NoError(t, err)
	assert.True(t, ok)
}

// Scenario 4: shared blocks exclusive, even for a permit that already
// holds shared.
func TestScenarioSharedBlocksExclusive(t *testing.T) {
	l := New()
	a := NewPermit(11111)
	b := NewPermit(22222)

	require.NoError(t, l.AcquireShared(a))

	ok, err := l.AcquireExclusiveTimeout(b, shortWait)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.AcquireExclusiveTimeout(a, shortWait)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.ReleaseShared(a))

	ok, err = l.AcquireExclusiveTimeout(b, shortWait)
	require.NoError(t, err)
	assert.True(t, ok)
}

// Scenario 5: two threads, exclusive handoff.
func TestScenarioTwoThreadsExclusiveHandoff(t *testing.T) {
	l := New()
	a := NewPermit(11111)
	b := NewPermit(22222)

	require.NoError(t, l.AcquireExclusive(a))

	var wg sync.WaitGroup
	wg.Add(1)
	released := make(chan struct{})
	acquired := make(chan bool, 1)

	go func() {
		defer wg.Done()
		<-released
		ok, err := l.AcquireExclusiveTimeout(b, time.Second)
		assert.NoError(t, err)
		acquired <- ok
	}()

	ok, err := l.AcquireExclusiveTimeout(b, shortWait)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.ReleaseExclusive(a))
	close(released)

	wg.Wait()
	assert.True(t, <-acquired)
}

// Scenario 6: erroneous release on a FREE lock.
func TestScenarioErroneousRelease(t *testing.T) {
	l := New()
	p := NewPermit(11111)

	assert.ErrorIs(t, l.ReleaseExclusive(p), ErrIllegalState)
	assert.ErrorIs(t, l.ReleaseShared(p), ErrIllegalState)
}

// B1: try_acquire_exclusive on a SHARED state fails without side effect.
func TestTryAcquireExclusiveOnSharedFailsWithoutSideEffect(t *testing.T) {
	l := New()
	a := NewPermit(11111)
	b := NewPermit(22222)

	require.NoError(t, l.AcquireShared(a))

	before := l.state
	ok, err := l.TryAcquireExclusive(b)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, before, l.state, "failed try_ must not mutate state")
}

// B2: count overflow raises ErrIllegalState rather than wrapping.
func TestCountOverflowIsIllegalState(t *testing.T) {
	l := New()
	p := NewPermit(11111)

	require.NoError(t, l.AcquireExclusive(p)) // count = 1
	for i := uint32(1); i < uint32(CountMax); i++ {
		require.NoError(t, l.AcquireExclusive(p))
	}
	assert.Equal(t, CountMax, extractCount(l.state))

	err := l.AcquireExclusive(p)
	assert.ErrorIs(t, err, ErrIllegalState)
}

// B3: a timed acquire with a zero or negative duration never suspends.
func TestZeroDurationBehavesAsTry(t *testing.T) {
	l := New()
	a := NewPermit(11111)
	b := NewPermit(22222)

	require.NoError(t, l.AcquireExclusive(a))

	start := time.Now()
	ok, err := l.AcquireExclusiveTimeout(b, 0)
	elapsed := time.Since(start)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Less(t, elapsed, shortWait, "zero duration must not suspend")

	ok, err = l.AcquireExclusiveTimeout(b, -time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInvalidArgumentRejectsMissingAndOutOfRangePermit(t *testing.T) {
	l := New()

	assert.ErrorIs(t, l.AcquireExclusive(NoPermit), ErrInvalidArgument)
	assert.ErrorIs(t, l.AcquireShared(NoPermit), ErrInvalidArgument)
	assert.ErrorIs(t, l.ReleaseExclusive(NoPermit), ErrInvalidArgument)
	assert.ErrorIs(t, l.ReleaseShared(NoPermit), ErrInvalidArgument)

	_, err := l.TryAcquireExclusive(NoPermit)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	tooBig := NewPermit(int64(1) << 40)
	assert.ErrorIs(t, l.AcquireExclusive(tooBig), ErrInvalidArgument)
}

// P5: a reentrant exclusive acquisition never enters the waiter queue.
func TestReentrantAcquisitionNeverBlocks(t *testing.T) {
	l := New()
	p := NewPermit(11111)

	require.NoError(t, l.AcquireExclusive(p))

	done := make(chan struct{})
	go func() {
		defer close(done)
		require.NoError(t, l.AcquireExclusive(p))
	}()

	select {
	case <-done:
	case <-time.After(shortWait):
		t.Fatal("reentrant acquisition blocked")
	}
	assert.True(t, l.q.empty())
}

// Reentrant exclusive acquisition must never block even when other
// waiters are already parked in the queue (spec P5): a transaction
// driver reentering its own hold must not be forced to wait behind a
// reader or writer that arrived after it and is queued for the
// eventual release.
func TestReentrantAcquisitionNeverBlocksWithQueuedWaiters(t *testing.T) {
	l := New()
	holder := NewPermit(22222)
	other := NewPermit(33333)

	require.NoError(t, l.AcquireExclusive(holder))

	otherParked := make(chan struct{})
	otherDone := make(chan struct{})
	go func() {
		defer close(otherDone)
		close(otherParked)
		require.NoError(t, l.AcquireExclusive(other))
		require.NoError(t, l.ReleaseExclusive(other))
	}()

	<-otherParked
	require.Eventually(t, func() bool { return !l.q.empty() }, time.Second, time.Millisecond)

	reenterDone := make(chan struct{})
	go func() {
		defer close(reenterDone)
		require.NoError(t, l.AcquireExclusive(holder))
		require.NoError(t, l.ReleaseExclusive(holder))
	}()

	select {
	case <-reenterDone:
	case <-time.After(shortWait):
		t.Fatal("reentrant exclusive acquisition blocked behind a queued waiter")
	}

	require.NoError(t, l.ReleaseExclusive(holder))

	select {
	case <-otherDone:
	case <-time.After(time.Second):
		t.Fatal("queued waiter never got its turn after holder released")
	}
}

// Shared wake chain: several shared waiters queued behind an exclusive
// holder are all granted together when it releases, not one at a time.
func TestSharedWakeChain(t *testing.T) {
	l := New()
	writer := NewPermit(1)
	require.NoError(t, l.AcquireExclusive(writer))

	const readers = 5
	var wg sync.WaitGroup
	acquiredAt := make([]time.Time, readers)

	for i := 0; i < readers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, l.AcquireShared(NewPermit(int64(100+i))))
			acquiredAt[i] = time.Now()
		}()
	}

	// Give every reader a chance to enqueue behind the writer.
	time.Sleep(shortWait)
	require.NoError(t, l.ReleaseExclusive(writer))

	wg.Wait()
	assert.Equal(t, modeShared, extractMode(l.state))
	assert.Equal(t, uint16(readers), extractCount(l.state))

	var spread time.Duration
	first := acquiredAt[0]
	for _, at := range acquiredAt {
		if d := at.Sub(first); d > spread {
			spread = d
		} else if d := first.Sub(at); d > spread {
			spread = d
		}
	}
	assert.Less(t, spread, 100*time.Millisecond, "shared waiters should be granted together")
}

// Exclusive waiters are never overtaken by a later-arriving shared
// request that queues behind them.
func TestExclusiveWaiterNotOvertakenByLaterShared(t *testing.T) {
	l := New()
	holder := NewPermit(1)
	writer := NewPermit(2)
	reader := NewPermit(3)

	require.NoError(t, l.AcquireShared(holder))

	order := make(chan string, 2)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		require.NoError(t, l.AcquireExclusive(writer))
		order <- "writer"
		require.NoError(t, l.ReleaseExclusive(writer))
	}()
	time.Sleep(shortWait) // ensure writer enqueues first

	go func() {
		defer wg.Done()
		require.NoError(t, l.AcquireShared(reader))
		order <- "reader"
		require.NoError(t, l.ReleaseShared(reader))
	}()
	time.Sleep(shortWait) // ensure reader enqueues behind writer

	require.NoError(t, l.ReleaseShared(holder))
	wg.Wait()
	close(order)

	first := <-order
	assert.Equal(t, "writer", first)
}

func TestAcquireExclusiveCtxReportsInterruptedOnCancel(t *testing.T) {
	l := New()
	holder := NewPermit(1)
	waiter := NewPermit(2)
	require.NoError(t, l.AcquireExclusive(holder))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(shortWait)
		cancel()
	}()

	ok, err := l.AcquireExclusiveCtx(ctx, waiter)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrInterrupted)
}

func TestAcquireExclusiveCtxReportsTimeoutWithoutError(t *testing.T) {
	l := New()
	holder := NewPermit(1)
	waiter := NewPermit(2)
	require.NoError(t, l.AcquireExclusive(holder))

	ctx, cancel := context.WithTimeout(context.Background(), shortWait)
	defer cancel()

	ok, err := l.AcquireExclusiveCtx(ctx, waiter)
	assert.False(t, ok)
	assert.NoError(t, err)
}

// P2: count conservation under concurrent paired acquire/release of
// shared holds.
func TestCountConservationUnderConcurrentSharedHolds(t *testing.T) {
	l := New()
	const workers = 50
	var wg sync.WaitGroup
	wg.Add(workers)

	for i := 0; i < workers; i++ {
		i := i
		go func() {
			defer wg.Done()
			p := NewPermit(int64(i))
			require.NoError(t, l.AcquireShared(p))
			require.NoError(t, l.ReleaseShared(p))
		}()
	}
	wg.Wait()

	assert.Equal(t, modeFree, extractMode(l.state))
	assert.Equal(t, uint16(0), extractCount(l.state))
}

// Many goroutines repeatedly contend for the same exclusive hold with no
// other synchronization between them. This hammers the exact window
// between deciding to wait and joining the queue that a lost wakeup
// would strand a goroutine in (spec §4.2): if any acquirer's release
// ever failed to wake a waiter that had already decided to wait, this
// test would hang rather than complete within the deadline.
func TestNoLostWakeupUnderHighContention(t *testing.T) {
	l := New()
	const workers = 32
	const rounds = 50

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		i := i
		go func() {
			defer wg.Done()
			p := NewPermit(int64(i))
			for r := 0; r < rounds; r++ {
				require.NoError(t, l.AcquireExclusive(p))
				require.NoError(t, l.ReleaseExclusive(p))
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("contention round never completed; suspect a lost wakeup")
	}

	assert.Equal(t, modeFree, extractMode(l.state))
	assert.True(t, l.q.empty())
}

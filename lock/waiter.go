// Copyright 2020 Nathan Taylor (nbtaylor@gmail.com)
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package lock

import (
	"container/list"
	"sync"
)

// waitTicket is one suspended acquirer's place in the queue. wake is
// closed exactly once, by wake(), to release the holder of the ticket;
// it is never sent on.
type waitTicket struct {
	kind waitKind
	wake chan struct{}
}

// waiterQueue is a FIFO queue of suspended acquirers, mode-aware on
// wakeup. It is the "small collaborator" of spec.md §2: on its own it
// knows nothing about lock state or permits, only the order goroutines
// joined in and which of them requested shared vs. exclusive access.
//
// Granting a ticket only closes its wake channel; it is up to the woken
// goroutine to retry its own CAS against the lock's state word. This
// keeps the state word the only thing any goroutine ever mutates, and
// keeps the queue itself free of the lock-free state machine.
type waiterQueue struct {
	mu sync.Mutex
	l  list.List
}

// join enqueues a ticket requesting kind and returns the list element
// (for cancellation) and the channel that closes when granted.
func (q *waiterQueue) join(kind waitKind) (*list.Element, <-chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t := &waitTicket{kind: kind, wake: make(chan struct{})}
	return q.l.PushBack(t), t.wake
}

// empty reports whether any goroutine is currently queued. New arrivals
// consult this before attempting a fast-path CAS: a non-empty queue means
// they must join at the back rather than race ahead of earlier waiters.
func (q *waiterQueue) empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.l.Len() == 0
}

// cancel removes e from the queue, e.g. because its context was canceled
// or its deadline expired while waiting. It reports false if e was
// already granted concurrently by wake() -- in which case the caller
// should treat this as a successful wakeup, not a cancellation, exactly
// as golang.org/x/sync/semaphore's Acquire double-checks under its mutex
// before honoring a raced context cancellation.
func (q *waiterQueue) cancel(e *list.Element) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	t := e.Value.(*waitTicket)
	select {
	case <-t.wake:
		return false
	default:
		q.l.Remove(e)
		return true
	}
}

// wake grants the head ticket, releasing it to retry acquisition. If the
// head requested shared mode, wake continues across the run of
// consecutive shared tickets immediately behind it -- the "shared wake
// chain" of spec.md §4.3 -- so that read traffic queued behind a writer
// isn't woken one at a time. An exclusive ticket, or the first ticket
// that isn't shared, stops the chain.
func (q *waiterQueue) wake() {
	q.mu.Lock()
	defer q.mu.Unlock()

	front := q.l.Front()
	if front == nil {
		return
	}
	head := front.Value.(*waitTicket)
	q.l.Remove(front)
	close(head.wake)

	if head.kind != waitShared {
		return
	}
	for {
		next := q.l.Front()
		if next == nil {
			return
		}
		t := next.Value.(*waitTicket)
		if t.kind != waitShared {
			return
		}
		q.l.Remove(next)
		close(t.wake)
	}
}

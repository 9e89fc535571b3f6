// Copyright (c) 2025-present deep.rent GmbH (https://deep.rent)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package queue implements the priority-ordered, concurrency-bounded
// admission engine described in §4.3 of the governance specification.
//
// A Queue admits at most N entries for dispatch at any instant. Waiting
// entries are ordered by (priority, submission time, insertion sequence);
// priority dominates, ties break by earlier submission, then by plain
// FIFO. Entries are generic over T so the queue has no dependency on the
// governor's Descriptor type.
package queue

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Keyed is the minimal contract a queued value must satisfy: the queue
// needs an identity (for cancellation), a priority (smaller = more
// urgent), and a submission timestamp (for tie-breaking and FIFO).
type Keyed interface {
	QueueID() string
	QueuePriority() int
	QueueSubmittedAt() time.Time
}

// ErrRequestCancelled is the sentinel wrapped by CancelledError.
var ErrRequestCancelled = errors.New("queue: request cancelled")

// CancelledError reports that a waiting entry was removed via
// CancelWaiting before it could be admitted.
type CancelledError struct {
	ID string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("queue: request %s cancelled while waiting", e.ID)
}

func (e *CancelledError) Unwrap() error { return ErrRequestCancelled }

// FullError reports that Enqueue was rejected synchronously because the
// waiting list was already at MaxQueueSize. It carries the value that
// could not be admitted, per §4.3: "fail synchronously with QueueFull
// carrying the descriptor."
type FullError[T any] struct {
	Value T
}

func (e *FullError[T]) Error() string {
	return "queue: waiting list is at capacity"
}

// Result is delivered on the channel returned by Enqueue once an entry is
// either admitted (Err == nil) or removed from the waiting list before
// admission (Err is a *CancelledError).
type Result[T any] struct {
	Value T
	Err   error
}

type entry[T Keyed] struct {
	value     T
	seq       uint64
	resultCh  chan Result[T]
	cancelled bool
}

// Queue is the admission engine. The zero value is not usable; construct
// one with New.
type Queue[T Keyed] struct {
	mu sync.Mutex

	maxConcurrent int
	maxQueueSize  int // 0 = unbounded
	isCritical    func(T) bool

	waiting []*entry[T]
	nextSeq uint64

	inFlight         int
	criticalInFlight int
	admittedCritical map[string]bool

	limiter *rate.Limiter // nil when queueDelay == 0
}

// Option configures a Queue at construction time.
type Option[T Keyed] func(*Queue[T])

// WithMaxQueueSize bounds the waiting list. A size <= 0 means unbounded,
// matching §9's "Unbounded queue vs. zero" design note.
func WithMaxQueueSize[T Keyed](size int) Option[T] {
	return func(q *Queue[T]) { q.maxQueueSize = size }
}

// WithQueueDelay enforces a minimum spacing between successive admissions.
func WithQueueDelay[T Keyed](d time.Duration) Option[T] {
	return func(q *Queue[T]) {
		if d > 0 {
			q.limiter = rate.NewLimiter(rate.Every(d), 1)
		}
	}
}

// WithCriticalPredicate supplies the is_critical(descriptor) predicate from
// §4.3. Without it, no entry is ever treated as critical and the blocking
// rule never engages.
func WithCriticalPredicate[T Keyed](fn func(T) bool) Option[T] {
	return func(q *Queue[T]) { q.isCritical = fn }
}

// New constructs a Queue admitting at most maxConcurrent entries at a time.
// Construction fails if maxConcurrent < 1.
func New[T Keyed](maxConcurrent int, opts ...Option[T]) (*Queue[T], error) {
	if maxConcurrent < 1 {
		return nil, fmt.Errorf("queue: maxConcurrent must be >= 1, got %d", maxConcurrent)
	}
	q := &Queue[T]{
		maxConcurrent:    maxConcurrent,
		admittedCritical: make(map[string]bool),
		isCritical:       func(T) bool { return false },
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Enqueue inserts value in priority order and returns a channel that
// receives exactly one Result once value is either admitted for dispatch
// or cancelled while waiting. If the waiting list is already at capacity,
// Enqueue fails synchronously with a *FullError[T] and value is never
// inserted.
func (q *Queue[T]) Enqueue(value T) (<-chan Result[T], error) {
	q.mu.Lock()

	if q.maxQueueSize > 0 && len(q.waiting) >= q.maxQueueSize {
		q.mu.Unlock()
		return nil, &FullError[T]{Value: value}
	}

	e := &entry[T]{
		value:    value,
		seq:      q.nextSeq,
		resultCh: make(chan Result[T], 1),
	}
	q.nextSeq++

	idx := sort.Search(len(q.waiting), func(i int) bool {
		return less(e, q.waiting[i])
	})
	q.waiting = append(q.waiting, nil)
	copy(q.waiting[idx+1:], q.waiting[idx:])
	q.waiting[idx] = e

	q.mu.Unlock()
	q.tryAdmit()
	return e.resultCh, nil
}

// less implements the ordering key (priority asc, timestamp asc, seq asc).
func less[T Keyed](a, b *entry[T]) bool {
	pa, pb := a.value.QueuePriority(), b.value.QueuePriority()
	if pa != pb {
		return pa < pb
	}
	ta, tb := a.value.QueueSubmittedAt(), b.value.QueueSubmittedAt()
	if !ta.Equal(tb) {
		return ta.Before(tb)
	}
	return a.seq < b.seq
}

// tryAdmit admits as many waiting entries as the admission rule allows. It
// is called after every state change that could unblock admission:
// Enqueue, MarkComplete, CancelWaiting, and queue-delay timer fires.
func (q *Queue[T]) tryAdmit() {
	for {
		q.mu.Lock()
		if len(q.waiting) == 0 {
			q.mu.Unlock()
			return
		}
		if q.inFlight >= q.maxConcurrent {
			q.mu.Unlock()
			return
		}
		next := q.waiting[0]
		critical := q.isCritical(next.value)
		if q.criticalInFlight > 0 && !critical {
			// Critical blocking rule: while a critical request is in
			// flight, no non-critical waiting entry is admitted.
			q.mu.Unlock()
			return
		}
		if q.limiter != nil {
			r := q.limiter.ReserveN(time.Now(), 1)
			if !r.OK() {
				q.mu.Unlock()
				return
			}
			if d := r.Delay(); d > 0 {
				r.Cancel()
				q.mu.Unlock()
				time.AfterFunc(d, q.tryAdmit)
				return
			}
		}

		q.waiting = q.waiting[1:]
		q.inFlight++
		if critical {
			q.criticalInFlight++
			q.admittedCritical[next.value.QueueID()] = true
		}
		q.mu.Unlock()

		next.resultCh <- Result[T]{Value: next.value}
		close(next.resultCh)
	}
}

// MarkComplete releases the in-flight slot held by value and attempts to
// admit the next waiting entry.
func (q *Queue[T]) MarkComplete(value T) {
	q.mu.Lock()
	if q.inFlight > 0 {
		q.inFlight--
	}
	if q.admittedCritical[value.QueueID()] {
		delete(q.admittedCritical, value.QueueID())
		if q.criticalInFlight > 0 {
			q.criticalInFlight--
		}
	}
	q.mu.Unlock()
	q.tryAdmit()
}

// CancelWaiting removes the waiting entry with the given id, if present,
// and delivers a *CancelledError on its result channel. It reports whether
// an entry was found and removed.
func (q *Queue[T]) CancelWaiting(id string) bool {
	q.mu.Lock()
	for i, e := range q.waiting {
		if e.value.QueueID() == id {
			q.waiting = append(q.waiting[:i:i], q.waiting[i+1:]...)
			q.mu.Unlock()
			e.resultCh <- Result[T]{Err: &CancelledError{ID: id}}
			close(e.resultCh)
			return true
		}
	}
	q.mu.Unlock()
	return false
}

// WaitingCount reports the number of entries currently waiting admission.
func (q *Queue[T]) WaitingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

// IsBusy preserves the source implementation's counter-intuitive meaning
// (see §9 "is_busy meaning"): it reports true when the waiting list is
// empty, i.e. "nothing is left to admit" — not that dispatch is active.
// Admission loops use this to detect an idle/ready state.
func (q *Queue[T]) IsBusy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting) == 0
}

// InFlight reports the current in-flight count.
func (q *Queue[T]) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

// SnapshotWaiting returns a defensive copy of the values currently waiting,
// in admission order.
func (q *Queue[T]) SnapshotWaiting() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]T, len(q.waiting))
	for i, e := range q.waiting {
		out[i] = e.value
	}
	return out
}

// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package queue decouples synchronous callers issuing volume I/O from the
// dispatchers performing it. Callers create a request, enqueue it and wait
// for its completion. Dispatchers take requests in the order they arrived,
// execute them and complete them. Every enqueue posts exactly one wake-up
// unit, so no request can stall behind a coalesced notification.
package queue

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/asch/sheepvol/internal/sheep/proto"
)

var (
	// ErrSystem is returned when the queue can no longer accept requests.
	ErrSystem = proto.NewError(proto.ResSystemError, "request queue is closed")

	ErrNotQueued = errors.New("request was not enqueued")
	ErrReleased  = errors.New("request was already released")
	ErrCompleted = errors.New("request was already completed")
)

// Target executes requests. It is implemented by the volume handle, which
// knows how to translate a byte range into object operations.
type Target interface {
	Serve(ctx context.Context, r *Request) error
}

// Queue is a FIFO of requests shared by callers and dispatchers.
type Queue struct {
	mu      sync.RWMutex
	pending []*Request
	closed  bool

	seq  uint64
	sig  *signal
	quit chan struct{}
}

// New returns an empty open queue.
func New() *Queue {
	return &Queue{
		sig:  newSignal(),
		quit: make(chan struct{}),
	}
}

// NewRequest prepares a request for target. The buffer is borrowed by the
// request until Await returns. Fails with ErrSystem if the queue is closed.
func (q *Queue) NewRequest(target Target, buf []byte, offset uint64, write bool) (*Request, error) {
	q.mu.RLock()
	closed := q.closed
	q.mu.RUnlock()

	if closed {
		return nil, ErrSystem
	}

	return &Request{
		Target: target,
		Buf:    buf,
		Offset: offset,
		Write:  write,
		ID:     atomic.AddUint64(&q.seq, 1),
		done:   make(chan struct{}),
	}, nil
}

// Enqueue appends r to the tail and posts one wake-up unit for it.
func (q *Queue) Enqueue(r *Request) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrSystem
	}

	if !r.state.CompareAndSwap(int32(Created), int32(Queued)) {
		q.mu.Unlock()
		return errors.Errorf("enqueue of request %d in state %s", r.ID, r.State())
	}

	q.pending = append(q.pending, r)
	q.mu.Unlock()

	q.sig.post()

	return nil
}

// Next blocks until a request is available and hands it over to the calling
// dispatcher. It returns ErrSystem once the queue is closed.
func (q *Queue) Next(ctx context.Context) (*Request, error) {
	for {
		if err := q.sig.take(ctx, q.quit); err != nil {
			return nil, err
		}

		q.mu.Lock()
		if len(q.pending) == 0 {
			// The unit belonged to a canceled request.
			q.mu.Unlock()
			continue
		}

		r := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		r.state.Store(int32(InFlight))
		q.mu.Unlock()

		return r, nil
	}
}

// Complete stores the result of r and wakes up its owner. A request can be
// completed only once.
func (q *Queue) Complete(r *Request, err error) error {
	if !r.state.CompareAndSwap(int32(InFlight), int32(Completed)) {
		return errors.Wrapf(ErrCompleted, "request %d in state %s", r.ID, r.State())
	}

	r.err = err
	close(r.done)

	return nil
}

// Await waits for completion of r and releases it. If ctx is done while r is
// still queued, r is withdrawn and never executed. Once a dispatcher took r,
// Await waits for its completion regardless of ctx because the buffer is in
// use.
func (q *Queue) Await(ctx context.Context, r *Request) error {
	if !r.awaited.CompareAndSwap(false, true) {
		return ErrReleased
	}

	if r.State() == Created {
		return ErrNotQueued
	}

	select {
	case <-r.done:
	case <-ctx.Done():
		if q.cancel(r) {
			r.state.Store(int32(Released))
			return errors.Wrapf(ctx.Err(), "request %d canceled", r.ID)
		}
		<-r.done
	}

	r.state.Store(int32(Released))

	return r.err
}

// Do is a shorthand for NewRequest, Enqueue and Await.
func (q *Queue) Do(ctx context.Context, target Target, buf []byte, offset uint64, write bool) error {
	r, err := q.NewRequest(target, buf, offset, write)
	if err != nil {
		return err
	}

	if err := q.Enqueue(r); err != nil {
		return err
	}

	return q.Await(ctx, r)
}

// Len returns the number of requests waiting for a dispatcher.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return len(q.pending)
}

// Close fails all queued requests with ErrSystem and stops the dispatchers
// waiting in Next. Requests already taken by a dispatcher are completed
// normally.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}

	q.closed = true
	for _, r := range q.pending {
		r.state.Store(int32(Completed))
		r.err = ErrSystem
		close(r.done)
	}
	q.pending = nil
	close(q.quit)
	q.mu.Unlock()
}

// Withdraw r from the pending list if no dispatcher took it yet.
func (q *Queue) cancel(r *Request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !r.state.CompareAndSwap(int32(Queued), int32(Canceled)) {
		return false
	}

	for i, p := range q.pending {
		if p == r {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}

	return true
}

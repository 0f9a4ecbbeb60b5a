// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package queue

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asch/sheepvol/internal/sheep/proto"
)

// Target answering every request with an error naming the caller stored in
// the first bytes of the buffer.
type echoTarget struct {
	served atomic.Int64
}

func (e *echoTarget) Serve(ctx context.Context, r *Request) error {
	e.served.Add(1)
	return fmt.Errorf("caller %d", binary.LittleEndian.Uint64(r.Buf))
}

func dispatch(ctx context.Context, t *testing.T, q *Queue, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		r, err := q.Next(ctx)
		if err != nil {
			return
		}

		assert.Equal(t, InFlight, r.State())
		assert.NoError(t, q.Complete(r, r.Target.Serve(ctx, r)))
	}
}

func TestNoCrossDelivery(t *testing.T) {
	const callers = 200
	const dispatchers = 4

	q := New()
	target := &echoTarget{}

	ctx, cancel := context.WithCancel(context.Background())
	var dwg sync.WaitGroup
	for i := 0; i < dispatchers; i++ {
		dwg.Add(1)
		go dispatch(ctx, t, q, &dwg)
	}

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			buf := make([]byte, 8)
			binary.LittleEndian.PutUint64(buf, uint64(i))

			err := q.Do(context.Background(), target, buf, 0, true)
			assert.EqualError(t, err, fmt.Sprintf("caller %d", i))
		}(i)
	}

	wg.Wait()
	cancel()
	dwg.Wait()

	assert.Equal(t, int64(callers), target.served.Load())
	assert.Equal(t, 0, q.Len())
}

func TestFIFO(t *testing.T) {
	q := New()
	target := &echoTarget{}

	var reqs []*Request
	for i := 0; i < 5; i++ {
		r, err := q.NewRequest(target, make([]byte, 8), uint64(i), false)
		require.NoError(t, err)
		require.NoError(t, q.Enqueue(r))
		reqs = append(reqs, r)
	}

	for i := 0; i < 5; i++ {
		r, err := q.Next(context.Background())
		require.NoError(t, err)
		assert.Same(t, reqs[i], r)
	}
}

func TestCompleteOnce(t *testing.T) {
	q := New()

	r, err := q.NewRequest(&echoTarget{}, nil, 0, false)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(r))

	got, err := q.Next(context.Background())
	require.NoError(t, err)

	require.NoError(t, q.Complete(got, nil))
	assert.True(t, errors.Is(q.Complete(got, nil), ErrCompleted))

	require.NoError(t, q.Await(context.Background(), r))
	assert.Equal(t, Released, r.State())
	assert.Equal(t, ErrReleased, q.Await(context.Background(), r))
}

func TestAwaitNotQueued(t *testing.T) {
	q := New()

	r, err := q.NewRequest(&echoTarget{}, nil, 0, false)
	require.NoError(t, err)
	assert.Equal(t, ErrNotQueued, q.Await(context.Background(), r))
}

func TestCancelQueued(t *testing.T) {
	q := New()
	target := &echoTarget{}

	r, err := q.NewRequest(target, make([]byte, 8), 0, false)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(r))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = q.Await(ctx, r)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, q.Len())

	// The wake-up unit of the canceled request must not hand out anything.
	next, nextCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer nextCancel()
	_, err = q.Next(next)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, int64(0), target.served.Load())
}

func TestCancelInFlightWaits(t *testing.T) {
	q := New()

	r, err := q.NewRequest(&echoTarget{}, make([]byte, 8), 0, false)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(r))

	taken, err := q.Next(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Complete(taken, nil)
	}()

	assert.NoError(t, q.Await(ctx, r))
}

func TestClosedQueue(t *testing.T) {
	q := New()

	queued, err := q.NewRequest(&echoTarget{}, nil, 0, false)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(queued))

	q.Close()
	q.Close()

	err = q.Await(context.Background(), queued)
	assert.True(t, errors.Is(err, proto.ResSystemError))

	_, err = q.NewRequest(&echoTarget{}, nil, 0, false)
	assert.Equal(t, ErrSystem, err)

	_, err = q.Next(context.Background())
	assert.Equal(t, ErrSystem, err)
}

func TestSignalCountsEveryPost(t *testing.T) {
	s := newSignal()
	for i := 0; i < 3; i++ {
		s.post()
	}

	quit := make(chan struct{})
	for i := 0; i < 3; i++ {
		require.NoError(t, s.take(context.Background(), quit))
	}

	close(quit)
	assert.Equal(t, ErrSystem, s.take(context.Background(), quit))
}

// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package cluster

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asch/sheepvol/internal/metrics"
	"github.com/asch/sheepvol/internal/sheep/proto"
	"github.com/asch/sheepvol/internal/sheep/queue"
)

type fakeTransport struct {
	rsp    proto.Response
	err    error
	closed bool
}

func (f *fakeTransport) Execute(ctx context.Context, req proto.Request, payload []byte) (proto.Response, error) {
	return f.rsp, f.err
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

func TestRunTransportFailureShortCircuits(t *testing.T) {
	ft := &fakeTransport{
		rsp: proto.Response{Result: proto.ResVdiLocked},
		err: errors.New("connection reset"),
	}
	c := New(ft, Options{Workers: 1})
	defer c.Close()

	_, err := c.Run(context.Background(), &proto.VdiRequest{Op: proto.OpLockVdi}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransport))
	assert.False(t, errors.Is(err, proto.ResVdiLocked))
	assert.Contains(t, err.Error(), "lock_vdi")
}

func TestRunOperationResult(t *testing.T) {
	ft := &fakeTransport{rsp: proto.Response{Result: proto.ResNoTag}}
	c := New(ft, Options{Workers: 1, Metrics: metrics.New()})
	defer c.Close()

	_, err := c.Run(context.Background(), &proto.VdiRequest{Op: proto.OpGetVdiInfo}, nil)
	assert.Equal(t, proto.ResNoTag, err)
	assert.False(t, errors.Is(err, ErrTransport))

	ft.rsp = proto.Response{Result: proto.ResSuccess, VdiID: 7}
	rsp, err := c.Run(context.Background(), &proto.VdiRequest{Op: proto.OpGetVdiInfo}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), rsp.VdiID)
}

type countingTarget struct {
	mu     sync.Mutex
	served map[uint64]bool
}

func (c *countingTarget) Serve(ctx context.Context, r *queue.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.served[r.Offset] = true
	if r.Write {
		return proto.ResReadonly
	}

	return nil
}

func TestDispatchers(t *testing.T) {
	c := New(&fakeTransport{}, Options{Workers: 3})
	target := &countingTarget{served: map[uint64]bool{}}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			write := i%2 == 1
			err := c.Queue().Do(context.Background(), target, nil, uint64(i), write)
			if write {
				assert.Equal(t, proto.ResReadonly, err)
			} else {
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, target.served, 50)
	require.NoError(t, c.Close())

	err := c.Queue().Do(context.Background(), target, nil, 0, false)
	assert.Equal(t, queue.ErrSystem, err)
}

func TestCloseClosesTransport(t *testing.T) {
	ft := &fakeTransport{}
	c := New(ft, Options{})

	require.NoError(t, c.Close())
	assert.True(t, ft.closed)
}

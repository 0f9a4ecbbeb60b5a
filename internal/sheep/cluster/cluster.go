// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package cluster represents a connection to the cluster. It owns the
// transport executing remote operations, the queue of pending volume I/O and
// the dispatchers draining it.
package cluster

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/asch/sheepvol/internal/metrics"
	"github.com/asch/sheepvol/internal/sheep/proto"
	"github.com/asch/sheepvol/internal/sheep/queue"
)

// Transport delivers one request to the cluster. The payload is sent after
// the header when the request carries FlagCmdWrite, otherwise it receives the
// returned data. A non-nil error means the request could not be delivered or
// answered and the response must be ignored.
type Transport interface {
	Execute(ctx context.Context, req proto.Request, payload []byte) (proto.Response, error)
}

// ErrTransport matches every TransportError.
var ErrTransport = errors.New("transport failure")

// TransportError separates delivery failures from operation results.
type TransportError struct {
	Op  proto.Opcode
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure on %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// Options to use in New().
type Options struct {
	// Number of dispatchers serving the request queue.
	Workers int

	// Optional, nil disables metrics.
	Metrics *metrics.Collector
}

// Cluster is a connection to the cluster shared by all open volumes.
type Cluster struct {
	transport Transport
	queue     *queue.Queue
	metrics   *metrics.Collector

	workers *errgroup.Group
	cancel  context.CancelFunc
}

// New creates the request queue and immediately spawns the dispatchers.
func New(t Transport, o Options) *Cluster {
	if o.Workers < 1 {
		o.Workers = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	c := &Cluster{
		transport: t,
		queue:     queue.New(),
		metrics:   o.Metrics,
		workers:   g,
		cancel:    cancel,
	}

	o.Metrics.QueueDepth(c.queue.Len)

	for i := 0; i < o.Workers; i++ {
		g.Go(func() error {
			return c.dispatch(ctx)
		})
	}

	return c
}

// Run executes one remote operation and checks both stages of its result.
// A transport failure is returned as *TransportError without looking at the
// operation result, otherwise a failed operation is returned as its
// proto.Result. The response is returned in both cases.
func (c *Cluster) Run(ctx context.Context, req proto.Request, payload []byte) (proto.Response, error) {
	start := time.Now()
	rsp, err := c.transport.Execute(ctx, req, payload)
	if err != nil {
		c.metrics.RemoteOp(req.Opcode().String(), "transport", time.Since(start))
		return rsp, &TransportError{Op: req.Opcode(), Err: err}
	}

	c.metrics.RemoteOp(req.Opcode().String(), resultLabel(rsp.Result), time.Since(start))

	return rsp, rsp.Result.Err()
}

// Queue returns the queue of pending volume I/O.
func (c *Cluster) Queue() *queue.Queue {
	return c.queue
}

// Close stops accepting requests, fails the queued ones, waits for requests
// being served and closes the transport if it is closable.
func (c *Cluster) Close() error {
	c.queue.Close()
	err := c.workers.Wait()
	c.cancel()

	if closer, ok := c.transport.(io.Closer); ok {
		if cerr := closer.Close(); err == nil {
			err = cerr
		}
	}

	return err
}

// Dispatcher loop. Runs until the queue is closed.
func (c *Cluster) dispatch(ctx context.Context) error {
	for {
		r, err := c.queue.Next(ctx)
		if err != nil {
			return nil
		}

		err = r.Target.Serve(ctx, r)
		c.metrics.Request(r.Write, resultLabel(proto.ResultOf(err)), r.Len())

		if cerr := c.queue.Complete(r, err); cerr != nil {
			log.Warn().Err(cerr).Uint64("request", r.ID).Msg("Dropping completion")
		}
	}
}

func resultLabel(res proto.Result) string {
	if res == proto.ResSuccess {
		return "success"
	}

	return fmt.Sprintf("%#02x", uint32(res))
}

// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package tcp carries requests over the cluster wire protocol. Every request
// is a 48 byte header optionally followed by the payload, every response is a
// 48 byte header optionally followed by returned data. Requests on one
// connection are multiplexed and matched to responses by their id.
package tcp

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/asch/sheepvol/internal/sheep/proto"
)

var ErrShutdown = errors.New("connection is shut down")

// Options to use in Dial().
type Options struct {
	DialTimeout time.Duration
	DialRetries uint

	// Applied to requests whose context has no deadline. Zero disables it.
	IOTimeout time.Duration
}

// Client is a connection to one cluster node. It is safe for concurrent use.
type Client struct {
	conn    net.Conn
	timeout time.Duration
	pool    *util.BufferPool
	seq     seq

	// Serializes writes to conn.
	reqMutex sync.Mutex

	mutex   sync.Mutex
	pending map[uint32]*call
	err     error

	quit chan struct{}
}

type call struct {
	write   bool
	payload []byte
	rsp     proto.Response
	err     error
	done    chan struct{}
}

// Dial connects to addr, retrying failed attempts with a delay.
func Dial(ctx context.Context, addr string, o Options) (*Client, error) {
	if o.DialRetries == 0 {
		o.DialRetries = 1
	}

	d := net.Dialer{Timeout: o.DialTimeout}

	var conn net.Conn
	err := retry.Do(func() error {
		var err error
		conn, err = d.DialContext(ctx, "tcp", addr)
		return err
	},
		retry.Attempts(o.DialRetries),
		retry.Delay(100*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			log.Info().Err(err).Str("addr", addr).Uint("attempt", n+1).Msg("Dial failed, retrying")
		}))

	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}

	return NewClient(conn, o.IOTimeout), nil
}

// NewClient takes over conn and starts reading responses from it.
func NewClient(conn net.Conn, timeout time.Duration) *Client {
	c := &Client{
		conn:    conn,
		timeout: timeout,
		pool:    util.NewBufferPool(proto.HeaderSize),
		pending: make(map[uint32]*call),
		quit:    make(chan struct{}),
	}

	go c.readLoop()

	return c
}

// Execute sends req and waits for its response. If ctx is done before the
// response arrives, the response is dropped when it comes.
func (c *Client) Execute(ctx context.Context, req proto.Request, payload []byte) (proto.Response, error) {
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	cl := &call{
		write:   req.Flags().Has(proto.FlagCmdWrite),
		payload: payload,
		done:    make(chan struct{}),
	}

	id := c.seq.next()

	c.mutex.Lock()
	if c.err != nil {
		err := c.err
		c.mutex.Unlock()
		return proto.Response{}, err
	}
	c.pending[id] = cl
	c.mutex.Unlock()

	if err := c.send(req, id, payload, cl.write); err != nil {
		c.conn.Close()
		c.forget(id)
		return proto.Response{}, errors.Wrapf(err, "send %s", req.Opcode())
	}

	select {
	case <-cl.done:
		return cl.rsp, cl.err
	case <-ctx.Done():
		if c.forget(id) {
			return proto.Response{}, ctx.Err()
		}

		// The reader already owns the call and may be filling payload.
		<-cl.done
		return cl.rsp, cl.err
	}
}

// Close closes the connection and fails all pending requests.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.quit

	return err
}

func (c *Client) send(req proto.Request, id uint32, payload []byte, write bool) error {
	hdr := c.pool.Get(proto.HeaderSize)
	defer c.pool.Put(hdr)

	proto.EncodeRequest(hdr, req, id, uint32(len(payload)))

	bufs := net.Buffers{hdr}
	if write && len(payload) > 0 {
		bufs = append(bufs, payload)
	}

	c.reqMutex.Lock()
	defer c.reqMutex.Unlock()

	_, err := bufs.WriteTo(c.conn)

	return err
}

// Removes a pending call. Returns false if the reader took it already.
func (c *Client) forget(id uint32) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	_, ok := c.pending[id]
	delete(c.pending, id)

	return ok
}

func (c *Client) readLoop() {
	hdr := make([]byte, proto.HeaderSize)

	for {
		if _, err := io.ReadFull(c.conn, hdr); err != nil {
			c.terminate(err)
			return
		}

		rsp, err := proto.DecodeResponse(hdr)
		if err != nil {
			c.terminate(err)
			return
		}

		c.mutex.Lock()
		cl := c.pending[rsp.ID]
		delete(c.pending, rsp.ID)
		c.mutex.Unlock()

		n := int(rsp.DataLength)
		if cl != nil && !cl.write {
			m := n
			if m > len(cl.payload) {
				m = len(cl.payload)
			}

			if _, err := io.ReadFull(c.conn, cl.payload[:m]); err != nil {
				cl.err = err
				close(cl.done)
				c.terminate(err)
				return
			}
			n -= m
		}

		if err := c.discard(n); err != nil {
			if cl != nil {
				cl.err = err
				close(cl.done)
			}
			c.terminate(err)
			return
		}

		if cl == nil {
			log.Debug().Uint32("id", rsp.ID).Msg("Response for abandoned request")
			continue
		}

		cl.rsp = rsp
		close(cl.done)
	}
}

func (c *Client) discard(n int) error {
	if n <= 0 {
		return nil
	}

	buf := c.pool.Get(n)
	defer c.pool.Put(buf)

	_, err := io.ReadFull(c.conn, buf)

	return err
}

// Fails every pending call. No request can be sent afterwards.
func (c *Client) terminate(err error) {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		err = ErrShutdown
	}

	c.mutex.Lock()
	if c.err == nil {
		c.err = err
	}
	for id, cl := range c.pending {
		cl.err = c.err
		close(cl.done)
		delete(c.pending, id)
	}
	c.mutex.Unlock()

	c.conn.Close()
	close(c.quit)
}

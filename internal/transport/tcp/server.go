// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package tcp

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/asch/sheepvol/internal/sheep/cluster"
	"github.com/asch/sheepvol/internal/sheep/proto"
)

// Upper bound of a payload accepted from a client. Large enough for a data
// object or a whole inode.
const maxDataLength = 64 << 20

// Server exposes a cluster.Transport on the wire protocol. Requests of one
// connection are executed concurrently and answered in completion order.
type Server struct {
	transport cluster.Transport
	pool      *util.BufferPool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mutex     sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]struct{}
}

// NewServer returns a server executing requests with t.
func NewServer(t cluster.Transport) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		transport: t,
		pool:      util.NewBufferPool(4 << 20),
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[net.Conn]struct{}),
	}
}

// ListenAndServe listens on the TCP address addr and calls Serve.
func (s *Server) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}

	return s.Serve(l)
}

// Serve accepts connections on l until Close is called.
func (s *Server) Serve(l net.Listener) error {
	s.mutex.Lock()
	s.listeners[l] = struct{}{}
	s.mutex.Unlock()

	log.Info().Str("addr", l.Addr().String()).Msg("Serving cluster protocol")

	for {
		conn, err := l.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "accept")
		}

		s.mutex.Lock()
		s.conns[conn] = struct{}{}
		s.mutex.Unlock()

		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

// Close stops all listeners, drops all connections and waits for running
// requests.
func (s *Server) Close() error {
	s.cancel()

	s.mutex.Lock()
	for l := range s.listeners {
		l.Close()
	}
	for c := range s.conns {
		c.Close()
	}
	s.mutex.Unlock()

	s.wg.Wait()

	return nil
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()

	var (
		writeMutex sync.Mutex
		requests   sync.WaitGroup
	)

	defer func() {
		requests.Wait()
		conn.Close()

		s.mutex.Lock()
		delete(s.conns, conn)
		s.mutex.Unlock()
	}()

	hdr := make([]byte, proto.HeaderSize)
	for {
		if _, err := io.ReadFull(conn, hdr); err != nil {
			if !errors.Is(err, io.EOF) && s.ctx.Err() == nil {
				log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("Connection dropped")
			}
			return
		}

		req, id, length, err := proto.DecodeRequest(hdr)
		if err != nil || length > maxDataLength {
			log.Warn().Err(err).Uint32("length", length).Str("remote", conn.RemoteAddr().String()).
				Msg("Malformed request, closing connection")
			return
		}

		write := req.Flags().Has(proto.FlagCmdWrite)
		payload := s.pool.Get(int(length))
		if write {
			if _, err := io.ReadFull(conn, payload); err != nil {
				s.pool.Put(payload)
				return
			}
		}

		requests.Add(1)
		go func() {
			defer requests.Done()
			defer s.pool.Put(payload)

			rsp := s.execute(req, payload)
			rsp.ID = id

			out := make([]byte, proto.HeaderSize)
			bufs := net.Buffers{out}
			if !write && rsp.Result == proto.ResSuccess {
				rsp.DataLength = uint32(len(payload))
				bufs = append(bufs, payload)
			} else {
				rsp.DataLength = 0
			}
			proto.EncodeResponse(out, &rsp)

			writeMutex.Lock()
			defer writeMutex.Unlock()

			if _, err := bufs.WriteTo(conn); err != nil {
				log.Debug().Err(err).Uint32("id", id).Msg("Failed to send response")
			}
		}()
	}
}

func (s *Server) execute(req proto.Request, payload []byte) proto.Response {
	rsp, err := s.transport.Execute(s.ctx, req, payload)
	if err != nil {
		rsp = proto.Response{Result: proto.ResultOf(err)}
		if rsp.Result == proto.ResSystemError {
			rsp.Result = proto.ResEIO
		}
	}

	rsp.Opcode = req.Opcode()
	rsp.Flags = req.Flags()

	return rsp
}

// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package queue

import (
	"context"
	"sync"
)

// Counting wake-up signal. Each post adds one unit and each take consumes one.
// The channel only carries the edge, the count is authoritative.
type signal struct {
	mu    sync.Mutex
	n     int
	ready chan struct{}
}

func newSignal() *signal {
	return &signal{ready: make(chan struct{}, 1)}
}

func (s *signal) post() {
	s.mu.Lock()
	s.n++
	s.mu.Unlock()

	s.arm()
}

func (s *signal) take(ctx context.Context, quit <-chan struct{}) error {
	for {
		select {
		case <-s.ready:
		case <-quit:
			return ErrSystem
		case <-ctx.Done():
			return ctx.Err()
		}

		s.mu.Lock()
		if s.n == 0 {
			s.mu.Unlock()
			continue
		}

		s.n--
		more := s.n > 0
		s.mu.Unlock()

		if more {
			s.arm()
		}

		return nil
	}
}

func (s *signal) arm() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package tcp

import "sync"

// Synchronized source of request identifiers of one connection. Zero is never
// handed out so an unset id is easy to spot in the traffic.
type seq struct {
	mutex sync.Mutex
	id    uint32
}

// Returns the next unassigned identifier.
func (s *seq) next() uint32 {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.id++
	if s.id == 0 {
		s.id++
	}

	return s.id
}

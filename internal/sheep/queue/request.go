// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package queue

import "sync/atomic"

// State is the lifecycle stage of a request.
type State int32

const (
	Created State = iota
	Queued
	InFlight
	Completed
	Released
	Canceled
)

var stateNames = [...]string{"created", "queued", "in-flight", "completed", "released", "canceled"}

// String returns the state name.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}

	return "invalid"
}

// Request is one pending I/O of a volume handle.
type Request struct {
	Target Target
	Buf    []byte
	Offset uint64
	Write  bool
	ID     uint64

	state   atomic.Int32
	awaited atomic.Bool
	done    chan struct{}
	err     error
}

// State returns the current lifecycle stage of r.
func (r *Request) State() State {
	return State(r.state.Load())
}

// Len is the number of bytes to transfer.
func (r *Request) Len() int {
	return len(r.Buf)
}

// Done is closed once the request is completed.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package proto

import (
	"fmt"

	"github.com/pkg/errors"
)

// Result is the operation level outcome reported by the cluster. Every value
// except ResSuccess is an error, so results can be returned, wrapped and
// matched with errors.Is directly.
type Result uint32

const (
	ResSuccess       Result = 0x00
	ResUnknown       Result = 0x01
	ResNoObj         Result = 0x02
	ResEIO           Result = 0x03
	ResVdiExist      Result = 0x04
	ResInvalidParms  Result = 0x05
	ResSystemError   Result = 0x06
	ResVdiLocked     Result = 0x07
	ResNoVdi         Result = 0x08
	ResNoBaseVdi     Result = 0x09
	ResVdiRead       Result = 0x0A
	ResVdiWrite      Result = 0x0B
	ResBaseVdiRead   Result = 0x0C
	ResBaseVdiWrite  Result = 0x0D
	ResNoTag         Result = 0x0E
	ResStartup       Result = 0x0F
	ResVdiNotLocked  Result = 0x10
	ResShutdown      Result = 0x11
	ResNoMem         Result = 0x12
	ResFullVdi       Result = 0x13
	ResVerMismatch   Result = 0x14
	ResNoSpace       Result = 0x15
	ResWaitForFormat Result = 0x16
	ResWaitForJoin   Result = 0x17
	ResJoinFailed    Result = 0x18
	ResHalt          Result = 0x19
	ResReadonly      Result = 0x1A
)

var resultDescriptions = map[Result]string{
	ResSuccess:       "success",
	ResUnknown:       "unknown error",
	ResNoObj:         "no object found",
	ResEIO:           "I/O error",
	ResVdiExist:      "VDI exists already",
	ResInvalidParms:  "invalid parameters",
	ResSystemError:   "system error",
	ResVdiLocked:     "VDI is already locked",
	ResNoVdi:         "no VDI found",
	ResNoBaseVdi:     "no base VDI found",
	ResVdiRead:       "failed to read from requested VDI",
	ResVdiWrite:      "failed to write to requested VDI",
	ResBaseVdiRead:   "failed to read from base VDI",
	ResBaseVdiWrite:  "failed to write to base VDI",
	ResNoTag:         "failed to find requested tag",
	ResStartup:       "system is still booting",
	ResVdiNotLocked:  "VDI is not locked",
	ResShutdown:      "system is shutting down",
	ResNoMem:         "out of memory on server",
	ResFullVdi:       "maximum number of VDIs reached",
	ResVerMismatch:   "protocol version mismatch",
	ResNoSpace:       "server has no space for new objects",
	ResWaitForFormat: "waiting for cluster to be formatted",
	ResWaitForJoin:   "waiting for other nodes to join cluster",
	ResJoinFailed:    "node has failed to join cluster",
	ResHalt:          "IO has halted as there are not enough living nodes",
	ResReadonly:      "object is read-only",
}

// Error returns the description of the result.
func (r Result) Error() string {
	if s, ok := resultDescriptions[r]; ok {
		return s
	}

	return fmt.Sprintf("unknown result %#x", uint32(r))
}

// Err converts the result to nil on success, otherwise returns the result
// itself.
func (r Result) Err() error {
	if r == ResSuccess {
		return nil
	}

	return r
}

// Error is a locally detected failure which is reported to the callers under
// one of the cluster result codes.
type Error struct {
	Result Result
	Msg    string
}

// NewError returns an error which matches res with errors.Is.
func NewError(res Result, msg string) *Error {
	return &Error{Result: res, Msg: msg}
}

// Error returns the message of the local failure.
func (e *Error) Error() string {
	return e.Msg
}

// Unwrap exposes the result code to errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Result
}

// ResultOf finds the result code in the chain of err. Errors not carrying any
// code are reported as ResSystemError.
func ResultOf(err error) Result {
	if err == nil {
		return ResSuccess
	}

	var res Result
	if errors.As(err, &res) {
		return res
	}

	return ResSystemError
}

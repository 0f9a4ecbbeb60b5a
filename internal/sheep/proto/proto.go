// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package proto describes the requests and responses exchanged with the
// cluster. Requests are plain Go structures, one per kind of operation, and
// they are packed into the fixed 48 byte wire header only when they leave the
// process. Everything on the wire is little endian.
package proto

import "fmt"

const (
	Version    = 0x02
	HeaderSize = 48

	MaxVdiLen    = 256
	MaxVdiTagLen = 256

	// Lock type for the ordinary exclusive lock of a volume.
	LockTypeNormal = 0
)

// Opcode selects the remote operation.
type Opcode uint8

const (
	OpCreateAndWriteObj Opcode = 0x01
	OpReadObj           Opcode = 0x02
	OpWriteObj          Opcode = 0x03
	OpRemoveObj         Opcode = 0x04

	OpNewVdi     Opcode = 0x11
	OpLockVdi    Opcode = 0x12
	OpReleaseVdi Opcode = 0x13
	OpGetVdiInfo Opcode = 0x14
	OpDelVdi     Opcode = 0x17
)

var opcodeNames = map[Opcode]string{
	OpCreateAndWriteObj: "create_and_write_obj",
	OpReadObj:           "read_obj",
	OpWriteObj:          "write_obj",
	OpRemoveObj:         "remove_obj",
	OpNewVdi:            "new_vdi",
	OpLockVdi:           "lock_vdi",
	OpReleaseVdi:        "release_vdi",
	OpGetVdiInfo:        "get_vdi_info",
	OpDelVdi:            "del_vdi",
}

// String returns the lowercase operation name used in logs and metrics.
func (o Opcode) String() string {
	if s, ok := opcodeNames[o]; ok {
		return s
	}

	return fmt.Sprintf("op_%#02x", uint8(o))
}

// IsVdi tells whether the opcode uses the volume variant of the header union.
// The object operations occupy the range below 0x10.
func (o Opcode) IsVdi() bool {
	return o >= 0x10
}

// Flags modify the remote operation.
type Flags uint16

const (
	FlagCmdWrite  Flags = 0x01
	FlagCmdCow    Flags = 0x02
	FlagCmdDirect Flags = 0x08
)

// Has reports whether flag is set.
func (f Flags) Has(flag Flags) bool {
	return f&flag != 0
}

// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package proto

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Response is the decoded response header. Which of the union fields are
// meaningful depends on the opcode: VdiID, AttrID and BlockSizeShift for
// volume operations, CopyPolicy, StorePolicy and Offset for object ones.
type Response struct {
	Opcode     Opcode
	Flags      Flags
	Epoch      uint32
	ID         uint32
	DataLength uint32
	Result     Result

	VdiID          uint32
	AttrID         uint32
	Copies         uint8
	BlockSizeShift uint8
	CopyPolicy     uint8
	StorePolicy    uint8
	Offset         uint64
}

// EncodeResponse packs r into the wire header. Used by the serving side.
func EncodeResponse(b []byte, r *Response) {
	for i := range b[:HeaderSize] {
		b[i] = 0
	}

	b[0] = Version
	b[1] = byte(r.Opcode)
	binary.LittleEndian.PutUint16(b[2:], uint16(r.Flags))
	binary.LittleEndian.PutUint32(b[4:], r.Epoch)
	binary.LittleEndian.PutUint32(b[8:], r.ID)
	binary.LittleEndian.PutUint32(b[12:], r.DataLength)
	binary.LittleEndian.PutUint32(b[16:], uint32(r.Result))

	if r.Opcode.IsVdi() {
		binary.LittleEndian.PutUint32(b[24:], r.VdiID)
		binary.LittleEndian.PutUint32(b[28:], r.AttrID)
		b[32] = r.Copies
		b[33] = r.BlockSizeShift
	} else {
		b[20] = r.Copies
		b[21] = r.CopyPolicy
		b[22] = r.StorePolicy
		binary.LittleEndian.PutUint64(b[24:], r.Offset)
	}
}

// DecodeResponse unpacks the wire header of a response.
func DecodeResponse(b []byte) (Response, error) {
	var r Response

	if len(b) < HeaderSize {
		return r, errors.Wrapf(ResInvalidParms, "short header of %d bytes", len(b))
	}

	if b[0] != Version {
		return r, errors.Wrapf(ResVerMismatch, "protocol version %#x", b[0])
	}

	r.Opcode = Opcode(b[1])
	r.Flags = Flags(binary.LittleEndian.Uint16(b[2:]))
	r.Epoch = binary.LittleEndian.Uint32(b[4:])
	r.ID = binary.LittleEndian.Uint32(b[8:])
	r.DataLength = binary.LittleEndian.Uint32(b[12:])
	r.Result = Result(binary.LittleEndian.Uint32(b[16:]))

	if r.Opcode.IsVdi() {
		r.VdiID = binary.LittleEndian.Uint32(b[24:])
		r.AttrID = binary.LittleEndian.Uint32(b[28:])
		r.Copies = b[32]
		r.BlockSizeShift = b[33]
	} else {
		r.Copies = b[20]
		r.CopyPolicy = b[21]
		r.StorePolicy = b[22]
		r.Offset = binary.LittleEndian.Uint64(b[24:])
	}

	return r, nil
}

// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package proto

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/asch/sheepvol/internal/sheep/oid"
)

// Request is one remote operation. It is implemented by ObjRequest and
// VdiRequest which correspond to the two variants of the header union.
type Request interface {
	Opcode() Opcode
	Flags() Flags

	// Writes the operation specific part of the header, bytes 16 to 47.
	encodeBody(b []byte)
}

// ObjRequest reads or writes a single object.
type ObjRequest struct {
	Op     Opcode
	Flag   Flags
	OID    oid.OID
	CowOID oid.OID
	Copies uint8
	Offset uint64
}

func (r *ObjRequest) Opcode() Opcode { return r.Op }
func (r *ObjRequest) Flags() Flags   { return r.Flag }

func (r *ObjRequest) encodeBody(b []byte) {
	binary.LittleEndian.PutUint64(b[16:], uint64(r.OID))
	binary.LittleEndian.PutUint64(b[24:], uint64(r.CowOID))
	b[32] = r.Copies
	binary.LittleEndian.PutUint64(b[40:], r.Offset)
}

// VdiRequest operates on a volume as a whole: creation, locking, lookup.
type VdiRequest struct {
	Op             Opcode
	Flag           Flags
	VdiSize        uint64
	BaseVdiID      uint32
	Copies         uint8
	CopyPolicy     uint8
	StorePolicy    uint8
	BlockSizeShift uint8
	SnapID         uint32
	Type           uint32
}

func (r *VdiRequest) Opcode() Opcode { return r.Op }
func (r *VdiRequest) Flags() Flags   { return r.Flag }

func (r *VdiRequest) encodeBody(b []byte) {
	binary.LittleEndian.PutUint64(b[16:], r.VdiSize)
	binary.LittleEndian.PutUint32(b[24:], r.BaseVdiID)
	b[28] = r.Copies
	b[29] = r.CopyPolicy
	b[30] = r.StorePolicy
	b[31] = r.BlockSizeShift
	binary.LittleEndian.PutUint32(b[32:], r.SnapID)
	binary.LittleEndian.PutUint32(b[36:], r.Type)
}

// EncodeRequest packs req into the wire header. The id pairs the request with
// its response and dataLength is the size of the payload following the header
// for writes or the expected size of returned data for reads.
func EncodeRequest(b []byte, req Request, id, dataLength uint32) {
	for i := range b[:HeaderSize] {
		b[i] = 0
	}

	b[0] = Version
	b[1] = byte(req.Opcode())
	binary.LittleEndian.PutUint16(b[2:], uint16(req.Flags()))
	binary.LittleEndian.PutUint32(b[8:], id)
	binary.LittleEndian.PutUint32(b[12:], dataLength)
	req.encodeBody(b)
}

// DecodeRequest is the inverse of EncodeRequest. Used by the serving side.
func DecodeRequest(b []byte) (req Request, id, dataLength uint32, err error) {
	if len(b) < HeaderSize {
		return nil, 0, 0, errors.Wrapf(ResInvalidParms, "short header of %d bytes", len(b))
	}

	if b[0] != Version {
		return nil, 0, 0, errors.Wrapf(ResVerMismatch, "protocol version %#x", b[0])
	}

	op := Opcode(b[1])
	flags := Flags(binary.LittleEndian.Uint16(b[2:]))
	id = binary.LittleEndian.Uint32(b[8:])
	dataLength = binary.LittleEndian.Uint32(b[12:])

	if op.IsVdi() {
		req = &VdiRequest{
			Op:             op,
			Flag:           flags,
			VdiSize:        binary.LittleEndian.Uint64(b[16:]),
			BaseVdiID:      binary.LittleEndian.Uint32(b[24:]),
			Copies:         b[28],
			CopyPolicy:     b[29],
			StorePolicy:    b[30],
			BlockSizeShift: b[31],
			SnapID:         binary.LittleEndian.Uint32(b[32:]),
			Type:           binary.LittleEndian.Uint32(b[36:]),
		}
	} else {
		req = &ObjRequest{
			Op:     op,
			Flag:   flags,
			OID:    oid.OID(binary.LittleEndian.Uint64(b[16:])),
			CowOID: oid.OID(binary.LittleEndian.Uint64(b[24:])),
			Copies: b[32],
			Offset: binary.LittleEndian.Uint64(b[40:]),
		}
	}

	return req, id, dataLength, nil
}

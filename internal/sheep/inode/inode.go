// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package inode holds the metadata record of one volume generation. The record
// is stored in the header object of its identity, a fixed size header
// followed by the data index which maps every block of the volume to the
// identity owning the data object.
package inode

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/asch/sheepvol/internal/sheep/oid"
	"github.com/asch/sheepvol/internal/sheep/proto"
)

const (
	// Size of the header part of the inode object. The data index starts
	// right after it.
	HeaderSize = 4664

	// Number of entries of the data index stored inline in the inode.
	DataIndex = 1 << 20

	DefaultBlockSizeShift = 22
	DataObjSize           = uint64(1) << DefaultBlockSizeShift

	// Volumes above this size do not fit the inline data index and must use
	// PolicyHyper.
	OldMaxVdiSize = DataObjSize * DataIndex

	MaxVdiSize = DataObjSize * oid.MaxDataObjs

	// Offset and width of the tag in the header. The snapshot writes only
	// this window.
	TagOffset = proto.MaxVdiLen
	TagLen    = proto.MaxVdiTagLen
)

const (
	PolicyStandard uint8 = 0
	PolicyHyper    uint8 = 1
)

// Byte offsets of the header fields.
const (
	offName           = 0
	offTag            = offName + proto.MaxVdiLen
	offCtime          = offTag + proto.MaxVdiTagLen
	offSnapCtime      = offCtime + 8
	offVMClockNsec    = offSnapCtime + 8
	offVdiSize        = offVMClockNsec + 8
	offVMStateSize    = offVdiSize + 8
	offCopyPolicy     = offVMStateSize + 8
	offStorePolicy    = offCopyPolicy + 1
	offNrCopies       = offStorePolicy + 1
	offBlockSizeShift = offNrCopies + 1
	offSnapID         = offBlockSizeShift + 1
	offVdiID          = offSnapID + 4
	offParentVdiID    = offVdiID + 4
	offBtreeCounter   = offParentVdiID + 4
)

// Inode is the decoded metadata record of one generation.
type Inode struct {
	Name           string
	Tag            string
	Ctime          uint64
	SnapCtime      uint64
	VMClockNsec    uint64
	VdiSize        uint64
	VMStateSize    uint64
	CopyPolicy     uint8
	StorePolicy    uint8
	NrCopies       uint8
	BlockSizeShift uint8
	SnapID         uint32
	VdiID          uint32
	ParentVdiID    uint32
	BtreeCounter   uint32

	// Identity owning data object idx. Zero means the object was never
	// written and reads as zeroes. Only the entries covering VdiSize are
	// held in memory.
	DataVdiID []uint32
}

// IsSnapshot reports whether the generation was frozen by a snapshot.
func (i *Inode) IsSnapshot() bool {
	return i.SnapCtime != 0
}

// ObjectSize returns the size of one data object of the volume.
func (i *Inode) ObjectSize() uint64 {
	if i.BlockSizeShift == 0 {
		return DataObjSize
	}

	return uint64(1) << i.BlockSizeShift
}

// Objects returns how many data objects are needed to cover the volume.
func (i *Inode) Objects() uint64 {
	size := i.ObjectSize()

	return (i.VdiSize + size - 1) / size
}

// PolicyFor selects the storage policy for a new volume of given size.
func PolicyFor(size uint64) uint8 {
	if size > OldMaxVdiSize {
		return PolicyHyper
	}

	return PolicyStandard
}

// IndexOffset is the byte offset of data index entry idx in the inode object.
func IndexOffset(idx uint32) uint64 {
	return HeaderSize + 4*uint64(idx)
}

// MarshalHeader encodes the header part only.
func (i *Inode) MarshalHeader() []byte {
	b := make([]byte, HeaderSize)

	copy(b[offName:offName+proto.MaxVdiLen-1], i.Name)
	copy(b[offTag:offTag+proto.MaxVdiTagLen-1], i.Tag)
	binary.LittleEndian.PutUint64(b[offCtime:], i.Ctime)
	binary.LittleEndian.PutUint64(b[offSnapCtime:], i.SnapCtime)
	binary.LittleEndian.PutUint64(b[offVMClockNsec:], i.VMClockNsec)
	binary.LittleEndian.PutUint64(b[offVdiSize:], i.VdiSize)
	binary.LittleEndian.PutUint64(b[offVMStateSize:], i.VMStateSize)
	b[offCopyPolicy] = i.CopyPolicy
	b[offStorePolicy] = i.StorePolicy
	b[offNrCopies] = i.NrCopies
	b[offBlockSizeShift] = i.BlockSizeShift
	binary.LittleEndian.PutUint32(b[offSnapID:], i.SnapID)
	binary.LittleEndian.PutUint32(b[offVdiID:], i.VdiID)
	binary.LittleEndian.PutUint32(b[offParentVdiID:], i.ParentVdiID)
	binary.LittleEndian.PutUint32(b[offBtreeCounter:], i.BtreeCounter)

	return b
}

// Marshal encodes the header followed by the in-memory part of the data
// index.
func (i *Inode) Marshal() []byte {
	b := make([]byte, HeaderSize+4*len(i.DataVdiID))
	copy(b, i.MarshalHeader())

	for idx, vid := range i.DataVdiID {
		binary.LittleEndian.PutUint32(b[IndexOffset(uint32(idx)):], vid)
	}

	return b
}

// UnmarshalHeader decodes the header part and leaves the data index alone.
func (i *Inode) UnmarshalHeader(b []byte) error {
	if len(b) < HeaderSize {
		return errors.Wrapf(proto.ResInvalidParms, "inode header too short: %d bytes", len(b))
	}

	i.Name = proto.String(b[offName : offName+proto.MaxVdiLen])
	i.Tag = proto.String(b[offTag : offTag+proto.MaxVdiTagLen])
	i.Ctime = binary.LittleEndian.Uint64(b[offCtime:])
	i.SnapCtime = binary.LittleEndian.Uint64(b[offSnapCtime:])
	i.VMClockNsec = binary.LittleEndian.Uint64(b[offVMClockNsec:])
	i.VdiSize = binary.LittleEndian.Uint64(b[offVdiSize:])
	i.VMStateSize = binary.LittleEndian.Uint64(b[offVMStateSize:])
	i.CopyPolicy = b[offCopyPolicy]
	i.StorePolicy = b[offStorePolicy]
	i.NrCopies = b[offNrCopies]
	i.BlockSizeShift = b[offBlockSizeShift]
	i.SnapID = binary.LittleEndian.Uint32(b[offSnapID:])
	i.VdiID = binary.LittleEndian.Uint32(b[offVdiID:])
	i.ParentVdiID = binary.LittleEndian.Uint32(b[offParentVdiID:])
	i.BtreeCounter = binary.LittleEndian.Uint32(b[offBtreeCounter:])

	return nil
}

// Unmarshal decodes the header and as many data index entries as b holds.
func (i *Inode) Unmarshal(b []byte) error {
	if err := i.UnmarshalHeader(b); err != nil {
		return err
	}

	n := (len(b) - HeaderSize) / 4
	i.DataVdiID = make([]uint32, n)
	for idx := range i.DataVdiID {
		i.DataVdiID[idx] = binary.LittleEndian.Uint32(b[IndexOffset(uint32(idx)):])
	}

	return nil
}

// IndexLen is the number of data index bytes to fetch for the volume. Volumes
// using PolicyHyper keep their index outside of the inode.
func (i *Inode) IndexLen() int {
	if i.StorePolicy != PolicyStandard {
		return 0
	}

	return 4 * int(i.Objects())
}

// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package oid maps volume identities and block indexes to the object
// identifiers used by the cluster. The mapping is fixed by the on-wire format
// and must not be changed, otherwise existing clusters become unreadable.
package oid

import "fmt"

// OID is an identifier of one remote object. The upper bits carry the object
// kind, the next 24 bits the volume identity and the lower 32 bits the block
// index for data objects.
type OID uint64

const (
	VdiBit     OID = 1 << 63
	VMStateBit OID = 1 << 62
	VdiAttrBit OID = 1 << 61
	BtreeBit   OID = 1 << 60

	VdiSpaceShift = 32

	// Number of data objects one volume identity can address.
	MaxDataObjs = uint64(1) << VdiSpaceShift

	// Size of the identity space.
	NrVdis = uint32(1) << 24

	vidMask OID = 0x00FFFFFF00000000
	idxMask OID = 0x00000000FFFFFFFF
)

// Vdi returns the identifier of the header object of volume vid. The inode
// lives there.
func Vdi(vid uint32) OID {
	return VdiBit | OID(vid)<<VdiSpaceShift
}

// Data returns the identifier of data object idx of volume vid.
func Data(vid uint32, idx uint32) OID {
	return OID(vid)<<VdiSpaceShift | OID(idx)
}

// Vid extracts the volume identity from any object identifier.
func (o OID) Vid() uint32 {
	return uint32((o & vidMask) >> VdiSpaceShift)
}

// Index is the block index of a data object. Meaningless for header objects.
func (o OID) Index() uint32 {
	return uint32(o & idxMask)
}

// IsVdi reports whether o is the header object of a volume.
func (o OID) IsVdi() bool {
	return o&VdiBit != 0
}

// IsData reports whether o is a data object.
func (o OID) IsData() bool {
	return o&(VdiBit|VMStateBit|VdiAttrBit|BtreeBit) == 0
}

// String formats o the way cluster logs do.
func (o OID) String() string {
	return fmt.Sprintf("%016x", uint64(o))
}

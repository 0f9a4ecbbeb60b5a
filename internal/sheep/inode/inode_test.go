// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package inode

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderLayout(t *testing.T) {
	i := &Inode{
		Name:        "vol1",
		Tag:         "snap1",
		SnapCtime:   1,
		VdiSize:     1 << 30,
		StorePolicy: PolicyHyper,
		VdiID:       0x7c2b25,
		ParentVdiID: 0x11,
	}

	b := i.MarshalHeader()
	require.Len(t, b, HeaderSize)
	assert.Equal(t, "snap1", string(b[TagOffset:TagOffset+5]))
	assert.Equal(t, uint64(1<<30), binary.LittleEndian.Uint64(b[536:]))
	assert.Equal(t, PolicyHyper, b[553])
	assert.Equal(t, uint32(0x7c2b25), binary.LittleEndian.Uint32(b[560:]))
	assert.Equal(t, uint32(0x11), binary.LittleEndian.Uint32(b[564:]))
}

func TestMarshalRoundTrip(t *testing.T) {
	i := &Inode{
		Name:           "vol1",
		Ctime:          123,
		VdiSize:        3*DataObjSize + 1,
		NrCopies:       3,
		BlockSizeShift: DefaultBlockSizeShift,
		VdiID:          5,
		DataVdiID:      []uint32{5, 0, 3, 5},
	}

	var got Inode
	require.NoError(t, got.Unmarshal(i.Marshal()))
	assert.Equal(t, *i, got)
	assert.False(t, got.IsSnapshot())
	assert.Equal(t, uint64(4), got.Objects())
	assert.Equal(t, 16, got.IndexLen())
}

func TestUnmarshalShort(t *testing.T) {
	var i Inode
	assert.Error(t, i.UnmarshalHeader(make([]byte, HeaderSize-1)))
}

func TestPolicyFor(t *testing.T) {
	assert.Equal(t, PolicyStandard, PolicyFor(1<<30))
	assert.Equal(t, PolicyStandard, PolicyFor(OldMaxVdiSize))
	assert.Equal(t, PolicyHyper, PolicyFor(OldMaxVdiSize+1))
}

func TestIndexOffset(t *testing.T) {
	assert.Equal(t, uint64(HeaderSize), IndexOffset(0))
	assert.Equal(t, uint64(HeaderSize+40), IndexOffset(10))
}

func TestHyperHasNoInlineIndex(t *testing.T) {
	i := &Inode{VdiSize: OldMaxVdiSize * 2, StorePolicy: PolicyHyper}
	assert.Equal(t, 0, i.IndexLen())
}

// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package oid

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVdiObject(t *testing.T) {
	o := Vdi(0x7c2b25)

	assert.Equal(t, OID(0x807c2b2500000000), o)
	assert.True(t, o.IsVdi())
	assert.False(t, o.IsData())
	assert.Equal(t, uint32(0x7c2b25), o.Vid())
}

func TestDataObject(t *testing.T) {
	tests := []struct {
		vid uint32
		idx uint32
		oid OID
	}{
		{1, 0, 0x0000000100000000},
		{0x7c2b25, 3, 0x007c2b2500000003},
		{NrVdis - 1, 0xffffffff, 0x00ffffffffffffff},
	}

	for _, tt := range tests {
		o := Data(tt.vid, tt.idx)
		assert.Equal(t, tt.oid, o)
		assert.True(t, o.IsData())
		assert.Equal(t, tt.vid, o.Vid())
		assert.Equal(t, tt.idx, o.Index())
	}
}

func TestString(t *testing.T) {
	assert.Equal(t, "807c2b2500000000", Vdi(0x7c2b25).String())
}

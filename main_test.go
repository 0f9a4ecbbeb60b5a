// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/asch/sheepvol/internal/sheep/inode"
)

func TestUnixTime(t *testing.T) {
	now := time.Unix(1600000000, 1234)
	ct := uint64(now.Unix())<<32 | uint64(now.Nanosecond())

	assert.True(t, now.Equal(unixTime(ct)))
}

func TestPrintInode(t *testing.T) {
	ino := &inode.Inode{
		Name:        "vol",
		Tag:         "monday",
		VdiSize:     3 * inode.DataObjSize,
		VdiID:       7,
		ParentVdiID: 3,
		SnapCtime:   1 << 32,
		DataVdiID:   []uint32{7, 3, 0},
	}

	var b bytes.Buffer
	printInode(&b, ino)

	out := b.String()
	assert.Contains(t, out, "Tag:       monday")
	assert.Contains(t, out, "Size:      12 MiB")
	assert.Contains(t, out, "Frozen:")
	assert.Contains(t, out, "2 allocated, 1 owned")
}

func TestPrintHyperInode(t *testing.T) {
	ino := &inode.Inode{Name: "big", VdiSize: inode.MaxVdiSize, StorePolicy: inode.PolicyHyper}

	var b bytes.Buffer
	printInode(&b, ino)

	assert.Contains(t, b.String(), "hyper volume")
	assert.NotContains(t, b.String(), "Tag:")
}

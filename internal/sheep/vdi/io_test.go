// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package vdi

import (
	"bytes"
	"math/rand"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asch/sheepvol/internal/sheep/cluster"
	"github.com/asch/sheepvol/internal/sheep/inode"
	"github.com/asch/sheepvol/internal/sheep/proto"
)

func randomBytes(n int, seed int64) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)

	return b
}

func openNew(t *testing.T, c *cluster.Cluster, name string, size uint64) *VDI {
	require.NoError(t, Create(ctx, c, name, size))

	v, err := Open(ctx, c, name)
	require.NoError(t, err)

	return v
}

func TestEndToEnd(t *testing.T) {
	c, _ := newTestCluster(t)

	v := openNew(t, c, "vol1", 1<<30)
	buf := randomBytes(4096, 1)
	require.NoError(t, v.Write(ctx, buf, 0))
	require.NoError(t, v.Close(ctx))

	v, err := Open(ctx, c, "vol1")
	require.NoError(t, err)
	defer v.Close(ctx)

	buf2 := make([]byte, 4096)
	require.NoError(t, v.Read(ctx, buf2, 0))
	assert.Equal(t, buf, buf2)
}

func TestUnwrittenReadsZero(t *testing.T) {
	c, rec := newTestCluster(t)
	v := openNew(t, c, "vol1", 1<<30)
	defer v.Close(ctx)

	rec.reset()
	buf := bytes.Repeat([]byte{0xaa}, 8192)
	require.NoError(t, v.Read(ctx, buf, 1<<20))
	assert.Equal(t, make([]byte, 8192), buf)
	assert.Zero(t, rec.count(proto.OpReadObj))
}

func TestSpanningObjects(t *testing.T) {
	c, rec := newTestCluster(t)
	v := openNew(t, c, "vol1", 1<<30)
	defer v.Close(ctx)

	offset := inode.DataObjSize - 100
	buf := randomBytes(300, 2)

	rec.reset()
	require.NoError(t, v.Write(ctx, buf, offset))
	assert.Equal(t, 2, rec.count(proto.OpCreateAndWriteObj))

	// Index updates of both objects.
	assert.Equal(t, 2, rec.count(proto.OpWriteObj))

	got := make([]byte, 500)
	require.NoError(t, v.Read(ctx, got, offset-100))
	assert.Equal(t, make([]byte, 100), got[:100])
	assert.Equal(t, buf, got[100:400])
	assert.Equal(t, make([]byte, 100), got[400:])

	// The objects belong to the head now, no more creates.
	rec.reset()
	require.NoError(t, v.Write(ctx, buf, offset))
	assert.Zero(t, rec.count(proto.OpCreateAndWriteObj))
	assert.Equal(t, 2, rec.count(proto.OpWriteObj))
}

func TestOutOfRange(t *testing.T) {
	c, _ := newTestCluster(t)
	v := openNew(t, c, "vol1", 1<<20)
	defer v.Close(ctx)

	err := v.Read(ctx, make([]byte, 10), (1<<20)-5)
	assert.True(t, errors.Is(err, ErrOutOfRange))
	assert.True(t, errors.Is(err, proto.ResInvalidParms))

	assert.NoError(t, v.Write(ctx, make([]byte, 10), (1<<20)-10))
	assert.NoError(t, v.Read(ctx, nil, 1<<20))
}

func TestCopyOnWriteAfterSnapshot(t *testing.T) {
	c, rec := newTestCluster(t)

	v := openNew(t, c, "vol1", 1<<30)
	old := randomBytes(4096, 3)
	require.NoError(t, v.Write(ctx, old, 8192))
	require.NoError(t, v.Close(ctx))

	require.NoError(t, Snapshot(ctx, c, "vol1", "snap1"))
	frozen, err := Lookup(ctx, c, "vol1", "snap1")
	require.NoError(t, err)

	v, err = Open(ctx, c, "vol1")
	require.NoError(t, err)
	defer v.Close(ctx)

	got := make([]byte, 4096)
	require.NoError(t, v.Read(ctx, got, 8192))
	assert.Equal(t, old, got)

	rec.reset()
	update := []byte("new data")
	require.NoError(t, v.Write(ctx, update, 8192+100))

	req := rec.last(proto.OpCreateAndWriteObj).(*proto.ObjRequest)
	assert.True(t, req.Flag.Has(proto.FlagCmdCow))
	assert.Equal(t, frozen, req.CowOID.Vid())
	assert.Equal(t, v.Vid(), req.OID.Vid())

	want := append([]byte{}, old...)
	copy(want[100:], update)
	require.NoError(t, v.Read(ctx, got, 8192))
	assert.Equal(t, want, got)

	// The snapshot still serves the old data through a clone.
	require.NoError(t, Clone(ctx, c, "vol1", "snap1", "vol2"))
	clone, err := Open(ctx, c, "vol2")
	require.NoError(t, err)
	defer clone.Close(ctx)

	require.NoError(t, clone.Read(ctx, got, 8192))
	assert.Equal(t, old, got)
}

func TestConcurrentWriters(t *testing.T) {
	c, _ := newTestCluster(t)
	v := openNew(t, c, "vol1", 64<<20)
	defer v.Close(ctx)

	const writers = 16
	const size = 64 << 10

	// Every writer owns a range, neighbours share data objects.
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, v.Write(ctx, randomBytes(size, int64(i)), uint64(i)*size*3))
		}(i)
	}
	wg.Wait()

	for i := 0; i < writers; i++ {
		got := make([]byte, size)
		require.NoError(t, v.Read(ctx, got, uint64(i)*size*3))
		assert.Equal(t, randomBytes(size, int64(i)), got, "writer %d", i)
	}
}

func TestReaderWriterAt(t *testing.T) {
	c, _ := newTestCluster(t)
	v := openNew(t, c, "vol1", 1<<20)
	defer v.Close(ctx)

	n, err := v.WriteAt([]byte("at offset"), 512)
	require.NoError(t, err)
	assert.Equal(t, 9, n)

	got := make([]byte, 9)
	n, err = v.ReadAt(got, 512)
	require.NoError(t, err)
	assert.Equal(t, 9, n)
	assert.Equal(t, "at offset", string(got))
}

func TestHyperIO(t *testing.T) {
	c, _ := newTestCluster(t)
	v := openNew(t, c, "big", inode.OldMaxVdiSize*2)
	defer v.Close(ctx)

	err := v.Read(ctx, make([]byte, 10), 0)
	assert.True(t, errors.Is(err, ErrHyperIO))
}

func TestSplit(t *testing.T) {
	buf := make([]byte, 10)
	chunks := split(buf, 6, 4)

	require.Len(t, chunks, 3)
	assert.Equal(t, uint32(1), chunks[0].idx)
	assert.Equal(t, uint64(2), chunks[0].offset)
	assert.Len(t, chunks[0].buf, 2)

	assert.Equal(t, uint32(2), chunks[1].idx)
	assert.Equal(t, uint64(0), chunks[1].offset)
	assert.Len(t, chunks[1].buf, 4)

	assert.Equal(t, uint32(3), chunks[2].idx)
	assert.Len(t, chunks[2].buf, 4)

	assert.Empty(t, split(nil, 6, 4))
}

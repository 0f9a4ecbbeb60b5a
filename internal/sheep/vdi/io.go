// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package vdi

import (
	"context"
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/asch/sheepvol/internal/sheep/inode"
	"github.com/asch/sheepvol/internal/sheep/oid"
	"github.com/asch/sheepvol/internal/sheep/proto"
	"github.com/asch/sheepvol/internal/sheep/queue"
)

// Read fills buf with volume data starting at offset. The call blocks until a
// dispatcher served the request. The buffer must not be touched until Read
// returns.
func (v *VDI) Read(ctx context.Context, buf []byte, offset uint64) error {
	return v.cluster.Queue().Do(ctx, v, buf, offset, false)
}

// Write stores buf to the volume at offset. The buffer must not be modified
// until Write returns.
func (v *VDI) Write(ctx context.Context, buf []byte, offset uint64) error {
	return v.cluster.Queue().Do(ctx, v, buf, offset, true)
}

// ReadAt implements io.ReaderAt on top of Read.
func (v *VDI) ReadAt(p []byte, off int64) (int, error) {
	if err := v.Read(context.Background(), p, uint64(off)); err != nil {
		return 0, err
	}

	return len(p), nil
}

// WriteAt implements io.WriterAt on top of Write.
func (v *VDI) WriteAt(p []byte, off int64) (int, error) {
	if err := v.Write(context.Background(), p, uint64(off)); err != nil {
		return 0, err
	}

	return len(p), nil
}

// Part of a request falling into one data object.
type chunk struct {
	idx    uint32
	offset uint64
	buf    []byte
}

// Serve executes r on behalf of a dispatcher. The byte range is split at
// object boundaries and the objects are accessed in parallel.
func (v *VDI) Serve(ctx context.Context, r *queue.Request) error {
	v.mu.RLock()
	closed := v.closed
	size := v.inode.VdiSize
	policy := v.inode.StorePolicy
	objSize := v.inode.ObjectSize()
	v.mu.RUnlock()

	if closed {
		return ErrClosed
	}

	if policy != inode.PolicyStandard {
		return ErrHyperIO
	}

	if r.Offset > size || uint64(len(r.Buf)) > size-r.Offset {
		return errors.Wrapf(ErrOutOfRange, "%d bytes at %d, size %d", len(r.Buf), r.Offset, size)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, c := range split(r.Buf, r.Offset, objSize) {
		c := c
		if r.Write {
			g.Go(func() error { return v.writeChunk(ctx, c) })
		} else {
			g.Go(func() error { return v.readChunk(ctx, c) })
		}
	}

	return g.Wait()
}

func split(buf []byte, offset, objSize uint64) []chunk {
	var chunks []chunk

	for len(buf) > 0 {
		off := offset % objSize
		n := objSize - off
		if n > uint64(len(buf)) {
			n = uint64(len(buf))
		}

		chunks = append(chunks, chunk{
			idx:    uint32(offset / objSize),
			offset: off,
			buf:    buf[:n],
		})

		buf = buf[n:]
		offset += n
	}

	return chunks
}

// Objects never written read as zeroes.
func (v *VDI) readChunk(ctx context.Context, c chunk) error {
	v.mu.RLock()
	owner := v.inode.DataVdiID[c.idx]
	copies := v.inode.NrCopies
	v.mu.RUnlock()

	if owner == 0 {
		for i := range c.buf {
			c.buf[i] = 0
		}
		return nil
	}

	req := &proto.ObjRequest{
		Op:     proto.OpReadObj,
		OID:    oid.Data(owner, c.idx),
		Copies: copies,
		Offset: c.offset,
	}

	if _, err := v.cluster.Run(ctx, req, c.buf); err != nil {
		return errors.Wrapf(err, "read %s", req.OID)
	}

	return nil
}

// Writes to objects owned by the head go directly. Other objects are created
// first, as copies of the base generation object if there is one, and the
// data index is updated afterwards.
func (v *VDI) writeChunk(ctx context.Context, c chunk) error {
	v.mu.RLock()
	owner := v.inode.DataVdiID[c.idx]
	copies := v.inode.NrCopies
	v.mu.RUnlock()

	if owner == v.vid {
		return v.writeObject(ctx, c, copies)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	// Somebody may have created it while we waited for the lock.
	owner = v.inode.DataVdiID[c.idx]
	if owner == v.vid {
		return v.writeObject(ctx, c, copies)
	}

	req := &proto.ObjRequest{
		Op:     proto.OpCreateAndWriteObj,
		Flag:   proto.FlagCmdWrite,
		OID:    oid.Data(v.vid, c.idx),
		Copies: copies,
		Offset: c.offset,
	}

	if owner != 0 {
		req.Flag |= proto.FlagCmdCow
		req.CowOID = oid.Data(owner, c.idx)
	}

	if _, err := v.cluster.Run(ctx, req, c.buf); err != nil {
		return errors.Wrapf(err, "create %s", req.OID)
	}

	if err := v.updateIndex(ctx, c.idx); err != nil {
		return err
	}

	v.inode.DataVdiID[c.idx] = v.vid

	return nil
}

func (v *VDI) writeObject(ctx context.Context, c chunk, copies uint8) error {
	req := &proto.ObjRequest{
		Op:     proto.OpWriteObj,
		Flag:   proto.FlagCmdWrite,
		OID:    oid.Data(v.vid, c.idx),
		Copies: copies,
		Offset: c.offset,
	}

	if _, err := v.cluster.Run(ctx, req, c.buf); err != nil {
		return errors.Wrapf(err, "write %s", req.OID)
	}

	return nil
}

// Points data index entry idx to the head in the inode object. Must be called
// with v.mu held exclusively.
func (v *VDI) updateIndex(ctx context.Context, idx uint32) error {
	entry := make([]byte, 4)
	binary.LittleEndian.PutUint32(entry, v.vid)

	req := &proto.ObjRequest{
		Op:     proto.OpWriteObj,
		Flag:   proto.FlagCmdWrite | proto.FlagCmdDirect,
		OID:    oid.Vdi(v.vid),
		Offset: inode.IndexOffset(idx),
	}

	if _, err := v.cluster.Run(ctx, req, entry); err != nil {
		return errors.Wrapf(err, "update data index %d of %s", idx, req.OID)
	}

	return nil
}

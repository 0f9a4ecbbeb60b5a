// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package emulator

import (
	"github.com/pkg/errors"

	"github.com/asch/sheepvol/internal/sheep/oid"
	"github.com/asch/sheepvol/internal/sheep/proto"
)

func (e *Emulator) execObj(r *proto.ObjRequest, payload []byte, rsp *proto.Response) error {
	rsp.Copies = e.opts.Copies
	rsp.Offset = r.Offset

	unlock := e.lockObject(r.OID)
	defer unlock()

	switch r.Op {
	case proto.OpReadObj:
		if err := e.readObject(r.OID, payload, r.Offset); err != nil {
			return err
		}
		rsp.DataLength = uint32(len(payload))
		return nil

	case proto.OpWriteObj:
		if err := e.checkWritable(r.OID); err != nil {
			return err
		}
		return e.writeObject(r.OID, payload, r.Offset, false, 0)

	case proto.OpCreateAndWriteObj:
		if err := e.checkWritable(r.OID); err != nil {
			return err
		}

		var cow oid.OID
		if r.Flag.Has(proto.FlagCmdCow) {
			cow = r.CowOID
		}
		return e.writeObject(r.OID, payload, r.Offset, true, cow)

	case proto.OpRemoveObj:
		return e.store.Delete(r.OID)
	}

	return errors.Wrapf(proto.ResInvalidParms, "unsupported operation %s", r.Op)
}

// Reads len(buf) bytes at offset. The part beyond the end of the object reads
// as zeroes, objects are sparse.
func (e *Emulator) readObject(o oid.OID, buf []byte, offset uint64) error {
	size, err := e.store.GetObjectSize(o)
	if err != nil {
		return err
	}

	n := int64(0)
	if int64(offset) < size {
		n = size - int64(offset)
		if n > int64(len(buf)) {
			n = int64(len(buf))
		}

		if err := e.store.DownloadAt(o, buf[:n], int64(offset)); err != nil {
			return err
		}
	}

	for i := range buf[n:] {
		buf[n+int64(i)] = 0
	}

	return nil
}

// Updates the object o with data at offset. The object must exist unless
// create is set. A created object starts as a copy of cow if given.
func (e *Emulator) writeObject(o oid.OID, data []byte, offset uint64, create bool, cow oid.OID) error {
	var current []byte

	source := o
	if create {
		source = cow
	}

	if source != 0 {
		size, err := e.store.GetObjectSize(source)
		if err != nil {
			if create {
				return errors.Wrapf(proto.ResNoBaseVdi, "cow source %s: %v", source, err)
			}
			return err
		}

		current = make([]byte, size)
		if err := e.store.DownloadAt(source, current, 0); err != nil {
			return err
		}
	}

	if end := offset + uint64(len(data)); end > uint64(len(current)) {
		grown := make([]byte, end)
		copy(grown, current)
		current = grown
	}

	copy(current[offset:], data)

	return e.store.Upload(o, current)
}

// Frozen generations accept no writes, neither to data nor to the inode.
func (e *Emulator) checkWritable(o oid.OID) error {
	ino, err := e.readHeader(o.Vid())
	if errors.Is(err, proto.ResNoObj) {
		return errors.Wrapf(proto.ResNoVdi, "object %s", o)
	}

	if err != nil {
		return err
	}

	if ino.IsSnapshot() {
		return errors.Wrapf(proto.ResReadonly, "object %s of snapshot %s:%s", o, ino.Name, ino.Tag)
	}

	return nil
}

// Serializes access to one object. Returns the unlock function.
func (e *Emulator) lockObject(o oid.OID) func() {
	e.objMu.Lock()
	l, ok := e.objLock[o]
	if !ok {
		l = new(objectLock)
		e.objLock[o] = l
	}
	l.refs++
	e.objMu.Unlock()

	l.Lock()

	return func() {
		l.Unlock()

		e.objMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.objLock, o)
		}
		e.objMu.Unlock()
	}
}

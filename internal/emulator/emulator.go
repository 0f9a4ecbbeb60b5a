// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package emulator is an in-process cluster. It answers the same requests a
// real cluster does and keeps all objects in a Store, so volumes survive a
// restart when the store is persistent.
//
// Like the real cluster, it keeps no name directory. The identity of a new
// volume is derived from a hash of its name and collisions are resolved by
// probing the following identities, so a name is found by walking the probe
// sequence until the first unused identity. Deleted generations keep their
// header object with an empty name to keep the sequences unbroken. Only the
// volume locks live in memory.
package emulator

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/asch/sheepvol/internal/sheep/inode"
	"github.com/asch/sheepvol/internal/sheep/oid"
	"github.com/asch/sheepvol/internal/sheep/proto"
)

var errProxyClosed = proto.NewError(proto.ResShutdown, "emulator is shut down")

// Options to use in New().
type Options struct {
	// Replication factor reported in new inodes.
	Copies uint8

	// Number of goroutines serving store uploads and downloads.
	Uploaders   int
	Downloaders int

	// Clock for inode timestamps, time.Now when nil.
	Now func() time.Time
}

// Emulator implements cluster.Transport on top of a Store.
type Emulator struct {
	store *storeProxy
	opts  Options

	// Serializes operations on volumes, i.e. everything except object I/O.
	vdiMu sync.Mutex
	locks map[uint32]bool

	objMu   sync.Mutex
	objLock map[oid.OID]*objectLock
}

type objectLock struct {
	sync.Mutex
	refs int
}

// New spawns the store workers. Zero options get defaults.
func New(s Store, o Options) *Emulator {
	if o.Copies == 0 {
		o.Copies = 3
	}

	if o.Uploaders < 1 {
		o.Uploaders = 4
	}

	if o.Downloaders < 1 {
		o.Downloaders = 4
	}

	if o.Now == nil {
		o.Now = time.Now
	}

	return &Emulator{
		store:   newStoreProxy(s, o.Uploaders, o.Downloaders),
		opts:    o,
		locks:   make(map[uint32]bool),
		objLock: make(map[oid.OID]*objectLock),
	}
}

// Execute serves one request. Failed operations are reported in the response
// result, the error is reserved for failures of the emulator itself.
func (e *Emulator) Execute(ctx context.Context, req proto.Request, payload []byte) (proto.Response, error) {
	if err := ctx.Err(); err != nil {
		return proto.Response{}, err
	}

	rsp := proto.Response{Opcode: req.Opcode(), Flags: req.Flags()}

	var err error
	switch r := req.(type) {
	case *proto.ObjRequest:
		err = e.execObj(r, payload, &rsp)
	case *proto.VdiRequest:
		err = e.execVdi(r, payload, &rsp)
	default:
		err = errors.Wrapf(proto.ResInvalidParms, "request type %T", req)
	}

	rsp.Result = proto.ResultOf(err)
	if err != nil {
		log.Debug().Err(err).Stringer("op", req.Opcode()).Msg("Emulated operation failed")
	}

	return rsp, nil
}

// Close stops the store workers. Pending store requests fail.
func (e *Emulator) Close() error {
	e.store.close()

	return nil
}

func (e *Emulator) execVdi(r *proto.VdiRequest, payload []byte, rsp *proto.Response) error {
	e.vdiMu.Lock()
	defer e.vdiMu.Unlock()

	var (
		vid uint32
		err error
	)

	switch r.Op {
	case proto.OpNewVdi:
		vid, err = e.newVdi(r, nameOf(payload))
	case proto.OpLockVdi:
		vid, err = e.lockVdi(nameOf(payload))
	case proto.OpReleaseVdi:
		vid, err = r.BaseVdiID, e.releaseVdi(r.BaseVdiID)
	case proto.OpGetVdiInfo:
		vid, err = e.lookup(nameOf(payload), tagOf(payload))
	case proto.OpDelVdi:
		vid, err = e.delVdi(nameOf(payload), tagOf(payload))
	default:
		err = errors.Wrapf(proto.ResInvalidParms, "unsupported operation %s", r.Op)
	}

	rsp.VdiID = vid
	rsp.Copies = e.opts.Copies
	rsp.BlockSizeShift = inode.DefaultBlockSizeShift

	return err
}

func (e *Emulator) newVdi(r *proto.VdiRequest, name string) (uint32, error) {
	if name == "" {
		return 0, errors.Wrap(proto.ResInvalidParms, "empty name")
	}

	if r.VdiSize == 0 || r.VdiSize > inode.MaxVdiSize {
		return 0, errors.Wrapf(proto.ResInvalidParms, "size %d", r.VdiSize)
	}

	if r.VdiSize > inode.OldMaxVdiSize && r.StorePolicy == inode.PolicyStandard {
		return 0, errors.Wrapf(proto.ResInvalidParms, "size %d needs hyper policy", r.VdiSize)
	}

	gens, free, err := e.probe(name)
	if err != nil {
		return 0, err
	}

	var base *inode.Inode
	if r.BaseVdiID != 0 {
		if base, err = e.readInode(r.BaseVdiID); err != nil {
			return 0, errors.Wrapf(proto.ResNoBaseVdi, "base %#x: %v", r.BaseVdiID, err)
		}
	}

	snapshot := r.SnapID != 0
	if snapshot {
		head := headOf(gens)
		if base == nil || head == nil || head.VdiID != base.VdiID {
			return 0, errors.Wrapf(proto.ResNoBaseVdi, "%#x is not the head of %s", r.BaseVdiID, name)
		}
	} else if len(gens) > 0 {
		return 0, errors.Wrapf(proto.ResVdiExist, "%s", name)
	}

	now := e.opts.Now()
	ino := &inode.Inode{
		Name:           name,
		Ctime:          ctime(now),
		VdiSize:        r.VdiSize,
		StorePolicy:    r.StorePolicy,
		NrCopies:       e.opts.Copies,
		BlockSizeShift: inode.DefaultBlockSizeShift,
		SnapID:         1,
		VdiID:          free,
		ParentVdiID:    r.BaseVdiID,
	}

	if ino.StorePolicy == inode.PolicyStandard {
		ino.DataVdiID = make([]uint32, ino.Objects())
	}

	if base != nil {
		if snapshot {
			ino.SnapID = base.SnapID + 1
		}
		copy(ino.DataVdiID, base.DataVdiID)
	}

	if err := e.store.Upload(oid.Vdi(free), ino.Marshal()); err != nil {
		return 0, err
	}

	if snapshot {
		err := e.updateInode(base.VdiID, func(b *inode.Inode) {
			b.SnapCtime = ctime(now)
		})
		if err != nil {
			return 0, err
		}
	}

	log.Debug().Str("name", name).Uint32("vid", free).Uint32("base", r.BaseVdiID).Bool("snapshot", snapshot).
		Msg("Emulated volume created")

	return free, nil
}

func (e *Emulator) lockVdi(name string) (uint32, error) {
	vid, err := e.lookup(name, "")
	if err != nil {
		return 0, err
	}

	if e.locks[vid] {
		return vid, errors.Wrapf(proto.ResVdiLocked, "%s", name)
	}

	e.locks[vid] = true

	return vid, nil
}

func (e *Emulator) releaseVdi(vid uint32) error {
	if !e.locks[vid] {
		return errors.Wrapf(proto.ResVdiNotLocked, "%#x", vid)
	}

	delete(e.locks, vid)

	return nil
}

// Resolves name:tag. An empty tag resolves the head.
func (e *Emulator) lookup(name, tag string) (uint32, error) {
	gens, _, err := e.probe(name)
	if err != nil {
		return 0, err
	}

	if len(gens) == 0 {
		return 0, errors.Wrapf(proto.ResNoVdi, "%s", name)
	}

	if tag == "" {
		if head := headOf(gens); head != nil {
			return head.VdiID, nil
		}

		return 0, errors.Wrapf(proto.ResNoVdi, "%s has no head", name)
	}

	for _, g := range gens {
		if g.Tag == tag {
			return g.VdiID, nil
		}
	}

	return 0, errors.Wrapf(proto.ResNoTag, "%s:%s", name, tag)
}

func (e *Emulator) delVdi(name, tag string) (uint32, error) {
	vid, err := e.lookup(name, tag)
	if err != nil {
		return 0, err
	}

	if e.locks[vid] {
		return vid, errors.Wrapf(proto.ResVdiLocked, "%s", name)
	}

	err = e.updateInode(vid, func(ino *inode.Inode) {
		ino.Name = ""
	})

	return vid, err
}

// Read-modify-write of the inode of vid under its object lock.
func (e *Emulator) updateInode(vid uint32, update func(*inode.Inode)) error {
	o := oid.Vdi(vid)
	unlock := e.lockObject(o)
	defer unlock()

	ino, err := e.readInode(vid)
	if err != nil {
		return err
	}

	update(ino)

	return e.store.Upload(o, ino.Marshal())
}

// Walks the probe sequence of name. Returns all live generations named name
// and the first unused identity.
func (e *Emulator) probe(name string) ([]*inode.Inode, uint32, error) {
	var gens []*inode.Inode

	vid := hashName(name)
	for i := uint32(0); i < oid.NrVdis; i++ {
		if vid != 0 {
			ino, err := e.readHeader(vid)
			if errors.Is(err, proto.ResNoObj) {
				return gens, vid, nil
			}

			if err != nil {
				return nil, 0, err
			}

			if ino.Name == name {
				gens = append(gens, ino)
			}
		}

		vid = (vid + 1) & (oid.NrVdis - 1)
	}

	return nil, 0, errors.Wrap(proto.ResFullVdi, name)
}

func (e *Emulator) readInode(vid uint32) (*inode.Inode, error) {
	o := oid.Vdi(vid)

	size, err := e.store.GetObjectSize(o)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, size)
	if err := e.store.DownloadAt(o, buf, 0); err != nil {
		return nil, err
	}

	ino := new(inode.Inode)
	if err := ino.Unmarshal(buf); err != nil {
		return nil, err
	}

	return ino, nil
}

func (e *Emulator) readHeader(vid uint32) (*inode.Inode, error) {
	buf := make([]byte, inode.HeaderSize)
	if err := e.readObject(oid.Vdi(vid), buf, 0); err != nil {
		return nil, err
	}

	ino := new(inode.Inode)
	if err := ino.UnmarshalHeader(buf); err != nil {
		return nil, err
	}

	return ino, nil
}

// The head is the only generation not frozen by a snapshot.
func headOf(gens []*inode.Inode) *inode.Inode {
	for _, g := range gens {
		if !g.IsSnapshot() {
			return g
		}
	}

	return nil
}

// Seconds in the upper half, nanoseconds in the lower one.
func ctime(t time.Time) uint64 {
	return uint64(t.Unix())<<32 | uint64(t.Nanosecond())
}

func hashName(name string) uint32 {
	h := fnv.New64a()
	h.Write([]byte(name))

	return uint32(h.Sum64() & uint64(oid.NrVdis-1))
}

func nameOf(payload []byte) string {
	if len(payload) > proto.MaxVdiLen {
		payload = payload[:proto.MaxVdiLen]
	}

	return proto.String(payload)
}

func tagOf(payload []byte) string {
	if len(payload) <= proto.MaxVdiLen {
		return ""
	}

	return proto.String(payload[proto.MaxVdiLen:])
}

// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package vdi

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/asch/sheepvol/internal/sheep/cluster"
	"github.com/asch/sheepvol/internal/sheep/inode"
	"github.com/asch/sheepvol/internal/sheep/proto"
)

var (
	ErrInvalidName   = proto.NewError(proto.ResInvalidParms, "invalid volume name")
	ErrInvalidSize   = proto.NewError(proto.ResInvalidParms, "invalid volume size")
	ErrMissingTag    = proto.NewError(proto.ResInvalidParms, "snapshot tag is required")
	ErrInvalidTag    = proto.NewError(proto.ResInvalidParms, "snapshot tag is too long")
	ErrTagExists     = proto.NewError(proto.ResInvalidParms, "tag already exists")
	ErrHyperSnapshot = proto.NewError(proto.ResInvalidParms, "snapshot of a hyper volume is not supported")
	ErrSnapshotOpen  = proto.NewError(proto.ResInvalidParms, "snapshot cannot be opened for read and write")
	ErrOutOfRange    = proto.NewError(proto.ResInvalidParms, "access beyond the end of the volume")
	ErrHyperIO       = proto.NewError(proto.ResInvalidParms, "I/O on hyper volumes is not supported")

	ErrClosed = errors.New("volume is closed")
)

// Upper bound for releasing the lock after a failed open.
const rollbackTimeout = 10 * time.Second

// VDI is an open volume. It holds the cluster lock of the head generation
// until Close succeeds.
type VDI struct {
	cluster *cluster.Cluster
	name    string
	vid     uint32
	locked  bool

	// Shared for reading the inode, exclusive for changing it.
	mu     sync.RWMutex
	inode  *inode.Inode
	closed bool
}

// Open locks the head of volume name and loads its inode. On any failure the
// lock is released again and no handle is returned.
func Open(ctx context.Context, c *cluster.Cluster, name string) (*VDI, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	v := &VDI{cluster: c, name: name}
	if err := v.lock(ctx); err != nil {
		return nil, errors.Wrapf(err, "open %s", name)
	}

	opened := false
	defer func() {
		if opened {
			return
		}

		// The lock must be released even when ctx is what failed the open.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
		defer cancel()

		if err := v.unlock(rctx); err != nil {
			log.Warn().Err(err).Str("name", name).Uint32("vid", v.vid).Msg("Unlock after failed open")
		}
	}()

	ino, err := readInode(ctx, c, v.vid, true)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s: read inode %#x", name, v.vid)
	}

	if ino.IsSnapshot() {
		return nil, errors.Wrapf(ErrSnapshotOpen, "open %s", name)
	}

	v.inode = ino
	opened = true

	log.Debug().Str("name", name).Uint32("vid", v.vid).Uint64("size", ino.VdiSize).Msg("Volume opened")

	return v, nil
}

// Close releases the cluster lock. When the release fails the handle stays
// usable and Close may be retried, the remote lock state is unknown.
func (v *VDI) Close(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return ErrClosed
	}

	if err := v.unlock(ctx); err != nil {
		log.Warn().Err(err).Str("name", v.name).Uint32("vid", v.vid).Msg("Failed to unlock volume")
		return errors.Wrapf(err, "close %s", v.name)
	}

	v.closed = true

	return nil
}

// Name returns the name the volume was opened with.
func (v *VDI) Name() string {
	return v.name
}

// Vid returns the identity of the locked head.
func (v *VDI) Vid() uint32 {
	return v.vid
}

// Size returns the volume size in bytes.
func (v *VDI) Size() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return v.inode.VdiSize
}

// Inode returns a copy of the inode header. The data index is not copied.
func (v *VDI) Inode() inode.Inode {
	v.mu.RLock()
	defer v.mu.RUnlock()

	ino := *v.inode
	ino.DataVdiID = nil

	return ino
}

func validateName(name string) error {
	if name == "" || len(name) >= proto.MaxVdiLen {
		return errors.Wrapf(ErrInvalidName, "%q", name)
	}

	return nil
}

// Tags must leave room for the terminating zero, longer ones would be
// truncated on the wire and match a different generation.
func validateTag(tag string) error {
	if len(tag) >= proto.MaxVdiTagLen {
		return errors.Wrapf(ErrInvalidTag, "%q", tag)
	}

	return nil
}

// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package vdi

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/asch/sheepvol/internal/sheep/cluster"
	"github.com/asch/sheepvol/internal/sheep/inode"
	"github.com/asch/sheepvol/internal/sheep/oid"
	"github.com/asch/sheepvol/internal/sheep/proto"
)

// Create makes a new volume without a base. Volumes larger than
// inode.OldMaxVdiSize get the hyper policy.
func Create(ctx context.Context, c *cluster.Cluster, name string, size uint64) error {
	_, err := CreateWithID(ctx, c, name, size)

	return err
}

// CreateWithID is Create returning the identity assigned by the cluster.
func CreateWithID(ctx context.Context, c *cluster.Cluster, name string, size uint64) (uint32, error) {
	if size > inode.MaxVdiSize {
		return 0, errors.Wrapf(ErrInvalidSize, "%d bytes is too large", size)
	}

	if size == 0 {
		return 0, errors.Wrap(ErrInvalidSize, "size must be larger than 0")
	}

	if err := validateName(name); err != nil {
		return 0, err
	}

	vid, err := newVdi(ctx, c, name, size, 0, false, inode.PolicyFor(size))
	if err != nil {
		return 0, errors.Wrapf(err, "create %s", name)
	}

	log.Info().Str("name", name).Uint32("vid", vid).Uint64("size", size).Msg("Volume created")

	return vid, nil
}

// Clone creates volume dstName based on the snapshot srcName:srcTag. The new
// volume has the size and policy of the snapshot and shares all its data.
func Clone(ctx context.Context, c *cluster.Cluster, srcName, srcTag, dstName string) error {
	if err := validateName(dstName); err != nil {
		return errors.Wrap(err, "clone destination")
	}

	if srcTag == "" {
		return errors.Wrap(ErrMissingTag, "only snapshots can be cloned")
	}

	if err := validateName(srcName); err != nil {
		return errors.Wrap(err, "clone source")
	}

	if err := validateTag(srcTag); err != nil {
		return errors.Wrap(err, "clone source")
	}

	src, err := ReadInode(ctx, c, srcName, srcTag)
	if err != nil {
		return errors.Wrapf(err, "clone %s:%s", srcName, srcTag)
	}

	vid, err := newVdi(ctx, c, dstName, src.VdiSize, src.VdiID, false, src.StorePolicy)
	if err != nil {
		return errors.Wrapf(err, "clone %s:%s to %s", srcName, srcTag, dstName)
	}

	log.Info().Str("name", dstName).Uint32("vid", vid).Uint32("base", src.VdiID).Msg("Volume cloned")

	return nil
}

// Snapshot freezes the head of name under tag and starts a new head based on
// it. See the package documentation for the failure window between the two
// steps.
func Snapshot(ctx context.Context, c *cluster.Cluster, name, tag string) error {
	if tag == "" {
		return ErrMissingTag
	}

	if err := validateName(name); err != nil {
		return err
	}

	if err := validateTag(tag); err != nil {
		return err
	}

	_, err := Lookup(ctx, c, name, tag)
	switch {
	case err == nil:
		return errors.Wrapf(ErrTagExists, "snapshot %s:%s", name, tag)
	case !errors.Is(err, proto.ResNoTag):
		return errors.Wrapf(err, "snapshot %s:%s", name, tag)
	}

	head, err := readHeader(ctx, c, name, "")
	if err != nil {
		return errors.Wrapf(err, "snapshot %s: read head", name)
	}

	if head.StorePolicy != inode.PolicyStandard {
		return errors.Wrapf(ErrHyperSnapshot, "snapshot %s", name)
	}

	req := &proto.ObjRequest{
		Op:     proto.OpWriteObj,
		Flag:   proto.FlagCmdWrite,
		OID:    oid.Vdi(head.VdiID),
		Offset: inode.TagOffset,
	}

	if _, err := c.Run(ctx, req, proto.TagPayload(tag)); err != nil {
		return errors.Wrapf(err, "snapshot %s: write tag to %s", name, oid.Vdi(head.VdiID))
	}

	vid, err := newVdi(ctx, c, head.Name, head.VdiSize, head.VdiID, true, inode.PolicyStandard)
	if err != nil {
		log.Error().Err(err).Str("name", name).Str("tag", tag).Uint32("vid", head.VdiID).
			Msg("Tag written but new head was not created")
		return errors.Wrapf(err, "snapshot %s:%s: create new head", name, tag)
	}

	log.Info().Str("name", name).Str("tag", tag).Uint32("frozen", head.VdiID).Uint32("head", vid).Msg("Snapshot created")

	return nil
}

// Delete removes the generation name:tag, the head when tag is empty.
func Delete(ctx context.Context, c *cluster.Cluster, name, tag string) error {
	if err := validateName(name); err != nil {
		return err
	}

	if err := validateTag(tag); err != nil {
		return err
	}

	req := &proto.VdiRequest{
		Op:   proto.OpDelVdi,
		Flag: proto.FlagCmdWrite,
	}

	if _, err := c.Run(ctx, req, proto.LookupPayload(name, tag)); err != nil {
		return errors.Wrapf(err, "delete %s:%s", name, tag)
	}

	return nil
}

// Lookup resolves name:tag to an identity. An empty tag resolves the head.
// A missing tag is reported as proto.ResNoTag, a missing volume as
// proto.ResNoVdi.
func Lookup(ctx context.Context, c *cluster.Cluster, name, tag string) (uint32, error) {
	if err := validateName(name); err != nil {
		return 0, err
	}

	if err := validateTag(tag); err != nil {
		return 0, err
	}

	req := &proto.VdiRequest{
		Op:   proto.OpGetVdiInfo,
		Flag: proto.FlagCmdWrite,
	}

	rsp, err := c.Run(ctx, req, proto.LookupPayload(name, tag))
	if err != nil {
		return 0, err
	}

	return rsp.VdiID, nil
}

// ReadInode fetches the whole inode of name:tag.
func ReadInode(ctx context.Context, c *cluster.Cluster, name, tag string) (*inode.Inode, error) {
	vid, err := Lookup(ctx, c, name, tag)
	if err != nil {
		return nil, err
	}

	return readInode(ctx, c, vid, true)
}

// FindOrphanedSnapshot returns the head inode of name if it carries a tag,
// i.e. a snapshot wrote the tag but failed to create the successor head. It
// returns nil when the head is consistent.
func FindOrphanedSnapshot(ctx context.Context, c *cluster.Cluster, name string) (*inode.Inode, error) {
	head, err := readHeader(ctx, c, name, "")
	if err != nil {
		return nil, err
	}

	if head.Tag == "" || head.IsSnapshot() {
		return nil, nil
	}

	return head, nil
}

func readHeader(ctx context.Context, c *cluster.Cluster, name, tag string) (*inode.Inode, error) {
	vid, err := Lookup(ctx, c, name, tag)
	if err != nil {
		return nil, err
	}

	return readInode(ctx, c, vid, false)
}

// Reads the inode of vid directly from its header object. The data index is
// fetched only when withIndex is set and only the part covering the volume.
func readInode(ctx context.Context, c *cluster.Cluster, vid uint32, withIndex bool) (*inode.Inode, error) {
	buf := make([]byte, inode.HeaderSize)
	req := &proto.ObjRequest{
		Op:   proto.OpReadObj,
		Flag: proto.FlagCmdDirect,
		OID:  oid.Vdi(vid),
	}

	if _, err := c.Run(ctx, req, buf); err != nil {
		return nil, errors.Wrapf(err, "read inode header %s", oid.Vdi(vid))
	}

	ino := new(inode.Inode)
	if err := ino.UnmarshalHeader(buf); err != nil {
		return nil, err
	}

	if !withIndex || ino.IndexLen() == 0 {
		return ino, nil
	}

	full := make([]byte, inode.HeaderSize+ino.IndexLen())
	copy(full, buf)
	req.Offset = inode.HeaderSize
	if _, err := c.Run(ctx, req, full[inode.HeaderSize:]); err != nil {
		return nil, errors.Wrapf(err, "read data index %s", oid.Vdi(vid))
	}

	if err := ino.Unmarshal(full); err != nil {
		return nil, err
	}

	return ino, nil
}

func newVdi(ctx context.Context, c *cluster.Cluster, name string, size uint64, base uint32,
	snapshot bool, policy uint8) (uint32, error) {

	req := &proto.VdiRequest{
		Op:          proto.OpNewVdi,
		Flag:        proto.FlagCmdWrite,
		VdiSize:     size,
		BaseVdiID:   base,
		StorePolicy: policy,
	}

	if snapshot {
		req.SnapID = 1
	}

	rsp, err := c.Run(ctx, req, proto.NamePayload(name))
	if err != nil {
		return 0, err
	}

	return rsp.VdiID, nil
}

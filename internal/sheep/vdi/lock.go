// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package vdi

import (
	"context"

	"github.com/pkg/errors"

	"github.com/asch/sheepvol/internal/sheep/proto"
)

var errAlreadyLocked = errors.New("volume handle already holds a lock")

// Acquire the exclusive cluster lock of the head of v.name. The cluster
// answers with the identity of the head.
func (v *VDI) lock(ctx context.Context) error {
	if v.locked {
		return errAlreadyLocked
	}

	req := &proto.VdiRequest{
		Op:   proto.OpLockVdi,
		Flag: proto.FlagCmdWrite,
	}

	rsp, err := v.cluster.Run(ctx, req, proto.NamePayload(v.name))
	if err != nil {
		return errors.Wrapf(err, "lock %s", v.name)
	}

	v.vid = rsp.VdiID
	v.locked = true

	return nil
}

// Release the lock held for v.vid. The handle is left untouched on failure.
func (v *VDI) unlock(ctx context.Context) error {
	if !v.locked {
		return nil
	}

	req := &proto.VdiRequest{
		Op:        proto.OpReleaseVdi,
		Type:      proto.LockTypeNormal,
		BaseVdiID: v.vid,
	}

	if _, err := v.cluster.Run(ctx, req, nil); err != nil {
		return errors.Wrapf(err, "release %s (vid %#x)", v.name, v.vid)
	}

	v.locked = false

	return nil
}

// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/asch/sheepvol/internal/config"
	"github.com/asch/sheepvol/internal/sheep/cluster"
	"github.com/asch/sheepvol/internal/sheep/inode"
	"github.com/asch/sheepvol/internal/sheep/vdi"
	"github.com/asch/sheepvol/internal/transport/tcp"
)

var errUsage = errors.New("wrong number of arguments")

func commands() []*cli.Command {
	return []*cli.Command{
		{
			Name:      "create",
			Usage:     "create a new volume",
			ArgsUsage: "NAME SIZE",
			Action:    withCluster(2, 2, create),
		},
		{
			Name:      "snapshot",
			Usage:     "freeze the current state of a volume under a tag",
			ArgsUsage: "NAME TAG",
			Action:    withCluster(2, 2, snapshot),
		},
		{
			Name:      "clone",
			Usage:     "create a writable volume from a snapshot",
			ArgsUsage: "SRC TAG DST",
			Action:    withCluster(3, 3, clone),
		},
		{
			Name:      "delete",
			Usage:     "delete a volume or one of its snapshots",
			ArgsUsage: "NAME [TAG]",
			Action:    withCluster(1, 2, remove),
		},
		{
			Name:      "info",
			Usage:     "show metadata of a volume or one of its snapshots",
			ArgsUsage: "NAME [TAG]",
			Action:    withCluster(1, 2, info),
		},
		{
			Name:      "write",
			Usage:     "write FILE, or stdin for -, to the volume at OFFSET",
			ArgsUsage: "NAME OFFSET FILE",
			Action:    withCluster(3, 3, write),
		},
		{
			Name:      "read",
			Usage:     "read LENGTH bytes at OFFSET to FILE, or stdout for -",
			ArgsUsage: "NAME OFFSET LENGTH FILE",
			Action:    withCluster(4, 4, read),
		},
		{
			Name:   "emulate",
			Usage:  "serve an emulated cluster node",
			Action: emulate,
		},
		{
			Name:  "env",
			Usage: "describe the configuration environment variables",
			Action: func(c *cli.Context) error {
				config.Usage(c.App.Writer)
				return nil
			},
		},
	}
}

type action func(ctx context.Context, cl *cluster.Cluster, args cli.Args) error

// Check the argument count, connect to the cluster and run fn. The cluster is
// closed when fn returns.
func withCluster(min, max int, fn action) cli.ActionFunc {
	return func(c *cli.Context) error {
		if c.NArg() < min || c.NArg() > max {
			cli.ShowCommandHelp(c, c.Command.Name)
			return errUsage
		}

		cl, err := connect(c.Context)
		if err != nil {
			return err
		}

		err = fn(c.Context, cl, c.Args())
		if cerr := cl.Close(); cerr != nil && err == nil {
			err = cerr
		}

		return err
	}
}

func create(ctx context.Context, cl *cluster.Cluster, args cli.Args) error {
	size, err := humanize.ParseBytes(args.Get(1))
	if err != nil {
		return errors.Wrap(err, "size")
	}

	vid, err := vdi.CreateWithID(ctx, cl, args.Get(0), size)
	if err != nil {
		return err
	}

	log.Info().Str("name", args.Get(0)).Str("size", humanize.IBytes(size)).Msgf("Volume %x created", vid)

	return nil
}

func snapshot(ctx context.Context, cl *cluster.Cluster, args cli.Args) error {
	if err := vdi.Snapshot(ctx, cl, args.Get(0), args.Get(1)); err != nil {
		return err
	}

	log.Info().Str("name", args.Get(0)).Str("tag", args.Get(1)).Msg("Snapshot created")

	return nil
}

func clone(ctx context.Context, cl *cluster.Cluster, args cli.Args) error {
	if err := vdi.Clone(ctx, cl, args.Get(0), args.Get(1), args.Get(2)); err != nil {
		return err
	}

	log.Info().Str("src", args.Get(0)).Str("tag", args.Get(1)).Msgf("Volume %s cloned", args.Get(2))

	return nil
}

func remove(ctx context.Context, cl *cluster.Cluster, args cli.Args) error {
	return vdi.Delete(ctx, cl, args.Get(0), args.Get(1))
}

func info(ctx context.Context, cl *cluster.Cluster, args cli.Args) error {
	ino, err := vdi.ReadInode(ctx, cl, args.Get(0), args.Get(1))
	if err != nil {
		return err
	}

	printInode(os.Stdout, ino)

	if args.Get(1) != "" {
		return nil
	}

	orphan, err := vdi.FindOrphanedSnapshot(ctx, cl, args.Get(0))
	if err != nil {
		return err
	}

	if orphan != nil {
		log.Warn().Str("name", orphan.Name).Str("tag", orphan.Tag).
			Msgf("Head %x carries a tag, an earlier snapshot did not finish", orphan.VdiID)
	}

	return nil
}

func printInode(w io.Writer, ino *inode.Inode) {
	var allocated, owned int
	for _, vid := range ino.DataVdiID {
		if vid != 0 {
			allocated++
		}
		if vid == ino.VdiID {
			owned++
		}
	}

	fmt.Fprintf(w, "Name:      %s\n", ino.Name)
	if ino.Tag != "" {
		fmt.Fprintf(w, "Tag:       %s\n", ino.Tag)
	}
	fmt.Fprintf(w, "Id:        %x\n", ino.VdiID)
	fmt.Fprintf(w, "Parent:    %x\n", ino.ParentVdiID)
	fmt.Fprintf(w, "Size:      %s\n", humanize.IBytes(ino.VdiSize))
	fmt.Fprintf(w, "Object:    %s\n", humanize.IBytes(ino.ObjectSize()))
	fmt.Fprintf(w, "Copies:    %d\n", ino.NrCopies)
	fmt.Fprintf(w, "Snapshot:  %d\n", ino.SnapID)
	fmt.Fprintf(w, "Created:   %s\n", humanize.Time(unixTime(ino.Ctime)))
	if ino.IsSnapshot() {
		fmt.Fprintf(w, "Frozen:    %s\n", humanize.Time(unixTime(ino.SnapCtime)))
	}
	if ino.StorePolicy == inode.PolicyHyper {
		fmt.Fprintf(w, "Objects:   hyper volume, index not loaded\n")
		return
	}
	fmt.Fprintf(w, "Objects:   %s allocated, %s owned\n", humanize.Comma(int64(allocated)), humanize.Comma(int64(owned)))
}

// Seconds in the upper half, nanoseconds in the lower one.
func unixTime(t uint64) time.Time {
	return time.Unix(int64(t>>32), int64(t&0xffffffff))
}

func write(ctx context.Context, cl *cluster.Cluster, args cli.Args) error {
	offset, err := humanize.ParseBytes(args.Get(1))
	if err != nil {
		return errors.Wrap(err, "offset")
	}

	var data []byte
	if args.Get(2) == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(args.Get(2))
	}
	if err != nil {
		return errors.Wrap(err, "input")
	}

	return withVolume(ctx, cl, args.Get(0), func(v *vdi.VDI) error {
		if err := v.Write(ctx, data, offset); err != nil {
			return err
		}

		log.Info().Str("name", v.Name()).Msgf("Wrote %s at %d", humanize.IBytes(uint64(len(data))), offset)

		return nil
	})
}

func read(ctx context.Context, cl *cluster.Cluster, args cli.Args) error {
	offset, err := humanize.ParseBytes(args.Get(1))
	if err != nil {
		return errors.Wrap(err, "offset")
	}

	length, err := humanize.ParseBytes(args.Get(2))
	if err != nil {
		return errors.Wrap(err, "length")
	}

	data := make([]byte, length)
	err = withVolume(ctx, cl, args.Get(0), func(v *vdi.VDI) error {
		return v.Read(ctx, data, offset)
	})
	if err != nil {
		return err
	}

	if args.Get(3) == "-" {
		_, err = os.Stdout.Write(data)
		return err
	}

	return errors.Wrap(os.WriteFile(args.Get(3), data, 0o644), "output")
}

// Open the volume, run fn and close the volume again. The volume stays locked
// while fn runs.
func withVolume(ctx context.Context, cl *cluster.Cluster, name string, fn func(v *vdi.VDI) error) error {
	v, err := vdi.Open(ctx, cl, name)
	if err != nil {
		return err
	}

	err = fn(v)
	if cerr := v.Close(ctx); cerr != nil && err == nil {
		err = cerr
	}

	return err
}

func emulate(c *cli.Context) error {
	e, err := newEmulator()
	if err != nil {
		return err
	}
	defer e.Close()

	srv := tcp.NewServer(e)
	registerSigHandlers(srv)

	return srv.ListenAndServe(config.Cfg.Emulator.Listen)
}

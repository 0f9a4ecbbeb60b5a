// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package vdi implements volumes on top of the cluster object store.
//
// A volume is a chain of generations. Each generation has its own identity
// (vid) and an inode stored in the header object of that identity. The
// mutable generation is the head, older ones are snapshots frozen under a
// tag. A new generation starts with the data index of its base, so all data
// objects are shared until they are written. The first write of a shared
// object creates a private copy in the cluster (copy-on-write) and points the
// data index entry to the new owner.
//
// Open locks the head in the cluster, so one volume can be opened only once
// at a time. Read and Write go through the request queue of the cluster
// connection and are executed by its dispatchers, which call back into Serve.
//
// Snapshot consists of two remote steps, writing the tag into the head inode
// and creating the new head. A failure in between leaves a tagged head without
// a successor. It is reported to the caller and can be detected later with
// FindOrphanedSnapshot, but it is not repaired automatically.
package vdi

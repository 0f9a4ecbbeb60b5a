// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package mem keeps objects of the emulated cluster in memory. Useful for
// tests and for trying the tool out without any object backend.
package mem

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/asch/sheepvol/internal/sheep/oid"
	"github.com/asch/sheepvol/internal/sheep/proto"
)

// Mem keeps objects in a map. Contents are lost when the process exits.
type Mem struct {
	mu      sync.RWMutex
	objects map[oid.OID][]byte
}

// New returns an empty store.
func New() *Mem {
	return &Mem{objects: make(map[oid.OID][]byte)}
}

// Upload stores a private copy of buf as the object o.
func (m *Mem) Upload(o oid.OID, buf []byte) error {
	data := make([]byte, len(buf))
	copy(data, buf)

	m.mu.Lock()
	m.objects[o] = data
	m.mu.Unlock()

	return nil
}

// DownloadAt copies len(buf) bytes of object o starting from offset.
func (m *Mem) DownloadAt(o oid.OID, buf []byte, offset int64) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.objects[o]
	if !ok {
		return errors.Wrapf(proto.ResNoObj, "object %s", o)
	}

	if offset+int64(len(buf)) > int64(len(data)) {
		return errors.Errorf("range %d+%d beyond object %s of %d bytes", offset, len(buf), o, len(data))
	}

	copy(buf, data[offset:])

	return nil
}

// GetObjectSize returns size in bytes of object o.
func (m *Mem) GetObjectSize(o oid.OID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.objects[o]
	if !ok {
		return 0, errors.Wrapf(proto.ResNoObj, "object %s", o)
	}

	return int64(len(data)), nil
}

// Delete removes object o. Missing objects are not an error.
func (m *Mem) Delete(o oid.OID) error {
	m.mu.Lock()
	delete(m.objects, o)
	m.mu.Unlock()

	return nil
}

// Len returns the number of stored objects.
func (m *Mem) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.objects)
}

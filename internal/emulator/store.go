// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package emulator

import (
	"github.com/asch/sheepvol/internal/sheep/oid"
)

// Store persists objects of the emulated cluster. Anything implementing this
// interface can be used as a backend. Objects are written as a whole, partial
// updates are done by the emulator as read-modify-write. Missing objects are
// reported with an error matching proto.ResNoObj.
type Store interface {
	// Uploads data in buf as the object o.
	Upload(o oid.OID, buf []byte) error

	// Downloads data into buf starting from offset in the object o. The
	// length of buf is the length of requested data and must not exceed
	// the object.
	DownloadAt(o oid.OID, buf []byte, offset int64) error

	// Returns size in bytes of object o.
	GetObjectSize(o oid.OID) (int64, error)

	// Removes object o.
	Delete(o oid.OID) error
}

// Proxy for the store which prioritizes requests. Header objects go through
// the priority channels so metadata operations are not stuck behind data
// traffic.
type storeProxy struct {
	Store

	uploads       chan request
	downloads     chan request
	uploadsPrio   chan request
	downloadsPrio chan request
	quit          chan struct{}
}

// Request is internal structure for wrapping the communication into channels.
type request struct {
	oid    oid.OID
	data   []byte
	offset int64
	done   chan error
}

// Spawns uploaders and downloaders immediately.
func newStoreProxy(s Store, uploaders, downloaders int) *storeProxy {
	p := &storeProxy{
		Store:         s,
		uploads:       make(chan request),
		downloads:     make(chan request),
		uploadsPrio:   make(chan request),
		downloadsPrio: make(chan request),
		quit:          make(chan struct{}),
	}

	for i := 0; i < uploaders; i++ {
		go p.uploadWorker()
	}

	for i := 0; i < downloaders; i++ {
		go p.downloadWorker()
	}

	return p
}

func (p *storeProxy) Upload(o oid.OID, body []byte) error {
	c := p.uploads
	if o.IsVdi() {
		c = p.uploadsPrio
	}

	done := make(chan error, 1)
	select {
	case c <- request{oid: o, data: body, done: done}:
	case <-p.quit:
		return errProxyClosed
	}

	return <-done
}

func (p *storeProxy) DownloadAt(o oid.OID, chunk []byte, offset int64) error {
	c := p.downloads
	if o.IsVdi() {
		c = p.downloadsPrio
	}

	done := make(chan error, 1)
	select {
	case c <- request{o, chunk, offset, done}:
	case <-p.quit:
		return errProxyClosed
	}

	return <-done
}

func (p *storeProxy) close() {
	close(p.quit)
}

// Generic function for prioritization used by both, uploader and downloader
// workers. Returns false when the proxy is closed.
func (p *storeProxy) receiveRequest(prio chan request, normal chan request) (request, bool) {
	var r request

	select {
	case r = <-prio:
	default:
		select {
		case r = <-prio:
		case r = <-normal:
		case <-p.quit:
			return r, false
		}
	}

	return r, true
}

func (p *storeProxy) uploadWorker() {
	for {
		r, ok := p.receiveRequest(p.uploadsPrio, p.uploads)
		if !ok {
			return
		}
		r.done <- p.Store.Upload(r.oid, r.data)
	}
}

func (p *storeProxy) downloadWorker() {
	for {
		r, ok := p.receiveRequest(p.downloadsPrio, p.downloads)
		if !ok {
			return
		}
		r.done <- p.Store.DownloadAt(r.oid, r.data, r.offset)
	}
}

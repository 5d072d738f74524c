// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package sync

import (
	"time"

	"github.com/pkg/errors"

	"github.com/echo-sync/echo/internal/chunker"
	"github.com/echo-sync/echo/internal/netreg"
	"github.com/echo-sync/echo/internal/store"
)

// Writer drives the writer half of the sync protocol: on every local
// commit it computes a fresh descriptor, persists it, and broadcasts
// FILE_DESC; on GET_CHUNKS it replies with one PUT_CHUNK per requested
// index.
type Writer struct {
	store    *store.Store
	registry *netreg.Registry
	chunkSz  uint32

	// open tracks the path currently open in a notepad session, if any,
	// so a freshly dialed reader can be sent OPEN_NOTEPAD + FILE_DESC
	// immediately (spec.md §4.4 dialer behavior).
	open struct {
		path string
		ok   bool
	}
}

func NewWriter(st *store.Store, registry *netreg.Registry, chunkSz uint32) *Writer {
	if chunkSz == 0 {
		chunkSz = chunker.DefaultChunkSize
	}
	return &Writer{store: st, registry: registry, chunkSz: chunkSz}
}

// OpenNotepad marks path as the currently open notepad, broadcasts
// OPEN_NOTEPAD to every connected session, then commits path (see Commit:
// a fresh descriptor with the version bumped, broadcast as FILE_DESC).
func (w *Writer) OpenNotepad(path string) error {
	w.open.path = path
	w.open.ok = true

	w.registry.Broadcast(TypeOpenNotepad, EncodeOpenNotepad(path))
	return w.Commit(path)
}

// CurrentNotepad returns the path currently open, if any.
func (w *Writer) CurrentNotepad() (string, bool) {
	return w.open.path, w.open.ok
}

// OnConnect is the netreg.OnConnect hook: if a notepad is open, push
// OPEN_NOTEPAD and the current FILE_DESC to the newly connected session.
func (w *Writer) OnConnect(session *netreg.Session) {
	if !w.open.ok {
		return
	}
	_ = session.Send(TypeOpenNotepad, EncodeOpenNotepad(w.open.path))
	if m, ok := w.store.Get(w.open.path); ok {
		_ = session.Send(TypeFileDesc, EncodeFileDesc(w.open.path, m))
	}
}

// Commit computes a fresh descriptor for path, bumps its version, persists
// it, and broadcasts FILE_DESC to every open session. version is prior+1,
// or 1 if path has no prior descriptor.
func (w *Writer) Commit(path string) error {
	m, err := chunker.Describe(path, w.chunkSz)
	if err != nil {
		return errors.Wrap(err, "sync: describe")
	}

	if prior, ok := w.store.Get(path); ok {
		m.Version = prior.Version + 1
	} else {
		m.Version = 1
	}
	m.Mtime = uint64(time.Now().Unix())

	if err := w.store.Put(path, m); err != nil {
		return errors.Wrap(err, "sync: put")
	}

	w.registry.Broadcast(TypeFileDesc, EncodeFileDesc(path, m))
	return nil
}

// HandleFrame implements netreg.Handler for the writer side: it answers
// GET_CHUNKS with one PUT_CHUNK per requested index, reading chunkSz
// bytes at offset idx*chunkSz (the last chunk may be short). Out-of-range
// indices are silently skipped, and an unknown path is silently ignored
// (spec.md §9, adopted from the original source's silent-drop behavior).
func (w *Writer) HandleFrame(session *netreg.Session, frame netreg.Frame) {
	if frame.Type != TypeGetChunks {
		return
	}
	path, indices, err := DecodeGetChunks(frame.Payload)
	if err != nil {
		return
	}

	m, ok := w.store.Get(path)
	if !ok {
		return
	}

	for _, idx := range indices {
		data, ok := readChunk(path, idx, m.ChunkSz, m.Size)
		if !ok {
			continue
		}
		_ = session.Send(TypePutChunk, EncodePutChunk(path, idx, data))
	}
}

func readChunk(path string, idx uint32, chunkSz uint32, size uint64) ([]byte, bool) {
	offset := uint64(idx) * uint64(chunkSz)
	if offset >= size {
		return nil, false
	}
	end := offset + uint64(chunkSz)
	if end > size {
		end = size
	}

	f, err := openForRead(path)
	if err != nil {
		return nil, false
	}
	defer f.Close()

	buf := make([]byte, end-offset)
	if _, err := f.ReadAt(buf, int64(offset)); err != nil {
		return nil, false
	}
	return buf, true
}

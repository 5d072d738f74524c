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
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/echo-sync/echo/internal/chunker"
	"github.com/echo-sync/echo/internal/netreg"
	"github.com/echo-sync/echo/internal/store"
)

// stagingSuffix names the partial file a ReceiveState assembles into
// before the atomic rename that publishes it.
const stagingSuffix = ".part"

// ReceiveState tracks one in-flight transfer: the descriptor being
// chased, the staging file its chunks land in, and which indices are
// still outstanding.
type ReceiveState struct {
	mu      sync.Mutex
	path    string
	meta    chunker.FileMeta
	staging *os.File
	pending map[uint32]bool
}

func (rs *ReceiveState) done() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.pending) == 0
}

// Option configures a Reader.
type Option func(*Reader)

// WithChunkVerification enables or disables hashing each received chunk
// against its expected digest before accepting it. Enabled by default.
func WithChunkVerification(on bool) Option {
	return func(r *Reader) { r.verifyChunks = on }
}

// Reader drives the reader half of the sync protocol: on FILE_DESC it
// diffs against the local descriptor, requests whatever chunks differ,
// assembles them into a staging file, and finalizes via atomic rename.
type Reader struct {
	store        *store.Store
	verifyChunks bool
	active       *xsync.MapOf[string, *ReceiveState]

	// OnNotepadOpen, if set, is invoked whenever an OPEN_NOTEPAD frame
	// arrives, letting a local viewer follow the writer's focus.
	OnNotepadOpen func(path string)
}

func NewReader(st *store.Store, opts ...Option) *Reader {
	r := &Reader{store: st, verifyChunks: true, active: xsync.NewMapOf[string, *ReceiveState]()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HandleFrame implements netreg.Handler for the reader side.
func (r *Reader) HandleFrame(session *netreg.Session, frame netreg.Frame) {
	switch frame.Type {
	case TypeFileDesc:
		r.handleFileDesc(session, frame.Payload)
	case TypePutChunk:
		r.handlePutChunk(session, frame.Payload)
	case TypeOpenNotepad:
		r.handleOpenNotepad(frame.Payload)
	}
}

func (r *Reader) handleOpenNotepad(payload []byte) {
	path, err := DecodeOpenNotepad(payload)
	if err != nil || r.OnNotepadOpen == nil {
		return
	}
	r.OnNotepadOpen(path)
}

func (r *Reader) handleFileDesc(session *netreg.Session, payload []byte) {
	path, remote, err := DecodeFileDesc(payload)
	if err != nil {
		return
	}

	local, haveLocal := r.store.Get(path)
	missing := chunker.Diff(local, remote)

	// chunker.Diff only ever walks remote.Hashes, so it can never flag a
	// difference when remote has fewer chunks than local (a shrink, down to
	// an exact chunk boundary or to empty). Route through the staging-file
	// replace path whenever the chunk count or size disagrees, even with no
	// missing indices, so the on-disk file is always rewritten to match.
	sizeChanged := !haveLocal || len(remote.Hashes) != len(local.Hashes) || remote.Size != local.Size
	if len(missing) == 0 && !sizeChanged {
		// Already in sync; still adopt the descriptor so the version and
		// mtime advance even when no chunk bytes changed (e.g. a touch).
		// Never roll the stored version backward on a stale/duplicate
		// FILE_DESC (spec.md §4.5 step 2).
		if remote.Version > local.Version {
			_ = r.store.Put(path, remote)
		}
		return
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	staging, err := os.OpenFile(path+stagingSuffix, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return
	}
	// Seed the staging file with the current local content so chunks that
	// are not requested keep their bytes; Truncate then trims or extends it
	// to the new size.
	if cur, err := os.ReadFile(path); err == nil {
		if _, err := staging.Write(cur); err != nil {
			staging.Close()
			return
		}
	}
	if err := staging.Truncate(int64(remote.Size)); err != nil {
		staging.Close()
		return
	}

	pending := make(map[uint32]bool, len(missing))
	for _, idx := range missing {
		pending[idx] = true
	}

	rs := &ReceiveState{path: path, meta: remote, staging: staging, pending: pending}
	r.active.Store(path, rs)

	if len(pending) == 0 {
		// Every chunk already matches (or there are none, e.g. an empty
		// file / a shrink to an exact prefix): nothing to request, finalize
		// immediately so the staging file still gets renamed into place.
		_ = r.finalize(rs)
		return
	}

	_ = session.Send(TypeGetChunks, EncodeGetChunks(path, missing))
}

func (r *Reader) handlePutChunk(session *netreg.Session, payload []byte) {
	path, idx, data, err := DecodePutChunk(payload)
	if err != nil {
		return
	}
	rs, ok := r.active.Load(path)
	if !ok {
		return
	}

	rs.mu.Lock()
	if !rs.pending[idx] {
		rs.mu.Unlock()
		return
	}
	if r.verifyChunks && int(idx) < len(rs.meta.Hashes) {
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != rs.meta.Hashes[idx] {
			rs.mu.Unlock()
			// Drop the chunk and ask for that index again.
			_ = session.Send(TypeGetChunks, EncodeGetChunks(path, []uint32{idx}))
			return
		}
	}

	offset := int64(idx) * int64(rs.meta.ChunkSz)
	if _, err := rs.staging.WriteAt(data, offset); err != nil {
		rs.mu.Unlock()
		return
	}
	delete(rs.pending, idx)
	finished := len(rs.pending) == 0
	rs.mu.Unlock()

	if finished {
		r.finalize(rs)
	}
}

func (r *Reader) finalize(rs *ReceiveState) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if err := rs.staging.Sync(); err != nil {
		return errors.Wrap(err, "sync: fsync staging file")
	}
	if err := rs.staging.Close(); err != nil {
		return errors.Wrap(err, "sync: close staging file")
	}
	if err := os.Rename(rs.path+stagingSuffix, rs.path); err != nil {
		return errors.Wrap(err, "sync: finalize rename")
	}
	if err := r.store.Put(rs.path, rs.meta); err != nil {
		return errors.Wrap(err, "sync: store finalized descriptor")
	}
	r.active.Delete(rs.path)
	return nil
}

// Pending reports whether path currently has an in-flight transfer.
func (r *Reader) Pending(path string) bool {
	rs, ok := r.active.Load(path)
	if !ok {
		return false
	}
	return !rs.done()
}

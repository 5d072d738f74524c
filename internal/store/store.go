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

// Package store implements C2: a crash-consistent mapping from path to
// chunker.FileMeta, backed by an append-only write-ahead log and a
// snapshot file for compaction.
//
// Two mutexes protect the store: dataMu guards the in-memory map, walMu
// guards the WAL file handle. Writers take dataMu then walMu; compaction
// takes walMu then dataMu — the only reversed order, and it cannot deadlock
// because nothing else ever holds walMu while waiting on dataMu.
package store

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/echo-sync/echo/internal/chunker"
)

// DefaultMaxWALBytes is the WAL size, in bytes, that triggers compaction.
const DefaultMaxWALBytes = 1 << 20 // 1 MiB

// Store is the durable path -> FileMeta mapping.
type Store struct {
	snapshotPath string
	walPath      string
	maxWALBytes  int64

	dataMu sync.Mutex
	files  map[string]chunker.FileMeta

	walMu sync.Mutex
	wal   *os.File

	// Strict controls the failure model for Put/Del: false (default)
	// matches spec.md's "continue on WAL write failure" policy (the
	// in-memory update has already been applied and is lost only on
	// restart); true makes a WAL failure fail the call instead.
	Strict bool

	onWALError func(error)
}

// Open creates dir if needed and returns a Store ready for Load.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "store: mkdir")
	}
	s := &Store{
		snapshotPath: filepath.Join(dir, "snapshot.txt"),
		walPath:      filepath.Join(dir, "wal.log"),
		maxWALBytes:  DefaultMaxWALBytes,
		files:        make(map[string]chunker.FileMeta),
		onWALError:   func(err error) { fmt.Fprintln(os.Stderr, "store: wal error:", err) },
	}
	wal, err := os.OpenFile(s.walPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "store: open wal")
	}
	s.wal = wal
	return s, nil
}

// SetMaxWALBytes overrides the compaction threshold (for tests).
func (s *Store) SetMaxWALBytes(n int64) { s.maxWALBytes = n }

// SetErrorHandler overrides how non-fatal WAL errors are reported.
func (s *Store) SetErrorHandler(f func(error)) { s.onWALError = f }

// Close releases the WAL file handle.
func (s *Store) Close() error {
	s.walMu.Lock()
	defer s.walMu.Unlock()
	return s.wal.Close()
}

// Load reads the snapshot (if present), then replays the WAL on top of it.
// Both files share the same line-delimited record format:
//
//	PUT|path|ver|size|mtime|chunk_sz|h1,h2,...
//	DEL|path
//
// Later records override earlier ones; a DEL erases the mapping. Empty or
// malformed lines are ignored.
func (s *Store) Load() error {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()

	s.files = make(map[string]chunker.FileMeta)

	if err := applyRecords(s.snapshotPath, s.files); err != nil {
		return errors.Wrap(err, "store: load snapshot")
	}
	if err := applyRecords(s.walPath, s.files); err != nil {
		return errors.Wrap(err, "store: load wal")
	}
	return nil
}

// applyRecords replays every well-formed record in path into dst. A
// missing file is not an error (nothing to replay yet).
func applyRecords(path string, dst map[string]chunker.FileMeta) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		applyLine(line, dst)
	}
	return sc.Err()
}

func applyLine(line string, dst map[string]chunker.FileMeta) {
	switch {
	case strings.HasPrefix(line, "PUT|"):
		path, meta, ok := parsePutRecord(line[len("PUT|"):])
		if ok {
			dst[path] = meta
		}
	case strings.HasPrefix(line, "DEL|"):
		path := strings.TrimPrefix(line, "DEL|")
		if path != "" {
			delete(dst, path)
		}
	}
	// unrecognized lines are silently ignored
}

// parsePutRecord parses "path|ver|size|mtime|chunk_sz|h1,h2,..." (the part
// of a PUT record after the "PUT|" tag).
func parsePutRecord(rest string) (string, chunker.FileMeta, bool) {
	parts := strings.SplitN(rest, "|", 6)
	if len(parts) < 5 {
		return "", chunker.FileMeta{}, false
	}
	path := parts[0]
	ver, err1 := strconv.ParseUint(parts[1], 10, 64)
	size, err2 := strconv.ParseUint(parts[2], 10, 64)
	mtime, err3 := strconv.ParseUint(parts[3], 10, 64)
	chunkSz, err4 := strconv.ParseUint(parts[4], 10, 32)
	if path == "" || err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return "", chunker.FileMeta{}, false
	}
	var hashes []string
	if len(parts) == 6 && parts[5] != "" {
		hashes = strings.Split(parts[5], ",")
	}
	return path, chunker.FileMeta{
		Version: ver,
		Size:    size,
		Mtime:   mtime,
		ChunkSz: uint32(chunkSz),
		Hashes:  hashes,
	}, true
}

func formatPutRecord(path string, m chunker.FileMeta) string {
	return fmt.Sprintf("PUT|%s|%d|%d|%d|%d|%s",
		path, m.Version, m.Size, m.Mtime, m.ChunkSz, strings.Join(m.Hashes, ","))
}

// Put atomically updates the in-memory map, then appends a durable PUT
// record (write followed by fsync). It returns only after the record is
// durable (unless Strict is false and the WAL write itself fails — see
// the Strict field doc).
func (s *Store) Put(path string, meta chunker.FileMeta) error {
	s.dataMu.Lock()
	s.files[path] = meta
	s.dataMu.Unlock()

	if err := s.appendWAL(formatPutRecord(path, meta)); err != nil {
		s.onWALError(err)
		if s.Strict {
			return errors.Wrap(err, "store: put")
		}
	}

	s.snapshotIfNeeded()
	return nil
}

// Del removes path from the map and appends a durable DEL record.
func (s *Store) Del(path string) error {
	s.dataMu.Lock()
	delete(s.files, path)
	s.dataMu.Unlock()

	if err := s.appendWAL("DEL|" + path); err != nil {
		s.onWALError(err)
		if s.Strict {
			return errors.Wrap(err, "store: del")
		}
	}

	s.snapshotIfNeeded()
	return nil
}

// Get is a pure memory read, mutex-guarded.
func (s *Store) Get(path string) (chunker.FileMeta, bool) {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	m, ok := s.files[path]
	return m, ok
}

// Entry pairs a path with its descriptor, for DumpAll.
type Entry struct {
	Path string
	Meta chunker.FileMeta
}

// DumpAll returns a consistent snapshot of every path -> descriptor
// mapping, used by compaction and diagnostics.
func (s *Store) DumpAll() []Entry {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	out := make([]Entry, 0, len(s.files))
	for p, m := range s.files {
		out = append(out, Entry{Path: p, Meta: m})
	}
	return out
}

func (s *Store) appendWAL(line string) error {
	s.walMu.Lock()
	defer s.walMu.Unlock()
	if _, err := s.wal.WriteString(line + "\n"); err != nil {
		return err
	}
	return s.wal.Sync()
}

func (s *Store) walSize() int64 {
	s.walMu.Lock()
	defer s.walMu.Unlock()
	st, err := s.wal.Stat()
	if err != nil {
		return 0
	}
	return st.Size()
}

// snapshotIfNeeded compacts the WAL into the snapshot file once the WAL
// has grown past maxWALBytes. Lock order: WAL lock, then data lock — the
// one deliberate reversal of the normal write order, safe because nothing
// else holds the WAL lock while waiting on the data lock.
func (s *Store) snapshotIfNeeded() {
	if s.walSize() < s.maxWALBytes {
		return
	}

	s.walMu.Lock()
	defer s.walMu.Unlock()
	s.dataMu.Lock()
	defer s.dataMu.Unlock()

	entries := make([]Entry, 0, len(s.files))
	for p, m := range s.files {
		entries = append(entries, Entry{Path: p, Meta: m})
	}

	tmpPath := s.snapshotPath + ".tmp"
	if err := writeSnapshot(tmpPath, entries); err != nil {
		s.onWALError(errors.Wrap(err, "store: write snapshot"))
		return
	}
	if err := os.Rename(tmpPath, s.snapshotPath); err != nil {
		s.onWALError(errors.Wrap(err, "store: rename snapshot"))
		return
	}
	if err := s.wal.Truncate(0); err != nil {
		s.onWALError(errors.Wrap(err, "store: truncate wal"))
		return
	}
	if _, err := s.wal.Seek(0, 0); err != nil {
		s.onWALError(errors.Wrap(err, "store: seek wal"))
	}
}

func writeSnapshot(path string, entries []Entry) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, e := range entries {
		if _, err := w.WriteString(formatPutRecord(e.Path, e.Meta) + "\n"); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

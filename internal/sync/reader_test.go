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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/echo-sync/echo/internal/chunker"
	"github.com/echo-sync/echo/internal/netreg"
)

func TestReaderFileDescRequestsMissingChunks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notepad.txt")

	st := mustOpenStore(t)
	r := NewReader(st)

	registry := netreg.NewRegistry()
	session, conn := pipeSession(t, registry, "writer:1")

	req := make(chan netreg.Frame, 1)
	go func() {
		f, err := netreg.ReadFrame(conn)
		if err != nil {
			return
		}
		req <- f
	}()

	remote := chunker.FileMeta{Version: 1, Size: 5, ChunkSz: 4096, Hashes: []string{"deadbeef"}}
	r.HandleFrame(session, netreg.Frame{Type: TypeFileDesc, Payload: EncodeFileDesc(path, remote)})

	f := <-req
	if f.Type != TypeGetChunks {
		t.Fatalf("type = %d", f.Type)
	}
	gotPath, idx, err := DecodeGetChunks(f.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if gotPath != path || len(idx) != 1 || idx[0] != 0 {
		t.Fatalf("unexpected request: path=%q idx=%v", gotPath, idx)
	}
	if !r.Pending(path) {
		t.Fatal("expected a pending transfer")
	}

	if _, err := os.Stat(path + stagingSuffix); err != nil {
		t.Fatalf("staging file missing: %v", err)
	}
}

func TestReaderAssemblesAndFinalizes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notepad.txt")

	st := mustOpenStore(t)
	r := NewReader(st)

	registry := netreg.NewRegistry()
	session, conn := pipeSession(t, registry, "writer:2")

	go func() {
		for {
			if _, err := netreg.ReadFrame(conn); err != nil {
				return
			}
		}
	}()

	chunkA := []byte("0123456789") // 10 bytes, one chunk sized to fit below
	meta := chunker.FileMeta{Version: 1, Size: uint64(len(chunkA)), ChunkSz: 4096, Hashes: []string{chunkHash(chunkA)}}

	r.HandleFrame(session, netreg.Frame{Type: TypeFileDesc, Payload: EncodeFileDesc(path, meta)})

	r.HandleFrame(session, netreg.Frame{Type: TypePutChunk, Payload: EncodePutChunk(path, 0, chunkA)})

	deadline := time.Now().Add(time.Second)
	for r.Pending(path) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if r.Pending(path) {
		t.Fatal("transfer never finalized")
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(chunkA) {
		t.Fatalf("assembled content = %q, want %q", got, chunkA)
	}
	if _, err := os.Stat(path + stagingSuffix); !os.IsNotExist(err) {
		t.Fatalf("staging file should be gone, stat err = %v", err)
	}

	stored, ok := st.Get(path)
	if !ok || stored.Version != 1 {
		t.Fatalf("store not updated: %+v ok=%v", stored, ok)
	}
}

func TestReaderRejectsBadChunkWhenVerifying(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notepad.txt")

	st := mustOpenStore(t)
	r := NewReader(st, WithChunkVerification(true))

	registry := netreg.NewRegistry()
	session, conn := pipeSession(t, registry, "writer:3")
	go func() {
		for {
			if _, err := netreg.ReadFrame(conn); err != nil {
				return
			}
		}
	}()

	good := []byte("correct bytes")
	meta := chunker.FileMeta{Version: 1, Size: uint64(len(good)), ChunkSz: 4096, Hashes: []string{chunkHash(good)}}
	r.HandleFrame(session, netreg.Frame{Type: TypeFileDesc, Payload: EncodeFileDesc(path, meta)})

	bad := []byte("wrong bytes!!")
	r.HandleFrame(session, netreg.Frame{Type: TypePutChunk, Payload: EncodePutChunk(path, 0, bad)})

	time.Sleep(20 * time.Millisecond)
	if !r.Pending(path) {
		t.Fatal("bad chunk should not have completed the transfer")
	}
	if _, ok := st.Get(path); ok {
		t.Fatal("store should not be updated on a rejected chunk")
	}
}

func TestReaderNoOpWhenAlreadyInSync(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notepad.txt")

	st := mustOpenStore(t)
	meta := chunker.FileMeta{Version: 1, Size: 3, ChunkSz: 4096, Hashes: []string{"abc"}}
	if err := st.Put(path, meta); err != nil {
		t.Fatal(err)
	}

	r := NewReader(st)
	registry := netreg.NewRegistry()

	session, conn := pipeSession(t, registry, "writer:4")
	done := make(chan struct{})
	go func() {
		_, _ = netreg.ReadFrame(conn)
		close(done)
	}()

	r.HandleFrame(session, netreg.Frame{Type: TypeFileDesc, Payload: EncodeFileDesc(path, meta)})

	select {
	case <-done:
		t.Fatal("reader should not have requested any chunks when already in sync")
	case <-time.After(50 * time.Millisecond):
	}
	if r.Pending(path) {
		t.Fatal("no transfer should be pending")
	}
}

func TestReaderFirstSyncOfEmptyFileWritesEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notepad.txt")

	st := mustOpenStore(t)
	r := NewReader(st)

	registry := netreg.NewRegistry()
	session, conn := pipeSession(t, registry, "writer:5")
	go func() {
		for {
			if _, err := netreg.ReadFrame(conn); err != nil {
				return
			}
		}
	}()

	remote := chunker.FileMeta{Version: 1, Size: 0, ChunkSz: 4096, Hashes: nil}
	r.HandleFrame(session, netreg.Frame{Type: TypeFileDesc, Payload: EncodeFileDesc(path, remote)})

	// No chunks to request, so there is no handlePutChunk to drive
	// finalize: the empty-diff branch must finalize synchronously.
	if r.Pending(path) {
		t.Fatal("empty file sync should finalize immediately, no pending transfer")
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("empty staging file was never renamed into place: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty file, got %d bytes", len(got))
	}
	if _, err := os.Stat(path + stagingSuffix); !os.IsNotExist(err) {
		t.Fatalf("staging file should be gone, stat err = %v", err)
	}
	stored, ok := st.Get(path)
	if !ok || stored.Version != 1 || stored.Size != 0 {
		t.Fatalf("store not updated: %+v ok=%v", stored, ok)
	}
}

func TestReaderShrinkToFewerChunksDiscardsTrailingBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notepad.txt")

	st := mustOpenStore(t)

	chunkA := []byte("0123456789") // 10 bytes, fits in one 4096 chunk
	local := chunker.FileMeta{Version: 1, Size: uint64(len(chunkA)) + 4096, ChunkSz: 4096,
		Hashes: []string{chunkHash(chunkA), "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef"}}
	if err := st.Put(path, local); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, append(append([]byte{}, chunkA...), make([]byte, 4096)...), 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewReader(st)
	registry := netreg.NewRegistry()
	session, conn := pipeSession(t, registry, "writer:6")
	go func() {
		for {
			if _, err := netreg.ReadFrame(conn); err != nil {
				return
			}
		}
	}()

	// remote keeps only the first (unchanged) chunk: same hash, fewer
	// chunks overall. chunker.Diff alone would report zero differing
	// indices here.
	remote := chunker.FileMeta{Version: 2, Size: uint64(len(chunkA)), ChunkSz: 4096, Hashes: []string{chunkHash(chunkA)}}
	r.HandleFrame(session, netreg.Frame{Type: TypeFileDesc, Payload: EncodeFileDesc(path, remote)})

	if r.Pending(path) {
		t.Fatal("shrink with no differing chunks should finalize immediately")
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(chunkA) {
		t.Fatalf("trailing bytes should have been discarded: got %d bytes, want %d", len(got), len(chunkA))
	}
	stored, ok := st.Get(path)
	if !ok || stored.Version != 2 || stored.Size != uint64(len(chunkA)) {
		t.Fatalf("store not updated to shrunk descriptor: %+v ok=%v", stored, ok)
	}
}

func TestReaderFileDescCreatesMissingParentDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "dir", "notepad.txt")

	st := mustOpenStore(t)
	r := NewReader(st)

	registry := netreg.NewRegistry()
	session, conn := pipeSession(t, registry, "writer:7")
	go func() {
		for {
			if _, err := netreg.ReadFrame(conn); err != nil {
				return
			}
		}
	}()

	remote := chunker.FileMeta{Version: 1, Size: 5, ChunkSz: 4096, Hashes: []string{"deadbeef"}}
	r.HandleFrame(session, netreg.Frame{Type: TypeFileDesc, Payload: EncodeFileDesc(path, remote)})

	if _, err := os.Stat(path + stagingSuffix); err != nil {
		t.Fatalf("staging file should have been created under a newly-made parent dir: %v", err)
	}
	if !r.Pending(path) {
		t.Fatal("expected a pending transfer")
	}
}

func chunkHash(b []byte) string {
	m, err := chunker.Describe(writeTempHelper(b), 4096)
	if err != nil {
		panic(err)
	}
	return m.Hashes[0]
}

// writeTempHelper writes b to a throwaway temp file and returns its path,
// letting tests derive an expected hash via the real chunker instead of
// hand-computing sha256 sums.
func writeTempHelper(b []byte) string {
	f, err := os.CreateTemp("", "chunkhash-*")
	if err != nil {
		panic(err)
	}
	defer f.Close()
	if _, err := f.Write(b); err != nil {
		panic(err)
	}
	return f.Name()
}

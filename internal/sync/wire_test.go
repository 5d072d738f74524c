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
	"bytes"
	"reflect"
	"testing"

	"github.com/echo-sync/echo/internal/chunker"
	"github.com/echo-sync/echo/internal/netreg"
)

func TestFileDescRoundTrip(t *testing.T) {
	m := chunker.FileMeta{Version: 3, Size: 10000, ChunkSz: 4096, Hashes: []string{"h1", "h2", "h3"}}
	payload := EncodeFileDesc("notepad.txt", m)
	path, got, err := DecodeFileDesc(payload)
	if err != nil {
		t.Fatal(err)
	}
	if path != "notepad.txt" || !reflect.DeepEqual(got, m) {
		t.Fatalf("round trip mismatch: path=%q meta=%+v", path, got)
	}
}

func TestFileDescEmptyHashes(t *testing.T) {
	m := chunker.FileMeta{Version: 1, Size: 0, ChunkSz: 4096}
	payload := EncodeFileDesc("empty.txt", m)
	_, got, err := DecodeFileDesc(payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Hashes) != 0 {
		t.Fatalf("expected no hashes, got %v", got.Hashes)
	}
}

func TestGetChunksRoundTrip(t *testing.T) {
	idx := []uint32{0, 2, 5}
	payload := EncodeGetChunks("a/b.txt", idx)
	path, got, err := DecodeGetChunks(payload)
	if err != nil {
		t.Fatal(err)
	}
	if path != "a/b.txt" || !reflect.DeepEqual(got, idx) {
		t.Fatalf("round trip mismatch: path=%q idx=%v", path, got)
	}
}

func TestPutChunkRoundTrip(t *testing.T) {
	data := []byte("some chunk bytes")
	payload := EncodePutChunk("x.txt", 7, data)
	path, idx, got, err := DecodePutChunk(payload)
	if err != nil {
		t.Fatal(err)
	}
	if path != "x.txt" || idx != 7 || !reflect.DeepEqual(got, data) {
		t.Fatalf("round trip mismatch: path=%q idx=%d data=%v", path, idx, got)
	}
}

func TestOpenNotepadRoundTrip(t *testing.T) {
	payload := EncodeOpenNotepad("notepad.txt")
	path, err := DecodeOpenNotepad(payload)
	if err != nil {
		t.Fatal(err)
	}
	if path != "notepad.txt" {
		t.Fatalf("got %q", path)
	}
}

func TestDecodeMalformedPayloads(t *testing.T) {
	if _, _, err := DecodeFileDesc([]byte{0, 0, 0, 5, 'a'}); err == nil {
		t.Fatal("expected error for truncated FILE_DESC")
	}
	if _, _, err := DecodeGetChunks(nil); err == nil {
		t.Fatal("expected error for empty GET_CHUNKS")
	}
	if _, _, _, err := DecodePutChunk([]byte{0, 0, 0, 0}); err == nil {
		t.Fatal("expected error for truncated PUT_CHUNK")
	}
}

// parse_frame(build_frame(type, payload)) == (type, payload), composed
// with the message encoders above.
func TestFrameAndMessageCompose(t *testing.T) {
	m := chunker.FileMeta{Version: 1, Size: 1, ChunkSz: 4096, Hashes: []string{"deadbeef"}}
	payload := EncodeFileDesc("f.txt", m)

	var buf bytes.Buffer
	if err := netreg.WriteFrame(&buf, TypeFileDesc, payload); err != nil {
		t.Fatal(err)
	}
	frame, err := netreg.ReadFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if frame.Type != TypeFileDesc {
		t.Fatalf("type = %d", frame.Type)
	}
	path, got, err := DecodeFileDesc(frame.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if path != "f.txt" || !reflect.DeepEqual(got, m) {
		t.Fatalf("composed round trip mismatch: path=%q meta=%+v", path, got)
	}
}

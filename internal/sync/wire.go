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

// Package sync implements C5: the sync protocol engine — message
// encode/decode, the writer state machine (announce + respond to
// GET_CHUNKS), and the reader state machine (diff, request, assemble,
// finalize).
package sync

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/echo-sync/echo/internal/chunker"
)

// Message type codes, one byte each.
const (
	TypeFileDesc    byte = 1
	TypeGetChunks   byte = 2
	TypePutChunk    byte = 3
	TypeOpenNotepad byte = 4
)

// ErrMalformed marks a payload that failed to decode.
var ErrMalformed = errors.New("sync: malformed payload")

type byteWriter struct {
	buf []byte
}

func (w *byteWriter) putU32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *byteWriter) putU64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *byteWriter) putString(s string) {
	w.putU32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

type byteReader struct {
	buf []byte
	pos int
}

func (r *byteReader) u32() (uint32, error) {
	if len(r.buf)-r.pos < 4 {
		return 0, ErrMalformed
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *byteReader) u64() (uint64, error) {
	if len(r.buf)-r.pos < 8 {
		return 0, ErrMalformed
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos : r.pos+8])
	r.pos += 8
	return v, nil
}

func (r *byteReader) bytes(n uint32) ([]byte, error) {
	if uint32(len(r.buf)-r.pos) < n {
		return nil, ErrMalformed
	}
	b := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return b, nil
}

func (r *byteReader) str() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// EncodeFileDesc builds the FILE_DESC payload:
// [path_len u32][path][version u64][size u64][chunk_sz u32][n_hashes u32]
// then n_hashes x [hash_len u32][hash_bytes].
func EncodeFileDesc(path string, m chunker.FileMeta) []byte {
	w := &byteWriter{}
	w.putString(path)
	w.putU64(m.Version)
	w.putU64(m.Size)
	w.putU32(m.ChunkSz)
	w.putU32(uint32(len(m.Hashes)))
	for _, h := range m.Hashes {
		w.putString(h)
	}
	return w.buf
}

// DecodeFileDesc parses a FILE_DESC payload.
func DecodeFileDesc(payload []byte) (path string, m chunker.FileMeta, err error) {
	r := &byteReader{buf: payload}
	if path, err = r.str(); err != nil {
		return "", chunker.FileMeta{}, err
	}
	if m.Version, err = r.u64(); err != nil {
		return "", chunker.FileMeta{}, err
	}
	if m.Size, err = r.u64(); err != nil {
		return "", chunker.FileMeta{}, err
	}
	if m.ChunkSz, err = r.u32(); err != nil {
		return "", chunker.FileMeta{}, err
	}
	n, err := r.u32()
	if err != nil {
		return "", chunker.FileMeta{}, err
	}
	hashes := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		h, err := r.str()
		if err != nil {
			return "", chunker.FileMeta{}, err
		}
		hashes = append(hashes, h)
	}
	m.Hashes = hashes
	return path, m, nil
}

// EncodeGetChunks builds the GET_CHUNKS payload:
// [path_len u32][path][n_idx u32][idx u32]xn_idx.
func EncodeGetChunks(path string, indices []uint32) []byte {
	w := &byteWriter{}
	w.putString(path)
	w.putU32(uint32(len(indices)))
	for _, i := range indices {
		w.putU32(i)
	}
	return w.buf
}

// DecodeGetChunks parses a GET_CHUNKS payload.
func DecodeGetChunks(payload []byte) (path string, indices []uint32, err error) {
	r := &byteReader{buf: payload}
	if path, err = r.str(); err != nil {
		return "", nil, err
	}
	n, err := r.u32()
	if err != nil {
		return "", nil, err
	}
	indices = make([]uint32, 0, n)
	for i := uint32(0); i < n; i++ {
		idx, err := r.u32()
		if err != nil {
			return "", nil, err
		}
		indices = append(indices, idx)
	}
	return path, indices, nil
}

// EncodePutChunk builds the PUT_CHUNK payload:
// [path_len u32][path][idx u32][data_len u32][data_bytes].
func EncodePutChunk(path string, idx uint32, data []byte) []byte {
	w := &byteWriter{}
	w.putString(path)
	w.putU32(idx)
	w.putU32(uint32(len(data)))
	w.buf = append(w.buf, data...)
	return w.buf
}

// DecodePutChunk parses a PUT_CHUNK payload.
func DecodePutChunk(payload []byte) (path string, idx uint32, data []byte, err error) {
	r := &byteReader{buf: payload}
	if path, err = r.str(); err != nil {
		return "", 0, nil, err
	}
	if idx, err = r.u32(); err != nil {
		return "", 0, nil, err
	}
	n, err := r.u32()
	if err != nil {
		return "", 0, nil, err
	}
	data, err = r.bytes(n)
	if err != nil {
		return "", 0, nil, err
	}
	return path, idx, data, nil
}

// EncodeOpenNotepad builds the OPEN_NOTEPAD payload: [path_len u32][path].
func EncodeOpenNotepad(path string) []byte {
	w := &byteWriter{}
	w.putString(path)
	return w.buf
}

// DecodeOpenNotepad parses an OPEN_NOTEPAD payload.
func DecodeOpenNotepad(payload []byte) (path string, err error) {
	r := &byteReader{buf: payload}
	return r.str()
}

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

// Package chunker implements C1: splitting a file into fixed-size chunks
// and computing a per-chunk digest, the basis of the content-addressed
// sync protocol.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	"github.com/pkg/errors"
)

// DefaultChunkSize is the chunk size used unless a caller overrides it.
const DefaultChunkSize = 4096

// FileMeta is a file descriptor: one revision of a path, as hashed by a
// specific chunk size.
type FileMeta struct {
	Version  uint64
	Size     uint64
	Mtime    uint64
	ChunkSz  uint32
	Hashes   []string // hex-encoded, 64 chars each
}

// NumChunks returns ceil(Size / ChunkSz), matching len(Hashes) for a sound
// descriptor.
func (m FileMeta) NumChunks() uint64 {
	if m.ChunkSz == 0 {
		return 0
	}
	return (m.Size + uint64(m.ChunkSz) - 1) / uint64(m.ChunkSz)
}

// Describe reads path sequentially, chunkSz bytes at a time, and returns a
// FileMeta with Version left at zero for the caller to fill in (the writer
// sets it to the prior version + 1, or 1 if absent). Describe fails with a
// wrapped IoError if the file cannot be opened or read; no partial
// descriptor is ever returned.
func Describe(path string, chunkSz uint32) (FileMeta, error) {
	if chunkSz == 0 {
		chunkSz = DefaultChunkSize
	}

	f, err := os.Open(path)
	if err != nil {
		return FileMeta{}, errors.Wrap(err, "chunker: open")
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return FileMeta{}, errors.Wrap(err, "chunker: stat")
	}

	var hashes []string
	buf := make([]byte, chunkSz)
	for {
		n, rerr := io.ReadFull(f, buf)
		if n > 0 {
			sum := sha256.Sum256(buf[:n])
			hashes = append(hashes, hex.EncodeToString(sum[:]))
		}
		if rerr == io.EOF {
			break
		}
		if rerr == io.ErrUnexpectedEOF {
			// short final chunk, already hashed above
			break
		}
		if rerr != nil {
			return FileMeta{}, errors.Wrap(rerr, "chunker: read")
		}
		if n < len(buf) {
			break
		}
	}

	return FileMeta{
		Size:    uint64(st.Size()),
		Mtime:   uint64(st.ModTime().Unix()),
		ChunkSz: chunkSz,
		Hashes:  hashes,
	}, nil
}

// Diff returns the indices where remote differs from local: every index
// beyond local's length, plus every index whose hash doesn't match.
func Diff(local, remote FileMeta) []uint32 {
	var missing []uint32
	for i, h := range remote.Hashes {
		if i >= len(local.Hashes) || local.Hashes[i] != h {
			missing = append(missing, uint32(i))
		}
	}
	return missing
}

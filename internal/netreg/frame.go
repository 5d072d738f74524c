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

// Package netreg implements C4: the connection registry, an accept loop,
// a dialer, and the frame codec every session speaks.
//
// Framing: [len u32 big-endian][type u8][payload len-1 bytes]. A frame
// with len == 0 or len > MaxFrameLen is a protocol error and closes the
// session. Partial reads loop until len bytes arrive or the peer closes.
package netreg

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// MaxFrameLen is the largest permitted frame length (the len field,
// inclusive of the 1-byte type), 16 MiB.
const MaxFrameLen = 16 * 1024 * 1024

// ErrProtocol marks a framing violation: oversize length, zero length, or
// a truncated read mid-frame.
var ErrProtocol = errors.New("netreg: protocol error")

// Frame is one decoded message: a type byte and its payload.
type Frame struct {
	Type    byte
	Payload []byte
}

// WriteFrame encodes and writes a single frame. Callers must serialize
// concurrent writes to the same io.Writer themselves (Session does this
// via its send mutex).
func WriteFrame(w io.Writer, typ byte, payload []byte) error {
	n := uint32(1 + len(payload))
	if n > MaxFrameLen {
		return errors.Wrapf(ErrProtocol, "frame too large: %d bytes", n)
	}
	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header[:4], n)
	header[4] = typ
	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// ReadFrame reads a single frame, looping until the full payload has
// arrived or the peer closes the connection. A peer close mid-frame, a
// zero length, or an oversize length all return a wrapped ErrProtocol (or
// io.EOF for a clean close between frames).
func ReadFrame(r io.Reader) (Frame, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err // io.EOF between frames is not a protocol error
	}
	n := binary.BigEndian.Uint32(header[:])
	if n == 0 || n > MaxFrameLen {
		return Frame{}, errors.Wrapf(ErrProtocol, "invalid frame length: %d", n)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Frame{}, errors.Wrap(ErrProtocol, "truncated frame")
		}
		return Frame{}, err
	}

	return Frame{Type: buf[0], Payload: buf[1:]}, nil
}

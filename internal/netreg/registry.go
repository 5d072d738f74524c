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

package netreg

import (
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
)

// Session owns one connected TCP socket. Sends from any goroutine are
// serialized by sendMu so that concurrent writers never interleave mid
// frame; the socket map lock is never held across I/O.
type Session struct {
	conn    net.Conn
	peerKey string

	sendMu sync.Mutex
	closed bool
}

func newSession(conn net.Conn, peerKey string) *Session {
	return &Session{conn: conn, peerKey: peerKey}
}

// PeerKey is "<ip>:<port>", the key this session is registered under.
func (s *Session) PeerKey() string { return s.peerKey }

// Send writes one frame, serialized against concurrent senders on this
// session. Returns ErrSessionClosed if Close has already been called.
func (s *Session) Send(typ byte, payload []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return WriteFrame(s.conn, typ, payload)
}

// Close closes the underlying socket and marks the session closed so that
// any later Send reports ErrSessionClosed instead of writing to a dead fd.
func (s *Session) Close() error {
	s.sendMu.Lock()
	s.closed = true
	s.sendMu.Unlock()
	return s.conn.Close()
}

// Registry is the exclusive owner of the peer-key -> Session map (C4's
// socket registry). The sync engine never touches a raw net.Conn; it only
// ever goes through a Session obtained from a Registry.
type Registry struct {
	sessions *xsync.MapOf[string, *Session]
}

func NewRegistry() *Registry {
	return &Registry{sessions: xsync.NewMapOf[string, *Session]()}
}

// Register records conn under peerKey and returns the Session wrapping
// it. If a session already exists under peerKey it is replaced (the old
// socket is left for its own receive loop to notice EOF and clean up).
func (r *Registry) Register(conn net.Conn, peerKey string) *Session {
	s := newSession(conn, peerKey)
	r.sessions.Store(peerKey, s)
	return s
}

// Get returns the session registered under peerKey, if any.
func (r *Registry) Get(peerKey string) (*Session, bool) {
	return r.sessions.Load(peerKey)
}

// Remove deletes peerKey from the registry. Called when a session's
// receive loop observes EOF or a framing error.
func (r *Registry) Remove(peerKey string) {
	r.sessions.Delete(peerKey)
}

// Has reports whether peerKey is already registered, without blocking on
// any I/O.
func (r *Registry) Has(peerKey string) bool {
	_, ok := r.sessions.Load(peerKey)
	return ok
}

// Snapshot returns every live session. As with state.Context.Snapshot,
// callers should iterate this slice rather than ranging the live map
// across I/O.
func (r *Registry) Snapshot() []*Session {
	out := make([]*Session, 0, r.sessions.Size())
	r.sessions.Range(func(_ string, s *Session) bool {
		out = append(out, s)
		return true
	})
	return out
}

// Broadcast sends the same frame to every registered session, continuing
// past individual send failures (a failed send will be discovered by that
// session's own receive loop).
func (r *Registry) Broadcast(typ byte, payload []byte) {
	for _, s := range r.Snapshot() {
		_ = s.Send(typ, payload)
	}
}

// ErrSessionClosed is returned by operations on a session whose
// underlying socket has already been closed.
var ErrSessionClosed = errors.New("netreg: session closed")

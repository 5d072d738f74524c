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

	"github.com/pkg/errors"

	"github.com/echo-sync/echo/internal/state"
)

// ErrNotReader is returned when DialPeer is asked to connect to a peer
// that isn't advertising the reader role, or has no usable TCP port.
var ErrNotReader = errors.New("netreg: peer is not a dialable reader")

// Dialer opens outbound connections to reader peers (the writer side of
// the protocol).
type Dialer struct {
	registry  *Registry
	handler   Handler
	onConnect OnConnect
}

func NewDialer(registry *Registry, handler Handler, onConnect OnConnect) *Dialer {
	return &Dialer{registry: registry, handler: handler, onConnect: onConnect}
}

// DialPeer connects to p if it is a reader with a known TCP port, unless
// already connected. On success the new session is registered, onConnect
// fires, and a receive loop is spawned.
func (d *Dialer) DialPeer(p state.Peer) (*Session, error) {
	if p.Role != state.RoleReader || p.TCPPort == 0 {
		return nil, ErrNotReader
	}
	peerKey := PeerKeyFor(p)
	if s, ok := d.registry.Get(peerKey); ok {
		return s, nil
	}

	conn, err := net.Dial("tcp", peerKey)
	if err != nil {
		return nil, errors.Wrapf(err, "netreg: dial %s", peerKey)
	}

	session := d.registry.Register(conn, peerKey)
	if d.onConnect != nil {
		d.onConnect(session)
	}
	go runReceiveLoop(d.registry, d.handler, session)
	return session, nil
}

// ConnectAllReaders dials every known reader peer not already connected,
// continuing past individual dial failures.
func (d *Dialer) ConnectAllReaders(ctx *state.Context) {
	for _, p := range ctx.Readers() {
		_, _ = d.DialPeer(p)
	}
}


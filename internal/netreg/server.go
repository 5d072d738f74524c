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
	"context"
	"fmt"
	"net"

	"github.com/pkg/errors"

	"github.com/echo-sync/echo/internal/state"
)

// Handler processes one decoded frame arriving on session. It is invoked
// from that session's single receive goroutine, so frames from one
// session are always delivered in arrival order.
type Handler func(session *Session, frame Frame)

// OnConnect is invoked once, right after a new session is registered and
// before its receive loop starts — the hook the sync engine uses to push
// OPEN_NOTEPAD + the current FILE_DESC to a freshly dialed reader.
type OnConnect func(session *Session)

// Server accepts inbound TCP connections (the reader side of the
// protocol) and feeds every frame to Handler.
type Server struct {
	registry  *Registry
	handler   Handler
	onConnect OnConnect
}

func NewServer(registry *Registry, handler Handler, onConnect OnConnect) *Server {
	return &Server{registry: registry, handler: handler, onConnect: onConnect}
}

// Serve listens on addr and accepts connections until stopCtx is
// canceled.
func (s *Server) Serve(stopCtx context.Context, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(stopCtx, "tcp", addr)
	if err != nil {
		return errors.Wrap(err, "netreg: listen")
	}
	go func() {
		<-stopCtx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-stopCtx.Done():
				return nil
			default:
				return errors.Wrap(err, "netreg: accept")
			}
		}
		peerKey := conn.RemoteAddr().String()
		session := s.registry.Register(conn, peerKey)
		if s.onConnect != nil {
			s.onConnect(session)
		}
		go runReceiveLoop(s.registry, s.handler, session)
	}
}

// runReceiveLoop is the one-receive-goroutine-per-session loop shared by
// Server and Dialer: read frames until EOF or a framing error, then
// deregister and close. Frames on a single session are always handled in
// arrival order because this loop is the only reader of session.conn.
func runReceiveLoop(registry *Registry, handler Handler, session *Session) {
	defer func() {
		registry.Remove(session.PeerKey())
		session.Close()
	}()
	for {
		frame, err := ReadFrame(session.conn)
		if err != nil {
			return // EOF, framing error, or socket error all end the session
		}
		handler(session, frame)
	}
}

// PeerKeyFor returns the "<ip>:<port>" registry key for a peer.
func PeerKeyFor(p state.Peer) string {
	return fmt.Sprintf("%s:%d", p.IP.String(), p.TCPPort)
}

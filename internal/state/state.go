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

// Package state holds the process-wide identity and peer table shared by
// discovery, the connection registry, and the sync engine. It replaces the
// free-standing globals (peers, selfUsername, selfRole) of the original
// design with a single context object passed to each component at
// construction.
package state

import (
	"net"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Role is a peer's position in the sync protocol.
type Role int

const (
	RoleReader Role = iota
	RoleWriter
)

func (r Role) String() string {
	if r == RoleWriter {
		return "W"
	}
	return "R"
}

func ParseRole(s string) (Role, bool) {
	switch s {
	case "W":
		return RoleWriter, true
	case "R":
		return RoleReader, true
	default:
		return 0, false
	}
}

// Peer is a discovered participant on the LAN. Created on first discovery
// packet from a username, mutated on subsequent packets; never deleted.
type Peer struct {
	Username string
	IP       net.IP
	Role     Role
	TCPPort  uint16
	LastSeen time.Time
}

func (p Peer) Addr() string {
	return net.JoinHostPort(p.IP.String(), itoa(p.TCPPort))
}

func itoa(v uint16) string {
	if v == 0 {
		return "0"
	}
	buf := [5]byte{}
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Self identifies this process on the network.
type Self struct {
	Username string
	Role     Role
	TCPPort  uint16
}

// Context is the process-wide shared state: this process's identity and the
// table of peers discovered so far. It owns no sockets and no metadata —
// those remain the exclusive property of the connection registry and the
// metadata store, respectively.
type Context struct {
	Self  Self
	peers *xsync.MapOf[string, Peer]
}

func New(self Self) *Context {
	return &Context{
		Self:  self,
		peers: xsync.NewMapOf[string, Peer](),
	}
}

// Upsert inserts or updates a peer entry. Last-seen-wins: a later packet
// from the same username replaces the earlier entry in full.
func (c *Context) Upsert(p Peer) {
	p.LastSeen = time.Now()
	c.peers.Store(p.Username, p)
}

// Get returns the peer entry for username, if known.
func (c *Context) Get(username string) (Peer, bool) {
	return c.peers.Load(username)
}

// Snapshot returns a point-in-time copy of all known peers. Callers should
// use this rather than ranging the live map across I/O, so that a slow
// consumer never holds the table locked against writers.
func (c *Context) Snapshot() []Peer {
	out := make([]Peer, 0, c.peers.Size())
	c.peers.Range(func(_ string, p Peer) bool {
		out = append(out, p)
		return true
	})
	return out
}

// Readers returns a snapshot of all known peers in the reader role.
func (c *Context) Readers() []Peer {
	all := c.Snapshot()
	out := all[:0]
	for _, p := range all {
		if p.Role == RoleReader {
			out = append(out, p)
		}
	}
	return out
}

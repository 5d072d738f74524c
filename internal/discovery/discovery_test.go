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

package discovery

import (
	"net"
	"testing"

	"github.com/echo-sync/echo/internal/state"
)

func newTestDiscovery() *Discovery {
	ctx := state.New(state.Self{Username: "alice", Role: state.RoleWriter, TCPPort: 41000})
	return New(ctx, 0)
}

func TestHandlePacketUpsertsPeer(t *testing.T) {
	d := newTestDiscovery()
	d.handlePacket([]byte("bob|R|42000"), net.ParseIP("192.168.1.5"))

	p, ok := d.ctx.Get("bob")
	if !ok {
		t.Fatal("expected peer bob to be present")
	}
	if p.Role != state.RoleReader || p.TCPPort != 42000 || !p.IP.Equal(net.ParseIP("192.168.1.5")) {
		t.Fatalf("unexpected peer: %+v", p)
	}
}

func TestHandlePacketIgnoresSelf(t *testing.T) {
	d := newTestDiscovery()
	d.handlePacket([]byte("alice|W|41000"), net.ParseIP("192.168.1.5"))
	if _, ok := d.ctx.Get("alice"); ok {
		t.Fatal("expected self packet to be dropped")
	}
}

func TestHandlePacketDropsMalformed(t *testing.T) {
	d := newTestDiscovery()
	cases := []string{
		"",
		"nofieldseparator",
		"bob|X|42000",    // unknown role
		"bob|R|notaport", // bad port
		"|R|42000",       // empty username
	}
	for _, c := range cases {
		d.handlePacket([]byte(c), net.ParseIP("10.0.0.1"))
	}
	if len(d.ctx.Snapshot()) != 0 {
		t.Fatalf("expected no peers from malformed packets, got %v", d.ctx.Snapshot())
	}
}

func TestHandlePacketLastSeenWins(t *testing.T) {
	d := newTestDiscovery()
	d.handlePacket([]byte("bob|R|42000"), net.ParseIP("192.168.1.5"))
	d.handlePacket([]byte("bob|W|43000"), net.ParseIP("192.168.1.6"))

	p, ok := d.ctx.Get("bob")
	if !ok {
		t.Fatal("expected peer bob to be present")
	}
	if p.Role != state.RoleWriter || p.TCPPort != 43000 || !p.IP.Equal(net.ParseIP("192.168.1.6")) {
		t.Fatalf("expected latest packet to win, got %+v", p)
	}
}

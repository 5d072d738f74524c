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

// Package discovery implements C3: periodic UDP broadcast of this
// process's identity, and a listener that upserts the shared peer table
// from packets received from other peers.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/echo-sync/echo/internal/state"
)

// DefaultPort is the UDP port used for discovery unless overridden by
// ECHO_DISCOVERY_PORT.
const DefaultPort = 45000

// BroadcastInterval is how often this process announces itself.
const BroadcastInterval = 3 * time.Second

// Discovery drives the broadcaster and listener loops against a shared
// process context.
type Discovery struct {
	ctx  *state.Context
	port int
}

func New(ctx *state.Context, port int) *Discovery {
	if port <= 0 {
		port = DefaultPort
	}
	return &Discovery{ctx: ctx, port: port}
}

// Run starts the broadcaster and listener and blocks until stopCtx is
// canceled. Both loops drain within one broadcast interval of
// cancellation, per spec.md §5.
func (d *Discovery) Run(stopCtx context.Context) error {
	errCh := make(chan error, 2)
	go func() { errCh <- d.broadcastLoop(stopCtx) }()
	go func() { errCh <- d.listenLoop(stopCtx) }()

	<-stopCtx.Done()
	<-errCh
	<-errCh
	return nil
}

func (d *Discovery) broadcastLoop(stopCtx context.Context) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return err
	}
	defer conn.Close()

	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: d.port}
	ticker := time.NewTicker(BroadcastInterval)
	defer ticker.Stop()

	for {
		msg := fmt.Sprintf("%s|%s|%d", d.ctx.Self.Username, d.ctx.Self.Role, d.ctx.Self.TCPPort)
		_, _ = conn.WriteToUDP([]byte(msg), dst)

		select {
		case <-stopCtx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (d *Discovery) listenLoop(stopCtx context.Context) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: d.port})
	if err != nil {
		return err
	}
	defer conn.Close()

	go func() {
		<-stopCtx.Done()
		conn.Close()
	}()

	buf := make([]byte, 1024)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-stopCtx.Done():
				return nil
			default:
				return err
			}
		}
		d.handlePacket(buf[:n], addr.IP)
	}
}

// handlePacket parses "username|R|tcp_port" or "username|W|tcp_port" and
// upserts the peer table. Malformed packets, and packets from ourselves,
// are silently dropped.
func (d *Discovery) handlePacket(data []byte, from net.IP) {
	fields := strings.SplitN(string(data), "|", 3)
	if len(fields) != 3 {
		return
	}
	username, roleStr, portStr := fields[0], fields[1], fields[2]
	if username == "" || username == d.ctx.Self.Username {
		return
	}
	role, ok := state.ParseRole(roleStr)
	if !ok {
		return
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return
	}

	d.ctx.Upsert(state.Peer{
		Username: username,
		IP:       from,
		Role:     role,
		TCPPort:  uint16(port),
	})
}

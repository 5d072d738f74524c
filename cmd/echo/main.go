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

package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/echo-sync/echo/internal/config"
	"github.com/echo-sync/echo/internal/discovery"
	"github.com/echo-sync/echo/internal/editor"
	"github.com/echo-sync/echo/internal/logging"
	"github.com/echo-sync/echo/internal/netreg"
	"github.com/echo-sync/echo/internal/state"
	"github.com/echo-sync/echo/internal/store"
	"github.com/echo-sync/echo/internal/sync"
	"github.com/echo-sync/echo/internal/watch"
)

// VERSION is injected by buildflags
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	app := cli.NewApp()
	app.Name = "echo"
	app.Usage = "peer-to-peer LAN notepad sync"
	app.Version = VERSION
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "username", Usage: "this peer's advertised name", EnvVar: "ECHO_USERNAME"},
		cli.StringFlag{Name: "role", Value: "reader", Usage: "reader or writer", EnvVar: "ECHO_ROLE"},
		cli.StringFlag{Name: "store-dir", Value: ".echo-sync", Usage: "directory holding wal.log and snapshot.txt"},
		cli.StringFlag{Name: "watch", Usage: "file to watch and auto-commit (writer role only)"},
		cli.IntFlag{Name: "discovery-port", Value: config.DefaultDiscoveryPort, Usage: "UDP broadcast port", EnvVar: "ECHO_DISCOVERY_PORT"},
		cli.IntFlag{Name: "tcp-port", Usage: "TCP listen port (reader role) or 0 for random", EnvVar: "ECHO_TCP_PORT"},
		cli.IntFlag{Name: "chunk-size", Value: config.DefaultChunkSize, Usage: "fixed chunk size in bytes"},
		cli.IntFlag{Name: "debounce-ms", Value: config.DefaultDebounceMS, Usage: "watcher debounce interval"},
		cli.StringFlag{Name: "log", Usage: "log file, default goes to stderr"},
		cli.BoolFlag{Name: "no-verify", Usage: "disable per-chunk hash verification on receive"},
		cli.StringFlag{Name: "c", Usage: "config from json file, overrides flags"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	cfg := config.Default()
	cfg.Username = c.String("username")
	cfg.Role = c.String("role")
	cfg.StoreDir = c.String("store-dir")
	cfg.WatchDir = c.String("watch")
	cfg.DiscoveryPort = c.Int("discovery-port")
	if p := c.Int("tcp-port"); p != 0 {
		cfg.TCPPort = p
	}
	cfg.ChunkSize = c.Int("chunk-size")
	cfg.DebounceMS = c.Int("debounce-ms")
	cfg.LogFile = c.String("log")
	cfg.Verify = !c.Bool("no-verify")

	if path := c.String("c"); path != "" {
		if err := config.LoadJSONFile(&cfg, path); err != nil {
			return err
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	closer, err := logging.Setup(cfg.LogFile, VERSION == "SELFBUILD")
	if err != nil {
		return err
	}
	defer closer.Close()

	log.Println("version:", VERSION)
	log.Println("username:", cfg.Username, "role:", cfg.Role)

	st, err := store.Open(cfg.StoreDir)
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	defer st.Close()
	if err := st.Load(); err != nil {
		return errors.Wrap(err, "load store")
	}

	role := state.RoleReader
	if cfg.Role == "writer" {
		role = state.RoleWriter
	}
	self := state.Self{Username: cfg.Username, Role: role, TCPPort: uint16(cfg.TCPPort)}
	peers := state.New(self)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	disc := discovery.New(peers, cfg.DiscoveryPort)
	go func() {
		if err := disc.Run(ctx); err != nil {
			log.Println("discovery:", err)
		}
	}()

	registry := netreg.NewRegistry()
	var opts []sync.Option
	opts = append(opts, sync.WithChunkVerification(cfg.Verify))

	switch role {
	case state.RoleWriter:
		w, dialer, err := runWriter(ctx, cfg, peers, registry, st, opts)
		if err != nil {
			return err
		}
		replWriter(ctx, cancel, cfg, peers, dialer, w)
	case state.RoleReader:
		if err := runReader(ctx, cfg, peers, registry, st, opts); err != nil {
			return err
		}
		replReader(ctx, cancel, peers)
	}

	return nil
}

func runWriter(ctx context.Context, cfg config.Config, peers *state.Context, registry *netreg.Registry, st *store.Store, opts []sync.Option) (*sync.Writer, *netreg.Dialer, error) {
	w := sync.NewWriter(st, registry, uint32(cfg.ChunkSize))
	dialer := netreg.NewDialer(registry, w.HandleFrame, w.OnConnect)

	go func() {
		ticker := time.NewTicker(discovery.BroadcastInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				dialer.ConnectAllReaders(peers)
			}
		}
	}()

	if cfg.WatchDir != "" {
		if err := openNotepad(ctx, cfg.WatchDir, cfg.DebounceMS, w); err != nil {
			return nil, nil, errors.Wrap(err, "start watcher")
		}
	}

	logging.Status("writer ready: %s", cfg.Username)
	return w, dialer, nil
}

// openNotepad starts a debounced watcher over path's directory and opens it
// as the current notepad, broadcasting OPEN_NOTEPAD + FILE_DESC to every
// connected reader. Each call starts a new watcher that runs until ctx is
// cancelled; watchers from earlier calls are not stopped, so re-opening a
// path adds a watcher rather than replacing the existing one.
func openNotepad(ctx context.Context, path string, debounceMS int, w *sync.Writer) error {
	dir := filepath.Dir(path)
	watcher, err := watch.New(dir, time.Duration(debounceMS)*time.Millisecond)
	if err != nil {
		return err
	}
	watcher.OnStable = func(p string) {
		if p != path {
			return
		}
		if err := w.Commit(p); err != nil {
			logging.Error("commit %s: %v", p, err)
		}
	}
	go func() {
		if err := watcher.Run(ctx); err != nil {
			log.Println("watcher:", err)
		}
	}()
	return w.OpenNotepad(path)
}

func runReader(ctx context.Context, cfg config.Config, peers *state.Context, registry *netreg.Registry, st *store.Store, opts []sync.Option) error {
	r := sync.NewReader(st, opts...)
	ed := editor.New()
	r.OnNotepadOpen = func(path string) {
		if err := ed.OnOpenNotepad(path); err != nil {
			logging.Error("open notepad %s: %v", path, err)
			return
		}
		logging.Status("notepad now following: %s", path)
	}

	server := netreg.NewServer(registry, r.HandleFrame, nil)
	addr := fmt.Sprintf(":%d", cfg.TCPPort)
	go func() {
		if err := server.Serve(ctx, addr); err != nil && ctx.Err() == nil {
			log.Println("server:", err)
		}
	}()

	logging.Status("reader ready: %s, listening on %s", cfg.Username, addr)
	return nil
}

// replWriter runs the writer-side interactive command loop: list peers,
// dial a reader by name, open a notepad (default notepad.txt), or quit.
// "notepad" does not block the loop itself — the watcher it starts runs on
// its own goroutine — but the process as a whole still blocks until quit,
// matching spec.md §6's "blocks until /quit" contract.
func replWriter(ctx context.Context, cancel context.CancelFunc, cfg config.Config, peers *state.Context, dialer *netreg.Dialer, w *sync.Writer) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("echo-sync ready. commands: list, connect <username>, notepad [name], quit")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "list":
			printPeers(peers)
		case "connect":
			if len(fields) < 2 {
				fmt.Println("usage: connect <username>")
				continue
			}
			p, ok := peers.Get(fields[1])
			if !ok {
				fmt.Println("unknown peer:", fields[1])
				continue
			}
			if _, err := dialer.DialPeer(p); err != nil {
				fmt.Println("connect failed:", err)
				continue
			}
			fmt.Printf("connected to %s at %s\n", p.Username, p.Addr())
		case "notepad":
			name := "notepad.txt"
			if len(fields) >= 2 {
				name = fields[1]
			}
			if err := openNotepad(ctx, name, cfg.DebounceMS, w); err != nil {
				fmt.Println("notepad failed:", err)
				continue
			}
			fmt.Println("notepad open:", name)
		case "quit", "exit":
			cancel()
			return
		default:
			fmt.Println("unknown command:", fields[0])
		}
	}
}

// replReader runs the reader-side interactive command loop: list peers or
// quit. Readers never initiate a dial (spec.md §4.4 — only writers dial).
func replReader(ctx context.Context, cancel context.CancelFunc, peers *state.Context) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("echo-sync ready. commands: list, quit")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "list":
			printPeers(peers)
		case "quit", "exit":
			cancel()
			return
		default:
			fmt.Println("unknown command:", fields[0])
		}
	}
}

func printPeers(peers *state.Context) {
	for _, p := range peers.Snapshot() {
		fmt.Printf("  %-16s %-8s %s\n", p.Username, p.Role, p.Addr())
	}
}

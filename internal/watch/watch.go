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

// Package watch implements the debounced file-change watcher that drives
// a writer's commit sequence without requiring an open notepad session.
package watch

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// DefaultDebounce matches the interval the original watcher used to
// decide a file has stopped changing.
const DefaultDebounce = 100 * time.Millisecond

// Watcher watches one directory (non-recursively) and calls OnStable once
// per path, debounce after that path's last write event, coalescing any
// burst of intermediate saves into a single callback.
type Watcher struct {
	dir      string
	debounce time.Duration
	fsw      *fsnotify.Watcher

	mu      sync.Mutex
	lastEvt map[string]time.Time

	// OnStable is invoked once a watched path has been quiet for the
	// debounce interval. It runs on the watcher's own goroutine.
	OnStable func(path string)
}

// New creates a Watcher over dir. debounce of zero uses DefaultDebounce.
func New(dir string, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "watch: new fsnotify watcher")
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, errors.Wrapf(err, "watch: add %s", dir)
	}
	return &Watcher{dir: dir, debounce: debounce, fsw: fsw, lastEvt: make(map[string]time.Time)}, nil
}

// Run blocks, dispatching events and debounce flushes until ctx is
// cancelled, at which point the underlying fsnotify watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			if err != nil {
				return errors.Wrap(err, "watch: fsnotify error")
			}
		case <-ticker.C:
			w.flushStable()
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}
	w.mu.Lock()
	w.lastEvt[ev.Name] = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) flushStable() {
	now := time.Now()
	var due []string

	w.mu.Lock()
	for path, t := range w.lastEvt {
		if now.Sub(t) >= w.debounce {
			due = append(due, path)
			delete(w.lastEvt, path)
		}
	}
	w.mu.Unlock()

	if w.OnStable == nil {
		return
	}
	for _, path := range due {
		w.OnStable(path)
	}
}

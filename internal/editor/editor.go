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

// Package editor provides a minimal file-backed implementation of the
// notepad viewer/editor contract: open a path, read its current text,
// write new text back to disk.
package editor

import (
	"os"

	"github.com/pkg/errors"
)

// Editor is a trivial local stand-in for an interactive text editor: it
// just reads and writes a single path on disk, leaving any real display
// to whatever calls it.
type Editor struct {
	current string
	ok      bool
}

func New() *Editor {
	return &Editor{}
}

// OnOpenNotepad records path as the one currently being viewed/edited,
// creating it (empty) if it does not yet exist.
func (e *Editor) OnOpenNotepad(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			return errors.Wrapf(err, "editor: create %s", path)
		}
	}
	e.current = path
	e.ok = true
	return nil
}

// CurrentPath returns the path currently open, if any.
func (e *Editor) CurrentPath() (string, bool) {
	return e.current, e.ok
}

// ReadCurrentText returns the full contents of the currently open path.
func (e *Editor) ReadCurrentText() (string, error) {
	if !e.ok {
		return "", errors.New("editor: no notepad open")
	}
	b, err := os.ReadFile(e.current)
	if err != nil {
		return "", errors.Wrapf(err, "editor: read %s", e.current)
	}
	return string(b), nil
}

// WriteCurrentText overwrites the currently open path with text.
func (e *Editor) WriteCurrentText(text string) error {
	if !e.ok {
		return errors.New("editor: no notepad open")
	}
	if err := os.WriteFile(e.current, []byte(text), 0o644); err != nil {
		return errors.Wrapf(err, "editor: write %s", e.current)
	}
	return nil
}

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

package editor

import (
	"path/filepath"
	"testing"
)

func TestOnOpenNotepadCreatesMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notepad.txt")
	e := New()
	if err := e.OnOpenNotepad(path); err != nil {
		t.Fatal(err)
	}
	got, err := e.ReadCurrentText()
	if err != nil {
		t.Fatal(err)
	}
	if got != "" {
		t.Fatalf("expected empty file, got %q", got)
	}
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notepad.txt")
	e := New()
	if err := e.OnOpenNotepad(path); err != nil {
		t.Fatal(err)
	}
	if err := e.WriteCurrentText("hello there"); err != nil {
		t.Fatal(err)
	}
	got, err := e.ReadCurrentText()
	if err != nil {
		t.Fatal(err)
	}
	if got != "hello there" {
		t.Fatalf("got %q", got)
	}
}

func TestReadBeforeOpenFails(t *testing.T) {
	e := New()
	if _, err := e.ReadCurrentText(); err == nil {
		t.Fatal("expected an error reading before any notepad is open")
	}
	if err := e.WriteCurrentText("x"); err == nil {
		t.Fatal("expected an error writing before any notepad is open")
	}
}

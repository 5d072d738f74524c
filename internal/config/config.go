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

// Package config resolves a run's settings from, in increasing priority,
// built-in defaults, CLI flags (which urfave/cli has already folded
// environment variables into), and an optional JSON config file.
package config

import (
	"encoding/json"
	"math/rand"
	"os"

	"github.com/pkg/errors"
)

// TCPPortRangeMin/Max bound the randomly-chosen TCP listen port used when
// none is specified.
const (
	DefaultDiscoveryPort = 45000
	TCPPortRangeMin      = 40000
	TCPPortRangeMax      = 49999
	DefaultChunkSize     = 4096
	DefaultDebounceMS    = 100
)

// Config holds one run's settings.
type Config struct {
	Username      string `json:"username"`
	Role          string `json:"role"` // "reader" or "writer"
	StoreDir      string `json:"store_dir"`
	WatchDir      string `json:"watch_dir"`
	DiscoveryPort int    `json:"discovery_port"`
	TCPPort       int    `json:"tcp_port"`
	ChunkSize     int    `json:"chunk_size"`
	DebounceMS    int    `json:"debounce_ms"`
	LogFile       string `json:"log"`
	Verify        bool   `json:"verify"`
}

// Default returns a Config with every field set to its built-in default,
// including a randomly chosen TCP port (the teacher's client likewise
// leaves most knobs to defaults unless a flag or config file says
// otherwise).
func Default() Config {
	return Config{
		Role:          "reader",
		StoreDir:      ".echo-sync",
		DiscoveryPort: DefaultDiscoveryPort,
		TCPPort:       randomTCPPort(),
		ChunkSize:     DefaultChunkSize,
		DebounceMS:    DefaultDebounceMS,
		Verify:        true,
	}
}

func randomTCPPort() int {
	return TCPPortRangeMin + rand.Intn(TCPPortRangeMax-TCPPortRangeMin+1)
}

// LoadJSONFile merges the JSON config file at path into cfg, overwriting
// only the fields present in the file's JSON object.
func LoadJSONFile(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "config: open")
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(cfg); err != nil {
		return errors.Wrap(err, "config: decode")
	}
	return nil
}

// Validate checks that cfg is usable as-is.
func (c Config) Validate() error {
	if c.Username == "" {
		return errors.New("config: username is required")
	}
	if c.Role != "reader" && c.Role != "writer" {
		return errors.Errorf("config: invalid role %q", c.Role)
	}
	if c.ChunkSize <= 0 {
		return errors.New("config: chunk_size must be positive")
	}
	return nil
}

// Copyright 2024 the TeXpresso Go Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ioprovider translates a typesetting engine's named-file
// open/read/write/seek/close operations into TeXpresso protocol requests.
//
// All handles created by one IO share a single State, and through it a
// single Client and channel. The State's mutex both serializes access and
// runs invariant checks; holding it across a client call is what stands in
// for the reference design's non-reentrant interior borrow.
package ioprovider

import (
	"fmt"
	"os"

	"github.com/jacobsa/syncutil"
	"github.com/merv1n34k/texpresso"
	"github.com/merv1n34k/texpresso/internal/fileid"
)

// exitProcess is a hook so tests can observe the parent-abort path.
var exitProcess = os.Exit

// Config carries optional knobs for New.
type Config struct {
	// DropConnections runs right before the process forks. Hosts that keep
	// pooled network state (HTTP clients, resolvers) must drop it here: the
	// pools would otherwise be shared byte-for-byte with the child.
	DropConnections func()
}

// State owns the protocol client plus the bookkeeping shared by every
// handle: file-id allocation and the last-declined-open latch.
type State struct {
	mu syncutil.InvariantMutex

	client *texpresso.Client
	ids    fileid.Allocator

	// The last name the supervisor declined to open, or "". Re-opening the
	// same name is answered NotAvailable without a wire round trip; any
	// successful open clears the latch.
	lastPassedOpen string

	dropConnections func()
}

// NewState wraps a connected client.
func NewState(client *texpresso.Client, cfg *Config) *State {
	if cfg == nil {
		cfg = &Config{}
	}

	s := &State{
		client:          client,
		dropConnections: cfg.DropConnections,
	}
	s.mu = syncutil.NewInvariantMutex(s.checkInvariants)
	return s
}

func (s *State) checkInvariants() {
	if s.client == nil {
		panic("ioprovider: no client")
	}
	s.ids.CheckInvariants()
}

// forkAndResume drives the speculative-fork handshake after a READ came
// back as FORK. On return the caller retries its read; the generation has
// been bumped in whichever branch is still running.
//
// LOCKS_REQUIRED(s.mu)
func (s *State) forkAndResume() {
	c := s.client

	c.Flush()
	c.BumpGeneration()
	if s.dropConnections != nil {
		s.dropConnections()
	}

	child := c.Fork()
	if child == 0 {
		c.Child(os.Getpid())
		return
	}

	pid, status := c.Wait()
	if pid != child {
		panic(fmt.Sprintf("ioprovider: fork: waited for pid %d, got %d", child, pid))
	}

	if !c.Back(os.Getpid(), child, status) {
		// The supervisor discarded the parent branch.
		exitProcess(1)
	}
}

// IO is the engine-facing provider: a shared State plus the configured
// primary input name. It is cheap to copy; copies share the State.
type IO struct {
	state   *State
	primary string
}

// New creates a provider over a connected client. primary names the
// designated top-level source file.
func New(client *texpresso.Client, primary string, cfg *Config) *IO {
	return &IO{
		state:   NewState(client, cfg),
		primary: primary,
	}
}

// NewFromEnv builds a provider from the TEXPRESSO_FD descriptor. It returns
// (nil, nil) when the variable is absent and the host should fall back to
// filesystem IO.
func NewFromEnv(primary string, clientCfg *texpresso.ClientConfig, cfg *Config) (*IO, error) {
	client, err := texpresso.ClientFromEnv(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("ClientFromEnv: %v", err)
	}
	if client == nil {
		return nil, nil
	}
	return New(client, primary, cfg), nil
}

// Stdout returns a handle for the supervisor-routed standard output stream.
func (io *IO) Stdout() *Stdout {
	return &Stdout{state: io.state}
}

// Gpic looks up a cached picture bounding box.
func (io *IO) Gpic(path string, typ int32, page int32) ([4]float32, bool) {
	s := io.state
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client.Gpic(path, typ, page)
}

// Spic stores a picture bounding box.
func (io *IO) Spic(path string, typ int32, page int32, bounds [4]float32) {
	s := io.state
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client.Spic(path, typ, page, bounds)
}

// Accs asks the supervisor whether path is accessible with the given mode.
func (io *IO) Accs(path string, mode texpresso.AccessMode) texpresso.AccessResult {
	s := io.state
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client.Accs(path, mode)
}

// Stat fetches path metadata from the supervisor.
func (io *IO) Stat(path string) (texpresso.FileStat, texpresso.AccessResult) {
	s := io.state
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client.Stat(path)
}

// OutputOpenName opens the named file for output. The error is
// texpresso.ErrNotAvailable when the supervisor declines.
func (io *IO) OutputOpenName(name string) (*Writer, error) {
	s := io.state
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.ids.Allocate()
	path, ok := s.client.Open(texpresso.FileId(id), name, "w")
	if !ok {
		s.ids.Release(id)
		return nil, texpresso.ErrNotAvailable
	}
	s.lastPassedOpen = ""

	return &Writer{state: s, id: texpresso.FileId(id), name: path}, nil
}

// OutputOpenStdout always declines: status reporting goes through the
// dedicated Stdout handle instead.
func (io *IO) OutputOpenStdout() (*Writer, error) {
	return nil, texpresso.ErrNotAvailable
}

// InputOpenName opens the named file for input. The returned reader carries
// the canonical path chosen by the supervisor.
func (io *IO) InputOpenName(name string) (*Reader, error) {
	s := io.state
	s.mu.Lock()
	defer s.mu.Unlock()

	if name == s.lastPassedOpen {
		return nil, texpresso.ErrNotAvailable
	}

	id := s.ids.Allocate()
	path, ok := s.client.Open(texpresso.FileId(id), name, "r?")
	if !ok {
		s.lastPassedOpen = name
		s.ids.Release(id)
		return nil, texpresso.ErrNotAvailable
	}
	s.lastPassedOpen = ""

	return &Reader{
		state:      s,
		id:         texpresso.FileId(id),
		name:       path,
		generation: s.client.Generation(),
	}, nil
}

// InputOpenNameWithAbspath is InputOpenName returning the requested name as
// the absolute-path hint.
func (io *IO) InputOpenNameWithAbspath(name string) (*Reader, string, error) {
	r, err := io.InputOpenName(name)
	if err != nil {
		return nil, "", err
	}
	return r, name, nil
}

// InputOpenFormat always declines: the supervisor does not serve format
// files. Hosts route format lookups through a bundle instead.
func (io *IO) InputOpenFormat(name string) (*Reader, error) {
	return nil, texpresso.ErrNotAvailable
}

// InputOpenPrimary opens the configured primary input.
func (io *IO) InputOpenPrimary() (*Reader, error) {
	return io.InputOpenName(io.primary)
}

// InputOpenPrimaryWithAbspath is InputOpenPrimary returning the primary
// name as the absolute-path hint.
func (io *IO) InputOpenPrimaryWithAbspath() (*Reader, string, error) {
	r, err := io.InputOpenPrimary()
	if err != nil {
		return nil, "", err
	}
	return r, io.primary, nil
}

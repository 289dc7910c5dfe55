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

package ioprovider

import (
	"github.com/merv1n34k/texpresso"
)

// Writer is an append-at-position output handle over one supervisor-side
// file. Buffering and coalescing live in the Client; pos is the offset just
// past everything written so far, bytes still pending in the Client
// included.
type Writer struct {
	state *State
	id    texpresso.FileId
	name  string
	pos   int64
}

// Name returns the canonical path reported by the supervisor at open time.
func (w *Writer) Name() string {
	return w.name
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	s := w.state
	s.mu.Lock()
	defer s.mu.Unlock()

	s.client.Write(w.id, uint32(w.pos), p)
	w.pos += int64(len(p))
	return len(p), nil
}

// Flush forces buffered writes onto the wire.
func (w *Writer) Flush() error {
	s := w.state
	s.mu.Lock()
	defer s.mu.Unlock()

	s.client.Flush()
	return nil
}

// Close flushes buffered writes, releases the supervisor-side file, and
// frees its id for reuse.
func (w *Writer) Close() error {
	s := w.state
	s.mu.Lock()
	defer s.mu.Unlock()

	s.client.Close(w.id)
	s.ids.Release(int32(w.id))
	return nil
}

// Stdout addresses the supervisor's implicit standard output stream. It is
// clone-capable: copies share the provider state, and because every
// emission path funnels through the same Client, stdout writes interleave
// safely with ordinary writer flushes.
type Stdout struct {
	state *State
}

// Write implements io.Writer. Position is ignored by the supervisor for
// the stdout stream.
func (o *Stdout) Write(p []byte) (int, error) {
	s := o.state
	s.mu.Lock()
	defer s.mu.Unlock()

	s.client.Write(texpresso.Stdout, 0, p)
	return len(p), nil
}

// Flush forces buffered writes onto the wire.
func (o *Stdout) Flush() error {
	s := o.state
	s.mu.Lock()
	defer s.mu.Unlock()

	s.client.Flush()
	return nil
}

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
	"fmt"
	"io"

	"github.com/merv1n34k/texpresso"
)

// readBufSize is the reader's local buffer. Small on purpose: SEEN
// notifications track what the engine actually consumed, and a large
// read-ahead would inflate the high-water mark.
const readBufSize = 1024

// Reader is a sequential-access input handle over one supervisor-side
// file.
//
// Invariant: absPos+bufPos is the logical byte offset delivered to the
// engine so far. Whenever the observed generation falls behind the
// client's, the buffer contents are untrusted and the next read refills
// from the wire at that same logical offset.
type Reader struct {
	state *State
	id    texpresso.FileId
	name  string

	absPos int64
	buf    [readBufSize]byte
	bufPos int
	bufLen int

	size      int64
	sizeKnown bool

	generation uint64
}

// Name returns the canonical path reported by the supervisor at open time.
func (r *Reader) Name() string {
	return r.name
}

// Read implements io.Reader. It is the only suspension point at which the
// process may fork: when the supervisor answers a READ with FORK, the fork
// handshake runs here and the read is retried in whichever branch resumes.
func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	s := r.state
	s.mu.Lock()
	defer s.mu.Unlock()

	if g := s.client.Generation(); g != r.generation {
		// Cached bytes may be stale. Rebind the buffer start to the logical
		// position and refill below.
		r.absPos += int64(r.bufPos)
		r.bufPos = 0
		r.bufLen = 0
		r.generation = g
	}

	if r.bufPos == r.bufLen {
		absPos := r.absPos + int64(r.bufPos)
		for {
			size, ok := s.client.Read(r.id, uint32(absPos), r.buf[:])
			if ok {
				r.absPos = absPos
				r.bufPos = 0
				r.bufLen = size
				break
			}

			s.forkAndResume()
			r.generation = s.client.Generation()
		}
	}

	if r.bufLen == 0 {
		return 0, io.EOF
	}

	n := copy(p, r.buf[r.bufPos:r.bufLen])
	r.bufPos += n
	s.client.Seen(r.id, uint32(r.absPos+int64(r.bufPos)))
	return n, nil
}

// Size returns the file size, fetching it from the supervisor once and
// memoizing.
func (r *Reader) Size() (int64, error) {
	s := r.state
	s.mu.Lock()
	defer s.mu.Unlock()
	return r.sizeLocked(), nil
}

// LOCKS_REQUIRED(r.state.mu)
func (r *Reader) sizeLocked() int64 {
	if !r.sizeKnown {
		r.size = int64(r.state.client.Size(r.id))
		r.sizeKnown = true
	}
	return r.size
}

// Seek implements io.Seeker. Targets outside [0, size] are reported as
// errors, never panics; the engine treats them as ordinary failures.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	s := r.state
	s.mu.Lock()
	defer s.mu.Unlock()

	size := r.sizeLocked()

	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = r.absPos + int64(r.bufPos) + offset
	case io.SeekEnd:
		pos = size + offset
	default:
		return 0, fmt.Errorf("Seek: invalid whence %d", whence)
	}

	if pos < 0 || pos > size {
		return 0, fmt.Errorf("Seek: position %d outside file of size %d", pos, size)
	}

	r.absPos = pos
	r.bufPos = 0
	r.bufLen = 0
	return pos, nil
}

// Close releases the supervisor-side file and frees its id for reuse.
func (r *Reader) Close() error {
	s := r.state
	s.mu.Lock()
	defer s.mu.Unlock()

	s.client.Close(r.id)
	s.ids.Release(int32(r.id))
	return nil
}

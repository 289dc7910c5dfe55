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

package bundle

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// URLScheme prefixes bundle-only mode URLs:
// texpresso-bundle://<lock_fd>,<output_fd>,<input_fd>.
const URLScheme = "texpresso-bundle://"

// Reply kinds on the input descriptor. Each is followed by a u64-LE length
// and that many payload bytes.
const (
	replyError   = 'E' // UTF-8 error text
	replyPath    = 'P' // local path to an already-materialized file
	replyContent = 'C' // raw bytes to serve from memory
)

// ParseURL extracts the three descriptors from a bundle-only URL. Tokens
// bind left to right: with "7,8,9", 7 is the lock, 8 the output (client to
// server), 9 the input (server to client).
func ParseURL(url string) (lockFd, outputFd, inputFd int, err error) {
	rest, ok := strings.CutPrefix(url, URLScheme)
	if !ok {
		return 0, 0, 0, fmt.Errorf("not a %s URL: %q", URLScheme, url)
	}

	tokens := strings.Split(rest, ",")
	if len(tokens) != 3 {
		return 0, 0, 0, fmt.Errorf("expected three descriptors in %q", url)
	}

	fds := make([]int, 3)
	for i, tok := range tokens {
		fds[i], err = strconv.Atoi(tok)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("bad descriptor %q in %q", tok, url)
		}
	}
	return fds[0], fds[1], fds[2], nil
}

// FdBundle serves resources over a pre-opened descriptor pair guarded by an
// advisory lock: a newline-terminated name goes out on the output
// descriptor, one typed reply comes back on the input descriptor, and the
// lock is held for exactly that round trip. Replies are memoized per name,
// negative answers included.
type FdBundle struct {
	lock   *os.File
	output *os.File
	input  *os.File

	memo map[string]*bundleEntry
}

type bundleEntry struct {
	kind byte
	text string // error text or local path
	data []byte // in-memory contents
}

// OpenURL constructs an FdBundle from a texpresso-bundle:// URL.
func OpenURL(url string) (*FdBundle, error) {
	lockFd, outputFd, inputFd, err := ParseURL(url)
	if err != nil {
		return nil, err
	}

	return &FdBundle{
		lock:   os.NewFile(uintptr(lockFd), "texpresso-bundle-lock"),
		output: os.NewFile(uintptr(outputFd), "texpresso-bundle-output"),
		input:  os.NewFile(uintptr(inputFd), "texpresso-bundle-input"),
		memo:   make(map[string]*bundleEntry),
	}, nil
}

// AllFiles returns nothing: the peer's namespace is not enumerable in this
// mode.
func (b *FdBundle) AllFiles() ([]string, error) {
	return nil, nil
}

// InputOpenName requests the named resource, serving memoized replies
// without re-locking.
func (b *FdBundle) InputOpenName(name string) (io.ReadSeekCloser, error) {
	e, ok := b.memo[name]
	if !ok {
		var err error
		e, err = b.request(name)
		if err != nil {
			return nil, err
		}
		b.memo[name] = e
	}

	switch e.kind {
	case replyError:
		return nil, fmt.Errorf("bundle: %s: %s", name, e.text)

	case replyPath:
		return os.Open(e.text)

	case replyContent:
		return &memFile{Reader: bytes.NewReader(e.data)}, nil
	}
	panic(fmt.Sprintf("bundle: impossible reply kind %q", e.kind))
}

// request performs one locked round trip.
func (b *FdBundle) request(name string) (*bundleEntry, error) {
	if err := b.flock(); err != nil {
		return nil, fmt.Errorf("locking bundle: %v", err)
	}
	defer func() {
		if err := unix.Flock(int(b.lock.Fd()), unix.LOCK_UN); err != nil {
			logrus.Errorf("[bundle] unlock failed: %v", err)
		}
	}()

	if _, err := b.output.WriteString(name + "\n"); err != nil {
		return nil, fmt.Errorf("writing request: %v", err)
	}

	var kind [1]byte
	if _, err := io.ReadFull(b.input, kind[:]); err != nil {
		return nil, fmt.Errorf("reading reply kind: %v", err)
	}

	var lenBuf [8]byte
	if _, err := io.ReadFull(b.input, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("reading reply length: %v", err)
	}
	length := binary.LittleEndian.Uint64(lenBuf[:])

	payload := make([]byte, length)
	if _, err := io.ReadFull(b.input, payload); err != nil {
		return nil, fmt.Errorf("reading reply payload: %v", err)
	}

	switch kind[0] {
	case replyError, replyPath:
		return &bundleEntry{kind: kind[0], text: string(payload)}, nil

	case replyContent:
		return &bundleEntry{kind: kind[0], data: payload}, nil
	}
	return nil, fmt.Errorf("unknown reply kind %q", kind[0])
}

// flock takes the advisory lock, retrying on EINTR.
func (b *FdBundle) flock() error {
	for {
		err := unix.Flock(int(b.lock.Fd()), unix.LOCK_EX)
		if err != unix.EINTR {
			return err
		}
		logrus.Debugf("[bundle] flock interrupted, retrying")
	}
}

// memFile serves an in-memory reply as a read-only file.
type memFile struct {
	*bytes.Reader
}

func (*memFile) Close() error {
	return nil
}

// Ensure FdBundle satisfies the same contract as a supervisor-backed
// bundle.
var _ Bundle = (*FdBundle)(nil)

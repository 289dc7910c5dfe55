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

package texpresso

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/jacobsa/timeutil"
)

// coalesceBufSize is the capacity of the client-level write buffer.
// Contiguous writes to one file accumulate here and go out as a single WRIT
// frame.
const coalesceBufSize = 4096

// EnvChannelFd names the environment variable through which the supervisor
// hands the client its end of the channel.
const EnvChannelFd = "TEXPRESSO_FD"

// ClientConfig carries optional knobs for Connect. The zero value is a
// working production configuration.
type ClientConfig struct {
	// Clock supplying the request timestamp anchor. nil means the
	// process-CPU-time clock; tests substitute timeutil.SimulatedClock.
	Clock timeutil.Clock

	// DebugLogger receives wire-level traces. nil falls back to the
	// flag-gated package logger (see debug.go).
	DebugLogger *log.Logger

	// ForkFunc and WaitFunc replace the OS fork and wait primitives. nil
	// means the real thing; tests substitute stubs so that the fork
	// handshake can be driven without duplicating the test process.
	ForkFunc func() (int, error)
	WaitFunc func() (pid int, exitCode uint32, err error)
}

// Client wraps the wire layer with the coalescing state required by the
// protocol's ordering rules: a one-file SEEN latch and a single-file write
// buffer. Both are flushed, SEEN first, before any other request reaches
// the wire.
//
// A Client must only be used from one goroutine at a time. Every method may
// block on the channel; Read is additionally the only point at which the
// process may fork.
type Client struct {
	io *ClientIO

	forkFn func() (int, error)
	waitFn func() (int, uint32, error)

	// The pending SEEN notification, if seenPos > 0.
	seenFile FileId
	seenPos  uint32

	// Pending contiguous writes to writeFile starting at writePos.
	writeFile FileId
	writePos  uint32
	writeLen  int
	writeBuf  [coalesceBufSize]byte
}

// Connect performs the protocol handshake on the supplied channel and
// returns a ready Client. The Client takes ownership of the channel.
func Connect(channel *os.File, cfg *ClientConfig) (*Client, error) {
	if cfg == nil {
		cfg = &ClientConfig{}
	}

	clock := cfg.Clock
	if clock == nil {
		clock = processCPUClock{}
	}

	debugLogger := cfg.DebugLogger
	if debugLogger == nil {
		debugLogger = getLogger()
	}

	cio, err := connectIO(channel, clock, debugLogger)
	if err != nil {
		return nil, fmt.Errorf("connectIO: %v", err)
	}

	c := &Client{
		io:        cio,
		forkFn:    cfg.ForkFunc,
		waitFn:    cfg.WaitFunc,
		seenFile:  noFile,
		writeFile: noFile,
	}
	if c.forkFn == nil {
		c.forkFn = forkProcess
	}
	if c.waitFn == nil {
		c.waitFn = waitAnyChild
	}

	return c, nil
}

// ConnectRawFd adopts an already-open descriptor as the channel.
func ConnectRawFd(fd int, cfg *ClientConfig) (*Client, error) {
	return Connect(os.NewFile(uintptr(fd), "texpresso-channel"), cfg)
}

// ClientFromEnv constructs a Client from the descriptor named by
// TEXPRESSO_FD. It returns (nil, nil) when the variable is absent: the
// embedding layer falls back to filesystem IO in that case.
func ClientFromEnv(cfg *ClientConfig) (*Client, error) {
	val, ok := os.LookupEnv(EnvChannelFd)
	if !ok {
		return nil, nil
	}

	fd, err := strconv.Atoi(val)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %v", EnvChannelFd, err)
	}

	return ConnectRawFd(fd, cfg)
}

// Generation returns the counter bumped whenever previously-read data may
// have become stale. Readers compare it on every read entry.
func (c *Client) Generation() uint64 {
	return c.io.generation
}

// BumpGeneration invalidates cached reads from the client's own side, e.g.
// after the parent branch resumes from a fork.
func (c *Client) BumpGeneration() {
	c.io.generation++
}

// flushPending emits the latched SEEN and then the buffered WRIT, in that
// order. It must run before any other request frame.
func (c *Client) flushPending() {
	if c.seenPos != 0 {
		c.io.seen(c.seenFile, c.seenPos)
		c.seenPos = 0
		c.seenFile = noFile
	}
	if c.writeLen != 0 {
		c.io.write(c.writeFile, c.writePos, c.writeBuf[:c.writeLen], nil)
		c.writeLen = 0
		c.writeFile = noFile
	}
}

// Flush pushes pending frames to the supervisor. The channel itself is
// unbuffered, so nothing else is held back.
func (c *Client) Flush() {
	c.flushPending()
	c.io.flush()
}

// Open registers file under the given id. ok reports whether the supervisor
// accepted; on success the returned string is the canonical path to use for
// reporting.
func (c *Client) Open(file FileId, path string, mode string) (string, bool) {
	c.flushPending()
	return c.io.open(file, path, mode)
}

// Read requests up to len(buf) bytes at pos. ok == false means the
// supervisor initiated the speculative-fork protocol; the caller must drive
// it and retry the read.
func (c *Client) Read(file FileId, pos uint32, buf []byte) (int, bool) {
	c.flushPending()
	return c.io.read(file, pos, buf)
}

// Write appends buf at pos. Contiguous writes to the same file coalesce
// into a single frame; a write to a different file or a non-contiguous
// position flushes first. Buffered bytes stay off the wire until the next
// flush point, except when a write would overflow the buffer: the pending
// run and buf then go out at once as one frame.
func (c *Client) Write(file FileId, pos uint32, buf []byte) {
	if c.writeLen > 0 {
		if c.writeFile != file || c.writePos+uint32(c.writeLen) != pos {
			c.flushPending()
			c.writeFile = file
			c.writePos = pos
		}
	} else {
		c.writeFile = file
		c.writePos = pos
	}

	if c.writeLen+len(buf) <= coalesceBufSize {
		copy(c.writeBuf[c.writeLen:], buf)
		c.writeLen += len(buf)
	} else {
		// Too big to buffer: emit everything pending plus buf as one frame.
		c.io.write(file, c.writePos, c.writeBuf[:c.writeLen], buf)
		c.writeLen = 0
	}
}

// Close releases the file id on the supervisor side.
func (c *Client) Close(file FileId) {
	c.flushPending()
	c.io.close(file)
}

// Size returns the current known size of the file.
func (c *Client) Size(file FileId) uint32 {
	c.flushPending()
	return c.io.size(file)
}

// Seen records the highest byte position the engine has consumed. Only the
// high-water mark per file matters, so repeated calls latch the maximum; a
// switch to another file flushes the previous latch.
func (c *Client) Seen(file FileId, pos uint32) {
	if c.seenFile != file {
		c.flushPending()
		c.seenFile = file
	}
	if c.seenPos < pos {
		c.seenPos = pos
	}
}

// Accs asks whether path is accessible with the given mode bits.
func (c *Client) Accs(path string, mode AccessMode) AccessResult {
	c.flushPending()
	return c.io.accs(path, mode)
}

// Stat fetches file metadata. The FileStat is meaningful only when the
// result is AccessOk.
func (c *Client) Stat(path string) (FileStat, AccessResult) {
	c.flushPending()
	return c.io.stat(path)
}

// Gpic looks up a cached picture bounding box.
func (c *Client) Gpic(path string, typ int32, page int32) ([4]float32, bool) {
	c.flushPending()
	return c.io.gpic(path, typ, page)
}

// Spic stores a picture bounding box.
func (c *Client) Spic(path string, typ int32, page int32, bounds [4]float32) {
	c.flushPending()
	c.io.spic(path, typ, page, bounds)
}

// Fork duplicates the process at the supervisor's request. In the child the
// CPU-time anchor is re-based so that its first timestamp continues from
// the parent's last one; the parent's anchor is left alone. Returns the
// child pid, or zero in the child.
//
// The caller is responsible for the CHLD/BACK handshake in each branch.
func (c *Client) Fork() int {
	c.flushPending()
	c.io.flush()

	delta := c.io.elapsed()
	pid, err := c.forkFn()
	if err != nil {
		panic(fmt.Sprintf("texpresso: fork: %v", err))
	}

	if pid == 0 {
		c.io.delta = delta
		c.io.startTime = c.io.clock.Now()
	}
	return pid
}

// Wait blocks until a child terminates and returns its pid and raw wait
// status, as reported by the wait primitive (not decoded to an exit code).
func (c *Client) Wait() (int, uint32) {
	pid, code, err := c.waitFn()
	if err != nil {
		panic(fmt.Sprintf("texpresso: fork: error while waiting for child (%v)", err))
	}
	return pid, code
}

// Child announces this freshly-forked child to the supervisor.
//
// REQUIRES: no pending SEEN or buffered writes (the fork entry flushed).
func (c *Client) Child(pid int) {
	c.checkNoPending()
	c.io.child(int32(pid))
}

// Back reports the terminated child from the resuming parent. It returns
// false when the supervisor discards the parent branch; the caller must
// then exit with code 1.
//
// REQUIRES: no pending SEEN or buffered writes (the fork entry flushed).
func (c *Client) Back(parentPid int, childPid int, exitCode uint32) bool {
	c.checkNoPending()
	return c.io.back(int32(parentPid), int32(childPid), exitCode)
}

func (c *Client) checkNoPending() {
	if c.seenPos != 0 || c.writeLen != 0 {
		panic("texpresso: pending frames across a fork handshake")
	}
}

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
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/sirupsen/logrus"
)

// FileId identifies an open file on the supervisor side. Values 0..1023 are
// allocated by the client; -1 denotes "none" and, for write operations, the
// implicit stdout stream.
type FileId int32

// Stdout is the implicit output stream served by the supervisor. Writes to it
// carry a position of zero, which the supervisor ignores.
const Stdout FileId = -1

const noFile FileId = -1

// The handshake exchanged immediately after connecting. The client speaks
// first.
const (
	handshakeClient = "TEXPRESSOC01"
	handshakeServer = "TEXPRESSOS01"
)

// A message tag on the wire: four bytes of ASCII.
type tag [4]byte

func (t tag) String() string {
	return string(t[:])
}

// Request tags issued by the client.
var (
	tagOpen = tag{'O', 'P', 'E', 'N'}
	tagRead = tag{'R', 'E', 'A', 'D'}
	tagWrit = tag{'W', 'R', 'I', 'T'}
	tagClos = tag{'C', 'L', 'O', 'S'}
	tagSize = tag{'S', 'I', 'Z', 'E'}
	tagSeen = tag{'S', 'E', 'E', 'N'}
	tagAccs = tag{'A', 'C', 'C', 'S'}
	tagStat = tag{'S', 'T', 'A', 'T'}
	tagGpic = tag{'G', 'P', 'I', 'C'}
	tagSpic = tag{'S', 'P', 'I', 'C'}
	tagChld = tag{'C', 'H', 'L', 'D'}
	tagBack = tag{'B', 'A', 'C', 'K'}
)

// Reply and control tags issued by the supervisor.
var (
	tagDone = tag{'D', 'O', 'N', 'E'}
	tagPass = tag{'P', 'A', 'S', 'S'}
	tagFork = tag{'F', 'O', 'R', 'K'}
	tagFlsh = tag{'F', 'L', 'S', 'H'}
	tagTerm = tag{'T', 'E', 'R', 'M'}
)

// AccessMode is the bitmask sent with ACCS queries.
type AccessMode uint32

const (
	AccessRead    AccessMode = 1
	AccessWrite   AccessMode = 2
	AccessExecute AccessMode = 4
)

// AccessResult is the status returned by ACCS and STAT queries. Any wire
// value above AccessDenied is a protocol violation.
type AccessResult uint32

const (
	// AccessPass means the supervisor does not know the path.
	AccessPass AccessResult = iota
	AccessOk
	AccessNoEnt
	AccessDenied
)

// FileStat carries the metadata returned by a successful STAT query. All
// fields are 32-bit on the wire.
type FileStat struct {
	Dev     uint32
	Ino     uint32
	Mode    uint32
	Nlink   uint32
	Uid     uint32
	Gid     uint32
	Rdev    uint32
	Size    uint32
	Blksize uint32
	Blocks  uint32

	Atime     uint32
	AtimeNsec uint32
	Ctime     uint32
	CtimeNsec uint32
	Mtime     uint32
	MtimeNsec uint32
}

// ClientIO is the wire layer: it owns the byte channel, the CPU-time origin
// for request timestamps, and the generation counter bumped whenever the
// supervisor signals that cached reads may be stale.
//
// The channel is used unbuffered in both directions. One-way frames must be
// visible to the supervisor as soon as they are emitted, and after a fork
// parent and child share the descriptor, where buffered state in one
// process would swallow or duplicate frames belonging to the other.
type ClientIO struct {
	channel *os.File

	clock     timeutil.Clock
	startTime time.Time
	delta     time.Duration

	generation uint64

	debugLogger *log.Logger
}

// Connect the wire layer: emit the client handshake and check the server's.
func connectIO(channel *os.File, clock timeutil.Clock, debugLogger *log.Logger) (*ClientIO, error) {
	c := &ClientIO{
		channel:     channel,
		clock:       clock,
		startTime:   clock.Now(),
		debugLogger: debugLogger,
	}

	if _, err := c.channel.WriteString(handshakeClient); err != nil {
		return nil, fmt.Errorf("writing handshake: %v", err)
	}

	var buf [12]byte
	if _, err := io.ReadFull(c.channel, buf[:]); err != nil {
		return nil, fmt.Errorf("reading handshake: %v", err)
	}
	if string(buf[:]) != handshakeServer {
		return nil, fmt.Errorf("invalid handshake %q", buf[:])
	}

	logrus.Debugf("[texpresso] handshake success")
	return c, nil
}

func (c *ClientIO) debugf(format string, v ...interface{}) {
	if c.debugLogger == nil {
		return
	}
	c.debugLogger.Printf(format, v...)
}

// elapsed returns the engine's cumulative CPU time, including time accrued
// by prior lifetimes of forked ancestors.
func (c *ClientIO) elapsed() time.Duration {
	return c.delta + c.clock.Now().Sub(c.startTime)
}

////////////////////////////////////////////////////////////////////////
// Sending
////////////////////////////////////////////////////////////////////////

// All channel failures are fatal: the session cannot continue once frames
// are desynchronized or the peer is gone.

func (c *ClientIO) send(data []byte) {
	n, err := c.channel.Write(data)
	if err != nil {
		fatalf("cannot write to server (%v)", err)
	}
	if n != len(data) {
		fatalf("wrote only %d bytes out of %d", n, len(data))
	}
}

func (c *ClientIO) send4(data [4]byte) {
	c.send(data[:])
}

func (c *ClientIO) sendU32(v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	c.send4(buf)
}

func (c *ClientIO) sendI32(v int32) {
	c.sendU32(uint32(v))
}

func (c *ClientIO) sendF32(v float32) {
	c.sendU32(math.Float32bits(v))
}

// Strings go out as UTF-8 terminated by NUL.
func (c *ClientIO) sendStr(s string) {
	c.send([]byte(s))
	c.send([]byte{0})
}

// Every request tag is immediately followed by an elapsed-milliseconds
// stamp, truncated to 32 bits.
func (c *ClientIO) sendTag(t tag) {
	c.debugf("-> %s", t)
	c.send(t[:])
	c.sendU32(uint32(c.elapsed().Milliseconds()))
}

// flush is the channel-level flush point. Writes go to the descriptor
// unbuffered, so there is nothing to push, but the protocol's flush points
// (before every receive, and before a fork) all funnel through here.
func (c *ClientIO) flush() {
}

////////////////////////////////////////////////////////////////////////
// Receiving
////////////////////////////////////////////////////////////////////////

func (c *ClientIO) readFull(buf []byte) {
	if _, err := io.ReadFull(c.channel, buf); err != nil {
		fatalf("cannot read from server (%v)", err)
	}
}

func (c *ClientIO) recv4() [4]byte {
	c.flush()
	var buf [4]byte
	c.readFull(buf[:])
	return buf
}

func (c *ClientIO) recvU32() uint32 {
	buf := c.recv4()
	return binary.LittleEndian.Uint32(buf[:])
}

func (c *ClientIO) recvI32() int32 {
	return int32(c.recvU32())
}

func (c *ClientIO) recvF32() float32 {
	return math.Float32frombits(c.recvU32())
}

func (c *ClientIO) recvBytes(n uint32) []byte {
	buf := make([]byte, n)
	c.readFull(buf)
	return buf
}

// recvTag reads the next reply tag, transparently absorbing the control tags
// the supervisor may inject at any tag boundary:
//
//   - FLSH bumps the generation counter. Live readers compare their observed
//     generation on the next read and refill from the wire.
//
//   - TERM carries a pid; if it names this process the client exits with
//     code 1, anything else is a protocol violation.
func (c *ClientIO) recvTag() tag {
	t := tag(c.recv4())
	switch t {
	case tagFlsh:
		c.generation++
		return c.recvTag()

	case tagTerm:
		pid := c.recvI32()
		if int(pid) == os.Getpid() {
			logrus.Errorf("[texpresso] terminated by supervisor")
			exitProcess(1)
		}
		panic(fmt.Sprintf("texpresso: TERM for pid %d delivered to pid %d", pid, os.Getpid()))
	}

	c.debugf("<- %s", t)
	return t
}

func (c *ClientIO) checkDone() {
	if t := c.recvTag(); t != tagDone {
		panic(fmt.Sprintf("texpresso: unexpected tag %q", t))
	}
}

////////////////////////////////////////////////////////////////////////
// Requests
////////////////////////////////////////////////////////////////////////

// open registers a file id for the named path. The supervisor either
// declines (ok == false) or returns the canonical path to use for
// subsequent reporting.
func (c *ClientIO) open(file FileId, path string, mode string) (string, bool) {
	c.sendTag(tagOpen)
	c.sendI32(int32(file))
	c.sendStr(path)
	c.sendStr(mode)

	switch t := c.recvTag(); t {
	case tagPass:
		return "", false

	case tagOpen:
		size := c.recvU32()
		return string(c.recvBytes(size)), true

	default:
		panic(fmt.Sprintf("texpresso: unexpected tag %q", t))
	}
}

// read requests up to len(buf) bytes at pos. ok == false means the
// supervisor wants the client to fork; the caller drives the fork protocol
// and retries.
func (c *ClientIO) read(file FileId, pos uint32, buf []byte) (int, bool) {
	c.sendTag(tagRead)
	c.sendI32(int32(file))
	c.sendU32(pos)
	c.sendU32(uint32(len(buf)))

	switch t := c.recvTag(); t {
	case tagFork:
		return 0, false

	case tagRead:
		size := c.recvU32()
		if size > uint32(len(buf)) {
			panic(fmt.Sprintf("texpresso: READ reply of %d bytes exceeds buffer of %d", size, len(buf)))
		}
		c.readFull(buf[:size])
		return int(size), true

	default:
		panic(fmt.Sprintf("texpresso: unexpected tag %q", t))
	}
}

// write sends a WRIT frame carrying b1 followed by b2 as a single blob. The
// two-slice form lets the client layer emit its coalescing buffer and an
// oversized caller buffer in one frame.
func (c *ClientIO) write(file FileId, pos uint32, b1 []byte, b2 []byte) {
	c.sendTag(tagWrit)
	c.sendI32(int32(file))
	c.sendU32(pos)
	c.sendU32(uint32(len(b1) + len(b2)))
	c.send(b1)
	c.send(b2)
	c.checkDone()
}

func (c *ClientIO) close(file FileId) {
	c.sendTag(tagClos)
	c.sendI32(int32(file))
	c.checkDone()
}

func (c *ClientIO) size(file FileId) uint32 {
	c.sendTag(tagSize)
	c.sendI32(int32(file))

	switch t := c.recvTag(); t {
	case tagSize:
		return c.recvU32()

	default:
		panic(fmt.Sprintf("texpresso: unexpected tag %q", t))
	}
}

// seen notifies the supervisor of the highest byte position consumed so far.
// One-way: there is no reply.
func (c *ClientIO) seen(file FileId, pos uint32) {
	c.sendTag(tagSeen)
	c.sendI32(int32(file))
	c.sendU32(pos)
}

func (c *ClientIO) accs(path string, mode AccessMode) AccessResult {
	c.sendTag(tagAccs)
	c.sendStr(path)
	c.sendU32(uint32(mode))

	switch t := c.recvTag(); t {
	case tagAccs:
		result := AccessResult(c.recvU32())
		if result > AccessDenied {
			panic(fmt.Sprintf("texpresso: ACCS status %d out of range", result))
		}
		return result

	default:
		panic(fmt.Sprintf("texpresso: unexpected tag %q", t))
	}
}

func (c *ClientIO) stat(path string) (FileStat, AccessResult) {
	c.sendTag(tagStat)
	c.sendStr(path)

	t := c.recvTag()
	if t != tagStat {
		panic(fmt.Sprintf("texpresso: unexpected tag %q", t))
	}

	result := AccessResult(c.recvU32())
	if result > AccessDenied {
		panic(fmt.Sprintf("texpresso: STAT status %d out of range", result))
	}

	var st FileStat
	if result == AccessOk {
		st.Dev = c.recvU32()
		st.Ino = c.recvU32()
		st.Mode = c.recvU32()
		st.Nlink = c.recvU32()
		st.Uid = c.recvU32()
		st.Gid = c.recvU32()
		st.Rdev = c.recvU32()
		st.Size = c.recvU32()
		st.Blksize = c.recvU32()
		st.Blocks = c.recvU32()
		st.Atime = c.recvU32()
		st.AtimeNsec = c.recvU32()
		st.Ctime = c.recvU32()
		st.CtimeNsec = c.recvU32()
		st.Mtime = c.recvU32()
		st.MtimeNsec = c.recvU32()
	}
	return st, result
}

// gpic fetches a cached picture bounding box.
func (c *ClientIO) gpic(path string, typ int32, page int32) ([4]float32, bool) {
	c.sendTag(tagGpic)
	c.sendStr(path)
	c.sendI32(typ)
	c.sendI32(page)

	var bounds [4]float32
	switch t := c.recvTag(); t {
	case tagPass:
		return bounds, false

	case tagGpic:
		for i := range bounds {
			bounds[i] = c.recvF32()
		}
		return bounds, true

	default:
		panic(fmt.Sprintf("texpresso: unexpected tag %q", t))
	}
}

// spic stores a picture bounding box.
func (c *ClientIO) spic(path string, typ int32, page int32, bounds [4]float32) {
	c.sendTag(tagSpic)
	c.sendStr(path)
	c.sendI32(typ)
	c.sendI32(page)
	for _, b := range bounds {
		c.sendF32(b)
	}
	c.checkDone()
}

// child announces a freshly-forked child to the supervisor.
func (c *ClientIO) child(pid int32) {
	c.sendTag(tagChld)
	c.sendI32(pid)
	c.checkDone()
}

// back reports a terminated child from the resuming parent. The reply is
// DONE (resume, return true) or PASS (the parent branch has been discarded;
// return false and let the caller exit).
func (c *ClientIO) back(parentPid int32, childPid int32, exitCode uint32) bool {
	c.sendTag(tagBack)
	c.sendI32(parentPid)
	c.sendI32(childPid)
	c.sendU32(exitCode)

	switch t := c.recvTag(); t {
	case tagDone:
		return true

	case tagPass:
		return false

	default:
		panic(fmt.Sprintf("texpresso: unexpected tag %q", t))
	}
}

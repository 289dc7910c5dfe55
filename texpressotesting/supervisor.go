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

// Package texpressotesting provides an in-process scripted supervisor for
// exercising the protocol client, plus a test fixture that wires one to a
// connected Client over a socketpair.
package texpressotesting

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/merv1n34k/texpresso"
	"golang.org/x/sys/unix"
)

// Frame is one decoded request observed by the supervisor. Only the fields
// meaningful for the tag are populated.
type Frame struct {
	Tag  string
	Time uint32

	File int32
	Pos  uint32
	Max  uint32

	Path string
	Mode string

	AccessMode uint32

	Bytes []byte

	PicType int32
	PicPage int32
	Bounds  [4]float32

	Pid      int32
	Parent   int32
	Child    int32
	ExitCode uint32
}

// Socketpair returns a connected pair of stream sockets as files.
func Socketpair() (server *os.File, client *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("Socketpair: %v", err)
	}

	server = os.NewFile(uintptr(fds[0]), "supervisor")
	client = os.NewFile(uintptr(fds[1]), "engine")
	return server, client, nil
}

// Supervisor is a scripted protocol peer. It serves a programmable table of
// files, records every request it decodes, and can inject FLSH and FORK at
// scripted points.
//
// All exported methods are safe to call while the serve loop runs.
type Supervisor struct {
	conn *os.File
	in   *bufio.Reader
	out  *bufio.Writer

	done chan struct{}

	mu sync.Mutex

	// GUARDED_BY(mu)
	files      map[string][]byte
	written    map[string][]byte
	open       map[int32]string
	seen       map[int32]uint32
	access     map[string]uint32
	stats      map[string]texpresso.FileStat
	pics       map[picKey][4]float32
	stdout     bytes.Buffer
	transcript []Frame

	forkNextRead   bool
	flushNextReply bool
	passNextBack   bool
	serveErr       error
}

type picKey struct {
	path string
	typ  int32
	page int32
}

// StartSupervisor takes ownership of the server end of a socketpair and
// serves requests on a background goroutine until the peer closes its end.
func StartSupervisor(conn *os.File) *Supervisor {
	s := &Supervisor{
		conn:    conn,
		in:      bufio.NewReader(conn),
		out:     bufio.NewWriter(conn),
		done:    make(chan struct{}),
		files:   make(map[string][]byte),
		written: make(map[string][]byte),
		open:    make(map[int32]string),
		seen:    make(map[int32]uint32),
		access:  make(map[string]uint32),
		stats:   make(map[string]texpresso.FileStat),
		pics:    make(map[picKey][4]float32),
	}

	go s.serve()
	return s
}

////////////////////////////////////////////////////////////////////////
// Scripting
////////////////////////////////////////////////////////////////////////

// AddFile makes name servable with the given contents.
func (s *Supervisor) AddFile(name string, contents []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[name] = contents
}

// SetAccess scripts the ACCS reply for path.
func (s *Supervisor) SetAccess(path string, result uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access[path] = result
}

// SetStat makes STAT of path succeed with the given metadata.
func (s *Supervisor) SetStat(path string, st texpresso.FileStat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats[path] = st
}

// ForkOnNextRead answers the next READ with FORK instead of data.
func (s *Supervisor) ForkOnNextRead() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forkNextRead = true
}

// FlushBeforeNextReply injects a FLSH control tag in front of the next
// reply.
func (s *Supervisor) FlushBeforeNextReply() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushNextReply = true
}

// PassNextBack answers the next BACK with PASS, discarding the parent
// branch.
func (s *Supervisor) PassNextBack() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passNextBack = true
}

// Transcript returns a copy of the decoded requests so far.
func (s *Supervisor) Transcript() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Frame(nil), s.transcript...)
}

// AwaitFrames blocks until at least n requests have been decoded, then
// returns the transcript. Replied requests synchronize on their own; this
// is for asserting on one-way frames (SEEN), which the serve loop may not
// have decoded yet when the client call returns. Gives up after a few
// seconds and returns whatever arrived.
func (s *Supervisor) AwaitFrames(n int) []Frame {
	deadline := time.Now().Add(5 * time.Second)
	for {
		frames := s.Transcript()
		if len(frames) >= n || time.Now().After(deadline) {
			return frames
		}
		time.Sleep(time.Millisecond)
	}
}

// TagTrace returns just the tags of the decoded requests so far.
func (s *Supervisor) TagTrace() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	tags := make([]string, len(s.transcript))
	for i, f := range s.transcript {
		tags[i] = f.Tag
	}
	return tags
}

// Stdout returns everything written to the implicit stdout stream.
func (s *Supervisor) Stdout() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.stdout.Bytes()...)
}

// WrittenData returns the bytes written to the named output file.
func (s *Supervisor) WrittenData(name string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.written[name]...)
}

// SeenPos returns the latest SEEN high-water mark for the id.
func (s *Supervisor) SeenPos(file int32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen[file]
}

// Join waits for the serve loop to finish and returns its error, if any.
// The loop finishes when the client closes its end of the channel.
func (s *Supervisor) Join() error {
	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serveErr
}

// Close tears the supervisor down without waiting for the peer.
func (s *Supervisor) Close() error {
	return s.conn.Close()
}

////////////////////////////////////////////////////////////////////////
// Serving
////////////////////////////////////////////////////////////////////////

func (s *Supervisor) serve() {
	defer close(s.done)

	if err := s.handshake(); err != nil {
		s.mu.Lock()
		s.serveErr = err
		s.mu.Unlock()
		return
	}

	for {
		err := s.serveOne()
		if err == io.EOF {
			return
		}
		if err != nil {
			s.mu.Lock()
			s.serveErr = err
			s.mu.Unlock()
			return
		}
	}
}

func (s *Supervisor) handshake() error {
	var buf [12]byte
	if _, err := io.ReadFull(s.in, buf[:]); err != nil {
		return fmt.Errorf("reading handshake: %v", err)
	}
	if string(buf[:]) != "TEXPRESSOC01" {
		return fmt.Errorf("bad handshake %q", buf[:])
	}

	if _, err := s.out.WriteString("TEXPRESSOS01"); err != nil {
		return err
	}
	return s.out.Flush()
}

func (s *Supervisor) serveOne() error {
	tag, err := s.readTag()
	if err != nil {
		return err
	}

	f := Frame{Tag: tag}
	f.Time, err = s.readU32()
	if err != nil {
		return fmt.Errorf("reading %s time stamp: %v", tag, err)
	}

	switch tag {
	case "OPEN":
		return s.serveOpen(f)
	case "READ":
		return s.serveRead(f)
	case "WRIT":
		return s.serveWrite(f)
	case "CLOS":
		return s.serveClose(f)
	case "SIZE":
		return s.serveSize(f)
	case "SEEN":
		return s.serveSeen(f)
	case "ACCS":
		return s.serveAccess(f)
	case "STAT":
		return s.serveStat(f)
	case "GPIC":
		return s.serveGetPic(f)
	case "SPIC":
		return s.serveSetPic(f)
	case "CHLD":
		return s.serveChild(f)
	case "BACK":
		return s.serveBack(f)
	}
	return fmt.Errorf("unknown request tag %q", tag)
}

func (s *Supervisor) serveOpen(f Frame) error {
	var err error
	if f.File, err = s.readI32(); err != nil {
		return err
	}
	if f.Path, err = s.readStr(); err != nil {
		return err
	}
	if f.Mode, err = s.readStr(); err != nil {
		return err
	}
	s.record(f)

	s.mu.Lock()
	defer s.mu.Unlock()

	writable := len(f.Mode) > 0 && f.Mode[0] == 'w'
	_, servable := s.files[f.Path]
	if !writable && !servable {
		return s.reply("PASS")
	}

	s.open[f.File] = f.Path
	if writable {
		s.written[f.Path] = nil
	}

	// Reply with the canonical path: the request path itself here.
	if err := s.reply("OPEN"); err != nil {
		return err
	}
	if err := s.writeU32(uint32(len(f.Path))); err != nil {
		return err
	}
	if _, err := s.out.WriteString(f.Path); err != nil {
		return err
	}
	return s.out.Flush()
}

func (s *Supervisor) serveRead(f Frame) error {
	var err error
	if f.File, err = s.readI32(); err != nil {
		return err
	}
	if f.Pos, err = s.readU32(); err != nil {
		return err
	}
	if f.Max, err = s.readU32(); err != nil {
		return err
	}
	s.record(f)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.forkNextRead {
		s.forkNextRead = false
		return s.reply("FORK")
	}

	contents := s.files[s.open[f.File]]
	var chunk []byte
	if int(f.Pos) < len(contents) {
		chunk = contents[f.Pos:]
		if uint32(len(chunk)) > f.Max {
			chunk = chunk[:f.Max]
		}
	}

	if err := s.reply("READ"); err != nil {
		return err
	}
	if err := s.writeU32(uint32(len(chunk))); err != nil {
		return err
	}
	if _, err := s.out.Write(chunk); err != nil {
		return err
	}
	return s.out.Flush()
}

func (s *Supervisor) serveWrite(f Frame) error {
	var err error
	if f.File, err = s.readI32(); err != nil {
		return err
	}
	if f.Pos, err = s.readU32(); err != nil {
		return err
	}
	length, err := s.readU32()
	if err != nil {
		return err
	}
	f.Bytes = make([]byte, length)
	if _, err := io.ReadFull(s.in, f.Bytes); err != nil {
		return err
	}
	s.record(f)

	s.mu.Lock()
	defer s.mu.Unlock()

	if f.File == -1 {
		s.stdout.Write(f.Bytes)
	} else if name, ok := s.open[f.File]; ok {
		s.written[name] = storeAt(s.written[name], f.Pos, f.Bytes)
	}

	return s.reply("DONE")
}

func (s *Supervisor) serveClose(f Frame) error {
	var err error
	if f.File, err = s.readI32(); err != nil {
		return err
	}
	s.record(f)

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.open, f.File)
	return s.reply("DONE")
}

func (s *Supervisor) serveSize(f Frame) error {
	var err error
	if f.File, err = s.readI32(); err != nil {
		return err
	}
	s.record(f)

	s.mu.Lock()
	defer s.mu.Unlock()

	name := s.open[f.File]
	size := len(s.files[name])
	if written, ok := s.written[name]; ok {
		size = len(written)
	}

	if err := s.reply("SIZE"); err != nil {
		return err
	}
	if err := s.writeU32(uint32(size)); err != nil {
		return err
	}
	return s.out.Flush()
}

func (s *Supervisor) serveSeen(f Frame) error {
	var err error
	if f.File, err = s.readI32(); err != nil {
		return err
	}
	if f.Pos, err = s.readU32(); err != nil {
		return err
	}
	s.record(f)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[f.File] = f.Pos

	// One-way: no reply.
	return nil
}

func (s *Supervisor) serveAccess(f Frame) error {
	var err error
	if f.Path, err = s.readStr(); err != nil {
		return err
	}
	if f.AccessMode, err = s.readU32(); err != nil {
		return err
	}
	s.record(f)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.reply("ACCS"); err != nil {
		return err
	}
	if err := s.writeU32(s.access[f.Path]); err != nil {
		return err
	}
	return s.out.Flush()
}

func (s *Supervisor) serveStat(f Frame) error {
	var err error
	if f.Path, err = s.readStr(); err != nil {
		return err
	}
	s.record(f)

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stats[f.Path]
	if err := s.reply("STAT"); err != nil {
		return err
	}
	if !ok {
		if err := s.writeU32(0); err != nil {
			return err
		}
		return s.out.Flush()
	}

	fields := []uint32{
		st.Dev, st.Ino, st.Mode, st.Nlink, st.Uid, st.Gid, st.Rdev,
		st.Size, st.Blksize, st.Blocks,
		st.Atime, st.AtimeNsec, st.Ctime, st.CtimeNsec, st.Mtime, st.MtimeNsec,
	}
	if err := s.writeU32(1); err != nil {
		return err
	}
	for _, v := range fields {
		if err := s.writeU32(v); err != nil {
			return err
		}
	}
	return s.out.Flush()
}

func (s *Supervisor) serveGetPic(f Frame) error {
	var err error
	if f.Path, err = s.readStr(); err != nil {
		return err
	}
	if f.PicType, err = s.readI32(); err != nil {
		return err
	}
	if f.PicPage, err = s.readI32(); err != nil {
		return err
	}
	s.record(f)

	s.mu.Lock()
	defer s.mu.Unlock()

	bounds, ok := s.pics[picKey{f.Path, f.PicType, f.PicPage}]
	if !ok {
		return s.reply("PASS")
	}

	if err := s.reply("GPIC"); err != nil {
		return err
	}
	for _, b := range bounds {
		if err := s.writeU32(math.Float32bits(b)); err != nil {
			return err
		}
	}
	return s.out.Flush()
}

func (s *Supervisor) serveSetPic(f Frame) error {
	var err error
	if f.Path, err = s.readStr(); err != nil {
		return err
	}
	if f.PicType, err = s.readI32(); err != nil {
		return err
	}
	if f.PicPage, err = s.readI32(); err != nil {
		return err
	}
	for i := range f.Bounds {
		v, err := s.readU32()
		if err != nil {
			return err
		}
		f.Bounds[i] = math.Float32frombits(v)
	}
	s.record(f)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pics[picKey{f.Path, f.PicType, f.PicPage}] = f.Bounds
	return s.reply("DONE")
}

func (s *Supervisor) serveChild(f Frame) error {
	var err error
	if f.Pid, err = s.readI32(); err != nil {
		return err
	}
	s.record(f)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reply("DONE")
}

func (s *Supervisor) serveBack(f Frame) error {
	var err error
	if f.Parent, err = s.readI32(); err != nil {
		return err
	}
	if f.Child, err = s.readI32(); err != nil {
		return err
	}
	if f.ExitCode, err = s.readU32(); err != nil {
		return err
	}
	s.record(f)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.passNextBack {
		s.passNextBack = false
		return s.reply("PASS")
	}
	return s.reply("DONE")
}

////////////////////////////////////////////////////////////////////////
// Wire helpers
////////////////////////////////////////////////////////////////////////

func (s *Supervisor) readTag() (string, error) {
	var buf [4]byte
	if _, err := io.ReadFull(s.in, buf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return "", err
	}
	return string(buf[:]), nil
}

func (s *Supervisor) readU32() (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(s.in, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (s *Supervisor) readI32() (int32, error) {
	v, err := s.readU32()
	return int32(v), err
}

func (s *Supervisor) readStr() (string, error) {
	str, err := s.in.ReadString(0)
	if err != nil {
		return "", err
	}
	return str[:len(str)-1], nil
}

// reply emits a reply tag, preceded by any scripted control tag.
//
// LOCKS_REQUIRED(s.mu)
func (s *Supervisor) reply(tag string) error {
	if s.flushNextReply {
		s.flushNextReply = false
		if _, err := s.out.WriteString("FLSH"); err != nil {
			return err
		}
	}

	if _, err := s.out.WriteString(tag); err != nil {
		return err
	}
	return s.out.Flush()
}

func (s *Supervisor) writeU32(v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := s.out.Write(buf[:])
	return err
}

func (s *Supervisor) record(f Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = append(s.transcript, f)
}

// storeAt writes chunk into data at pos, growing data as needed.
func storeAt(data []byte, pos uint32, chunk []byte) []byte {
	end := int(pos) + len(chunk)
	for len(data) < end {
		data = append(data, 0)
	}
	copy(data[pos:end], chunk)
	return data
}

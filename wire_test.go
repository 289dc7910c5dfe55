// Copyright 2024 the TeXpresso Go Authors.

package texpresso

import (
	"encoding/binary"
	"io"
	"os"
	"strings"
	"testing"

	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (server *os.File, client *os.File) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	return os.NewFile(uintptr(fds[0]), "server"), os.NewFile(uintptr(fds[1]), "client")
}

// connectScripted starts a raw server goroutine that completes the
// handshake, then runs script with the server end of the channel.
func connectScripted(t *testing.T, script func(conn *os.File)) *Client {
	server, client := socketpair(t)
	t.Cleanup(func() { server.Close() })

	go func() {
		var hs [12]byte
		if _, err := io.ReadFull(server, hs[:]); err != nil {
			return
		}
		server.Write([]byte(handshakeServer))
		script(server)
	}()

	c, err := Connect(client, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return c
}

type exitCall struct {
	code int
}

// withExitHook runs f with exits captured instead of performed.
func withExitHook(f func()) (code int, exited bool) {
	orig := exitProcess
	defer func() { exitProcess = orig }()
	exitProcess = func(c int) { panic(exitCall{c}) }

	defer func() {
		if r := recover(); r != nil {
			call, ok := r.(exitCall)
			if !ok {
				panic(r)
			}
			code = call.code
			exited = true
		}
	}()

	f()
	return
}

// discardRequest consumes a fixed-size request (tag, stamp, fields).
func discardRequest(conn *os.File, fieldBytes int) {
	buf := make([]byte, 8+fieldBytes)
	io.ReadFull(conn, buf)
}

func TestTermForThisProcessExits(t *testing.T) {
	c := connectScripted(t, func(conn *os.File) {
		discardRequest(conn, 4) // SIZE: one file id

		var reply [8]byte
		copy(reply[:4], "TERM")
		binary.LittleEndian.PutUint32(reply[4:], uint32(os.Getpid()))
		conn.Write(reply[:])
	})

	code, exited := withExitHook(func() { c.Size(0) })
	if !exited {
		t.Fatal("expected the client to exit on TERM")
	}
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
}

func TestTermForOtherProcessPanics(t *testing.T) {
	c := connectScripted(t, func(conn *os.File) {
		discardRequest(conn, 4)

		var reply [8]byte
		copy(reply[:4], "TERM")
		binary.LittleEndian.PutUint32(reply[4:], uint32(os.Getpid()+1))
		conn.Write(reply[:])
	})

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected a panic on a mismatched TERM pid")
		}
		if !strings.Contains(r.(string), "TERM") {
			t.Errorf("panic = %v, want mention of TERM", r)
		}
	}()
	c.Size(0)
}

func TestUnexpectedReplyTagPanics(t *testing.T) {
	c := connectScripted(t, func(conn *os.File) {
		discardRequest(conn, 4)
		conn.Write([]byte("JUNK"))
	})

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected a panic on an unknown reply tag")
		}
		if !strings.Contains(r.(string), "unexpected tag") {
			t.Errorf("panic = %v, want mention of the tag", r)
		}
	}()
	c.Size(0)
}

func TestOversizedReadReplyPanics(t *testing.T) {
	c := connectScripted(t, func(conn *os.File) {
		discardRequest(conn, 12) // READ: id, pos, max

		var reply [8]byte
		copy(reply[:4], "READ")
		binary.LittleEndian.PutUint32(reply[4:], 2000)
		conn.Write(reply[:])
	})

	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic when the reply exceeds the buffer")
		}
	}()

	buf := make([]byte, 1024)
	c.Read(0, 0, buf)
}

func TestChannelFailureIsFatal(t *testing.T) {
	c := connectScripted(t, func(conn *os.File) {
		// Hang up instead of replying.
		conn.Close()
	})

	code, exited := withExitHook(func() { c.Size(0) })
	if !exited {
		t.Fatal("expected the client to exit on a dead channel")
	}
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
}

func TestClientFromEnvAbsent(t *testing.T) {
	os.Unsetenv(EnvChannelFd)

	c, err := ClientFromEnv(nil)
	if err != nil {
		t.Fatalf("ClientFromEnv: %v", err)
	}
	if c != nil {
		t.Error("expected a nil client when the variable is absent")
	}
}

func TestClientFromEnvMalformed(t *testing.T) {
	t.Setenv(EnvChannelFd, "bogus")

	_, err := ClientFromEnv(nil)
	if err == nil {
		t.Error("expected an error for a malformed descriptor")
	}
}

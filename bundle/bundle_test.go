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

package bundle_test

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"testing"

	"github.com/merv1n34k/texpresso"
	"github.com/merv1n34k/texpresso/bundle"
	"github.com/merv1n34k/texpresso/ioprovider"
	"github.com/merv1n34k/texpresso/texpressotesting"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

////////////////////////////////////////////////////////////////////////
// URL parsing
////////////////////////////////////////////////////////////////////////

func TestParseURL(t *testing.T) {
	lock, output, input, err := bundle.ParseURL("texpresso-bundle://7,8,9")
	require.NoError(t, err)
	assert.Equal(t, 7, lock)
	assert.Equal(t, 8, output)
	assert.Equal(t, 9, input)
}

func TestParseURLRejectsGarbage(t *testing.T) {
	cases := []string{
		"texpresso://7,8,9",
		"texpresso-bundle://7,8",
		"texpresso-bundle://7,8,9,10",
		"texpresso-bundle://a,8,9",
	}
	for _, url := range cases {
		_, _, _, err := bundle.ParseURL(url)
		assert.Error(t, err, "url %q", url)
	}
}

////////////////////////////////////////////////////////////////////////
// Bundle-only fd mode
////////////////////////////////////////////////////////////////////////

// lineServer answers newline-terminated name requests with scripted typed
// replies, counting the requests it sees.
type lineServer struct {
	replies  map[string]func() (byte, []byte)
	requests atomic.Int64
}

func (s *lineServer) run(requests io.Reader, replies io.Writer) {
	in := bufio.NewReader(requests)
	for {
		line, err := in.ReadString('\n')
		if err != nil {
			return
		}
		s.requests.Add(1)

		name := line[:len(line)-1]
		kind, payload := byte('E'), []byte("no such resource")
		if f, ok := s.replies[name]; ok {
			kind, payload = f()
		}

		var header [9]byte
		header[0] = kind
		binary.LittleEndian.PutUint64(header[1:], uint64(len(payload)))
		replies.Write(header[:])
		replies.Write(payload)
	}
}

// startFdBundle wires an FdBundle to a lineServer over two pipes and a
// temp-file lock.
func startFdBundle(t *testing.T, server *lineServer) *bundle.FdBundle {
	t.Helper()

	reqR, reqW, err := os.Pipe()
	require.NoError(t, err)
	respR, respW, err := os.Pipe()
	require.NoError(t, err)

	lock, err := os.CreateTemp(t.TempDir(), "bundle-lock")
	require.NoError(t, err)

	t.Cleanup(func() {
		reqW.Close()
		reqR.Close()
		respW.Close()
		respR.Close()
		lock.Close()
	})

	go server.run(reqR, respW)

	url := fmt.Sprintf("texpresso-bundle://%d,%d,%d",
		lock.Fd(), reqW.Fd(), respR.Fd())
	b, err := bundle.OpenURL(url)
	require.NoError(t, err)
	return b
}

func TestFdBundleContentReply(t *testing.T) {
	server := &lineServer{replies: map[string]func() (byte, []byte){
		"article.cls": func() (byte, []byte) { return 'C', []byte("\\ProvidesClass{article}") },
	}}
	b := startFdBundle(t, server)

	r, err := b.InputOpenName("article.cls")
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "\\ProvidesClass{article}", string(data))
	require.NoError(t, r.Close())

	// A second request for the same name is served from the memo without
	// another round trip.
	r, err = b.InputOpenName("article.cls")
	require.NoError(t, err)
	data, err = io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "\\ProvidesClass{article}", string(data))

	assert.Equal(t, int64(1), server.requests.Load())
}

func TestFdBundlePathReply(t *testing.T) {
	path := fmt.Sprintf("%s/lmroman.otf", t.TempDir())
	require.NoError(t, os.WriteFile(path, []byte("font bytes"), 0644))

	server := &lineServer{replies: map[string]func() (byte, []byte){
		"lmroman.otf": func() (byte, []byte) { return 'P', []byte(path) },
	}}
	b := startFdBundle(t, server)

	r, err := b.InputOpenName("lmroman.otf")
	require.NoError(t, err)
	defer r.Close()

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "font bytes", string(data))
}

func TestFdBundleErrorReply(t *testing.T) {
	server := &lineServer{replies: map[string]func() (byte, []byte){}}
	b := startFdBundle(t, server)

	_, err := b.InputOpenName("nope.sty")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such resource")

	// Negative replies are memoized too.
	_, err = b.InputOpenName("nope.sty")
	require.Error(t, err)
	assert.Equal(t, int64(1), server.requests.Load())
}

////////////////////////////////////////////////////////////////////////
// Supervisor-backed bundle with fallback
////////////////////////////////////////////////////////////////////////

// mapBundle is an in-memory fallback bundle.
type mapBundle struct {
	files map[string][]byte
}

type mapFile struct {
	*bytes.Reader
}

func (*mapFile) Close() error { return nil }

func (b *mapBundle) AllFiles() ([]string, error) {
	var names []string
	for name := range b.files {
		names = append(names, name)
	}
	return names, nil
}

func (b *mapBundle) InputOpenName(name string) (io.ReadSeekCloser, error) {
	data, ok := b.files[name]
	if !ok {
		return nil, texpresso.ErrNotAvailable
	}
	return &mapFile{Reader: bytes.NewReader(data)}, nil
}

func startSupervisorBundle(t *testing.T, fallback bundle.Bundle) (*texpressotesting.Supervisor, *bundle.TexpressoBundle) {
	t.Helper()

	serverFile, clientFile, err := texpressotesting.Socketpair()
	require.NoError(t, err)

	sup := texpressotesting.StartSupervisor(serverFile)
	t.Cleanup(func() {
		clientFile.Close()
		sup.Close()
	})

	client, err := texpresso.Connect(clientFile, nil)
	require.NoError(t, err)

	prov := ioprovider.New(client, "main.tex", nil)
	return sup, bundle.New(prov, fallback)
}

func TestBundlePrefersSupervisor(t *testing.T) {
	fallback := &mapBundle{files: map[string][]byte{
		"body.tex": []byte("fallback copy"),
	}}
	sup, b := startSupervisorBundle(t, fallback)
	sup.AddFile("body.tex", []byte("supervisor copy"))

	r, err := b.InputOpenName("body.tex")
	require.NoError(t, err)
	defer r.Close()

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "supervisor copy", string(data))
}

func TestBundleFallsBack(t *testing.T) {
	fallback := &mapBundle{files: map[string][]byte{
		"texmf.cnf": []byte("settings"),
	}}
	_, b := startSupervisorBundle(t, fallback)

	r, err := b.InputOpenName("texmf.cnf")
	require.NoError(t, err)
	defer r.Close()

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "settings", string(data))
}

func TestBundleFormatSkipsSupervisor(t *testing.T) {
	fallback := &mapBundle{files: map[string][]byte{
		"plain.fmt": []byte("format dump"),
	}}
	sup, b := startSupervisorBundle(t, fallback)
	sup.AddFile("plain.fmt", []byte("should not be consulted"))

	r, err := b.InputOpenFormat("plain.fmt")
	require.NoError(t, err)
	defer r.Close()

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "format dump", string(data))

	// The supervisor never saw an OPEN for the format file.
	assert.Empty(t, sup.TagTrace())
}

func TestBundleAllFiles(t *testing.T) {
	fallback := &mapBundle{files: map[string][]byte{
		"a.sty": nil,
	}}
	_, b := startSupervisorBundle(t, fallback)

	names, err := b.AllFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.sty"}, names)
}

func TestBundleMissingEverywhere(t *testing.T) {
	fallback := &mapBundle{files: map[string][]byte{}}
	_, b := startSupervisorBundle(t, fallback)

	_, err := b.InputOpenName("ghost.tex")
	assert.ErrorIs(t, err, texpresso.ErrNotAvailable)
}

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

// Package status routes the engine's status reports through the
// supervisor's stdout stream.
package status

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// MessageKind classifies a status report.
type MessageKind int

const (
	Note MessageKind = iota
	Warning
	Error
)

// ChatterLevel controls how much the backend relays.
type ChatterLevel int

const (
	// Minimal suppresses notes.
	Minimal ChatterLevel = iota
	Normal
)

// SuppressMessage reports whether a message of the given kind should be
// dropped at this chatter level.
func (c ChatterLevel) SuppressMessage(kind MessageKind) bool {
	return c == Minimal && kind == Note
}

// A Backend consumes status reports from the engine.
type Backend interface {
	// Report emits one message, with an optional error whose cause chain is
	// appended.
	Report(kind MessageKind, msg string, err error)

	// ReportError emits an error and its cause chain.
	ReportError(err error)

	// NoteHighlighted emits a note assembled from three fragments, the
	// middle one highlighted where the medium allows.
	NoteHighlighted(before, highlighted, after string)

	// DumpErrorLogs relays raw engine log output.
	DumpErrorLogs(output []byte)
}

const ruleLine = "==============================================================================="

// TexpressoBackend writes reports to the supervisor-routed stdout handle.
// The handle interleaves safely with ordinary output because every
// emission path funnels through the same client.
type TexpressoBackend struct {
	chatter ChatterLevel
	output  io.Writer

	// Raw log dumps go here; defaults to the real stderr.
	errOutput io.Writer
}

// New creates a backend with the given chatter level, writing to the
// supplied stdout handle.
func New(chatter ChatterLevel, output io.Writer) *TexpressoBackend {
	return &TexpressoBackend{
		chatter:   chatter,
		output:    output,
		errOutput: os.Stderr,
	}
}

func prefixFor(kind MessageKind) string {
	switch kind {
	case Note:
		return "note:"
	case Warning:
		return "warning:"
	default:
		return "error:"
	}
}

func (b *TexpressoBackend) Report(kind MessageKind, msg string, err error) {
	if b.chatter.SuppressMessage(kind) {
		return
	}

	fmt.Fprintf(b.output, "%s %s\n", prefixFor(kind), msg)
	for e := err; e != nil; e = errors.Unwrap(e) {
		fmt.Fprintf(b.output, "caused by: %s\n", e)
	}
}

func (b *TexpressoBackend) ReportError(err error) {
	prefix := "error"
	for e := err; e != nil; e = errors.Unwrap(e) {
		fmt.Fprintf(b.output, "%s: %s\n", prefix, e)
		prefix = "caused by"
	}
}

func (b *TexpressoBackend) NoteHighlighted(before, highlighted, after string) {
	var sb strings.Builder
	sb.WriteString(before)
	sb.WriteString(highlighted)
	sb.WriteString(after)
	b.Report(Note, sb.String(), nil)
}

// DumpErrorLogs sandwiches the raw bytes between rule lines. The rules go
// to the supervisor so it can delimit the dump; the bytes themselves go to
// stderr, uninterpreted.
func (b *TexpressoBackend) DumpErrorLogs(output []byte) {
	fmt.Fprintln(b.output, ruleLine)

	if _, err := b.errOutput.Write(output); err != nil {
		panic(fmt.Sprintf("status: write to stderr failed: %v", err))
	}

	fmt.Fprintln(b.output, ruleLine)
}

var _ Backend = (*TexpressoBackend)(nil)

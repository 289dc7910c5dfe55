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

// Package bundle glues the TeXpresso client to the engine's resource
// bundle machinery: supervisor-served inputs with a fallback bundle for
// format and font files the supervisor never serves, plus a degenerate
// "bundle-only" mode speaking a line/binary protocol over pre-opened
// descriptors.
package bundle

import (
	"errors"
	"io"

	"github.com/merv1n34k/texpresso"
	"github.com/merv1n34k/texpresso/ioprovider"
)

// A Bundle provides named read-only resources.
type Bundle interface {
	// AllFiles lists every name the bundle can serve.
	AllFiles() ([]string, error)

	// InputOpenName opens the named resource. The error is
	// texpresso.ErrNotAvailable when the bundle does not carry the name.
	InputOpenName(name string) (io.ReadSeekCloser, error)
}

// TexpressoBundle serves inputs from the supervisor where possible and
// falls back to another bundle otherwise. Format-file lookups go straight
// to the fallback: the supervisor does not serve them.
type TexpressoBundle struct {
	io       *ioprovider.IO
	fallback Bundle
}

// New wraps a provider and a fallback bundle.
func New(io *ioprovider.IO, fallback Bundle) *TexpressoBundle {
	return &TexpressoBundle{io: io, fallback: fallback}
}

// AllFiles lists the fallback's files; the supervisor's namespace is not
// enumerable.
func (b *TexpressoBundle) AllFiles() ([]string, error) {
	return b.fallback.AllFiles()
}

// InputOpenName tries the supervisor first, then the fallback.
func (b *TexpressoBundle) InputOpenName(name string) (io.ReadSeekCloser, error) {
	r, err := b.io.InputOpenName(name)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, texpresso.ErrNotAvailable) {
		return nil, err
	}
	return b.fallback.InputOpenName(name)
}

// InputOpenFormat opens a format file from the fallback bundle.
func (b *TexpressoBundle) InputOpenFormat(name string) (io.ReadSeekCloser, error) {
	return b.fallback.InputOpenName(name)
}

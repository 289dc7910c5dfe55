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

// Package texpresso implements the engine side of the TeXpresso live
// preview protocol: a tagged, length-delimited request/response framing
// over a duplex byte channel to an external supervisor that drives
// incremental recompilation.
//
// The primary elements of interest are:
//
//   - Client, the protocol endpoint. It owns the channel, coalesces SEEN
//     notifications and sequential writes, and tracks the generation
//     counter that invalidates cached reads.
//
//   - ClientFromEnv, which adopts the descriptor named by TEXPRESSO_FD and
//     performs the handshake.
//
//   - Package ioprovider, which exposes named-file open/read/write/seek on
//     top of a Client for consumption by a typesetting engine, including
//     the speculative-fork handshake on stalled reads.
//
// The supervisor may, in reply to a READ, ask the client to fork so that
// later edits can be replayed cheaply from a saved process image. Hosts
// must therefore only call into a Client from a single thread.
package texpresso

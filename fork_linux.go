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

//go:build linux

package texpresso

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// processCPUClock implements timeutil.Clock on top of the per-process CPU
// clock, so that request timestamps reflect the engine's cumulative work
// rather than wall time.
type processCPUClock struct{}

func (processCPUClock) Now() time.Time {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_PROCESS_CPUTIME_ID, &ts); err != nil {
		panic(fmt.Sprintf("texpresso: ClockGettime: %v", err))
	}
	return time.Unix(ts.Sec, ts.Nsec)
}

// forkProcess duplicates the process, returning the child pid in the parent
// and zero in the child. The engine runs single-threaded, so the child only
// ever continues the calling thread.
func forkProcess() (int, error) {
	pid, _, errno := unix.Syscall(unix.SYS_FORK, 0, 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(pid), nil
}

// waitAnyChild blocks until a child terminates, returning its pid and raw
// wait status.
func waitAnyChild() (int, uint32, error) {
	var status unix.WaitStatus
	pid, err := unix.Wait4(-1, &status, 0, nil)
	if err != nil {
		return 0, 0, err
	}
	return pid, uint32(status), nil
}

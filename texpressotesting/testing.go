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

package texpressotesting

import (
	"fmt"
	"os"
	"time"

	"github.com/jacobsa/ogletest"
	"github.com/jacobsa/timeutil"
	"github.com/merv1n34k/texpresso"
	"golang.org/x/net/context"
)

// SupervisorTest implements common behavior needed by tests that exercise
// a connected client. Embed it in your test fixture; set Config before
// SetUp runs if the client needs non-default knobs.
type SupervisorTest struct {
	// Optional client configuration consulted by SetUp. The clock defaults
	// to the fixture's simulated clock.
	Config texpresso.ClientConfig

	// A context object that can be used for long-running operations.
	Ctx context.Context

	// A simulated clock with a fixed initial time, wired into the client so
	// that request time stamps are deterministic.
	Clock timeutil.SimulatedClock

	// The scripted peer and the client under test.
	Supervisor *Supervisor
	Client     *texpresso.Client

	clientFile *os.File
}

// SetUp connects a client to a fresh scripted supervisor. Panics on error.
func (t *SupervisorTest) SetUp(ti *ogletest.TestInfo) {
	if err := t.initialize(); err != nil {
		panic(err)
	}
}

func (t *SupervisorTest) initialize() error {
	t.Ctx = context.Background()
	t.Clock.SetTime(time.Date(2024, 4, 2, 9, 30, 0, 0, time.Local))

	serverFile, clientFile, err := Socketpair()
	if err != nil {
		return fmt.Errorf("Socketpair: %v", err)
	}
	t.clientFile = clientFile

	t.Supervisor = StartSupervisor(serverFile)

	cfg := t.Config
	if cfg.Clock == nil {
		cfg.Clock = &t.Clock
	}

	t.Client, err = texpresso.Connect(clientFile, &cfg)
	if err != nil {
		return fmt.Errorf("Connect: %v", err)
	}

	return nil
}

// TearDown closes the client's end of the channel and waits for the
// supervisor's serve loop to wind down. Panics on a serve-loop error.
func (t *SupervisorTest) TearDown() {
	if err := t.destroy(); err != nil {
		panic(err)
	}
}

func (t *SupervisorTest) destroy() error {
	if t.clientFile != nil {
		if err := t.clientFile.Close(); err != nil {
			return fmt.Errorf("closing channel: %v", err)
		}
	}

	if t.Supervisor != nil {
		if err := t.Supervisor.Join(); err != nil {
			return fmt.Errorf("supervisor: %v", err)
		}
		if err := t.Supervisor.Close(); err != nil {
			return fmt.Errorf("closing supervisor: %v", err)
		}
	}

	return nil
}

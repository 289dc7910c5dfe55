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

// texpresso-probe is a smoke-check tool for a running supervisor: it
// connects over the inherited channel, performs the handshake, and can
// stream a supervisor-served file to stdout.
package main

import (
	"errors"
	"fmt"
	"io"
	stdlog "log"
	"os"

	"github.com/merv1n34k/texpresso"
	"github.com/merv1n34k/texpresso/ioprovider"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	fFd    int
	fDebug bool
)

func connect() (*texpresso.Client, error) {
	cfg := &texpresso.ClientConfig{}
	if fDebug {
		log.SetLevel(log.DebugLevel)
		cfg.DebugLogger = stdlog.New(os.Stderr, "texpresso: ", stdlog.Ltime|stdlog.Lmicroseconds)
	}

	if fFd >= 0 {
		return texpresso.ConnectRawFd(fFd, cfg)
	}

	client, err := texpresso.ClientFromEnv(cfg)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("%s is not set; pass --fd", texpresso.EnvChannelFd)
	}
	return client, nil
}

func runHandshake(cmd *cobra.Command, args []string) error {
	if _, err := connect(); err != nil {
		return err
	}

	log.Info("[probe] handshake OK")
	return nil
}

func runCat(cmd *cobra.Command, args []string) error {
	client, err := connect()
	if err != nil {
		return err
	}

	name := args[0]
	prov := ioprovider.New(client, name, nil)

	r, err := prov.InputOpenName(name)
	if errors.Is(err, texpresso.ErrNotAvailable) {
		return fmt.Errorf("supervisor declined %q", name)
	}
	if err != nil {
		return err
	}
	defer r.Close()

	log.Debugf("[probe] opened %q as %q", name, r.Name())

	if _, err := io.Copy(os.Stdout, r); err != nil {
		return err
	}
	return nil
}

func main() {
	root := &cobra.Command{
		Use:           "texpresso-probe",
		Short:         "Exercise a TeXpresso supervisor over the inherited channel.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().IntVar(&fFd, "fd", -1,
		"Channel descriptor. -1 means consult "+texpresso.EnvChannelFd+".")
	root.PersistentFlags().BoolVar(&fDebug, "debug", false,
		"Write wire traces to stderr.")

	root.AddCommand(&cobra.Command{
		Use:   "handshake",
		Short: "Connect, shake hands, exit.",
		Args:  cobra.NoArgs,
		RunE:  runHandshake,
	})
	root.AddCommand(&cobra.Command{
		Use:   "cat <name>",
		Short: "Stream a supervisor-served file to stdout.",
		Args:  cobra.ExactArgs(1),
		RunE:  runCat,
	})

	if err := root.Execute(); err != nil {
		log.Errorf("[probe] %v", err)
		os.Exit(1)
	}
}

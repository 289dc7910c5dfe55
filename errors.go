// Copyright 2024 the TeXpresso Go Authors.

package texpresso

import (
	"errors"
	"os"

	"github.com/sirupsen/logrus"
)

// ErrNotAvailable is the soft negative surfaced when the supervisor (or a
// bundle) declines to serve a name. Callers fall back or report "no such
// file"; nothing exits.
var ErrNotAvailable = errors.New("texpresso: not available")

// exitProcess is a hook so tests can observe fatal exits.
var exitProcess = os.Exit

// fatalf reports an unrecoverable channel failure and exits with code 1.
// There is no retry: once a read or write on the channel fails, the frame
// stream is unusable.
func fatalf(format string, v ...interface{}) {
	logrus.Errorf("[texpresso] "+format, v...)
	exitProcess(1)
	panic("texpresso: exit hook returned")
}

//go:build unix

package main

import (
	"os"

	"golang.org/x/sys/unix"
)

var stopSignals = []os.Signal{unix.SIGTERM, unix.SIGHUP}

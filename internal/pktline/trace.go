package pktline

import (
	"io"
	"os"
	"path/filepath"
)

// progname prefixes trace lines, matching the convention of the worker
// binaries that do most of the frame I/O.
var progname = filepath.Base(os.Args[0])

// traceOutput receives chatty frame dumps. Tests may swap it out.
var traceOutput io.Writer = os.Stderr

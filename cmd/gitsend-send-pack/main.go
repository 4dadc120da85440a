// The gitsend-send-pack worker speaks the send side of Git's smart
// protocol over a descriptor passed by the parent, reporting remote refs,
// upload progress, and per-ref status over the privsep bus.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"

	"github.com/rybkr/gitsend/internal/giterr"
	"github.com/rybkr/gitsend/internal/privsep"
	"github.com/rybkr/gitsend/internal/sendpack"
)

func main() {
	conn := privsep.ChildConn()

	var cancel atomic.Bool
	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, os.Interrupt)
	go func() {
		<-sigch
		cancel.Store(true)
	}()

	if err := privsep.Pledge("stdio recvfd"); err != nil {
		die(conn, err)
	}
	if err := sendpack.RunWorker(conn, &cancel); err != nil {
		die(conn, err)
	}
}

func die(conn *privsep.Conn, err error) {
	if !errors.Is(err, giterr.ErrCancelled) {
		fmt.Fprintf(os.Stderr, "%s: %v\n", filepath.Base(os.Args[0]), err)
		conn.SendError(err)
	}
	os.Exit(1)
}

// The gitsend-read-gitconfig worker parses gitconfig files from
// descriptors passed by the parent and streams the values back over the
// privsep bus.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"

	"github.com/rybkr/gitsend/internal/gitconfig"
	"github.com/rybkr/gitsend/internal/giterr"
	"github.com/rybkr/gitsend/internal/privsep"
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
	if err := gitconfig.RunWorker(conn, &cancel); err != nil {
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

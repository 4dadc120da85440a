package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/rybkr/gitsend/internal/gitcore"
	"github.com/rybkr/gitsend/internal/progress"
	"github.com/rybkr/gitsend/internal/sendpack"
)

// runSend connects to a remote's receive side and pushes a pre-built pack
// file along with reference updates. The TLS/SSH plumbing that usually
// produces the connection is out of scope here; plain TCP covers servers
// fronted by inetd-style receivers and local testing.
func runSend(repo *gitcore.Repository, args []string, verbosity int) int {
	var remoteAddr, packPath string
	var refNames, deleteNames []string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-r", "--remote":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "error: -r requires an address")
				return 1
			}
			remoteAddr = args[i+1]
			i++
		case "-p", "--pack":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "error: -p requires a pack file")
				return 1
			}
			packPath = args[i+1]
			i++
		case "-d", "--delete":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "error: -d requires a reference")
				return 1
			}
			deleteNames = append(deleteNames, args[i+1])
			i++
		default:
			refNames = append(refNames, args[i])
		}
	}
	if remoteAddr == "" || packPath == "" || (len(refNames) == 0 && len(deleteNames) == 0) {
		fmt.Fprintln(os.Stderr, "usage: gitsend send -r <host:port> -p <packfile> [-d <ref>] <ref>...")
		return 1
	}

	var updates []sendpack.RefUpdate
	for _, name := range refNames {
		id, err := repo.ResolveRef(name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			return 128
		}
		updates = append(updates, sendpack.RefUpdate{ID: id, Name: fullRefName(name)})
	}
	for _, name := range deleteNames {
		updates = append(updates, sendpack.RefUpdate{
			ID: gitcore.ZeroHash, Name: fullRefName(name), Delete: true,
		})
	}

	packFile, err := os.Open(packPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		return 128
	}
	defer packFile.Close()
	st, err := packFile.Stat()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		return 128
	}

	conn, err := net.Dial("tcp", remoteAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		return 128
	}
	defer conn.Close()
	remoteFile, err := conn.(*net.TCPConn).File()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		return 128
	}
	defer remoteFile.Close()

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	bar := progress.NewUpload("uploading "+packPath, st.Size())
	cb := sendpack.Callbacks{
		Progress: bar.Set,
		RemoteRef: func(id gitcore.Hash, name string) {
			if verbosity > 0 {
				fmt.Fprintf(os.Stderr, "remote has %s %s\n", name, id.Short())
			}
		},
		RefStatus: func(name string, success bool) {
			if success {
				fmt.Printf("ok %s\n", name)
			} else {
				fmt.Printf("ng %s\n", name)
			}
		},
	}

	err = sendpack.Send(ctx, "", remoteFile, packFile, updates, verbosity, cb)
	bar.Done()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		return 1
	}
	return 0
}

// fullRefName expands a bare branch name to its refs/heads form.
func fullRefName(name string) string {
	if name == "HEAD" || len(name) > 5 && name[:5] == "refs/" {
		return name
	}
	return "refs/heads/" + name
}

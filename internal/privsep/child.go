package privsep

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/rybkr/gitsend/internal/giterr"
)

// Child is a spawned worker process plus the parent end of its channel.
type Child struct {
	Name string
	Conn *Conn
	cmd  *exec.Cmd
}

// childFd is the descriptor number a worker inherits its channel on:
// the first ExtraFiles slot after stdin/stdout/stderr.
const childFd = 3

// Start spawns the named worker binary with one end of a fresh socketpair
// on descriptor 3. Binaries are looked up in libexecDir when given,
// next to the running executable otherwise, with $PATH as a fallback.
func Start(libexecDir, name string) (*Child, error) {
	parent, child, err := Socketpair()
	if err != nil {
		return nil, err
	}

	path, err := lookupWorker(libexecDir, name)
	if err != nil {
		parent.Close()
		child.Close()
		return nil, err
	}

	childFile := os.NewFile(uintptr(child.Fd()), name)
	cmd := exec.Command(path)
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{childFile}
	if err := cmd.Start(); err != nil {
		parent.Close()
		childFile.Close()
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	// The child inherited its copy; release ours.
	childFile.Close()

	return &Child{Name: name, Conn: parent, cmd: cmd}, nil
}

func lookupWorker(libexecDir, name string) (string, error) {
	if libexecDir != "" {
		return filepath.Join(libexecDir, name), nil
	}
	if self, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(self), name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("worker %s not found: %w", name, err)
	}
	return path, nil
}

// Stop asks the worker to terminate gracefully and reaps it. The first
// error observed wins; a worker that already exited is not an error.
func (ch *Child) Stop() error {
	var first error
	if err := ch.Conn.Send(&Msg{Type: MsgStop}); err != nil &&
		!errors.Is(err, os.ErrClosed) &&
		!errors.Is(err, giterr.ErrPrivsepPipe) {
		first = err
	}
	if err := ch.Conn.Close(); err != nil && first == nil {
		first = err
	}
	if ch.cmd != nil {
		if err := ch.cmd.Wait(); err != nil && first == nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				first = err
			}
		}
	}
	return first
}

// ChildConn returns the channel end a worker process inherited on
// descriptor 3.
func ChildConn() *Conn {
	return NewConn(childFd)
}

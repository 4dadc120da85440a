package gitconfig

import (
	"errors"
	"sync/atomic"

	"github.com/rybkr/gitsend/internal/giterr"
	"github.com/rybkr/gitsend/internal/privsep"
)

// RunWorker services gitconfig parse requests until the parent sends STOP
// or closes the channel. For each request the worker parses the attached
// descriptor and streams the values the engine cares about back to the
// parent, terminated by a DONE message.
func RunWorker(conn *privsep.Conn, cancel *atomic.Bool) error {
	for {
		if cancel.Load() {
			return giterr.ErrCancelled
		}
		m, err := conn.Recv()
		if err != nil {
			if errors.Is(err, giterr.ErrPrivsepPipe) {
				return nil // graceful parent close
			}
			return err
		}

		switch m.Type {
		case privsep.MsgStop:
			return nil

		case privsep.MsgGitconfigParseRequest:
			if m.File == nil {
				return giterr.ErrPrivsepNoFd
			}
			cfg, err := Parse(m.File)
			m.File.Close()
			if err != nil {
				return err
			}

			version := privsep.GitconfigInt{Value: int32(cfg.RepositoryFormatVersion())}
			if err := conn.Send(&privsep.Msg{
				Type: privsep.MsgGitconfigRepoFormatVersion,
				Data: version.Marshal(),
			}); err != nil {
				return err
			}
			exts := privsep.StringList{Values: cfg.Extensions()}
			if err := conn.Send(&privsep.Msg{
				Type: privsep.MsgGitconfigExtensions,
				Data: exts.Marshal(),
			}); err != nil {
				return err
			}
			if err := conn.Send(&privsep.Msg{
				Type: privsep.MsgGitconfigAuthor,
				Data: []byte(cfg.Author()),
			}); err != nil {
				return err
			}
			if err := conn.Send(&privsep.Msg{Type: privsep.MsgGitconfigDone}); err != nil {
				return err
			}

		default:
			return giterr.ErrPrivsepMsg
		}
	}
}

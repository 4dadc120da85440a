// Package readobj implements the read-object and read-commit workers:
// given the descriptor of a loose object, each decodes the object and
// returns it to the parent over the privsep bus. The workers never open
// files themselves; every descriptor they touch was inherited or passed.
package readobj

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/rybkr/gitsend/internal/giterr"
	"github.com/rybkr/gitsend/internal/gitcore"
	"github.com/rybkr/gitsend/internal/privsep"
)

// RunObjectWorker services raw-object requests until the parent sends
// STOP or closes the channel. A pending RAW_OBJECT_OUTFD message supplies
// the spill descriptor for payloads too large to return inline.
func RunObjectWorker(conn *privsep.Conn, cancel *atomic.Bool) error {
	var outFile *os.File
	defer func() {
		if outFile != nil {
			outFile.Close()
		}
	}()

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

		case privsep.MsgRawObjectOutFD:
			if m.File == nil {
				return giterr.ErrPrivsepNoFd
			}
			if outFile != nil {
				outFile.Close()
			}
			outFile = m.File

		case privsep.MsgRawObjectRequest:
			if m.File == nil {
				return giterr.ErrPrivsepNoFd
			}
			req, err := privsep.UnmarshalObjectRequest(m.Data)
			if err != nil {
				return err
			}
			id := gitcore.NewHashFromBytes(req.ID)
			ro, err := gitcore.ParseLooseObject(m.File, id)
			m.File.Close()
			if err != nil {
				return err
			}

			reply := privsep.RawObjectReply{
				Kind:   uint32(ro.Kind),
				Size:   ro.Size,
				HdrLen: int32(ro.HdrLen),
			}
			if len(ro.Data) <= maxInlinePayload {
				reply.Data = ro.Data
			} else {
				if outFile == nil {
					return giterr.ErrPrivsepNoFd
				}
				if _, err := outFile.Write(ro.Data); err != nil {
					return fmt.Errorf("write object payload: %w", err)
				}
				outFile.Close()
				outFile = nil
			}
			if err := conn.Send(&privsep.Msg{
				Type: privsep.MsgRawObject,
				Data: reply.Marshal(),
			}); err != nil {
				return err
			}

		default:
			return giterr.ErrPrivsepMsg
		}
	}
}

// maxInlinePayload leaves room for the reply's fixed fields inside one
// message.
const maxInlinePayload = privsep.MaxPayload - 64

// RunCommitWorker services commit-decode requests until the parent sends
// STOP or closes the channel.
func RunCommitWorker(conn *privsep.Conn, cancel *atomic.Bool) error {
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

		case privsep.MsgCommitRequest:
			if m.File == nil {
				return giterr.ErrPrivsepNoFd
			}
			req, err := privsep.UnmarshalObjectRequest(m.Data)
			if err != nil {
				return err
			}
			id := gitcore.NewHashFromBytes(req.ID)
			ro, err := gitcore.ParseLooseObject(m.File, id)
			m.File.Close()
			if err != nil {
				return err
			}
			if ro.Kind != gitcore.CommitObject {
				return fmt.Errorf("%w: %s is a %s, not a commit",
					giterr.ErrBadObjHdr, id.Short(), ro.Kind)
			}
			commit, err := gitcore.ParseCommit(ro.Data, id)
			if err != nil {
				return err
			}

			reply := privsep.CommitReply{
				Author:    commit.Author.String(),
				Committer: commit.Committer.String(),
				Message:   commit.Message,
			}
			if reply.Tree, err = commit.Tree.Bytes(); err != nil {
				return err
			}
			for _, p := range commit.Parents {
				raw, err := p.Bytes()
				if err != nil {
					return err
				}
				reply.Parents = append(reply.Parents, raw)
			}
			if err := conn.Send(&privsep.Msg{
				Type: privsep.MsgCommit,
				Data: reply.Marshal(),
			}); err != nil {
				return err
			}

		default:
			return giterr.ErrPrivsepMsg
		}
	}
}

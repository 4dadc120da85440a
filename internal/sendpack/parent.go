package sendpack

import (
	"context"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/rybkr/gitsend/internal/giterr"
	"github.com/rybkr/gitsend/internal/gitcore"
	"github.com/rybkr/gitsend/internal/metrics"
	"github.com/rybkr/gitsend/internal/privsep"
)

// workerSendPack is the send-pack worker binary name.
const workerSendPack = "gitsend-send-pack"

// RefUpdate is one reference the caller wants updated or deleted on the
// remote.
type RefUpdate struct {
	ID     gitcore.Hash
	Name   string
	Delete bool
}

// Callbacks receive the worker's reports as the send progresses. Any nil
// callback is skipped.
type Callbacks struct {
	// RemoteRef is called for each reference the remote advertises.
	RemoteRef func(id gitcore.Hash, name string)
	// Progress is called with the running upload byte total.
	Progress func(bytes int64)
	// RefStatus is called with the server's verdict on each sent ref.
	RefStatus func(name string, success bool)
}

// Send pushes packFile to the remote over the already-connected protocol
// descriptor, delegating the wire protocol to the send-pack worker. It
// returns once the worker reports completion; a failed ref makes the
// whole send fail after all statuses have been delivered.
func Send(ctx context.Context, libexecDir string, remote, packFile *os.File,
	updates []RefUpdate, verbosity int, cb Callbacks) error {

	ch, err := privsep.Start(libexecDir, workerSendPack)
	if err != nil {
		return err
	}
	defer ch.Stop()

	req := privsep.SendRequest{
		Verbosity: int32(verbosity),
		NRefs:     uint32(len(updates)),
	}
	if err := ch.Conn.Send(&privsep.Msg{
		Type: privsep.MsgSendRequest,
		Data: req.Marshal(),
		File: remote,
	}); err != nil {
		return err
	}
	for _, u := range updates {
		raw, err := u.ID.Bytes()
		if err != nil {
			return err
		}
		sr := privsep.SendRef{ID: raw, Delete: u.Delete, Name: u.Name}
		if err := ch.Conn.Send(&privsep.Msg{
			Type: privsep.MsgSendRef,
			Data: sr.Marshal(),
		}); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pump(ch.Conn, packFile, cb)
	})
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			// The caller gave up: ask the worker to stop.
			_ = ch.Conn.Send(&privsep.Msg{Type: privsep.MsgStop})
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// pump dispatches worker messages until SEND_DONE.
func pump(conn *privsep.Conn, packFile *os.File, cb Callbacks) error {
	var lastTotal int64
	var failed []string

	for {
		m, err := conn.Recv()
		if err != nil {
			if errors.Is(err, giterr.ErrPrivsepPipe) {
				return fmt.Errorf("%w: worker exited unexpectedly", giterr.ErrPrivsepPipe)
			}
			return err
		}
		switch m.Type {
		case privsep.MsgSendRemoteRef:
			rr, err := privsep.UnmarshalRemoteRef(m.Data)
			if err != nil {
				return err
			}
			if cb.RemoteRef != nil {
				cb.RemoteRef(gitcore.NewHashFromBytes(rr.ID), rr.Name)
			}

		case privsep.MsgSendPackRequest:
			if err := conn.Send(&privsep.Msg{
				Type: privsep.MsgSendPackFD,
				File: packFile,
			}); err != nil {
				return err
			}

		case privsep.MsgSendUploadProgress:
			p, err := privsep.UnmarshalUploadProgress(m.Data)
			if err != nil {
				return err
			}
			metrics.UploadBytes(p.Bytes - lastTotal)
			lastTotal = p.Bytes
			if cb.Progress != nil {
				cb.Progress(p.Bytes)
			}

		case privsep.MsgSendRefStatus:
			st, err := privsep.UnmarshalRefStatus(m.Data)
			if err != nil {
				return err
			}
			if !st.Success {
				failed = append(failed, st.Name)
			}
			if cb.RefStatus != nil {
				cb.RefStatus(st.Name, st.Success)
			}

		case privsep.MsgSendDone:
			if len(failed) > 0 {
				return fmt.Errorf("%w: server rejected %s",
					giterr.ErrSendFailed, failed[0])
			}
			return nil

		case privsep.MsgError:
			return fmt.Errorf("send-pack: %s", string(m.Data))

		default:
			return giterr.ErrPrivsepMsg
		}
	}
}

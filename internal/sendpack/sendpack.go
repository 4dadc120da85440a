// Package sendpack speaks the send side of Git's smart v1 protocol: it
// reads the remote's ref advertisement, negotiates capabilities, emits
// ref updates, streams a pack file, and relays the remote's per-ref
// status. The protocol runs inside a privilege-separated worker that
// talks to its parent over the privsep bus; the parent-side driver lives
// in parent.go.
package sendpack

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/rybkr/gitsend/internal/giterr"
	"github.com/rybkr/gitsend/internal/gitcore"
	"github.com/rybkr/gitsend/internal/pktline"
	"github.com/rybkr/gitsend/internal/privsep"
)

// Version is stamped into the agent capability.
var Version = "0.1.0"

// Capability names shared with git.
const (
	capaAgent        = "agent"
	capaOfsDelta     = "ofs-delta"
	capaReportStatus = "report-status"
	capaDeleteRefs   = "delete-refs"
)

// capability is one entry of the worker's advertised set.
type capability struct {
	key   string
	value string
}

func supportedCapabilities() []capability {
	return []capability{
		{capaAgent, "gitsend/" + Version},
		{capaOfsDelta, ""},
		{capaReportStatus, ""},
		{capaDeleteRefs, ""},
	}
}

// pktMax sizes the frame buffer for everything the remote may send.
const pktMax = 65536

// uploadChunkSize is how much pack data is written per chunk; a progress
// message follows each chunk.
const uploadChunkSize = 8192

// ref is one reference the parent asked us to update or delete.
type ref struct {
	id     gitcore.Hash
	name   string
	delete bool
}

// session carries the worker's state through the protocol phases.
type session struct {
	conn    *privsep.Conn
	remote  *os.File
	chatty  int
	cancel  *atomic.Bool
	refs    []ref
	deletes []ref

	theirRefs      map[string]gitcore.Hash
	myCapabilities string
	nsent          int
}

func progname() string {
	return filepath.Base(os.Args[0])
}

// RunWorker is the worker main loop: it receives the send request and the
// refs from the parent, then drives the wire protocol to completion.
func RunWorker(conn *privsep.Conn, cancel *atomic.Bool) error {
	m, err := conn.Recv()
	if err != nil {
		if errors.Is(err, giterr.ErrPrivsepPipe) {
			return nil // graceful parent close
		}
		return err
	}
	if m.Type == privsep.MsgStop {
		return nil
	}
	if m.Type != privsep.MsgSendRequest {
		return giterr.ErrPrivsepMsg
	}
	req, err := privsep.UnmarshalSendRequest(m.Data)
	if err != nil {
		return err
	}
	if m.File == nil {
		return giterr.ErrPrivsepNoFd
	}

	s := &session{
		conn:      conn,
		remote:    m.File,
		chatty:    int(req.Verbosity),
		cancel:    cancel,
		theirRefs: make(map[string]gitcore.Hash),
	}
	defer s.remote.Close()

	for i := uint32(0); i < req.NRefs; i++ {
		if cancel.Load() {
			return giterr.ErrCancelled
		}
		m, err := conn.Recv()
		if err != nil {
			if errors.Is(err, giterr.ErrPrivsepPipe) {
				return nil
			}
			return err
		}
		if m.Type == privsep.MsgStop {
			return nil
		}
		if m.Type != privsep.MsgSendRef {
			return giterr.ErrPrivsepMsg
		}
		sr, err := privsep.UnmarshalSendRef(m.Data)
		if err != nil {
			return err
		}

		// References that only make sense inside the local repository
		// must never reach a remote.
		if strings.HasPrefix(sr.Name, "refs/got/") ||
			strings.HasPrefix(sr.Name, "refs/remotes/") {
			return fmt.Errorf("%w: %s", giterr.ErrSendBadRef, sr.Name)
		}

		r := ref{
			id:     gitcore.NewHashFromBytes(sr.ID),
			name:   sr.Name,
			delete: sr.Delete,
		}
		if r.delete {
			s.deletes = append(s.deletes, r)
		} else {
			s.refs = append(s.refs, r)
		}
	}

	return s.run()
}

// run walks the protocol state machine: read the advertisement, emit
// updates, upload the pack, read the status report, notify the parent.
func (s *session) run() error {
	if len(s.refs) == 0 && len(s.deletes) == 0 {
		return giterr.ErrSendEmpty
	}

	if err := s.readRefAdvertisement(); err != nil {
		return err
	}
	nsent, err := s.writeUpdates()
	if err != nil {
		return err
	}
	s.nsent = nsent

	if err := s.uploadPack(); err != nil {
		return err
	}
	if err := s.readStatus(); err != nil {
		return err
	}
	return s.conn.Send(&privsep.Msg{Type: privsep.MsgSendDone})
}

// readRefAdvertisement consumes ref frames until the terminating flush.
// The first frame also carries the server's capability list after a NUL.
func (s *session) readRefAdvertisement() error {
	buf := make([]byte, pktMax)
	firstPkt := true
	for {
		if s.cancel.Load() {
			return giterr.ErrCancelled
		}
		n, err := pktline.Read(s.remote, buf, s.chatty)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if n >= 4 && bytes.HasPrefix(buf, []byte("ERR ")) {
			return serverError(buf[4:n])
		}

		idStr, refname, serverCapabilities, err := parseRefLine(buf[:n])
		if err != nil {
			return err
		}
		if firstPkt {
			if s.chatty > 0 && serverCapabilities != "" {
				fmt.Fprintf(os.Stderr, "%s: server capabilities: %s\n",
					progname(), serverCapabilities)
			}
			s.myCapabilities = matchCapabilities(serverCapabilities)
			if s.chatty > 0 {
				fmt.Fprintf(os.Stderr, "%s: my capabilities:%s\n",
					progname(), s.myCapabilities)
			}
			firstPkt = false
		}
		// Peeled tag targets are advertised as "<tag>^{}"; skip them.
		if strings.Contains(refname, "^{}") {
			if s.chatty > 0 {
				fmt.Fprintf(os.Stderr, "%s: ignoring %s\n", progname(), refname)
			}
			continue
		}

		id, err := gitcore.NewHash(idStr)
		if err != nil {
			return err
		}
		s.theirRefs[refname] = id

		raw, err := id.Bytes()
		if err != nil {
			return err
		}
		rr := privsep.RemoteRef{ID: raw, Name: refname}
		if err := s.conn.Send(&privsep.Msg{
			Type: privsep.MsgSendRemoteRef,
			Data: rr.Marshal(),
		}); err != nil {
			return err
		}
		if s.chatty > 0 {
			fmt.Fprintf(os.Stderr, "%s: remote has %s %s\n",
				progname(), refname, idStr)
		}
	}
}

// parseRefLine splits "<40-hex> SP <refname> [NUL <capabilities>] LF".
func parseRefLine(line []byte) (idStr, refname, capabilities string, err error) {
	main := line
	if nul := bytes.IndexByte(line, 0); nul != -1 {
		main = line[:nul]
		capabilities = strings.TrimSuffix(string(line[nul+1:]), "\n")
	}
	fields := strings.Fields(strings.TrimSuffix(string(main), "\n"))
	if len(fields) < 2 {
		return "", "", "", giterr.ErrNotRef
	}
	return fields[0], fields[1], capabilities, nil
}

// matchCapabilities intersects the server's capability list with ours.
// The report-status capability is appended unconditionally when absent:
// some hosts advertise no capabilities at all yet refuse to update refs
// without it.
func matchCapabilities(serverCapabilities string) string {
	var mine []string
	for _, capa := range strings.Split(serverCapabilities, " ") {
		key := capa
		if eq := strings.IndexByte(capa, '='); eq != -1 {
			key = capa[:eq]
		}
		for _, mycapa := range supportedCapabilities() {
			if key != mycapa.key {
				continue
			}
			if mycapa.value != "" {
				mine = append(mine, mycapa.key+"="+mycapa.value)
			} else {
				mine = append(mine, mycapa.key)
			}
		}
	}
	joined := ""
	if len(mine) > 0 {
		joined = " " + strings.Join(mine, " ")
	}
	if !strings.Contains(joined, capaReportStatus) {
		joined += " " + capaReportStatus
	}
	return joined
}

// writeUpdates emits one update frame per deletion and per changed ref,
// terminated by a flush. The first frame carries our capabilities after a
// NUL byte. Returns the number of frames emitted.
func (s *session) writeUpdates() (int, error) {
	if len(s.deletes) > 0 && !strings.Contains(s.myCapabilities, capaDeleteRefs) {
		return 0, giterr.ErrCapaDeleteRefs
	}

	nsent := 0
	sentCapabilities := false

	emit := func(oldID, newID gitcore.Hash, refname string) error {
		line := fmt.Sprintf("%s %s %s", oldID, newID, refname)
		if !sentCapabilities {
			line += "\x00" + strings.TrimPrefix(s.myCapabilities, " ") + "\n"
			sentCapabilities = true
		} else {
			line += "\n"
		}
		return pktline.Write(s.remote, []byte(line), s.chatty)
	}

	for _, d := range s.deletes {
		theirID, ok := s.theirRefs[d.name]
		if !ok {
			return 0, fmt.Errorf("%w: %s does not exist in remote repository",
				giterr.ErrNotRef, d.name)
		}
		if err := emit(theirID, gitcore.ZeroHash, d.name); err != nil {
			return 0, err
		}
		if s.chatty > 0 {
			fmt.Fprintf(os.Stderr, "%s: deleting %s %s\n", progname(), d.name, theirID)
		}
		nsent++
	}

	for _, u := range s.refs {
		oldID := gitcore.ZeroHash
		if theirID, ok := s.theirRefs[u.name]; ok {
			if theirID == u.id {
				if s.chatty > 0 {
					fmt.Fprintf(os.Stderr, "%s: no change for %s\n",
						progname(), u.name)
				}
				continue
			}
			oldID = theirID
		}
		if err := emit(oldID, u.id, u.name); err != nil {
			return 0, err
		}
		if s.chatty > 0 {
			if oldID != gitcore.ZeroHash {
				fmt.Fprintf(os.Stderr, "%s: updating %s %s -> %s\n",
					progname(), u.name, oldID, u.id)
			} else {
				fmt.Fprintf(os.Stderr, "%s: creating %s %s\n",
					progname(), u.name, u.id)
			}
		}
		nsent++
	}

	if err := pktline.WriteFlush(s.remote, s.chatty); err != nil {
		return 0, err
	}
	return nsent, nil
}

// uploadPack asks the parent for the pack descriptor and streams it to
// the remote in chunks, reporting the running byte total after each.
func (s *session) uploadPack() error {
	if err := s.conn.Send(&privsep.Msg{Type: privsep.MsgSendPackRequest}); err != nil {
		return err
	}
	m, err := s.conn.RecvExpect(privsep.MsgSendPackFD)
	if err != nil {
		return err
	}
	if m.File == nil {
		return giterr.ErrPrivsepNoFd
	}
	packFile := m.File
	defer packFile.Close()

	if _, err := packFile.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("lseek: %w", err)
	}

	buf := make([]byte, uploadChunkSize)
	var total int64
	for {
		if s.cancel.Load() {
			return giterr.ErrCancelled
		}
		n, err := packFile.Read(buf)
		if n > 0 {
			w, werr := s.remote.Write(buf[:n])
			if werr != nil {
				return fmt.Errorf("write: %w", werr)
			}
			if w != n {
				return giterr.ErrIO
			}
			total += int64(w)
			progress := privsep.UploadProgress{Bytes: total}
			if perr := s.conn.Send(&privsep.Msg{
				Type: privsep.MsgSendUploadProgress,
				Data: progress.Marshal(),
			}); perr != nil {
				return perr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
	}
}

// readStatus consumes the report-status section: "unpack ok" first, then
// exactly one ok/ng frame per update we emitted, matched positionally.
func (s *session) readStatus() error {
	buf := make([]byte, pktMax)
	n, err := pktline.Read(s.remote, buf, s.chatty)
	if err != nil {
		return err
	}
	if n >= 4 && bytes.HasPrefix(buf, []byte("ERR ")) {
		return serverError(buf[4:n])
	}
	if n < 10 || !bytes.Equal(buf[:10], []byte("unpack ok\n")) {
		return fmt.Errorf("%w: unexpected message from server", giterr.ErrBadPacket)
	}

	for remaining := s.nsent; remaining > 0; remaining-- {
		if s.cancel.Load() {
			return giterr.ErrCancelled
		}
		n, err := pktline.Read(s.remote, buf, s.chatty)
		if err != nil {
			return err
		}
		if n < 3 {
			return fmt.Errorf("%w: unexpected message from server", giterr.ErrBadPacket)
		}
		var success bool
		switch {
		case bytes.HasPrefix(buf, []byte("ok ")):
			success = true
		case bytes.HasPrefix(buf, []byte("ng ")):
			success = false
		default:
			return fmt.Errorf("%w: unexpected message from server", giterr.ErrBadPacket)
		}
		if err := s.sendRefStatus(string(buf[3:n]), success); err != nil {
			return err
		}
	}
	return nil
}

// sendRefStatus validates a status line's refname against the refs we
// sent and forwards the verdict to the parent. The refname must be
// newline-terminated (the ng form may append an error message).
func (s *session) sendRefStatus(line string, success bool) error {
	eol := strings.IndexByte(line, '\n')
	if eol == -1 {
		return fmt.Errorf("%w: unexpected message from server", giterr.ErrBadPacket)
	}
	refname := line[:eol]
	if i := strings.IndexByte(refname, ' '); i != -1 {
		refname = refname[:i]
	}

	valid := false
	for _, r := range s.refs {
		if r.name == refname {
			valid = true
			break
		}
	}
	if !valid {
		for _, r := range s.deletes {
			if r.name == refname {
				valid = true
				break
			}
		}
	}
	if !valid {
		return fmt.Errorf("%w: unexpected message from server", giterr.ErrBadPacket)
	}

	status := privsep.RefStatus{Success: success, Name: refname}
	return s.conn.Send(&privsep.Msg{
		Type: privsep.MsgSendRefStatus,
		Data: status.Marshal(),
	})
}

// serverError turns an "ERR " frame into ErrSendFailed, refusing
// non-printable bytes in the message.
func serverError(msg []byte) error {
	text := strings.TrimSuffix(string(msg), "\n")
	for i := 0; i < len(text); i++ {
		if text[i] < 0x20 || text[i] > 0x7e {
			return fmt.Errorf("%w: non-printable error message received from server",
				giterr.ErrBadPacket)
		}
	}
	return fmt.Errorf("%w: %s", giterr.ErrSendFailed, text)
}

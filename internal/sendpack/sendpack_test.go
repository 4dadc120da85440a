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
	"testing"

	"golang.org/x/sys/unix"

	"github.com/rybkr/gitsend/internal/giterr"
	"github.com/rybkr/gitsend/internal/gitcore"
	"github.com/rybkr/gitsend/internal/pktline"
	"github.com/rybkr/gitsend/internal/privsep"
)

// filePair returns both ends of a connected stream socket as files.
func filePair(t *testing.T) (*os.File, *os.File) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatal(err)
	}
	return os.NewFile(uintptr(fds[0]), "local"), os.NewFile(uintptr(fds[1]), "remote")
}

// testHash derives a valid id from a label.
func testHash(label string) gitcore.Hash {
	sum := [20]byte{}
	copy(sum[:], label)
	return gitcore.NewHashFromBytes(sum)
}

// harness wires a worker goroutine to a scripted remote and a parent side.
type harness struct {
	t      *testing.T
	parent *privsep.Conn
	remote *os.File
	done   chan error
}

func startHarness(t *testing.T, verbosity int, updates []privsep.SendRef) *harness {
	t.Helper()
	parentConn, childConn, err := privsep.Socketpair()
	if err != nil {
		t.Fatal(err)
	}
	local, remote := filePair(t)

	var cancel atomic.Bool
	done := make(chan error, 1)
	go func() {
		done <- RunWorker(childConn, &cancel)
		childConn.Close()
	}()

	req := privsep.SendRequest{Verbosity: int32(verbosity), NRefs: uint32(len(updates))}
	if err := parentConn.Send(&privsep.Msg{
		Type: privsep.MsgSendRequest, Data: req.Marshal(), File: local,
	}); err != nil {
		t.Fatal(err)
	}
	local.Close()
	for i := range updates {
		if err := parentConn.Send(&privsep.Msg{
			Type: privsep.MsgSendRef, Data: updates[i].Marshal(),
		}); err != nil {
			t.Fatal(err)
		}
	}

	h := &harness{t: t, parent: parentConn, remote: remote, done: done}
	t.Cleanup(func() {
		parentConn.Close()
		remote.Close()
	})
	return h
}

func sendRef(id gitcore.Hash, name string, del bool) privsep.SendRef {
	raw, _ := id.Bytes()
	return privsep.SendRef{ID: raw, Name: name, Delete: del}
}

// advertise writes a ref advertisement. The first line carries caps.
func advertise(t *testing.T, w io.Writer, caps string, refs ...string) {
	t.Helper()
	for i, line := range refs {
		if i == 0 {
			line = line + "\x00" + caps
		}
		if err := pktline.Write(w, []byte(line+"\n"), 0); err != nil {
			t.Errorf("advertise: %v", err)
			return
		}
	}
	if err := pktline.WriteFlush(w, 0); err != nil {
		t.Errorf("advertise flush: %v", err)
	}
}

// readUpdates reads update frames up to the flush.
func readUpdates(t *testing.T, r io.Reader) []string {
	t.Helper()
	var updates []string
	buf := make([]byte, pktMax)
	for {
		n, err := pktline.Read(r, buf, 0)
		if err != nil {
			t.Errorf("read updates: %v", err)
			return updates
		}
		if n == 0 {
			return updates
		}
		updates = append(updates, string(buf[:n]))
	}
}

func makePackFile(t *testing.T, size int) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.pack")
	if err := os.WriteFile(path, bytes.Repeat([]byte{0x5a}, size), 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestSendHappyPath(t *testing.T) {
	newID := testHash("new-tip")
	oldID := testHash("old-tip")
	tagID := testHash("tag")
	peeledID := testHash("peeled")

	h := startHarness(t, 0, []privsep.SendRef{
		sendRef(newID, "refs/heads/main", false),
	})

	// Remote side: advertise, read updates, swallow the pack, report.
	remoteErr := make(chan error, 1)
	go func() {
		remoteErr <- func() error {
			advertise(t, h.remote, "report-status delete-refs ofs-delta agent=git/2.39",
				fmt.Sprintf("%s refs/heads/main", oldID),
				fmt.Sprintf("%s refs/tags/v1", tagID),
				fmt.Sprintf("%s refs/tags/v1^{}", peeledID),
			)
			updates := readUpdates(t, h.remote)
			if len(updates) != 1 {
				return fmt.Errorf("got %d updates, want 1", len(updates))
			}
			want := fmt.Sprintf("%s %s refs/heads/main", oldID, newID)
			if !strings.HasPrefix(updates[0], want) {
				return fmt.Errorf("update = %q", updates[0])
			}
			if !strings.Contains(updates[0], "\x00") ||
				!strings.Contains(updates[0], "report-status") {
				return fmt.Errorf("first update missing capabilities: %q", updates[0])
			}

			pack := make([]byte, 20000)
			if _, err := io.ReadFull(h.remote, pack); err != nil {
				return fmt.Errorf("read pack: %w", err)
			}

			if err := pktline.Write(h.remote, []byte("unpack ok\n"), 0); err != nil {
				return err
			}
			return pktline.Write(h.remote, []byte("ok refs/heads/main\n"), 0)
		}()
	}()

	// Parent side: collect worker reports in order.
	var remoteRefs []string
	var progress []int64
	var statuses []privsep.RefStatus
	packFile := makePackFile(t, 20000)

loop:
	for {
		m, err := h.parent.Recv()
		if err != nil {
			t.Fatalf("parent recv: %v", err)
		}
		switch m.Type {
		case privsep.MsgSendRemoteRef:
			rr, err := privsep.UnmarshalRemoteRef(m.Data)
			if err != nil {
				t.Fatal(err)
			}
			remoteRefs = append(remoteRefs, rr.Name)
		case privsep.MsgSendPackRequest:
			if err := h.parent.Send(&privsep.Msg{
				Type: privsep.MsgSendPackFD, File: packFile,
			}); err != nil {
				t.Fatal(err)
			}
		case privsep.MsgSendUploadProgress:
			p, err := privsep.UnmarshalUploadProgress(m.Data)
			if err != nil {
				t.Fatal(err)
			}
			progress = append(progress, p.Bytes)
		case privsep.MsgSendRefStatus:
			st, err := privsep.UnmarshalRefStatus(m.Data)
			if err != nil {
				t.Fatal(err)
			}
			statuses = append(statuses, *st)
		case privsep.MsgSendDone:
			break loop
		case privsep.MsgError:
			t.Fatalf("worker error: %s", m.Data)
		default:
			t.Fatalf("unexpected message type %d", m.Type)
		}
	}

	if err := <-h.done; err != nil {
		t.Fatalf("worker: %v", err)
	}
	if err := <-remoteErr; err != nil {
		t.Fatalf("remote: %v", err)
	}

	// The peeled tag target must not be forwarded.
	wantRefs := []string{"refs/heads/main", "refs/tags/v1"}
	if len(remoteRefs) != len(wantRefs) {
		t.Fatalf("remote refs = %v, want %v", remoteRefs, wantRefs)
	}
	for i := range wantRefs {
		if remoteRefs[i] != wantRefs[i] {
			t.Errorf("remote refs = %v, want %v", remoteRefs, wantRefs)
		}
	}

	// 20000 bytes in 8192-byte chunks: totals 8192, 16384, 20000.
	wantProgress := []int64{8192, 16384, 20000}
	if len(progress) != len(wantProgress) {
		t.Fatalf("progress = %v, want %v", progress, wantProgress)
	}
	for i := range wantProgress {
		if progress[i] != wantProgress[i] {
			t.Errorf("progress = %v, want %v", progress, wantProgress)
		}
	}

	if len(statuses) != 1 || !statuses[0].Success || statuses[0].Name != "refs/heads/main" {
		t.Errorf("statuses = %+v", statuses)
	}
}

func TestSendDeleteWithoutCapability(t *testing.T) {
	oldID := testHash("victim")
	h := startHarness(t, 0, []privsep.SendRef{
		sendRef(gitcore.ZeroHash, "refs/heads/gone", true),
	})

	frameCount := make(chan int, 1)
	go func() {
		// No delete-refs in the capability list.
		advertise(t, h.remote, "report-status ofs-delta",
			fmt.Sprintf("%s refs/heads/gone", oldID))
		frameCount <- len(readUpdatesQuiet(h.remote))
	}()

	err := <-h.done
	if !errors.Is(err, giterr.ErrCapaDeleteRefs) {
		t.Fatalf("got %v, want ErrCapaDeleteRefs", err)
	}
	// The worker must fail before emitting any update frame. Its exit
	// closes the protocol socket, so the reader drains and returns.
	if n := <-frameCount; n != 0 {
		t.Errorf("%d update frames emitted before the failure", n)
	}
}

// readUpdatesQuiet reads update frames until flush or error.
func readUpdatesQuiet(r io.Reader) []string {
	var updates []string
	buf := make([]byte, pktMax)
	for {
		n, err := pktline.Read(r, buf, 0)
		if err != nil || n == 0 {
			return updates
		}
		updates = append(updates, string(buf[:n]))
	}
}

func TestSendRejectsLocalOnlyRefs(t *testing.T) {
	for _, name := range []string{"refs/got/backup", "refs/remotes/origin/main"} {
		h := startHarness(t, 0, []privsep.SendRef{
			sendRef(testHash("x"), name, false),
		})
		if err := <-h.done; !errors.Is(err, giterr.ErrSendBadRef) {
			t.Errorf("%s: got %v, want ErrSendBadRef", name, err)
		}
	}
}

func TestSendEmptyUpdateSet(t *testing.T) {
	h := startHarness(t, 0, nil)
	if err := <-h.done; !errors.Is(err, giterr.ErrSendEmpty) {
		t.Errorf("got %v, want ErrSendEmpty", err)
	}
}

func TestSendServerErrFrame(t *testing.T) {
	h := startHarness(t, 0, []privsep.SendRef{
		sendRef(testHash("x"), "refs/heads/main", false),
	})
	go func() {
		pktline.Write(h.remote, []byte("ERR access denied\n"), 0)
	}()
	err := <-h.done
	if !errors.Is(err, giterr.ErrSendFailed) {
		t.Fatalf("got %v, want ErrSendFailed", err)
	}
	if !strings.Contains(err.Error(), "access denied") {
		t.Errorf("error detail %q missing server message", err)
	}
}

func TestSendUnexpectedStatusRef(t *testing.T) {
	newID := testHash("tip")
	h := startHarness(t, 0, []privsep.SendRef{
		sendRef(newID, "refs/heads/main", false),
	})

	go func() {
		advertise(t, h.remote, "report-status")
		readUpdatesQuiet(h.remote)
		io.Copy(io.Discard, io.LimitReader(h.remote, 64))
		pktline.Write(h.remote, []byte("unpack ok\n"), 0)
		pktline.Write(h.remote, []byte("ok refs/heads/other\n"), 0)
	}()

	for {
		m, err := h.parent.Recv()
		if err != nil {
			break
		}
		if m.Type == privsep.MsgSendPackRequest {
			packFile := makePackFile(t, 64)
			h.parent.Send(&privsep.Msg{Type: privsep.MsgSendPackFD, File: packFile})
		}
		if m.Type == privsep.MsgError {
			break
		}
	}

	if err := <-h.done; !errors.Is(err, giterr.ErrBadPacket) {
		t.Errorf("got %v, want ErrBadPacket", err)
	}
}

func TestMatchCapabilitiesAddsReportStatus(t *testing.T) {
	// Hosts that advertise nothing still get report-status.
	got := matchCapabilities("")
	if !strings.Contains(got, capaReportStatus) {
		t.Errorf("matchCapabilities(\"\") = %q", got)
	}

	got = matchCapabilities("ofs-delta delete-refs agent=git/2.39 side-band-64k")
	for _, want := range []string{"ofs-delta", "delete-refs", "agent=gitsend/", "report-status"} {
		if !strings.Contains(got, want) {
			t.Errorf("capabilities %q missing %q", got, want)
		}
	}
	if strings.Contains(got, "side-band-64k") {
		t.Errorf("capabilities %q include one we do not support", got)
	}
}

func TestParseRefLine(t *testing.T) {
	id := testHash("adv")
	idStr, refname, caps, err := parseRefLine(
		[]byte(fmt.Sprintf("%s refs/heads/main\x00report-status agent=git/2.39\n", id)))
	if err != nil {
		t.Fatal(err)
	}
	if idStr != string(id) || refname != "refs/heads/main" {
		t.Errorf("parsed (%q, %q)", idStr, refname)
	}
	if caps != "report-status agent=git/2.39" {
		t.Errorf("caps = %q", caps)
	}

	if _, _, _, err := parseRefLine([]byte("garbage")); err == nil {
		t.Error("expected error for missing fields")
	}
}

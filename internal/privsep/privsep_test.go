package privsep

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/rybkr/gitsend/internal/giterr"
)

func connPair(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	parent, child, err := Socketpair()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		parent.Close()
		child.Close()
	})
	return parent, child
}

func TestSendRecv(t *testing.T) {
	parent, child := connPair(t)

	want := &Msg{Type: MsgSendDone, Peer: 7, Data: []byte("payload")}
	if err := parent.Send(want); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := child.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if got.Type != want.Type || got.Peer != want.Peer || !bytes.Equal(got.Data, want.Data) {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if got.PID == 0 {
		t.Error("sender pid not stamped")
	}
}

func TestSendRecvMultiple(t *testing.T) {
	parent, child := connPair(t)

	// Several messages may arrive in one read; framing must hold.
	for i := 0; i < 10; i++ {
		if err := parent.Send(&Msg{Type: MsgSendUploadProgress,
			Data: []byte{byte(i)}}); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 10; i++ {
		m, err := child.Recv()
		if err != nil {
			t.Fatalf("Recv %d: %v", i, err)
		}
		if len(m.Data) != 1 || m.Data[0] != byte(i) {
			t.Errorf("message %d out of order: %v", i, m.Data)
		}
	}
}

func TestFdPassing(t *testing.T) {
	parent, child := connPair(t)

	path := filepath.Join(t.TempDir(), "passed.txt")
	if err := os.WriteFile(path, []byte("fd contents"), 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if err := parent.Send(&Msg{Type: MsgSendPackFD, File: f}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	m, err := child.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if m.File == nil {
		t.Fatal("no descriptor received")
	}
	defer m.File.Close()
	data, err := io.ReadAll(m.File)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "fd contents" {
		t.Errorf("read %q through passed descriptor", data)
	}
}

func TestFdNotStolenByPrecedingMessage(t *testing.T) {
	parent, child := connPair(t)

	f, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	// A non-fd-bearing message followed by an fd-bearing one; both may
	// arrive in a single read. The descriptor must attach to the second.
	if err := parent.Send(&Msg{Type: MsgSendDone}); err != nil {
		t.Fatal(err)
	}
	if err := parent.Send(&Msg{Type: MsgSendPackFD, File: f}); err != nil {
		t.Fatal(err)
	}

	m1, err := child.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if m1.File != nil {
		t.Error("descriptor attached to non-fd-bearing message")
	}
	m2, err := child.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if m2.File == nil {
		t.Error("descriptor lost")
	} else {
		m2.File.Close()
	}
}

func TestRecvClosedPeer(t *testing.T) {
	parent, child := connPair(t)
	parent.Close()
	if _, err := child.Recv(); !errors.Is(err, giterr.ErrPrivsepPipe) {
		t.Errorf("got %v, want ErrPrivsepPipe", err)
	}
}

func TestRecvBadLength(t *testing.T) {
	parent, child := connPair(t)

	// A header whose length field is smaller than the header itself.
	hdr := make([]byte, headerSize)
	hdr[16] = headerSize - 1
	if _, err := unix.Write(parent.Fd(), hdr); err != nil {
		t.Fatal(err)
	}
	if _, err := child.Recv(); !errors.Is(err, giterr.ErrPrivsepLen) {
		t.Errorf("got %v, want ErrPrivsepLen", err)
	}
}

func TestSendTooLarge(t *testing.T) {
	parent, _ := connPair(t)
	err := parent.Send(&Msg{Type: MsgSendDone, Data: make([]byte, MaxPayload+1)})
	if !errors.Is(err, giterr.ErrNoSpace) {
		t.Errorf("got %v, want ErrNoSpace", err)
	}
}

func TestRecvExpect(t *testing.T) {
	parent, child := connPair(t)

	if err := parent.Send(&Msg{Type: MsgStop}); err != nil {
		t.Fatal(err)
	}
	if _, err := child.RecvExpect(MsgSendDone); !errors.Is(err, giterr.ErrCancelled) {
		t.Errorf("STOP: got %v, want ErrCancelled", err)
	}

	parent.SendError(errors.New("worker exploded"))
	if _, err := child.RecvExpect(MsgSendDone); !errors.Is(err, giterr.ErrPrivsepMsg) {
		t.Errorf("error msg: got %v, want ErrPrivsepMsg", err)
	}

	if err := parent.Send(&Msg{Type: MsgSendRemoteRef}); err != nil {
		t.Fatal(err)
	}
	if _, err := child.RecvExpect(MsgSendDone); !errors.Is(err, giterr.ErrPrivsepMsg) {
		t.Errorf("wrong type: got %v, want ErrPrivsepMsg", err)
	}
}

func TestSendRefRoundTrip(t *testing.T) {
	in := &SendRef{Delete: true, Name: "refs/heads/main"}
	copy(in.ID[:], bytes.Repeat([]byte{0xab}, 20))
	out, err := UnmarshalSendRef(in.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if out.Name != in.Name || out.Delete != in.Delete || out.ID != in.ID {
		t.Errorf("round trip: %+v != %+v", out, in)
	}

	if _, err := UnmarshalSendRef([]byte{1, 2, 3}); !errors.Is(err, giterr.ErrPrivsepLen) {
		t.Errorf("short payload: got %v, want ErrPrivsepLen", err)
	}
}

func TestCommitReplyRoundTrip(t *testing.T) {
	in := &CommitReply{
		Author:    "A <a@example.com> 1700000000 +0000",
		Committer: "C <c@example.com> 1700000001 +0000",
		Message:   "subject\n\nbody",
	}
	copy(in.Tree[:], bytes.Repeat([]byte{0x11}, 20))
	var p1, p2 [20]byte
	p1[0], p2[0] = 1, 2
	in.Parents = [][20]byte{p1, p2}

	out, err := UnmarshalCommitReply(in.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if out.Tree != in.Tree || len(out.Parents) != 2 ||
		out.Author != in.Author || out.Message != in.Message {
		t.Errorf("round trip: %+v != %+v", out, in)
	}
}

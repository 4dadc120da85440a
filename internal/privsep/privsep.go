// Package privsep implements the typed message bus between the repository
// engine and its privilege-separated workers. Messages travel over a unix
// socketpair as a length-prefixed envelope, optionally carrying one file
// descriptor via SCM_RIGHTS. Workers drop to a minimal syscall allowlist
// right after inheriting their end of the socket.
package privsep

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/rybkr/gitsend/internal/giterr"
)

// MsgType discriminates message payloads on the bus.
type MsgType uint32

// Message kinds. The zero value is invalid so an all-zero header is never
// mistaken for a real message.
const (
	MsgStop MsgType = iota + 1
	MsgError

	MsgObjectRequest
	MsgObject
	MsgRawObjectRequest
	MsgRawObjectOutFD
	MsgRawObject
	MsgCommitRequest
	MsgCommit

	MsgSendRequest
	MsgSendRef
	MsgSendRemoteRef
	MsgSendPackRequest
	MsgSendPackFD
	MsgSendUploadProgress
	MsgSendRefStatus
	MsgSendDone

	MsgGitconfigParseRequest
	MsgGitconfigRepoFormatVersion
	MsgGitconfigExtensions
	MsgGitconfigAuthor
	MsgGitconfigDone
)

// Envelope layout: type u32, flags u32, peer u32, pid u32, len u16.
// len covers the header itself plus the payload.
const headerSize = 18

// MaxPayload bounds a single message's payload; bulk data goes through a
// passed descriptor instead.
const MaxPayload = 16384 - headerSize

// fdBearing lists the message kinds that may carry a descriptor. A
// descriptor queued by the kernel is only ever paired with one of these,
// so interleaved fd-less messages cannot steal it.
var fdBearing = map[MsgType]bool{
	MsgObjectRequest:         true,
	MsgRawObjectRequest:      true,
	MsgRawObjectOutFD:        true,
	MsgCommitRequest:         true,
	MsgSendRequest:           true,
	MsgSendPackFD:            true,
	MsgGitconfigParseRequest: true,
}

// Msg is one message on the bus.
type Msg struct {
	Type  MsgType
	Flags uint32
	Peer  uint32
	PID   uint32
	Data  []byte
	File  *os.File // attached descriptor, nil if none
}

// Conn is one end of a privsep channel.
type Conn struct {
	mu   sync.Mutex
	fd   int
	pid  uint32
	rbuf []byte
	fds  []int
}

// NewConn wraps an inherited socket descriptor. Ownership of fd passes to
// the Conn.
func NewConn(fd int) *Conn {
	return &Conn{fd: fd, pid: uint32(os.Getpid())}
}

// Socketpair returns a connected pair of channel ends.
func Socketpair() (parent, child *Conn, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	return NewConn(fds[0]), NewConn(fds[1]), nil
}

// Fd exposes the raw descriptor, used when handing the child end to a
// spawned worker.
func (c *Conn) Fd() int { return c.fd }

// Close closes the channel and any queued descriptors.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, fd := range c.fds {
		unix.Close(fd)
	}
	c.fds = nil
	if c.fd == -1 {
		return nil
	}
	err := unix.Close(c.fd)
	c.fd = -1
	return err
}

// Send writes one message, attaching m.File when present. The caller
// retains ownership of m.File.
func (c *Conn) Send(m *Msg) error {
	if len(m.Data) > MaxPayload {
		return giterr.ErrNoSpace
	}
	buf := make([]byte, headerSize+len(m.Data))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(m.Type))
	binary.LittleEndian.PutUint32(buf[4:8], m.Flags)
	binary.LittleEndian.PutUint32(buf[8:12], m.Peer)
	binary.LittleEndian.PutUint32(buf[12:16], c.pid)
	binary.LittleEndian.PutUint16(buf[16:18], uint16(headerSize+len(m.Data)))
	copy(buf[headerSize:], m.Data)

	var oob []byte
	if m.File != nil {
		oob = unix.UnixRights(int(m.File.Fd()))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for off := 0; off < len(buf); {
		n, err := unix.SendmsgN(c.fd, buf[off:], oob, nil, 0)
		if err != nil {
			if errors.Is(err, unix.EPIPE) {
				return giterr.ErrPrivsepPipe
			}
			return fmt.Errorf("sendmsg: %w", err)
		}
		off += n
		oob = nil // rights travel with the first byte only
	}
	return nil
}

// Recv blocks until a whole message is available. A closed peer yields
// ErrPrivsepPipe; a header announcing less than its own size yields
// ErrPrivsepLen. Descriptors received for fd-bearing message kinds are
// attached as m.File.
func (c *Conn) Recv() (*Msg, error) {
	for {
		if m, err := c.parseMessage(); m != nil || err != nil {
			return m, err
		}
		buf := make([]byte, 65536)
		oob := make([]byte, unix.CmsgSpace(4*4))
		n, oobn, _, _, err := unix.Recvmsg(c.fd, buf, oob, 0)
		if err != nil {
			if errors.Is(err, unix.ECONNRESET) {
				return nil, giterr.ErrPrivsepPipe
			}
			return nil, fmt.Errorf("recvmsg: %w", err)
		}
		if oobn > 0 {
			if err := c.parseRights(oob[:oobn]); err != nil {
				return nil, err
			}
		}
		if n == 0 {
			return nil, giterr.ErrPrivsepPipe
		}
		c.rbuf = append(c.rbuf, buf[:n]...)
	}
}

// parseMessage pops one complete message off the receive buffer.
func (c *Conn) parseMessage() (*Msg, error) {
	if len(c.rbuf) < headerSize {
		return nil, nil
	}
	total := int(binary.LittleEndian.Uint16(c.rbuf[16:18]))
	if total < headerSize {
		return nil, giterr.ErrPrivsepLen
	}
	if len(c.rbuf) < total {
		return nil, nil
	}
	m := &Msg{
		Type:  MsgType(binary.LittleEndian.Uint32(c.rbuf[0:4])),
		Flags: binary.LittleEndian.Uint32(c.rbuf[4:8]),
		Peer:  binary.LittleEndian.Uint32(c.rbuf[8:12]),
		PID:   binary.LittleEndian.Uint32(c.rbuf[12:16]),
	}
	m.Data = append([]byte(nil), c.rbuf[headerSize:total]...)
	c.rbuf = c.rbuf[total:]

	if fdBearing[m.Type] && len(c.fds) > 0 {
		fd := c.fds[0]
		c.fds = c.fds[1:]
		m.File = os.NewFile(uintptr(fd), "privsep-fd")
	}
	return m, nil
}

// parseRights queues descriptors carried in a control message.
func (c *Conn) parseRights(oob []byte) error {
	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return fmt.Errorf("parse control message: %w", err)
	}
	for _, cmsg := range cmsgs {
		fds, err := unix.ParseUnixRights(&cmsg)
		if err != nil {
			continue
		}
		c.fds = append(c.fds, fds...)
	}
	return nil
}

// SendError reports a fatal worker error to the peer. Best effort: a
// closed peer is ignored.
func (c *Conn) SendError(e error) {
	_ = c.Send(&Msg{Type: MsgError, Data: []byte(e.Error())})
}

// RecvExpect receives one message and checks its kind. MsgStop yields
// ErrCancelled; MsgError resurfaces the peer's error; anything else
// unexpected is ErrPrivsepMsg.
func (c *Conn) RecvExpect(want MsgType) (*Msg, error) {
	m, err := c.Recv()
	if err != nil {
		return nil, err
	}
	switch m.Type {
	case want:
		return m, nil
	case MsgStop:
		return nil, giterr.ErrCancelled
	case MsgError:
		return nil, fmt.Errorf("%w: %s", giterr.ErrPrivsepMsg, string(m.Data))
	default:
		return nil, giterr.ErrPrivsepMsg
	}
}

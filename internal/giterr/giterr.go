// Package giterr defines the closed set of error conditions produced by the
// repository engine. Each condition is a sentinel error; call sites attach
// detail with fmt.Errorf("%w: ...", giterr.ErrBadPacket) so callers can
// match conditions with errors.Is while still seeing context.
package giterr

import "errors"

var (
	// ErrIO reports a short read or write on a file or socket.
	ErrIO = errors.New("input/output error")
	// ErrBadPath reports a malformed or unsafe filesystem path.
	ErrBadPath = errors.New("bad path")
	// ErrNoSpace reports a payload that exceeds the caller's buffer.
	ErrNoSpace = errors.New("buffer too small")
	// ErrNotGitRepo reports that no git repository was found at or above
	// the requested path.
	ErrNotGitRepo = errors.New("no git repository found")
	// ErrBadObjIDStr reports a malformed object id string.
	ErrBadObjIDStr = errors.New("bad object id string")
	// ErrNoObj reports that a requested object does not exist.
	ErrNoObj = errors.New("object not found")
	// ErrAmbiguousID reports an object id prefix matching several objects.
	ErrAmbiguousID = errors.New("ambiguous object id prefix")
	// ErrObjTooLarge reports an object too large to cache.
	ErrObjTooLarge = errors.New("object too large")
	// ErrObjExists reports an object already present in a cache.
	ErrObjExists = errors.New("object already exists")
	// ErrBadPackIdx reports a corrupt or unsupported pack index file.
	ErrBadPackIdx = errors.New("bad pack index file")
	// ErrBadPackfile reports a corrupt pack file.
	ErrBadPackfile = errors.New("bad pack file")
	// ErrBadObjHdr reports a malformed object header.
	ErrBadObjHdr = errors.New("bad object header")
	// ErrBadPacket reports a malformed protocol packet.
	ErrBadPacket = errors.New("bad packet received")
	// ErrGitRepoFormat reports an unsupported repository format version.
	ErrGitRepoFormat = errors.New("unknown git repository format version")
	// ErrGitRepoExt reports an unsupported repository format extension.
	ErrGitRepoExt = errors.New("unsupported repository format extension")
	// ErrCacheDupEntry reports a duplicate cache insertion.
	ErrCacheDupEntry = errors.New("duplicate cache entry")
	// ErrNoTreeEntry reports a tree with no entries.
	ErrNoTreeEntry = errors.New("no tree entry found")
	// ErrTreeDupEntry reports a tree with a duplicate entry name.
	ErrTreeDupEntry = errors.New("duplicate entry in tree object")
	// ErrDirNotEmpty reports an init target directory that has entries.
	ErrDirNotEmpty = errors.New("directory not empty")
	// ErrSendEmpty reports a send with nothing to do.
	ErrSendEmpty = errors.New("no references to send")
	// ErrSendBadRef reports an attempt to send a local-only reference.
	ErrSendBadRef = errors.New("reference cannot be sent")
	// ErrSendFailed reports a send rejected by the server.
	ErrSendFailed = errors.New("could not send pack file")
	// ErrCapaDeleteRefs reports a deletion the server does not support.
	ErrCapaDeleteRefs = errors.New("server cannot delete references")
	// ErrNotRef reports a string that does not name a reference.
	ErrNotRef = errors.New("no such reference found")
	// ErrPrivsepMsg reports an unexpected message type on the privsep bus.
	ErrPrivsepMsg = errors.New("unexpected message from child process")
	// ErrPrivsepLen reports a message with an impossible length.
	ErrPrivsepLen = errors.New("unexpected message length")
	// ErrPrivsepNoFd reports a message missing a required descriptor.
	ErrPrivsepNoFd = errors.New("no file descriptor received from child process")
	// ErrPrivsepPipe reports a closed privsep channel.
	ErrPrivsepPipe = errors.New("privsep channel closed")
	// ErrCancelled reports an operation interrupted by the user.
	ErrCancelled = errors.New("operation in progress has been cancelled")
)

package gitcore

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zlib"
	"golang.org/x/sys/unix"

	"github.com/rybkr/gitsend/internal/giterr"
)

// Pack object types as defined in the Git pack format specification.
// See: https://git-scm.com/docs/pack-format#_object_types
const (
	packObjectCommit      byte = 1
	packObjectTree        byte = 2
	packObjectBlob        byte = 3
	packObjectTag         byte = 4
	packObjectOffsetDelta byte = 6
	packObjectRefDelta    byte = 7
)

// maxDeltaDepth bounds OFS_DELTA/REF_DELTA chains. Chains deeper than this
// indicate a corrupt or hostile pack.
const maxDeltaDepth = 50

// Pack is an open pack file. The file is mapped read-only when the kernel
// allows it; otherwise reads go through the descriptor.
type Pack struct {
	path     string // relative to the git dir
	file     *os.File
	filesize int64
	mapped   []byte // nil when mmap was unavailable
	nobjects uint32
}

// OpenPack opens the pack file at relPath under gitDir and validates its
// header against the given index: signature "PACK", version 2, and an
// object count equal to the index's.
func OpenPack(gitDir, relPath string, idx *PackIndex) (*Pack, error) {
	fd, err := unix.Open(filepath.Join(gitDir, relPath),
		unix.O_RDONLY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", relPath, err)
	}
	f := os.NewFile(uintptr(fd), relPath)

	p := &Pack{path: relPath, file: f}
	if err := p.init(idx); err != nil {
		f.Close()
		return nil, err
	}
	return p, nil
}

func (p *Pack) init(idx *PackIndex) error {
	st, err := p.file.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", p.path, err)
	}
	p.filesize = st.Size()

	var hdr [12]byte
	if _, err := io.ReadFull(io.NewSectionReader(p.file, 0, p.filesize), hdr[:]); err != nil {
		return fmt.Errorf("%w: truncated header", giterr.ErrBadPackfile)
	}
	if !bytes.Equal(hdr[0:4], []byte("PACK")) {
		return fmt.Errorf("%w: bad signature", giterr.ErrBadPackfile)
	}
	if v := binary.BigEndian.Uint32(hdr[4:8]); v != 2 {
		return fmt.Errorf("%w: unsupported version %d", giterr.ErrBadPackfile, v)
	}
	p.nobjects = binary.BigEndian.Uint32(hdr[8:12])
	if idx != nil && p.nobjects != idx.NumObjects() {
		return fmt.Errorf("%w: object count disagrees with pack index",
			giterr.ErrBadPackfile)
	}

	mapped, err := unix.Mmap(int(p.file.Fd()), 0, int(p.filesize),
		unix.PROT_READ, unix.MAP_PRIVATE)
	if err == nil {
		p.mapped = mapped
	} else if !errors.Is(err, unix.ENOMEM) {
		return fmt.Errorf("mmap %s: %w", p.path, err)
	}
	return nil
}

// Path returns the pack path relative to the git dir.
func (p *Pack) Path() string { return p.path }

// ReadAt serves reads from the mapping when present, the descriptor otherwise.
func (p *Pack) ReadAt(buf []byte, off int64) (int, error) {
	if p.mapped != nil {
		if off >= int64(len(p.mapped)) {
			return 0, io.EOF
		}
		n := copy(buf, p.mapped[off:])
		if n < len(buf) {
			return n, io.EOF
		}
		return n, nil
	}
	return p.file.ReadAt(buf, off)
}

// Close unmaps and closes the pack file.
func (p *Pack) Close() error {
	var first error
	if p.mapped != nil {
		if err := unix.Munmap(p.mapped); err != nil && first == nil {
			first = err
		}
		p.mapped = nil
	}
	if p.file != nil {
		if err := p.file.Close(); err != nil && first == nil {
			first = err
		}
		p.file = nil
	}
	return first
}

// entryReader positions a buffered reader at a pack entry.
func (p *Pack) entryReader(off int64) *bufio.Reader {
	return bufio.NewReader(io.NewSectionReader(p, off, p.filesize-off))
}

// readObjectHeader decodes the variable-length type+size header of a pack
// entry: the low 4 bits of byte 0 plus 7 bits per continuation byte,
// LSB first.
func readObjectHeader(r io.ByteReader) (objectType byte, size int64, err error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, 0, fmt.Errorf("%w: truncated object header", giterr.ErrBadPackfile)
	}
	objectType = (b >> 4) & 0x07
	size = int64(b & 0x0f)
	shift := 4
	for b&0x80 != 0 {
		b, err = r.ReadByte()
		if err != nil {
			return 0, 0, fmt.Errorf("%w: truncated object header", giterr.ErrBadPackfile)
		}
		size |= int64(b&0x7f) << shift
		shift += 7
	}
	return objectType, size, nil
}

// appendObjectHeader is the encoder counterpart of readObjectHeader.
func appendObjectHeader(dst []byte, objectType byte, size int64) []byte {
	b := objectType<<4 | byte(size&0x0f)
	size >>= 4
	for size > 0 {
		dst = append(dst, b|0x80)
		b = byte(size & 0x7f)
		size >>= 7
	}
	return append(dst, b)
}

// readOfsDeltaOffset decodes the negative base offset of an OFS_DELTA
// entry: base-128 with MSB continuation, biased so that each additional
// byte adds 2^(7k).
func readOfsDeltaOffset(r io.ByteReader) (int64, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("%w: truncated delta offset", giterr.ErrBadPackfile)
	}
	off := int64(b & 0x7f)
	for b&0x80 != 0 {
		b, err = r.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("%w: truncated delta offset", giterr.ErrBadPackfile)
		}
		off = ((off + 1) << 7) | int64(b&0x7f)
	}
	return off, nil
}

// appendOfsDeltaOffset is the encoder counterpart of readOfsDeltaOffset.
func appendOfsDeltaOffset(dst []byte, off int64) []byte {
	var tmp [10]byte
	i := len(tmp) - 1
	tmp[i] = byte(off & 0x7f)
	off >>= 7
	for off > 0 {
		off--
		i--
		tmp[i] = byte(off&0x7f) | 0x80
		off >>= 7
	}
	return append(dst, tmp[i:]...)
}

// maxDecompressedSize caps the size of any single decompressed object.
const maxDecompressedSize = 256 * 1024 * 1024

// inflate reads one zlib stream and checks the decompressed size against
// the pack entry header.
func inflate(r io.Reader, expectedSize int64) ([]byte, error) {
	zr, err := zlib.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", giterr.ErrBadPackfile, err)
	}
	defer zr.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(zr, maxDecompressedSize+1)); err != nil {
		return nil, fmt.Errorf("%w: %v", giterr.ErrBadPackfile, err)
	}
	if buf.Len() > maxDecompressedSize {
		return nil, fmt.Errorf("%w: object exceeds maximum decompressed size",
			giterr.ErrBadPackfile)
	}
	if int64(buf.Len()) != expectedSize {
		return nil, fmt.Errorf("%w: size mismatch: expected %d, got %d",
			giterr.ErrBadPackfile, expectedSize, buf.Len())
	}
	return buf.Bytes(), nil
}

// ExtractObject reads the object stored at off, resolving delta chains.
// OFS_DELTA bases are followed iteratively within the pack; REF_DELTA
// bases are resolved through resolve, which the Repository backs with its
// full object lookup path. The delta chain depth is capped.
func (p *Pack) ExtractObject(off int64, resolve ObjectResolver) ([]byte, ObjectType, error) {
	// Walk the chain from the requested entry down to its base,
	// collecting delta scripts outermost-first.
	var deltas [][]byte
	var base []byte
	var baseType byte

	for depth := 0; ; depth++ {
		if depth > maxDeltaDepth {
			return nil, NoneObject, fmt.Errorf("%w: delta chain exceeds depth %d",
				giterr.ErrBadPackfile, maxDeltaDepth)
		}
		br := p.entryReader(off)
		objType, size, err := readObjectHeader(br)
		if err != nil {
			return nil, NoneObject, err
		}
		switch objType {
		case packObjectCommit, packObjectTree, packObjectBlob, packObjectTag:
			base, err = inflate(br, size)
			if err != nil {
				return nil, NoneObject, err
			}
			baseType = objType
		case packObjectOffsetDelta:
			negoff, err := readOfsDeltaOffset(br)
			if err != nil {
				return nil, NoneObject, err
			}
			if negoff <= 0 || negoff > off {
				return nil, NoneObject, fmt.Errorf("%w: bad delta base offset",
					giterr.ErrBadPackfile)
			}
			delta, err := inflate(br, size)
			if err != nil {
				return nil, NoneObject, err
			}
			deltas = append(deltas, delta)
			off -= negoff
			continue
		case packObjectRefDelta:
			var raw [20]byte
			if _, err := io.ReadFull(br, raw[:]); err != nil {
				return nil, NoneObject, fmt.Errorf("%w: truncated delta base id",
					giterr.ErrBadPackfile)
			}
			delta, err := inflate(br, size)
			if err != nil {
				return nil, NoneObject, err
			}
			deltas = append(deltas, delta)
			baseData, t, err := resolve(NewHashFromBytes(raw))
			if err != nil {
				return nil, NoneObject, fmt.Errorf("delta base %s: %w",
					NewHashFromBytes(raw).Short(), err)
			}
			base = baseData
			baseType = byte(t)
		default:
			return nil, NoneObject, fmt.Errorf("%w: unsupported object type %d",
				giterr.ErrBadPackfile, objType)
		}
		break
	}

	// Apply collected deltas innermost-first.
	for i := len(deltas) - 1; i >= 0; i-- {
		var err error
		base, err = applyDelta(base, deltas[i])
		if err != nil {
			return nil, NoneObject, err
		}
	}
	return base, ObjectType(baseType), nil
}

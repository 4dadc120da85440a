package gitcore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rybkr/gitsend/internal/giterr"
)

// Pack index v2 magic number: "\377tOc".
// See: https://git-scm.com/docs/pack-format#_version_2_pack_idx_files_support_packs_larger_than_4_gib_and
const packIndexV2Magic uint32 = 0xff744f63

// Pack index v2 large offset constants. A 32-bit offset with the high bit
// set indicates that the actual offset is >= 2 GiB and must be looked up in
// the large offset table.
const (
	packIndexLargeOffsetFlag uint32 = 0x80000000
	packIndexLargeOffsetMask uint32 = 0x7fffffff
)

// PackIndex is a parsed v2 pack index: the 256-entry fanout table, the
// sorted id array, per-object CRC32s and pack offsets, and the optional
// 64-bit offset table. Version 1 indexes are refused.
type PackIndex struct {
	path         string // .idx path relative to the git dir
	packPath     string // corresponding .pack path relative to the git dir
	nobjects     uint32
	fanout       [256]uint32
	ids          []byte // nobjects * 20 bytes, sorted
	crcs         []uint32
	offsets      []uint32
	largeOffsets []uint64
	packSHA      [20]byte
	idxSHA       [20]byte
}

// OpenPackIndex parses the pack index at relPath, resolved under gitDir.
func OpenPackIndex(gitDir, relPath string) (*PackIndex, error) {
	data, err := os.ReadFile(filepath.Join(gitDir, relPath))
	if err != nil {
		return nil, err
	}
	idx, err := parsePackIndex(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", relPath, err)
	}
	idx.path = relPath
	idx.packPath = strings.TrimSuffix(relPath, ".idx") + ".pack"
	return idx, nil
}

func parsePackIndex(data []byte) (*PackIndex, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: truncated header", giterr.ErrBadPackIdx)
	}
	if binary.BigEndian.Uint32(data[0:4]) != packIndexV2Magic {
		return nil, fmt.Errorf("%w: bad magic", giterr.ErrBadPackIdx)
	}
	if v := binary.BigEndian.Uint32(data[4:8]); v != 2 {
		return nil, fmt.Errorf("%w: unsupported version %d", giterr.ErrBadPackIdx, v)
	}

	idx := &PackIndex{}
	off := 8
	if len(data) < off+256*4 {
		return nil, fmt.Errorf("%w: truncated fanout table", giterr.ErrBadPackIdx)
	}
	prev := uint32(0)
	for i := 0; i < 256; i++ {
		idx.fanout[i] = binary.BigEndian.Uint32(data[off : off+4])
		if idx.fanout[i] < prev {
			return nil, fmt.Errorf("%w: fanout table not monotonic", giterr.ErrBadPackIdx)
		}
		prev = idx.fanout[i]
		off += 4
	}
	idx.nobjects = idx.fanout[255]
	n := int(idx.nobjects)

	if len(data) < off+n*20 {
		return nil, fmt.Errorf("%w: truncated object id table", giterr.ErrBadPackIdx)
	}
	idx.ids = data[off : off+n*20]
	off += n * 20

	if len(data) < off+n*4 {
		return nil, fmt.Errorf("%w: truncated crc table", giterr.ErrBadPackIdx)
	}
	idx.crcs = make([]uint32, n)
	for i := 0; i < n; i++ {
		idx.crcs[i] = binary.BigEndian.Uint32(data[off : off+4])
		off += 4
	}

	if len(data) < off+n*4 {
		return nil, fmt.Errorf("%w: truncated offset table", giterr.ErrBadPackIdx)
	}
	idx.offsets = make([]uint32, n)
	for i := 0; i < n; i++ {
		idx.offsets[i] = binary.BigEndian.Uint32(data[off : off+4])
		off += 4
	}

	if len(data) < off+40 {
		return nil, fmt.Errorf("%w: truncated checksum trailer", giterr.ErrBadPackIdx)
	}
	// The 64-bit offset table fills the space between the 32-bit offsets
	// and the checksum trailer.
	nlarge := (len(data) - off - 40) / 8
	if nlarge > 0 {
		idx.largeOffsets = make([]uint64, nlarge)
		for i := 0; i < nlarge; i++ {
			idx.largeOffsets[i] = binary.BigEndian.Uint64(data[off : off+8])
			off += 8
		}
	}

	trailer := len(data) - 40
	copy(idx.packSHA[:], data[trailer:trailer+20])
	copy(idx.idxSHA[:], data[trailer+20:])

	return idx, nil
}

// Path returns the .idx path relative to the git dir.
func (idx *PackIndex) Path() string { return idx.path }

// PackPath returns the corresponding .pack path relative to the git dir.
func (idx *PackIndex) PackPath() string { return idx.packPath }

// NumObjects returns the number of objects in the indexed pack.
func (idx *PackIndex) NumObjects() uint32 { return idx.nobjects }

// id returns the 20-byte id at position i in the sorted table.
func (idx *PackIndex) id(i int) []byte {
	return idx.ids[i*20 : i*20+20]
}

// HashAt returns the object id at position i.
func (idx *PackIndex) HashAt(i int) Hash {
	var raw [20]byte
	copy(raw[:], idx.id(i))
	return NewHashFromBytes(raw)
}

// CRCAt returns the CRC32 recorded for the object at position i.
func (idx *PackIndex) CRCAt(i int) uint32 { return idx.crcs[i] }

// FindIndex returns the position of raw (a 20-byte id) in the sorted id
// table, or -1 if the pack does not contain the object. The fanout table
// narrows the binary search to ids sharing the first byte.
func (idx *PackIndex) FindIndex(raw []byte) int {
	lo := uint32(0)
	if raw[0] > 0 {
		lo = idx.fanout[raw[0]-1]
	}
	hi := idx.fanout[raw[0]]
	for lo < hi {
		mid := lo + (hi-lo)/2
		switch bytes.Compare(raw, idx.id(int(mid))) {
		case 0:
			return int(mid)
		case -1:
			hi = mid
		default:
			lo = mid + 1
		}
	}
	return -1
}

// OffsetAt returns the pack file offset of the object at position i,
// consulting the large offset table when the 32-bit entry has its high
// bit set.
func (idx *PackIndex) OffsetAt(i int) (int64, error) {
	o := idx.offsets[i]
	if o&packIndexLargeOffsetFlag == 0 {
		return int64(o), nil
	}
	li := o & packIndexLargeOffsetMask
	if int(li) >= len(idx.largeOffsets) {
		return 0, fmt.Errorf("%w: large offset %d out of range", giterr.ErrBadPackIdx, li)
	}
	return int64(idx.largeOffsets[li]), nil
}

// MatchPrefix appends to out every id in the index whose hex form starts
// with prefix. The fanout table restricts the scan to the contiguous run
// of first bytes the prefix can cover; a one-digit prefix covers the
// sixteen first bytes sharing its high nibble.
func (idx *PackIndex) MatchPrefix(out []Hash, prefix string) []Hash {
	var lo, hi uint32
	first, err := strconv.ParseUint(prefix[:min(2, len(prefix))], 16, 8)
	if err != nil {
		return out
	}
	if len(prefix) == 1 {
		b0 := byte(first) << 4
		if b0 > 0 {
			lo = idx.fanout[b0-1]
		}
		hi = idx.fanout[b0|0x0f]
	} else {
		b0 := byte(first)
		if b0 > 0 {
			lo = idx.fanout[b0-1]
		}
		hi = idx.fanout[b0]
	}
	for i := lo; i < hi; i++ {
		h := idx.HashAt(int(i))
		if strings.HasPrefix(string(h), prefix) {
			out = append(out, h)
		}
	}
	return out
}

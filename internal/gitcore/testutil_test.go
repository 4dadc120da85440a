package gitcore

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/klauspost/compress/zlib"
)

// initTestRepo creates a bare repository in a temp dir and opens it.
func initTestRepo(t *testing.T) *Repository {
	t.Helper()
	dir := t.TempDir()
	if err := Init(dir); err != nil {
		t.Fatalf("Init: %v", err)
	}
	repo, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

// writeTestObject writes a loose object into the repository.
func writeTestObject(t *testing.T, repo *Repository, kind ObjectType, data []byte) Hash {
	t.Helper()
	id, err := writeLooseObject(repo.gitDir, kind, data)
	if err != nil {
		t.Fatalf("writeLooseObject: %v", err)
	}
	return id
}

// testCommit builds a minimal commit body referencing tree.
func testCommit(tree Hash, parents []Hash, message string) []byte {
	c := &Commit{
		Tree:    tree,
		Parents: parents,
		Author:  Signature{Name: "Flan Hacker", Email: "flan@example.com"},
		Message: message,
	}
	c.Committer = c.Author
	return encodeCommit(c)
}

// packEntry describes one object for buildPack.
type packEntry struct {
	typ     byte
	payload []byte // object payload, or delta script for delta entries
	baseIdx int    // for ofs-delta: index of base entry
	baseID  Hash   // for ref-delta: base object id
}

// buildPack assembles a pack file from entries and returns the bytes and
// the offset of each entry's header.
func buildPack(t *testing.T, entries []packEntry) ([]byte, []int64) {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString("PACK")
	hdr := make([]byte, 8)
	binary.BigEndian.PutUint32(hdr[0:4], 2)
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(entries)))
	buf.Write(hdr)

	offsets := make([]int64, len(entries))
	for i, e := range entries {
		offsets[i] = int64(buf.Len())
		buf.Write(appendObjectHeader(nil, e.typ, int64(len(e.payload))))
		switch e.typ {
		case packObjectOffsetDelta:
			negoff := offsets[i] - offsets[e.baseIdx]
			buf.Write(appendOfsDeltaOffset(nil, negoff))
		case packObjectRefDelta:
			raw, err := e.baseID.Bytes()
			if err != nil {
				t.Fatalf("bad base id: %v", err)
			}
			buf.Write(raw[:])
		}
		zw := zlib.NewWriter(&buf)
		if _, err := zw.Write(e.payload); err != nil {
			t.Fatalf("deflate: %v", err)
		}
		if err := zw.Close(); err != nil {
			t.Fatalf("deflate close: %v", err)
		}
	}

	sum := sha1.Sum(buf.Bytes())
	buf.Write(sum[:])
	return buf.Bytes(), offsets
}

// idxEntry pairs an id with its pack offset for buildPackIndex.
type idxEntry struct {
	id     Hash
	offset uint64
	crc    uint32
}

// buildPackIndex assembles v2 pack index bytes.
func buildPackIndex(t *testing.T, entries []idxEntry) []byte {
	t.Helper()
	sorted := append([]idxEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].id < sorted[j].id })

	var buf bytes.Buffer
	hdr := make([]byte, 8)
	binary.BigEndian.PutUint32(hdr[0:4], packIndexV2Magic)
	binary.BigEndian.PutUint32(hdr[4:8], 2)
	buf.Write(hdr)

	var fanout [256]uint32
	for _, e := range sorted {
		raw, err := e.id.Bytes()
		if err != nil {
			t.Fatalf("bad id %s: %v", e.id, err)
		}
		for b := int(raw[0]); b < 256; b++ {
			fanout[b]++
		}
	}
	for _, n := range fanout {
		binary.Write(&buf, binary.BigEndian, n)
	}
	for _, e := range sorted {
		raw, _ := e.id.Bytes()
		buf.Write(raw[:])
	}
	for _, e := range sorted {
		binary.Write(&buf, binary.BigEndian, e.crc)
	}

	var large []uint64
	for _, e := range sorted {
		if e.offset < 1<<31 {
			binary.Write(&buf, binary.BigEndian, uint32(e.offset))
		} else {
			binary.Write(&buf, binary.BigEndian,
				packIndexLargeOffsetFlag|uint32(len(large)))
			large = append(large, e.offset)
		}
	}
	for _, o := range large {
		binary.Write(&buf, binary.BigEndian, o)
	}

	buf.Write(make([]byte, 40)) // checksum trailer, unchecked
	return buf.Bytes()
}

// installPack writes a pack and its index into the repository under a
// synthetic pack name and rescans the pack list.
func installPack(t *testing.T, repo *Repository, pack []byte, idx []byte) string {
	t.Helper()
	sum := sha1.Sum(pack)
	name := "pack-" + string(NewHashFromBytes(sum))
	packDir := filepath.Join(repo.gitDir, "objects", "pack")
	if err := os.WriteFile(filepath.Join(packDir, name+".pack"), pack, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(packDir, name+".idx"), idx, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := repo.RefreshPackPaths(); err != nil {
		t.Fatalf("RefreshPackPaths: %v", err)
	}
	return filepath.Join("objects", "pack", name+".idx")
}

// makeCopyDelta builds a delta script that reproduces base exactly.
func makeCopyDelta(baseLen int) []byte {
	d := appendVarInt(nil, int64(baseLen))
	d = appendVarInt(d, int64(baseLen))
	// copy command: offset 0, explicit size
	d = append(d, 0x80|0x10|0x20, byte(baseLen&0xff), byte(baseLen>>8))
	return d
}

// makeInsertDelta builds a delta script that ignores base and inserts data.
func makeInsertDelta(baseLen int, data []byte) []byte {
	d := appendVarInt(nil, int64(baseLen))
	d = appendVarInt(d, int64(len(data)))
	d = append(d, byte(len(data)))
	return append(d, data...)
}

// Package gitcore implements the repository engine: the loose and packed
// object stores, the multi-tier lookup caches, object id resolution, and
// repository lifecycle.
package gitcore

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"

	"github.com/rybkr/gitsend/internal/giterr"
)

const (
	objectTypeCommit = "commit"
	objectTypeTree   = "tree"
	objectTypeBlob   = "blob"
	objectTypeTag    = "tag"
)

// looseObjectPath returns the path of a loose object relative to the git
// dir: the 40-hex id split after the first byte.
func looseObjectPath(id Hash) string {
	return filepath.Join("objects", string(id)[:2], string(id)[2:])
}

// readLooseObject reads and inflates the loose object id from disk and
// splits the "<type> <size>\0" header from the payload.
func readLooseObject(gitDir string, id Hash) (*RawObject, error) {
	f, err := os.Open(filepath.Join(gitDir, looseObjectPath(id)))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseLooseObject(f, id)
}

// ParseLooseObject inflates a loose object stream and validates its
// header. The read workers use it on descriptors handed to them by the
// parent.
func ParseLooseObject(r io.Reader, id Hash) (*RawObject, error) {
	zr, err := zlib.NewReader(bufio.NewReader(r))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", giterr.ErrBadObjHdr, err)
	}
	defer zr.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(zr, maxDecompressedSize+1)); err != nil {
		return nil, fmt.Errorf("inflate %s: %w", id.Short(), err)
	}
	if buf.Len() > maxDecompressedSize {
		return nil, fmt.Errorf("%w: %s", giterr.ErrObjTooLarge, id.Short())
	}
	data := buf.Bytes()

	nul := bytes.IndexByte(data, 0)
	if nul == -1 {
		return nil, fmt.Errorf("%w: missing header terminator", giterr.ErrBadObjHdr)
	}
	kind, size, err := parseObjectHeader(string(data[:nul]))
	if err != nil {
		return nil, err
	}
	payload := data[nul+1:]
	if int64(len(payload)) != size {
		return nil, fmt.Errorf("%w: declared size %d, payload %d",
			giterr.ErrBadObjHdr, size, len(payload))
	}
	return &RawObject{
		ID:     id,
		Kind:   kind,
		Size:   size,
		HdrLen: nul + 1,
		Data:   payload,
	}, nil
}

// parseObjectHeader splits "<type> <size>" into its parts.
func parseObjectHeader(header string) (ObjectType, int64, error) {
	name, sizeStr, ok := strings.Cut(header, " ")
	if !ok {
		return NoneObject, 0, fmt.Errorf("%w: %q", giterr.ErrBadObjHdr, header)
	}
	kind := StrToObjectType(name)
	if kind == NoneObject {
		return NoneObject, 0, fmt.Errorf("%w: unknown type %q", giterr.ErrBadObjHdr, name)
	}
	size, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil || size < 0 {
		return NoneObject, 0, fmt.Errorf("%w: bad size %q", giterr.ErrBadObjHdr, sizeStr)
	}
	return kind, size, nil
}

// hashObject computes the object id of a payload under its header.
func hashObject(kind ObjectType, data []byte) Hash {
	h := sha1.New()
	fmt.Fprintf(h, "%s %d\x00", kind, len(data))
	h.Write(data)
	var raw [20]byte
	copy(raw[:], h.Sum(nil))
	return NewHashFromBytes(raw)
}

// writeLooseObject deflates "<type> <size>\0<payload>" into the loose
// store, creating the fan-out directory as needed. Writing an object that
// already exists is a no-op returning its id.
func writeLooseObject(gitDir string, kind ObjectType, data []byte) (Hash, error) {
	id := hashObject(kind, data)
	path := filepath.Join(gitDir, looseObjectPath(id))
	if _, err := os.Stat(path); err == nil {
		return id, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "obj-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	zw := zlib.NewWriter(tmp)
	if _, err := fmt.Fprintf(zw, "%s %d\x00", kind, len(data)); err != nil {
		tmp.Close()
		return "", err
	}
	if _, err := zw.Write(data); err != nil {
		tmp.Close()
		return "", err
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}
	return id, nil
}

// parseObject dispatches a raw payload to the per-kind parser.
func parseObject(kind ObjectType, body []byte, id Hash) (Object, error) {
	switch kind {
	case CommitObject:
		return parseCommitBody(body, id)
	case TreeObject:
		return parseTreeBody(body, id)
	case TagObject:
		return parseTagBody(body, id)
	case BlobObject:
		return &Blob{ID: id, Data: body}, nil
	default:
		return nil, fmt.Errorf("%w: unknown object type %d", giterr.ErrBadObjHdr, kind)
	}
}

// ParseCommit parses a commit object body. The read-commit worker uses it
// directly; in-process callers go through Repository.ReadObject.
func ParseCommit(body []byte, id Hash) (*Commit, error) {
	return parseCommitBody(body, id)
}

// parseCommitBody parses the body of a commit object into a Commit struct.
func parseCommitBody(body []byte, id Hash) (*Commit, error) {
	commit := &Commit{ID: id}
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	inMessage := false
	var messageLines []string

	for scanner.Scan() {
		line := scanner.Text()

		if inMessage {
			messageLines = append(messageLines, line)
			continue
		}
		if line == "" {
			inMessage = true
			continue
		}

		if after, ok := strings.CutPrefix(line, "parent "); ok {
			parent, err := NewHash(after)
			if err != nil {
				return nil, fmt.Errorf("invalid parent hash: %w", err)
			}
			commit.Parents = append(commit.Parents, parent)
		} else if after, ok := strings.CutPrefix(line, "tree "); ok {
			tree, err := NewHash(after)
			if err != nil {
				return nil, fmt.Errorf("invalid tree hash: %w", err)
			}
			commit.Tree = tree
		} else if after, ok := strings.CutPrefix(line, "author "); ok {
			author, err := NewSignature(after)
			if err != nil {
				return nil, fmt.Errorf("invalid author signature: %w", err)
			}
			commit.Author = author
		} else if after, ok := strings.CutPrefix(line, "committer "); ok {
			committer, err := NewSignature(after)
			if err != nil {
				return nil, fmt.Errorf("invalid committer signature: %w", err)
			}
			commit.Committer = committer
		}
	}

	commit.Message = strings.TrimSpace(strings.Join(messageLines, "\n"))
	return commit, nil
}

// parseTagBody parses the body of a tag object into a Tag struct.
func parseTagBody(body []byte, id Hash) (*Tag, error) {
	tag := &Tag{ID: id}
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	inMessage := false
	var messageLines []string

	for scanner.Scan() {
		line := scanner.Text()

		if inMessage {
			messageLines = append(messageLines, line)
			continue
		}
		if line == "" {
			inMessage = true
			continue
		}

		if after, ok := strings.CutPrefix(line, "object "); ok {
			objectHash, err := NewHash(after)
			if err != nil {
				return nil, fmt.Errorf("invalid object hash: %w", err)
			}
			tag.Object = objectHash
		} else if after, ok := strings.CutPrefix(line, "type "); ok {
			tag.ObjType = StrToObjectType(after)
		} else if after, ok := strings.CutPrefix(line, "tag "); ok {
			tag.Name = after
		} else if after, ok := strings.CutPrefix(line, "tagger "); ok {
			tagger, err := NewSignature(after)
			if err != nil {
				return nil, fmt.Errorf("invalid tagger: %w", err)
			}
			tag.Tagger = tagger
		}
	}

	tag.Message = strings.TrimSpace(strings.Join(messageLines, "\n"))
	return tag, nil
}

// parseTreeBody parses the body of a tree object into a Tree struct.
// Duplicate entry names make the tree invalid.
func parseTreeBody(body []byte, id Hash) (*Tree, error) {
	tree := &Tree{
		ID:      id,
		Entries: make([]TreeEntry, 0),
	}
	reader := bytes.NewReader(body)
	seen := make(map[string]bool)

	for {
		var modeBuilder strings.Builder
		for {
			b, err := reader.ReadByte()
			if err == io.EOF {
				return tree, nil
			}
			if err != nil {
				return nil, fmt.Errorf("failed to read mode: %w", err)
			}
			if b == ' ' {
				break
			}
			modeBuilder.WriteByte(b)
		}
		mode := modeBuilder.String()

		var nameBuilder strings.Builder
		for {
			b, err := reader.ReadByte()
			if err != nil {
				return nil, fmt.Errorf("failed to read name: %w", err)
			}
			if b == 0 {
				break
			}
			nameBuilder.WriteByte(b)
		}
		name := nameBuilder.String()
		if seen[name] {
			return nil, fmt.Errorf("%w: %q", giterr.ErrTreeDupEntry, name)
		}
		seen[name] = true

		var raw [20]byte
		if _, err := io.ReadFull(reader, raw[:]); err != nil {
			return nil, fmt.Errorf("failed to read hash: %w", err)
		}

		// Determine type based on mode:
		//  - 100644/100755/120000 = blob
		//  - 040000 = tree (directory)
		//  - 160000 = commit (submodule)
		var entryType string
		if strings.HasPrefix(mode, "100") || mode == "120000" {
			entryType = "blob"
		} else if mode == "040000" || mode == "40000" {
			entryType = "tree"
			mode = "040000"
		} else if mode == "160000" {
			entryType = "commit"
		} else {
			entryType = "unknown"
		}

		tree.Entries = append(tree.Entries, TreeEntry{
			ID:   NewHashFromBytes(raw),
			Name: name,
			Mode: mode,
			Type: entryType,
		})
	}
}

// encodeTree serializes tree entries into the on-disk tree format.
// Entries must already be in canonical order.
func encodeTree(entries []TreeEntry) ([]byte, error) {
	var buf bytes.Buffer
	for _, e := range entries {
		mode := strings.TrimPrefix(e.Mode, "0")
		fmt.Fprintf(&buf, "%s %s\x00", mode, e.Name)
		raw, err := e.ID.Bytes()
		if err != nil {
			return nil, err
		}
		buf.Write(raw[:])
	}
	return buf.Bytes(), nil
}

// encodeCommit serializes a commit into the on-disk commit format.
func encodeCommit(c *Commit) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "tree %s\n", c.Tree)
	for _, p := range c.Parents {
		fmt.Fprintf(&buf, "parent %s\n", p)
	}
	fmt.Fprintf(&buf, "author %s\n", c.Author)
	fmt.Fprintf(&buf, "committer %s\n", c.Committer)
	fmt.Fprintf(&buf, "\n%s\n", c.Message)
	return buf.Bytes()
}

package gitcore

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rybkr/gitsend/internal/giterr"
)

var (
	signatureRe = regexp.MustCompile("[<>]")
)

// Hash represents a 40-character hex-encoded SHA-1 Git object identifier.
// Because the encoding is lowercase hex, lexicographic order of the string
// form equals byte-lexicographic order of the underlying 20-byte digest.
type Hash string

// ZeroHash is the all-zero id used on the wire for ref creation/deletion.
const ZeroHash Hash = "0000000000000000000000000000000000000000"

// NewHash creates a Hash from a 40-character hex string.
func NewHash(s string) (Hash, error) {
	if len(s) != 40 {
		return "", fmt.Errorf("%w: invalid length %d", giterr.ErrBadObjIDStr, len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q", giterr.ErrBadObjIDStr, s)
	}
	return Hash(hex.EncodeToString(raw)), nil
}

// NewHashFromBytes creates a Hash from a 20-byte digest.
func NewHashFromBytes(b [20]byte) Hash {
	return Hash(hex.EncodeToString(b[:]))
}

// Bytes returns the 20-byte digest form of the hash.
func (h Hash) Bytes() ([20]byte, error) {
	var raw [20]byte
	if len(h) != 40 {
		return raw, fmt.Errorf("%w: invalid length %d", giterr.ErrBadObjIDStr, len(h))
	}
	if _, err := hex.Decode(raw[:], []byte(h)); err != nil {
		return raw, fmt.Errorf("%w: %q", giterr.ErrBadObjIDStr, string(h))
	}
	return raw, nil
}

// Short returns the first 7 characters of the hash, or the full hash if shorter.
func (h Hash) Short() string {
	if len(h) < 7 {
		return string(h)
	}
	return string(h)[:7]
}

// Object represents a parsed Git object.
type Object interface {
	Type() ObjectType
}

// ObjectType uses the same numeric values as the Git pack format.
// See: https://git-scm.com/docs/pack-format#_object_types
type ObjectType int

const (
	// NoneObject represents no git object.
	NoneObject ObjectType = 0
	// CommitObject represents a git commit object.
	CommitObject ObjectType = 1
	// TreeObject represents a git tree object.
	TreeObject ObjectType = 2
	// BlobObject represents a git blob object.
	BlobObject ObjectType = 3
	// TagObject represents a git tag object.
	TagObject ObjectType = 4
)

// String returns the Git object type name (e.g., "commit", "tree", "blob", "tag").
func (t ObjectType) String() string {
	switch t {
	case CommitObject:
		return objectTypeCommit
	case TreeObject:
		return objectTypeTree
	case BlobObject:
		return objectTypeBlob
	case TagObject:
		return objectTypeTag
	default:
		return "unknown"
	}
}

// StrToObjectType converts a type name to an ObjectType.
func StrToObjectType(s string) ObjectType {
	switch s {
	case objectTypeCommit:
		return CommitObject
	case objectTypeTag:
		return TagObject
	case objectTypeTree:
		return TreeObject
	case objectTypeBlob:
		return BlobObject
	default:
		return NoneObject
	}
}

// Commit represents a Git commit object.
type Commit struct {
	ID        Hash
	Tree      Hash
	Parents   []Hash
	Author    Signature
	Committer Signature
	Message   string
}

// Type returns the ObjectType for a Commit.
func (c *Commit) Type() ObjectType {
	return CommitObject
}

// Tag represents an annotated Git tag object.
type Tag struct {
	ID      Hash
	Object  Hash
	ObjType ObjectType
	Name    string
	Tagger  Signature
	Message string
}

// Type returns the ObjectType for a Tag.
func (t *Tag) Type() ObjectType {
	return TagObject
}

// TreeEntry represents a single entry within a Git tree object.
type TreeEntry struct {
	ID   Hash
	Name string
	Mode string
	Type string
}

// Tree represents a Git tree object containing a list of entries.
type Tree struct {
	ID      Hash
	Entries []TreeEntry
}

// Type returns the ObjectType for a Tree.
func (t *Tree) Type() ObjectType {
	return TreeObject
}

// Blob represents a Git blob object with its raw payload.
type Blob struct {
	ID   Hash
	Data []byte
}

// Type returns the ObjectType for a Blob.
func (b *Blob) Type() ObjectType {
	return BlobObject
}

// RawObject describes an object's on-disk representation: its type, the
// uncompressed payload, and the length of the "<type> <size>\0" header
// that precedes the payload in loose form.
type RawObject struct {
	ID     Hash
	Kind   ObjectType
	Size   int64
	HdrLen int
	Data   []byte
}

// Signature represents the author or committer of a Git commit.
type Signature struct {
	Name  string
	Email string
	When  time.Time
}

// String renders the signature the way it appears in object bodies:
// "Name <email> unix-timestamp timezone".
func (s Signature) String() string {
	return fmt.Sprintf("%s <%s> %d %s", s.Name, s.Email, s.When.Unix(),
		s.When.Format("-0700"))
}

// NewSignature parses a Git signature line: "Name <email> unix-timestamp timezone".
func NewSignature(signLine string) (Signature, error) {
	parts := signatureRe.Split(signLine, -1)
	if len(parts) != 3 {
		return Signature{}, fmt.Errorf("invalid signature line: %q", signLine)
	}

	name := strings.TrimSpace(parts[0])
	email := strings.TrimSpace(parts[1])

	timePart := strings.TrimSpace(parts[2])
	timeFields := strings.Fields(timePart)
	if timePart == "" || len(timeFields) == 0 {
		return Signature{}, fmt.Errorf("invalid signature line: missing timestamp: %q", signLine)
	}

	var unixTime int64
	if _, err := fmt.Sscanf(timeFields[0], "%d", &unixTime); err != nil {
		return Signature{}, fmt.Errorf("invalid signature line: invalid timestamp: %q", signLine)
	}

	var loc *time.Location
	if len(timeFields) >= 2 {
		loc = parseTimezone(timeFields[1])
	}
	if loc == nil {
		loc = time.UTC
	}

	return Signature{
		Name:  name,
		Email: email,
		When:  time.Unix(unixTime, 0).In(loc),
	}, nil
}

// parseTimezone parses a Git timezone offset string (e.g., "+0530", "-0800")
// into a *time.Location. Returns nil if the string is not a valid offset.
func parseTimezone(tz string) *time.Location {
	if len(tz) != 5 {
		return nil
	}
	sign := 1
	if tz[0] == '-' {
		sign = -1
	} else if tz[0] != '+' {
		return nil
	}
	hours, err := strconv.Atoi(tz[1:3])
	if err != nil {
		return nil
	}
	mins, err := strconv.Atoi(tz[3:5])
	if err != nil {
		return nil
	}
	offset := sign * (hours*3600 + mins*60)
	return time.FixedZone(tz, offset)
}

// ObjectResolver retrieves raw object data and type by hash. Used for
// resolving ref-delta base objects during pack file reading.
type ObjectResolver func(id Hash) (data []byte, objectType ObjectType, err error)

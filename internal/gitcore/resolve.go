package gitcore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rybkr/gitsend/internal/giterr"
)

// isHexPrefix reports whether s is 1..40 lowercase-insensitive hex digits.
func isHexPrefix(s string) bool {
	if len(s) == 0 || len(s) > 40 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if hexVal(s[i]) < 0 {
			return false
		}
	}
	return true
}

func hexVal(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	}
	return -1
}

// MatchObjectIDPrefix resolves a hex id prefix to the single object it
// identifies. Packed and loose objects are both searched; more than one
// distinct match is ErrAmbiguousID and none is ErrNoObj. When
// expectedType is not NoneObject, objects of other types are filtered
// out, which requires opening each candidate.
func (r *Repository) MatchObjectIDPrefix(prefix string, expectedType ObjectType) (Hash, error) {
	if !isHexPrefix(prefix) {
		return "", fmt.Errorf("%w: %s", giterr.ErrBadObjIDStr, prefix)
	}
	prefix = strings.ToLower(prefix)

	matches := make(map[Hash]bool)
	if len(prefix) >= 2 {
		if err := r.matchPacked(matches, prefix); err != nil {
			return "", err
		}
		if err := r.matchLoose(matches, prefix[:2], prefix); err != nil {
			return "", err
		}
	} else {
		// Expand a single digit over all sixteen second digits.
		for i := 0; i < 16; i++ {
			dir := fmt.Sprintf("%s%x", prefix, i)
			if err := r.matchPacked(matches, dir); err != nil {
				return "", err
			}
			if err := r.matchLoose(matches, dir, prefix); err != nil {
				return "", err
			}
		}
	}

	var found Hash
	for id := range matches {
		if expectedType != NoneObject {
			kind, err := r.ObjectKind(id)
			if err != nil {
				return "", err
			}
			if kind != expectedType {
				continue
			}
		}
		if found != "" && found != id {
			return "", fmt.Errorf("%w: %s", giterr.ErrAmbiguousID, prefix)
		}
		found = id
	}
	if found == "" {
		if expectedType != NoneObject {
			return "", fmt.Errorf("%w: %s %s", giterr.ErrNoObj, expectedType, prefix)
		}
		return "", fmt.Errorf("%w: %s", giterr.ErrNoObj, prefix)
	}
	return found, nil
}

// matchPacked collects ids matching prefix across every pack index,
// cached or not. Unlike searchPackidx this must visit all indexes: a
// prefix can match in several packs at once.
func (r *Repository) matchPacked(matches map[Hash]bool, prefix string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool)
	for _, idx := range r.packidxCache {
		seen[idx.Path()] = true
		for _, id := range idx.MatchPrefix(nil, prefix) {
			matches[id] = true
		}
	}
	for _, path := range r.packidxPaths {
		if seen[path] {
			continue
		}
		idx, err := OpenPackIndex(r.gitDir, path)
		if err != nil {
			return err
		}
		r.addBloomFilter(path, idx)
		r.cachePackidx(idx)
		for _, id := range idx.MatchPrefix(nil, prefix) {
			matches[id] = true
		}
	}
	return nil
}

// matchLoose collects loose object ids under objects/<dir> whose full hex
// form starts with prefix.
func (r *Repository) matchLoose(matches map[Hash]bool, dir, prefix string) error {
	entries, err := os.ReadDir(filepath.Join(r.gitDir, "objects", dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, err := NewHash(dir + entry.Name())
		if err != nil {
			continue
		}
		if strings.HasPrefix(string(id), prefix) {
			matches[id] = true
		}
	}
	return nil
}

// MatchObjectID resolves a user-supplied string to an object id with a
// display label. Tag names from refs are tried first, then an id prefix,
// and finally a reference name.
func (r *Repository) MatchObjectID(s string, expectedType ObjectType, refs map[string]Hash) (Hash, string, error) {
	if refs != nil {
		id, label, err := r.matchTag(s, expectedType, refs)
		if err == nil {
			return id, label, nil
		}
		if !errors.Is(err, giterr.ErrNoObj) {
			return "", "", err
		}
	}

	id, err := r.MatchObjectIDPrefix(s, expectedType)
	if err == nil {
		return id, string(id), nil
	}
	if !errors.Is(err, giterr.ErrBadObjIDStr) {
		return "", "", err
	}

	// Not hex at all: try it as a reference name.
	id, err = r.ResolveRef(s)
	if err != nil {
		return "", "", err
	}
	return id, s, nil
}

// matchTag finds a tag ref named s (or refs/tags/s) whose target has the
// expected type, either directly or through an annotated tag object.
func (r *Repository) matchTag(s string, expectedType ObjectType, refs map[string]Hash) (Hash, string, error) {
	absolute := strings.HasPrefix(s, "refs/")
	for refname, id := range refs {
		if !strings.HasPrefix(refname, "refs/tags/") {
			continue
		}
		name := refname
		if !absolute {
			name = strings.TrimPrefix(refname, "refs/tags/")
		}
		if name != s {
			continue
		}

		kind, err := r.ObjectKind(id)
		if err != nil {
			return "", "", err
		}
		target := id
		if kind == TagObject {
			tag, err := r.GetTag(id)
			if err != nil {
				return "", "", err
			}
			target = tag.Object
			kind = tag.ObjType
		}
		if expectedType != NoneObject && kind != expectedType {
			continue
		}
		return target, refname, nil
	}
	return "", "", fmt.Errorf("%w: tag %s", giterr.ErrNoObj, s)
}

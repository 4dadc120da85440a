package gitcore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rybkr/gitsend/internal/giterr"
)

// Import creates blobs and trees from the files under dir, skipping paths
// matched by the ignore patterns, and records the result as a commit with
// the given author and message. It returns the new commit's id. A
// directory that contributes no entries at all is an error.
func (r *Repository) Import(dir string, ignores []string, author Signature, message string) (Hash, error) {
	matcher := newIgnoreMatcher(ignores)

	treeID, err := r.importDir(dir, "", matcher)
	if err != nil {
		return "", err
	}

	now := time.Now()
	if author.When.IsZero() {
		author.When = now
	}
	commit := &Commit{
		Tree:      treeID,
		Author:    author,
		Committer: author,
		Message:   message,
	}
	return writeLooseObject(r.gitDir, CommitObject, encodeCommit(commit))
}

// importDir recursively writes blobs and trees for the directory at
// dir/rel and returns the tree id.
func (r *Repository) importDir(root, rel string, matcher *ignoreMatcher) (Hash, error) {
	full := filepath.Join(root, filepath.FromSlash(rel))
	dirEntries, err := os.ReadDir(full)
	if err != nil {
		return "", err
	}

	var entries []TreeEntry
	for _, de := range dirEntries {
		name := de.Name()
		if name == ".git" {
			continue
		}
		childRel := name
		if rel != "" {
			childRel = rel + "/" + name
		}
		if matcher.isIgnored(childRel, de.IsDir()) {
			continue
		}

		switch {
		case de.IsDir():
			subID, err := r.importDir(root, childRel, matcher)
			if err != nil {
				return "", err
			}
			entries = append(entries, TreeEntry{
				ID: subID, Name: name, Mode: "040000", Type: "tree",
			})
		case de.Type()&os.ModeSymlink != 0:
			target, err := os.Readlink(filepath.Join(full, name))
			if err != nil {
				return "", err
			}
			blobID, err := writeLooseObject(r.gitDir, BlobObject, []byte(target))
			if err != nil {
				return "", err
			}
			entries = append(entries, TreeEntry{
				ID: blobID, Name: name, Mode: "120000", Type: "blob",
			})
		case de.Type().IsRegular():
			data, err := os.ReadFile(filepath.Join(full, name))
			if err != nil {
				return "", err
			}
			blobID, err := writeLooseObject(r.gitDir, BlobObject, data)
			if err != nil {
				return "", err
			}
			mode := "100644"
			if info, err := de.Info(); err == nil && info.Mode()&0o111 != 0 {
				mode = "100755"
			}
			entries = append(entries, TreeEntry{
				ID: blobID, Name: name, Mode: mode, Type: "blob",
			})
		default:
			// Sockets, devices, and the like have no Git representation.
			continue
		}
	}

	if len(entries) == 0 {
		return "", fmt.Errorf("%w: %s", giterr.ErrNoTreeEntry, filepath.ToSlash(full))
	}

	sortTreeEntries(entries)
	data, err := encodeTree(entries)
	if err != nil {
		return "", err
	}
	return r.writeTree(data)
}

func (r *Repository) writeTree(data []byte) (Hash, error) {
	return writeLooseObject(r.gitDir, TreeObject, data)
}

// sortTreeEntries orders entries the way git does: byte order over names,
// with directory names compared as if they had a trailing '/'.
func sortTreeEntries(entries []TreeEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return treeSortKey(entries[i]) < treeSortKey(entries[j])
	})
}

func treeSortKey(e TreeEntry) string {
	if e.Type == "tree" {
		return e.Name + "/"
	}
	return e.Name
}

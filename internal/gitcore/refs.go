package gitcore

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/rybkr/gitsend/internal/giterr"
)

// The on-disk reference store proper (locking, updates, reflogs) is a
// separate concern; the engine only needs to read refs: to resolve
// ref-or-id arguments, to match tag names, and to pick ids for sends.

// ListRefs returns all references: loose refs under refs/heads and
// refs/tags plus entries from packed-refs. Loose refs win over packed
// ones of the same name. Unreadable individual refs are skipped.
func (r *Repository) ListRefs() (map[string]Hash, error) {
	refs := make(map[string]Hash)
	if err := r.loadPackedRefs(refs); err != nil {
		return nil, err
	}
	for _, prefix := range []string{"heads", "tags"} {
		if err := r.loadLooseRefs(refs, prefix); err != nil {
			return nil, err
		}
	}
	return refs, nil
}

// loadLooseRefs recursively loads all refs in a directory.
// prefix is like "heads" for branches, or "tags" for tags.
func (r *Repository) loadLooseRefs(refs map[string]Hash, prefix string) error {
	refsDir := filepath.Join(r.gitDir, "refs", prefix)

	if _, err := os.Stat(refsDir); os.IsNotExist(err) {
		// No refs of this type yet (e.g., new repo with no tags), this is ok.
		return nil
	} else if err != nil {
		return err
	}

	return filepath.Walk(refsDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		relPath, err := filepath.Rel(r.gitDir, path)
		if err != nil {
			return err
		}

		refName := filepath.ToSlash(relPath)
		hash, err := r.resolveRefFile(path, 0)
		if err != nil {
			// Log the error but continue with other potentially valid refs.
			log.Printf("error resolving ref %s: %v", refName, err)
			return nil
		}

		refs[refName] = hash
		return nil
	})
}

// loadPackedRefs reads the packed-refs file, skipping comments and peel
// lines.
func (r *Repository) loadPackedRefs(refs map[string]Hash) error {
	f, err := os.Open(filepath.Join(r.gitDir, "packed-refs"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "^") {
			continue
		}

		parts := strings.Fields(line)
		if len(parts) != 2 {
			continue
		}

		hash, err := NewHash(parts[0])
		if err != nil {
			continue
		}
		refs[parts[1]] = hash
	}
	return scanner.Err()
}

// ResolveRef resolves a reference name ("HEAD", "main", "refs/heads/main",
// "v1.0") to an object id. Short names are tried under refs/, refs/heads/,
// and refs/tags/ in that order, then against packed-refs.
func (r *Repository) ResolveRef(name string) (Hash, error) {
	candidates := []string{name}
	if !strings.HasPrefix(name, "refs/") && name != "HEAD" {
		candidates = append(candidates,
			"refs/"+name, "refs/heads/"+name, "refs/tags/"+name)
	}

	for _, candidate := range candidates {
		path := filepath.Join(r.gitDir, filepath.FromSlash(candidate))
		if _, err := os.Stat(path); err == nil {
			return r.resolveRefFile(path, 0)
		}
	}

	packed := make(map[string]Hash)
	if err := r.loadPackedRefs(packed); err != nil {
		return "", err
	}
	for _, candidate := range candidates {
		if hash, ok := packed[candidate]; ok {
			return hash, nil
		}
	}
	return "", fmt.Errorf("%w: %s", giterr.ErrNotRef, name)
}

// maxSymrefDepth bounds symbolic ref chains.
const maxSymrefDepth = 8

// resolveRefFile reads a single ref file, following symbolic refs.
func (r *Repository) resolveRefFile(path string, depth int) (Hash, error) {
	if depth > maxSymrefDepth {
		return "", fmt.Errorf("%w: symbolic ref chain too deep", giterr.ErrNotRef)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	line := strings.TrimSpace(string(content))
	if target, ok := strings.CutPrefix(line, "ref: "); ok {
		targetPath := filepath.Join(r.gitDir, filepath.FromSlash(target))
		if _, err := os.Stat(targetPath); os.IsNotExist(err) {
			// The target may only exist in packed form.
			packed := make(map[string]Hash)
			if err := r.loadPackedRefs(packed); err != nil {
				return "", err
			}
			if hash, ok := packed[target]; ok {
				return hash, nil
			}
			return "", fmt.Errorf("%w: %s", giterr.ErrNotRef, target)
		}
		return r.resolveRefFile(targetPath, depth+1)
	}

	hash, err := NewHash(line)
	if err != nil {
		return "", fmt.Errorf("invalid hash in ref file %s: %w", path, err)
	}
	return hash, nil
}

// Head returns the id HEAD resolves to and the symbolic ref name, which
// is empty when HEAD is detached. A symbolic HEAD pointing at an unborn
// branch yields an empty id.
func (r *Repository) Head() (Hash, string, error) {
	content, err := os.ReadFile(filepath.Join(r.gitDir, "HEAD"))
	if err != nil {
		return "", "", fmt.Errorf("read HEAD: %w", err)
	}
	line := strings.TrimSpace(string(content))

	if target, ok := strings.CutPrefix(line, "ref: "); ok {
		hash, err := r.ResolveRef(target)
		if err != nil {
			// New repository with no commits yet.
			return "", target, nil
		}
		return hash, target, nil
	}

	hash, err := NewHash(line)
	if err != nil {
		return "", "", fmt.Errorf("invalid HEAD: %w", err)
	}
	return hash, "", nil
}

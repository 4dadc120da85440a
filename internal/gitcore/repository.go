package gitcore

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"golang.org/x/sys/unix"

	"github.com/rybkr/gitsend/internal/giterr"
	"github.com/rybkr/gitsend/internal/metrics"
	"github.com/rybkr/gitsend/internal/privsep"
)

// packCacheSizeDefault caps the number of simultaneously open pack files
// and pack indexes; the effective cap also honors the descriptor rlimit.
const packCacheSizeDefault = 64

// Bloom filters are skipped for very large pack indexes: with that many
// objects the filter itself gets big while the fanout search is already
// cheap relative to the cost of building it.
const bloomMaxObjects = 100000

// bloomMinEntries is the smallest population a filter is sized for.
const bloomMinEntries = 1000

const objectsPackDir = "objects/pack"

// Supported repository format extensions.
var repoExtensions = []string{
	"noop",
	"preciousObjects",
	"worktreeConfig",
}

// Options adjusts how a Repository is opened.
type Options struct {
	// GlobalGitconfigPath names the user-wide gitconfig overlaid under
	// the repository's own. Empty means none.
	GlobalGitconfigPath string
	// LibexecDir locates the privsep worker binaries. When empty the
	// engine decodes objects in-process instead of delegating.
	LibexecDir string
	// Verbosity controls stderr tracing in workers.
	Verbosity int
}

// Repository provides access to a Git repository's object store: loose
// objects, pack files found through their indexes, and the caches layered
// above both.
type Repository struct {
	path       string // working copy root, == gitDir for bare repos
	gitDir     string
	gitDirFile *os.File

	opts Options

	mu            sync.Mutex
	packCacheSize int
	packidxCache  []*PackIndex // most recently *hit* entry at the front
	packCache     []*Pack      // most recently opened entry at the front
	packidxPaths  []string     // relative to gitDir
	blooms        map[string]*bloom.BloomFilter

	commits *objectCache[*Commit]
	trees   *objectCache[*Tree]
	tags    *objectCache[*Tag]
	objects *objectCache[ObjectType]
	raw     *objectCache[*RawObject]

	extensions []string
	gotconfig  *GotConfig
	repoFormat int
	author     string

	children map[string]*privsep.Child
	closed   bool
}

// Open locates the repository containing path and prepares its caches.
// The search ascends from path until a bare repository or a .git directory
// is found.
func Open(path string, opts *Options) (*Repository, error) {
	repo := &Repository{
		commits:  newObjectCache[*Commit]("commit", commitCacheSize, 0),
		trees:    newObjectCache[*Tree]("tree", treeCacheSize, 0),
		tags:     newObjectCache[*Tag]("tag", tagCacheSize, 0),
		objects:  newObjectCache[ObjectType]("object", objectCacheSize, 0),
		raw:      newObjectCache[*RawObject]("raw", rawCacheSize, rawCacheMaxItemSize),
		blooms:   make(map[string]*bloom.BloomFilter),
		children: make(map[string]*privsep.Child),
	}
	if opts != nil {
		repo.opts = *opts
	}

	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return nil, fmt.Errorf("getrlimit: %w", err)
	}
	repo.packCacheSize = packCacheSizeDefault
	if limit := int(rl.Cur / 8); repo.packCacheSize > limit {
		repo.packCacheSize = limit
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", giterr.ErrBadPath, path)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}

	gitDir, workDir, err := findGitDirectory(abs)
	if err != nil {
		return nil, err
	}
	repo.gitDir = gitDir
	repo.path = workDir

	repo.gitDirFile, err = openDirectory(gitDir)
	if err != nil {
		return nil, err
	}

	if err := repo.readGotconfig(); err != nil {
		repo.Close()
		return nil, err
	}
	if err := repo.readGitconfig(); err != nil {
		repo.Close()
		return nil, err
	}
	if repo.repoFormat != 0 {
		repo.Close()
		return nil, fmt.Errorf("%w: %s", giterr.ErrGitRepoFormat, path)
	}
	for _, ext := range repo.extensions {
		if !slices.ContainsFunc(repoExtensions, func(known string) bool {
			return strings.EqualFold(known, ext)
		}) {
			repo.Close()
			return nil, fmt.Errorf("%w: %s", giterr.ErrGitRepoExt, ext)
		}
	}

	if err := repo.RefreshPackPaths(); err != nil {
		repo.Close()
		return nil, err
	}
	return repo, nil
}

func openDirectory(path string) (*os.File, error) {
	fd, err := unix.Open(path, unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return os.NewFile(uintptr(fd), path), nil
}

// findGitDirectory ascends from startPath looking for a bare repository
// (the directory itself holds objects/, refs/ and HEAD) or a working copy
// (the directory holds a .git meeting the same criteria).
func findGitDirectory(startPath string) (gitDir string, workDir string, err error) {
	current := startPath
	for {
		if isGitDirectory(current) {
			workDir := current
			if filepath.Base(current) == ".git" {
				workDir = filepath.Dir(current)
			}
			return current, workDir, nil
		}
		gitPath := filepath.Join(current, ".git")
		if isGitDirectory(gitPath) {
			return gitPath, current, nil
		}

		parent := filepath.Dir(current)
		if parent == current {
			return "", "", fmt.Errorf("%w: %s", giterr.ErrNotGitRepo, startPath)
		}
		current = parent
	}
}

// isGitDirectory checks that path contains the Git internals the engine
// relies on: objects/ and refs/ directories and a regular HEAD file.
func isGitDirectory(path string) bool {
	for _, dir := range []string{"objects", "refs"} {
		info, err := os.Stat(filepath.Join(path, dir))
		if err != nil || !info.IsDir() {
			return false
		}
	}
	info, err := os.Stat(filepath.Join(path, "HEAD"))
	return err == nil && info.Mode().IsRegular()
}

// Path returns the working copy root; for bare repositories it equals
// GitDir.
func (r *Repository) Path() string { return r.path }

// GitDir returns the repository's git directory.
func (r *Repository) GitDir() string { return r.gitDir }

// IsBare reports whether the repository has no working tree.
func (r *Repository) IsBare() bool { return r.gitDir == r.path }

// Gotconfig returns the engine-specific configuration, never nil.
func (r *Repository) Gotconfig() *GotConfig { return r.gotconfig }

// PackCacheSize returns the effective cap on open packs and pack indexes.
func (r *Repository) PackCacheSize() int { return r.packCacheSize }

// PackIndexPaths returns the known pack index paths relative to the git
// dir, as of the last scan.
func (r *Repository) PackIndexPaths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.packidxPaths...)
}

// MapPath maps an on-disk path to a repository-relative path beginning
// with '/'. Paths under the working tree are stripped of that prefix;
// for bare repositories, and for unrelated or nonexistent paths, the
// input is treated as already repository-relative.
func (r *Repository) MapPath(path string) (string, error) {
	cleaned := filepath.Clean(path)
	if resolved, err := filepath.EvalSymlinks(cleaned); err == nil {
		cleaned = resolved
	}
	if !r.IsBare() && filepath.IsAbs(cleaned) {
		if rel, err := filepath.Rel(r.path, cleaned); err == nil &&
			rel != ".." && !strings.HasPrefix(rel, "../") {
			if rel == "." {
				return "/", nil
			}
			cleaned = rel
		}
	}
	cleaned = strings.TrimPrefix(filepath.ToSlash(cleaned), "/")
	for _, part := range strings.Split(cleaned, "/") {
		if part == "." || part == ".." {
			return "", fmt.Errorf("%w: %s", giterr.ErrBadPath, path)
		}
	}
	return "/" + cleaned, nil
}

// RefreshPackPaths rescans objects/pack for pack index files. Called at
// open time and again by the pack watcher when the directory changes.
func (r *Repository) RefreshPackPaths() error {
	packDir := filepath.Join(r.gitDir, objectsPackDir)
	entries, err := os.ReadDir(packDir)
	if err != nil {
		if os.IsNotExist(err) {
			r.mu.Lock()
			r.packidxPaths = nil
			r.mu.Unlock()
			return nil
		}
		return fmt.Errorf("read %s: %w", objectsPackDir, err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !isPackIndexFilename(entry.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(objectsPackDir, entry.Name()))
	}
	sort.Strings(paths)

	r.mu.Lock()
	r.packidxPaths = paths
	r.mu.Unlock()
	return nil
}

// isPackIndexFilename reports whether name looks like "pack-<40 hex>.idx".
func isPackIndexFilename(name string) bool {
	if len(name) != 5+40+4 {
		return false
	}
	if !strings.HasPrefix(name, "pack-") || !strings.HasSuffix(name, ".idx") {
		return false
	}
	_, err := NewHash(name[5 : 5+40])
	return err == nil
}

// bloomCheck reports whether the pack index at path may contain raw.
// An index without a filter must be searched.
func (r *Repository) bloomCheck(path string, raw []byte) bool {
	bf, ok := r.blooms[path]
	if !ok {
		return true
	}
	if bf.Test(raw) {
		return true
	}
	metrics.BloomNegative()
	return false
}

// addBloomFilter builds a Bloom filter over the index's ids, keyed by the
// index path. Filters are built at most once per path and never for very
// large indexes.
func (r *Repository) addBloomFilter(path string, idx *PackIndex) {
	n := idx.NumObjects()
	if n > bloomMaxObjects {
		return
	}
	if _, ok := r.blooms[path]; ok {
		return
	}
	if n < bloomMinEntries {
		n = bloomMinEntries
	}
	bf := bloom.NewWithEstimates(uint(n), 0.1)
	for i := 0; i < int(idx.NumObjects()); i++ {
		bf.Add(idx.id(i))
	}
	r.blooms[path] = bf
}

// cachePackidx inserts a freshly opened index at the tail of the cache,
// evicting the entry there when full. Hits later promote entries to the
// front, so the tail holds the least recently useful index.
func (r *Repository) cachePackidx(idx *PackIndex) {
	if len(r.packidxCache) >= r.packCacheSize && len(r.packidxCache) > 0 {
		r.packidxCache = r.packidxCache[:len(r.packidxCache)-1]
	}
	r.packidxCache = append(r.packidxCache, idx)
}

// promotePackidx moves the cache entry at position i to the front.
func (r *Repository) promotePackidx(i int) {
	if i == 0 {
		return
	}
	idx := r.packidxCache[i]
	copy(r.packidxCache[1:i+1], r.packidxCache[0:i])
	r.packidxCache[0] = idx
	metrics.PackidxPromotion()
}

// searchPackidx locates the pack index containing raw and the object's
// position in it. Cached indexes are consulted first, each guarded by its
// Bloom filter; on a cache miss the remaining on-disk indexes are opened,
// filtered, cached, and searched in turn.
// Caller must hold r.mu.
func (r *Repository) searchPackidx(raw []byte) (*PackIndex, int, error) {
	for i, idx := range r.packidxCache {
		if !r.bloomCheck(idx.Path(), raw) {
			continue // object will not be found in this index
		}
		if pos := idx.FindIndex(raw); pos != -1 {
			r.promotePackidx(i)
			return r.packidxCache[0], pos, nil
		}
	}

	for _, path := range r.packidxPaths {
		if !r.bloomCheck(path, raw) {
			continue
		}
		cached := false
		for _, idx := range r.packidxCache {
			if idx.Path() == path {
				cached = true
				break
			}
		}
		if cached {
			continue // already searched
		}

		idx, err := OpenPackIndex(r.gitDir, path)
		if err != nil {
			return nil, 0, err
		}
		r.addBloomFilter(path, idx)
		r.cachePackidx(idx)

		if pos := idx.FindIndex(raw); pos != -1 {
			return idx, pos, nil
		}
	}

	return nil, 0, fmt.Errorf("%w: %s", giterr.ErrNoObj, NewHashFromBytes([20]byte(raw)))
}

// getPack returns the open pack for idx, opening and caching it on demand.
// Fresh entries go to the front; the entry falling off the tail is closed.
// Caller must hold r.mu.
func (r *Repository) getPack(idx *PackIndex) (*Pack, error) {
	for i, p := range r.packCache {
		if p.Path() == idx.PackPath() {
			if i > 0 {
				copy(r.packCache[1:i+1], r.packCache[0:i])
				r.packCache[0] = p
			}
			return p, nil
		}
	}

	p, err := OpenPack(r.gitDir, idx.PackPath(), idx)
	if err != nil {
		return nil, err
	}
	if len(r.packCache) >= r.packCacheSize && len(r.packCache) > 0 {
		victim := r.packCache[len(r.packCache)-1]
		r.packCache = r.packCache[:len(r.packCache)-1]
		if err := victim.Close(); err != nil {
			log.Printf("close pack %s: %v", victim.Path(), err)
		}
		metrics.PackCacheEviction()
	}
	r.packCache = append([]*Pack{p}, r.packCache...)
	return p, nil
}

// readRawObject fetches an object's payload and type, consulting the raw
// cache, then the loose store, then the packed store.
func (r *Repository) readRawObject(id Hash) (*RawObject, error) {
	if ro, ok := r.raw.get(id); ok {
		return ro, nil
	}

	ro, err := r.readLoose(id)
	if err == nil {
		r.cacheRaw(ro)
		return ro, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	raw, err := id.Bytes()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	idx, pos, err := r.searchPackidx(raw[:])
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	off, err := idx.OffsetAt(pos)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	pack, err := r.getPack(idx)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.mu.Unlock()

	data, kind, err := pack.ExtractObject(off, r.resolveDeltaBase)
	if err != nil {
		return nil, err
	}
	ro = &RawObject{
		ID:     id,
		Kind:   kind,
		Size:   int64(len(data)),
		HdrLen: len(fmt.Sprintf("%s %d\x00", kind, len(data))),
		Data:   data,
	}
	r.cacheRaw(ro)
	return ro, nil
}

// resolveDeltaBase backs REF_DELTA resolution with the repository's full
// lookup path, so a base may itself live loose or in another pack.
func (r *Repository) resolveDeltaBase(id Hash) ([]byte, ObjectType, error) {
	ro, err := r.readRawObject(id)
	if err != nil {
		return nil, NoneObject, err
	}
	return ro.Data, ro.Kind, nil
}

// readLoose reads a loose object, delegating to a read-object worker when
// privsep workers are configured.
func (r *Repository) readLoose(id Hash) (*RawObject, error) {
	if r.opts.LibexecDir == "" {
		return readLooseObject(r.gitDir, id)
	}
	f, err := os.Open(filepath.Join(r.gitDir, looseObjectPath(id)))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return r.readRawObjectPrivsep(f, id)
}

// cacheRaw inserts into the raw cache, swallowing the cache's hint errors.
func (r *Repository) cacheRaw(ro *RawObject) {
	err := r.raw.add(ro.ID, ro, len(ro.Data))
	if err != nil && !errors.Is(err, giterr.ErrObjExists) &&
		!errors.Is(err, giterr.ErrObjTooLarge) {
		log.Printf("cache object %s: %v", ro.ID.Short(), err)
	}
}

// ReadRawObject returns an object's payload, type, size, and header
// length. The returned object is a borrowed cache view.
func (r *Repository) ReadRawObject(id Hash) (*RawObject, error) {
	return r.readRawObject(id)
}

// ObjectKind returns the type of the object without parsing its body.
func (r *Repository) ObjectKind(id Hash) (ObjectType, error) {
	if kind, ok := r.objects.get(id); ok {
		return kind, nil
	}
	ro, err := r.readRawObject(id)
	if err != nil {
		return NoneObject, err
	}
	// Cache hints (already present, too large) are not failures.
	_ = r.objects.add(id, ro.Kind, 0)
	return ro.Kind, nil
}

// ReadObject parses the object id into its typed form, filling the
// per-kind caches.
func (r *Repository) ReadObject(id Hash) (Object, error) {
	if c, ok := r.commits.get(id); ok {
		return c, nil
	}
	if t, ok := r.trees.get(id); ok {
		return t, nil
	}
	if t, ok := r.tags.get(id); ok {
		return t, nil
	}

	ro, err := r.readRawObject(id)
	if err != nil {
		return nil, err
	}
	obj, err := parseObject(ro.Kind, ro.Data, id)
	if err != nil {
		return nil, err
	}
	r.cacheParsed(obj, id, len(ro.Data))
	return obj, nil
}

// cacheParsed stores a parsed object in its kind's cache; hint errors are
// swallowed.
func (r *Repository) cacheParsed(obj Object, id Hash, size int) {
	var err error
	switch o := obj.(type) {
	case *Commit:
		err = r.commits.add(id, o, size)
	case *Tree:
		err = r.trees.add(id, o, size)
	case *Tag:
		err = r.tags.add(id, o, size)
	}
	if err != nil && !errors.Is(err, giterr.ErrObjExists) &&
		!errors.Is(err, giterr.ErrObjTooLarge) {
		log.Printf("cache object %s: %v", id.Short(), err)
	}
}

// GetCommit returns the commit id, delegating decode to the read-commit
// worker when privsep workers are configured.
func (r *Repository) GetCommit(id Hash) (*Commit, error) {
	if c, ok := r.commits.get(id); ok {
		return c, nil
	}
	if r.opts.LibexecDir != "" {
		if c, err := r.getCommitPrivsep(id); err == nil {
			r.cacheParsed(c, id, len(c.Message))
			return c, nil
		} else if !os.IsNotExist(err) {
			return nil, err
		}
		// Not loose; fall through to the packed path.
	}
	obj, err := r.ReadObject(id)
	if err != nil {
		return nil, err
	}
	c, ok := obj.(*Commit)
	if !ok {
		return nil, fmt.Errorf("%w: commit %s", giterr.ErrNoObj, id)
	}
	return c, nil
}

// GetTree returns the tree id.
func (r *Repository) GetTree(id Hash) (*Tree, error) {
	obj, err := r.ReadObject(id)
	if err != nil {
		return nil, err
	}
	t, ok := obj.(*Tree)
	if !ok {
		return nil, fmt.Errorf("%w: tree %s", giterr.ErrNoObj, id)
	}
	return t, nil
}

// GetTag returns the tag id.
func (r *Repository) GetTag(id Hash) (*Tag, error) {
	obj, err := r.ReadObject(id)
	if err != nil {
		return nil, err
	}
	t, ok := obj.(*Tag)
	if !ok {
		return nil, fmt.Errorf("%w: tag %s", giterr.ErrNoObj, id)
	}
	return t, nil
}

// GetBlob returns the raw payload of the blob id.
func (r *Repository) GetBlob(id Hash) ([]byte, error) {
	ro, err := r.readRawObject(id)
	if err != nil {
		return nil, err
	}
	if ro.Kind != BlobObject {
		return nil, fmt.Errorf("%w: blob %s", giterr.ErrNoObj, id)
	}
	return ro.Data, nil
}

// Close releases all caches, open packs, worker processes, and the git
// directory descriptor. It is idempotent and returns the first error
// observed.
func (r *Repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var first error
	for _, p := range r.packCache {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	r.packCache = nil
	r.packidxCache = nil
	r.blooms = make(map[string]*bloom.BloomFilter)

	r.commits.close()
	r.trees.close()
	r.tags.close()
	r.objects.close()
	r.raw.close()

	for _, ch := range r.children {
		if err := ch.Stop(); err != nil && first == nil {
			first = err
		}
	}
	r.children = make(map[string]*privsep.Child)

	if r.gitDirFile != nil {
		if err := r.gitDirFile.Close(); err != nil && first == nil {
			first = err
		}
		r.gitDirFile = nil
	}
	return first
}

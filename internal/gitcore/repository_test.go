package gitcore

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rybkr/gitsend/internal/giterr"
)

func TestOpenBareRepository(t *testing.T) {
	dir := t.TempDir()
	if err := Init(dir); err != nil {
		t.Fatalf("Init: %v", err)
	}
	repo, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer repo.Close()

	if !repo.IsBare() {
		t.Error("IsBare() = false for bare repository")
	}
	if repo.Path() != repo.GitDir() {
		t.Errorf("Path() = %q, GitDir() = %q; want equal", repo.Path(), repo.GitDir())
	}
	resolved, _ := filepath.EvalSymlinks(dir)
	if repo.GitDir() != resolved {
		t.Errorf("GitDir() = %q, want %q", repo.GitDir(), resolved)
	}
}

func TestOpenWorkingCopyFromSubdirectory(t *testing.T) {
	root := t.TempDir()
	gitDir := filepath.Join(root, ".git")
	if err := Init(gitDir); err != nil {
		t.Fatalf("Init: %v", err)
	}
	nested := filepath.Join(root, "a", "b", "c")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}

	repo, err := Open(nested, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer repo.Close()

	if repo.IsBare() {
		t.Error("IsBare() = true for working copy")
	}
	resolvedRoot, _ := filepath.EvalSymlinks(root)
	if repo.Path() != resolvedRoot {
		t.Errorf("Path() = %q, want %q", repo.Path(), resolvedRoot)
	}
	if repo.GitDir() != filepath.Join(resolvedRoot, ".git") {
		t.Errorf("GitDir() = %q, want nearest .git", repo.GitDir())
	}
}

func TestOpenNotGitRepo(t *testing.T) {
	_, err := Open(t.TempDir(), nil)
	if !errors.Is(err, giterr.ErrNotGitRepo) {
		t.Errorf("got %v, want ErrNotGitRepo", err)
	}
}

func TestOpenRejectsFormatVersion(t *testing.T) {
	dir := t.TempDir()
	if err := Init(dir); err != nil {
		t.Fatal(err)
	}
	config := "[core]\n\trepositoryformatversion = 1\n\tbare = true\n"
	if err := os.WriteFile(filepath.Join(dir, "config"), []byte(config), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Open(dir, nil)
	if !errors.Is(err, giterr.ErrGitRepoFormat) {
		t.Errorf("got %v, want ErrGitRepoFormat", err)
	}
}

func TestOpenExtensions(t *testing.T) {
	t.Run("unknown extension is fatal", func(t *testing.T) {
		dir := t.TempDir()
		if err := Init(dir); err != nil {
			t.Fatal(err)
		}
		config := "[core]\n\trepositoryformatversion = 0\n[extensions]\n\tobjectFormat = sha256\n"
		os.WriteFile(filepath.Join(dir, "config"), []byte(config), 0o644)
		_, err := Open(dir, nil)
		if !errors.Is(err, giterr.ErrGitRepoExt) {
			t.Errorf("got %v, want ErrGitRepoExt", err)
		}
	})

	t.Run("known extensions pass", func(t *testing.T) {
		dir := t.TempDir()
		if err := Init(dir); err != nil {
			t.Fatal(err)
		}
		config := "[core]\n\trepositoryformatversion = 0\n[extensions]\n\tpreciousObjects = true\n\tworktreeConfig = true\n"
		os.WriteFile(filepath.Join(dir, "config"), []byte(config), 0o644)
		repo, err := Open(dir, nil)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		repo.Close()
	})
}

func TestInitRefusesNonEmptyDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := Init(dir); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	if err := Init(dir); !errors.Is(err, giterr.ErrDirNotEmpty) {
		t.Errorf("second Init: got %v, want ErrDirNotEmpty", err)
	}
}

func TestReadLooseObjects(t *testing.T) {
	repo := initTestRepo(t)

	blobData := []byte("hello, loose store\n")
	blobID := writeTestObject(t, repo, BlobObject, blobData)

	treeData, err := encodeTree([]TreeEntry{
		{ID: blobID, Name: "hello.txt", Mode: "100644", Type: "blob"},
	})
	if err != nil {
		t.Fatal(err)
	}
	treeID := writeTestObject(t, repo, TreeObject, treeData)
	commitID := writeTestObject(t, repo, CommitObject, testCommit(treeID, nil, "first"))

	got, err := repo.GetBlob(blobID)
	if err != nil {
		t.Fatalf("GetBlob: %v", err)
	}
	if string(got) != string(blobData) {
		t.Errorf("GetBlob = %q, want %q", got, blobData)
	}

	tree, err := repo.GetTree(treeID)
	if err != nil {
		t.Fatalf("GetTree: %v", err)
	}
	if len(tree.Entries) != 1 || tree.Entries[0].Name != "hello.txt" {
		t.Errorf("GetTree entries = %+v", tree.Entries)
	}

	commit, err := repo.GetCommit(commitID)
	if err != nil {
		t.Fatalf("GetCommit: %v", err)
	}
	if commit.Tree != treeID || commit.Message != "first" {
		t.Errorf("GetCommit = %+v", commit)
	}

	// Second read must come from the cache and agree.
	again, err := repo.GetCommit(commitID)
	if err != nil {
		t.Fatalf("GetCommit (cached): %v", err)
	}
	if again != commit {
		t.Error("cached read returned a different object")
	}
}

func TestReadPackedObjects(t *testing.T) {
	repo := initTestRepo(t)

	// One plain blob, one offset delta against it, and one ref delta
	// whose base lives loose in the repository.
	packedBase := []byte("packed base contents")
	derived := []byte("derived from packed base")
	looseBase := []byte("loose base contents")
	looseID := writeTestObject(t, repo, BlobObject, looseBase)
	inserted := []byte("ref delta payload")

	pack, offsets := buildPack(t, []packEntry{
		{typ: packObjectBlob, payload: packedBase},
		{typ: packObjectOffsetDelta, payload: makeInsertDelta(len(packedBase), derived), baseIdx: 0},
		{typ: packObjectRefDelta, payload: makeInsertDelta(len(looseBase), inserted), baseID: looseID},
	})

	baseID := hashObject(BlobObject, packedBase)
	derivedID := hashObject(BlobObject, derived)
	refDeltaID := hashObject(BlobObject, inserted)

	idx := buildPackIndex(t, []idxEntry{
		{id: baseID, offset: uint64(offsets[0])},
		{id: derivedID, offset: uint64(offsets[1])},
		{id: refDeltaID, offset: uint64(offsets[2])},
	})
	installPack(t, repo, pack, idx)

	for _, tt := range []struct {
		name string
		id   Hash
		want []byte
	}{
		{"plain", baseID, packedBase},
		{"offset delta", derivedID, derived},
		{"ref delta with loose base", refDeltaID, inserted},
	} {
		got, err := repo.GetBlob(tt.id)
		if err != nil {
			t.Fatalf("GetBlob(%s): %v", tt.name, err)
		}
		if string(got) != string(tt.want) {
			t.Errorf("%s blob = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestSearchPackidxPromotion(t *testing.T) {
	repo := initTestRepo(t)

	// Two packs, each holding one object.
	payloadA := []byte("object in pack A")
	payloadB := []byte("object in pack B")
	idA := hashObject(BlobObject, payloadA)
	idB := hashObject(BlobObject, payloadB)

	packA, offsA := buildPack(t, []packEntry{{typ: packObjectBlob, payload: payloadA}})
	packB, offsB := buildPack(t, []packEntry{{typ: packObjectBlob, payload: payloadB}})
	pathA := installPack(t, repo, packA,
		buildPackIndex(t, []idxEntry{{id: idA, offset: uint64(offsA[0])}}))
	pathB := installPack(t, repo, packB,
		buildPackIndex(t, []idxEntry{{id: idB, offset: uint64(offsB[0])}}))

	rawA, _ := idA.Bytes()
	rawB, _ := idB.Bytes()

	repo.mu.Lock()
	defer repo.mu.Unlock()

	// First search opens and caches indexes until it finds B.
	idx, _, err := repo.searchPackidx(rawB[:])
	if err != nil {
		t.Fatalf("searchPackidx(B): %v", err)
	}
	if idx.Path() != pathB {
		t.Errorf("found %q, want %q", idx.Path(), pathB)
	}

	// Searching A afterwards promotes A's index to the front.
	idx, _, err = repo.searchPackidx(rawA[:])
	if err != nil {
		t.Fatalf("searchPackidx(A): %v", err)
	}
	if idx.Path() != pathA {
		t.Errorf("found %q, want %q", idx.Path(), pathA)
	}
	if repo.packidxCache[0].Path() != pathA {
		t.Errorf("cache front = %q, want %q", repo.packidxCache[0].Path(), pathA)
	}

	// A repeated search hits the cache front immediately.
	idx, _, err = repo.searchPackidx(rawA[:])
	if err != nil {
		t.Fatalf("searchPackidx(A) again: %v", err)
	}
	if idx.Path() != pathA {
		t.Errorf("found %q, want %q", idx.Path(), pathA)
	}

	// Missing object reports NoObj.
	missing, _ := hashObject(BlobObject, []byte("missing")).Bytes()
	if _, _, err := repo.searchPackidx(missing[:]); !errors.Is(err, giterr.ErrNoObj) {
		t.Errorf("got %v, want ErrNoObj", err)
	}
}

func TestBloomFilterNeverFalselyNegative(t *testing.T) {
	repo := initTestRepo(t)

	entries := make([]idxEntry, 0, 50)
	ids := testIDs(50)
	for i, id := range ids {
		entries = append(entries, idxEntry{id: id, offset: uint64(12 + i*8)})
	}
	pack, _ := buildPack(t, []packEntry{{typ: packObjectBlob, payload: []byte("x")}})
	// The pack content is irrelevant here; only the index is consulted.
	path := installPack(t, repo, pack, buildPackIndex(t, entries))

	repo.mu.Lock()
	defer repo.mu.Unlock()
	idx, err := OpenPackIndex(repo.gitDir, path)
	if err != nil {
		t.Fatal(err)
	}
	repo.addBloomFilter(path, idx)

	for _, id := range ids {
		raw, _ := id.Bytes()
		if !repo.bloomCheck(path, raw[:]) {
			t.Fatalf("bloom filter reported %s absent from its own index", id.Short())
		}
	}
}

func TestNoBloomFilterForHugeIndex(t *testing.T) {
	repo := initTestRepo(t)
	idx := &PackIndex{nobjects: bloomMaxObjects + 1}
	repo.addBloomFilter("objects/pack/huge.idx", idx)
	if _, ok := repo.blooms["objects/pack/huge.idx"]; ok {
		t.Error("bloom filter built for oversized index")
	}
	// Searches must consult such an index directly.
	if !repo.bloomCheck("objects/pack/huge.idx", make([]byte, 20)) {
		t.Error("missing filter must mean the index is searched")
	}
}

func TestMapPath(t *testing.T) {
	repo := initTestRepo(t) // bare

	tests := []struct {
		in   string
		want string
	}{
		{"foo/bar", "/foo/bar"},
		{"/already/rooted", "/already/rooted"},
		{"foo//bar", "/foo/bar"},
	}
	for _, tt := range tests {
		got, err := repo.MapPath(tt.in)
		if err != nil {
			t.Errorf("MapPath(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("MapPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
		if !strings.HasPrefix(got, "/") {
			t.Errorf("MapPath(%q) = %q does not start with /", tt.in, got)
		}
	}

	if _, err := repo.MapPath("../escape"); !errors.Is(err, giterr.ErrBadPath) {
		t.Errorf("MapPath(../escape) should fail with ErrBadPath")
	}
}

func TestMapPathWorkingCopy(t *testing.T) {
	root := t.TempDir()
	if err := Init(filepath.Join(root, ".git")); err != nil {
		t.Fatal(err)
	}
	repo, err := Open(root, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer repo.Close()

	sub := filepath.Join(repo.Path(), "src", "main.c")
	got, err := repo.MapPath(sub)
	if err != nil {
		t.Fatalf("MapPath: %v", err)
	}
	if got != "/src/main.c" {
		t.Errorf("MapPath(%q) = %q, want /src/main.c", sub, got)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	if err := Init(dir); err != nil {
		t.Fatal(err)
	}
	repo, err := Open(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := repo.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := repo.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestGotconfig(t *testing.T) {
	dir := t.TempDir()
	if err := Init(dir); err != nil {
		t.Fatal(err)
	}
	gotconfig := "author: Flan Hacker <flan@example.com>\nremotes:\n  origin:\n    url: git.example.com:9418\n    branch: main\n"
	if err := os.WriteFile(filepath.Join(dir, ".gotconfig"), []byte(gotconfig), 0o644); err != nil {
		t.Fatal(err)
	}

	repo, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer repo.Close()

	if repo.Author() != "Flan Hacker <flan@example.com>" {
		t.Errorf("Author() = %q", repo.Author())
	}
	origin, ok := repo.Gotconfig().Remotes["origin"]
	if !ok || origin.URL != "git.example.com:9418" || origin.Branch != "main" {
		t.Errorf("Remotes = %+v", repo.Gotconfig().Remotes)
	}
}

func TestAuthorFallsBackToGitconfig(t *testing.T) {
	dir := t.TempDir()
	if err := Init(dir); err != nil {
		t.Fatal(err)
	}
	config := "[core]\n\trepositoryformatversion = 0\n[user]\n\tname = Flan Hacker\n\temail = flan@example.com\n"
	os.WriteFile(filepath.Join(dir, "config"), []byte(config), 0o644)

	repo, err := Open(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer repo.Close()
	if repo.Author() != "Flan Hacker <flan@example.com>" {
		t.Errorf("Author() = %q", repo.Author())
	}
}

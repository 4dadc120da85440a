package gitcore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rybkr/gitsend/internal/giterr"
)

// defaultDescription matches the placeholder git writes into new
// repositories.
const defaultDescription = "Unnamed repository; edit this file 'description' to name the repository.\n"

const defaultHead = "ref: refs/heads/main\n"

const defaultConfig = `[core]
	repositoryformatversion = 0
	filemode = true
	bare = true
`

// Init creates an empty bare repository at path: the objects/, objects/pack/
// and refs/ directories, a description placeholder, a HEAD pointing at
// refs/heads/main, and a config declaring a bare version-0 repository.
// The target directory may be missing but must not contain any entries.
func Init(path string) error {
	entries, err := os.ReadDir(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if len(entries) > 0 {
		return fmt.Errorf("%w: %s", giterr.ErrDirNotEmpty, path)
	}

	for _, dir := range []string{"objects", filepath.Join("objects", "pack"), "refs"} {
		if err := os.MkdirAll(filepath.Join(path, dir), 0o755); err != nil {
			return err
		}
	}

	files := []struct {
		name    string
		content string
	}{
		{"description", defaultDescription},
		{"HEAD", defaultHead},
		{"config", defaultConfig},
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(path, f.name), []byte(f.content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

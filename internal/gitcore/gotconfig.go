package gitcore

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/rybkr/gitsend/internal/gitconfig"
)

// GotConfig is the engine-specific configuration read from .gotconfig at
// the repository root (or inside a bare git dir). All fields are optional.
type GotConfig struct {
	Author  string                     `yaml:"author"`
	Remotes map[string]GotConfigRemote `yaml:"remotes"`
}

// GotConfigRemote describes one configured remote.
type GotConfigRemote struct {
	URL    string `yaml:"url"`
	Branch string `yaml:"branch"`
}

// gotconfigPath returns where the repository's .gotconfig lives: next to
// the git internals for bare repositories, at the working copy root
// otherwise.
func (r *Repository) gotconfigPath() string {
	if r.IsBare() {
		return filepath.Join(r.gitDir, ".gotconfig")
	}
	return filepath.Join(r.path, ".gotconfig")
}

// readGotconfig loads .gotconfig. A missing file is not an error.
func (r *Repository) readGotconfig() error {
	r.gotconfig = &GotConfig{}
	data, err := os.ReadFile(r.gotconfigPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, r.gotconfig); err != nil {
		return fmt.Errorf("parse .gotconfig: %w", err)
	}
	return nil
}

// readGitconfig loads the repository's config file, delegating to the
// gitconfig worker when privsep workers are configured. The user-wide
// gitconfig only contributes a fallback author.
func (r *Repository) readGitconfig() error {
	configPath := filepath.Join(r.gitDir, "config")

	if r.opts.LibexecDir != "" {
		version, extensions, author, err := r.parseGitconfigPrivsep(configPath)
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		r.repoFormat = version
		r.extensions = extensions
		r.author = author
		if r.author == "" && r.opts.GlobalGitconfigPath != "" {
			_, _, author, err := r.parseGitconfigPrivsep(r.opts.GlobalGitconfigPath)
			if err == nil {
				r.author = author
			}
		}
		return nil
	}

	cfg, err := gitconfig.ParseFile(configPath)
	if err != nil {
		return fmt.Errorf("parse gitconfig: %w", err)
	}
	r.repoFormat = cfg.RepositoryFormatVersion()
	r.extensions = cfg.Extensions()
	r.author = cfg.Author()
	if r.author == "" && r.opts.GlobalGitconfigPath != "" {
		global, err := gitconfig.ParseFile(r.opts.GlobalGitconfigPath)
		if err == nil {
			r.author = global.Author()
		}
	}
	return nil
}

// Author returns the configured commit author: .gotconfig wins, then the
// repository gitconfig, then the user-wide gitconfig.
func (r *Repository) Author() string {
	if r.gotconfig != nil && r.gotconfig.Author != "" {
		return r.gotconfig.Author
	}
	return r.author
}

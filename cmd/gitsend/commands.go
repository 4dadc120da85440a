package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rybkr/gitsend/internal/gitcore"
	"github.com/rybkr/gitsend/internal/progress"
	"github.com/rybkr/gitsend/internal/termcolor"
)

// resolveHash resolves a revision string to a full object id: HEAD, an id
// prefix, a tag name, or a reference name.
func resolveHash(repo *gitcore.Repository, rev string) (gitcore.Hash, error) {
	if rev == "HEAD" {
		h, _, err := repo.Head()
		if err != nil {
			return "", err
		}
		if h == "" {
			return "", fmt.Errorf("HEAD is not set")
		}
		return h, nil
	}

	refs, err := repo.ListRefs()
	if err != nil {
		return "", err
	}
	id, _, err := repo.MatchObjectID(rev, gitcore.NoneObject, refs)
	return id, err
}

func runInit(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: gitsend init <directory>")
		return 1
	}
	if err := gitcore.Init(args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		return 128
	}
	return 0
}

func runImport(repo *gitcore.Repository, args []string, verbosity int) int {
	var ignores []string
	message := "imported from " + repo.Path()
	var dir string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-I":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "error: -I requires a pattern")
				return 1
			}
			ignores = append(ignores, args[i+1])
			i++
		case "-m":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "error: -m requires a message")
				return 1
			}
			message = args[i+1]
			i++
		default:
			if dir != "" {
				fmt.Fprintln(os.Stderr, "usage: gitsend import [-I <pattern>] [-m <message>] <directory>")
				return 1
			}
			dir = args[i]
		}
	}
	if dir == "" {
		fmt.Fprintln(os.Stderr, "usage: gitsend import [-I <pattern>] [-m <message>] <directory>")
		return 1
	}

	authorStr := repo.Author()
	if authorStr == "" {
		fmt.Fprintln(os.Stderr, "fatal: no author configured; set user.name and user.email")
		return 128
	}
	author, err := gitcore.NewSignature(authorStr + " 0 +0000")
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		return 128
	}
	author.When = time.Now()

	sp := progress.New("importing " + dir)
	sp.Start()
	commitID, err := repo.Import(dir, ignores, author, message)
	sp.Stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		return 128
	}
	fmt.Println(commitID)
	return 0
}

func runResolve(repo *gitcore.Repository, args []string) int {
	expected := gitcore.NoneObject
	var rev string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-t":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "error: -t requires a type")
				return 1
			}
			expected = gitcore.StrToObjectType(args[i+1])
			if expected == gitcore.NoneObject {
				fmt.Fprintf(os.Stderr, "error: unknown object type %q\n", args[i+1])
				return 1
			}
			i++
		default:
			rev = args[i]
		}
	}
	if rev == "" {
		fmt.Fprintln(os.Stderr, "usage: gitsend resolve [-t <type>] <object>")
		return 1
	}

	refs, err := repo.ListRefs()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		return 128
	}
	id, label, err := repo.MatchObjectID(rev, expected, refs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		return 128
	}
	if label != string(id) {
		fmt.Printf("%s %s\n", id, label)
	} else {
		fmt.Println(id)
	}
	return 0
}

func runInfo(repo *gitcore.Repository, args []string, cw *termcolor.Writer) int {
	fmt.Fprintf(cw, "%s %s\n", cw.Bold("repository:"), repo.Path())
	fmt.Printf("git dir: %s\n", repo.GitDir())
	fmt.Printf("bare: %v\n", repo.IsBare())
	fmt.Printf("pack cache size: %d\n", repo.PackCacheSize())

	head, headRef, err := repo.Head()
	if err == nil {
		if headRef != "" {
			fmt.Printf("HEAD: %s", headRef)
			if head != "" {
				fmt.Printf(" (%s)", head.Short())
			}
			fmt.Println()
		} else {
			fmt.Printf("HEAD: %s (detached)\n", head)
		}
	}

	refs, err := repo.ListRefs()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		return 128
	}
	branches, tags := 0, 0
	for name := range refs {
		switch {
		case strings.HasPrefix(name, "refs/heads/"):
			branches++
		case strings.HasPrefix(name, "refs/tags/"):
			tags++
		}
	}
	fmt.Printf("branches: %d, tags: %d\n", branches, tags)
	fmt.Printf("pack files: %d\n", len(repo.PackIndexPaths()))
	return 0
}

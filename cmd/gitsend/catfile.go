package main

import (
	"fmt"
	"os"

	"github.com/rybkr/gitsend/internal/gitcore"
)

func runCatFile(repo *gitcore.Repository, args []string) int {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: gitsend cat-file (-t|-s|-p) <object>")
		return 1
	}

	flag := args[0]
	rev := args[1]

	hash, err := resolveHash(repo, rev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		return 128
	}

	switch flag {
	case "-t":
		return catFileType(repo, hash)
	case "-s":
		return catFileSize(repo, hash)
	case "-p":
		return catFilePretty(repo, hash)
	default:
		fmt.Fprintf(os.Stderr, "error: unknown flag: %q\n", flag)
		return 1
	}
}

func catFileType(repo *gitcore.Repository, hash gitcore.Hash) int {
	kind, err := repo.ObjectKind(hash)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		return 128
	}
	fmt.Println(kind)
	return 0
}

func catFileSize(repo *gitcore.Repository, hash gitcore.Hash) int {
	ro, err := repo.ReadRawObject(hash)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		return 128
	}
	fmt.Println(ro.Size)
	return 0
}

func catFilePretty(repo *gitcore.Repository, hash gitcore.Hash) int {
	kind, err := repo.ObjectKind(hash)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		return 128
	}

	switch kind {
	case gitcore.CommitObject:
		return prettyPrintCommit(repo, hash)
	case gitcore.TreeObject:
		return prettyPrintTree(repo, hash)
	case gitcore.BlobObject:
		return prettyPrintBlob(repo, hash)
	case gitcore.TagObject:
		return prettyPrintTag(repo, hash)
	default:
		fmt.Fprintf(os.Stderr, "fatal: unknown object type: %q\n", kind)
		return 128
	}
}

func prettyPrintCommit(repo *gitcore.Repository, hash gitcore.Hash) int {
	commit, err := repo.GetCommit(hash)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		return 128
	}

	fmt.Printf("tree %s\n", commit.Tree)
	for _, p := range commit.Parents {
		fmt.Printf("parent %s\n", p)
	}
	fmt.Printf("author %s\n", commit.Author)
	fmt.Printf("committer %s\n", commit.Committer)
	fmt.Println()
	fmt.Println(commit.Message)
	return 0
}

func prettyPrintTree(repo *gitcore.Repository, hash gitcore.Hash) int {
	tree, err := repo.GetTree(hash)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		return 128
	}

	for _, entry := range tree.Entries {
		fmt.Printf("%s %s %s\t%s\n", normalizeMode(entry.Mode), entry.Type, entry.ID, entry.Name)
	}
	return 0
}

func prettyPrintBlob(repo *gitcore.Repository, hash gitcore.Hash) int {
	data, err := repo.GetBlob(hash)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		return 128
	}
	os.Stdout.Write(data)
	return 0
}

func prettyPrintTag(repo *gitcore.Repository, hash gitcore.Hash) int {
	tag, err := repo.GetTag(hash)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		return 128
	}

	fmt.Printf("object %s\n", tag.Object)
	fmt.Printf("type %s\n", tag.ObjType)
	fmt.Printf("tag %s\n", tag.Name)
	fmt.Printf("tagger %s\n", tag.Tagger)
	fmt.Println()
	fmt.Println(tag.Message)
	return 0
}

// normalizeMode pads tree entry modes to six digits the way git does.
func normalizeMode(mode string) string {
	for len(mode) < 6 {
		mode = "0" + mode
	}
	return mode
}

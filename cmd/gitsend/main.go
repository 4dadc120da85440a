package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/rybkr/gitsend/internal/cli"
	"github.com/rybkr/gitsend/internal/gitcore"
	"github.com/rybkr/gitsend/internal/termcolor"
)

// Build-time variables set via -ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	gf, args := parseGlobalFlags(os.Args[1:])

	// --version is handled before app.Run because "--" prefixed args
	// would be treated as unknown commands by the dispatcher.
	for _, a := range args {
		if a == "--version" {
			printVersion()
			os.Exit(0)
		}
	}

	cw := termcolor.NewWriter(os.Stdout, gf.colorMode)

	app := cli.NewApp("gitsend", version)
	app.Stderr = os.Stderr

	// repo is declared here and assigned after dispatch determines that
	// the matched command needs it (NeedsRepo). Closures capture the
	// pointer variable, which is populated before they execute.
	var repo *gitcore.Repository

	app.Register(&cli.Command{
		Name:     "init",
		Summary:  "Create an empty bare repository",
		Usage:    "gitsend init <directory>",
		Examples: []string{"gitsend init /srv/git/project.git"},
		Run:      func(args []string) int { return runInit(args) },
	})

	app.Register(&cli.Command{
		Name:    "import",
		Summary: "Import a directory tree as a new commit",
		Usage:   "gitsend import [-I <pattern>] [-m <message>] <directory>",
		Examples: []string{
			"gitsend import -m 'initial import' /home/src/project",
			"gitsend import -I '*.o' -I 'obj/' /home/src/project",
		},
		NeedsRepo: true,
		Run:       func(args []string) int { return runImport(repo, args, gf.verbosity) },
	})

	app.Register(&cli.Command{
		Name:      "cat-file",
		Summary:   "Show object content, type, or size",
		Usage:     "gitsend cat-file (-t|-s|-p) <object>",
		Examples:  []string{"gitsend cat-file -p HEAD", "gitsend cat-file -t abc1234"},
		NeedsRepo: true,
		Run:       func(args []string) int { return runCatFile(repo, args) },
	})

	app.Register(&cli.Command{
		Name:      "resolve",
		Summary:   "Resolve an id prefix, tag, or reference to an object id",
		Usage:     "gitsend resolve [-t <type>] <object>",
		Examples:  []string{"gitsend resolve abc1", "gitsend resolve -t commit v1.0"},
		NeedsRepo: true,
		Run:       func(args []string) int { return runResolve(repo, args) },
	})

	app.Register(&cli.Command{
		Name:      "info",
		Summary:   "Show repository information",
		Usage:     "gitsend info",
		NeedsRepo: true,
		Run:       func(args []string) int { return runInfo(repo, args, cw) },
	})

	app.Register(&cli.Command{
		Name:    "send",
		Summary: "Send a pack file and reference updates to a remote",
		Usage:   "gitsend send -r <host:port> -p <packfile> [-d <ref>] <ref>...",
		Examples: []string{
			"gitsend send -r git.example.com:9418 -p out.pack refs/heads/main",
			"gitsend send -r git.example.com:9418 -p out.pack -d refs/heads/old",
		},
		NeedsRepo: true,
		Run:       func(args []string) int { return runSend(repo, args, gf.verbosity) },
	})

	app.Register(&cli.Command{
		Name:    "version",
		Summary: "Show version information",
		Usage:   "gitsend version",
		Run:     func([]string) int { printVersion(); return 0 },
	})

	// Determine which command will run so we can load the repo only when needed.
	if len(args) > 0 {
		cmd := app.Lookup(args[0])
		if cmd != nil && cmd.NeedsRepo {
			repoPath := os.Getenv("GIT_DIR")
			if repoPath == "" {
				repoPath = "."
			}
			var err error
			repo, err = gitcore.Open(repoPath, &gitcore.Options{
				Verbosity: gf.verbosity,
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
				os.Exit(128)
			}
		}
	}

	code := app.Run(args, cw)
	if repo != nil {
		if err := repo.Close(); err != nil && code == 0 {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			code = 1
		}
	}
	os.Exit(code)
}

func printVersion() {
	fmt.Printf("gitsend %s\n", version)
	fmt.Printf("  commit:     %s\n", commit)
	fmt.Printf("  built:      %s\n", buildDate)
	fmt.Printf("  go version: %s\n", runtime.Version())
	fmt.Printf("  platform:   %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

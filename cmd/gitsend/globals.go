package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rybkr/gitsend/internal/termcolor"
)

type globalFlags struct {
	colorMode termcolor.ColorMode
	verbosity int
}

// parseGlobalFlags extracts --color, --no-color, and -v from anywhere in
// args, returning the parsed flags and the remaining (filtered) arguments.
// Repeated -v flags accumulate; at -vv the wire protocol dumps frames.
func parseGlobalFlags(args []string) (globalFlags, []string) {
	gf := globalFlags{colorMode: termcolor.ColorAuto}
	var remaining []string

	for i := 0; i < len(args); i++ {
		arg := args[i]

		if arg == "--no-color" {
			gf.colorMode = termcolor.ColorNever
			continue
		}

		if arg == "--color" && i+1 < len(args) {
			mode, err := termcolor.ParseColorMode(args[i+1])
			if err != nil {
				fmt.Fprintf(os.Stderr, "gitsend: %v\n", err)
				os.Exit(1)
			}
			gf.colorMode = mode
			i++ // skip the value
			continue
		}

		if val, ok := strings.CutPrefix(arg, "--color="); ok {
			mode, err := termcolor.ParseColorMode(val)
			if err != nil {
				fmt.Fprintf(os.Stderr, "gitsend: %v\n", err)
				os.Exit(1)
			}
			gf.colorMode = mode
			continue
		}

		if strings.HasPrefix(arg, "-v") && strings.TrimLeft(arg, "v-") == "" {
			gf.verbosity += strings.Count(arg, "v")
			continue
		}

		remaining = append(remaining, arg)
	}

	return gf, remaining
}

package progress

import (
	"fmt"
	"os"

	"github.com/pterm/pterm"

	"github.com/rybkr/gitsend/internal/termcolor"
)

// Upload renders a progress bar for a pack upload of known size. Like the
// spinner it stays silent when stderr is not a terminal, so piped and CI
// runs see no control sequences.
type Upload struct {
	bar     *pterm.ProgressbarPrinter
	total   int64
	current int64
}

// NewUpload creates an Upload for total bytes.
func NewUpload(title string, total int64) *Upload {
	u := &Upload{total: total}
	if !termcolor.IsTerminal(os.Stderr.Fd()) {
		return u
	}
	bar, err := pterm.DefaultProgressbar.
		WithTotal(int(total)).
		WithTitle(title).
		WithWriter(os.Stderr).
		WithShowCount(false).
		Start()
	if err != nil {
		return u
	}
	u.bar = bar
	return u
}

// Set advances the bar to an absolute byte count, as reported by upload
// progress messages.
func (u *Upload) Set(bytes int64) {
	if u.bar == nil {
		u.current = bytes
		return
	}
	delta := bytes - u.current
	u.current = bytes
	if delta > 0 {
		u.bar.Add(int(delta))
	}
}

// Done finishes the bar and prints a plain summary when not on a TTY.
func (u *Upload) Done() {
	if u.bar != nil {
		u.bar.Stop()
		return
	}
	if u.current > 0 {
		fmt.Fprintf(os.Stderr, "uploaded %d bytes\n", u.current)
	}
}

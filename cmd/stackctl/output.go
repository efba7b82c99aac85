package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/juju/ansiterm"

	"github.com/INLOpen/stackctl/core"
)

// output writes aligned, optionally colored columns. Colors are only
// emitted when the destination is a terminal.
type output struct {
	tw *ansiterm.TabWriter
}

func newOutput(w io.Writer) *output {
	return &output{tw: ansiterm.NewTabWriter(w, 0, 8, 2, ' ', 0)}
}

func (o *output) field(name, value string) {
	fmt.Fprintf(o.tw, "%s:\t%s\n", name, value)
}

func (o *output) ok(name, value string) {
	fmt.Fprintf(o.tw, "%s:\t", name)
	ansiterm.Foreground(ansiterm.Green).Fprint(o.tw, value)
	fmt.Fprintln(o.tw)
}

func (o *output) warn(name, value, note string) {
	fmt.Fprintf(o.tw, "%s:\t", name)
	ansiterm.Foreground(ansiterm.Yellow).Fprintf(o.tw, "%s (%s)", value, note)
	fmt.Fprintln(o.tw)
}

func (o *output) header(cols ...string) {
	fmt.Fprintln(o.tw, strings.Join(cols, "\t"))
}

// row writes one table row; a highlighted row has its first cell in blue.
func (o *output) row(highlight bool, cells ...string) {
	if len(cells) == 0 {
		return
	}
	if highlight {
		ansiterm.Foreground(ansiterm.BrightBlue).Fprint(o.tw, cells[0])
	} else {
		fmt.Fprint(o.tw, cells[0])
	}
	for _, c := range cells[1:] {
		fmt.Fprintf(o.tw, "\t%s", c)
	}
	fmt.Fprintln(o.tw)
}

func (o *output) flush() error {
	return o.tw.Flush()
}

func printRemoved(w io.Writer, paths []string, dryRun bool) {
	verb := "Removed"
	if dryRun {
		verb = "Would remove"
	}
	if len(paths) == 0 {
		fmt.Fprintln(w, "Nothing to remove.")
		return
	}
	for _, p := range paths {
		fmt.Fprintf(w, "%s %s\n", verb, p)
	}
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// failureHint tells the operator how to continue after a failed command.
func failureHint(err error) string {
	if stage, ok := core.FailedStage(err); ok {
		switch stage {
		case core.StageFetch:
			return "Hint: check release.repo and network access to the release API."
		case core.StageDownload:
			return "Hint: the download can be retried with `stackctl update <version>`."
		case core.StageInstall:
			return "Hint: fix the provisioning error, then rerun with --force."
		case core.StageActivate:
			return "Hint: the previous version is still active; retry `stackctl versions activate <version>`."
		case core.StageRestore:
			return "Hint: list usable archives with `stackctl backup list`."
		}
	}
	switch {
	case errors.Is(err, core.ErrVersionActive):
		return "Hint: activate another version before uninstalling this one."
	case errors.Is(err, core.ErrNotProvisioned):
		return "Hint: reinstall the version with `stackctl versions install`."
	case errors.Is(err, core.ErrNoActiveVersion):
		return "Hint: name a version explicitly or activate one first."
	case errors.Is(err, core.ErrInsufficientSpace):
		return "Hint: free space on the backup volume or lower backup.min_free."
	}
	return ""
}

// dsverify checks the units, checksum chain, index and tail of extent
// files and exits with status 1 if any of them is damaged.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/mr-karan/extentdb/pkg/extent"
	"github.com/mr-karan/extentdb/pkg/source"
	flag "github.com/spf13/pflag"
	"github.com/zerodha/logf"
)

func main() {
	f := flag.NewFlagSet("dsverify", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Println("usage: dsverify [flags] file...")
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}
	verbose := f.Bool("verbose", false, "Print every unit, not only damaged ones.")
	if err := f.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %v\n", err)
		os.Exit(1)
	}

	lo := logf.New(logf.Opts{})
	if f.NArg() == 0 {
		lo.Fatal("usage: dsverify [flags] file...")
	}

	if bad := check(lo, os.Stdout, f.Args(), *verbose); bad > 0 {
		lo.Error("verification failed", "files", bad)
		os.Exit(1)
	}
}

// check verifies every path, writes a report for each to w and returns
// the number of files that failed.
func check(lo logf.Logger, w io.Writer, paths []string, verbose bool) int {
	var bad int
	for _, p := range paths {
		rep, err := source.Verify(p)
		if err != nil {
			lo.Error("corrupt file", "path", p, "error", err)
		}
		writeReport(w, rep, verbose)
		if err != nil || !rep.OK() {
			bad++
		}
	}
	return bad
}

func writeReport(w io.Writer, r *source.Report, verbose bool) {
	var records uint64
	for _, u := range r.Units {
		if !extent.IsBuiltin(u.TypeName) {
			records += uint64(u.NRecords)
		}
	}

	status := "ok"
	if !r.OK() {
		status = "FAILED"
	}
	order := "unknown"
	if r.ByteOrder != nil {
		order = r.ByteOrder.String()
	}
	fmt.Fprintf(w, "%s: %s, %s, %d units, %s records\n",
		r.Path, status, order, len(r.Units), humanize.Comma(int64(records)))

	for _, u := range r.Units {
		if !verbose && u.ContentOK && u.ChainOK {
			continue
		}
		fmt.Fprintf(w, "  @%d %s: %d records, content=%s chain=%s",
			u.Offset, u.TypeName, u.NRecords, okString(u.ContentOK), okString(u.ChainOK))
		if u.Err != nil {
			fmt.Fprintf(w, " (%v)", u.Err)
		}
		fmt.Fprintln(w)
	}
	if !r.IndexOK {
		fmt.Fprintln(w, "  index does not match the units in the file")
	}
	if !r.TailOK {
		fmt.Fprintln(w, "  tail is missing or damaged")
	}
}

func okString(ok bool) string {
	if ok {
		return "ok"
	}
	return "bad"
}

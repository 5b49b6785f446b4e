// dsselect copies a subset of the fields of one extent type from one or
// more files into a new file.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/mr-karan/extentdb/pkg/compress"
	flag "github.com/spf13/pflag"
	"github.com/zerodha/logf"
)

const usage = "usage: dsselect [flags] type-prefix field,field... input... output"

func initConfig(args []string) (*koanf.Koanf, []string, error) {
	var (
		ko = koanf.New(".")
		f  = flag.NewFlagSet("dsselect", flag.ContinueOnError)
	)

	f.Usage = func() {
		fmt.Println(usage)
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}

	f.StringSlice("compress", []string{"all"}, "Algorithms to try: zstd, s2, snappy, gzip, none or all.")
	f.Int("level", compress.DefaultLevel, "Compression level, 1 to 9.")
	f.Int("extent-size", 64<<10, "Target size of each extent in bytes.")
	f.Int("compressors", -1, "Number of compressor goroutines; -1 is one per CPU.")
	f.Bool("verbose", false, "Log progress for every input.")

	if err := f.Parse(args); err != nil {
		return nil, nil, err
	}
	if err := ko.Load(posflag.Provider(f, ".", ko), nil); err != nil {
		return nil, nil, err
	}
	return ko, f.Args(), nil
}

func main() {
	ko, args, err := initConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %v\n", err)
		os.Exit(1)
	}

	opts := logf.Opts{EnableCaller: true}
	if ko.Bool("verbose") {
		opts.Level = logf.DebugLevel
	}
	lo := logf.New(opts)

	if len(args) < 4 {
		lo.Fatal(usage)
	}
	mask, err := compress.ParseMask(ko.Strings("compress"))
	if err != nil {
		lo.Fatal("invalid options", "error", err)
	}
	sopts := selectOpts{
		mask:        mask,
		level:       ko.Int("level"),
		compressors: ko.Int("compressors"),
		extentSize:  ko.Int("extent-size"),
	}

	var (
		prefix = args[0]
		fields = strings.Split(args[1], ",")
		inputs = args[2 : len(args)-1]
		out    = args[len(args)-1]
	)
	st, err := selectFields(lo, sopts, prefix, fields, inputs, out)
	if err != nil {
		lo.Fatal("error selecting fields", "error", err)
	}
	st.WriteText(os.Stdout, prefix)
}

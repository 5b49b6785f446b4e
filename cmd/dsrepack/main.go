// dsrepack copies the extents of one or more files into a new file,
// recompressing them with the chosen algorithms and extent size.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/mr-karan/extentdb/pkg/compress"
	"github.com/mr-karan/extentdb/pkg/extent"
	"github.com/mr-karan/extentdb/pkg/source"
	flag "github.com/spf13/pflag"
	"github.com/zerodha/logf"
)

func initConfig(args []string) (*koanf.Koanf, []string, error) {
	var (
		ko = koanf.New(".")
		f  = flag.NewFlagSet("dsrepack", flag.ContinueOnError)
	)

	f.Usage = func() {
		fmt.Println("usage: dsrepack [flags] input... output")
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}

	f.String("config", "", "Path to a config file to load.")
	f.StringSlice("compress", []string{"all"}, "Algorithms to try: zstd, s2, snappy, gzip, none or all.")
	f.Int("level", compress.DefaultLevel, "Compression level, 1 to 9.")
	f.Int("extent-size", 64<<10, "Target size of each extent in bytes.")
	f.Int("compressors", -1, "Number of compressor goroutines; -1 is one per CPU.")
	f.Int("target-file-size", 0, "Split the output into parts of about this many MiB.")
	f.Bool("no-info", false, "Do not record the repack options in the output.")
	f.Bool("verbose", false, "Log progress for every input.")

	if err := f.Parse(args); err != nil {
		return nil, nil, err
	}

	if cfg, _ := f.GetString("config"); cfg != "" {
		if err := ko.Load(file.Provider(cfg), toml.Parser()); err != nil {
			return nil, nil, err
		}
	}
	err := ko.Load(env.Provider("EXTENTDB_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "EXTENTDB_")), "__", ".", -1)
	}), nil)
	if err != nil {
		return nil, nil, err
	}
	if err := ko.Load(posflag.Provider(f, ".", ko), nil); err != nil {
		return nil, nil, err
	}
	return ko, f.Args(), nil
}

func parseOpts(ko *koanf.Koanf) (repackOpts, error) {
	mask, err := compress.ParseMask(ko.Strings("compress"))
	if err != nil {
		return repackOpts{}, err
	}
	return repackOpts{
		mask:        mask,
		level:       ko.Int("level"),
		compressors: ko.Int("compressors"),
		extentSize:  ko.Int("extent-size"),
		partSize:    uint64(ko.Int64("target-file-size")) << 20,
		noInfo:      ko.Bool("no-info"),
	}, nil
}

func main() {
	ko, args, err := initConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	opts := logf.Opts{EnableCaller: true}
	if ko.Bool("verbose") {
		opts.Level = logf.DebugLevel
	}
	lo := logf.New(opts)

	if len(args) < 2 {
		lo.Fatal("usage: dsrepack [flags] input... output")
	}
	ropts, err := parseOpts(ko)
	if err != nil {
		lo.Fatal("invalid options", "error", err)
	}

	r, err := repack(lo, ropts, args[:len(args)-1], args[len(args)-1])
	if err != nil {
		lo.Fatal("error repacking", "error", err)
	}

	for _, name := range r.typeNames() {
		r.stats[name].WriteText(os.Stdout, name)
	}
	r.total().WriteText(os.Stdout, "")
	lo.Info("repacked", "inputs", len(args)-1, "outputs", strings.Join(r.files, ","))
}

// repack copies every input into out and returns the finished repacker
// for reporting.
func repack(lo logf.Logger, opts repackOpts, inputs []string, out string) (*repacker, error) {
	srcs := make([]*source.Source, 0, len(inputs))
	defer func() {
		for _, s := range srcs {
			s.Close()
		}
	}()
	for _, in := range inputs {
		s, err := source.Open(in)
		if err != nil {
			return nil, err
		}
		srcs = append(srcs, s)
	}

	lib, err := mergeLibraries(srcs, !opts.noInfo)
	if err != nil {
		return nil, err
	}

	r := newRepacker(lo, opts, lib, out)
	for _, src := range srcs {
		var n int
		err := src.Extents(func(_ int64, e *extent.Extent) error {
			n += e.NRecords()
			return r.add(e)
		})
		if err != nil {
			if r.sink != nil {
				err = multierror.Append(err, r.closePart())
			}
			return nil, err
		}
		lo.Debug("copied input", "path", src.Path(), "records", n)
	}
	if err := r.close(); err != nil {
		return nil, err
	}
	return r, nil
}

package main

import (
	"fmt"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/mr-karan/extentdb/pkg/compress"
	"github.com/mr-karan/extentdb/pkg/extent"
	"github.com/mr-karan/extentdb/pkg/sink"
	"github.com/zerodha/logf"
)

// initLogger initializes logger instance.
func initLogger(ko *koanf.Koanf) logf.Logger {
	opts := logf.Opts{EnableCaller: true}
	if ko.String("app.log") == "debug" {
		opts.Level = logf.DebugLevel
		opts.EnableColor = true
	}
	return logf.New(opts)
}

// initConfig loads config to `ko` object.
func initConfig() (*koanf.Koanf, error) {
	var (
		ko = koanf.New(".")
		f  = flag.NewFlagSet("server", flag.ContinueOnError)
	)

	// Configure Flags.
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}

	// Register `--config` flag.
	cfgPath := f.String("config", "config.sample.toml", "Path to a config file to load.")

	// Parse and Load Flags.
	err := f.Parse(os.Args[1:])
	if err != nil {
		return nil, err
	}

	err = ko.Load(file.Provider(*cfgPath), toml.Parser())
	if err != nil {
		return nil, err
	}
	err = ko.Load(env.Provider("EXTENTDB_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "EXTENTDB_")), "__", ".", -1)
	}), nil)
	if err != nil {
		return nil, err
	}
	return ko, nil
}

// initLibrary parses every schema file listed under `sink.types`.
func initLibrary(ko *koanf.Koanf) (*extent.Library, error) {
	lib := extent.NewLibrary()
	for _, path := range ko.Strings("sink.types") {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading schema file: %w", err)
		}
		if _, err := lib.Register(string(b)); err != nil {
			return nil, fmt.Errorf("error registering schema %q: %w", path, err)
		}
	}
	if lib.Len() == 0 {
		return nil, fmt.Errorf("no extent types configured in sink.types")
	}
	return lib, nil
}

// initSink opens the output file with options from the `sink` section.
func initSink(ko *koanf.Koanf, lo logf.Logger, lib *extent.Library) (*sink.Sink, error) {
	cfgs := []sink.Config{sink.WithLogger(lo)}

	if algs := ko.Strings("sink.compress"); len(algs) > 0 {
		mask, err := compress.ParseMask(algs)
		if err != nil {
			return nil, err
		}
		cfgs = append(cfgs, sink.WithCompression(mask))
	}
	if ko.Exists("sink.level") {
		cfgs = append(cfgs, sink.WithCompressionLevel(ko.Int("sink.level")))
	}
	if ko.Exists("sink.compressors") {
		cfgs = append(cfgs, sink.WithCompressors(ko.Int("sink.compressors")))
	}
	if ko.Exists("sink.max_bytes_in_progress") {
		cfgs = append(cfgs, sink.WithMaxBytesInProgress(ko.Int("sink.max_bytes_in_progress")))
	}

	s, err := sink.New(ko.MustString("sink.file"), cfgs...)
	if err != nil {
		return nil, err
	}
	if err := s.RegisterTypes(lib); err != nil {
		s.Close(false)
		return nil, err
	}
	return s, nil
}

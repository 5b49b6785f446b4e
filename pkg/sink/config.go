package sink

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/mr-karan/extentdb/pkg/compress"
	"github.com/mr-karan/extentdb/pkg/extent"
	"github.com/zerodha/logf"
)

const (
	defaultMaxBytesInProgress = 128 << 20 // 128MB.
	defaultTargetExtentSize   = 64 << 10  // 64KB.
)

// compressorCount is the worker count new sinks start with. -1 means one
// per CPU.
var compressorCount atomic.Int64

func init() {
	compressorCount.Store(-1)
}

// SetCompressorCount sets the number of compressor goroutines used by sinks
// created afterwards. -1 uses one per CPU and 0 compresses in-line on the
// submitting goroutine. Open sinks are not affected.
func SetCompressorCount(n int) {
	if n < -1 {
		n = -1
	}
	compressorCount.Store(int64(n))
}

// WriteCallback is called on the writer goroutine after each extent is
// written, with the offset of its unit. The extent is only valid for the
// duration of the call. It must not block or call back into the sink.
type WriteCallback func(offset int64, e *extent.Extent)

// Options represents configuration options for a sink.
type Options struct {
	debug              bool          // Enable debug logging.
	logger             *logf.Logger  // Caller supplied logger; overrides debug.
	mask               compress.Mask // Algorithms tried on every extent.
	level              int           // Compression level, 1 to 9.
	compressors        int           // Number of compressor goroutines. -1 is one per CPU.
	maxBytesInProgress int           // Unpacked bytes admitted but not yet written.
	callback           WriteCallback // Called after every user extent is written.

	// Test hooks.
	compressDelay func(e *extent.Extent)
	beforeWrite   func()
}

// Config is a function on the Options for a sink.
// These are used to configure particular options.
type Config func(*Options) error

func DefaultOptions() *Options {
	return &Options{
		debug:              false,
		mask:               compress.All,
		level:              compress.DefaultLevel,
		compressors:        int(compressorCount.Load()),
		maxBytesInProgress: defaultMaxBytesInProgress,
	}
}

func WithDebug() Config {
	return func(o *Options) error {
		o.debug = true
		return nil
	}
}

func WithLogger(lo logf.Logger) Config {
	return func(o *Options) error {
		o.logger = &lo
		return nil
	}
}

func WithCompression(mask compress.Mask) Config {
	return func(o *Options) error {
		if mask&^compress.All != 0 {
			return fmt.Errorf("invalid compression mask %#x", uint32(mask))
		}
		o.mask = mask
		return nil
	}
}

func WithCompressionLevel(level int) Config {
	return func(o *Options) error {
		if level < compress.MinLevel || level > compress.MaxLevel {
			return fmt.Errorf("compression level %d out of range [%d, %d]", level, compress.MinLevel, compress.MaxLevel)
		}
		o.level = level
		return nil
	}
}

func WithCompressors(n int) Config {
	return func(o *Options) error {
		if n < -1 {
			return fmt.Errorf("invalid compressor count %d", n)
		}
		o.compressors = n
		return nil
	}
}

func WithMaxBytesInProgress(n int) Config {
	return func(o *Options) error {
		if n <= 0 {
			return fmt.Errorf("max bytes in progress must be positive, got %d", n)
		}
		o.maxBytesInProgress = n
		return nil
	}
}

func WithWriteCallback(fn WriteCallback) Config {
	return func(o *Options) error {
		o.callback = fn
		return nil
	}
}

func (o *Options) workers() int {
	if o.compressors < 0 {
		return runtime.NumCPU()
	}
	return o.compressors
}

// initLogger initializes logger instance.
func initLogger(o *Options) logf.Logger {
	if o.logger != nil {
		return *o.logger
	}
	opts := logf.Opts{EnableCaller: true}
	if o.debug {
		opts.Level = logf.DebugLevel
	}
	return logf.New(opts)
}

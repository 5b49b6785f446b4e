package sink

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mr-karan/extentdb/internal/format"
	"github.com/mr-karan/extentdb/pkg/compress"
	"github.com/mr-karan/extentdb/pkg/extent"
	"github.com/mr-karan/extentdb/pkg/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventSchema = `<ExtentType name="Test::Event" namespace="test.extentdb" version="1.0">
  <field type="int64" name="seq" />
  <field type="int32" name="batch" />
  <field type="variable32" name="msg" opt_nullable="yes" />
</ExtentType>`

func withCompressDelay(fn func(e *extent.Extent)) Config {
	return func(o *Options) error {
		o.compressDelay = fn
		return nil
	}
}

func withBeforeWrite(fn func()) Config {
	return func(o *Options) error {
		o.beforeWrite = fn
		return nil
	}
}

func newLibrary(t *testing.T) (*extent.Library, *extent.Type) {
	lib := extent.NewLibrary()
	typ, err := lib.Register(eventSchema)
	require.NoError(t, err)
	return lib, typ
}

// fillEvents appends n records numbered from seq, all tagged with batch.
func fillEvents(e *extent.Extent, seq, n, batch int) {
	var (
		fseq, _   = e.Type.FieldByName("seq")
		fbatch, _ = e.Type.FieldByName("batch")
		fmsg, _   = e.Type.FieldByName("msg")
	)
	for i := 0; i < n; i++ {
		rec := e.Append()
		fseq.SetInt64(e, rec, int64(seq+i))
		fbatch.SetInt32(e, rec, int32(batch))
		if i%5 == 4 {
			fmsg.SetNull(e, rec, true)
			continue
		}
		fmsg.SetString(e, rec, strings.Repeat("event ", 1+i%7))
	}
}

// readSeqs returns the seq field of every record in the file, in order.
func readSeqs(t *testing.T, path string) []int64 {
	src, err := source.Open(path)
	require.NoError(t, err)
	defer src.Close()

	var out []int64
	require.NoError(t, src.Extents(func(_ int64, e *extent.Extent) error {
		seq, _ := e.Type.FieldByName("seq")
		for rec := 0; rec < e.NRecords(); rec++ {
			out = append(out, seq.Int64(e, rec))
		}
		return nil
	}))
	return out
}

func TestInitDefaults(t *testing.T) {
	var (
		s      = &Sink{}
		assert = assert.New(t)
		path   = filepath.Join(t.TempDir(), "defaults.ds")
		err    error
	)

	t.Run("Init_Defaults", func(t *testing.T) {
		s, err = New(path)
		assert.NoError(err)
		assert.NotNil(s)

		assert.Equal(path, s.Path())
		assert.Equal(false, s.opts.debug, "debug is wrongly set")
		assert.Equal(compress.All, s.opts.mask, "mask is wrongly set")
		assert.Equal(compress.DefaultLevel, s.opts.level, "level is wrongly set")
		assert.Equal(defaultMaxBytesInProgress, s.opts.maxBytesInProgress, "maxBytesInProgress is wrongly set")
		assert.Greater(s.workers, 0, "compressors are wrongly set")
	})

	t.Run("Close", func(t *testing.T) {
		// Nothing was registered so the file cannot be completed.
		err = s.Close(false)
		assert.ErrorIs(err, ErrProtocol)
		assert.ErrorIs(err, ErrNoTypes)

		assert.NoError(s.Close(false))

		// The lock is released.
		again, err := New(path)
		assert.NoError(err)
		assert.Error(again.Close(false))
	})
}

func TestInitWithOpts(t *testing.T) {
	var (
		s      = &Sink{}
		assert = assert.New(t)
		dir    = t.TempDir()
		err    error
	)

	t.Run("Init_Custom", func(t *testing.T) {
		s, err = New(filepath.Join(dir, "custom.ds"),
			WithDebug(), WithCompression(compress.MaskOf(compress.Zstd, compress.Gzip)),
			WithCompressionLevel(3), WithCompressors(0), WithMaxBytesInProgress(1<<10))
		assert.NoError(err)
		assert.NotNil(s)

		assert.Equal(true, s.opts.debug)
		assert.Equal(compress.MaskOf(compress.Zstd, compress.Gzip), s.opts.mask)
		assert.Equal(3, s.opts.level)
		assert.Equal(0, s.workers)
		assert.Equal(1<<10, s.maxBytes)
		assert.Nil(s.g)
	})

	t.Run("Invalid", func(t *testing.T) {
		for _, cfg := range []Config{
			WithCompressionLevel(0),
			WithCompressionLevel(10),
			WithCompressors(-2),
			WithMaxBytesInProgress(0),
			WithCompression(compress.Mask(1 << 20)),
		} {
			_, err := New(filepath.Join(dir, "invalid.ds"), cfg)
			assert.Error(err)
		}
	})

	t.Run("CompressorCount", func(t *testing.T) {
		SetCompressorCount(3)
		defer SetCompressorCount(-1)

		s3, err := New(filepath.Join(dir, "three.ds"))
		require.NoError(t, err)
		SetCompressorCount(1)
		assert.Equal(3, s3.workers)
		s3.Close(false)
	})

	t.Run("Close", func(t *testing.T) {
		err = s.Close(false)
		assert.ErrorIs(err, ErrNoTypes)
	})
}

func TestAPI(t *testing.T) {
	var (
		s        = &Sink{}
		assert   = assert.New(t)
		path     = filepath.Join(t.TempDir(), "api.ds")
		lib, typ = newLibrary(t)
		e        = extent.New(typ)
		err      error
	)

	t.Run("Init", func(t *testing.T) {
		s, err = New(path, WithCompressors(2))
		assert.NoError(err)
	})

	t.Run("SubmitBeforeTypes", func(t *testing.T) {
		fillEvents(e, 0, 10, 0)
		err = s.Submit(e, nil)
		assert.ErrorIs(err, ErrProtocol)
		assert.ErrorIs(err, ErrNoTypes)
		assert.Equal(10, e.NRecords(), "rejected extent was consumed")
	})

	t.Run("RegisterTypes", func(t *testing.T) {
		assert.NoError(s.RegisterTypes(lib))
		err = s.RegisterTypes(lib)
		assert.ErrorIs(err, ErrProtocol)
		assert.ErrorIs(err, ErrTypesRegistered)
	})

	t.Run("SubmitUnknown", func(t *testing.T) {
		other := extent.New(extent.MustParseType(`<ExtentType name="Test::Other"><field type="int32" name="x" /></ExtentType>`))
		other.Append()
		assert.ErrorIs(s.Submit(other, nil), ErrUnknownType)

		idx := extent.New(extent.IndexType)
		idx.Append()
		assert.ErrorIs(s.Submit(idx, nil), ErrUnknownType)

		assert.ErrorIs(s.Submit(nil, nil), ErrProtocol)
	})

	t.Run("SubmitTooLarge", func(t *testing.T) {
		defer func(n int64) { maxPartSize = n }(maxPartSize)
		maxPartSize = 64

		big := extent.New(typ)
		fillEvents(big, 0, 10, 0)
		err := s.Submit(big, nil)
		assert.ErrorIs(err, ErrProtocol)
		assert.ErrorIs(err, ErrTooLarge)
		assert.Equal(10, big.NRecords(), "rejected extent was consumed")
	})

	t.Run("Submit", func(t *testing.T) {
		err = s.Submit(e, nil)
		assert.NoError(err)
		assert.Equal(0, e.NRecords())
		assert.Same(typ, e.Type)

		fillEvents(e, 10, 10, 1)
		assert.NoError(s.Submit(e, nil))
	})

	t.Run("FlushPending", func(t *testing.T) {
		assert.NoError(s.FlushPending())
		st := s.Stats()
		assert.Equal(uint32(2), st.Extents)
		assert.Equal(uint64(20), st.NRecords)
	})

	t.Run("Close", func(t *testing.T) {
		assert.NoError(s.Close(true))
		assert.NoError(s.Close(true))

		fillEvents(e, 20, 1, 2)
		err = s.Submit(e, nil)
		assert.ErrorIs(err, ErrClosed)
	})

	t.Run("Read", func(t *testing.T) {
		seqs := readSeqs(t, path)
		assert.Len(seqs, 20)
		for i, v := range seqs {
			assert.Equal(int64(i), v)
		}

		r, err := source.Verify(path)
		assert.NoError(err)
		assert.True(r.OK())
	})
}

func TestOrdering(t *testing.T) {
	const batches = 24

	for _, workers := range []int{0, 1, 4} {
		workers := workers
		t.Run(fmt.Sprintf("compressors=%d", workers), func(t *testing.T) {
			var (
				assert   = assert.New(t)
				path     = filepath.Join(t.TempDir(), "ordered.ds")
				lib, typ = newLibrary(t)
			)

			// Earlier batches take longer, so later ones finish first.
			delay := func(e *extent.Extent) {
				batch, _ := e.Type.FieldByName("batch")
				b := int(batch.Int32(e, 0))
				time.Sleep(time.Duration(batches-b) * time.Millisecond)
			}

			s, err := New(path, WithCompressors(workers), withCompressDelay(delay))
			require.NoError(t, err)
			require.NoError(t, s.RegisterTypes(lib))

			e := extent.New(typ)
			for b := 0; b < batches; b++ {
				fillEvents(e, b*7, 7, b)
				require.NoError(t, s.Submit(e, nil))
			}
			require.NoError(t, s.Close(false))

			seqs := readSeqs(t, path)
			require.Len(t, seqs, batches*7)
			for i, v := range seqs {
				assert.Equal(int64(i), v)
			}
		})
	}
}

func TestDeterministicLayout(t *testing.T) {
	var (
		dir      = t.TempDir()
		lib, typ = newLibrary(t)
		files    [][]byte
	)
	for _, workers := range []int{0, 3} {
		path := filepath.Join(dir, "layout.ds")
		s, err := New(path, WithCompressors(workers))
		require.NoError(t, err)
		require.NoError(t, s.RegisterTypes(lib))

		e := extent.New(typ)
		for b := 0; b < 10; b++ {
			fillEvents(e, b*50, 50, b)
			require.NoError(t, s.Submit(e, nil))
		}
		require.NoError(t, s.Close(false))

		b, err := os.ReadFile(path)
		require.NoError(t, err)
		files = append(files, b)
	}
	assert.True(t, bytes.Equal(files[0], files[1]))
}

func TestBackpressure(t *testing.T) {
	t.Run("InLine", func(t *testing.T) {
		var (
			assert   = assert.New(t)
			path     = filepath.Join(t.TempDir(), "inline.ds")
			lib, typ = newLibrary(t)
		)
		s, err := New(path, WithCompressors(0), WithMaxBytesInProgress(64))
		require.NoError(t, err)
		require.NoError(t, s.RegisterTypes(lib))

		e := extent.New(typ)
		for b := 0; b < 20; b++ {
			fillEvents(e, b*20, 20, b)
			assert.NoError(s.Submit(e, nil))
		}
		assert.NoError(s.Close(false))
		assert.Equal(uint32(20), s.Stats().Extents)
	})

	t.Run("SlowWriter", func(t *testing.T) {
		var (
			assert    = assert.New(t)
			path      = filepath.Join(t.TempDir(), "slow.ds")
			lib, typ  = newLibrary(t)
			release   = make(chan struct{})
			submitted atomic.Int32
			done      = make(chan struct{})
		)
		s, err := New(path, WithCompressors(2), WithMaxBytesInProgress(1),
			withBeforeWrite(func() { <-release }))
		require.NoError(t, err)

		// The registry unit is admitted and then held by the writer.
		require.NoError(t, s.RegisterTypes(lib))

		go func() {
			defer close(done)
			e := extent.New(typ)
			for b := 0; b < 3; b++ {
				fillEvents(e, b*10, 10, b)
				if err := s.Submit(e, nil); err != nil {
					return
				}
				submitted.Add(1)
			}
		}()

		time.Sleep(100 * time.Millisecond)
		assert.Equal(int32(0), submitted.Load(), "submit did not block")

		close(release)
		<-done
		assert.Equal(int32(3), submitted.Load())
		assert.NoError(s.Close(false))
		assert.Len(readSeqs(t, path), 30)
	})

	t.Run("Raise", func(t *testing.T) {
		var (
			assert    = assert.New(t)
			path      = filepath.Join(t.TempDir(), "raise.ds")
			lib, typ  = newLibrary(t)
			release   = make(chan struct{})
			submitted atomic.Int32
		)
		s, err := New(path, WithCompressors(4), WithMaxBytesInProgress(1),
			withBeforeWrite(func() { <-release }))
		require.NoError(t, err)
		require.NoError(t, s.RegisterTypes(lib))

		go func() {
			e := extent.New(typ)
			fillEvents(e, 0, 10, 0)
			if s.Submit(e, nil) == nil {
				submitted.Add(1)
			}
		}()

		time.Sleep(50 * time.Millisecond)
		assert.Equal(int32(0), submitted.Load())
		s.SetMaxBytesInProgress(1 << 20)
		assert.Eventually(func() bool { return submitted.Load() == 1 }, time.Second, 5*time.Millisecond)

		close(release)
		assert.NoError(s.Close(false))
	})
}

func TestStatsAccounting(t *testing.T) {
	const (
		producers = 8
		perProd   = 25
	)

	for _, workers := range []int{0, 3} {
		var (
			assert   = assert.New(t)
			path     = filepath.Join(t.TempDir(), "stats.ds")
			lib, typ = newLibrary(t)
			target   Stats
			total    atomic.Uint64
			records  atomic.Uint64
			wg       sync.WaitGroup
		)
		s, err := New(path, WithCompressors(workers), WithMaxBytesInProgress(4<<10))
		require.NoError(t, err)
		require.NoError(t, s.RegisterTypes(lib))

		for p := 0; p < producers; p++ {
			wg.Add(1)
			go func(p int) {
				defer wg.Done()
				e := extent.New(typ)
				for i := 0; i < perProd; i++ {
					n := 1 + (p*perProd+i)%13
					fillEvents(e, 0, n, p)
					total.Add(uint64(e.Size()))
					records.Add(uint64(n))
					assert.NoError(s.Submit(e, &target))
				}
			}(p)
		}
		wg.Wait()
		require.NoError(t, s.Close(false))

		got := target.Snapshot()
		assert.Equal(uint32(producers*perProd), got.Extents)
		assert.Equal(total.Load(), got.UnpackedSize)
		assert.Equal(got.UnpackedFixed+got.UnpackedVariable, got.UnpackedSize)
		assert.Equal(records.Load(), got.NRecords)

		// The registry and index are not user extents.
		all := s.Stats()
		assert.Equal(got.Extents, all.Extents)
		assert.Equal(got.UnpackedSize, all.UnpackedSize)

		var parts uint32
		for _, n := range got.Compressed {
			parts += n
		}
		assert.Equal(2*got.Extents, parts)

		fi, err := os.Stat(path)
		require.NoError(t, err)
		assert.Less(got.PackedSize, uint64(fi.Size()))
	}
}

func TestRemoveStatsUpdate(t *testing.T) {
	var (
		assert   = assert.New(t)
		path     = filepath.Join(t.TempDir(), "remove.ds")
		lib, typ = newLibrary(t)
		release  = make(chan struct{})
		kept     Stats
		removed  Stats
	)
	s, err := New(path, WithCompressors(2), withBeforeWrite(func() { <-release }))
	require.NoError(t, err)
	require.NoError(t, s.RegisterTypes(lib))

	e := extent.New(typ)
	fillEvents(e, 0, 10, 0)
	require.NoError(t, s.Submit(e, &removed))
	fillEvents(e, 10, 10, 1)
	require.NoError(t, s.Submit(e, &kept))

	// Both items are still queued behind the blocked writer.
	s.RemoveStatsUpdate(&removed)
	close(release)
	require.NoError(t, s.FlushPending())

	assert.Equal(Stats{}, removed.Snapshot())
	assert.Equal(uint32(1), kept.Snapshot().Extents)
	assert.Equal(uint32(2), s.Stats().Extents)

	fillEvents(e, 20, 1, 2)
	err = s.Submit(e, &removed)
	assert.ErrorIs(err, ErrProtocol)
	assert.ErrorIs(err, ErrStatsRemoved)
	assert.NoError(s.Submit(e, nil))

	assert.NoError(s.Close(false))
}

func TestWriteCallback(t *testing.T) {
	var (
		assert   = assert.New(t)
		path     = filepath.Join(t.TempDir(), "callback.ds")
		lib, typ = newLibrary(t)
		mu       sync.Mutex
		offsets  []int64
		records  int
	)
	s, err := New(path, WithCompressors(2), WithWriteCallback(func(off int64, e *extent.Extent) {
		mu.Lock()
		defer mu.Unlock()
		offsets = append(offsets, off)
		records += e.NRecords()
	}))
	require.NoError(t, err)
	require.NoError(t, s.RegisterTypes(lib))

	e := extent.New(typ)
	for b := 0; b < 4; b++ {
		fillEvents(e, b*3, 3, b)
		require.NoError(t, s.Submit(e, nil))
	}
	require.NoError(t, s.Close(false))

	src, err := source.Open(path)
	require.NoError(t, err)
	defer src.Close()

	var want []int64
	for _, ent := range src.Index() {
		if ent.TypeName == typ.Name() {
			want = append(want, ent.Offset)
		}
	}
	assert.Equal(want, offsets)
	assert.Equal(12, records)
}

func TestWriteFailure(t *testing.T) {
	for _, workers := range []int{0, 2} {
		var (
			assert   = assert.New(t)
			path     = filepath.Join(t.TempDir(), "failed.ds")
			lib, typ = newLibrary(t)
		)
		s, err := New(path, WithCompressors(workers))
		require.NoError(t, err)
		require.NoError(t, s.RegisterTypes(lib))
		require.NoError(t, s.FlushPending())

		// Pull the file out from under the writer.
		require.NoError(t, s.df.Close())

		e := extent.New(typ)
		fillEvents(e, 0, 5, 0)
		err = s.Submit(e, nil)
		if err == nil {
			err = s.FlushPending()
		}
		assert.ErrorIs(err, ErrIO)

		fillEvents(e, 5, 5, 1)
		assert.ErrorIs(s.Submit(e, nil), ErrIO)

		err = s.Close(false)
		assert.ErrorIs(err, ErrIO)
		assert.False(errors.Is(err, ErrProtocol))
		assert.Equal(uint32(0), s.Stats().Extents)
	}
}

func TestOutput(t *testing.T) {
	var (
		assert   = assert.New(t)
		path     = filepath.Join(t.TempDir(), "output.ds")
		lib, typ = newLibrary(t)
	)
	s, err := New(path, WithCompressors(2))
	require.NoError(t, err)
	require.NoError(t, s.RegisterTypes(lib))

	var (
		out     = NewOutput(s, typ, 1024)
		seq, _  = typ.FieldByName("seq")
		msg, _  = typ.FieldByName("msg")
		records = 500
	)
	for i := 0; i < records; i++ {
		rec, err := out.NewRecord()
		require.NoError(t, err)
		seq.SetInt64(out.Extent(), rec, int64(i))
		msg.SetString(out.Extent(), rec, "output record")
	}
	assert.NoError(out.Close())
	assert.NoError(out.Close())

	st := out.Stats()
	assert.Equal(uint64(records), st.NRecords)
	assert.Greater(st.Extents, uint32(1))
	assert.Equal(st, s.Stats())

	assert.NoError(s.Close(false))

	seqs := readSeqs(t, path)
	require.Len(t, seqs, records)
	for i, v := range seqs {
		assert.Equal(int64(i), v)
	}
}

func TestStatsText(t *testing.T) {
	var (
		assert = assert.New(t)
		buf    bytes.Buffer
		a      = Stats{Extents: 2, UnpackedSize: 4096, UnpackedFixed: 3072, UnpackedVariable: 1024, PackedSize: 1024, NRecords: 1500}
		b      = Stats{Extents: 1, UnpackedSize: 100, PackedSize: 50, NRecords: 10}
	)
	a.Compressed[compress.Zstd] = 3
	b.Compressed[compress.None] = 1

	sum := a
	sum.Add(b)
	assert.Equal(uint32(3), sum.Extents)
	assert.Equal(uint32(1), sum.Compressed[compress.None])
	sum.Sub(b)
	assert.Equal(a, sum)

	assert.NoError(a.WriteText(&buf, "Test::Event"))
	assert.Contains(buf.String(), "Test::Event: 2 extents, 1,500 records")
	assert.Contains(buf.String(), "4.0 KiB")
	assert.Contains(buf.String(), "zstd=3")
	assert.InDelta(0.25, a.Ratio(), 1e-9)

	sum.Reset()
	assert.Equal(Stats{}, sum)
}

func TestFrameSizes(t *testing.T) {
	var (
		lib, typ = newLibrary(t)
		path     = filepath.Join(t.TempDir(), "frames.ds")
	)
	s, err := New(path, WithCompressors(0), WithCompression(0))
	require.NoError(t, err)
	require.NoError(t, s.RegisterTypes(lib))

	e := extent.New(typ)
	fillEvents(e, 0, 3, 0)
	size := e.Size()
	var st Stats
	require.NoError(t, s.Submit(e, &st))
	require.NoError(t, s.Close(false))

	// Uncompressed units cost the payload plus framing and padding.
	fr := format.Frame{TypeName: typ.Name(), FixedPacked: uint32(size)}
	assert.Equal(t, uint64(fr.Size()), st.PackedSize)
	assert.Equal(t, uint32(2), st.Compressed[compress.None])
}

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/mr-karan/extentdb/pkg/compress"
	"github.com/mr-karan/extentdb/pkg/extent"
	"github.com/mr-karan/extentdb/pkg/sink"
	"github.com/mr-karan/extentdb/pkg/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zerodha/logf"
)

const (
	logSchema = `<ExtentType name="Log::Line" namespace="test.extentdb" version="1.0">
  <field type="int64" name="ts" />
  <field type="variable32" name="text" />
</ExtentType>`
	hitSchema = `<ExtentType name="Log::Hit" namespace="test.extentdb" version="1.0">
  <field type="int32" name="code" />
</ExtentType>`
)

// writeInput writes n log lines starting at ts, plus n hits.
func writeInput(t *testing.T, path string, from, n int) {
	lib := extent.NewLibrary()
	line, err := lib.Register(logSchema)
	require.NoError(t, err)
	hit, err := lib.Register(hitSchema)
	require.NoError(t, err)

	s, err := sink.New(path, sink.WithCompressors(0), sink.WithCompression(compress.MaskOf(compress.S2)))
	require.NoError(t, err)
	require.NoError(t, s.RegisterTypes(lib))

	var (
		ts, _   = line.FieldByName("ts")
		text, _ = line.FieldByName("text")
		code, _ = hit.FieldByName("code")
		lines   = extent.New(line)
		hits    = extent.New(hit)
	)
	for i := from; i < from+n; i++ {
		rec := lines.Append()
		ts.SetInt64(lines, rec, int64(i))
		text.SetString(lines, rec, fmt.Sprintf("line %d of the input log", i))
		code.SetInt32(hits, hits.Append(), int32(i%7))

		// Several small extents per input.
		if lines.NRecords() == 25 {
			require.NoError(t, s.Submit(lines, nil))
			require.NoError(t, s.Submit(hits, nil))
		}
	}
	require.NoError(t, s.Submit(lines, nil))
	require.NoError(t, s.Submit(hits, nil))
	require.NoError(t, s.Close(false))
}

func readLines(t *testing.T, paths ...string) ([]int64, int) {
	var (
		seen []int64
		hits int
	)
	for _, p := range paths {
		src, err := source.Open(p)
		require.NoError(t, err)
		require.NoError(t, src.Extents(func(_ int64, e *extent.Extent) error {
			switch e.Type.Name() {
			case "Log::Line":
				ts, _ := e.Type.FieldByName("ts")
				for rec := 0; rec < e.NRecords(); rec++ {
					seen = append(seen, ts.Int64(e, rec))
				}
			case "Log::Hit":
				hits += e.NRecords()
			}
			return nil
		}))
		src.Close()
	}
	return seen, hits
}

func TestRepack(t *testing.T) {
	var (
		assert = assert.New(t)
		dir    = t.TempDir()
		a      = filepath.Join(dir, "a.ds")
		b      = filepath.Join(dir, "b.ds")
		out    = filepath.Join(dir, "out.ds")
		lo     = logf.New(logf.Opts{})
	)
	writeInput(t, a, 0, 100)
	writeInput(t, b, 100, 60)

	opts := repackOpts{
		mask:        compress.MaskOf(compress.Zstd),
		level:       3,
		compressors: 2,
		extentSize:  4 << 10,
	}

	t.Run("Single", func(t *testing.T) {
		r, err := repack(lo, opts, []string{a, b}, out)
		require.NoError(t, err)
		assert.Equal([]string{out}, r.files)
		assert.Equal([]string{"Log::Hit", "Log::Line"}, r.typeNames())
		assert.Equal(uint64(320), r.total().NRecords)

		seen, hits := readLines(t, out)
		require.Len(t, seen, 160)
		for i, v := range seen {
			assert.Equal(int64(i), v)
		}
		assert.Equal(160, hits)

		rep, err := source.Verify(out)
		assert.NoError(err)
		assert.True(rep.OK())

		src, err := source.Open(out)
		require.NoError(t, err)
		defer src.Close()

		info, ok := src.Library().Lookup(infoTypeName)
		require.True(t, ok)
		var infos int
		require.NoError(t, src.Extents(func(_ int64, e *extent.Extent) error {
			if e.Type.Name() != infoTypeName {
				return nil
			}
			mode, _ := info.FieldByName("compress_mode")
			level, _ := info.FieldByName("compress_level")
			assert.Equal("zstd", mode.String(e, 0))
			assert.Equal(int32(3), level.Int32(e, 0))
			infos += e.NRecords()
			return nil
		}))
		assert.Equal(1, infos)
	})

	t.Run("Again", func(t *testing.T) {
		// Repacking a repacked file replaces its info record.
		again := filepath.Join(dir, "again.ds")
		_, err := repack(lo, opts, []string{out}, again)
		require.NoError(t, err)

		src, err := source.Open(again)
		require.NoError(t, err)
		defer src.Close()
		var infos int
		require.NoError(t, src.Extents(func(_ int64, e *extent.Extent) error {
			if e.Type.Name() == infoTypeName {
				infos++
			}
			return nil
		}))
		assert.Equal(1, infos)
	})

	t.Run("Split", func(t *testing.T) {
		split := opts
		// Every committed extent fills a part.
		split.partSize = 1
		split.extentSize = 512
		split.compressors = 0
		split.noInfo = true

		r, err := repack(lo, split, []string{a, b}, filepath.Join(dir, "split.ds"))
		require.NoError(t, err)
		assert.Greater(len(r.files), 1)
		assert.Equal(filepath.Join(dir, "split.part-0000.ds"), r.files[0])

		seen, hits := readLines(t, r.files...)
		require.Len(t, seen, 160)
		for i, v := range seen {
			assert.Equal(int64(i), v)
		}
		assert.Equal(160, hits)

		for _, f := range r.files {
			src, err := source.Open(f)
			require.NoError(t, err)
			_, ok := src.Library().Lookup(infoTypeName)
			assert.False(ok)
			src.Close()
		}
	})

	t.Run("Conflict", func(t *testing.T) {
		c := filepath.Join(dir, "conflict.ds")
		lib := extent.NewLibrary()
		_, err := lib.Register(`<ExtentType name="Log::Line"><field type="int32" name="ts" /></ExtentType>`)
		require.NoError(t, err)
		s, err := sink.New(c)
		require.NoError(t, err)
		require.NoError(t, s.RegisterTypes(lib))
		require.NoError(t, s.Close(false))

		_, err = repack(lo, opts, []string{a, c}, filepath.Join(dir, "never.ds"))
		assert.True(errors.Is(err, extent.ErrTypeConflict))
		_, statErr := os.Stat(filepath.Join(dir, "never.ds"))
		assert.True(os.IsNotExist(statErr))
	})
}

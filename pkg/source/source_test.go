package source_test

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/mr-karan/extentdb/internal/format"
	"github.com/mr-karan/extentdb/pkg/compress"
	"github.com/mr-karan/extentdb/pkg/extent"
	"github.com/mr-karan/extentdb/pkg/sink"
	"github.com/mr-karan/extentdb/pkg/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const requestSchema = `<ExtentType name="Trace::Request" namespace="test.extentdb" version="1.0">
  <field type="int64" name="seq" />
  <field type="int32" name="status" />
  <field type="variable32" name="path" />
</ExtentType>`

func fill(t *testing.T, e *extent.Extent, from, n int) {
	var (
		seq, _    = e.Type.FieldByName("seq")
		status, _ = e.Type.FieldByName("status")
		path, _   = e.Type.FieldByName("path")
	)
	for i := from; i < from+n; i++ {
		rec := e.Append()
		seq.SetInt64(e, rec, int64(i))
		status.SetInt32(e, rec, 200+int32(i%3))
		path.SetString(e, rec, fmt.Sprintf("/api/v1/items/%d/details/items/details", i%4))
	}
}

// writeRequests writes batches of 10 records with only alg enabled.
func writeRequests(t *testing.T, path string, alg compress.Algorithm, batches int) sink.Stats {
	lib := extent.NewLibrary()
	typ, err := lib.Register(requestSchema)
	require.NoError(t, err)

	mask := compress.Mask(0)
	if alg != compress.None {
		mask = compress.MaskOf(alg)
	}
	s, err := sink.New(path, sink.WithCompression(mask), sink.WithCompressors(2))
	require.NoError(t, err)
	require.NoError(t, s.RegisterTypes(lib))

	e := extent.New(typ)
	for b := 0; b < batches; b++ {
		fill(t, e, b*10, 10)
		require.NoError(t, s.Submit(e, nil))
		require.Equal(t, 0, e.NRecords())
	}
	require.NoError(t, s.Close(true))
	return s.Stats()
}

func TestEndToEnd(t *testing.T) {
	for _, alg := range []compress.Algorithm{compress.None, compress.Zstd, compress.S2, compress.Snappy, compress.Gzip} {
		t.Run(alg.String(), func(t *testing.T) {
			var (
				assert = assert.New(t)
				path   = filepath.Join(t.TempDir(), "requests.ds")
			)

			st := writeRequests(t, path, alg, 5)
			assert.Equal(uint32(5), st.Extents)
			assert.Equal(uint64(50), st.NRecords)
			// Parts the algorithm could not shrink are stored as None.
			stored := st.Compressed[alg]
			if alg != compress.None {
				stored += st.Compressed[compress.None]
			}
			assert.Equal(uint32(10), stored)

			src, err := source.Open(path)
			require.NoError(t, err)
			defer src.Close()

			assert.Equal(binary.LittleEndian, src.ByteOrder())
			assert.Equal(1, src.Library().Len())

			idx := src.Index()
			require.Len(t, idx, 7)
			assert.Equal(source.IndexEntry{TypeName: extent.HeaderTypeName, Offset: 0}, idx[0])
			assert.Equal(extent.RegistryTypeName, idx[1].TypeName)
			assert.Equal(int64(format.HeaderSize), idx[1].Offset)
			for _, ent := range idx[2:] {
				assert.Equal("Trace::Request", ent.TypeName)
			}

			var (
				records int
				want    int64
			)
			err = src.Extents(func(off int64, e *extent.Extent) error {
				seq, _ := e.Type.FieldByName("seq")
				path, _ := e.Type.FieldByName("path")
				for rec := 0; rec < e.NRecords(); rec++ {
					assert.Equal(want, seq.Int64(e, rec))
					assert.Equal(fmt.Sprintf("/api/v1/items/%d/details/items/details", want%4), path.String(e, rec))
					want++
				}
				records += e.NRecords()
				return nil
			})
			assert.NoError(err)
			assert.Equal(50, records)

			r, err := source.Verify(path)
			assert.NoError(err)
			assert.True(r.OK())
			assert.Len(r.Units, 7)

			t.Run("Corrupt", func(t *testing.T) {
				b, err := os.ReadFile(path)
				require.NoError(t, err)

				// Flip the first payload byte of the third data unit.
				bad := idx[4].Offset
				fr, err := format.ParseFrame(b[bad:], binary.LittleEndian)
				require.NoError(t, err)
				b[bad+int64(fr.HeaderLen())] ^= 0x5a
				require.NoError(t, os.WriteFile(path, b, 0644))

				r, err := source.Verify(path)
				require.Error(t, err)

				var cerr *source.CorruptFileError
				require.True(t, errors.As(err, &cerr))
				assert.Equal(bad, cerr.Offset)
				assert.False(r.OK())

				for _, u := range r.Units {
					switch {
					case u.Offset < bad:
						assert.True(u.ContentOK, u.Offset)
						assert.True(u.ChainOK, u.Offset)
					case u.Offset == bad:
						assert.False(u.ContentOK)
						assert.False(u.ChainOK)
					default:
						assert.True(u.ContentOK, u.Offset)
						assert.False(u.ChainOK, u.Offset)
					}
				}
				assert.True(r.IndexOK)
				assert.False(r.TailOK)

				_, err = func() (*extent.Extent, error) {
					src, err := source.Open(path)
					require.NoError(t, err)
					defer src.Close()
					return src.ReadAt(bad)
				}()
				assert.True(errors.As(err, &cerr))
			})
		})
	}
}

func TestVerifyTruncated(t *testing.T) {
	var (
		assert = assert.New(t)
		path   = filepath.Join(t.TempDir(), "requests.ds")
	)
	writeRequests(t, path, compress.Zstd, 2)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b[:len(b)-12], 0644))

	_, err = source.Verify(path)
	assert.ErrorIs(err, source.ErrTruncated)

	_, err = source.Open(path)
	assert.ErrorIs(err, source.ErrTruncated)

	require.NoError(t, os.WriteFile(path, b[:10], 0644))
	_, err = source.Open(path)
	assert.ErrorIs(err, source.ErrTruncated)

	b[0] = 'Z'
	require.NoError(t, os.WriteFile(path, b, 0644))
	_, err = source.Verify(path)
	assert.ErrorIs(err, source.ErrBadMagic)
}

// bigEndianFile encodes a file the way a big endian writer would.
func bigEndianFile(t *testing.T, typ *extent.Type, data *extent.Extent) []byte {
	var (
		be    = binary.BigEndian
		chain uint32
		out   = format.AppendHeader(nil, be)
		index = extent.New(extent.IndexType)
	)
	offset, _ := extent.IndexType.FieldByName("offset")
	name, _ := extent.IndexType.FieldByName("extenttype")
	addIndex := func(n string, off int) {
		rec := index.Append()
		offset.SetInt64(index, rec, int64(off))
		name.SetString(index, rec, n)
	}
	unit := func(e *extent.Extent) int {
		require.NoError(t, e.SwapByteOrder(binary.LittleEndian))
		content := format.ContentChecksum(e.Fixed, e.Variable)
		chain = format.Chain(chain, content)
		f := &format.Frame{
			NRecords:         uint32(e.NRecords()),
			FixedUnpacked:    uint32(len(e.Fixed)),
			VariableUnpacked: uint32(len(e.Variable)),
			ContentChecksum:  content,
			ChainedChecksum:  chain,
			TypeName:         e.Type.Name(),
		}
		off := len(out)
		out = format.AppendUnit(out, be, f, e.Fixed, e.Variable)
		return off
	}

	addIndex(extent.HeaderTypeName, 0)

	reg := extent.New(extent.RegistryType)
	xmltype, _ := extent.RegistryType.FieldByName("xmltype")
	xmltype.SetString(reg, reg.Append(), typ.Schema())
	addIndex(extent.RegistryTypeName, unit(reg))
	addIndex(typ.Name(), unit(data))

	idxOff := unit(index)
	return format.AppendTail(out, be, format.Tail{
		IndexSize:       uint32(len(out) - idxOff),
		ChainedChecksum: chain,
		IndexOffset:     uint64(idxOff),
	})
}

func TestBigEndian(t *testing.T) {
	var (
		assert = assert.New(t)
		typ    = extent.MustParseType(requestSchema)
		data   = extent.New(typ)
		path   = filepath.Join(t.TempDir(), "be.ds")
	)
	fill(t, data, 0, 7)
	require.NoError(t, os.WriteFile(path, bigEndianFile(t, typ, data), 0644))

	r, err := source.Verify(path)
	require.NoError(t, err)
	assert.True(r.OK())
	assert.Equal(binary.BigEndian, r.ByteOrder)

	src, err := source.Open(path)
	require.NoError(t, err)
	defer src.Close()
	assert.Equal(binary.BigEndian, src.ByteOrder())

	var n int
	assert.NoError(src.Extents(func(_ int64, e *extent.Extent) error {
		assert.NoError(e.Validate())
		seq, _ := e.Type.FieldByName("seq")
		status, _ := e.Type.FieldByName("status")
		path, _ := e.Type.FieldByName("path")
		for rec := 0; rec < e.NRecords(); rec++ {
			assert.Equal(int64(rec), seq.Int64(e, rec))
			assert.Equal(200+int32(rec%3), status.Int32(e, rec))
			assert.Equal(fmt.Sprintf("/api/v1/items/%d/details/items/details", rec%4), path.String(e, rec))
		}
		n += e.NRecords()
		return nil
	}))
	assert.Equal(7, n)
}

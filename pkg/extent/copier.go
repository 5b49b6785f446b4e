package extent

import "fmt"

type fieldPair struct {
	src, dst *Field
}

// Copier copies records between two types field by field, matching fields
// by name. Fields are grouped by width once, when the copier is built, so
// the per-record loop never switches on the field kind.
type Copier struct {
	src, dst *Type

	w1, w4, w8 []fieldPair
	vars       []fieldPair
	nulls      []fieldPair
}

// NewCopier builds a copier from src records into dst records. When names
// is empty every field of dst is copied.
func NewCopier(src, dst *Type, names []string) (*Copier, error) {
	if len(names) == 0 {
		for _, f := range dst.fields {
			names = append(names, f.Name)
		}
	}

	c := &Copier{src: src, dst: dst}
	for _, n := range names {
		sf, err := src.FieldByName(n)
		if err != nil {
			return nil, err
		}
		df, err := dst.FieldByName(n)
		if err != nil {
			return nil, err
		}
		if sf.Kind != df.Kind {
			return nil, fmt.Errorf("%w: field %q is %s in %q and %s in %q",
				ErrTypeMismatch, n, sf.Kind, src.Name(), df.Kind, dst.Name())
		}

		p := fieldPair{src: sf, dst: df}
		switch {
		case sf.Kind == Variable32:
			c.vars = append(c.vars, p)
		case sf.Kind.Size() == 1:
			c.w1 = append(c.w1, p)
		case sf.Kind.Size() == 4:
			c.w4 = append(c.w4, p)
		default:
			c.w8 = append(c.w8, p)
		}
		if df.Nullable {
			c.nulls = append(c.nulls, p)
		}
	}
	return c, nil
}

// Copy appends record srec of src to dst and returns the new record index.
func (c *Copier) Copy(dst *Extent, src *Extent, srec int) int {
	drec := dst.Append()

	var (
		sb = srec * src.Type.size
		db = drec * dst.Type.size
	)
	for _, p := range c.w1 {
		dst.Fixed[db+p.dst.offset] = src.Fixed[sb+p.src.offset]
	}
	for _, p := range c.w4 {
		copy(dst.Fixed[db+p.dst.offset:db+p.dst.offset+4], src.Fixed[sb+p.src.offset:])
	}
	for _, p := range c.w8 {
		copy(dst.Fixed[db+p.dst.offset:db+p.dst.offset+8], src.Fixed[sb+p.src.offset:])
	}
	for _, p := range c.vars {
		p.dst.SetBytes(dst, drec, p.src.Bytes(src, srec))
	}
	for _, p := range c.nulls {
		p.dst.SetNull(dst, drec, p.src.IsNull(src, srec))
	}
	return drec
}

// CopyAll appends every record of src to dst.
func (c *Copier) CopyAll(dst, src *Extent) error {
	if !src.Type.Equal(c.src) || !dst.Type.Equal(c.dst) {
		return ErrTypeMismatch
	}
	for rec := 0; rec < src.NRecords(); rec++ {
		c.Copy(dst, src, rec)
	}
	return nil
}

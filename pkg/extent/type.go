package extent

import (
	"encoding/xml"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Kind is the type of a single field.
type Kind uint8

const (
	Bool Kind = iota + 1
	Byte
	Int32
	Int64
	Double
	Variable32
)

var kindNames = map[Kind]string{
	Bool:       "bool",
	Byte:       "byte",
	Int32:      "int32",
	Int64:      "int64",
	Double:     "double",
	Variable32: "variable32",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Size is the number of bytes the kind occupies in a fixed record.
// Variable32 stores a 4 byte offset into the variable pool.
func (k Kind) Size() int {
	switch k {
	case Bool, Byte:
		return 1
	case Int32, Variable32:
		return 4
	case Int64, Double:
		return 8
	}
	return 0
}

func parseKind(s string) (Kind, bool) {
	for k, n := range kindNames {
		if n == s {
			return k, true
		}
	}
	return 0, false
}

/*
Type describes the records of an extent. It is parsed from a schema string:

	<ExtentType name="Trace::Event" namespace="trace.example.com" version="1.0">
	  <field type="int64" name="seq" />
	  <field type="variable32" name="msg" opt_nullable="yes" />
	</ExtentType>

Fixed records lay out 8 byte fields first, then 4 byte fields, then single
bytes followed by one null flag byte per nullable field. The record size is
rounded up to the widest field, so every field stays naturally aligned.
*/
type Type struct {
	name      string
	namespace string
	version   string
	fields    []*Field
	byName    map[string]*Field
	size      int
	schema    string
}

// Field is one column of a Type together with its position in a record.
type Field struct {
	Name     string
	Kind     Kind
	Nullable bool

	offset     int
	nullOffset int
	index      int
}

type xmlType struct {
	XMLName   xml.Name   `xml:"ExtentType"`
	Name      string     `xml:"name,attr"`
	Namespace string     `xml:"namespace,attr,omitempty"`
	Version   string     `xml:"version,attr,omitempty"`
	Fields    []xmlField `xml:"field"`
}

type xmlField struct {
	Type     string `xml:"type,attr"`
	Name     string `xml:"name,attr"`
	Nullable string `xml:"opt_nullable,attr,omitempty"`
}

// ParseType parses a schema string into a Type.
func ParseType(schema string) (*Type, error) {
	var x xmlType
	if err := xml.Unmarshal([]byte(schema), &x); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	if x.Name == "" {
		return nil, fmt.Errorf("%w: missing type name", ErrInvalidSchema)
	}
	// Unit frames store the type name length in 16 bits.
	if len(x.Name) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: type name is %d bytes, limit %d", ErrInvalidSchema, len(x.Name), math.MaxUint16)
	}
	if len(x.Fields) == 0 {
		return nil, fmt.Errorf("%w: type %q has no fields", ErrInvalidSchema, x.Name)
	}

	t := &Type{
		name:      x.Name,
		namespace: x.Namespace,
		version:   x.Version,
		byName:    make(map[string]*Field, len(x.Fields)),
	}
	for i, xf := range x.Fields {
		k, ok := parseKind(xf.Type)
		if !ok {
			return nil, fmt.Errorf("%w: field %q has unknown type %q", ErrInvalidSchema, xf.Name, xf.Type)
		}
		if xf.Name == "" {
			return nil, fmt.Errorf("%w: field %d of %q has no name", ErrInvalidSchema, i, x.Name)
		}
		if _, dup := t.byName[xf.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate field %q", ErrInvalidSchema, xf.Name)
		}
		f := &Field{
			Name:       xf.Name,
			Kind:       k,
			Nullable:   xf.Nullable == "yes" || xf.Nullable == "true",
			nullOffset: -1,
			index:      i,
		}
		t.fields = append(t.fields, f)
		t.byName[f.Name] = f
	}
	t.layout()

	// Canonical form, so equal types compare equal regardless of formatting.
	for i := range x.Fields {
		if t.fields[i].Nullable {
			x.Fields[i].Nullable = "yes"
		} else {
			x.Fields[i].Nullable = ""
		}
	}
	out, err := xml.MarshalIndent(x, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	t.schema = string(out) + "\n"

	return t, nil
}

// MustParseType is ParseType for schemas known to be valid.
func MustParseType(schema string) *Type {
	t, err := ParseType(schema)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Type) layout() {
	ordered := make([]*Field, len(t.fields))
	copy(ordered, t.fields)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Kind.Size() > ordered[j].Kind.Size()
	})

	var (
		off   int
		align = 1
	)
	for _, f := range ordered {
		f.offset = off
		off += f.Kind.Size()
		if f.Kind.Size() > align {
			align = f.Kind.Size()
		}
	}
	for _, f := range t.fields {
		if f.Nullable {
			f.nullOffset = off
			off++
		}
	}
	t.size = (off + align - 1) / align * align
}

func (t *Type) Name() string      { return t.name }
func (t *Type) Namespace() string { return t.namespace }
func (t *Type) Version() string   { return t.version }
func (t *Type) NFields() int      { return len(t.fields) }

// Field returns the i'th field in declaration order.
func (t *Type) Field(i int) *Field { return t.fields[i] }

// Fields returns all fields in declaration order.
func (t *Type) Fields() []*Field {
	out := make([]*Field, len(t.fields))
	copy(out, t.fields)
	return out
}

// FieldByName looks up a field.
func (t *Type) FieldByName(name string) (*Field, error) {
	f, ok := t.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q in type %q", ErrNoField, name, t.name)
	}
	return f, nil
}

// Nullable reports whether the named field is nullable.
func (t *Type) Nullable(name string) bool {
	f, ok := t.byName[name]
	return ok && f.Nullable
}

// RecordSize is the size in bytes of one fixed record.
func (t *Type) RecordSize() int { return t.size }

// Schema returns the canonical schema string.
func (t *Type) Schema() string { return t.schema }

// FieldSchema returns the schema line of a single field, as used when
// building a new type out of a subset of another one's fields.
func (t *Type) FieldSchema(name string) (string, error) {
	f, err := t.FieldByName(name)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, `<field type="%s" name="%s"`, f.Kind, f.Name)
	if f.Nullable {
		b.WriteString(` opt_nullable="yes"`)
	}
	b.WriteString(" />")
	return b.String(), nil
}

// Equal reports whether two types share the same canonical schema.
func (t *Type) Equal(o *Type) bool {
	if t == o {
		return true
	}
	if t == nil || o == nil {
		return false
	}
	return t.schema == o.schema
}

package extent

import (
	"fmt"
	"strings"
	"sync"
)

// Names of the types every file carries besides the caller's own.
const (
	HeaderTypeName   = "ExtentDB: FileHeader"
	RegistryTypeName = "ExtentDB: TypeRegistry"
	IndexTypeName    = "ExtentDB: ExtentIndex"
)

var (
	// RegistryType holds one schema string per registered type.
	RegistryType = MustParseType(`<ExtentType name="` + RegistryTypeName + `" namespace="extentdb" version="1.0">
  <field type="variable32" name="xmltype" />
</ExtentType>`)

	// IndexType lists the (type, offset) of every unit in a file.
	IndexType = MustParseType(`<ExtentType name="` + IndexTypeName + `" namespace="extentdb" version="1.0">
  <field type="int64" name="offset" />
  <field type="variable32" name="extenttype" />
</ExtentType>`)
)

// IsBuiltin reports whether name is one of the types managed by the file
// format itself rather than by the caller.
func IsBuiltin(name string) bool {
	return name == HeaderTypeName || name == RegistryTypeName || name == IndexTypeName
}

// Library is a set of types keyed by name.
type Library struct {
	sync.RWMutex

	types  []*Type
	byName map[string]*Type
}

// NewLibrary returns an empty library.
func NewLibrary() *Library {
	return &Library{byName: map[string]*Type{}}
}

// Register parses schema and adds the type. Registering an identical type
// again returns the existing one; a different type under a known name is
// an error.
func (l *Library) Register(schema string) (*Type, error) {
	t, err := ParseType(schema)
	if err != nil {
		return nil, err
	}
	return l.Add(t)
}

// Add registers an already parsed type.
func (l *Library) Add(t *Type) (*Type, error) {
	l.Lock()
	defer l.Unlock()

	if l.byName == nil {
		l.byName = map[string]*Type{}
	}
	if old, ok := l.byName[t.Name()]; ok {
		if !old.Equal(t) {
			return nil, fmt.Errorf("%w: %q", ErrTypeConflict, t.Name())
		}
		return old, nil
	}
	l.types = append(l.types, t)
	l.byName[t.Name()] = t
	return t, nil
}

// Lookup returns the type with the given name, builtins included.
func (l *Library) Lookup(name string) (*Type, bool) {
	switch name {
	case RegistryTypeName:
		return RegistryType, true
	case IndexTypeName:
		return IndexType, true
	}

	l.RLock()
	defer l.RUnlock()

	t, ok := l.byName[name]
	return t, ok
}

// LookupPrefix returns the single type whose name starts with prefix.
func (l *Library) LookupPrefix(prefix string) (*Type, error) {
	l.RLock()
	defer l.RUnlock()

	var found *Type
	for _, t := range l.types {
		if !strings.HasPrefix(t.Name(), prefix) {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("%w: prefix %q matches %q and %q", ErrAmbiguousType, prefix, found.Name(), t.Name())
		}
		found = t
	}
	if found == nil {
		return nil, fmt.Errorf("%w: no type matches prefix %q", ErrUnknownType, prefix)
	}
	return found, nil
}

// Types returns the registered types in registration order.
func (l *Library) Types() []*Type {
	l.RLock()
	defer l.RUnlock()

	out := make([]*Type, len(l.types))
	copy(out, l.types)
	return out
}

// Len returns the number of registered types.
func (l *Library) Len() int {
	l.RLock()
	defer l.RUnlock()

	return len(l.types)
}

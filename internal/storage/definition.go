package storage

import (
	"fmt"
	"reflect"

	"github.com/opentis/pathstore/internal/colfile"
)

// Kind classifies a storable field for the serializer. The on-disk policy
// is fixed-width: floats as float32, integers and indices as int32 (-1 for
// absent), booleans as uint8.
type Kind uint8

const (
	// KindInt is a signed integer, stored as int32.
	KindInt Kind = iota
	// KindFloat is a float, stored at float32 precision.
	KindFloat
	// KindBool is a boolean.
	KindBool
	// KindStr is a variable-length string.
	KindStr
	// KindLength is a count, stored as int32 with -1 meaning unset.
	KindLength
	// KindObject is a reference to another storable object. Unless the
	// target type is nestable it is stored as a (store, index) pair.
	KindObject
	// KindList is an ordered sequence of Elem-kind values.
	KindList
)

// Field describes one storable field of a type: its serialized name, kind,
// and explicit accessors. Object fields name the store their referents
// live in.
type Field struct {
	Name string
	Kind Kind

	// Elem is the element kind when Kind is KindList.
	Elem Kind

	// Store is the target store for KindObject fields (including object
	// lists). Empty for nestable targets, which are inlined by class tag.
	Store string

	// Get returns the field value. Object fields must return a Storable
	// or an untyped nil (never a typed nil pointer). Numeric fields
	// return float64 or int, lists return []float64, []int, []string or
	// []Storable.
	Get func(Storable) any

	// Set installs a value of the same shape Get returns.
	Set func(Storable, any)
}

// Definition is the capability descriptor a type registers with the
// engine: a class tag (embedded in every payload), a constructor, and the
// ordered field list. Dispatch happens through the registry keyed by the
// class tag, never by duck typing.
type Definition struct {
	// Class tags the serialized form of this type.
	Class string

	// New allocates an empty instance for loading.
	New func() Storable

	// Nestable marks value-like composite types whose content is inlined
	// into the referencing object's payload instead of occupying a store
	// row of its own.
	Nestable bool

	Fields []Field
}

func (d *Definition) validate() error {
	if d.Class == "" {
		return fmt.Errorf("storage: definition needs a class tag")
	}
	if d.New == nil {
		return fmt.Errorf("storage: definition %q needs a constructor", d.Class)
	}
	for _, f := range d.Fields {
		if f.Name == "" {
			return fmt.Errorf("storage: definition %q has an unnamed field", d.Class)
		}
		if f.Get == nil || f.Set == nil {
			return fmt.Errorf("storage: definition %q field %q needs accessors", d.Class, f.Name)
		}
	}
	return nil
}

// Registry maps class tags and Go types to their definitions. Each Storage
// owns one; definitions are explicitly registered, never discovered from
// global state.
type Registry struct {
	byClass map[string]*Definition
	byType  map[reflect.Type]*Definition
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byClass: map[string]*Definition{},
		byType:  map[reflect.Type]*Definition{},
	}
}

// Register adds a definition. The class tag and the concrete Go type must
// both be unclaimed.
func (r *Registry) Register(def *Definition) error {
	if err := def.validate(); err != nil {
		return err
	}
	if _, ok := r.byClass[def.Class]; ok {
		return fmt.Errorf("storage: class %q already registered", def.Class)
	}
	t := reflect.TypeOf(def.New())
	if _, ok := r.byType[t]; ok {
		return fmt.Errorf("storage: type %s already registered", t)
	}
	r.byClass[def.Class] = def
	r.byType[t] = def
	return nil
}

// LookupClass resolves a class tag read from a payload.
func (r *Registry) LookupClass(class string) (*Definition, bool) {
	def, ok := r.byClass[class]
	return def, ok
}

// LookupType resolves the definition for a live object.
func (r *Registry) LookupType(obj Storable) (*Definition, bool) {
	def, ok := r.byType[reflect.TypeOf(obj)]
	return def, ok
}

// ColumnSpec declares a type-specific auxiliary variable next to the
// payload column, e.g. a float32 coordinate array per snapshot. Save and
// Load move the field between the object and the variable. Lazy columns
// are not read during load; Attach installs a deferred loader on the
// object instead, and the column is read on first access.
type ColumnSpec struct {
	Name  string
	Type  colfile.ElemType
	Dims  []string // extra dimensions after the store's record dimension
	Unit  string
	Chunk int

	Save func(v *colfile.Variable, idx int, obj Storable) error
	Load func(v *colfile.Variable, idx int, obj Storable) error

	Lazy   bool
	Attach func(obj Storable, load func() error)
}

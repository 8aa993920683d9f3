package storage

import (
	"encoding/json"
	"fmt"
	"math"
)

// codec converts between live objects and the portable payload written to
// the _json column. The portable form is a class-tagged tree:
//
//	{"_cls": "sample", "_dict": {"replica": 2, "trajectory": {"_store": "trajectory", "_idx": 7}}}
//
// References to other storable objects are (store, index) pairs; index -1
// is the nil sentinel. Nestable types are inlined as a tagged subtree
// instead. Floats pass through float32, integers through int32, so the
// payload never promises more precision than the file can hold.
type codec struct {
	st *Storage
}

const (
	keyClass = "_cls"
	keyDict  = "_dict"
	keyStore = "_store"
	keyIdx   = "_idx"
)

// encode serializes obj for the given store.
func (c *codec) encode(s *Store, obj Storable) ([]byte, error) {
	m, err := c.simplify(s.def, obj)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("storage: marshal %s payload: %w", s.def.Class, err)
	}
	return data, nil
}

// simplify walks the declared fields of obj, producing its portable form.
// Referenced objects that have not been saved yet are saved through their
// own store here; the caller's reserve-before-write discipline makes this
// safe for cycles.
func (c *codec) simplify(def *Definition, obj Storable) (map[string]any, error) {
	dict := make(map[string]any, len(def.Fields))
	for _, f := range def.Fields {
		v, err := c.simplifyValue(&f, f.Get(obj))
		if err != nil {
			return nil, fmt.Errorf("storage: field %s.%s: %w", def.Class, f.Name, err)
		}
		dict[f.Name] = v
	}
	return map[string]any{keyClass: def.Class, keyDict: dict}, nil
}

func (c *codec) simplifyValue(f *Field, v any) (any, error) {
	switch f.Kind {
	case KindFloat:
		fv, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("want float64, got %T", v)
		}
		return float64(float32(fv)), nil
	case KindInt, KindLength:
		n, ok := v.(int)
		if !ok {
			return nil, fmt.Errorf("want int, got %T", v)
		}
		if n < math.MinInt32 || n > math.MaxInt32 {
			return nil, fmt.Errorf("value %d overflows int32", n)
		}
		return n, nil
	case KindBool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("want bool, got %T", v)
		}
		return b, nil
	case KindStr:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("want string, got %T", v)
		}
		return s, nil
	case KindObject:
		return c.simplifyObject(f, v)
	case KindList:
		return c.simplifyList(f, v)
	}
	return nil, fmt.Errorf("unknown kind %d", f.Kind)
}

func (c *codec) simplifyObject(f *Field, v any) (any, error) {
	if v == nil {
		// nil references keep their store tag so the sentinel can never
		// be confused with index 0.
		return map[string]any{keyStore: f.Store, keyIdx: -1}, nil
	}
	obj, ok := v.(Storable)
	if !ok {
		return nil, fmt.Errorf("want Storable, got %T", v)
	}
	def, ok := c.st.registry.LookupType(obj)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnknownClass, obj)
	}
	if def.Nestable {
		return c.simplify(def, obj)
	}
	target, ok := c.st.stores[f.Store]
	if !ok {
		return nil, fmt.Errorf("no store %q registered", f.Store)
	}
	idx, err := target.Save(obj)
	if err != nil {
		return nil, err
	}
	return map[string]any{keyStore: f.Store, keyIdx: idx}, nil
}

func (c *codec) simplifyList(f *Field, v any) (any, error) {
	elem := Field{Name: f.Name, Kind: f.Elem, Store: f.Store}
	switch vs := v.(type) {
	case nil:
		return []any{}, nil
	case []float64:
		out := make([]any, len(vs))
		for i, x := range vs {
			out[i] = float64(float32(x))
		}
		return out, nil
	case []int:
		out := make([]any, len(vs))
		for i, n := range vs {
			if n < math.MinInt32 || n > math.MaxInt32 {
				return nil, fmt.Errorf("element %d overflows int32", n)
			}
			out[i] = n
		}
		return out, nil
	case []string:
		out := make([]any, len(vs))
		for i, s := range vs {
			out[i] = s
		}
		return out, nil
	case []Storable:
		out := make([]any, len(vs))
		for i, o := range vs {
			var ov any
			if o != nil {
				ov = o
			}
			x, err := c.simplifyObject(&elem, ov)
			if err != nil {
				return nil, err
			}
			out[i] = x
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported list value %T", v)
}

// populate fills obj from a payload previously produced by encode. obj
// must already be registered in its store's cache so that reference
// cycles resolve back to the same instance.
func (c *codec) populate(s *Store, obj Storable, payload []byte) error {
	var root struct {
		Class string          `json:"_cls"`
		Dict  json.RawMessage `json:"_dict"`
	}
	if err := json.Unmarshal(payload, &root); err != nil {
		return fmt.Errorf("storage: unmarshal payload: %w", err)
	}
	if root.Class != s.def.Class {
		return fmt.Errorf("storage: payload class %q, store %q holds %q", root.Class, s.name, s.def.Class)
	}
	return c.build(s.def, obj, root.Dict)
}

func (c *codec) build(def *Definition, obj Storable, rawDict json.RawMessage) error {
	var dict map[string]any
	if err := json.Unmarshal(rawDict, &dict); err != nil {
		return fmt.Errorf("storage: unmarshal %s dict: %w", def.Class, err)
	}
	for _, f := range def.Fields {
		raw, ok := dict[f.Name]
		if !ok {
			continue
		}
		v, err := c.restoreValue(&f, raw)
		if err != nil {
			return fmt.Errorf("storage: field %s.%s: %w", def.Class, f.Name, err)
		}
		f.Set(obj, v)
	}
	return nil
}

func (c *codec) restoreValue(f *Field, raw any) (any, error) {
	switch f.Kind {
	case KindFloat:
		fv, ok := raw.(float64)
		if !ok {
			return nil, fmt.Errorf("want number, got %T", raw)
		}
		return fv, nil
	case KindInt, KindLength:
		fv, ok := raw.(float64)
		if !ok {
			return nil, fmt.Errorf("want number, got %T", raw)
		}
		return int(fv), nil
	case KindBool:
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("want bool, got %T", raw)
		}
		return b, nil
	case KindStr:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("want string, got %T", raw)
		}
		return s, nil
	case KindObject:
		return c.restoreObject(raw)
	case KindList:
		return c.restoreList(f, raw)
	}
	return nil, fmt.Errorf("unknown kind %d", f.Kind)
}

// restoreObject turns a reference or inlined subtree back into a live
// object. Reference resolution goes through Store.Load, so an object
// reachable twice resolves to the same cached instance both times.
func (c *codec) restoreObject(raw any) (any, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("want object, got %T", raw)
	}
	if cls, ok := m[keyClass].(string); ok {
		// Inlined nestable content.
		def, ok := c.st.registry.LookupClass(cls)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownClass, cls)
		}
		rawDict, err := json.Marshal(m[keyDict])
		if err != nil {
			return nil, err
		}
		obj := def.New()
		if err := c.build(def, obj, rawDict); err != nil {
			return nil, err
		}
		return obj, nil
	}
	name, _ := m[keyStore].(string)
	fidx, ok := m[keyIdx].(float64)
	if !ok {
		return nil, fmt.Errorf("reference without index")
	}
	idx := int(fidx)
	if idx < 0 {
		return nil, nil
	}
	target, ok := c.st.stores[name]
	if !ok {
		return nil, fmt.Errorf("no store %q registered", name)
	}
	obj, err := target.Load(idx)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: %s[%d]", ErrDangling, name, idx)
	}
	return obj, nil
}

func (c *codec) restoreList(f *Field, raw any) (any, error) {
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("want array, got %T", raw)
	}
	switch f.Elem {
	case KindFloat:
		out := make([]float64, len(items))
		for i, it := range items {
			fv, ok := it.(float64)
			if !ok {
				return nil, fmt.Errorf("element %d: want number, got %T", i, it)
			}
			out[i] = fv
		}
		return out, nil
	case KindInt, KindLength:
		out := make([]int, len(items))
		for i, it := range items {
			fv, ok := it.(float64)
			if !ok {
				return nil, fmt.Errorf("element %d: want number, got %T", i, it)
			}
			out[i] = int(fv)
		}
		return out, nil
	case KindStr:
		out := make([]string, len(items))
		for i, it := range items {
			s, ok := it.(string)
			if !ok {
				return nil, fmt.Errorf("element %d: want string, got %T", i, it)
			}
			out[i] = s
		}
		return out, nil
	case KindObject:
		out := make([]Storable, len(items))
		for i, it := range items {
			v, err := c.restoreObject(it)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			if v != nil {
				out[i] = v.(Storable)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported list element kind %d", f.Elem)
}

package colfile

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ElemType is the element type of a variable. The on-disk encoding policy
// is fixed-width: float32 for floats, int32 for integers and indices,
// uint8 for booleans. "index" and "length" are int32 aliases where -1
// means none.
type ElemType string

const (
	TypeInt32   ElemType = "int32"
	TypeFloat32 ElemType = "float32"
	TypeBool    ElemType = "uint8"
	TypeStr     ElemType = "str"
	TypeIndex   ElemType = "index"
	TypeLength  ElemType = "length"
)

// NoIndex is the sentinel stored for an absent index or length.
const NoIndex int32 = -1

func (t ElemType) valid() bool {
	switch t {
	case TypeInt32, TypeFloat32, TypeBool, TypeStr, TypeIndex, TypeLength:
		return true
	}
	return false
}

// storage returns the canonical on-disk type, collapsing the aliases.
func (t ElemType) storage() ElemType {
	switch t {
	case TypeIndex, TypeLength:
		return TypeInt32
	}
	return t
}

// Variable is a named, typed column keyed by its record dimension.
type Variable struct {
	file  *File
	name  string
	typ   ElemType
	dims  []string
	unit  string
	chunk int

	// rows holds the raw fixed-width (or string) payload per index.
	rows map[int][]byte
}

// Name returns the variable name.
func (v *Variable) Name() string { return v.name }

// Type returns the declared element type.
func (v *Variable) Type() ElemType { return v.typ }

// Dims returns the dimension names, record dimension first.
func (v *Variable) Dims() []string { return v.dims }

// Unit returns the physical unit annotation, if any.
func (v *Variable) Unit() string { return v.unit }

// Has reports whether a value was written at idx.
func (v *Variable) Has(idx int) bool {
	v.file.mu.RLock()
	defer v.file.mu.RUnlock()
	_, ok := v.rows[idx]
	return ok
}

func (v *Variable) raw(idx int) ([]byte, bool) {
	v.file.mu.RLock()
	defer v.file.mu.RUnlock()
	b, ok := v.rows[idx]
	return b, ok
}

func (v *Variable) putLocked(idx int, raw []byte) error {
	v.file.mu.Lock()
	defer v.file.mu.Unlock()
	return v.file.put(v, idx, raw)
}

func (v *Variable) check(want ElemType) error {
	if v.typ.storage() != want.storage() {
		return fmt.Errorf("colfile: variable %q holds %s, not %s", v.name, v.typ, want)
	}
	return nil
}

// SetString writes a string value at idx.
func (v *Variable) SetString(idx int, s string) error {
	if err := v.check(TypeStr); err != nil {
		return err
	}
	return v.putLocked(idx, []byte(s))
}

// GetString reads the string value at idx. Missing values read as "".
func (v *Variable) GetString(idx int) (string, error) {
	if err := v.check(TypeStr); err != nil {
		return "", err
	}
	b, _ := v.raw(idx)
	return string(b), nil
}

// SetInt32 writes a scalar int32 at idx.
func (v *Variable) SetInt32(idx int, n int32) error {
	if err := v.check(TypeInt32); err != nil {
		return err
	}
	return v.putLocked(idx, binary.LittleEndian.AppendUint32(nil, uint32(n)))
}

// GetInt32 reads the scalar int32 at idx. Missing values read as the
// NoIndex sentinel.
func (v *Variable) GetInt32(idx int) (int32, error) {
	if err := v.check(TypeInt32); err != nil {
		return 0, err
	}
	b, ok := v.raw(idx)
	if !ok {
		return NoIndex, nil
	}
	if len(b) != 4 {
		return 0, fmt.Errorf("colfile: variable %q: bad scalar width %d", v.name, len(b))
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

// SetFloat32 writes a scalar float32 at idx.
func (v *Variable) SetFloat32(idx int, f float32) error {
	if err := v.check(TypeFloat32); err != nil {
		return err
	}
	return v.putLocked(idx, binary.LittleEndian.AppendUint32(nil, math.Float32bits(f)))
}

// GetFloat32 reads the scalar float32 at idx.
func (v *Variable) GetFloat32(idx int) (float32, error) {
	if err := v.check(TypeFloat32); err != nil {
		return 0, err
	}
	b, ok := v.raw(idx)
	if !ok {
		return 0, nil
	}
	if len(b) != 4 {
		return 0, fmt.Errorf("colfile: variable %q: bad scalar width %d", v.name, len(b))
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(b)), nil
}

// SetBool writes a boolean at idx as uint8.
func (v *Variable) SetBool(idx int, b bool) error {
	if err := v.check(TypeBool); err != nil {
		return err
	}
	var raw byte
	if b {
		raw = 1
	}
	return v.putLocked(idx, []byte{raw})
}

// GetBool reads the boolean at idx.
func (v *Variable) GetBool(idx int) (bool, error) {
	if err := v.check(TypeBool); err != nil {
		return false, err
	}
	b, ok := v.raw(idx)
	if !ok {
		return false, nil
	}
	return len(b) == 1 && b[0] != 0, nil
}

// SetFloat32s writes a float32 array at idx.
func (v *Variable) SetFloat32s(idx int, fs []float32) error {
	if err := v.check(TypeFloat32); err != nil {
		return err
	}
	raw := make([]byte, 0, 4*len(fs))
	for _, f := range fs {
		raw = binary.LittleEndian.AppendUint32(raw, math.Float32bits(f))
	}
	return v.putLocked(idx, raw)
}

// GetFloat32s reads the float32 array at idx. Missing values read as nil.
func (v *Variable) GetFloat32s(idx int) ([]float32, error) {
	if err := v.check(TypeFloat32); err != nil {
		return nil, err
	}
	b, ok := v.raw(idx)
	if !ok {
		return nil, nil
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("colfile: variable %q: bad array width %d", v.name, len(b))
	}
	fs := make([]float32, len(b)/4)
	for i := range fs {
		fs[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return fs, nil
}

// SetInt32s writes an int32 array at idx.
func (v *Variable) SetInt32s(idx int, ns []int32) error {
	if err := v.check(TypeInt32); err != nil {
		return err
	}
	raw := make([]byte, 0, 4*len(ns))
	for _, n := range ns {
		raw = binary.LittleEndian.AppendUint32(raw, uint32(n))
	}
	return v.putLocked(idx, raw)
}

// GetInt32s reads the int32 array at idx. Missing values read as nil.
func (v *Variable) GetInt32s(idx int) ([]int32, error) {
	if err := v.check(TypeInt32); err != nil {
		return nil, err
	}
	b, ok := v.raw(idx)
	if !ok {
		return nil, nil
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("colfile: variable %q: bad array width %d", v.name, len(b))
	}
	ns := make([]int32, len(b)/4)
	for i := range ns {
		ns[i] = int32(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return ns, nil
}

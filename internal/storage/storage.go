// Package storage implements the object storage engine: per-type object
// stores over a columnar backing file, with caching, name lookup, and a
// serializer that turns live object graphs into flat indexed records.
//
// The design is explicit composition: a save runs fixed, ordered stages
// (index assignment and reservation, serialization, column writes, cache
// update) as plain method calls. Type capabilities live in per-storage
// registries of field descriptors, not on shared global state.
package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/invopop/jsonschema"
	"github.com/opentis/pathstore/internal/colfile"
)

// Mode selects how Open treats the backing file.
type Mode string

const (
	// ModeCreate initializes a fresh file; registrations create their
	// dimensions and variables.
	ModeCreate Mode = "create"
	// ModeRestore attaches to an existing file; registrations discover
	// their variables and never change the file structure.
	ModeRestore Mode = "restore"
)

// Storage aggregates every per-type object store over one backing file.
type Storage struct {
	file     *colfile.File
	cfg      Config
	mode     Mode
	readOnly bool

	registry *Registry
	codec    *codec
	stores   map[string]*Store
	order    []string
}

// Options configures one store registration.
type Options struct {
	// HasUID adds a <name>_uid column; unset UIDs are generated at save.
	HasUID bool
	// HasName adds a <name>_name column and enables name lookups. Objects
	// must have a name set by save time.
	HasName bool
	// Cache overrides the storage-wide cache policy for this store.
	Cache *CacheConfig
	// Columns declares type-specific auxiliary variables.
	Columns []ColumnSpec
}

// Open opens the backing file at path. ModeCreate writes a fresh file;
// ModeRestore attaches to an existing one.
func Open(path string, mode Mode, cfg Config) (*Storage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var (
		f   *colfile.File
		err error
	)
	switch mode {
	case ModeCreate:
		f, err = colfile.Create(path)
	case ModeRestore:
		f, err = colfile.Open(path)
	default:
		return nil, fmt.Errorf("storage: unknown mode %q", mode)
	}
	if err != nil {
		return nil, err
	}
	slog.Info("storage opened", "path", path, "mode", mode)
	return newStorage(f, mode, cfg, false), nil
}

// OpenReadOnly attaches to an existing file without write access, e.g. for
// analysis of a file a live simulation is still appending to.
func OpenReadOnly(path string, cfg Config) (*Storage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	f, err := colfile.OpenReadOnly(path)
	if err != nil {
		return nil, err
	}
	slog.Info("storage opened read-only", "path", path)
	return newStorage(f, ModeRestore, cfg, true), nil
}

func newStorage(f *colfile.File, mode Mode, cfg Config, readOnly bool) *Storage {
	st := &Storage{
		file:     f,
		cfg:      cfg,
		mode:     mode,
		readOnly: readOnly,
		registry: NewRegistry(),
		stores:   map[string]*Store{},
	}
	st.codec = &codec{st: st}
	return st
}

// Path returns the backing file path.
func (st *Storage) Path() string {
	return st.file.Path()
}

// ReadOnly reports whether saves are refused.
func (st *Storage) ReadOnly() bool {
	return st.readOnly
}

// RegisterType adds a definition without a store of its own. Used for
// nestable value types that only ever appear inlined in other payloads.
func (st *Storage) RegisterType(def *Definition) error {
	return st.registry.Register(def)
}

// Register adds a store for def under the given name prefix. In create
// mode the store's dimension and variables are initialized; in restore
// mode they are discovered and verified.
func (st *Storage) Register(name string, def *Definition, opts Options) (*Store, error) {
	if _, ok := st.stores[name]; ok {
		return nil, fmt.Errorf("storage: store %q already registered", name)
	}
	if err := st.registry.Register(def); err != nil {
		return nil, err
	}
	cc := st.cfg.storeCache(name)
	if opts.Cache != nil {
		cc = *opts.Cache
	}
	s := &Store{
		storage: st,
		name:    name,
		def:     def,
		hasUID:  opts.HasUID,
		hasName: opts.HasName,
		cache:   NewCache(cc.Policy, cc.Size),
		columns: opts.Columns,
		colVars: map[string]*colfile.Variable{},
		nameIdx:  map[string][]int{},
		reserved: map[int]struct{}{},
		loading:  map[int]Storable{},
	}
	var err error
	switch st.mode {
	case ModeCreate:
		err = st.initStore(s)
	case ModeRestore:
		err = st.attachStore(s)
	}
	if err != nil {
		return nil, err
	}
	st.stores[name] = s
	st.order = append(st.order, name)
	if st.mode == ModeCreate {
		if err := st.writeSchema(); err != nil {
			return nil, err
		}
	}
	slog.Debug("store registered", "store", name, "class", def.Class, "mode", st.mode)
	return s, nil
}

func (st *Storage) initStore(s *Store) error {
	if err := st.file.CreateDimension(s.name, 0); err != nil {
		return err
	}
	chunk := 0
	if st.cfg.Compression {
		chunk = st.cfg.ChunkSize
	}
	var err error
	if s.jsonVar, err = st.file.CreateVariable(s.name+"_json", colfile.TypeStr, []string{s.name}, "", chunk); err != nil {
		return err
	}
	if s.hasUID {
		if s.uidVar, err = st.file.CreateVariable(s.name+"_uid", colfile.TypeStr, []string{s.name}, "", 0); err != nil {
			return err
		}
	}
	if s.hasName {
		if s.nameVar, err = st.file.CreateVariable(s.name+"_name", colfile.TypeStr, []string{s.name}, "", 0); err != nil {
			return err
		}
	}
	for i := range s.columns {
		col := &s.columns[i]
		dims := append([]string{s.name}, col.Dims...)
		v, err := st.file.CreateVariable(s.name+"_"+col.Name, col.Type, dims, col.Unit, col.Chunk)
		if err != nil {
			return err
		}
		s.colVars[col.Name] = v
	}
	return nil
}

func (st *Storage) attachStore(s *Store) error {
	if _, ok := st.file.Dimension(s.name); !ok {
		return fmt.Errorf("storage: file has no dimension %q", s.name)
	}
	var ok bool
	if s.jsonVar, ok = st.file.Variable(s.name + "_json"); !ok {
		return fmt.Errorf("storage: file has no variable %s_json", s.name)
	}
	if s.hasUID {
		if s.uidVar, ok = st.file.Variable(s.name + "_uid"); !ok {
			return fmt.Errorf("storage: file has no variable %s_uid", s.name)
		}
	}
	if s.hasName {
		if s.nameVar, ok = st.file.Variable(s.name + "_name"); !ok {
			return fmt.Errorf("storage: file has no variable %s_name", s.name)
		}
	}
	for i := range s.columns {
		col := &s.columns[i]
		v, ok := st.file.Variable(s.name + "_" + col.Name)
		if !ok {
			return fmt.Errorf("storage: file has no variable %s_%s", s.name, col.Name)
		}
		s.colVars[col.Name] = v
	}
	return nil
}

// Store returns a registered store by name.
func (st *Storage) Store(name string) (*Store, bool) {
	s, ok := st.stores[name]
	return s, ok
}

// Stores returns the registered store names in registration order.
func (st *Storage) Stores() []string {
	out := make([]string, len(st.order))
	copy(out, st.order)
	return out
}

// Dimension returns the length of a dimension in the backing file.
func (st *Storage) Dimension(name string) (int, bool) {
	return st.file.Dimension(name)
}

// CreateDimension declares a shared dimension (e.g. atom count) used by
// auxiliary columns. In restore mode it verifies the dimension instead.
func (st *Storage) CreateDimension(name string, length int) error {
	if st.mode == ModeRestore {
		n, ok := st.file.Dimension(name)
		if !ok {
			return fmt.Errorf("storage: file has no dimension %q", name)
		}
		if n != length {
			return fmt.Errorf("storage: dimension %q is %d, expected %d", name, n, length)
		}
		return nil
	}
	return st.file.CreateDimension(name, length)
}

// Refresh picks up records appended by a live writer. Read-only only.
func (st *Storage) Refresh() error {
	if !st.readOnly {
		return fmt.Errorf("storage: refresh is for read-only storages")
	}
	return st.file.Refresh()
}

// Sync flushes written records to stable storage.
func (st *Storage) Sync() error {
	if st.readOnly {
		return ErrReadOnly
	}
	return st.file.Sync()
}

// Close flushes and releases the backing file.
func (st *Storage) Close() error {
	slog.Info("storage closed", "path", st.file.Path())
	return st.file.Close()
}

// Schema returns the self-describing schema document stored in the file.
func (st *Storage) Schema() []byte {
	return st.file.Schema()
}

// storeSchema is one store's entry in the schema document.
type storeSchema struct {
	Class   string             `json:"class"`
	HasUID  bool               `json:"has_uid,omitempty"`
	HasName bool               `json:"has_name,omitempty"`
	Columns []string           `json:"columns,omitempty"`
	Type    *jsonschema.Schema `json:"type,omitempty"`
}

// writeSchema stores a machine-readable description of every registered
// store in the file, so tooling can inspect a file without the registering
// code. The document is regenerated after each registration; the last
// record wins on open.
func (st *Storage) writeSchema() error {
	// Keep $defs/$ref indirection: inlining cannot terminate for
	// self-referential types (samples referencing parent samples).
	r := jsonschema.Reflector{Anonymous: true}
	doc := map[string]storeSchema{}
	for name, s := range st.stores {
		entry := storeSchema{
			Class:   s.def.Class,
			HasUID:  s.hasUID,
			HasName: s.hasName,
		}
		for i := range s.columns {
			entry.Columns = append(entry.Columns, name+"_"+s.columns[i].Name)
		}
		entry.Type = r.Reflect(s.def.New())
		doc[name] = entry
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("storage: marshal schema: %w", err)
	}
	return st.file.SetSchema(data)
}

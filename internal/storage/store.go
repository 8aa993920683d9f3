package storage

import (
	"fmt"
	"iter"
	"log/slog"
	"sort"

	"github.com/opentis/pathstore/internal/colfile"
	"github.com/opentis/pathstore/internal/uid"
)

// Store persists one storable type. It owns a record dimension and a set
// of variables under its name prefix in the backing file: the payload
// column <name>_json, optionally <name>_uid and <name>_name, and any
// auxiliary columns its type declares.
//
// Saving and loading are explicit, ordered stages: index assignment and
// reservation, serialization, column writes, cache update. All mutation
// must come from the single owning writer; wrap the store in a lock if
// loads are issued concurrently.
type Store struct {
	storage *Storage
	name    string
	def     *Definition
	hasUID  bool
	hasName bool

	jsonVar *colfile.Variable
	uidVar  *colfile.Variable
	nameVar *colfile.Variable

	cache   Cache
	columns []ColumnSpec
	colVars map[string]*colfile.Variable

	// nameIdx keeps every index per name; duplicate names are allowed and
	// lookups return the first.
	nameIdx     map[string][]int
	namesLoaded bool

	// reserved holds indices claimed by in-flight nested saves so they
	// are not handed out twice before their payload lands.
	reserved map[int]struct{}

	// loading pins instances whose references are still being resolved.
	// The cache may evict at any time, so cyclic payloads resolve back
	// through this map instead of recursing into a fresh load.
	loading   map[int]Storable
	cachedAll bool
}

// Name returns the store's prefix in the backing file.
func (s *Store) Name() string { return s.name }

// Definition returns the registered type descriptor.
func (s *Store) Definition() *Definition { return s.def }

// Len returns the number of objects ever saved, i.e. the record dimension
// length. It may transiently include reserved slots whose payload is still
// being written by a nested save.
func (s *Store) Len() int {
	n, _ := s.storage.file.Dimension(s.name)
	return n
}

// NextFree returns the next index available for a save, skipping indices
// reserved by in-flight nested saves.
func (s *Store) NextFree() int {
	count := s.Len()
	for idx := range s.reserved {
		if idx < count {
			delete(s.reserved, idx)
		}
	}
	idx := count
	for {
		if _, ok := s.reserved[idx]; !ok {
			return idx
		}
		idx++
	}
}

// Reserve marks an index as claimed before its content is durably written.
// Save does this implicitly; it is exposed for pre-allocation patterns.
func (s *Store) Reserve(idx int) {
	s.reserved[idx] = struct{}{}
}

// Save persists obj and returns its index. Saving is idempotent: an object
// that already holds an index in this store is returned as-is, without
// re-serializing.
func (s *Store) Save(obj Storable) (int, error) {
	return s.save(obj, -1)
}

// SaveAt persists obj under an explicit index. It fails hard if the object
// already holds a different index here.
func (s *Store) SaveAt(obj Storable, idx int) (int, error) {
	if idx < 0 {
		return 0, fmt.Errorf("storage: explicit index %d is negative", idx)
	}
	return s.save(obj, idx)
}

func (s *Store) save(obj Storable, explicit int) (int, error) {
	if s.storage.readOnly {
		return 0, ErrReadOnly
	}
	b := obj.base()
	if cur, ok := b.StoreIndex(s); ok {
		if explicit >= 0 && explicit != cur {
			return 0, fmt.Errorf("%w: %s has %d, asked for %d", ErrIndexConflict, s.name, cur, explicit)
		}
		return cur, nil
	}
	if s.hasName && !b.nameSet {
		return 0, fmt.Errorf("%w: store %s", ErrNameUnset, s.name)
	}

	idx := explicit
	if idx < 0 {
		idx = s.NextFree()
	}
	// Assign and reserve before serializing: nested saves of objects that
	// reference this one back must see a valid index, and the reservation
	// keeps them from claiming the same slot.
	b.setIndex(s, idx)
	s.Reserve(idx)
	slog.Debug("saving object", "store", s.name, "idx", idx)

	if b.payload == nil {
		payload, err := s.storage.codec.encode(s, obj)
		if err != nil {
			b.clearIndex(s)
			delete(s.reserved, idx)
			return 0, err
		}
		b.payload = payload
	}
	if err := s.jsonVar.SetString(idx, string(b.payload)); err != nil {
		return 0, err
	}
	if s.hasUID {
		if b.uid == "" {
			b.uid = uid.New().String()
		}
		if err := s.uidVar.SetString(idx, b.uid); err != nil {
			return 0, err
		}
	}
	if s.hasName {
		b.fixName()
		if err := s.nameVar.SetString(idx, b.name); err != nil {
			return 0, err
		}
		s.addNameIdx(b.name, idx)
	}
	for i := range s.columns {
		col := &s.columns[i]
		if err := col.Save(s.colVars[col.Name], idx, obj); err != nil {
			return 0, fmt.Errorf("storage: column %s_%s: %w", s.name, col.Name, err)
		}
	}
	s.cache.Put(idx, obj)
	return idx, nil
}

// Load returns the object stored at idx. Out-of-range and negative indices
// are soft failures: they log a warning and return nil, nil, so callers
// probing past the end of a live store do not have to treat that as an
// error. A cache hit returns the already-live instance, guaranteeing at
// most one in-memory object per index.
func (s *Store) Load(idx int) (Storable, error) {
	if idx < 0 {
		slog.Warn("load of negative index", "store", s.name, "idx", idx)
		return nil, nil
	}
	if obj, ok := s.cache.Get(idx); ok {
		return obj, nil
	}
	if obj, ok := s.loading[idx]; ok {
		return obj, nil
	}
	if idx >= s.Len() {
		slog.Warn("load past end of store", "store", s.name, "idx", idx, "len", s.Len())
		return nil, nil
	}
	payload, err := s.jsonVar.GetString(idx)
	if err != nil {
		return nil, err
	}
	if payload == "" {
		slog.Warn("load of reserved but unwritten index", "store", s.name, "idx", idx)
		return nil, nil
	}

	obj := s.def.New()
	b := obj.base()
	b.setIndex(s, idx)
	b.payload = []byte(payload)
	// Pin the instance before resolving references so that payloads
	// circling back to this index find it instead of recursing, even if
	// the cache evicts it mid-load.
	s.loading[idx] = obj
	s.cache.Put(idx, obj)
	err = s.storage.codec.populate(s, obj, []byte(payload))
	delete(s.loading, idx)
	if err != nil {
		s.cache.Remove(idx)
		b.clearIndex(s)
		return nil, err
	}
	if s.hasUID {
		uid, err := s.uidVar.GetString(idx)
		if err != nil {
			return nil, err
		}
		b.uid = uid
	}
	if s.hasName {
		name, err := s.nameVar.GetString(idx)
		if err != nil {
			return nil, err
		}
		b.setLoadedName(name)
		s.addNameIdx(name, idx)
	}
	for i := range s.columns {
		col := &s.columns[i]
		v := s.colVars[col.Name]
		if col.Lazy && col.Attach != nil {
			load := col.Load
			col.Attach(obj, func() error { return load(v, idx, obj) })
			continue
		}
		if err := col.Load(v, idx, obj); err != nil {
			return nil, fmt.Errorf("storage: column %s_%s: %w", s.name, col.Name, err)
		}
	}
	return obj, nil
}

// LoadName returns the first object saved under name. Multiple objects may
// share a name; the ambiguity is logged and the earliest index wins. An
// unknown name is a soft failure like an out-of-range index. Fails hard on
// stores without a name column.
func (s *Store) LoadName(name string) (Storable, error) {
	idxs, err := s.FindIndices(name)
	if err != nil {
		return nil, err
	}
	if len(idxs) == 0 {
		slog.Warn("load of unknown name", "store", s.name, "name", name)
		return nil, nil
	}
	if len(idxs) > 1 {
		slog.Warn("name is ambiguous, loading first", "store", s.name, "name", name, "matches", len(idxs))
	}
	return s.Load(idxs[0])
}

// IdxByName returns the first index stored under name.
func (s *Store) IdxByName(name string) (int, bool) {
	idxs, err := s.FindIndices(name)
	if err != nil || len(idxs) == 0 {
		return 0, false
	}
	return idxs[0], true
}

// FindIndices returns every index stored under name, in save order.
func (s *Store) FindIndices(name string) ([]int, error) {
	if !s.hasName {
		return nil, fmt.Errorf("%w: %s", ErrNotNamed, s.name)
	}
	if err := s.loadNames(); err != nil {
		return nil, err
	}
	return s.nameIdx[name], nil
}

// Find returns every object stored under name, in save order.
func (s *Store) Find(name string) ([]Storable, error) {
	idxs, err := s.FindIndices(name)
	if err != nil {
		return nil, err
	}
	out := make([]Storable, 0, len(idxs))
	for _, idx := range idxs {
		obj, err := s.Load(idx)
		if err != nil {
			return nil, err
		}
		if obj != nil {
			out = append(out, obj)
		}
	}
	return out, nil
}

// FindFirst returns the earliest-saved object under name, or nil.
func (s *Store) FindFirst(name string) (Storable, error) {
	idxs, err := s.FindIndices(name)
	if err != nil {
		return nil, err
	}
	if len(idxs) == 0 {
		return nil, nil
	}
	return s.Load(idxs[0])
}

// loadNames fills the name index from the name column once.
func (s *Store) loadNames() error {
	if s.namesLoaded {
		return nil
	}
	for idx := range s.Len() {
		name, err := s.nameVar.GetString(idx)
		if err != nil {
			return err
		}
		s.addNameIdx(name, idx)
	}
	s.namesLoaded = true
	return nil
}

// addNameIdx inserts idx in ascending order so name lookups always see
// save order, no matter which indices were loaded first.
func (s *Store) addNameIdx(name string, idx int) {
	if name == "" {
		return
	}
	have := s.nameIdx[name]
	pos := sort.SearchInts(have, idx)
	if pos < len(have) && have[pos] == idx {
		return
	}
	have = append(have, 0)
	copy(have[pos+1:], have[pos:])
	have[pos] = idx
	s.nameIdx[name] = have
}

// First returns the first stored object.
func (s *Store) First() (Storable, error) {
	return s.Load(0)
}

// Last returns the most recently stored object. Useful to continue a run.
func (s *Store) Last() (Storable, error) {
	return s.Load(s.Len() - 1)
}

// Slice loads the objects in [lo, hi), clamped to the populated range.
func (s *Store) Slice(lo, hi int) ([]Storable, error) {
	lo = max(lo, 0)
	hi = min(hi, s.Len())
	if lo >= hi {
		return nil, nil
	}
	out := make([]Storable, 0, hi-lo)
	for idx := lo; idx < hi; idx++ {
		obj, err := s.Load(idx)
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, nil
}

// Select loads the objects at the given indices.
func (s *Store) Select(indices []int) ([]Storable, error) {
	out := make([]Storable, 0, len(indices))
	for _, idx := range indices {
		obj, err := s.Load(idx)
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, nil
}

// All returns a lazy, restartable iterator over every stored object in
// index order. Objects that fail to decode are skipped with a log entry.
func (s *Store) All() iter.Seq2[int, Storable] {
	return func(yield func(int, Storable) bool) {
		for idx := range s.Len() {
			obj, err := s.Load(idx)
			if err != nil {
				slog.Warn("skipping undecodable object", "store", s.name, "idx", idx, "err", err)
				continue
			}
			if obj == nil {
				continue
			}
			if !yield(idx, obj) {
				return
			}
		}
	}
}

// CacheAll eagerly loads every stored record into the cache in one pass.
// Idempotent; a second call is a no-op.
func (s *Store) CacheAll() error {
	if s.cachedAll {
		return nil
	}
	for idx := range s.Len() {
		if _, ok := s.cache.Get(idx); ok {
			continue
		}
		if _, err := s.Load(idx); err != nil {
			return err
		}
	}
	s.cachedAll = true
	return nil
}

// ClearCache drops every cached instance and forces reloading.
func (s *Store) ClearCache() {
	s.cache.Clear()
	s.cachedAll = false
}

// CacheLen reports how many objects are currently resident.
func (s *Store) CacheLen() int {
	return s.cache.Len()
}

// InitVariable declares an extra typed variable under this store's prefix,
// for callers that manage auxiliary data outside the payload column.
func (s *Store) InitVariable(name string, typ colfile.ElemType, extraDims []string, unit string, chunk int) (*colfile.Variable, error) {
	return s.storage.file.CreateVariable(s.name+"_"+name, typ, append([]string{s.name}, extraDims...), unit, chunk)
}

// LoadColumn re-reads one auxiliary column for an already-loaded object.
func (s *Store) LoadColumn(name string, idx int, obj Storable) error {
	for i := range s.columns {
		col := &s.columns[i]
		if col.Name == name {
			return col.Load(s.colVars[col.Name], idx, obj)
		}
	}
	return fmt.Errorf("storage: store %s has no column %q", s.name, name)
}

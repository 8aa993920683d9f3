package storage

// Base carries the bookkeeping every storable object needs: its index per
// owning store, the optional immutable UID, the optional name (mutable
// until first save or load), and the cached serialized payload. Domain
// types embed Base by value.
//
// An object is typically registered in exactly one store, but the index
// map keys by store so the rare multi-store case works too.
type Base struct {
	idx       map[*Store]int
	uid       string
	name      string
	nameSet   bool
	nameFixed bool

	// payload is the most recent serialized form. Once set it is treated
	// as authoritative and reused verbatim on save.
	payload []byte
}

// Storable is implemented by every type the engine can persist. Embedding
// [Base] provides the implementation.
type Storable interface {
	base() *Base
}

func (b *Base) base() *Base { return b }

// StoreIndex returns the object's index in the given store, if it has been
// saved or loaded there.
func (b *Base) StoreIndex(s *Store) (int, bool) {
	idx, ok := b.idx[s]
	return idx, ok
}

func (b *Base) setIndex(s *Store, idx int) {
	if b.idx == nil {
		b.idx = map[*Store]int{}
	}
	b.idx[s] = idx
}

func (b *Base) clearIndex(s *Store) {
	delete(b.idx, s)
}

// UID returns the externally-meaningful identifier, or "" if unset.
func (b *Base) UID() string {
	return b.uid
}

// SetUID sets the UID. It can be set exactly once.
func (b *Base) SetUID(uid string) error {
	if b.uid != "" {
		return ErrUIDRewrite
	}
	b.uid = uid
	return nil
}

// Name returns the display name, or "" if unset.
func (b *Base) Name() string {
	return b.name
}

// SetName sets the display name. The name becomes read-only the first time
// the object is saved or loaded.
func (b *Base) SetName(name string) error {
	if b.nameFixed {
		return ErrNameFixed
	}
	b.name = name
	b.nameSet = true
	return nil
}

func (b *Base) fixName() {
	b.nameFixed = true
}

// setLoadedName installs the name read from the name column and freezes it.
func (b *Base) setLoadedName(name string) {
	b.name = name
	b.nameSet = true
	b.nameFixed = true
}

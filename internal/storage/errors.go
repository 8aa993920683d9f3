package storage

import "errors"

// Contract violations propagate as hard errors; soft data-absence
// conditions (out-of-range loads, unknown names) return nil results and a
// warning log instead.
var (
	// ErrNotNamed is returned for name lookups on a store that was not
	// registered with HasName.
	ErrNotNamed = errors.New("storage: store has no name column")

	// ErrNameUnset is returned when a nameable object reaches save time
	// without a name. The name column cannot hold a placeholder.
	ErrNameUnset = errors.New("storage: nameable object has no name set")

	// ErrNameFixed is returned when renaming an object after it was saved
	// or loaded.
	ErrNameFixed = errors.New("storage: name is fixed once stored")

	// ErrUIDRewrite is returned when overwriting an already-set UID.
	ErrUIDRewrite = errors.New("storage: uid is immutable once set")

	// ErrIndexConflict is returned when an explicit save targets an index
	// that differs from the one the object already holds.
	ErrIndexConflict = errors.New("storage: object already saved under a different index")

	// ErrReadOnly is returned for mutations on a read-only storage.
	ErrReadOnly = errors.New("storage: storage is read-only")

	// ErrUnknownClass is returned when a payload names a class tag that no
	// registered definition claims.
	ErrUnknownClass = errors.New("storage: unknown class tag")

	// ErrDangling is returned when a payload references an index that has
	// no stored object.
	ErrDangling = errors.New("storage: dangling object reference")
)

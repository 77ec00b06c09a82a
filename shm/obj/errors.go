package obj

import "errors"

var (
	// ErrUnknownType indicates the type id was never registered.
	ErrUnknownType = errors.New("obj: unknown type")

	// ErrTypeConflict indicates a re-registration disagrees with the first one,
	// or with the type table stored in a resumed region.
	ErrTypeConflict = errors.New("obj: conflicting type registration")

	// ErrReservedType indicates a user registration used a reserved type id.
	ErrReservedType = errors.New("obj: reserved type id")

	// ErrPointerField indicates a payload type holds Go pointers and cannot
	// live in a region.
	ErrPointerField = errors.New("obj: payload type contains pointers")

	// ErrHashType indicates Create was called on a hash-keyed type.
	ErrHashType = errors.New("obj: type is hash-keyed, use CreateByHash")

	// ErrNotHashType indicates a hash operation on a type without an index.
	ErrNotHashType = errors.New("obj: type has no hash index")

	// ErrDuplicateKey indicates a hash key is already present.
	ErrDuplicateKey = errors.New("obj: duplicate hash key")

	// ErrNoSpace indicates a type's fixed capacity is exhausted.
	ErrNoSpace = errors.New("obj: type capacity exhausted")

	// ErrGIDExhausted indicates the global id space is exhausted.
	ErrGIDExhausted = errors.New("obj: global ids exhausted")

	// ErrStale indicates a handle whose object has been destroyed.
	ErrStale = errors.New("obj: stale handle")

	// ErrNotFound indicates no live object matches.
	ErrNotFound = errors.New("obj: object not found")

	// ErrCorrupt indicates index bookkeeping disagrees with itself: a chunk
	// whose back-index does not point back at it, a global id table entry
	// for the wrong object, and similar.
	ErrCorrupt = errors.New("obj: internal corruption")

	// ErrBusy indicates a type still has live objects.
	ErrBusy = errors.New("obj: type has live objects")

	// ErrStarted indicates a registration after Start.
	ErrStarted = errors.New("obj: runtime already started")
)

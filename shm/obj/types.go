package obj

import (
	"fmt"
	"unsafe"
)

// TypeID identifies a registered object type.
type TypeID uint16

// Reserved type ids. User types start at FirstUserType.
const (
	TypeNone         TypeID = 0
	TypeOwnerLinks   TypeID = 1
	TypeTimer        TypeID = 2
	TypeSubscription TypeID = 3
	TypeEventKey     TypeID = 4

	FirstUserType TypeID = 16
	MaxTypes             = 512
)

// ID is a global object id. Zero is never issued.
type ID uint64

// Header is the region-resident prefix of every object chunk.
type Header struct {
	Link  int32 // index in the segment's dense vector
	Type  TypeID
	Flags uint16
	Seq   uint64 // live sequence; zero once destroyed
	GID   ID
	Key   uint64 // hash key for hash-indexed types
}

// HeaderSize is the byte size of Header.
const HeaderSize = int(unsafe.Sizeof(Header{}))

const (
	flagLive       uint16 = 1 << 0
	flagHashed     uint16 = 1 << 1
	flagDestroying uint16 = 1 << 2
)

// Ref addresses an object by type and chunk index. It is the unchecked
// reference: valid as long as the caller knows the target is alive.
type Ref struct {
	Type  TypeID
	Chunk int32
}

// NilRef is the zero reference.
var NilRef = Ref{Chunk: -1}

// IsNil reports whether r addresses nothing.
func (r Ref) IsNil() bool { return r.Type == TypeNone || r.Chunk < 0 }

func (r Ref) String() string { return fmt.Sprintf("%d/%d", r.Type, r.Chunk) }

// Handle is a generation-checked reference. It stays pointer-free so it can
// be stored inside region-resident payloads.
type Handle struct {
	GID ID
	Seq uint64
}

// IsZero reports whether h was never set or has been reset.
func (h Handle) IsZero() bool { return h.GID == 0 }

// Spec describes a type at registration.
type Spec struct {
	ID        TypeID
	Name      string
	Capacity  int
	Parent    TypeID // TypeNone for a root type
	Hashed    bool   // objects are addressed by a uint64 key
	Singleton bool   // capacity forced to 1, created at Start
	PerBlock  int    // chunks per pool block; 0 picks the default
	FreeToSys bool   // release fully empty blocks to the OS
}

// Hooks is the lifecycle capability set of a type.
type Hooks interface {
	// Create initialises a freshly allocated object. The payload is zeroed.
	// Returning an error destroys the object again.
	Create(rt *Runtime, ref Ref) error
	// Resume is called once per live object when a region is resumed.
	Resume(rt *Runtime, ref Ref) error
	// Destroy runs before the object's chunk is freed.
	Destroy(rt *Runtime, ref Ref)
}

// NopHooks implements Hooks with no behaviour. Embed it to override a subset.
type NopHooks struct{}

func (NopHooks) Create(*Runtime, Ref) error { return nil }
func (NopHooks) Resume(*Runtime, Ref) error { return nil }
func (NopHooks) Destroy(*Runtime, Ref)      {}

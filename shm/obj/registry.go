package obj

import (
	"fmt"
	"reflect"
	"unsafe"

	"github.com/joshuapare/shmkit/shm/region"
)

const metaMagic = 0x4154454d // "META"

// typeRecord is the region-resident copy of a registration, used to detect a
// process resuming a region with a different type layout.
type typeRecord struct {
	ID       TypeID
	Flags    uint16
	Size     uint32
	Capacity uint32
	Parent   TypeID
	_        uint16
}

const (
	recHashed    uint16 = 1 << 0
	recSingleton uint16 = 1 << 1
	recPresent   uint16 = 1 << 15
)

// meta is the region-resident runtime header.
type meta struct {
	Magic   uint32
	_       uint32
	NextSeq uint64
	_       [48]byte
	Types   [MaxTypes]typeRecord
}

// TypeInfo is the registration of one type.
type TypeInfo struct {
	Spec
	Size     int          // payload bytes
	GoType   reflect.Type // nil for type-erased registrations
	Children []TypeID     // direct child types
	hooks    Hooks
	seg      *Segment
}

// Hooks returns the type's lifecycle hooks.
func (t *TypeInfo) Hooks() Hooks { return t.hooks }

func (t *TypeInfo) record() typeRecord {
	rec := typeRecord{
		ID:       t.ID,
		Flags:    recPresent,
		Size:     uint32(t.Size),
		Capacity: uint32(t.Capacity),
		Parent:   t.Parent,
	}
	if t.Hashed {
		rec.Flags |= recHashed
	}
	if t.Singleton {
		rec.Flags |= recSingleton
	}
	return rec
}

func openMeta(r *region.Region) (*meta, region.Extent, error) {
	ext, err := r.Extent("obj.meta", int(unsafe.Sizeof(meta{})))
	if err != nil {
		return nil, ext, err
	}
	m := region.At[meta](ext, 0)
	if m.Magic == 0 {
		m.Magic = metaMagic
		m.NextSeq = 1
		ext.Touch(0, 16)
	} else if m.Magic != metaMagic {
		return nil, ext, fmt.Errorf("obj meta magic %#x: %w", m.Magic, region.ErrLayoutMismatch)
	}
	return m, ext, nil
}

// Register adds a type whose payload is size bytes. Registering the same
// spec and size again is a no-op; anything else conflicting is an error.
func (rt *Runtime) Register(spec Spec, size int, hooks Hooks) error {
	if spec.ID < FirstUserType {
		return fmt.Errorf("register %q id %d: %w", spec.Name, spec.ID, ErrReservedType)
	}
	return rt.register(spec, size, nil, hooks)
}

// RegisterSystem is Register for the reserved ids below FirstUserType. It is
// meant for runtime subsystems (timers, subscriptions) that keep their own
// records as objects.
func (rt *Runtime) RegisterSystem(spec Spec, size int, hooks Hooks) error {
	if spec.ID >= FirstUserType {
		return fmt.Errorf("register system %q id %d: %w", spec.Name, spec.ID, ErrReservedType)
	}
	return rt.register(spec, size, nil, hooks)
}

func (rt *Runtime) register(spec Spec, size int, goType reflect.Type, hooks Hooks) error {
	if spec.ID == TypeNone || int(spec.ID) >= MaxTypes {
		return fmt.Errorf("register %q id %d: %w", spec.Name, spec.ID, ErrUnknownType)
	}
	if spec.Singleton {
		spec.Capacity = 1
	}
	if spec.Capacity <= 0 || size < 0 {
		return fmt.Errorf("register %q capacity %d size %d: %w", spec.Name, spec.Capacity, size, ErrTypeConflict)
	}
	if hooks == nil {
		hooks = NopHooks{}
	}

	if prev := rt.types[spec.ID]; prev != nil {
		if prev.Spec != spec || prev.Size != size {
			return fmt.Errorf("register %q over %q (id %d): %w", spec.Name, prev.Name, spec.ID, ErrTypeConflict)
		}
		prev.hooks = hooks
		return nil
	}
	if rt.started {
		return fmt.Errorf("register %q: %w", spec.Name, ErrStarted)
	}
	if spec.Parent != TypeNone {
		parent := rt.types[spec.Parent]
		if parent == nil {
			return fmt.Errorf("register %q: parent %d: %w", spec.Name, spec.Parent, ErrUnknownType)
		}
	}

	info := &TypeInfo{Spec: spec, Size: size, GoType: goType, hooks: hooks}
	rec := info.record()
	stored := &rt.meta.Types[spec.ID]
	if stored.Flags&recPresent != 0 && *stored != rec {
		return fmt.Errorf("register %q: region has {size %d, capacity %d, parent %d, flags %#x}: %w: %w",
			spec.Name, stored.Size, stored.Capacity, stored.Parent, stored.Flags, ErrTypeConflict, region.ErrLayoutMismatch)
	}

	seg, err := openSegment(rt.reg, spec, size, rt.log)
	if err != nil {
		return fmt.Errorf("register %q: %w", spec.Name, err)
	}
	info.seg = seg
	*stored = rec
	rt.metaExt.Touch(int(unsafe.Offsetof(meta{}.Types))+int(spec.ID)*int(unsafe.Sizeof(typeRecord{})), int(unsafe.Sizeof(typeRecord{})))

	rt.types[spec.ID] = info
	rt.order = append(rt.order, spec.ID)
	if spec.Parent != TypeNone {
		parent := rt.types[spec.Parent]
		parent.Children = append(parent.Children, spec.ID)
	}
	rt.log.Debug("obj: type registered", "type", spec.ID, "name", spec.Name, "capacity", spec.Capacity, "size", size)
	return nil
}

// Unregister drops a type with no live objects from the process registry.
// Its region extents stay carved so a later registration reuses them.
func (rt *Runtime) Unregister(id TypeID) error {
	info := rt.types[id]
	if info == nil {
		return fmt.Errorf("unregister %d: %w", id, ErrUnknownType)
	}
	if info.seg.Count() > 0 {
		return fmt.Errorf("unregister %q: %d live: %w", info.Name, info.seg.Count(), ErrBusy)
	}
	if len(info.Children) > 0 {
		return fmt.Errorf("unregister %q: has child types: %w", info.Name, ErrBusy)
	}
	if info.Parent != TypeNone {
		if parent := rt.types[info.Parent]; parent != nil {
			for i, c := range parent.Children {
				if c == id {
					parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
					break
				}
			}
		}
	}
	rt.types[id] = nil
	for i, t := range rt.order {
		if t == id {
			rt.order = append(rt.order[:i], rt.order[i+1:]...)
			break
		}
	}
	return nil
}

// Type returns the registration of id.
func (rt *Runtime) Type(id TypeID) (*TypeInfo, bool) {
	if int(id) >= MaxTypes {
		return nil, false
	}
	info := rt.types[id]
	return info, info != nil
}

// Types returns registered type ids in registration order.
func (rt *Runtime) Types() []TypeID {
	return append([]TypeID(nil), rt.order...)
}

// IsA reports whether typ is base or descends from it.
func (rt *Runtime) IsA(typ, base TypeID) bool {
	for t := typ; t != TypeNone; {
		if t == base {
			return true
		}
		info := rt.types[t]
		if info == nil {
			return false
		}
		t = info.Parent
	}
	return false
}

// checkPointerFree reports whether values of t may live in region memory.
func checkPointerFree(t reflect.Type) error {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return nil
	case reflect.Array:
		return checkPointerFree(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if err := checkPointerFree(f.Type); err != nil {
				return fmt.Errorf("%s.%s: %w", t.Name(), f.Name, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("%s kind %s: %w", t, t.Kind(), ErrPointerField)
	}
}

// StoredType is a type record as kept in the region, whether or not this
// process registered the type.
type StoredType struct {
	ID         TypeID
	Size       int
	Capacity   int
	Parent     TypeID
	Hashed     bool
	Singleton  bool
	Registered bool
}

// StoredTypes lists the region's type table in id order.
func (rt *Runtime) StoredTypes() []StoredType {
	var out []StoredType
	for i, rec := range rt.meta.Types {
		if rec.Flags&recPresent == 0 {
			continue
		}
		out = append(out, StoredType{
			ID:         TypeID(i),
			Size:       int(rec.Size),
			Capacity:   int(rec.Capacity),
			Parent:     rec.Parent,
			Hashed:     rec.Flags&recHashed != 0,
			Singleton:  rec.Flags&recSingleton != 0,
			Registered: rt.types[i] != nil,
		})
	}
	return out
}

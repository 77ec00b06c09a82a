package obj

import (
	"fmt"
	"reflect"
	"unsafe"
)

// HandleOf returns a generation-checked handle for ref, or the zero handle
// when ref is not live.
func (rt *Runtime) HandleOf(ref Ref) Handle {
	_, h, ok := rt.live(ref)
	if !ok {
		return Handle{}
	}
	return Handle{GID: h.GID, Seq: h.Seq}
}

// Resolve returns the object h was minted for. When that object is gone, h
// is reset to the zero handle and Resolve reports false.
func (h *Handle) Resolve(rt *Runtime) (Ref, bool) {
	ref, ok := h.Peek(rt)
	if !ok {
		*h = Handle{}
	}
	return ref, ok
}

// Peek is Resolve without resetting h.
func (h Handle) Peek(rt *Runtime) (Ref, bool) {
	if h.GID == 0 {
		return NilRef, false
	}
	ref, ok := rt.Get(h.GID)
	if !ok {
		return NilRef, false
	}
	if _, hdr, _ := rt.live(ref); hdr.Seq != h.Seq {
		return NilRef, false
	}
	return ref, true
}

// Kind is the typed view of one registered type. T is the payload layout;
// it must not contain Go pointers.
type Kind[T any] struct {
	ID TypeID
	rt *Runtime
}

// Register registers a user type whose payload is T.
func Register[T any](rt *Runtime, spec Spec, hooks Hooks) (Kind[T], error) {
	if spec.ID < FirstUserType {
		return Kind[T]{}, fmt.Errorf("register %q id %d: %w", spec.Name, spec.ID, ErrReservedType)
	}
	return register[T](rt, spec, hooks)
}

// RegisterSystem registers a reserved type whose payload is T.
func RegisterSystem[T any](rt *Runtime, spec Spec, hooks Hooks) (Kind[T], error) {
	if spec.ID >= FirstUserType {
		return Kind[T]{}, fmt.Errorf("register system %q id %d: %w", spec.Name, spec.ID, ErrReservedType)
	}
	return register[T](rt, spec, hooks)
}

func register[T any](rt *Runtime, spec Spec, hooks Hooks) (Kind[T], error) {
	t := reflect.TypeFor[T]()
	if err := checkPointerFree(t); err != nil {
		return Kind[T]{}, fmt.Errorf("register %q: %w", spec.Name, err)
	}
	var zero T
	if err := rt.register(spec, int(unsafe.Sizeof(zero)), t, hooks); err != nil {
		return Kind[T]{}, err
	}
	return Kind[T]{ID: spec.ID, rt: rt}, nil
}

// KindOf returns the typed view of an already registered type.
func KindOf[T any](rt *Runtime, id TypeID) (Kind[T], error) {
	info, err := rt.info(id)
	if err != nil {
		return Kind[T]{}, err
	}
	if info.GoType != reflect.TypeFor[T]() {
		return Kind[T]{}, fmt.Errorf("kind %q: registered as %v: %w", info.Name, info.GoType, ErrTypeConflict)
	}
	return Kind[T]{ID: id, rt: rt}, nil
}

// Runtime returns the runtime k belongs to.
func (k Kind[T]) Runtime() *Runtime { return k.rt }

// Create allocates a new object and returns its payload.
func (k Kind[T]) Create() (Ref, *T, error) {
	ref, err := k.rt.Create(k.ID)
	if err != nil {
		return NilRef, nil, err
	}
	return ref, k.Get(ref), nil
}

// CreateByHash allocates a new object under key.
func (k Kind[T]) CreateByHash(key uint64) (Ref, *T, error) {
	ref, err := k.rt.CreateByHash(k.ID, key)
	if err != nil {
		return NilRef, nil, err
	}
	return ref, k.Get(ref), nil
}

// Get returns ref's payload, or nil when ref is not a live object of k.
// The returned pointer is into region memory and is invalidated by Destroy.
func (k Kind[T]) Get(ref Ref) *T {
	if ref.Type != k.ID {
		return nil
	}
	p := k.rt.Payload(ref)
	if p == nil {
		if k.rt.Alive(ref) {
			return new(T)
		}
		return nil
	}
	return (*T)(p)
}

// View is Get for read-only use: it does not mark the chunk dirty.
func (k Kind[T]) View(ref Ref) *T {
	if ref.Type != k.ID {
		return nil
	}
	p := k.rt.View(ref)
	if p == nil {
		if k.rt.Alive(ref) {
			return new(T)
		}
		return nil
	}
	return (*T)(p)
}

// ByHash returns the object stored under key.
func (k Kind[T]) ByHash(key uint64) (Ref, *T, bool) {
	ref, ok := k.rt.GetByHash(k.ID, key)
	if !ok {
		return NilRef, nil, false
	}
	return ref, k.Get(ref), true
}

// ViewByHash is ByHash returning a View.
func (k Kind[T]) ViewByHash(key uint64) (Ref, *T, bool) {
	ref, ok := k.rt.GetByHash(k.ID, key)
	if !ok {
		return NilRef, nil, false
	}
	return ref, k.View(ref), true
}

// ByGID returns the object with global id gid when it is of type k.
func (k Kind[T]) ByGID(gid ID) (Ref, *T, bool) {
	ref, ok := k.rt.GetByGID(k.ID, gid, false)
	if !ok {
		return NilRef, nil, false
	}
	return ref, k.Get(ref), true
}

// Resolve resolves h and checks the object is of type k. A stale handle is
// reset.
func (k Kind[T]) Resolve(h *Handle) (Ref, *T, bool) {
	ref, ok := h.Resolve(k.rt)
	if !ok || ref.Type != k.ID {
		return NilRef, nil, false
	}
	return ref, k.Get(ref), true
}

// Singleton returns the only object of a singleton type.
func (k Kind[T]) Singleton() (Ref, *T, error) {
	ref, err := k.rt.Singleton(k.ID)
	if err != nil {
		return NilRef, nil, err
	}
	return ref, k.Get(ref), nil
}

// Each calls fn for every live object of k until fn returns false.
func (k Kind[T]) Each(fn func(Ref, *T) bool) {
	k.rt.Each(k.ID, func(ref Ref) bool { return fn(ref, k.Get(ref)) })
}

// Count returns the number of live objects of k.
func (k Kind[T]) Count() int { return k.rt.Count(k.ID) }

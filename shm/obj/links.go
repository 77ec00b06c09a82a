package obj

// Links anchors the per-owner lists kept by the timer wheel and the event
// bus. One Links object exists per owner that has at least one timer or
// subscription, keyed by the owner's global id, so the lists stay reachable
// after the owner itself is gone.
type Links struct {
	TimerHead  int32 // chunk of the first timer record, -1 when empty
	TimerCount int32
	SubHead    int32 // chunk of the first subscription record, -1 when empty
	SubCount   int32
}

type linkHooks struct{ NopHooks }

func (linkHooks) Create(rt *Runtime, ref Ref) error {
	l := rt.links.Get(ref)
	l.TimerHead, l.SubHead = -1, -1
	return nil
}

func registerLinks(rt *Runtime) (Kind[Links], error) {
	k, err := RegisterSystem[Links](rt, Spec{
		ID:       TypeOwnerLinks,
		Name:     "owner_links",
		Capacity: rt.ownerCap,
		Hashed:   true,
	}, linkHooks{})
	if err != nil {
		return k, err
	}
	rt.links = k
	return k, nil
}

// Links returns the list anchor of owner. With create it is made when
// missing; otherwise a missing anchor returns nil.
func (rt *Runtime) Links(owner ID, create bool) (*Links, error) {
	if _, l, ok := rt.links.ByHash(uint64(owner)); ok {
		return l, nil
	}
	if !create {
		return nil, nil
	}
	_, l, err := rt.links.CreateByHash(uint64(owner))
	if err != nil {
		return nil, err
	}
	return l, nil
}

// DropLinksIfEmpty removes owner's anchor once both of its lists are empty.
func (rt *Runtime) DropLinksIfEmpty(owner ID) {
	ref, l, ok := rt.links.ByHash(uint64(owner))
	if !ok || l.TimerCount > 0 || l.SubCount > 0 {
		return
	}
	_ = rt.Destroy(ref)
}

func (rt *Runtime) dropLinks(owner ID) {
	ref, l, ok := rt.links.ByHash(uint64(owner))
	if !ok {
		return
	}
	if l.TimerCount > 0 || l.SubCount > 0 {
		rt.log.Warn("obj: owner destroyed with attached records", "gid", owner, "timers", l.TimerCount, "subs", l.SubCount)
	}
	_ = rt.Destroy(ref)
}

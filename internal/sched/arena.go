package sched

import "sync/atomic"

// arena is a fixed-capacity slot table handing out generation-tagged handles.
// A handle packs the slot generation in its upper 32 bits and the slot index in the
// lower 32, so a stale handle never resolves to the slot's next occupant.
//
// alloc and release must be serialised by the caller (the global lock); get is lock-free.
type arena[T any] struct {
	slots []arenaSlot[T]
	free  []uint32
	used  int
}

type arenaSlot[T any] struct {
	gen atomic.Uint32
	val atomic.Pointer[T]
}

func newArena[T any](capacity int) *arena[T] {
	a := &arena[T]{slots: make([]arenaSlot[T], capacity)}
	a.free = make([]uint32, 0, capacity)
	for i := capacity - 1; i >= 0; i-- {
		a.free = append(a.free, uint32(i))
	}
	return a
}

// alloc reserves a slot, builds its value with the new handle and publishes it.
func (a *arena[T]) alloc(build func(h uint64) *T) (uint64, *T, error) {
	if len(a.free) == 0 {
		return 0, nil, ErrNoSpace
	}
	idx := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]

	s := &a.slots[idx]
	gen := s.gen.Add(1)
	h := uint64(gen)<<32 | uint64(idx)
	v := build(h)
	s.val.Store(v)
	a.used++
	return h, v, nil
}

func (a *arena[T]) get(h uint64) *T {
	idx := uint32(h)
	if int(idx) >= len(a.slots) {
		return nil
	}
	s := &a.slots[idx]
	v := s.val.Load()
	if v == nil || s.gen.Load() != uint32(h>>32) {
		return nil
	}
	return v
}

// release frees the slot behind h. It reports false for stale or unknown handles.
func (a *arena[T]) release(h uint64) bool {
	if a.get(h) == nil {
		return false
	}
	idx := uint32(h)
	s := &a.slots[idx]
	s.val.Store(nil)
	s.gen.Add(1)
	a.free = append(a.free, idx)
	a.used--
	return true
}

// each calls fn for every occupied slot in index order.
func (a *arena[T]) each(fn func(*T)) {
	for i := range a.slots {
		if v := a.slots[i].val.Load(); v != nil {
			fn(v)
		}
	}
}

func (a *arena[T]) len() int { return a.used }

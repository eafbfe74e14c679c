package binding

import (
	"sync"

	"go.uber.org/multierr"
)

// Handle is an opaque capability for a live native resource. The low 32 bits
// hold the slot index plus one and the high 32 bits hold the slot generation,
// so the zero Handle is never issued and a released handle never resolves
// again even after its slot is reused.
type Handle uint64

func makeHandle(index, generation uint32) Handle {
	return Handle(uint64(generation)<<32 | uint64(index+1))
}

func (h Handle) slot() (index uint32, generation uint32, ok bool) {
	low := uint32(h)
	if low == 0 {
		return 0, 0, false
	}
	return low - 1, uint32(h >> 32), true
}

// Releaser is implemented by values that own native memory. The table calls
// Release exactly once when the value's handle is released.
type Releaser interface {
	Release() error
}

// EventType identifies a table lifecycle event.
type EventType int

const (
	EventCreated EventType = iota
	EventReleased
)

func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "created"
	case EventReleased:
		return "released"
	default:
		return "unknown"
	}
}

// Event describes a lifecycle change in a Table.
type Event struct {
	Type   EventType
	Handle Handle
}

// Observer receives table lifecycle events.
type Observer interface {
	OnHandleEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnHandleEvent(e Event) { f(e) }

type slot[T any] struct {
	value      T
	generation uint32
	live       bool
}

// Table is a generation-checked slot map of natively owned values.
type Table[T any] struct {
	mu        sync.Mutex
	slots     []slot[T]
	free      []uint32
	live      int
	observers []Observer
}

// NewTable creates an empty table.
func NewTable[T any]() *Table[T] {
	return &Table[T]{}
}

// Create stores v and returns its handle.
func (t *Table[T]) Create(v T) Handle {
	t.mu.Lock()
	var index uint32
	if n := len(t.free); n > 0 {
		index = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		index = uint32(len(t.slots))
		t.slots = append(t.slots, slot[T]{})
	}
	s := &t.slots[index]
	s.value = v
	s.live = true
	t.live++
	h := makeHandle(index, s.generation)
	t.mu.Unlock()

	t.notify(Event{Type: EventCreated, Handle: h})
	return h
}

// Resolve returns the value behind h, or an InvalidHandle error if h is zero,
// unknown, or already released.
func (t *Table[T]) Resolve(h Handle) (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.lookup(h)
	if err != nil {
		var zero T
		return zero, err
	}
	return s.value, nil
}

// Take removes h from the table without releasing its value. Ownership of the
// value passes to the caller.
func (t *Table[T]) Take(h Handle) (T, error) {
	t.mu.Lock()
	s, err := t.lookup(h)
	if err != nil {
		t.mu.Unlock()
		var zero T
		return zero, err
	}
	v := s.value
	t.vacate(h)
	t.mu.Unlock()

	t.notify(Event{Type: EventReleased, Handle: h})
	return v, nil
}

// Release removes h from the table and releases its value. The handle is
// invalid afterwards even when the value's Release fails.
func (t *Table[T]) Release(h Handle) error {
	v, err := t.Take(h)
	if err != nil {
		return err
	}
	if r, ok := any(v).(Releaser); ok {
		return r.Release()
	}
	return nil
}

// Len returns the number of live handles.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

// Each calls fn for every live handle until fn returns false. The table is
// not locked while fn runs.
func (t *Table[T]) Each(fn func(Handle, T) bool) {
	type entry struct {
		h Handle
		v T
	}
	t.mu.Lock()
	entries := make([]entry, 0, t.live)
	for i := range t.slots {
		s := &t.slots[i]
		if s.live {
			entries = append(entries, entry{h: makeHandle(uint32(i), s.generation), v: s.value})
		}
	}
	t.mu.Unlock()

	for _, e := range entries {
		if !fn(e.h, e.v) {
			return
		}
	}
}

// Close releases every live value and returns the combined release errors.
func (t *Table[T]) Close() error {
	var handles []Handle
	t.Each(func(h Handle, _ T) bool {
		handles = append(handles, h)
		return true
	})
	var errs error
	for _, h := range handles {
		errs = multierr.Append(errs, t.Release(h))
	}
	return errs
}

// Subscribe adds an observer for lifecycle events.
func (t *Table[T]) Subscribe(o Observer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, o)
}

func (t *Table[T]) lookup(h Handle) (*slot[T], error) {
	index, generation, ok := h.slot()
	if !ok {
		return nil, newError(KindInvalidHandle, PhaseHandle, "handle is zero")
	}
	if int(index) >= len(t.slots) {
		return nil, newError(KindInvalidHandle, PhaseHandle, "handle %#x is unknown", uint64(h))
	}
	s := &t.slots[index]
	if !s.live || s.generation != generation {
		return nil, newError(KindInvalidHandle, PhaseHandle, "handle %#x is no longer live", uint64(h))
	}
	return s, nil
}

func (t *Table[T]) vacate(h Handle) {
	index, _, _ := h.slot()
	s := &t.slots[index]
	var zero T
	s.value = zero
	s.live = false
	s.generation++
	t.live--
	t.free = append(t.free, index)
}

func (t *Table[T]) notify(e Event) {
	t.mu.Lock()
	observers := t.observers
	t.mu.Unlock()
	for _, o := range observers {
		o.OnHandleEvent(e)
	}
}

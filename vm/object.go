package vm

import (
	"sort"
	"strings"
	"sync"
)

// Layout is the hidden class of an Object: an ordered list of field
// names. Layouts are immutable; adding a field moves an object to a
// child layout, and equal field sequences share one layout, so property
// sites can cache by layout identity.
type Layout struct {
	names []string
	index map[string]int

	mu          sync.Mutex
	transitions map[string]*Layout
}

// EmptyLayout is the layout of a new object.
var EmptyLayout = &Layout{index: map[string]int{}}

// Index returns the field index of name, or -1.
func (l *Layout) Index(name string) int {
	if i, ok := l.index[name]; ok {
		return i
	}
	return -1
}

// Names returns the field names in order.
func (l *Layout) Names() []string { return append([]string(nil), l.names...) }

// With returns the layout that adds name to l.
func (l *Layout) With(name string) *Layout {
	l.mu.Lock()
	defer l.mu.Unlock()
	if next := l.transitions[name]; next != nil {
		return next
	}
	next := &Layout{
		names: append(append([]string(nil), l.names...), name),
		index: make(map[string]int, len(l.index)+1),
	}
	for k, v := range l.index {
		next.index[k] = v
	}
	next.index[name] = len(l.names)
	if l.transitions == nil {
		l.transitions = make(map[string]*Layout)
	}
	l.transitions[name] = next
	return next
}

// Object is a record of named fields.
type Object struct {
	layout *Layout
	fields []Value
}

// NewObject returns an empty object.
func NewObject() *Object {
	return &Object{layout: EmptyLayout}
}

// Layout returns the current layout of o.
func (o *Object) Layout() *Layout { return o.layout }

// Get returns the field name.
func (o *Object) Get(name string) (Value, bool) {
	i := o.layout.Index(name)
	if i < 0 {
		return nil, false
	}
	return o.fields[i], true
}

// Set stores v into the field name, adding it if needed.
func (o *Object) Set(name string, v Value) {
	i := o.layout.Index(name)
	if i < 0 {
		o.store(propSlot{index: -1, next: o.layout.With(name)}, v)
		return
	}
	o.fields[i] = v
}

func (o *Object) field(i int) Value {
	if i < 0 {
		return nil
	}
	return o.fields[i]
}

func (o *Object) store(slot propSlot, v Value) {
	if slot.next != nil {
		o.fields = append(o.fields, v)
		o.layout = slot.next
		return
	}
	o.fields[slot.index] = v
}

func (o *Object) String() string {
	names := o.layout.Names()
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, n := range names {
		v, _ := o.Get(n)
		parts[i] = n + ": " + Format(v)
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

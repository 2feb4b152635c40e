package value

import (
	"strconv"
	"strings"
)

// Class distinguishes the object representations the engine knows about.
type Class uint8

const (
	ClassObject Class = iota
	ClassArray
	ClassFunction
	ClassNative
)

func (c Class) String() string {
	switch c {
	case ClassArray:
		return "Array"
	case ClassFunction:
		return "Function"
	case ClassNative:
		return "Native"
	}
	return "Object"
}

// Shape describes the named-slot layout of an object. Shapes form a
// transition tree rooted at the heap's empty shape; objects that add the same
// properties in the same order share a shape.
type Shape struct {
	id          uint32
	heap        *Heap
	parent      *Shape
	name        string
	index       map[string]int
	transitions map[string]*Shape
}

// ID returns the shape identifier. Guards compare these.
func (s *Shape) ID() uint32 { return s.id }

// Len returns the number of named slots.
func (s *Shape) Len() int { return len(s.index) }

// Lookup returns the slot index of name.
func (s *Shape) Lookup(name string) (int, bool) {
	i, ok := s.index[name]
	return i, ok
}

// Names returns property names in slot order.
func (s *Shape) Names() []string {
	names := make([]string, len(s.index))
	for n, i := range s.index {
		names[i] = n
	}
	return names
}

func (s *Shape) with(name string) *Shape {
	if next, ok := s.transitions[name]; ok {
		return next
	}
	index := make(map[string]int, len(s.index)+1)
	for k, v := range s.index {
		index[k] = v
	}
	index[name] = len(s.index)
	next := &Shape{id: s.heap.newShapeID(), heap: s.heap, parent: s, name: name, index: index}
	if s.transitions == nil {
		s.transitions = make(map[string]*Shape)
	}
	s.transitions[name] = next
	return next
}

// Native is a host function callable from scripts.
type Native struct {
	Name  string
	Arity int
	Fn    func(h *Heap, this Value, args []Value) (Value, error)
}

// Object is a heap object: named slots laid out by its shape plus, for
// arrays, dense elements.
type Object struct {
	Class  Class
	shape  *Shape
	slots  []Value
	Elems  []Value
	Fn     any // script function body for ClassFunction
	Native *Native
	Name   string
}

func (o *Object) Shape() *Shape { return o.shape }

// IsCallable reports whether o can be the target of a call.
func (o *Object) IsCallable() bool { return o.Class == ClassFunction || o.Class == ClassNative }

// Get reads a named property. Arrays expose length.
func (o *Object) Get(name string) (Value, bool) {
	if o.Class == ClassArray && name == "length" {
		return Int(int32(len(o.Elems))), true
	}
	if i, ok := o.shape.Lookup(name); ok {
		return o.slots[i], true
	}
	return Undefined(), false
}

// Set writes a named property, transitioning the shape when it is new.
func (o *Object) Set(name string, v Value) {
	if i, ok := o.shape.Lookup(name); ok {
		o.slots[i] = v
		return
	}
	o.shape = o.shape.with(name)
	o.slots = append(o.slots, v)
}

// Slot reads named slot i.
func (o *Object) Slot(i int) Value { return o.slots[i] }

// SetSlot writes named slot i.
func (o *Object) SetSlot(i int, v Value) { o.slots[i] = v }

// GetElem reads element i; holes and out-of-range reads yield undefined.
func (o *Object) GetElem(i int) Value {
	if i < 0 || i >= len(o.Elems) {
		return Undefined()
	}
	if v := o.Elems[i]; v.kind != KindHole {
		return v
	}
	return Undefined()
}

// SetElem writes element i, growing the array with holes when needed.
func (o *Object) SetElem(i int, v Value) {
	for len(o.Elems) <= i {
		o.Elems = append(o.Elems, Hole())
	}
	o.Elems[i] = v
}

func (o *Object) String() string {
	switch o.Class {
	case ClassArray:
		parts := make([]string, len(o.Elems))
		for i := range o.Elems {
			if o.Elems[i].kind != KindHole {
				parts[i] = o.Elems[i].String()
			}
		}
		return strings.Join(parts, ",")
	case ClassFunction, ClassNative:
		return "function " + o.Name
	}
	return "[object Object]"
}

// ============================================================================
// Allocation
// ============================================================================

func (h *Heap) newObject(c Class) *Object {
	h.alloc(1)
	return &Object{Class: c, shape: h.root}
}

// NewObject allocates an empty plain object.
func (h *Heap) NewObject() *Object { return h.newObject(ClassObject) }

// NewArray allocates an array holding elems.
func (h *Heap) NewArray(elems []Value) *Object {
	o := h.newObject(ClassArray)
	o.Elems = elems
	return o
}

// NewFunction allocates a script function object around fn.
func (h *Heap) NewFunction(name string, fn any) *Object {
	o := h.newObject(ClassFunction)
	o.Name = name
	o.Fn = fn
	return o
}

// NewNative allocates a native function object.
func (h *Heap) NewNative(n *Native) *Object {
	o := h.newObject(ClassNative)
	o.Name = n.Name
	o.Native = n
	return o
}

// ShapeName renders a shape for diagnostics.
func ShapeName(s *Shape) string {
	return "shape#" + strconv.FormatUint(uint64(s.id), 10)
}

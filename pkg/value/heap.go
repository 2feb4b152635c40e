package value

// Heap owns allocation accounting, shapes and the collection hooks the JIT
// listens to. Collection itself is modelled: values are Go-managed, but a
// collection still runs its hooks, which is what invalidates compiled code.
type Heap struct {
	root      *Shape
	nextShape uint32

	allocated int
	limit     int

	onTrace     bool
	pending     bool
	collections int
	hooks       []func()

	reserve    int
	poolMisses int
}

// NewHeap returns a heap that collects after limit allocations. A limit of 0
// disables automatic collection.
func NewHeap(limit int) *Heap {
	h := &Heap{limit: limit}
	h.root = &Shape{id: h.newShapeID(), heap: h, index: map[string]int{}}
	return h
}

func (h *Heap) newShapeID() uint32 {
	h.nextShape++
	return h.nextShape
}

// EmptyShape returns the root of the shape tree.
func (h *Heap) EmptyShape() *Shape { return h.root }

func (h *Heap) alloc(n int) {
	h.allocated += n
	if h.limit > 0 && h.allocated >= h.limit {
		h.Collect()
	}
}

// Collect runs a collection. While compiled code is running or being
// recorded the request is deferred until SetOnTrace(false).
func (h *Heap) Collect() bool {
	if h.onTrace {
		h.pending = true
		return false
	}
	h.pending = false
	h.allocated = 0
	h.collections++
	for _, fn := range h.hooks {
		fn()
	}
	return true
}

// OnCollect registers fn to run on every collection.
func (h *Heap) OnCollect(fn func()) { h.hooks = append(h.hooks, fn) }

// SetOnTrace raises or lowers the on-trace flag. Lowering it runs any
// collection requested in the meantime.
func (h *Heap) SetOnTrace(on bool) {
	h.onTrace = on
	if !on && h.pending {
		h.Collect()
	}
}

func (h *Heap) OnTrace() bool { return h.onTrace }

// Pending reports whether a collection was requested on trace and has not
// run yet.
func (h *Heap) Pending() bool { return h.pending }

// Collections returns the number of collections that have run.
func (h *Heap) Collections() int { return h.collections }

// Replenish refills the recovery pool to n cells. It must be called off
// trace since it may collect.
func (h *Heap) Replenish(n int) {
	if h.reserve >= n {
		return
	}
	need := n - h.reserve
	h.reserve = n
	h.alloc(need)
}

// Reserve returns the number of pooled cells.
func (h *Heap) Reserve() int { return h.reserve }

// PoolMisses counts doubles boxed with an empty pool.
func (h *Heap) PoolMisses() int { return h.poolMisses }

// BoxDouble boxes f for storage in an interpreter slot. Non-integral
// doubles take a cell from the recovery pool; this never collects.
func (h *Heap) BoxDouble(f float64) Value {
	v := Number(f)
	if v.kind != KindDouble {
		return v
	}
	if h.reserve > 0 {
		h.reserve--
	} else {
		h.poolMisses++
		h.allocated++
	}
	return v
}

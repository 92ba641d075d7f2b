package value

const (
	sweepThreshold  = 2048 // should_sweep() default, §4.1
	poolCap         = 2048 // per-pool bound, §4.2
	oversizedArray  = 1024 // arrays longer than this bypass recycling, §4.2
)

// RootProvider is implemented by whatever owns the live Values a GC
// pass must not collect (the VM implements it for its stacks, frames,
// globals and host globals). Collect calls GCRoots once per pass and
// expects every reachable Value to be yielded; pinned objects and the
// interned overload keys are marked by the Heap itself.
type RootProvider interface {
	GCRoots(yield func(Value))
}

// Heap is the mark-sweep collector and object allocator (§4.1/§4.2).
type Heap struct {
	live []*Object

	arrayPool   []*Object
	mapPool     []*Object
	genericPool []*Object

	pinned map[*Object]bool

	allocSinceSweep int

	// internedOverloadKeys holds the pre-interned operator-overload
	// magic-key strings (§4.8) so they are always reachable without
	// being re-hashed/re-allocated on every dispatch.
	internedOverloadKeys map[string]Value

	Stats Stats
}

type Stats struct {
	Allocations  int
	Sweeps       int
	LiveObjects  int
	PooledHits   int
	RecycledLast int
}

func NewHeap() *Heap {
	return &Heap{
		pinned:               make(map[*Object]bool),
		internedOverloadKeys: make(map[string]Value),
	}
}

// ShouldSweep is should_sweep(): true once the allocation counter
// exceeds the default threshold.
func (h *Heap) ShouldSweep() bool { return h.allocSinceSweep > sweepThreshold }

func (h *Heap) fromPool(typ ObjectType) *Object {
	var pool *[]*Object
	switch typ {
	case ObjArray:
		pool = &h.arrayPool
	case ObjMap:
		pool = &h.mapPool
	default:
		pool = &h.genericPool
	}
	n := len(*pool)
	if n == 0 {
		return nil
	}
	obj := (*pool)[n-1]
	*pool = (*pool)[:n-1]
	h.Stats.PooledHits++
	return obj
}

// Alloc is alloc_object_data(type): returns a zeroed, unmarked heap
// object of the requested variant, preferring a recycled slot.
func (h *Heap) Alloc(typ ObjectType) *Object {
	h.allocSinceSweep++
	h.Stats.Allocations++

	obj := h.fromPool(typ)
	if obj == nil {
		obj = &Object{Heap: h}
	}
	obj.Type = typ
	obj.Marked = false

	switch typ {
	case ObjString:
		obj.Str = &StringData{}
	case ObjArray:
		if obj.Arr == nil {
			obj.Arr = &ArrayData{}
		} else {
			obj.Arr.Elems = obj.Arr.Elems[:0]
		}
	case ObjMap:
		if obj.Map == nil {
			obj.Map = NewMapData()
		} else {
			obj.Map.reset()
		}
	case ObjFunction:
		obj.Fn = &FunctionData{}
	case ObjNativeFunction:
		obj.Native = &NativeData{}
	case ObjError:
		obj.Err = &ErrorData{}
	case ObjExternal:
		obj.Ext = &ExternalData{}
	}

	h.live = append(h.live, obj)
	return obj
}

// NewString allocates an interned-hash string object.
func (h *Heap) NewString(s string) Value {
	obj := h.Alloc(ObjString)
	obj.Str.Str = s
	obj.Str.Hash = djb2(s)
	return FromObject(obj)
}

// OverloadKey returns the pre-interned Value for a magic operator-
// overload key string (e.g. "__operator_add__"), interning it on first
// use; see §4.8/§9.
func (h *Heap) OverloadKey(name string) Value {
	if v, ok := h.internedOverloadKeys[name]; ok {
		return v
	}
	v := h.NewString(name)
	h.internedOverloadKeys[name] = v
	return v
}

func (h *Heap) NewArray(elems []Value) Value {
	obj := h.Alloc(ObjArray)
	obj.Arr.Elems = append(obj.Arr.Elems, elems...)
	return FromObject(obj)
}

func (h *Heap) NewMap() Value {
	obj := h.Alloc(ObjMap)
	return FromObject(obj)
}

func (h *Heap) NewFunction(fn *FunctionData) Value {
	obj := h.Alloc(ObjFunction)
	*obj.Fn = *fn
	return FromObject(obj)
}

func (h *Heap) NewNative(nd *NativeData) Value {
	obj := h.Alloc(ObjNativeFunction)
	*obj.Native = *nd
	return FromObject(obj)
}

func (h *Heap) NewError(message string, tb interface{}) Value {
	obj := h.Alloc(ObjError)
	obj.Err.Message = message
	obj.Err.Traceback = tb
	return FromObject(obj)
}

func (h *Heap) NewExternal(data interface{}, destroy func(interface{}), copy func(interface{}) interface{}) Value {
	obj := h.Alloc(ObjExternal)
	obj.Ext.Data = data
	obj.Ext.Destroy = destroy
	obj.Ext.Copy = copy
	return FromObject(obj)
}

// Pin/Unpin: pin prevents GC of a specific heap object regardless of
// reachability (§4.1), used by the embedder to hold references across
// potential collections.
func (h *Heap) Pin(v Value) {
	if v.kind == KindHeap && v.obj != nil {
		h.pinned[v.obj] = true
	}
}

func (h *Heap) Unpin(v Value) {
	if v.kind == KindHeap && v.obj != nil {
		delete(h.pinned, v.obj)
	}
}

// Collect runs one mark-sweep pass (§4.2). Roots are supplied by src;
// marking recurses into Array/Map/Function (following captured free
// values); sweeping partitions the live-set into kept and dead,
// recycling dead objects into the appropriate pool up to its cap, or
// letting them drop for the Go GC to reclaim.
func (h *Heap) Collect(src RootProvider) {
	for obj := range h.pinned {
		h.mark(FromObject(obj))
	}
	for k := range h.internedOverloadKeys {
		h.mark(h.internedOverloadKeys[k])
	}
	src.GCRoots(func(v Value) { h.mark(v) })

	kept := h.live[:0]
	recycled := 0
	for _, obj := range h.live {
		if obj.Marked {
			obj.Marked = false
			kept = append(kept, obj)
			continue
		}
		if h.recycle(obj) {
			recycled++
		}
	}
	h.live = kept

	h.allocSinceSweep = 0
	h.Stats.Sweeps++
	h.Stats.LiveObjects = len(h.live)
	h.Stats.RecycledLast = recycled
}

func (h *Heap) recycle(obj *Object) bool {
	switch obj.Type {
	case ObjArray:
		if len(obj.Arr.Elems) > oversizedArray || len(h.arrayPool) >= poolCap {
			return false
		}
		obj.Type = ObjFreed
		h.arrayPool = append(h.arrayPool, obj)
		return true
	case ObjMap:
		if len(h.mapPool) >= poolCap {
			return false
		}
		obj.Type = ObjFreed
		h.mapPool = append(h.mapPool, obj)
		return true
	default:
		if len(h.genericPool) >= poolCap {
			return false
		}
		obj.Type = ObjFreed
		h.genericPool = append(h.genericPool, obj)
		return true
	}
}

func (h *Heap) mark(v Value) {
	if v.kind != KindHeap || v.obj == nil || v.obj.Marked {
		return
	}
	obj := v.obj
	obj.Marked = true
	switch obj.Type {
	case ObjArray:
		for _, e := range obj.Arr.Elems {
			h.mark(e)
		}
	case ObjMap:
		for _, k := range obj.Map.Keys {
			h.mark(k)
		}
		for _, val := range obj.Map.Vals {
			h.mark(val)
		}
	case ObjFunction:
		for _, f := range obj.Fn.Free {
			h.mark(f)
		}
		if obj.Fn.Code != nil {
			for _, c := range obj.Fn.Code.Constants {
				h.mark(c)
			}
		}
	}
}

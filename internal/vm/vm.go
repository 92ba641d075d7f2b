// Package vm implements the stack-based bytecode interpreter (§4.8):
// fixed-size operand/this/frame stacks, a per-VM module-globals array,
// a separate host-globals store, operator-overload dispatch via magic
// map keys, error-recovery frame unwinding, and an optional wall-clock
// execution timeout.
package vm

import (
	"fmt"
	"math"
	"time"

	"sentra/internal/bytecode"
	"sentra/internal/errors"
	"sentra/internal/value"
)

const (
	stackCapacity = 2048
	thisCapacity  = 2048
	frameCapacity = 2048
	sampleEvery   = 1000 // instructions between timeout/GC checks, §4.8
)

// Frame is one activation record (§4.8): the function being executed,
// the instruction pointer, the ip the current opcode started at
// (srcIP, used for error positions and tracebacks), a base pointer
// into the operand stack, and the fields an enclosing `recover`
// installs so the VM can retarget execution into it on error.
type Frame struct {
	fn           *value.Object
	ip           int
	srcIP        int
	basePointer  int
	recoverIP    int
	isRecovering bool
}

// GlobalStore holds the embedder's ordered host globals (constants and
// native functions), indexed identically to the compiler's
// HostGlobalScope symbols (§4.5) - a VM and the Compiler that produced
// its bytecode must be built from the same ordered name list.
type GlobalStore struct {
	Names  []string
	Values []value.Value
}

func NewGlobalStore(names []string, values []value.Value) *GlobalStore {
	return &GlobalStore{Names: names, Values: values}
}

func (g *GlobalStore) Get(ix int) value.Value {
	if g == nil || ix < 0 || ix >= len(g.Values) {
		return value.Null
	}
	return g.Values[ix]
}

// VM executes CompiledCode against a shared heap and a fixed globals
// array. A VM is single-threaded and single-owner per §5: one host
// thread drives Run/Call at a time.
type VM struct {
	heap *value.Heap
	host *GlobalStore

	stack []value.Value
	sp    int

	thisStack []value.Value
	thisSP    int

	frames     []Frame
	frameCount int

	globals    [frameCapacity]value.Value
	numGlobals int

	overloadKeys map[bytecode.OpCode]value.Value
	cmpKey       value.Value

	deadline    time.Time
	hasDeadline bool
	instrCount  uint64
}

func New(heap *value.Heap, host *GlobalStore) *VM {
	vm := &VM{
		heap:      heap,
		host:      host,
		stack:     make([]value.Value, stackCapacity),
		thisStack: make([]value.Value, thisCapacity),
		frames:    make([]Frame, frameCapacity),
	}
	vm.internOverloadKeys()
	return vm
}

// internOverloadKeys pre-interns the magic operator-overload key
// strings (§4.8), one per opcode that can be overloaded.
func (vm *VM) internOverloadKeys() {
	vm.overloadKeys = map[bytecode.OpCode]value.Value{
		bytecode.OpAdd:    vm.heap.OverloadKey("__operator_add__"),
		bytecode.OpSub:    vm.heap.OverloadKey("__operator_sub__"),
		bytecode.OpMul:    vm.heap.OverloadKey("__operator_mul__"),
		bytecode.OpDiv:    vm.heap.OverloadKey("__operator_div__"),
		bytecode.OpMod:    vm.heap.OverloadKey("__operator_mod__"),
		bytecode.OpOr:     vm.heap.OverloadKey("__operator_or__"),
		bytecode.OpXor:    vm.heap.OverloadKey("__operator_xor__"),
		bytecode.OpAnd:    vm.heap.OverloadKey("__operator_and__"),
		bytecode.OpLShift: vm.heap.OverloadKey("__operator_lshift__"),
		bytecode.OpRShift: vm.heap.OverloadKey("__operator_rshift__"),
		bytecode.OpMinus:  vm.heap.OverloadKey("__operator_minus__"),
		bytecode.OpBang:   vm.heap.OverloadKey("__operator_bang__"),
	}
	vm.cmpKey = vm.heap.OverloadKey("__cmp__")
}

// SetTimeout arms the §4.8 wall-clock timeout; d<=0 disables it.
func (vm *VM) SetTimeout(d time.Duration) {
	vm.hasDeadline = d > 0
	if vm.hasDeadline {
		vm.deadline = time.Now().Add(d)
	}
}

// Stats exposes the heap's allocation/GC counters for diagnostics
// (the `cmd/sentra --stats` flag).
func (vm *VM) Stats() value.Stats { return vm.heap.Stats }

// Global returns the current value of module-global slot ix - the
// embedder's "look up a global by name" path (§6), paired with
// Compiler.GlobalSymbols for the name->index half of the lookup.
func (vm *VM) Global(ix int) value.Value {
	if ix < 0 || ix >= frameCapacity {
		return value.Null
	}
	return vm.globals[ix]
}

// ---- stack primitives ----

func (vm *VM) push(v value.Value) error {
	if vm.sp >= stackCapacity {
		return vm.runtimeError("stack overflow")
	}
	vm.stack[vm.sp] = v
	vm.sp++
	return nil
}

func (vm *VM) pop() value.Value {
	vm.sp--
	v := vm.stack[vm.sp]
	vm.stack[vm.sp] = value.Null
	return v
}

func (vm *VM) pushThis(v value.Value) {
	if vm.thisSP < thisCapacity {
		vm.thisStack[vm.thisSP] = v
		vm.thisSP++
	}
}

func (vm *VM) popThis() {
	if vm.thisSP > 0 {
		vm.thisSP--
		vm.thisStack[vm.thisSP] = value.Null
	}
}

func (vm *VM) curThis() value.Value {
	if vm.thisSP == 0 {
		return value.Null
	}
	return vm.thisStack[vm.thisSP-1]
}

func (vm *VM) curFrame() *Frame { return &vm.frames[vm.frameCount-1] }

func (vm *VM) pushFrame(f Frame) error {
	if vm.frameCount >= frameCapacity {
		return vm.runtimeError("stack overflow: call depth exceeded %d", frameCapacity)
	}
	vm.frames[vm.frameCount] = f
	vm.frameCount++
	return nil
}

func (vm *VM) popFrame() Frame {
	vm.frameCount--
	return vm.frames[vm.frameCount]
}

// ---- position / error plumbing ----

func (vm *VM) currentPosition() errors.Position {
	f := vm.curFrame()
	code := f.fn.Fn.Code
	if f.srcIP >= 0 && f.srcIP < len(code.Positions) {
		p := code.Positions[f.srcIP]
		return errors.Position{File: p.File, Line: p.Line, Column: p.Column}
	}
	return errors.Position{}
}

func (vm *VM) runtimeError(format string, args ...interface{}) *errors.SentraError {
	return errors.New(errors.Runtime, vm.currentPosition(), format, args...)
}

// traceback walks the frame stack from the top (innermost, currently
// executing) down through frame `down`, inclusive (§4.9).
func (vm *VM) traceback(down int) *errors.Traceback {
	tb := &errors.Traceback{}
	for i := vm.frameCount - 1; i >= down; i-- {
		f := &vm.frames[i]
		code := f.fn.Fn.Code
		pos := errors.Position{}
		if f.srcIP >= 0 && f.srcIP < len(code.Positions) {
			p := code.Positions[f.srcIP]
			pos = errors.Position{File: p.File, Line: p.Line, Column: p.Column}
		}
		name := f.fn.Fn.Name
		if name == "" {
			name = "<anonymous>"
		}
		tb.Push(name, pos)
	}
	return tb
}

// nativeError decorates a native function's returned error with the
// current source position, unless it is already a User-kind error
// raised deliberately by `crash` (§4.8: "if not marked as originating
// from crash, given the current source position").
func (vm *VM) nativeError(err error) *errors.SentraError {
	if se, ok := err.(*errors.SentraError); ok {
		if se.Kind != errors.User {
			se.Pos = vm.currentPosition()
		}
		return se
	}
	return errors.New(errors.Runtime, vm.currentPosition(), "%s", err.Error())
}

// tryRecover scans the frame stack top-to-bottom for the innermost
// frame with an armed, not-already-firing recover handler (§4.8). If
// one is found it unwinds everything above it, pushes an Error value
// built from err, and retargets that frame's ip into the handler.
func (vm *VM) tryRecover(err *errors.SentraError) bool {
	for i := vm.frameCount - 1; i >= 0; i-- {
		f := &vm.frames[i]
		if f.recoverIP < 0 || f.isRecovering {
			continue
		}
		err = err.WithTraceback(vm.traceback(i))
		vm.frameCount = i + 1
		vm.thisSP = i + 1
		vm.sp = f.basePointer + f.fn.Fn.Code.NumLocals
		errVal := vm.heap.NewError(err.Message, err.Traceback)
		vm.push(errVal)
		f.ip = f.recoverIP
		f.isRecovering = true
		return true
	}
	return false
}

// ---- assignment type check (§4.8) ----

func sameAssignType(old, new value.Value) bool {
	if old.IsNull() || new.IsNull() {
		return true
	}
	return old.TypeName() == new.TypeName()
}

func (vm *VM) checkAssign(old, new value.Value) *errors.SentraError {
	if !sameAssignType(old, new) {
		return vm.runtimeError("Trying to assign variable of type %s to %s", new.TypeName(), old.TypeName())
	}
	return nil
}

// ---- operator overload dispatch (§4.8, §9) ----

// overloadFn returns the callable bound to key on v, if v is a Map
// that defines it.
func overloadFn(v value.Value, key value.Value) (value.Value, bool) {
	if !v.IsMap() {
		return value.Null, false
	}
	fn, ok := v.Object().Map.Get(key)
	if !ok || !fn.IsFunction() {
		return value.Null, false
	}
	return fn, true
}

func (vm *VM) callOverload(op bytecode.OpCode, args ...value.Value) (value.Value, bool, error) {
	key, ok := vm.overloadKeys[op]
	if !ok {
		return value.Null, false, nil
	}
	for _, candidate := range args {
		if fn, found := overloadFn(candidate, key); found {
			res, err := vm.Call(fn, args)
			return res, true, err
		}
	}
	return value.Null, false, nil
}

// ---- entry points (§4.8) ----

// RunProgram executes one CompiledCode to completion - the synthetic
// top-level "main" wrapper for the entry file, or one imported
// module's init code - and returns the frame's return value, which is
// null because top-level code ends in an implicit `return null`.
func (vm *VM) RunProgram(name string, code *value.CompiledCode) (value.Value, error) {
	fn := vm.heap.NewFunction(&value.FunctionData{Name: name, Code: code, Owning: false})
	if err := vm.push(fn); err != nil {
		return value.Null, err
	}
	if err := vm.doCall(0); err != nil {
		return value.Null, err
	}
	if err := vm.run(0); err != nil {
		return value.Null, err
	}
	return vm.pop(), nil
}

// Call is the embedder path (§4.8 "call"): invoke callee (a user
// function or a native function) with args, restoring the frame depth
// on completion regardless of how deep it recurses.
func (vm *VM) Call(callee value.Value, args []value.Value) (value.Value, error) {
	if err := vm.push(callee); err != nil {
		return value.Null, err
	}
	for _, a := range args {
		if err := vm.push(a); err != nil {
			return value.Null, err
		}
	}
	target := vm.frameCount
	if err := vm.doCall(len(args)); err != nil {
		return value.Null, err
	}
	if vm.frameCount > target {
		if err := vm.run(target); err != nil {
			return value.Null, err
		}
	}
	return vm.pop(), nil
}

// GCRoots implements value.RootProvider: every Value currently
// reachable from VM-owned state (the operand/this stacks, the
// globals array, the host globals, and each live frame's own function
// object, whose Free values and Constants the heap marks recursively).
func (vm *VM) GCRoots(yield func(value.Value)) {
	for i := 0; i < vm.sp; i++ {
		yield(vm.stack[i])
	}
	for i := 0; i < vm.thisSP; i++ {
		yield(vm.thisStack[i])
	}
	for i := 0; i < vm.numGlobals; i++ {
		yield(vm.globals[i])
	}
	if vm.host != nil {
		for _, v := range vm.host.Values {
			yield(v)
		}
	}
	for i := 0; i < vm.frameCount; i++ {
		if vm.frames[i].fn != nil {
			yield(value.FromObject(vm.frames[i].fn))
		}
	}
}

func (vm *VM) maybeGC() {
	if vm.heap.ShouldSweep() {
		vm.heap.Collect(vm)
	}
}

// ---- dispatch loop ----

// run drives the dispatch loop until the frame stack unwinds back to
// targetDepth (the frame Call/RunProgram pushed has returned) or an
// unrecovered error surfaces.
func (vm *VM) run(targetDepth int) error {
	for vm.frameCount > targetDepth {
		vm.instrCount++
		if vm.instrCount%sampleEvery == 0 {
			vm.maybeGC()
			if vm.hasDeadline && time.Now().After(vm.deadline) {
				return errors.New(errors.Timeout, vm.currentPosition(), "execution exceeded the configured time limit")
			}
		}
		if err := vm.step(); err != nil {
			if vm.tryRecover(err) {
				continue
			}
			return err
		}
	}
	return nil
}

func (vm *VM) readByte() uint8 {
	f := vm.curFrame()
	b := f.fn.Fn.Code.Code[f.ip]
	f.ip++
	return b
}

func (vm *VM) readUint16() uint16 {
	f := vm.curFrame()
	v := bytecode.ReadUint16(f.fn.Fn.Code.Code[f.ip:])
	f.ip += 2
	return v
}

func (vm *VM) readUint64() uint64 {
	f := vm.curFrame()
	v := bytecode.ReadUint64(f.fn.Fn.Code.Code[f.ip:])
	f.ip += 8
	return v
}

func opName(op bytecode.OpCode) string {
	if def, err := bytecode.Lookup(op); err == nil {
		return def.Name
	}
	return fmt.Sprintf("OP(%d)", op)
}

// step executes exactly one instruction of the current frame. A
// file's top-level code (the entry file or an imported module) never
// ends in an explicit RETURN, so falling off the end of a frame's
// code is treated as an implicit `return null`.
func (vm *VM) step() *errors.SentraError {
	f := vm.curFrame()
	code := f.fn.Fn.Code.Code
	if f.ip >= len(code) {
		vm.doReturn(value.Null)
		return nil
	}
	f.srcIP = f.ip
	op := bytecode.OpCode(vm.readByte())

	switch op {
	case bytecode.OpConstant:
		ix := vm.readUint16()
		return vm.pushErr(f.fn.Fn.Code.Constants[ix])
	case bytecode.OpNumber:
		bits := vm.readUint64()
		return vm.pushErr(value.Number(math.Float64frombits(bits)))
	case bytecode.OpTrue:
		return vm.pushErr(value.Bool(true))
	case bytecode.OpFalse:
		return vm.pushErr(value.Bool(false))
	case bytecode.OpNull:
		return vm.pushErr(value.Null)

	case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod,
		bytecode.OpOr, bytecode.OpXor, bytecode.OpAnd, bytecode.OpLShift, bytecode.OpRShift:
		return vm.binaryOp(op)
	case bytecode.OpMinus:
		return vm.unaryMinus()
	case bytecode.OpBang:
		return vm.unaryBang()

	case bytecode.OpCompare:
		return vm.compare()
	case bytecode.OpEqual:
		b, a := vm.pop(), vm.pop()
		return vm.pushErr(value.Bool(value.Equals(a, b)))
	case bytecode.OpNotEqual:
		b, a := vm.pop(), vm.pop()
		return vm.pushErr(value.Bool(!value.Equals(a, b)))
	case bytecode.OpGreaterThan:
		d := vm.pop()
		return vm.pushErr(value.Bool(d.AsNumber() > 0))
	case bytecode.OpGreaterThanEqual:
		d := vm.pop()
		return vm.pushErr(value.Bool(d.AsNumber() >= 0))

	case bytecode.OpPop:
		vm.pop()
		return nil
	case bytecode.OpDup:
		return vm.pushErr(vm.stack[vm.sp-1])

	case bytecode.OpJump:
		ix := vm.readUint16()
		f.ip = int(ix)
		return nil
	case bytecode.OpJumpIfFalse:
		ix := vm.readUint16()
		v := vm.pop()
		if !v.Truthy() {
			f.ip = int(ix)
		}
		return nil
	case bytecode.OpJumpIfTrue:
		ix := vm.readUint16()
		v := vm.pop()
		if v.Truthy() {
			f.ip = int(ix)
		}
		return nil

	case bytecode.OpCall:
		n := int(vm.readByte())
		if err := vm.doCall(n); err != nil {
			return asSentraErr(err)
		}
		return nil
	case bytecode.OpReturnValue:
		v := vm.pop()
		vm.doReturn(v)
		return nil
	case bytecode.OpReturn:
		vm.doReturn(value.Null)
		return nil
	case bytecode.OpSetRecover:
		ix := vm.readUint16()
		f.recoverIP = int(ix)
		return nil

	case bytecode.OpDefineModuleGlobal:
		ix := int(vm.readUint16())
		vm.globals[ix] = vm.pop()
		if ix+1 > vm.numGlobals {
			vm.numGlobals = ix + 1
		}
		return nil
	case bytecode.OpSetModuleGlobal:
		ix := int(vm.readUint16())
		v := vm.pop()
		if err := vm.checkAssign(vm.globals[ix], v); err != nil {
			return err
		}
		vm.globals[ix] = v
		return vm.pushErr(v)
	case bytecode.OpGetModuleGlobal:
		ix := int(vm.readUint16())
		return vm.pushErr(vm.globals[ix])
	case bytecode.OpGetHostGlobal:
		ix := int(vm.readUint16())
		return vm.pushErr(vm.host.Get(ix))
	case bytecode.OpDefineLocal:
		ix := int(vm.readByte())
		vm.stack[f.basePointer+ix] = vm.pop()
		return nil
	case bytecode.OpSetLocal:
		ix := int(vm.readByte())
		v := vm.pop()
		slot := f.basePointer + ix
		if err := vm.checkAssign(vm.stack[slot], v); err != nil {
			return err
		}
		vm.stack[slot] = v
		return vm.pushErr(v)
	case bytecode.OpGetLocal:
		ix := int(vm.readByte())
		return vm.pushErr(vm.stack[f.basePointer+ix])
	case bytecode.OpGetFree:
		ix := int(vm.readByte())
		return vm.pushErr(f.fn.Fn.Free[ix])
	case bytecode.OpSetFree:
		ix := int(vm.readByte())
		v := vm.pop()
		if err := vm.checkAssign(f.fn.Fn.Free[ix], v); err != nil {
			return err
		}
		f.fn.Fn.Free[ix] = v
		return vm.pushErr(v)
	case bytecode.OpCurrentFunction:
		return vm.pushErr(value.FromObject(f.fn))
	case bytecode.OpGetThis:
		return vm.pushErr(vm.curThis())

	case bytecode.OpArray:
		n := int(vm.readUint16())
		elems := append([]value.Value(nil), vm.stack[vm.sp-n:vm.sp]...)
		vm.sp -= n
		return vm.pushErr(vm.heap.NewArray(elems))
	case bytecode.OpMapStart:
		vm.readUint16() // count is re-read at MAP_END; nothing to do yet
		return nil
	case bytecode.OpMapEnd:
		n := int(vm.readUint16())
		start := vm.sp - 2*n
		mv := vm.heap.NewMap()
		m := mv.Object().Map
		for i := 0; i < n; i++ {
			m.Set(vm.stack[start+2*i], vm.stack[start+2*i+1])
		}
		vm.sp = start
		return vm.pushErr(mv)
	case bytecode.OpGetIndex:
		index, coll := vm.pop(), vm.pop()
		v, err := vm.getIndex(coll, index)
		if err != nil {
			return err
		}
		return vm.pushErr(v)
	case bytecode.OpSetIndex:
		v, index, coll := vm.pop(), vm.pop(), vm.pop()
		if err := vm.setIndex(coll, index, v); err != nil {
			return err
		}
		return vm.pushErr(v)
	case bytecode.OpGetValueAt:
		ix, coll := vm.pop(), vm.pop()
		v, err := vm.getValueAt(coll, ix)
		if err != nil {
			return err
		}
		return vm.pushErr(v)
	case bytecode.OpLen:
		v := vm.pop()
		n, err := lengthOf(v)
		if err != nil {
			return vm.runtimeError("%s", err)
		}
		return vm.pushErr(value.Number(float64(n)))

	case bytecode.OpFunction:
		ix := int(vm.readUint16())
		numFree := int(vm.readByte())
		return vm.makeClosure(ix, numFree)
	}

	return vm.runtimeError("unknown opcode %s", opName(op))
}

// pushErr adapts push's error return to step's *errors.SentraError
// return type so call sites don't all need a type assertion.
func (vm *VM) pushErr(v value.Value) *errors.SentraError {
	if err := vm.push(v); err != nil {
		return asSentraErr(err)
	}
	return nil
}

func asSentraErr(err error) *errors.SentraError {
	if err == nil {
		return nil
	}
	if se, ok := err.(*errors.SentraError); ok {
		return se
	}
	return errors.New(errors.Runtime, errors.Position{}, "%s", err.Error())
}

// makeClosure implements FUNCTION const_ix num_free (§4.8): the
// num_free values `loadSymbol` pushed immediately before this
// instruction are copied by value into the new Function's own Free
// slice, so later mutation of the outer local is not observed inside
// the closure (§9).
func (vm *VM) makeClosure(constIx, numFree int) *errors.SentraError {
	tmpl := vm.curFrame().fn.Fn.Code.Constants[constIx]
	free := make([]value.Value, numFree)
	copy(free, vm.stack[vm.sp-numFree:vm.sp])
	vm.sp -= numFree
	closure := vm.heap.NewFunction(&value.FunctionData{
		Name:   tmpl.Object().Fn.Name,
		Code:   tmpl.Object().Fn.Code,
		Owning: false,
		Free:   free,
	})
	return vm.pushErr(closure)
}

func (vm *VM) doReturn(v value.Value) {
	f := vm.popFrame()
	vm.sp = f.basePointer - 1
	vm.push(v)
	vm.popThis()
}

// doCall implements CALL n (§4.8): for a user function it arity-checks
// and pushes a new frame with zero-initialized local slots beyond the
// arguments already on the stack; for a native function it invokes it
// synchronously and leaves no frame behind.
func (vm *VM) doCall(n int) error {
	calleeIx := vm.sp - n - 1
	if calleeIx < 0 {
		return vm.runtimeError("stack underflow in call")
	}
	callee := vm.stack[calleeIx]
	if !callee.IsFunction() {
		return vm.runtimeError("%s is not callable", callee.TypeName())
	}
	obj := callee.Object()
	if obj.Type == value.ObjNativeFunction {
		args := append([]value.Value(nil), vm.stack[calleeIx+1:vm.sp]...)
		vm.sp = calleeIx
		result, err := obj.Native.Fn(args)
		if err != nil {
			return vm.nativeError(err)
		}
		return vm.push(result)
	}

	fd := obj.Fn
	if n != fd.Code.NumArgs {
		return vm.runtimeError("expected %d argument(s) but got %d", fd.Code.NumArgs, n)
	}
	basePointer := calleeIx + 1
	for vm.sp < basePointer+fd.Code.NumLocals {
		if err := vm.push(value.Null); err != nil {
			return err
		}
	}
	if err := vm.pushFrame(Frame{fn: obj, ip: 0, basePointer: basePointer, recoverIP: -1}); err != nil {
		return err
	}
	vm.pushThis(value.Null)
	return nil
}

// ---- arithmetic / comparison (§3.4, §4.8, §8) ----

func (vm *VM) binaryOp(op bytecode.OpCode) *errors.SentraError {
	b, a := vm.pop(), vm.pop()
	if op == bytecode.OpAdd && (a.IsString() || b.IsString()) {
		return vm.pushErr(vm.heap.NewString(value.Stringify(a) + value.Stringify(b)))
	}
	if a.IsNumber() && b.IsNumber() {
		return vm.pushErr(value.Number(numericBinary(op, a.AsNumber(), b.AsNumber())))
	}
	res, handled, err := vm.callOverload(op, a, b)
	if err != nil {
		return asSentraErr(err)
	}
	if handled {
		return vm.pushErr(res)
	}
	return vm.runtimeError("cannot apply %s to %s and %s", opName(op), a.TypeName(), b.TypeName())
}

// numericBinary never errors: division by zero follows IEEE 754
// (1/0 -> +Inf, 0/0 -> NaN, §8), which Go's float64 arithmetic already
// produces without special-casing.
func numericBinary(op bytecode.OpCode, a, b float64) float64 {
	switch op {
	case bytecode.OpAdd:
		return a + b
	case bytecode.OpSub:
		return a - b
	case bytecode.OpMul:
		return a * b
	case bytecode.OpDiv:
		return a / b
	case bytecode.OpMod:
		return math.Mod(a, b)
	case bytecode.OpOr:
		return float64(int64(a) | int64(b))
	case bytecode.OpXor:
		return float64(int64(a) ^ int64(b))
	case bytecode.OpAnd:
		return float64(int64(a) & int64(b))
	case bytecode.OpLShift:
		return float64(int64(a) << uint(int64(b)&63))
	case bytecode.OpRShift:
		return float64(int64(a) >> uint(int64(b)&63))
	}
	return 0
}

func (vm *VM) unaryMinus() *errors.SentraError {
	a := vm.pop()
	if a.IsNumber() {
		return vm.pushErr(value.Number(-a.AsNumber()))
	}
	res, handled, err := vm.callOverload(bytecode.OpMinus, a)
	if err != nil {
		return asSentraErr(err)
	}
	if handled {
		return vm.pushErr(res)
	}
	return vm.runtimeError("cannot negate %s", a.TypeName())
}

func (vm *VM) unaryBang() *errors.SentraError {
	a := vm.pop()
	res, handled, err := vm.callOverload(bytecode.OpBang, a)
	if err != nil {
		return asSentraErr(err)
	}
	if handled {
		return vm.pushErr(res)
	}
	return vm.pushErr(value.Bool(!a.Truthy()))
}

// compare implements COMPARE (§3.4, §4.8): numeric/string default
// comparison, falling back to the __cmp__ overload for heap values of
// mismatched or non-string identity before the last-resort pointer
// order that Compare itself provides.
func (vm *VM) compare() *errors.SentraError {
	b, a := vm.pop(), vm.pop()
	if numericComparable(a) && numericComparable(b) {
		return vm.pushErr(value.Number(value.Compare(a, b)))
	}
	if a.IsString() && b.IsString() {
		return vm.pushErr(value.Number(value.Compare(a, b)))
	}
	if fn, ok := overloadFn(a, vm.cmpKey); ok {
		res, err := vm.Call(fn, []value.Value{a, b})
		if err != nil {
			return asSentraErr(err)
		}
		return vm.pushErr(res)
	}
	if fn, ok := overloadFn(b, vm.cmpKey); ok {
		res, err := vm.Call(fn, []value.Value{a, b})
		if err != nil {
			return asSentraErr(err)
		}
		return vm.pushErr(res)
	}
	return vm.pushErr(value.Number(value.Compare(a, b)))
}

func numericComparable(v value.Value) bool { return v.IsNumber() || v.IsBool() || v.IsNull() }

// ---- collections ----

func (vm *VM) getIndex(coll, index value.Value) (value.Value, *errors.SentraError) {
	switch {
	case coll.IsArray():
		i := int(index.AsNumber())
		arr := coll.Object().Arr
		if i < 0 || i >= len(arr.Elems) {
			return value.Null, vm.runtimeError("array index out of range: %d (length %d)", i, len(arr.Elems))
		}
		return arr.Elems[i], nil
	case coll.IsMap():
		if !value.Hashable(index) {
			return value.Null, vm.runtimeError("%s is not a hashable map key", index.TypeName())
		}
		v, _ := coll.Object().Map.Get(index)
		return v, nil
	}
	return value.Null, vm.runtimeError("cannot index into %s", coll.TypeName())
}

func (vm *VM) setIndex(coll, index, v value.Value) *errors.SentraError {
	switch {
	case coll.IsArray():
		i := int(index.AsNumber())
		arr := coll.Object().Arr
		if i < 0 || i >= len(arr.Elems) {
			return vm.runtimeError("array index out of range: %d (length %d)", i, len(arr.Elems))
		}
		arr.Elems[i] = v
		return nil
	case coll.IsMap():
		if !value.Hashable(index) {
			return vm.runtimeError("%s is not a hashable map key", index.TypeName())
		}
		coll.Object().Map.Set(index, v)
		return nil
	}
	return vm.runtimeError("cannot index into %s", coll.TypeName())
}

// getValueAt backs for-in iteration (compileForIn's LEN+GET_VALUE_AT
// desugaring): positional element access for arrays, insertion-order
// key access for maps.
func (vm *VM) getValueAt(coll, ix value.Value) (value.Value, *errors.SentraError) {
	i := int(ix.AsNumber())
	switch {
	case coll.IsArray():
		arr := coll.Object().Arr
		if i < 0 || i >= len(arr.Elems) {
			return value.Null, vm.runtimeError("array index out of range: %d (length %d)", i, len(arr.Elems))
		}
		return arr.Elems[i], nil
	case coll.IsMap():
		m := coll.Object().Map
		if i < 0 || i >= len(m.Keys) {
			return value.Null, vm.runtimeError("map index out of range: %d (length %d)", i, len(m.Keys))
		}
		return m.Keys[i], nil
	}
	return value.Null, vm.runtimeError("cannot iterate over %s", coll.TypeName())
}

func lengthOf(v value.Value) (int, error) {
	switch {
	case v.IsString():
		return len(v.Object().Str.Str), nil
	case v.IsArray():
		return len(v.Object().Arr.Elems), nil
	case v.IsMap():
		return v.Object().Map.Len(), nil
	}
	return 0, fmt.Errorf("%s has no length", v.TypeName())
}

// Package engine implements the embedder-facing API (§6): construct or
// destroy a VM instance, inject host hooks (allocator is Go's own GC,
// so there is nothing to inject there - see DESIGN.md), compile a
// reusable Program, execute it, call one of its functions by name,
// register global constants/native functions, look up a global by
// name, convert host values to/from Value, pin/unpin and deep-copy,
// and introspect errors/tracebacks. Naming mirrors
// original_source/ape.h's Engine/Program/Error/Traceback/pin-unpin
// shape, grounded via SPEC_FULL.md §C.
package engine

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"sentra/internal/bytecode"
	"sentra/internal/compiler"
	"sentra/internal/errors"
	"sentra/internal/natives"
	"sentra/internal/parser"
	"sentra/internal/value"
	"sentra/internal/vm"
)

// Config mirrors spec.md §6's configuration surface exactly:
// repl_mode, max_execution_time_ms, and the stdio/fileio hooks.
type Config struct {
	ReplMode           bool
	MaxExecutionTimeMS int // 0 means no timeout

	StdoutWrite func(string)
	ReadFile    func(string) ([]byte, error)
	WriteFile   func(string, []byte) error

	BaseDir string
}

// Error is the introspection-facing mirror of errors.SentraError
// (ape_error_t: _type/_message/_filepath/_line_number/_column_number).
type Error struct {
	Type      string
	Message   string
	Filepath  string
	Line      int
	Column    int
	Traceback []TracebackEntry
}

// TracebackEntry mirrors one ape_traceback_t frame
// (_function_name plus its position).
type TracebackEntry struct {
	FunctionName string
	Filepath     string
	Line         int
	Column       int
}

// Depth mirrors ape_traceback_get_depth.
func (e *Error) Depth() int { return len(e.Traceback) }

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s in %q on %d:%d: %s", e.Type, e.Filepath, e.Line, e.Column, e.Message)
}

// AsError converts any error this package returns into an *Error, if
// it carries Sentra position/traceback information.
func AsError(err error) *Error {
	se, ok := err.(*errors.SentraError)
	if !ok {
		return nil
	}
	return fromSentraError(se)
}

func fromSentraError(se *errors.SentraError) *Error {
	if se == nil {
		return nil
	}
	e := &Error{
		Type:     string(se.Kind),
		Message:  se.Message,
		Filepath: se.Pos.File,
		Line:     se.Pos.Line,
		Column:   se.Pos.Column,
	}
	if se.Traceback != nil {
		for _, f := range se.Traceback.Frames {
			e.Traceback = append(e.Traceback, TracebackEntry{
				FunctionName: f.FunctionName,
				Filepath:     f.Pos.File,
				Line:         f.Pos.Line,
				Column:       f.Pos.Column,
			})
		}
	}
	return e
}

// Program is a compiled, reusable unit (ape_program_t): the entry
// file's code plus every module it imports, in dependency-first
// order, and the name->global-index map a later Call/Global needs.
// A Program owns the VM it first executes against, so repeated Calls
// observe the same globals the entry code defined.
type Program struct {
	ID      uuid.UUID
	name    string
	entry   *value.CompiledCode
	modules []*value.CompiledCode
	globals map[string]int

	vm  *vm.VM
	ran bool
}

// Call invokes the global bound to name as a function with args
// (ape_call). The Program must already have been executed at least
// once so its globals are populated.
func (p *Program) Call(name string, args []value.Value) (value.Value, error) {
	if p.vm == nil {
		return value.Null, fmt.Errorf("program %q has not been executed yet", p.name)
	}
	ix, ok := p.globals[name]
	if !ok {
		return value.Null, fmt.Errorf("no such global %q", name)
	}
	fn := p.vm.Global(ix)
	if !fn.IsFunction() {
		return value.Null, fmt.Errorf("global %q is not a function", name)
	}
	return p.vm.Call(fn, args)
}

// Global looks up a global by name (§6) without calling it.
func (p *Program) Global(name string) (value.Value, bool) {
	ix, ok := p.globals[name]
	if !ok || p.vm == nil {
		return value.Null, false
	}
	return p.vm.Global(ix), true
}

// stdoutWriter adapts a §6 stdio.write hook (func(string)) to the
// io.Writer the natives registry's `print` expects.
type stdoutWriter struct{ write func(string) }

func (w *stdoutWriter) Write(p []byte) (int, error) {
	w.write(string(p))
	return len(p), nil
}

// Engine owns one heap, one ordered host-global registry, and the
// hooks an embedding installed at construction (ape_make).
type Engine struct {
	cfg  Config
	heap *value.Heap

	hostNames  []string
	hostValues []value.Value

	externalsMu sync.Mutex
	externals   map[uuid.UUID]value.Value
}

// NewEngine constructs an engine: allocates the heap and wires the
// standard native-function registry (to_str/print/crash, plus
// read_file/write_file when the corresponding fileio hook is set)
// against the configured stdout hook, defaulting to os.Stdout.
func NewEngine(cfg Config) *Engine {
	heap := value.NewHeap()

	var out io.Writer = os.Stdout
	if cfg.StdoutWrite != nil {
		out = &stdoutWriter{write: cfg.StdoutWrite}
	}

	reg := natives.NewRegistry(heap, out).WithFileIO(cfg.ReadFile, cfg.WriteFile)

	return &Engine{
		cfg:        cfg,
		heap:       heap,
		hostNames:  reg.Names(),
		hostValues: reg.Values(),
		externals:  make(map[uuid.UUID]value.Value),
	}
}

// Destroy releases the engine's heap (ape_destroy). Go's own garbage
// collector reclaims the underlying memory once every reference
// drops; this exists only to mirror the embedder lifecycle.
func (e *Engine) Destroy() { e.heap = nil }

// SetGlobalConstant registers an embedder-provided constant visible to
// every Program this Engine subsequently compiles (§6). Must be called
// before the first Compile/CompileFile.
func (e *Engine) SetGlobalConstant(name string, v value.Value) {
	e.hostNames = append(e.hostNames, name)
	e.hostValues = append(e.hostValues, v)
}

// SetNativeFunction registers a host-implemented function the same way.
func (e *Engine) SetNativeFunction(name string, fn value.NativeFn) {
	e.SetGlobalConstant(name, e.heap.NewNative(&value.NativeData{Name: name, Fn: fn}))
}

// Pin/Unpin pass straight through to the heap (ape_object_disable_gc /
// ape_object_enable_gc): hold a reference across a collection the
// embedder knows is coming, or release it again.
func (e *Engine) Pin(v value.Value)   { e.heap.Pin(v) }
func (e *Engine) Unpin(v value.Value) { e.heap.Unpin(v) }

// NewExternal wraps a host-owned value as an External object and
// returns a uuid handle the embedder can hand back later via
// ExternalByID (ape_object_make_external's handle half, per
// SPEC_FULL.md §B's uuid.UUID wiring).
func (e *Engine) NewExternal(data interface{}, destroy func(interface{}), copy func(interface{}) interface{}) (uuid.UUID, value.Value) {
	v := e.heap.NewExternal(data, destroy, copy)
	id := uuid.New()
	e.externalsMu.Lock()
	e.externals[id] = v
	e.externalsMu.Unlock()
	return id, v
}

// ExternalByID looks a previously registered External back up by its
// uuid handle.
func (e *Engine) ExternalByID(id uuid.UUID) (value.Value, bool) {
	e.externalsMu.Lock()
	defer e.externalsMu.Unlock()
	v, ok := e.externals[id]
	return v, ok
}

// Copy shallow-copies v (ape_object_copy): for Array/Map it allocates
// a new collection with the same elements; every other variant is
// returned unchanged, since strings/numbers/functions are already
// either value types or treated as immutable by convention.
func (e *Engine) Copy(v value.Value) value.Value {
	switch {
	case v.IsArray():
		src := v.Object().Arr.Elems
		return e.heap.NewArray(append([]value.Value(nil), src...))
	case v.IsMap():
		src := v.Object().Map
		mv := e.heap.NewMap()
		m := mv.Object().Map
		for i := range src.Keys {
			m.Set(src.Keys[i], src.Vals[i])
		}
		return mv
	default:
		return v
	}
}

// DeepCopy recurses into Array/Map elements (ape_object_deep_copy);
// every other variant falls back to Copy's behavior.
func (e *Engine) DeepCopy(v value.Value) value.Value {
	switch {
	case v.IsArray():
		src := v.Object().Arr.Elems
		out := make([]value.Value, len(src))
		for i, el := range src {
			out[i] = e.DeepCopy(el)
		}
		return e.heap.NewArray(out)
	case v.IsMap():
		src := v.Object().Map
		mv := e.heap.NewMap()
		m := mv.Object().Map
		for i := range src.Keys {
			m.Set(e.DeepCopy(src.Keys[i]), e.DeepCopy(src.Vals[i]))
		}
		return mv
	default:
		return e.Copy(v)
	}
}

// ToValue converts a plain Go value into a Value (host->Value half of
// §6's conversion bullet). Anything not recognized is boxed as an
// External with no destroy/copy hooks.
func (e *Engine) ToValue(host interface{}) value.Value {
	switch h := host.(type) {
	case nil:
		return value.Null
	case value.Value:
		return h
	case bool:
		return value.Bool(h)
	case float64:
		return value.Number(h)
	case int:
		return value.Number(float64(h))
	case string:
		return e.heap.NewString(h)
	case []interface{}:
		elems := make([]value.Value, len(h))
		for i, el := range h {
			elems[i] = e.ToValue(el)
		}
		return e.heap.NewArray(elems)
	case map[string]interface{}:
		mv := e.heap.NewMap()
		m := mv.Object().Map
		for k, val := range h {
			m.Set(e.heap.NewString(k), e.ToValue(val))
		}
		return mv
	default:
		return e.heap.NewExternal(host, nil, nil)
	}
}

// FromValue converts a Value back into a plain Go value (the other
// half of the same bullet).
func FromValue(v value.Value) interface{} {
	switch {
	case v.IsNull():
		return nil
	case v.Kind() == value.KindBool:
		return v.AsBool()
	case v.Kind() == value.KindNumber:
		return v.AsNumber()
	case v.IsString():
		return v.Object().Str.Str
	case v.IsArray():
		src := v.Object().Arr.Elems
		out := make([]interface{}, len(src))
		for i, el := range src {
			out[i] = FromValue(el)
		}
		return out
	case v.IsMap():
		m := v.Object().Map
		out := make(map[string]interface{}, len(m.Keys))
		for i, k := range m.Keys {
			out[value.Stringify(k)] = FromValue(m.Vals[i])
		}
		return out
	case v.Kind() == value.KindHeap && v.Object() != nil && v.Object().Type == value.ObjExternal:
		return v.Object().Ext.Data
	default:
		return nil
	}
}

// compileSource is the shared Compile/CompileFile path: parse, then
// compile against this Engine's host-global list, recording the
// resulting module-global name->index map on the returned Program.
func (e *Engine) compileSource(src, filename string) (*Program, error) {
	ps := parser.NewFromSource(src, filename)
	ps.SetREPLMode(e.cfg.ReplMode)
	stmts := ps.ParseProgram()
	if ps.Errors().HasErrors() {
		return nil, fmt.Errorf("%s", ps.Errors().String())
	}

	c := compiler.NewCompiler(e.heap, e.cfg.BaseDir, e.hostNames)
	if e.cfg.ReadFile != nil {
		c.SetReadFile(e.cfg.ReadFile)
	}
	entry := c.Compile(filename, stmts)
	if c.Errors().HasErrors() {
		return nil, fmt.Errorf("%s", c.Errors().String())
	}

	globals := make(map[string]int, len(c.GlobalSymbols()))
	for _, sym := range c.GlobalSymbols() {
		globals[sym.Name] = sym.Index
	}

	return &Program{
		ID:      uuid.New(),
		name:    filename,
		entry:   entry,
		modules: c.ImportedModules(),
		globals: globals,
	}, nil
}

// Compile compiles source text as a reusable Program (ape_compile).
func (e *Engine) Compile(src string) (*Program, error) {
	return e.compileSource(src, "<source>")
}

// CompileFile compiles a file from disk, or through the configured
// fileio.read_file hook if one is set (ape_compile_file).
func (e *Engine) CompileFile(path string) (*Program, error) {
	read := e.cfg.ReadFile
	if read == nil {
		read = os.ReadFile
	}
	src, err := read(path)
	if err != nil {
		return nil, err
	}
	return e.compileSource(string(src), path)
}

// vmFor lazily builds the Program's own VM, arming the configured
// timeout exactly once.
func (e *Engine) vmFor(p *Program) *vm.VM {
	if p.vm == nil {
		host := vm.NewGlobalStore(e.hostNames, e.hostValues)
		p.vm = vm.New(e.heap, host)
		if e.cfg.MaxExecutionTimeMS > 0 {
			p.vm.SetTimeout(time.Duration(e.cfg.MaxExecutionTimeMS) * time.Millisecond)
		}
	}
	return p.vm
}

// Execute runs p's imported modules exactly once, dependency-first,
// the first time it is called, then (re-)runs the entry code,
// returning the value vm.RunProgram returns for it, which is null for
// top-level code (ape_execute, §4.7/§4.8).
func (e *Engine) Execute(p *Program) (value.Value, error) {
	vmi := e.vmFor(p)
	if !p.ran {
		for i, mod := range p.modules {
			if _, err := vmi.RunProgram(fmt.Sprintf("%s#%d", p.name, i), mod); err != nil {
				return value.Null, err
			}
		}
		p.ran = true
	}
	return vmi.RunProgram(p.name, p.entry)
}

// ExecuteString is the one-shot compile+run path (ape_execute on raw
// source text).
func (e *Engine) ExecuteString(src string) (value.Value, error) {
	p, err := e.Compile(src)
	if err != nil {
		return value.Null, err
	}
	return e.Execute(p)
}

// ExecuteFile is the one-shot compile+run path for a file.
func (e *Engine) ExecuteFile(path string) (value.Value, error) {
	p, err := e.CompileFile(path)
	if err != nil {
		return value.Null, err
	}
	return e.Execute(p)
}

// Stats exposes the heap's allocation/GC counters (the CLI's --stats
// flag reads this off the Program's VM after Execute returns).
func (p *Program) Stats() value.Stats {
	if p.vm == nil {
		return value.Stats{}
	}
	return p.vm.Stats()
}

// Disassemble renders a human-readable listing of the entry code and
// every imported module's code (the CLI's --disassemble flag),
// recursing into every function-valued constant it finds.
func (p *Program) Disassemble() string {
	var sb strings.Builder
	disasmCode(&sb, p.name, p.entry)
	for i, mod := range p.modules {
		disasmCode(&sb, fmt.Sprintf("%s#%d", p.name, i), mod)
	}
	return sb.String()
}

func disasmCode(sb *strings.Builder, name string, code *value.CompiledCode) {
	sb.WriteString(bytecode.Disassemble(name, code.Code, constString(code)))
	sb.WriteString("\n")
	for _, c := range code.Constants {
		if c.IsFunction() {
			fn := c.Object().Fn
			disasmCode(sb, fn.Name, fn.Code)
		}
	}
}

func constString(code *value.CompiledCode) func(int) string {
	return func(ix int) string {
		if ix < 0 || ix >= len(code.Constants) {
			return "?"
		}
		return value.Stringify(code.Constants[ix])
	}
}

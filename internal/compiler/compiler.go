// Package compiler turns a parsed program into bytecode (§4.5-§4.7): a
// symbol table per function plus a single-pass tree-walking emitter that
// writes straight into a value.Chunk, backpatching jump targets as loops
// and conditionals close.
package compiler

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"sentra/internal/bytecode"
	"sentra/internal/errors"
	"sentra/internal/parser"
	"sentra/internal/value"
)

// loopCtx tracks the backpatch state for one active loop: continueTarget
// is the ip a `continue` jumps straight to (known before the body
// compiles, for both while and for), and breakPatches accumulates the
// operand offsets of every `break`'s JUMP, patched once the loop's exit
// ip is known.
type loopCtx struct {
	continueTarget int
	breakPatches   []int
}

// scope is the compiler's state for one function body (or the module's
// top-level code): its own bytecode buffer and its own loop stack.
type scope struct {
	chunk    *value.Chunk
	loops    []*loopCtx
	funcName string
}

// moduleResult caches a previously compiled import: its frozen code (run
// once at Program load to populate its globals) and the symbols an
// importer re-exposes as `<module>::name`.
type moduleResult struct {
	code    *value.CompiledCode
	globals []Symbol
}

// Compiler is single-use per Program compile: construct one with
// NewCompiler, call Compile once for the entry file, then read Errors
// and ImportedModules off it.
type Compiler struct {
	heap     *value.Heap
	baseDir  string
	readFile func(string) ([]byte, error)

	hostGlobals []string
	errs        *errors.List

	scopes []*scope
	tables []*SymbolTable

	nextModuleGlobal int
	loadedStack      []string
	moduleCacheMu    sync.Mutex
	moduleCache      map[string]*moduleResult
	moduleGroup      singleflight.Group
	moduleChunks     []*value.CompiledCode
}

// NewCompiler constructs a compiler for one Program. heap is the value
// heap every compiled string/function constant is allocated from, and
// must be the same heap the resulting Program later executes against.
// hostGlobals is the embedder's ordered list of injected constant/native
// names; the VM must be given the identical list so indices line up.
func NewCompiler(heap *value.Heap, baseDir string, hostGlobals []string) *Compiler {
	c := &Compiler{
		heap:        heap,
		baseDir:     baseDir,
		readFile:    os.ReadFile,
		hostGlobals: hostGlobals,
		errs:        errors.NewList(),
		moduleCache: make(map[string]*moduleResult),
	}
	c.pushFileScope("main", 0)
	return c
}

// SetReadFile overrides how compileImport loads an imported file's
// source, letting an embedder route it through its own fileio hook
// instead of the real filesystem (§6).
func (c *Compiler) SetReadFile(f func(string) ([]byte, error)) { c.readFile = f }

func (c *Compiler) Errors() *errors.List { return c.errs }

// ImportedModules returns every distinct imported file's frozen code, in
// first-compiled (dependency-first) order, for the embedder to run once
// at Program load before the entry file's own code (§4.7, §4.8).
func (c *Compiler) ImportedModules() []*value.CompiledCode { return c.moduleChunks }

// GlobalSymbols exposes the entry file's top-level module-global bindings
// after Compile returns, so an embedder can resolve "call a named
// function" / "look up a global by name" (§6) into a VM globals-array
// index without re-walking the AST.
func (c *Compiler) GlobalSymbols() []Symbol { return c.tables[0].ModuleGlobals }

func (c *Compiler) pushFileScope(funcName string, globalBase int) *SymbolTable {
	table := NewSymbolTableWithBase(globalBase)
	for i, name := range c.hostGlobals {
		table.DefineHostGlobal(name, i)
	}
	c.scopes = append(c.scopes, &scope{chunk: value.NewChunk(), funcName: funcName})
	c.tables = append(c.tables, table)
	return table
}

func (c *Compiler) curScope() *scope      { return c.scopes[len(c.scopes)-1] }
func (c *Compiler) curTable() *SymbolTable { return c.tables[len(c.tables)-1] }

// Compile compiles the entry file's statements and freezes the result as
// the Program's main function (§4.8's "run" wraps this as a synthetic
// top-level call).
func (c *Compiler) Compile(file string, stmts []parser.Stmt) *value.CompiledCode {
	c.curScope().funcName = "main"
	c.compileStmtList(stmts, true)
	c.nextModuleGlobal += len(c.curTable().ModuleGlobals)
	return c.curScope().chunk.Freeze(0, 0)
}

// ---- scope / jump plumbing ----

func (c *Compiler) enterFunctionScope() {
	c.scopes = append(c.scopes, &scope{chunk: value.NewChunk()})
	c.tables = append(c.tables, NewEnclosedSymbolTable(c.curTable()))
}

func (c *Compiler) leaveFunctionScope() {
	c.scopes = c.scopes[:len(c.scopes)-1]
	c.tables = c.tables[:len(c.tables)-1]
}

func (c *Compiler) curLen() int { return c.curScope().chunk.Len() }

func (c *Compiler) debugAt(pos parser.Pos) value.DebugInfo {
	return value.DebugInfo{File: pos.File, Line: pos.Line, Column: pos.Column, Function: c.curScope().funcName}
}

func (c *Compiler) emitOp(op bytecode.OpCode, d value.DebugInfo) int {
	return c.curScope().chunk.WriteOp(op, d)
}
func (c *Compiler) emitUint8(v uint8, d value.DebugInfo)   { c.curScope().chunk.WriteUint8(v, d) }
func (c *Compiler) emitUint16(v uint16, d value.DebugInfo) { c.curScope().chunk.WriteUint16(v, d) }
func (c *Compiler) emitUint64(v uint64, d value.DebugInfo) { c.curScope().chunk.WriteUint64(v, d) }

// emitJump emits op followed by a placeholder 2-byte operand and returns
// the operand's own offset, to be passed to patchJump once the real
// target is known.
func (c *Compiler) emitJump(op bytecode.OpCode, pos parser.Pos) int {
	d := c.debugAt(pos)
	c.emitOp(op, d)
	operandIP := c.curLen()
	c.emitUint16(0, d)
	return operandIP
}

func (c *Compiler) patchJump(operandIP, target int) {
	c.curScope().chunk.PatchUint16(operandIP, uint16(target))
}

func (c *Compiler) addConstant(v value.Value) int {
	return c.curScope().chunk.AddConstant(v)
}

func (c *Compiler) errorAt(pos parser.Pos, format string, args ...interface{}) {
	c.errs.Add(errors.New(errors.Compilation, errors.Position{File: pos.File, Line: pos.Line, Column: pos.Column}, format, args...))
}

func (c *Compiler) pushLoop(continueTarget int) *loopCtx {
	l := &loopCtx{continueTarget: continueTarget}
	c.curScope().loops = append(c.curScope().loops, l)
	return l
}

func (c *Compiler) popLoop() *loopCtx {
	loops := c.curScope().loops
	l := loops[len(loops)-1]
	c.curScope().loops = loops[:len(loops)-1]
	return l
}

func (c *Compiler) chunkEndsInReturn() bool {
	code := c.curScope().chunk.Code
	if len(code) == 0 {
		return false
	}
	last := bytecode.OpCode(code[len(code)-1])
	return last == bytecode.OpReturn || last == bytecode.OpReturnValue
}

// ---- symbol load/store ----

func (c *Compiler) loadSymbol(sym Symbol, pos parser.Pos) {
	d := c.debugAt(pos)
	switch sym.Scope {
	case ModuleGlobalScope:
		c.emitOp(bytecode.OpGetModuleGlobal, d)
		c.emitUint16(uint16(sym.Index), d)
	case HostGlobalScope:
		c.emitOp(bytecode.OpGetHostGlobal, d)
		c.emitUint16(uint16(sym.Index), d)
	case LocalScope:
		c.emitOp(bytecode.OpGetLocal, d)
		c.emitUint8(uint8(sym.Index), d)
	case FreeScope:
		c.emitOp(bytecode.OpGetFree, d)
		c.emitUint8(uint8(sym.Index), d)
	case FunctionScope:
		c.emitOp(bytecode.OpCurrentFunction, d)
	case ThisScope:
		c.emitOp(bytecode.OpGetThis, d)
	}
}

// defineSymbol emits the define-in-fresh-slot form (var/const, params,
// loop variables): it consumes the value already on top of the stack and
// leaves nothing behind, since a definition is a statement, never an
// expression.
func (c *Compiler) defineSymbol(sym Symbol, pos parser.Pos) {
	d := c.debugAt(pos)
	switch sym.Scope {
	case ModuleGlobalScope:
		c.emitOp(bytecode.OpDefineModuleGlobal, d)
		c.emitUint16(uint16(sym.Index), d)
	case LocalScope:
		c.emitOp(bytecode.OpDefineLocal, d)
		c.emitUint8(uint8(sym.Index), d)
	default:
		c.errorAt(pos, "cannot define %q in its scope", sym.Name)
	}
}

// assignSymbol emits the re-assign form (`=` and compound assignment on
// an identifier): the SET_* opcodes leave the stored value on top of the
// stack afterward, since assignment is an expression (`a = b = c` must
// itself produce a value).
func (c *Compiler) assignSymbol(sym Symbol, pos parser.Pos) {
	d := c.debugAt(pos)
	switch sym.Scope {
	case ModuleGlobalScope:
		c.emitOp(bytecode.OpSetModuleGlobal, d)
		c.emitUint16(uint16(sym.Index), d)
	case LocalScope:
		c.emitOp(bytecode.OpSetLocal, d)
		c.emitUint8(uint8(sym.Index), d)
	case FreeScope:
		c.emitOp(bytecode.OpSetFree, d)
		c.emitUint8(uint8(sym.Index), d)
	default:
		c.errorAt(pos, "%q is not assignable", sym.Name)
	}
}

// ---- statements ----

func (c *Compiler) compileStmtList(stmts []parser.Stmt, isTop bool) {
	for _, s := range stmts {
		c.compileStmt(s, isTop)
	}
}

func (c *Compiler) compileBlock(b *parser.BlockStmt) {
	c.curTable().PushBlock()
	c.compileStmtList(b.Stmts, false)
	c.curTable().PopBlock()
}

func (c *Compiler) compileStmt(s parser.Stmt, isTop bool) {
	switch v := s.(type) {
	case *parser.VarStmt:
		c.compileVar(v)
	case *parser.ExprStmt:
		c.compileExpr(v.Expr)
		c.emitOp(bytecode.OpPop, c.debugAt(v.Pos_))
	case *parser.IfStmt:
		c.compileIf(v)
	case *parser.WhileStmt:
		c.compileWhile(v)
	case *parser.ForStmt:
		c.compileFor(v)
	case *parser.ForInStmt:
		c.compileForIn(v)
	case *parser.ReturnStmt:
		c.compileReturn(v)
	case *parser.BreakStmt:
		c.compileBreak(v.Pos_)
	case *parser.ContinueStmt:
		c.compileContinue(v.Pos_)
	case *parser.BlockStmt:
		c.compileBlock(v)
	case *parser.ImportStmt:
		if !isTop || c.curTable().Outer != nil {
			c.errorAt(v.Pos_, "import is only legal at module top level")
			return
		}
		c.compileImport(v)
	case *parser.RecoverStmt:
		if !isTop || c.curTable().Outer == nil {
			c.errorAt(v.Pos_, "recover is only legal at the top of a function body")
			return
		}
		c.compileRecover(v)
	default:
		c.errorAt(s.Position(), "unknown statement node %T", s)
	}
}

func (c *Compiler) compileVar(v *parser.VarStmt) {
	c.compileExpr(v.Value)
	sym := c.curTable().Define(v.Name)
	c.defineSymbol(sym, v.Pos_)
}

func (c *Compiler) compileIf(v *parser.IfStmt) {
	c.compileExpr(v.Cond)
	jumpFalseIP := c.emitJump(bytecode.OpJumpIfFalse, v.Pos_)
	c.compileBlock(v.Then)
	jumpEndIP := c.emitJump(bytecode.OpJump, v.Pos_)
	c.patchJump(jumpFalseIP, c.curLen())
	switch e := v.Else.(type) {
	case *parser.IfStmt:
		c.compileIf(e)
	case *parser.BlockStmt:
		c.compileBlock(e)
	}
	c.patchJump(jumpEndIP, c.curLen())
}

func (c *Compiler) compileWhile(v *parser.WhileStmt) {
	beforeTest := c.curLen()
	c.compileExpr(v.Cond)
	jumpIfTrueIP := c.emitJump(bytecode.OpJumpIfTrue, v.Pos_)
	exitJumpIP := c.emitJump(bytecode.OpJump, v.Pos_)
	c.patchJump(jumpIfTrueIP, c.curLen())

	c.pushLoop(beforeTest)
	c.compileBlock(v.Body)
	c.emitJump(bytecode.OpJump, v.Pos_)
	c.patchJump(c.curLen()-2, beforeTest)

	afterBody := c.curLen()
	c.patchJump(exitJumpIP, afterBody)
	loop := c.popLoop()
	for _, ip := range loop.breakPatches {
		c.patchJump(ip, afterBody)
	}
}

func (c *Compiler) compileFor(v *parser.ForStmt) {
	c.curTable().PushBlock()
	if v.Init != nil {
		c.compileStmt(v.Init, false)
	}
	jumpToAfterUpdateIP := c.emitJump(bytecode.OpJump, v.Pos_)
	updateIP := c.curLen()
	if v.Update != nil {
		c.compileExpr(v.Update)
		c.emitOp(bytecode.OpPop, c.debugAt(v.Pos_))
	}
	afterUpdate := c.curLen()
	c.patchJump(jumpToAfterUpdateIP, afterUpdate)

	if v.Cond != nil {
		c.compileExpr(v.Cond)
	} else {
		c.emitOp(bytecode.OpTrue, c.debugAt(v.Pos_))
	}
	jumpIfTrueIP := c.emitJump(bytecode.OpJumpIfTrue, v.Pos_)
	exitJumpIP := c.emitJump(bytecode.OpJump, v.Pos_)
	c.patchJump(jumpIfTrueIP, c.curLen())

	c.pushLoop(updateIP)
	c.compileBlock(v.Body)
	c.emitJump(bytecode.OpJump, v.Pos_)
	c.patchJump(c.curLen()-2, updateIP)

	afterBody := c.curLen()
	c.patchJump(exitJumpIP, afterBody)
	loop := c.popLoop()
	for _, ip := range loop.breakPatches {
		c.patchJump(ip, afterBody)
	}
	c.curTable().PopBlock()
}

// compileForIn desugars `for (x in src) body` using two hidden locals,
// @i and @source (names starting with "@" can never collide with a
// lexable user identifier, §9): @i is advanced in the "update" position
// exactly like a classic for loop, so `continue` has a precomputed
// target the same way compileFor's does.
func (c *Compiler) compileForIn(v *parser.ForInStmt) {
	table := c.curTable()
	table.PushBlock()
	d := c.debugAt(v.Pos_)

	c.compileExpr(v.Source)
	sourceSym := table.Define("@source")
	c.defineSymbol(sourceSym, v.Pos_)

	c.emitOp(bytecode.OpNumber, d)
	c.emitUint64(0, d)
	idxSym := table.Define("@i")
	c.defineSymbol(idxSym, v.Pos_)

	jumpToAfterUpdateIP := c.emitJump(bytecode.OpJump, v.Pos_)
	updateIP := c.curLen()
	c.loadSymbol(idxSym, v.Pos_)
	c.emitOp(bytecode.OpNumber, d)
	c.emitUint64(math.Float64bits(1), d)
	c.emitOp(bytecode.OpAdd, d)
	c.assignSymbol(idxSym, v.Pos_)
	c.emitOp(bytecode.OpPop, d)
	afterUpdate := c.curLen()
	c.patchJump(jumpToAfterUpdateIP, afterUpdate)

	c.loadSymbol(sourceSym, v.Pos_)
	c.emitOp(bytecode.OpLen, d)
	c.loadSymbol(idxSym, v.Pos_)
	c.emitOp(bytecode.OpCompare, d)
	c.emitOp(bytecode.OpGreaterThan, d)
	jumpIfTrueIP := c.emitJump(bytecode.OpJumpIfTrue, v.Pos_)
	exitJumpIP := c.emitJump(bytecode.OpJump, v.Pos_)
	c.patchJump(jumpIfTrueIP, c.curLen())

	table.PushBlock()
	c.loadSymbol(sourceSym, v.Pos_)
	c.loadSymbol(idxSym, v.Pos_)
	c.emitOp(bytecode.OpGetValueAt, d)
	loopVarSym := table.Define(v.Var)
	c.defineSymbol(loopVarSym, v.Pos_)

	c.pushLoop(updateIP)
	c.compileStmtList(v.Body.Stmts, false)
	c.emitJump(bytecode.OpJump, v.Pos_)
	c.patchJump(c.curLen()-2, updateIP)
	table.PopBlock()

	afterBody := c.curLen()
	c.patchJump(exitJumpIP, afterBody)
	loop := c.popLoop()
	for _, ip := range loop.breakPatches {
		c.patchJump(ip, afterBody)
	}
	table.PopBlock()
}

func (c *Compiler) compileReturn(v *parser.ReturnStmt) {
	if c.curTable().Outer == nil {
		c.errorAt(v.Pos_, "nothing to return from")
		return
	}
	d := c.debugAt(v.Pos_)
	if v.Value != nil {
		c.compileExpr(v.Value)
		c.emitOp(bytecode.OpReturnValue, d)
	} else {
		c.emitOp(bytecode.OpReturn, d)
	}
}

func (c *Compiler) compileBreak(pos parser.Pos) {
	loops := c.curScope().loops
	if len(loops) == 0 {
		c.errorAt(pos, "break outside of a loop")
		return
	}
	top := loops[len(loops)-1]
	ip := c.emitJump(bytecode.OpJump, pos)
	top.breakPatches = append(top.breakPatches, ip)
}

func (c *Compiler) compileContinue(pos parser.Pos) {
	loops := c.curScope().loops
	if len(loops) == 0 {
		c.errorAt(pos, "continue outside of a loop")
		return
	}
	top := loops[len(loops)-1]
	c.emitJump(bytecode.OpJump, pos)
	c.patchJump(c.curLen()-2, top.continueTarget)
}

// compileRecover compiles `recover (err) { ... }` as an out-of-line
// handler: normal control flow jumps straight past it, and the VM
// retargets ip into it only when unwinding an error (§4.8).
func (c *Compiler) compileRecover(v *parser.RecoverStmt) {
	recoverIP := c.emitJump(bytecode.OpSetRecover, v.Pos_)
	skipIP := c.emitJump(bytecode.OpJump, v.Pos_)
	c.patchJump(recoverIP, c.curLen())

	c.curTable().PushBlock()
	errSym := c.curTable().Define(v.ErrName)
	c.defineSymbol(errSym, v.Pos_)
	c.compileStmtList(v.Body.Stmts, false)
	if !c.chunkEndsInReturn() {
		c.errorAt(v.Pos_, "recover body must end in a return")
	}
	c.curTable().PopBlock()

	c.patchJump(skipIP, c.curLen())
}

// ---- imports ----

func canonicalImportPath(baseDir, currentFile, importPath string) string {
	p := importPath
	if !strings.HasSuffix(p, ".ape") {
		p += ".ape"
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	dir := baseDir
	if currentFile != "" {
		dir = filepath.Dir(currentFile)
	}
	return filepath.Clean(filepath.Join(dir, p))
}

func moduleAliasName(importPath string) string {
	base := filepath.Base(importPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// compileImport loads, parses and compiles the target file exactly once
// per Compiler lifetime (cached by canonical path; concurrent callers
// sharing this Compiler collapse onto one compile via singleflight), then
// registers every one of its module globals under `<module>::name` in
// the importing scope (§4.7).
func (c *Compiler) compileImport(v *parser.ImportStmt) {
	canon := canonicalImportPath(c.baseDir, "", v.Path)
	for _, open := range c.loadedStack {
		if open == canon {
			c.errorAt(v.Pos_, "cyclic import: %s -> %s", strings.Join(c.loadedStack, " -> "), canon)
			return
		}
	}

	c.moduleCacheMu.Lock()
	cached, ok := c.moduleCache[canon]
	c.moduleCacheMu.Unlock()
	if !ok {
		res, err, _ := c.moduleGroup.Do(canon, func() (interface{}, error) {
			return c.compileModuleFile(canon, v.Pos_)
		})
		if err != nil {
			c.errorAt(v.Pos_, "importing %q: %s", v.Path, err)
			return
		}
		cached = res.(*moduleResult)
		c.moduleCacheMu.Lock()
		c.moduleCache[canon] = cached
		c.moduleCacheMu.Unlock()
	}

	alias := moduleAliasName(v.Path)
	for _, sym := range cached.globals {
		c.curTable().DefineAlias(alias+"::"+sym.Name, sym)
	}
}

func (c *Compiler) compileModuleFile(canon string, pos parser.Pos) (*moduleResult, error) {
	src, err := c.readFile(canon)
	if err != nil {
		return nil, err
	}
	c.loadedStack = append(c.loadedStack, canon)
	defer func() { c.loadedStack = c.loadedStack[:len(c.loadedStack)-1] }()

	p := parser.NewFromSource(string(src), canon)
	stmts := p.ParseProgram()
	if p.Errors().HasErrors() {
		return nil, fmt.Errorf("%s", p.Errors().String())
	}

	importer := c.curTable()
	base := importer.moduleGlobalBase + len(importer.ModuleGlobals)
	table := c.pushFileScope(alias(canon), base)
	c.compileStmtList(stmts, true)
	code := c.curScope().chunk.Freeze(0, 0)
	end := table.moduleGlobalBase + len(table.ModuleGlobals)
	c.nextModuleGlobal = end
	c.scopes = c.scopes[:len(c.scopes)-1]
	c.tables = c.tables[:len(c.tables)-1]
	// The importer's later globals follow the imported file's range.
	importer.moduleGlobalBase = end - len(importer.ModuleGlobals)

	res := &moduleResult{code: code, globals: table.ModuleGlobals}
	c.moduleChunks = append(c.moduleChunks, code)
	return res, nil
}

func alias(canon string) string { return moduleAliasName(canon) }

// ---- expressions ----

func (c *Compiler) compileExpr(e parser.Expr) {
	switch e.(type) {
	case *parser.InfixExpr, *parser.PrefixExpr:
		e = foldExpr(e)
	}
	switch v := e.(type) {
	case *parser.Identifier:
		c.compileIdentifier(v)
	case *parser.NumberLiteral:
		c.compileNumberLiteral(v)
	case *parser.StringLiteral:
		c.compileStringLiteral(v)
	case *parser.BoolLiteral:
		if v.Value {
			c.emitOp(bytecode.OpTrue, c.debugAt(v.Pos_))
		} else {
			c.emitOp(bytecode.OpFalse, c.debugAt(v.Pos_))
		}
	case *parser.NullLiteral:
		c.emitOp(bytecode.OpNull, c.debugAt(v.Pos_))
	case *parser.ArrayLiteral:
		c.compileArray(v)
	case *parser.MapLiteral:
		c.compileMap(v)
	case *parser.PrefixExpr:
		c.compilePrefix(v)
	case *parser.InfixExpr:
		c.compileInfix(v)
	case *parser.LogicalExpr:
		c.compileLogical(v)
	case *parser.AssignExpr:
		c.compileAssign(v)
	case *parser.CallExpr:
		c.compileCall(v)
	case *parser.IndexExpr:
		c.compileIndex(v)
	case *parser.FunctionLiteral:
		c.compileFunctionLiteral(v)
	default:
		c.errorAt(e.Position(), "unknown expression node %T", e)
	}
}

func (c *Compiler) compileIdentifier(e *parser.Identifier) {
	sym, ok := c.curTable().Resolve(e.Name)
	if !ok {
		c.errorAt(e.Pos_, "undefined identifier %q", e.Name)
		c.emitOp(bytecode.OpNull, c.debugAt(e.Pos_))
		return
	}
	c.loadSymbol(sym, e.Pos_)
}

func (c *Compiler) compileStringLiteral(e *parser.StringLiteral) {
	ix := c.addConstant(c.heap.NewString(e.Value))
	d := c.debugAt(e.Pos_)
	c.emitOp(bytecode.OpConstant, d)
	c.emitUint16(uint16(ix), d)
}

func (c *Compiler) compileNumberLiteral(e *parser.NumberLiteral) {
	f, err := parser.ParseNumberValue(e.Raw)
	if err != nil {
		c.errorAt(e.Pos_, "invalid number literal %q", e.Raw)
	}
	d := c.debugAt(e.Pos_)
	c.emitOp(bytecode.OpNumber, d)
	c.emitUint64(math.Float64bits(f), d)
}

func (c *Compiler) compileArray(e *parser.ArrayLiteral) {
	for _, el := range e.Elements {
		c.compileExpr(el)
	}
	d := c.debugAt(e.Pos_)
	c.emitOp(bytecode.OpArray, d)
	c.emitUint16(uint16(len(e.Elements)), d)
}

func (c *Compiler) compileMap(e *parser.MapLiteral) {
	d := c.debugAt(e.Pos_)
	c.emitOp(bytecode.OpMapStart, d)
	c.emitUint16(uint16(len(e.Keys)), d)
	for i := range e.Keys {
		c.compileExpr(e.Keys[i])
		c.compileExpr(e.Values[i])
	}
	c.emitOp(bytecode.OpMapEnd, d)
	c.emitUint16(uint16(len(e.Keys)), d)
}

func (c *Compiler) compileIndex(e *parser.IndexExpr) {
	c.compileExpr(e.Left)
	c.compileExpr(e.Index)
	c.emitOp(bytecode.OpGetIndex, c.debugAt(e.Pos_))
}

var arithOps = map[string]bytecode.OpCode{
	"+": bytecode.OpAdd, "-": bytecode.OpSub, "*": bytecode.OpMul, "/": bytecode.OpDiv, "%": bytecode.OpMod,
	"&": bytecode.OpAnd, "|": bytecode.OpOr, "^": bytecode.OpXor, "<<": bytecode.OpLShift, ">>": bytecode.OpRShift,
}

// compileInfix implements the comparison-operand-swap rule (§4.6/§4.7):
// only > and >= exist as opcodes, so < and <= compile by swapping their
// operands before COMPARE.
func (c *Compiler) compileInfix(e *parser.InfixExpr) {
	d := c.debugAt(e.Pos_)
	switch e.Op {
	case "==":
		c.compileExpr(e.Left)
		c.compileExpr(e.Right)
		c.emitOp(bytecode.OpEqual, d)
		return
	case "!=":
		c.compileExpr(e.Left)
		c.compileExpr(e.Right)
		c.emitOp(bytecode.OpNotEqual, d)
		return
	case ">", ">=":
		c.compileExpr(e.Left)
		c.compileExpr(e.Right)
		c.emitOp(bytecode.OpCompare, d)
		if e.Op == ">" {
			c.emitOp(bytecode.OpGreaterThan, d)
		} else {
			c.emitOp(bytecode.OpGreaterThanEqual, d)
		}
		return
	case "<", "<=":
		c.compileExpr(e.Right)
		c.compileExpr(e.Left)
		c.emitOp(bytecode.OpCompare, d)
		if e.Op == "<" {
			c.emitOp(bytecode.OpGreaterThan, d)
		} else {
			c.emitOp(bytecode.OpGreaterThanEqual, d)
		}
		return
	}
	if op, ok := arithOps[e.Op]; ok {
		c.compileExpr(e.Left)
		c.compileExpr(e.Right)
		c.emitOp(op, d)
		return
	}
	c.errorAt(e.Pos_, "unknown operator %q", e.Op)
}

func (c *Compiler) compilePrefix(e *parser.PrefixExpr) {
	c.compileExpr(e.Right)
	d := c.debugAt(e.Pos_)
	switch e.Op {
	case "-":
		c.emitOp(bytecode.OpMinus, d)
	case "!":
		c.emitOp(bytecode.OpBang, d)
	default:
		c.errorAt(e.Pos_, "unknown unary operator %q", e.Op)
	}
}

// compileLogical short-circuits via DUP + JUMP_IF_{FALSE,TRUE} + POP +
// RHS (§4.7): the duplicate survives on the stack as the result when the
// short-circuit fires, and is discarded in favor of the RHS otherwise.
func (c *Compiler) compileLogical(e *parser.LogicalExpr) {
	c.compileExpr(e.Left)
	d := c.debugAt(e.Pos_)
	c.emitOp(bytecode.OpDup, d)
	jumpOp := bytecode.OpJumpIfFalse
	if e.Op == "||" {
		jumpOp = bytecode.OpJumpIfTrue
	}
	shortCircuitIP := c.emitJump(jumpOp, e.Pos_)
	c.emitOp(bytecode.OpPop, d)
	c.compileExpr(e.Right)
	c.patchJump(shortCircuitIP, c.curLen())
}

func (c *Compiler) compileAssign(e *parser.AssignExpr) {
	switch t := e.Target.(type) {
	case *parser.Identifier:
		sym, ok := c.curTable().Resolve(t.Name)
		if !ok {
			c.errorAt(t.Pos_, "undefined identifier %q", t.Name)
			return
		}
		c.compileExpr(e.Value)
		c.assignSymbol(sym, e.Pos_)
	case *parser.IndexExpr:
		c.compileExpr(t.Left)
		c.compileExpr(t.Index)
		c.compileExpr(e.Value)
		c.emitOp(bytecode.OpSetIndex, c.debugAt(e.Pos_))
	default:
		c.errorAt(e.Position(), "invalid assignment target")
	}
}

func (c *Compiler) compileCall(e *parser.CallExpr) {
	d := c.debugAt(e.Pos_)
	if id, ok := e.Callee.(*parser.Identifier); ok && id.Name == "len" && len(e.Args) == 1 {
		if _, shadowed := c.curTable().Resolve("len"); !shadowed {
			c.compileExpr(e.Args[0])
			c.emitOp(bytecode.OpLen, d)
			return
		}
	}
	c.compileExpr(e.Callee)
	for _, a := range e.Args {
		c.compileExpr(a)
	}
	if len(e.Args) > 255 {
		c.errorAt(e.Pos_, "too many call arguments (max 255)")
		return
	}
	c.emitOp(bytecode.OpCall, d)
	c.emitUint8(uint8(len(e.Args)), d)
}

// compileFunctionLiteral compiles the body in a fresh function scope,
// freezes it into a "template" Function constant with no captured free
// values, then - back in the enclosing scope - emits a GET_* for every
// free symbol (in free-list order) followed by FUNCTION const_ix,
// num_free; the VM instantiates an actual closure from the template by
// popping num_free values off the stack into its own Free slice (§4.7,
// §4.9's closures-capture-by-value note).
func (c *Compiler) compileFunctionLiteral(lit *parser.FunctionLiteral) {
	c.enterFunctionScope()
	c.curScope().funcName = lit.Name
	if lit.Name != "" {
		c.curTable().DefineFunctionName(lit.Name)
	}
	c.curTable().DefineThis()
	for _, p := range lit.Params {
		c.curTable().Define(p)
	}
	c.compileStmtList(lit.Body.Stmts, true)
	if !c.chunkEndsInReturn() {
		c.emitOp(bytecode.OpReturn, c.debugAt(lit.Pos_))
	}

	free := c.curTable().FreeSymbols
	numLocals := c.curTable().NumLocals()
	numParams := len(lit.Params)
	code := c.curScope().chunk.Freeze(numLocals, numParams)
	c.leaveFunctionScope()

	fnVal := c.heap.NewFunction(&value.FunctionData{Name: lit.Name, Code: code, Owning: true})
	ix := c.addConstant(fnVal)
	for _, f := range free {
		c.loadSymbol(f, lit.Pos_)
	}
	d := c.debugAt(lit.Pos_)
	c.emitOp(bytecode.OpFunction, d)
	c.emitUint16(uint16(ix), d)
	c.emitUint8(uint8(len(free)), d)
}

// ---- constant folding (§4.7's optimise_expression) ----

func foldExpr(e parser.Expr) parser.Expr {
	switch v := e.(type) {
	case *parser.PrefixExpr:
		r := foldExpr(v.Right)
		if n, ok := r.(*parser.NumberLiteral); ok && v.Op == "-" {
			if f, err := parser.ParseNumberValue(n.Raw); err == nil {
				return &parser.NumberLiteral{Raw: formatFloat(-f), Pos_: v.Pos_}
			}
		}
		if b, ok := r.(*parser.BoolLiteral); ok && v.Op == "!" {
			return &parser.BoolLiteral{Value: !b.Value, Pos_: v.Pos_}
		}
		return &parser.PrefixExpr{Op: v.Op, Right: r, Pos_: v.Pos_}
	case *parser.InfixExpr:
		l := foldExpr(v.Left)
		r := foldExpr(v.Right)
		if ln, ok1 := l.(*parser.NumberLiteral); ok1 {
			if rn, ok2 := r.(*parser.NumberLiteral); ok2 {
				lf, e1 := parser.ParseNumberValue(ln.Raw)
				rf, e2 := parser.ParseNumberValue(rn.Raw)
				if e1 == nil && e2 == nil {
					if res, ok := foldNumeric(v.Op, lf, rf); ok {
						return &parser.NumberLiteral{Raw: formatFloat(res), Pos_: v.Pos_}
					}
					if res, ok := foldNumericBool(v.Op, lf, rf); ok {
						return &parser.BoolLiteral{Value: res, Pos_: v.Pos_}
					}
				}
			}
		}
		if ls, ok1 := l.(*parser.StringLiteral); ok1 && v.Op == "+" {
			if rs, ok2 := r.(*parser.StringLiteral); ok2 {
				return &parser.StringLiteral{Value: ls.Value + rs.Value, Pos_: v.Pos_}
			}
		}
		return &parser.InfixExpr{Op: v.Op, Left: l, Right: r, Pos_: v.Pos_}
	default:
		return e
	}
}

func foldNumeric(op string, l, r float64) (float64, bool) {
	switch op {
	case "+":
		return l + r, true
	case "-":
		return l - r, true
	case "*":
		return l * r, true
	case "/":
		return l / r, true
	case "%":
		return math.Mod(l, r), true
	case "&":
		return float64(int64(l) & int64(r)), true
	case "|":
		return float64(int64(l) | int64(r)), true
	case "^":
		return float64(int64(l) ^ int64(r)), true
	case "<<":
		return float64(int64(l) << uint64(r)), true
	case ">>":
		return float64(int64(l) >> uint64(r)), true
	}
	return 0, false
}

func foldNumericBool(op string, l, r float64) (bool, bool) {
	switch op {
	case "==":
		return l == r, true
	case "!=":
		return l != r, true
	case ">":
		return l > r, true
	case ">=":
		return l >= r, true
	case "<":
		return l < r, true
	case "<=":
		return l <= r, true
	}
	return false, false
}

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'g', -1, 64) }

package compiler

import (
	"math"
	"testing"

	"sentra/internal/bytecode"
	"sentra/internal/parser"
	"sentra/internal/value"
)

func compileSource(t *testing.T, src string) (*value.CompiledCode, *Compiler) {
	t.Helper()
	p := parser.NewFromSource(src, "test.ape")
	stmts := p.ParseProgram()
	if p.Errors().HasErrors() {
		t.Fatalf("parse errors: %s", p.Errors().String())
	}
	c := NewCompiler(value.NewHeap(), "", nil)
	code := c.Compile("test.ape", stmts)
	return code, c
}

func compileSourceExpectError(t *testing.T, src string) *Compiler {
	t.Helper()
	p := parser.NewFromSource(src, "test.ape")
	stmts := p.ParseProgram()
	if p.Errors().HasErrors() {
		t.Fatalf("parse errors: %s", p.Errors().String())
	}
	c := NewCompiler(value.NewHeap(), "", nil)
	c.Compile("test.ape", stmts)
	if !c.Errors().HasErrors() {
		t.Fatalf("expected a compilation error, got none")
	}
	return c
}

// decodedInstr is one opcode plus its decoded operand(s), for asserting
// on the shape of emitted bytecode without hand-walking byte offsets in
// every test.
type decodedInstr struct {
	op  bytecode.OpCode
	ops []uint64
}

func decode(t *testing.T, code []byte) []decodedInstr {
	t.Helper()
	var out []decodedInstr
	ip := 0
	for ip < len(code) {
		op := bytecode.OpCode(code[ip])
		def, err := bytecode.Lookup(op)
		if err != nil {
			t.Fatalf("unknown opcode %v at ip %d", op, ip)
		}
		ip++
		instr := decodedInstr{op: op}
		for _, width := range def.OperandWidths {
			switch width {
			case 1:
				instr.ops = append(instr.ops, uint64(code[ip]))
			case 2:
				instr.ops = append(instr.ops, uint64(bytecode.ReadUint16(code[ip:ip+2])))
			case 8:
				instr.ops = append(instr.ops, bytecode.ReadUint64(code[ip:ip+8]))
			}
			ip += width
		}
		out = append(out, instr)
	}
	return out
}

func opsOf(instrs []decodedInstr) []bytecode.OpCode {
	ops := make([]bytecode.OpCode, len(instrs))
	for i, instr := range instrs {
		ops[i] = instr.op
	}
	return ops
}

func TestConstantFoldingArithmetic(t *testing.T) {
	code, _ := compileSource(t, `var x = -1 + 2`)
	instrs := decode(t, code.Code)
	// x's initializer should fold to the single literal 1, never emitting
	// OpMinus/OpAdd at all.
	for _, instr := range instrs {
		if instr.op == bytecode.OpMinus || instr.op == bytecode.OpAdd {
			t.Fatalf("expected constant folding to eliminate arithmetic opcodes, found %v", instr.op)
		}
	}
	foundNumber := false
	for _, instr := range instrs {
		if instr.op == bytecode.OpNumber {
			foundNumber = true
			if got := math.Float64frombits(instr.ops[0]); got != 1 {
				t.Fatalf("folded value = %v, want 1", got)
			}
		}
	}
	if !foundNumber {
		t.Fatalf("expected a folded OpNumber instruction")
	}
}

func TestConstantFoldingStringConcat(t *testing.T) {
	code, _ := compileSource(t, `var x = "a" + "b"`)
	if len(code.Constants) != 1 {
		t.Fatalf("expected exactly one folded string constant, got %d", len(code.Constants))
	}
	s := code.Constants[0]
	if !s.IsString() {
		t.Fatalf("folded constant is not a string")
	}
}

func TestConstantFoldingUnaryBang(t *testing.T) {
	code, _ := compileSource(t, `var x = !true`)
	instrs := decode(t, code.Code)
	for _, instr := range instrs {
		if instr.op == bytecode.OpBang {
			t.Fatalf("expected !true to fold away OpBang")
		}
	}
}

func TestBreakOutsideLoopIsCompilationError(t *testing.T) {
	compileSourceExpectError(t, `break`)
}

func TestContinueOutsideLoopIsCompilationError(t *testing.T) {
	compileSourceExpectError(t, `continue`)
}

func TestReturnAtModuleTopLevelIsCompilationError(t *testing.T) {
	compileSourceExpectError(t, `return 1`)
}

func TestRecoverBodyMustEndInReturn(t *testing.T) {
	compileSourceExpectError(t, `
fn f() {
	recover (e) {
		var x = 1
	}
	return 0
}
`)
}

func TestRecoverOutsideFunctionIsCompilationError(t *testing.T) {
	compileSourceExpectError(t, `
recover (e) {
	return 0
}
`)
}

func TestImportOutsideTopLevelIsCompilationError(t *testing.T) {
	compileSourceExpectError(t, `
fn f() {
	import "x"
	return 0
}
`)
}

func TestCyclicImportIsCompilationError(t *testing.T) {
	c := NewCompiler(value.NewHeap(), "/project", nil)
	files := map[string]string{
		"/project/a.ape": `import "b"`,
		"/project/b.ape": `import "a"`,
	}
	c.SetReadFile(func(path string) ([]byte, error) {
		src, ok := files[path]
		if !ok {
			t.Fatalf("unexpected read of %q", path)
		}
		return []byte(src), nil
	})
	p := parser.NewFromSource(`import "a"`, "/project/main.ape")
	stmts := p.ParseProgram()
	c.Compile("/project/main.ape", stmts)
	if !c.Errors().HasErrors() {
		t.Fatalf("expected cyclic import to be rejected")
	}
}

func TestIfElseEmitsBackpatchedJumps(t *testing.T) {
	code, _ := compileSource(t, `
if (true) {
	var a = 1
} else {
	var a = 2
}
`)
	instrs := decode(t, code.Code)
	ops := opsOf(instrs)
	hasJumpIfFalse, hasJump := false, false
	for _, op := range ops {
		if op == bytecode.OpJumpIfFalse {
			hasJumpIfFalse = true
		}
		if op == bytecode.OpJump {
			hasJump = true
		}
	}
	if !hasJumpIfFalse || !hasJump {
		t.Fatalf("expected if/else to emit JUMP_IF_FALSE and JUMP, got %v", ops)
	}
}

func TestWhileLoopCompilesWithoutError(t *testing.T) {
	code, c := compileSource(t, `
var i = 0
while (i < 3) {
	i = i + 1
}
`)
	if c.Errors().HasErrors() {
		t.Fatalf("unexpected errors: %s", c.Errors().String())
	}
	instrs := decode(t, code.Code)
	found := false
	for _, instr := range instrs {
		if instr.op == bytecode.OpGreaterThan {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected `<` to compile via the swapped-operand GREATER_THAN form")
	}
}

func TestForLoopUsesPrecomputedContinueTarget(t *testing.T) {
	_, c := compileSource(t, `
for (var i = 0; i < 10; i = i + 1) {
	continue
}
`)
	if c.Errors().HasErrors() {
		t.Fatalf("unexpected errors: %s", c.Errors().String())
	}
}

func TestForInLoopUsesHiddenLocals(t *testing.T) {
	code, c := compileSource(t, `
var total = 0
for (x in [1, 2, 3]) {
	total = total + x
}
`)
	if c.Errors().HasErrors() {
		t.Fatalf("unexpected errors: %s", c.Errors().String())
	}
	instrs := decode(t, code.Code)
	sawLen, sawValueAt := false, false
	for _, instr := range instrs {
		if instr.op == bytecode.OpLen {
			sawLen = true
		}
		if instr.op == bytecode.OpGetValueAt {
			sawValueAt = true
		}
	}
	if !sawLen || !sawValueAt {
		t.Fatalf("expected for-in to use LEN and GET_VALUE_AT")
	}
}

func TestClosureCapturesFreeVariable(t *testing.T) {
	code, c := compileSource(t, `
fn counter() {
	var n = 0
	fn inc() {
		n = n + 1
		return n
	}
	return inc
}
`)
	if c.Errors().HasErrors() {
		t.Fatalf("unexpected errors: %s", c.Errors().String())
	}
	// The module's constant pool holds counter's template; counter's own
	// pool holds inc's, and inc's FUNCTION instruction carries one free
	// value, loaded by the GET_LOCAL (n) right before it.
	found := false
	for _, cst := range code.Constants {
		if cst.IsFunction() {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the module's constants to contain counter's function template")
	}
	counterCode := code.Constants[0].Object().Fn.Code
	if len(counterCode.Constants) == 0 || !counterCode.Constants[0].IsFunction() {
		t.Fatalf("expected counter's constants to contain inc's function template")
	}
	instrs := decode(t, counterCode.Code)
	captured := false
	for i, instr := range instrs {
		if instr.op == bytecode.OpFunction && instr.ops[1] == 1 && i > 0 && instrs[i-1].op == bytecode.OpGetLocal {
			captured = true
		}
	}
	if !captured {
		t.Fatalf("expected inc's FUNCTION to capture one free value loaded by GET_LOCAL")
	}
}

func TestLogicalAndShortCircuits(t *testing.T) {
	code, _ := compileSource(t, `var x = true && false`)
	instrs := decode(t, code.Code)
	sawDup, sawJumpIfFalse := false, false
	for _, instr := range instrs {
		if instr.op == bytecode.OpDup {
			sawDup = true
		}
		if instr.op == bytecode.OpJumpIfFalse {
			sawJumpIfFalse = true
		}
	}
	if !sawDup || !sawJumpIfFalse {
		t.Fatalf("expected && to compile via DUP + JUMP_IF_FALSE")
	}
}

func TestDotAccessCompilesAsIndex(t *testing.T) {
	code, c := compileSource(t, `
var m = {a: 1}
var x = m.a
`)
	if c.Errors().HasErrors() {
		t.Fatalf("unexpected errors: %s", c.Errors().String())
	}
	instrs := decode(t, code.Code)
	found := false
	for _, instr := range instrs {
		if instr.op == bytecode.OpGetIndex {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected m.a to compile to GET_INDEX")
	}
}

func TestAssignmentIsAnExpression(t *testing.T) {
	_, c := compileSource(t, `
var a = 0
var b = 0
a = b = 5
`)
	if c.Errors().HasErrors() {
		t.Fatalf("unexpected errors: %s", c.Errors().String())
	}
}

func TestUndefinedIdentifierIsCompilationError(t *testing.T) {
	compileSourceExpectError(t, `var x = y`)
}

func TestAssigningToHostGlobalIsCompilationError(t *testing.T) {
	p := parser.NewFromSource(`print = 1`, "test.ape")
	stmts := p.ParseProgram()
	if p.Errors().HasErrors() {
		t.Fatalf("parse errors: %s", p.Errors().String())
	}
	c := NewCompiler(value.NewHeap(), "", []string{"print"})
	c.Compile("test.ape", stmts)
	if !c.Errors().HasErrors() {
		t.Fatalf("expected assignment to a host global to be rejected")
	}
}

func TestHostGlobalResolvesFromNestedFunction(t *testing.T) {
	p := parser.NewFromSource(`
fn f() {
	return print
}
`, "test.ape")
	stmts := p.ParseProgram()
	if p.Errors().HasErrors() {
		t.Fatalf("parse errors: %s", p.Errors().String())
	}
	c := NewCompiler(value.NewHeap(), "", []string{"print"})
	code := c.Compile("test.ape", stmts)
	if c.Errors().HasErrors() {
		t.Fatalf("unexpected errors: %s", c.Errors().String())
	}
	fn := code.Constants[0]
	if !fn.IsFunction() {
		t.Fatalf("expected first constant to be the f() template")
	}
	obj := fn.Object()
	if obj.Fn == nil {
		t.Fatalf("expected FunctionData payload")
	}
	instrs := decode(t, obj.Fn.Code.Code)
	sawHostGlobal := false
	for _, instr := range instrs {
		if instr.op == bytecode.OpGetHostGlobal {
			sawHostGlobal = true
		}
	}
	if !sawHostGlobal {
		t.Fatalf("expected print to resolve via GET_HOST_GLOBAL even from inside f()")
	}
}

package parser

import (
	"testing"
)

func parseString(t *testing.T, input string) []Stmt {
	t.Helper()
	p := NewFromSource(input, "test.sn")
	stmts := p.ParseProgram()
	if p.Errors().HasErrors() {
		t.Fatalf("unexpected parse errors for %q: %s", input, p.Errors().String())
	}
	return stmts
}

func parseStringExpectError(t *testing.T, input string) {
	t.Helper()
	p := NewFromSource(input, "test.sn")
	p.ParseProgram()
	if !p.Errors().HasErrors() {
		t.Fatalf("expected parse errors for %q, got none", input)
	}
}

func TestVarAndConstDeclarations(t *testing.T) {
	stmts := parseString(t, `var x = 1; const y = 2;`)
	if len(stmts) != 2 {
		t.Fatalf("expected 2 statements, got %d", len(stmts))
	}
	v1, ok := stmts[0].(*VarStmt)
	if !ok || v1.Const || v1.Name != "x" {
		t.Fatalf("stmt 0: expected var x, got %#v", stmts[0])
	}
	v2, ok := stmts[1].(*VarStmt)
	if !ok || !v2.Const || v2.Name != "y" {
		t.Fatalf("stmt 1: expected const y, got %#v", stmts[1])
	}
}

func TestOperatorPrecedence(t *testing.T) {
	stmts := parseString(t, `x = 1 + 2 * 3`)
	assign := stmts[0].(*ExprStmt).Expr.(*AssignExpr)
	infix, ok := assign.Value.(*InfixExpr)
	if !ok || infix.Op != "+" {
		t.Fatalf("expected top-level +, got %#v", assign.Value)
	}
	right, ok := infix.Right.(*InfixExpr)
	if !ok || right.Op != "*" {
		t.Fatalf("expected 2*3 grouped on the right, got %#v", infix.Right)
	}
}

func TestAssignmentIsRightAssociative(t *testing.T) {
	stmts := parseString(t, `a = b = c`)
	outer := stmts[0].(*ExprStmt).Expr.(*AssignExpr)
	if _, ok := outer.Target.(*Identifier); !ok {
		t.Fatalf("expected identifier target, got %#v", outer.Target)
	}
	inner, ok := outer.Value.(*AssignExpr)
	if !ok {
		t.Fatalf("expected nested assignment on the right, got %#v", outer.Value)
	}
	if inner.Target.(*Identifier).Name != "b" {
		t.Fatalf("expected b = c nested, got %#v", inner)
	}
}

func TestCompoundAssignmentDesugars(t *testing.T) {
	stmts := parseString(t, `x += 1`)
	assign := stmts[0].(*ExprStmt).Expr.(*AssignExpr)
	if _, ok := assign.Target.(*Identifier); !ok {
		t.Fatalf("expected identifier target, got %#v", assign.Target)
	}
	rhs, ok := assign.Value.(*InfixExpr)
	if !ok || rhs.Op != "+" {
		t.Fatalf("expected desugared x + 1, got %#v", assign.Value)
	}
	if _, ok := rhs.Left.(*Identifier); !ok {
		t.Fatalf("expected cloned identifier on left of desugared op, got %#v", rhs.Left)
	}
}

func TestDotAccessDesugarsToIndex(t *testing.T) {
	stmts := parseString(t, `x = a.b.c`)
	assign := stmts[0].(*ExprStmt).Expr.(*AssignExpr)
	outer, ok := assign.Value.(*IndexExpr)
	if !ok {
		t.Fatalf("expected outer index expr, got %#v", assign.Value)
	}
	if lit, ok := outer.Index.(*StringLiteral); !ok || lit.Value != "c" {
		t.Fatalf("expected outer key \"c\", got %#v", outer.Index)
	}
	inner, ok := outer.Left.(*IndexExpr)
	if !ok {
		t.Fatalf("expected a.b.c to left-associate through a nested index, got %#v", outer.Left)
	}
	if lit, ok := inner.Index.(*StringLiteral); !ok || lit.Value != "b" {
		t.Fatalf("expected inner key \"b\", got %#v", inner.Index)
	}
	if _, ok := inner.Left.(*Identifier); !ok {
		t.Fatalf("expected innermost identifier a, got %#v", inner.Left)
	}
}

func TestIfElifElse(t *testing.T) {
	stmts := parseString(t, `
		if (a) { return 1 } else if (b) { return 2 } else { return 3 }
	`)
	top, ok := stmts[0].(*IfStmt)
	if !ok {
		t.Fatalf("expected IfStmt, got %#v", stmts[0])
	}
	elif, ok := top.Else.(*IfStmt)
	if !ok {
		t.Fatalf("expected elif chained as *IfStmt, got %#v", top.Else)
	}
	if _, ok := elif.Else.(*BlockStmt); !ok {
		t.Fatalf("expected final else as *BlockStmt, got %#v", elif.Else)
	}
}

func TestWhileLoop(t *testing.T) {
	stmts := parseString(t, `while (x < 10) { x += 1 }`)
	w, ok := stmts[0].(*WhileStmt)
	if !ok {
		t.Fatalf("expected WhileStmt, got %#v", stmts[0])
	}
	if len(w.Body.Stmts) != 1 {
		t.Fatalf("expected 1 statement in while body, got %d", len(w.Body.Stmts))
	}
}

func TestClassicForLoop(t *testing.T) {
	stmts := parseString(t, `for (var i = 0; i < 10; i += 1) { print(i) }`)
	f, ok := stmts[0].(*ForStmt)
	if !ok {
		t.Fatalf("expected ForStmt, got %#v", stmts[0])
	}
	if f.Init == nil || f.Cond == nil || f.Update == nil {
		t.Fatalf("expected all three for-clauses present, got %#v", f)
	}
}

func TestForInLoop(t *testing.T) {
	stmts := parseString(t, `for (item in items) { print(item) }`)
	f, ok := stmts[0].(*ForInStmt)
	if !ok {
		t.Fatalf("expected ForInStmt, got %#v", stmts[0])
	}
	if f.Var != "item" {
		t.Fatalf("expected loop var 'item', got %q", f.Var)
	}
}

func TestBreakAndContinue(t *testing.T) {
	stmts := parseString(t, `while (true) { break; continue }`)
	w := stmts[0].(*WhileStmt)
	if _, ok := w.Body.Stmts[0].(*BreakStmt); !ok {
		t.Fatalf("expected BreakStmt, got %#v", w.Body.Stmts[0])
	}
	if _, ok := w.Body.Stmts[1].(*ContinueStmt); !ok {
		t.Fatalf("expected ContinueStmt, got %#v", w.Body.Stmts[1])
	}
}

func TestNamedFunctionDesugarsToConstVar(t *testing.T) {
	stmts := parseString(t, `fn add(a, b) { return a + b }`)
	v, ok := stmts[0].(*VarStmt)
	if !ok || !v.Const || v.Name != "add" {
		t.Fatalf("expected desugared const var 'add', got %#v", stmts[0])
	}
	fn, ok := v.Value.(*FunctionLiteral)
	if !ok || fn.Name != "add" || len(fn.Params) != 2 {
		t.Fatalf("expected function literal with 2 params, got %#v", v.Value)
	}
}

func TestAnonymousFunctionLiteral(t *testing.T) {
	stmts := parseString(t, `callback = fn(x) { return x }`)
	assign := stmts[0].(*ExprStmt).Expr.(*AssignExpr)
	fn, ok := assign.Value.(*FunctionLiteral)
	if !ok || fn.Name != "" {
		t.Fatalf("expected anonymous function literal, got %#v", assign.Value)
	}
}

func TestArrayAndMapLiterals(t *testing.T) {
	stmts := parseString(t, `x = [1, 2, 3]; y = {a: 1, "b": 2}`)
	arr := stmts[0].(*ExprStmt).Expr.(*AssignExpr).Value.(*ArrayLiteral)
	if len(arr.Elements) != 3 {
		t.Fatalf("expected 3 array elements, got %d", len(arr.Elements))
	}
	m := stmts[1].(*ExprStmt).Expr.(*AssignExpr).Value.(*MapLiteral)
	if len(m.Keys) != 2 {
		t.Fatalf("expected 2 map entries, got %d", len(m.Keys))
	}
	if k, ok := m.Keys[0].(*StringLiteral); !ok || k.Value != "a" {
		t.Fatalf("expected bare identifier key desugared to string \"a\", got %#v", m.Keys[0])
	}
}

func TestTemplateStringDesugarsToConcatChain(t *testing.T) {
	stmts := parseString(t, "x = `hi ${name}!`")
	assign := stmts[0].(*ExprStmt).Expr.(*AssignExpr)
	// ("hi " + to_str(name)) + "!"
	outer, ok := assign.Value.(*InfixExpr)
	if !ok || outer.Op != "+" {
		t.Fatalf("expected outer + chain, got %#v", assign.Value)
	}
	tail, ok := outer.Right.(*StringLiteral)
	if !ok || tail.Value != "!" {
		t.Fatalf("expected trailing literal \"!\", got %#v", outer.Right)
	}
	inner, ok := outer.Left.(*InfixExpr)
	if !ok || inner.Op != "+" {
		t.Fatalf("expected nested + for head+hole, got %#v", outer.Left)
	}
	head, ok := inner.Left.(*StringLiteral)
	if !ok || head.Value != "hi " {
		t.Fatalf("expected head literal \"hi \", got %#v", inner.Left)
	}
	call, ok := inner.Right.(*CallExpr)
	if !ok {
		t.Fatalf("expected interpolation wrapped in a call, got %#v", inner.Right)
	}
	if callee, ok := call.Callee.(*Identifier); !ok || callee.Name != "to_str" {
		t.Fatalf("expected to_str call, got %#v", call.Callee)
	}
}

func TestRecoverStatement(t *testing.T) {
	stmts := parseString(t, `
		fn risky() {
			recover(e) { return e }
			return 1
		}
	`)
	v := stmts[0].(*VarStmt)
	fn := v.Value.(*FunctionLiteral)
	rec, ok := fn.Body.Stmts[0].(*RecoverStmt)
	if !ok || rec.ErrName != "e" {
		t.Fatalf("expected recover(e) as first statement, got %#v", fn.Body.Stmts[0])
	}
}

func TestImportStatement(t *testing.T) {
	stmts := parseString(t, `import "math"`)
	imp, ok := stmts[0].(*ImportStmt)
	if !ok || imp.Path != "math" {
		t.Fatalf("expected import \"math\", got %#v", stmts[0])
	}
}

func TestCallAndIndexExpressions(t *testing.T) {
	stmts := parseString(t, `x = f(1, 2)[0]`)
	assign := stmts[0].(*ExprStmt).Expr.(*AssignExpr)
	idx, ok := assign.Value.(*IndexExpr)
	if !ok {
		t.Fatalf("expected index expression, got %#v", assign.Value)
	}
	call, ok := idx.Left.(*CallExpr)
	if !ok || len(call.Args) != 2 {
		t.Fatalf("expected call with 2 args, got %#v", idx.Left)
	}
}

func TestBareExpressionStatementRejectedOutsideREPL(t *testing.T) {
	parseStringExpectError(t, `1 + 2`)
}

func TestBareExpressionStatementAllowedInREPLMode(t *testing.T) {
	p := NewFromSource(`1 + 2`, "repl")
	p.SetREPLMode(true)
	p.ParseProgram()
	if p.Errors().HasErrors() {
		t.Fatalf("unexpected errors in REPL mode: %s", p.Errors().String())
	}
}

func TestLogicalOperatorsShortCircuitNodeKind(t *testing.T) {
	stmts := parseString(t, `x = a && b || c`)
	assign := stmts[0].(*ExprStmt).Expr.(*AssignExpr)
	outer, ok := assign.Value.(*LogicalExpr)
	if !ok || outer.Op != "||" {
		t.Fatalf("expected outer || as LogicalExpr, got %#v", assign.Value)
	}
	if _, ok := outer.Left.(*LogicalExpr); !ok {
		t.Fatalf("expected a && b grouped tighter on the left, got %#v", outer.Left)
	}
}

func TestComparisonAndBitwisePrecedence(t *testing.T) {
	stmts := parseString(t, `x = a | b == c & d`)
	assign := stmts[0].(*ExprStmt).Expr.(*AssignExpr)
	outer, ok := assign.Value.(*InfixExpr)
	if !ok || outer.Op != "|" {
		t.Fatalf("expected | as the loosest-binding op here, got %#v", assign.Value)
	}
	right, ok := outer.Right.(*InfixExpr)
	if !ok || right.Op != "&" {
		t.Fatalf("expected & nested under |, got %#v", outer.Right)
	}
	rl, ok := right.Left.(*InfixExpr)
	if !ok || rl.Op != "==" {
		t.Fatalf("expected == binding tighter than & on its left, got %#v", right.Left)
	}
}

func TestUnaryPrefixExpressions(t *testing.T) {
	stmts := parseString(t, `x = -1 + !flag`)
	assign := stmts[0].(*ExprStmt).Expr.(*AssignExpr)
	sum, ok := assign.Value.(*InfixExpr)
	if !ok || sum.Op != "+" {
		t.Fatalf("expected + at top, got %#v", assign.Value)
	}
	if neg, ok := sum.Left.(*PrefixExpr); !ok || neg.Op != "-" {
		t.Fatalf("expected unary - on the left, got %#v", sum.Left)
	}
	if not, ok := sum.Right.(*PrefixExpr); !ok || not.Op != "!" {
		t.Fatalf("expected unary ! on the right, got %#v", sum.Right)
	}
}

func TestIllegalTokenProducesError(t *testing.T) {
	parseStringExpectError(t, "x = @")
}

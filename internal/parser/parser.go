// internal/parser/parser.go
package parser

import (
	"strconv"

	"sentra/internal/errors"
	"sentra/internal/lexer"
)

// Precedence ladder (§4.4), lowest to highest.
const (
	LOWEST = iota
	ASSIGN
	LOGICAL_OR
	LOGICAL_AND
	BIT_OR
	BIT_XOR
	BIT_AND
	EQUALS
	LESSGREATER
	SHIFT
	SUM
	PRODUCT
	PREFIX
	CALL
	INDEX
	DOT
)

var precedences = map[lexer.TokenType]int{
	lexer.TokenAssign:    ASSIGN,
	lexer.TokenPlusEq:    ASSIGN,
	lexer.TokenMinusEq:   ASSIGN,
	lexer.TokenStarEq:    ASSIGN,
	lexer.TokenSlashEq:   ASSIGN,
	lexer.TokenPercentEq: ASSIGN,
	lexer.TokenAmpEq:     ASSIGN,
	lexer.TokenPipeEq:    ASSIGN,
	lexer.TokenCaretEq:   ASSIGN,
	lexer.TokenShlEq:     ASSIGN,
	lexer.TokenShrEq:     ASSIGN,

	lexer.TokenOrOr:   LOGICAL_OR,
	lexer.TokenAndAnd: LOGICAL_AND,

	lexer.TokenPipe:  BIT_OR,
	lexer.TokenCaret: BIT_XOR,
	lexer.TokenAmp:   BIT_AND,

	lexer.TokenEq:    EQUALS,
	lexer.TokenNotEq: EQUALS,

	lexer.TokenLt: LESSGREATER,
	lexer.TokenLe: LESSGREATER,
	lexer.TokenGt: LESSGREATER,
	lexer.TokenGe: LESSGREATER,

	lexer.TokenShl: SHIFT,
	lexer.TokenShr: SHIFT,

	lexer.TokenPlus:  SUM,
	lexer.TokenMinus: SUM,

	lexer.TokenStar:    PRODUCT,
	lexer.TokenSlash:   PRODUCT,
	lexer.TokenPercent: PRODUCT,

	lexer.TokenLParen:   CALL,
	lexer.TokenLBracket: INDEX,
	lexer.TokenDot:      DOT,
}

// compoundOps maps a compound-assignment token to the binary operator
// its desugaring uses: `x += y` becomes `x = x + y` (§4.4).
var compoundOps = map[lexer.TokenType]string{
	lexer.TokenPlusEq:    "+",
	lexer.TokenMinusEq:   "-",
	lexer.TokenStarEq:    "*",
	lexer.TokenSlashEq:   "/",
	lexer.TokenPercentEq: "%",
	lexer.TokenAmpEq:     "&",
	lexer.TokenPipeEq:    "|",
	lexer.TokenCaretEq:   "^",
	lexer.TokenShlEq:     "<<",
	lexer.TokenShrEq:     ">>",
}

// Parser is a Pratt-style expression parser plus statement forms
// (§4.4), driven directly off the Scanner rather than a pre-scanned
// token slice: template-string interpolation requires the scanner to
// resume lexing mid-literal once the parser has consumed the closing
// "}" of an interpolation hole (§4.3's "continue template string"),
// which only works against a live, incrementally-advanced scanner.
type Parser struct {
	s        *lexer.Scanner
	curTok   lexer.Token
	peekTok  lexer.Token
	errs     *errors.List
	replMode bool

	prefixFns map[lexer.TokenType]func() Expr
	infixFns  map[lexer.TokenType]func(Expr) Expr
}

func New(s *lexer.Scanner) *Parser {
	p := &Parser{s: s, errs: errors.NewList()}
	p.registerFns()
	p.nextToken()
	p.nextToken()
	return p
}

func NewFromSource(source, file string) *Parser {
	return New(lexer.NewScannerWithFile(source, file))
}

// SetREPLMode toggles whether a bare expression statement is accepted
// at top level (§6 `repl_mode`); outside REPL mode, an expression
// statement must be an assignment or a call (§4.4).
func (p *Parser) SetREPLMode(v bool) { p.replMode = v }

func (p *Parser) Errors() *errors.List { return p.errs }

func (p *Parser) registerFns() {
	p.prefixFns = map[lexer.TokenType]func() Expr{
		lexer.TokenIdent:          p.parseIdentifier,
		lexer.TokenNumber:         p.parseNumberLiteral,
		lexer.TokenString:         p.parseStringLiteral,
		lexer.TokenTemplateString: p.parseTemplateString,
		lexer.TokenTrue:           p.parseBoolLiteral,
		lexer.TokenFalse:          p.parseBoolLiteral,
		lexer.TokenNull:           p.parseNullLiteral,
		lexer.TokenLParen:         p.parseGroupedExpr,
		lexer.TokenLBracket:       p.parseArrayLiteral,
		lexer.TokenLBrace:         p.parseMapLiteral,
		lexer.TokenMinus:          p.parsePrefixExpr,
		lexer.TokenBang:           p.parsePrefixExpr,
		lexer.TokenFn:             p.parseFunctionLiteralExpr,
	}

	p.infixFns = map[lexer.TokenType]func(Expr) Expr{}
	for _, t := range []lexer.TokenType{
		lexer.TokenPlus, lexer.TokenMinus, lexer.TokenStar, lexer.TokenSlash, lexer.TokenPercent,
		lexer.TokenLt, lexer.TokenLe, lexer.TokenGt, lexer.TokenGe, lexer.TokenEq, lexer.TokenNotEq,
		lexer.TokenAmp, lexer.TokenPipe, lexer.TokenCaret, lexer.TokenShl, lexer.TokenShr,
	} {
		p.infixFns[t] = p.parseInfixExpr
	}
	p.infixFns[lexer.TokenAndAnd] = p.parseLogicalExpr
	p.infixFns[lexer.TokenOrOr] = p.parseLogicalExpr
	p.infixFns[lexer.TokenLParen] = p.parseCallExpr
	p.infixFns[lexer.TokenLBracket] = p.parseIndexExpr
	p.infixFns[lexer.TokenDot] = p.parseDotExpr
	for t := range compoundOps {
		p.infixFns[t] = p.parseAssignExpr
	}
	p.infixFns[lexer.TokenAssign] = p.parseAssignExpr
}

// ---- token-stream plumbing ----

func (p *Parser) nextToken() {
	p.curTok = p.peekTok
	p.peekTok = p.s.Next()
}

func (p *Parser) curIs(t lexer.TokenType) bool  { return p.curTok.Type == t }
func (p *Parser) peekIs(t lexer.TokenType) bool { return p.peekTok.Type == t }

func (p *Parser) expectPeek(t lexer.TokenType) bool {
	if p.peekIs(t) {
		p.nextToken()
		return true
	}
	p.errorAt(posOf(p.peekTok), "expected %s, got %s (%q)", t, p.peekTok.Type, p.peekTok.Lexeme)
	return false
}

func (p *Parser) peekPrecedence() int {
	if pr, ok := precedences[p.peekTok.Type]; ok {
		return pr
	}
	return LOWEST
}

func (p *Parser) curPrecedence() int {
	if pr, ok := precedences[p.curTok.Type]; ok {
		return pr
	}
	return LOWEST
}

func (p *Parser) errorAt(pos Pos, format string, args ...interface{}) {
	p.errs.Add(errors.New(errors.Parsing, errors.Position{File: pos.File, Line: pos.Line, Column: pos.Column}, format, args...))
}

func (p *Parser) noPrefixError() {
	p.errorAt(posOf(p.curTok), "unexpected token in expression: %q", p.curTok.Lexeme)
}

// ---- program / statements ----

func (p *Parser) ParseProgram() []Stmt {
	var stmts []Stmt
	for !p.curIs(lexer.TokenEOF) {
		if stmt := p.parseStatement(); stmt != nil {
			stmts = append(stmts, stmt)
		}
		p.nextToken()
	}
	return stmts
}

func (p *Parser) parseStatement() Stmt {
	var stmt Stmt
	switch p.curTok.Type {
	case lexer.TokenVar, lexer.TokenConst:
		stmt = p.parseVarNoSemi()
	case lexer.TokenIf:
		stmt = p.parseIfStmt()
	case lexer.TokenWhile:
		stmt = p.parseWhileStmt()
	case lexer.TokenFor:
		stmt = p.parseForStmt()
	case lexer.TokenReturn:
		stmt = p.parseReturnStmt()
	case lexer.TokenBreak:
		stmt = &BreakStmt{Pos_: posOf(p.curTok)}
	case lexer.TokenContinue:
		stmt = &ContinueStmt{Pos_: posOf(p.curTok)}
	case lexer.TokenImport:
		stmt = p.parseImportStmt()
	case lexer.TokenRecover:
		stmt = p.parseRecoverStmt()
	case lexer.TokenLBrace:
		stmt = p.parseBlockStmtBody()
	case lexer.TokenFn:
		stmt = p.parseFunctionStmt()
	case lexer.TokenIllegal:
		p.errorAt(posOf(p.curTok), "illegal token %q", p.curTok.Lexeme)
		return nil
	default:
		stmt = p.parseExprStmt()
	}
	if p.peekIs(lexer.TokenSemi) {
		p.nextToken()
	}
	return stmt
}

func (p *Parser) parseExprStmt() Stmt {
	pos := posOf(p.curTok)
	expr := p.parseExpression(LOWEST)
	if !p.replMode && !isAssignOrCall(expr) {
		p.errorAt(pos, "expression statement must be an assignment or a call")
	}
	return &ExprStmt{Expr: expr, Pos_: pos}
}

func isAssignOrCall(e Expr) bool {
	switch e.(type) {
	case *AssignExpr, *CallExpr:
		return true
	}
	return false
}

// parseVarNoSemi parses `var name = expr` / `const name = expr` without
// consuming a trailing ';', so it can double as a `for(...)` header
// initializer.
func (p *Parser) parseVarNoSemi() *VarStmt {
	pos := posOf(p.curTok)
	isConst := p.curTok.Type == lexer.TokenConst
	if !p.expectPeek(lexer.TokenIdent) {
		return nil
	}
	name := p.curTok.Lexeme
	if !p.expectPeek(lexer.TokenAssign) {
		return nil
	}
	p.nextToken()
	val := p.parseExpression(LOWEST)
	return &VarStmt{Name: name, Const: isConst, Value: val, Pos_: pos}
}

func (p *Parser) parseFunctionStmt() Stmt {
	pos := posOf(p.curTok)
	if !p.expectPeek(lexer.TokenIdent) {
		return nil
	}
	name := p.curTok.Lexeme
	if !p.expectPeek(lexer.TokenLParen) {
		return nil
	}
	params := p.parseFunctionParams()
	if !p.expectPeek(lexer.TokenLBrace) {
		return nil
	}
	body := p.parseBlockStmtBody()
	fn := &FunctionLiteral{Name: name, Params: params, Body: body, Pos_: pos}
	return &VarStmt{Name: name, Const: true, Value: fn, Pos_: pos}
}

func (p *Parser) parseIfStmt() Stmt {
	pos := posOf(p.curTok)
	p.nextToken()
	cond := p.parseExpression(LOWEST)
	if !p.expectPeek(lexer.TokenLBrace) {
		return nil
	}
	then := p.parseBlockStmtBody()
	ifs := &IfStmt{Cond: cond, Then: then, Pos_: pos}
	if p.peekIs(lexer.TokenElse) {
		p.nextToken()
		if p.peekIs(lexer.TokenIf) {
			p.nextToken()
			ifs.Else = p.parseIfStmt()
		} else if p.expectPeek(lexer.TokenLBrace) {
			ifs.Else = p.parseBlockStmtBody()
		}
	}
	return ifs
}

func (p *Parser) parseWhileStmt() Stmt {
	pos := posOf(p.curTok)
	p.nextToken()
	cond := p.parseExpression(LOWEST)
	if !p.expectPeek(lexer.TokenLBrace) {
		return nil
	}
	body := p.parseBlockStmtBody()
	return &WhileStmt{Cond: cond, Body: body, Pos_: pos}
}

func (p *Parser) parseReturnStmt() Stmt {
	pos := posOf(p.curTok)
	if p.peekIs(lexer.TokenRBrace) || p.peekIs(lexer.TokenSemi) || p.peekIs(lexer.TokenEOF) {
		return &ReturnStmt{Pos_: pos}
	}
	p.nextToken()
	return &ReturnStmt{Value: p.parseExpression(LOWEST), Pos_: pos}
}

func (p *Parser) parseImportStmt() Stmt {
	pos := posOf(p.curTok)
	if !p.expectPeek(lexer.TokenString) {
		return nil
	}
	return &ImportStmt{Path: p.curTok.Lexeme, Pos_: pos}
}

func (p *Parser) parseRecoverStmt() Stmt {
	pos := posOf(p.curTok)
	if !p.expectPeek(lexer.TokenLParen) {
		return nil
	}
	if !p.expectPeek(lexer.TokenIdent) {
		return nil
	}
	errName := p.curTok.Lexeme
	if !p.expectPeek(lexer.TokenRParen) {
		return nil
	}
	if !p.expectPeek(lexer.TokenLBrace) {
		return nil
	}
	body := p.parseBlockStmtBody()
	return &RecoverStmt{ErrName: errName, Body: body, Pos_: pos}
}

func (p *Parser) parseForStmt() Stmt {
	pos := posOf(p.curTok)
	if !p.expectPeek(lexer.TokenLParen) {
		return nil
	}
	p.nextToken() // first header token

	if p.curIs(lexer.TokenIdent) && p.peekIs(lexer.TokenIn) {
		name := p.curTok.Lexeme
		p.nextToken() // 'in'
		p.nextToken() // start of source expr
		src := p.parseExpression(LOWEST)
		if !p.expectPeek(lexer.TokenRParen) {
			return nil
		}
		if !p.expectPeek(lexer.TokenLBrace) {
			return nil
		}
		body := p.parseBlockStmtBody()
		return &ForInStmt{Var: name, Source: src, Body: body, Pos_: pos}
	}

	var init Stmt
	if !p.curIs(lexer.TokenSemi) {
		if p.curIs(lexer.TokenVar) || p.curIs(lexer.TokenConst) {
			init = p.parseVarNoSemi()
		} else {
			init = &ExprStmt{Expr: p.parseExpression(LOWEST), Pos_: posOf(p.curTok)}
		}
		if !p.expectPeek(lexer.TokenSemi) {
			return nil
		}
	}
	p.nextToken()

	var cond Expr
	if !p.curIs(lexer.TokenSemi) {
		cond = p.parseExpression(LOWEST)
		if !p.expectPeek(lexer.TokenSemi) {
			return nil
		}
	}
	p.nextToken()

	var update Expr
	if !p.curIs(lexer.TokenRParen) {
		update = p.parseExpression(LOWEST)
		if !p.expectPeek(lexer.TokenRParen) {
			return nil
		}
	}
	if !p.expectPeek(lexer.TokenLBrace) {
		return nil
	}
	body := p.parseBlockStmtBody()
	return &ForStmt{Init: init, Cond: cond, Update: update, Body: body, Pos_: pos}
}

func (p *Parser) parseBlockStmtBody() *BlockStmt {
	pos := posOf(p.curTok)
	blk := &BlockStmt{Pos_: pos}
	p.nextToken()
	for !p.curIs(lexer.TokenRBrace) && !p.curIs(lexer.TokenEOF) {
		if stmt := p.parseStatement(); stmt != nil {
			blk.Stmts = append(blk.Stmts, stmt)
		}
		p.nextToken()
	}
	return blk
}

func (p *Parser) parseFunctionParams() []string {
	var params []string
	if p.peekIs(lexer.TokenRParen) {
		p.nextToken()
		return params
	}
	p.nextToken()
	params = append(params, p.curTok.Lexeme)
	for p.peekIs(lexer.TokenComma) {
		p.nextToken()
		p.nextToken()
		params = append(params, p.curTok.Lexeme)
	}
	if !p.expectPeek(lexer.TokenRParen) {
		return nil
	}
	return params
}

// ---- expressions ----

func (p *Parser) parseExpression(precedence int) Expr {
	prefix, ok := p.prefixFns[p.curTok.Type]
	if !ok {
		p.noPrefixError()
		return &NullLiteral{Pos_: posOf(p.curTok)}
	}
	left := prefix()
	for !p.peekIs(lexer.TokenSemi) && precedence < p.peekPrecedence() {
		infix, ok := p.infixFns[p.peekTok.Type]
		if !ok {
			return left
		}
		p.nextToken()
		left = infix(left)
	}
	return left
}

func (p *Parser) parseIdentifier() Expr {
	return &Identifier{Name: p.curTok.Lexeme, Pos_: posOf(p.curTok)}
}

func (p *Parser) parseNumberLiteral() Expr {
	return &NumberLiteral{Raw: p.curTok.Lexeme, Pos_: posOf(p.curTok)}
}

func (p *Parser) parseStringLiteral() Expr {
	return &StringLiteral{Value: p.curTok.Lexeme, Pos_: posOf(p.curTok)}
}

func (p *Parser) parseBoolLiteral() Expr {
	return &BoolLiteral{Value: p.curTok.Type == lexer.TokenTrue, Pos_: posOf(p.curTok)}
}

func (p *Parser) parseNullLiteral() Expr {
	return &NullLiteral{Pos_: posOf(p.curTok)}
}

func (p *Parser) parseGroupedExpr() Expr {
	p.nextToken()
	exp := p.parseExpression(LOWEST)
	if !p.expectPeek(lexer.TokenRParen) {
		return exp
	}
	return exp
}

func (p *Parser) parseArrayLiteral() Expr {
	pos := posOf(p.curTok)
	return &ArrayLiteral{Elements: p.parseExprList(lexer.TokenRBracket), Pos_: pos}
}

// parseExprList parses a comma-separated list up to (and consuming)
// `end`, allowing a trailing comma (§4.4).
func (p *Parser) parseExprList(end lexer.TokenType) []Expr {
	var list []Expr
	if p.peekIs(end) {
		p.nextToken()
		return list
	}
	p.nextToken()
	list = append(list, p.parseExpression(LOWEST))
	for p.peekIs(lexer.TokenComma) {
		p.nextToken()
		if p.peekIs(end) {
			p.nextToken()
			return list
		}
		p.nextToken()
		list = append(list, p.parseExpression(LOWEST))
	}
	if !p.expectPeek(end) {
		return nil
	}
	return list
}

// parseMapLiteral: keys are identifiers desugared to string literals,
// or string/number/bool literals; trailing comma allowed (§4.4). Since
// this fires only in expression position, there is no ambiguity with
// the statement-only bare `{...}` block.
func (p *Parser) parseMapLiteral() Expr {
	pos := posOf(p.curTok)
	m := &MapLiteral{Pos_: pos}
	if p.peekIs(lexer.TokenRBrace) {
		p.nextToken()
		return m
	}
	for {
		p.nextToken()
		var key Expr
		switch p.curTok.Type {
		case lexer.TokenIdent, lexer.TokenString:
			key = &StringLiteral{Value: p.curTok.Lexeme, Pos_: posOf(p.curTok)}
		case lexer.TokenNumber:
			key = &NumberLiteral{Raw: p.curTok.Lexeme, Pos_: posOf(p.curTok)}
		case lexer.TokenTrue, lexer.TokenFalse:
			key = &BoolLiteral{Value: p.curTok.Type == lexer.TokenTrue, Pos_: posOf(p.curTok)}
		default:
			p.errorAt(posOf(p.curTok), "invalid map key %q", p.curTok.Lexeme)
			return m
		}
		if !p.expectPeek(lexer.TokenColon) {
			return m
		}
		p.nextToken()
		val := p.parseExpression(LOWEST)
		m.Keys = append(m.Keys, key)
		m.Values = append(m.Values, val)
		if p.peekIs(lexer.TokenComma) {
			p.nextToken()
			if p.peekIs(lexer.TokenRBrace) {
				p.nextToken()
				return m
			}
			continue
		}
		break
	}
	p.expectPeek(lexer.TokenRBrace)
	return m
}

func (p *Parser) parsePrefixExpr() Expr {
	pos := posOf(p.curTok)
	op := p.curTok.Lexeme
	p.nextToken()
	return &PrefixExpr{Op: op, Right: p.parseExpression(PREFIX), Pos_: pos}
}

func (p *Parser) parseInfixExpr(left Expr) Expr {
	pos := posOf(p.curTok)
	op := p.curTok.Lexeme
	prec := p.curPrecedence()
	p.nextToken()
	return &InfixExpr{Op: op, Left: left, Right: p.parseExpression(prec), Pos_: pos}
}

func (p *Parser) parseLogicalExpr(left Expr) Expr {
	pos := posOf(p.curTok)
	op := p.curTok.Lexeme
	prec := p.curPrecedence()
	p.nextToken()
	return &LogicalExpr{Op: op, Left: left, Right: p.parseExpression(prec), Pos_: pos}
}

func (p *Parser) parseCallExpr(callee Expr) Expr {
	pos := posOf(p.curTok)
	return &CallExpr{Callee: callee, Args: p.parseExprList(lexer.TokenRParen), Pos_: pos}
}

func (p *Parser) parseIndexExpr(left Expr) Expr {
	pos := posOf(p.curTok)
	p.nextToken()
	idx := p.parseExpression(LOWEST)
	if !p.expectPeek(lexer.TokenRBracket) {
		return nil
	}
	return &IndexExpr{Left: left, Index: idx, Pos_: pos}
}

// parseDotExpr desugars `expr.name` to `expr["name"]` (§4.4).
func (p *Parser) parseDotExpr(left Expr) Expr {
	pos := posOf(p.curTok)
	if !p.expectPeek(lexer.TokenIdent) {
		return nil
	}
	name := p.curTok.Lexeme
	return &IndexExpr{Left: left, Index: &StringLiteral{Value: name, Pos_: pos}, Pos_: pos}
}

// parseAssignExpr handles `=` (right-associative) and desugars compound
// assignment into `target = target OP rhs`, cloning the target (§4.4).
func (p *Parser) parseAssignExpr(left Expr) Expr {
	pos := posOf(p.curTok)
	opTok := p.curTok.Type
	p.nextToken()
	right := p.parseExpression(ASSIGN - 1)
	if opTok == lexer.TokenAssign {
		return &AssignExpr{Target: left, Value: right, Pos_: pos}
	}
	op := compoundOps[opTok]
	return &AssignExpr{
		Target: left,
		Value:  &InfixExpr{Op: op, Left: cloneExpr(left), Right: right, Pos_: pos},
		Pos_:   pos,
	}
}

func (p *Parser) parseFunctionLiteralExpr() Expr {
	pos := posOf(p.curTok)
	if !p.expectPeek(lexer.TokenLParen) {
		return nil
	}
	params := p.parseFunctionParams()
	if !p.expectPeek(lexer.TokenLBrace) {
		return nil
	}
	body := p.parseBlockStmtBody()
	return &FunctionLiteral{Params: params, Body: body, Pos_: pos}
}

// parseTemplateString handles a backtick template (§4.3/§4.4): each
// interpolation hole's expression is wrapped in a call to `to_str` and
// the whole literal desugars to an infix `+` chain. The token right
// after a hole's closing "}" must resume template-body scanning
// (ContinueTemplateString) instead of ordinary tokenizing, so that step
// bypasses the generic advance.
func (p *Parser) parseTemplateString() Expr {
	pos := posOf(p.curTok)
	var result Expr
	for {
		seg := p.curTok
		result = concatExpr(result, &StringLiteral{Value: seg.Lexeme, Pos_: posOf(seg)}, pos)
		tail := seg.TemplateTail
		p.nextToken()
		if tail {
			break
		}
		inner := p.parseExpression(LOWEST)
		result = concatExpr(result, &CallExpr{
			Callee: &Identifier{Name: "to_str", Pos_: pos},
			Args:   []Expr{inner},
			Pos_:   pos,
		}, pos)
		if !p.peekIs(lexer.TokenRBrace) {
			p.errorAt(posOf(p.peekTok), "expected '}' to close template interpolation")
			break
		}
		p.curTok = p.s.ContinueTemplateString()
		p.peekTok = p.s.Next()
	}
	return result
}

func concatExpr(left, right Expr, pos Pos) Expr {
	if left == nil {
		return right
	}
	return &InfixExpr{Op: "+", Left: left, Right: right, Pos_: pos}
}

// cloneExpr deep-copies an expression tree, used to duplicate an
// assignment target when desugaring compound assignment (§4.4).
func cloneExpr(e Expr) Expr {
	switch v := e.(type) {
	case *Identifier:
		c := *v
		return &c
	case *NumberLiteral:
		c := *v
		return &c
	case *StringLiteral:
		c := *v
		return &c
	case *BoolLiteral:
		c := *v
		return &c
	case *NullLiteral:
		c := *v
		return &c
	case *IndexExpr:
		return &IndexExpr{Left: cloneExpr(v.Left), Index: cloneExpr(v.Index), Pos_: v.Pos_}
	case *PrefixExpr:
		return &PrefixExpr{Op: v.Op, Right: cloneExpr(v.Right), Pos_: v.Pos_}
	case *InfixExpr:
		return &InfixExpr{Op: v.Op, Left: cloneExpr(v.Left), Right: cloneExpr(v.Right), Pos_: v.Pos_}
	case *LogicalExpr:
		return &LogicalExpr{Op: v.Op, Left: cloneExpr(v.Left), Right: cloneExpr(v.Right), Pos_: v.Pos_}
	case *CallExpr:
		args := make([]Expr, len(v.Args))
		for i, a := range v.Args {
			args[i] = cloneExpr(a)
		}
		return &CallExpr{Callee: cloneExpr(v.Callee), Args: args, Pos_: v.Pos_}
	case *ArrayLiteral:
		elems := make([]Expr, len(v.Elements))
		for i, el := range v.Elements {
			elems[i] = cloneExpr(el)
		}
		return &ArrayLiteral{Elements: elems, Pos_: v.Pos_}
	case *MapLiteral:
		keys := make([]Expr, len(v.Keys))
		vals := make([]Expr, len(v.Values))
		for i := range v.Keys {
			keys[i] = cloneExpr(v.Keys[i])
			vals[i] = cloneExpr(v.Values[i])
		}
		return &MapLiteral{Keys: keys, Values: vals, Pos_: v.Pos_}
	case *AssignExpr:
		return &AssignExpr{Target: cloneExpr(v.Target), Value: cloneExpr(v.Value), Pos_: v.Pos_}
	default:
		return e
	}
}

// ParseNumberValue interprets a permissive number lexeme (§4.3: leading
// digit, digits, and any of ".xXaAbBcCdDeEfF"): 0x/0X-prefixed text is
// hex, everything else is parsed as a decimal float.
func ParseNumberValue(raw string) (float64, error) {
	if len(raw) > 1 && raw[0] == '0' && (raw[1] == 'x' || raw[1] == 'X') {
		n, err := strconv.ParseUint(raw[2:], 16, 64)
		if err != nil {
			return 0, err
		}
		return float64(n), nil
	}
	return strconv.ParseFloat(raw, 64)
}

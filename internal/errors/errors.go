// Package errors implements the structured error and traceback model
// shared by the lexer, parser, compiler, and VM.
package errors

import (
	"fmt"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// Kind is the mutually-exclusive classification of a Sentra error.
type Kind string

const (
	Parsing     Kind = "PARSING ERROR"
	Compilation Kind = "COMPILATION ERROR"
	Runtime     Kind = "RUNTIME ERROR"
	Timeout     Kind = "TIMEOUT ERROR"
	Allocation  Kind = "ALLOCATION ERROR"
	User        Kind = "USER ERROR"
)

// maxMessageLen bounds a rendered error message; longer messages are
// truncated rather than grown without bound.
const maxMessageLen = 255

// Position is a location in source text.
type Position struct {
	File   string
	Line   int
	Column int
}

func (p Position) String() string {
	if p.File == "" {
		return fmt.Sprintf("%d:%d", p.Line, p.Column)
	}
	return fmt.Sprintf("%q on %d:%d", p.File, p.Line, p.Column)
}

// TracebackFrame is one entry of a captured call stack, innermost first.
type TracebackFrame struct {
	FunctionName string
	Pos          Position
}

// Traceback is the call stack captured at the moment of a runtime error.
type Traceback struct {
	Frames []TracebackFrame
}

func (t *Traceback) Push(name string, pos Position) {
	t.Frames = append(t.Frames, TracebackFrame{FunctionName: name, Pos: pos})
}

func (t *Traceback) String() string {
	if t == nil || len(t.Frames) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, f := range t.Frames {
		name := f.FunctionName
		if name == "" {
			name = "<anonymous>"
		}
		sb.WriteString(fmt.Sprintf("  %s in %s\n", name, f.Pos))
	}
	return sb.String()
}

// SentraError is the structured error value that flows through every
// compile-time component and the VM.
type SentraError struct {
	Kind      Kind
	Message   string
	Pos       Position
	Traceback *Traceback
	Source    string // the offending source line, if known
	cause     error
}

func truncate(msg string) string {
	if len(msg) <= maxMessageLen {
		return msg
	}
	return msg[:maxMessageLen]
}

// New builds a SentraError of the given kind at the given position.
func New(kind Kind, pos Position, format string, args ...interface{}) *SentraError {
	return &SentraError{Kind: kind, Message: truncate(fmt.Sprintf(format, args...)), Pos: pos}
}

// Wrap attaches a lower-level Go error (typically a host I/O failure
// surfaced through an embedder hook) as the cause of a SentraError,
// using pkg/errors so the original error chain survives Cause()/Unwrap().
func Wrap(kind Kind, pos Position, cause error, message string) *SentraError {
	return &SentraError{Kind: kind, Message: truncate(message), Pos: pos, cause: pkgerrors.Wrap(cause, message)}
}

func (e *SentraError) Unwrap() error { return e.cause }

func (e *SentraError) WithSource(source string) *SentraError {
	e.Source = source
	return e
}

func (e *SentraError) WithTraceback(tb *Traceback) *SentraError {
	e.Traceback = tb
	return e
}

// Error renders: `TYPE ERROR in "path" on L:C: message`, followed by an
// indented traceback and a caret-quoted source line when available.
func (e *SentraError) Error() string {
	var sb strings.Builder
	if e.Pos.File != "" {
		sb.WriteString(fmt.Sprintf("%s in %s: %s", e.Kind, e.Pos, e.Message))
	} else {
		sb.WriteString(fmt.Sprintf("%s: %s", e.Kind, e.Message))
	}

	if e.Source != "" {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("  %s\n", e.Source))
		if e.Pos.Column > 0 {
			sb.WriteString("  " + strings.Repeat(" ", e.Pos.Column-1) + "^")
		}
	}

	if tb := e.Traceback.String(); tb != "" {
		sb.WriteString("\n")
		sb.WriteString(tb)
	}

	return sb.String()
}

// List is a bounded error list (capacity 16): the parser and the
// compiler each append to their own list, which the top-level caller
// drains. Errors beyond the cap are not stored; they are counted, and
// String reports how many were dropped.
type List struct {
	errs    []*SentraError
	dropped int
}

const listCapacity = 16

func NewList() *List { return &List{errs: make([]*SentraError, 0, listCapacity)} }

func (l *List) Add(e *SentraError) {
	if len(l.errs) >= listCapacity {
		l.dropped++
		return
	}
	l.errs = append(l.errs, e)
}

func (l *List) Errors() []*SentraError { return l.errs }
func (l *List) HasErrors() bool        { return len(l.errs) > 0 }
func (l *List) Dropped() int           { return l.dropped }

func (l *List) String() string {
	var sb strings.Builder
	for i, e := range l.errs {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(e.Error())
	}
	if l.dropped > 0 {
		sb.WriteString(fmt.Sprintf("\n(%d further error(s) dropped)", l.dropped))
	}
	return sb.String()
}

package script

import (
	"context"
	"fmt"
)

// Program is a parsed script, ready to evaluate any number of times.
type Program interface {
	Path() string
}

// Engine parses and evaluates scripts.
type Engine interface {
	// Parse turns source into a Program. Syntax errors are *ParseError.
	Parse(source []byte, path string) (Program, error)

	// Eval runs p. Free variables resolve through scope; assignments to
	// globals are written back to it. Verbs listed by host are callable
	// from the script. Eval stops early when ctx is done.
	Eval(ctx context.Context, p Program, scope *Scope, host Host) (Value, error)
}

// Args gives a verb access to its arguments. Eval evaluates the i-th
// argument expression; verbs validate types after evaluating.
type Args interface {
	Len() int
	Eval(i int) (Value, error)
}

// Host is the set of capabilities a script can call into.
type Host interface {
	// Verbs lists the canonical names the host answers to.
	Verbs() []string

	// Call runs verb. A non-nil error is raised in the script.
	Call(ctx context.Context, verb string, args Args) (Value, error)
}

// ValueArgs adapts a slice of already evaluated values to Args.
type ValueArgs []Value

func (a ValueArgs) Len() int { return len(a) }

func (a ValueArgs) Eval(i int) (Value, error) {
	if i < 0 || i >= len(a) {
		return Nil(), fmt.Errorf("argument %d out of range", i)
	}
	return a[i], nil
}

// ParseError reports malformed script source.
type ParseError struct {
	Path    string
	Line    int
	Column  int
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("could not parse script '%s', line: %d, character offset: %d: %s", e.Path, e.Line, e.Column, e.Message)
}

// EvalError reports a script that failed while running.
type EvalError struct {
	Path string
	Err  error
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("evaluating %s: %v", e.Path, e.Err)
}

func (e *EvalError) Unwrap() error { return e.Err }

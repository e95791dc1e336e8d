// Package jsengine runs scripts with goja, an ECMAScript 5.1+ engine
// written in Go.
package jsengine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dop251/goja"

	"github.com/sambeau/sage/pkg/script"
)

// InterruptedMessage is the value a run is interrupted with when its
// context ends.
const InterruptedMessage = "RuntimeError: timeout"

// Engine implements script.Engine. Each Eval gets its own goja runtime, so
// an Engine is safe for concurrent use.
type Engine struct{}

func New() *Engine { return &Engine{} }

type program struct {
	path string
	p    *goja.Program
}

func (p *program) Path() string { return p.path }

// JSName is the global function name a verb is bound to.
func JSName(verb string) string { return strings.ReplaceAll(verb, "-", "_") }

var linePattern = regexp.MustCompile(`Line (\d+):(\d+)`)

func (e *Engine) Parse(source []byte, path string) (script.Program, error) {
	p, err := goja.Compile(path, string(source), false)
	if err != nil {
		return nil, parseError(path, err)
	}
	return &program{path: path, p: p}, nil
}

func parseError(path string, err error) error {
	pe := &script.ParseError{Path: path, Message: err.Error()}
	var se *goja.CompilerSyntaxError
	if errors.As(err, &se) {
		pe.Message = se.Message
		if se.File != nil {
			pos := se.File.Position(se.Offset)
			pe.Line, pe.Column = pos.Line, pos.Column
			return pe
		}
	}
	if m := linePattern.FindStringSubmatch(pe.Message); m != nil {
		pe.Line, _ = strconv.Atoi(m[1])
		pe.Column, _ = strconv.Atoi(m[2])
	}
	return pe
}

func (e *Engine) Eval(ctx context.Context, p script.Program, scope *script.Scope, host script.Host) (script.Value, error) {
	prog, ok := p.(*program)
	if !ok {
		return script.Nil(), fmt.Errorf("jsengine: foreign program %T", p)
	}

	rt := goja.New()
	injected := scope.Flatten()
	for name, v := range injected {
		if err := rt.Set(name, toJS(rt, v)); err != nil {
			return script.Nil(), &script.EvalError{Path: prog.path, Err: err}
		}
	}

	verbs := make(map[string]bool)
	if host != nil {
		for _, verb := range host.Verbs() {
			name := JSName(verb)
			verbs[name] = true
			rt.Set(name, bindVerb(ctx, rt, host, verb))
		}
	}

	// The watcher goroutine ends as soon as the run does. Cancelling
	// after RunProgram returns never interrupts a finished run.
	ictx, cancel := context.WithCancel(ctx)
	go func() {
		<-ictx.Done()
		rt.Interrupt(InterruptedMessage)
	}()
	v, err := rt.RunProgram(prog.p)
	cancel()

	writeBack(rt, scope, injected, verbs)

	if err != nil {
		var ie *goja.InterruptedError
		if errors.As(err, &ie) && ctx.Err() != nil {
			return script.Nil(), &script.EvalError{Path: prog.path, Err: context.Cause(ctx)}
		}
		return script.Nil(), &script.EvalError{Path: prog.path, Err: err}
	}
	if v == nil {
		return script.Nil(), nil
	}
	res, err := fromJS(v)
	if err != nil {
		return script.Nil(), nil
	}
	return res, nil
}

// writeBack copies the globals a run created or changed into scope. Values
// with no script representation, such as functions, stay behind.
func writeBack(rt *goja.Runtime, scope *script.Scope, injected map[string]script.Value, verbs map[string]bool) {
	global := rt.GlobalObject()
	for _, name := range global.Keys() {
		if verbs[name] {
			continue
		}
		jv := global.Get(name)
		if jv == nil {
			continue
		}
		if _, isFn := goja.AssertFunction(jv); isFn {
			continue
		}
		v, err := fromJS(jv)
		if err != nil {
			continue
		}
		if old, ok := injected[name]; ok && script.Equal(old, v) {
			continue
		}
		scope.Assign(name, v)
	}
}

func bindVerb(ctx context.Context, rt *goja.Runtime, host script.Host, verb string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		v, err := host.Call(ctx, verb, jsArgs(call.Arguments))
		if err != nil {
			panic(rt.NewGoError(err))
		}
		return toJS(rt, v)
	}
}

// jsArgs adapts call arguments to script.Args.
type jsArgs []goja.Value

func (a jsArgs) Len() int { return len(a) }

func (a jsArgs) Eval(i int) (script.Value, error) {
	if i < 0 || i >= len(a) {
		return script.Nil(), fmt.Errorf("argument %d out of range", i)
	}
	return fromJS(a[i])
}

func fromJS(v goja.Value) (script.Value, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return script.Nil(), nil
	}
	return script.FromGo(v.Export())
}

func toJS(rt *goja.Runtime, v script.Value) goja.Value {
	switch v.Kind() {
	case script.KindNil:
		return goja.Null()
	case script.KindBool:
		return rt.ToValue(v.Bool())
	case script.KindNumber:
		return rt.ToValue(v.Number())
	case script.KindString:
		return rt.ToValue(v.Str())
	case script.KindArray:
		elems := v.Elems()
		items := make([]any, len(elems))
		for i, e := range elems {
			items[i] = toJS(rt, e)
		}
		return rt.NewArray(items...)
	case script.KindMap:
		obj := rt.NewObject()
		for _, k := range v.Keys() {
			obj.Set(k, toJS(rt, v.Field(k)))
		}
		return obj
	}
	return goja.Undefined()
}

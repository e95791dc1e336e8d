// Package host implements the capabilities scripts call into: reading the
// request and shaping the response, talking to the key-value store and
// launching background tasks.
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/sambeau/sage/pkg/kv"
	"github.com/sambeau/sage/pkg/script"
)

var (
	ErrArity       = errors.New("wrong number of arguments")
	ErrType        = errors.New("wrong argument type")
	ErrUnknownVerb = errors.New("unknown verb")
)

// VerbError reports a verb called with bad arguments or failing in a way
// the script should see.
type VerbError struct {
	Verb string
	Err  error
}

func (e *VerbError) Error() string { return fmt.Sprintf("%s: %v", e.Verb, e.Err) }

func (e *VerbError) Unwrap() error { return e.Err }

// Spawner starts background tasks.
type Spawner interface {
	Launch(path string, args script.Value) error
}

// Env is what the verbs of one script execution act on.
type Env struct {
	// Request is the current request. It is nil for scripts that do not
	// serve a request, and such scripts get no http-* verbs.
	Request *Context

	KV     *kv.Slot
	Dialer kv.Dialer
	Tasks  Spawner

	// Log receives diagnostics. Nil discards them.
	Log io.Writer
}

func (e *Env) logf(level, format string, args ...any) {
	if e.Log == nil {
		return
	}
	fmt.Fprintf(e.Log, "["+level+"] "+format+"\n", args...)
}

type verbFunc func(ctx context.Context, env *Env, args script.Args) (script.Value, error)

type verb struct {
	fn verbFunc

	// request marks verbs that only exist while serving a request.
	request bool
}

// Fallback answers verbs the Dispatcher does not know.
type Fallback interface {
	Verbs() []string
	Call(ctx context.Context, env *Env, name string, args script.Args) (script.Value, error)
}

// Dispatcher maps verb names to their implementations. The table is built
// once and shared by every script execution.
type Dispatcher struct {
	verbs    map[string]verb
	fallback Fallback
}

// NewDispatcher returns a Dispatcher with the built-in verbs. Names it
// does not know are passed to fallback, which may be nil.
func NewDispatcher(fallback Fallback) *Dispatcher {
	d := &Dispatcher{verbs: make(map[string]verb), fallback: fallback}
	for name, fn := range requestVerbs {
		d.verbs[name] = verb{fn: fn, request: true}
	}
	for name, fn := range storeVerbs {
		d.verbs[name] = verb{fn: fn}
	}
	d.verbs["task-create"] = verb{fn: taskCreate}
	return d
}

// Bind returns the Host a script running in env calls.
func (d *Dispatcher) Bind(env *Env) script.Host {
	return &boundHost{d: d, env: env}
}

type boundHost struct {
	d   *Dispatcher
	env *Env
}

func (h *boundHost) Verbs() []string {
	var names []string
	for name, v := range h.d.verbs {
		if v.request && h.env.Request == nil {
			continue
		}
		names = append(names, name)
	}
	if h.d.fallback != nil {
		for _, name := range h.d.fallback.Verbs() {
			if _, ok := h.d.verbs[name]; !ok {
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names
}

func (h *boundHost) Call(ctx context.Context, name string, args script.Args) (script.Value, error) {
	if v, ok := h.d.verbs[name]; ok && (!v.request || h.env.Request != nil) {
		return v.fn(ctx, h.env, args)
	}
	if h.d.fallback != nil {
		return h.d.fallback.Call(ctx, h.env, name, args)
	}
	return script.Nil(), &VerbError{Verb: name, Err: ErrUnknownVerb}
}

// Argument helpers. Each evaluates the argument before checking its type.

func wantArgs(name string, args script.Args, n int) error {
	if args.Len() != n {
		return &VerbError{Verb: name, Err: fmt.Errorf("%w: want %d, got %d", ErrArity, n, args.Len())}
	}
	return nil
}

func wantAtLeast(name string, args script.Args, n int) error {
	if args.Len() < n {
		return &VerbError{Verb: name, Err: fmt.Errorf("%w: want at least %d, got %d", ErrArity, n, args.Len())}
	}
	return nil
}

func argValue(name string, args script.Args, i int) (script.Value, error) {
	v, err := args.Eval(i)
	if err != nil {
		return script.Nil(), &VerbError{Verb: name, Err: fmt.Errorf("argument %d: %w", i+1, err)}
	}
	return v, nil
}

func argString(name string, args script.Args, i int) (string, error) {
	v, err := argValue(name, args, i)
	if err != nil {
		return "", err
	}
	if v.Kind() != script.KindString {
		return "", typeError(name, i, "string", v)
	}
	return v.Str(), nil
}

func argNumber(name string, args script.Args, i int) (float64, error) {
	v, err := argValue(name, args, i)
	if err != nil {
		return 0, err
	}
	if v.Kind() != script.KindNumber {
		return 0, typeError(name, i, "number", v)
	}
	return v.Number(), nil
}

func typeError(name string, i int, want string, got script.Value) error {
	return &VerbError{Verb: name, Err: fmt.Errorf("%w: argument %d must be a %s, got %s", ErrType, i+1, want, got.Kind())}
}

// stringOrNil is the result of the lookup verbs.
func stringOrNil(s string, ok bool) script.Value {
	if !ok {
		return script.Nil()
	}
	return script.String(s)
}

func boolNumber(b bool) script.Value {
	if b {
		return script.Number(1)
	}
	return script.Number(0)
}

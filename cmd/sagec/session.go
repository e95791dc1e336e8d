package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"

	"github.com/sambeau/sage/pkg/host"
	"github.com/sambeau/sage/pkg/kv"
	"github.com/sambeau/sage/pkg/script"
	"github.com/sambeau/sage/pkg/script/jsengine"
	"github.com/sambeau/sage/pkg/template"
)

const (
	prompt       = "sage> "
	sourcePrompt = "sage[src]> "
)

// session evaluates template text against a GET / request. Variables
// persist between evaluations, and so does a redis-connect connection.
type session struct {
	compiler *template.Compiler
	engine   script.Engine
	dispatch *host.Dispatcher
	dialer   kv.Dialer
	store    *kv.Slot
	scope    *script.Scope
	stderr   io.Writer

	showSource bool
}

func newSession(stderr io.Writer, maxDepth int) *session {
	// The redis driver takes no options that can fail
	dialer, _ := kv.NewDialer("redis", kv.Options{})
	return &session{
		compiler: &template.Compiler{MaxDepth: maxDepth},
		engine:   jsengine.New(),
		dispatch: host.NewDispatcher(host.NewStdlib()),
		dialer:   dialer,
		store:    &kv.Slot{},
		scope:    script.NewScope(nil),
		stderr:   stderr,
	}
}

func (s *session) close() { s.store.Close() }

// eval compiles text as a template in the working directory and runs it.
func (s *session) eval(ctx context.Context, text string) (string, error) {
	src, err := s.compiler.Compile([]byte(text), ".")
	if err != nil {
		return "", err
	}
	var out strings.Builder
	if s.showSource {
		out.Write(src)
		out.WriteString("\n")
	}
	body, err := s.evalScript(ctx, src, "<input>")
	out.WriteString(body)
	return out.String(), err
}

// evalScript runs compiled source and returns the body it wrote, noting
// a redirect or file response instead of following it.
func (s *session) evalScript(ctx context.Context, src []byte, name string) (string, error) {
	prog, err := s.engine.Parse(src, name)
	if err != nil {
		return "", err
	}

	r, err := http.NewRequestWithContext(ctx, http.MethodGet, "/", nil)
	if err != nil {
		return "", err
	}
	c := host.AcquireContext(r, 0)
	defer c.Release()

	env := &host.Env{Request: c, KV: s.store, Dialer: s.dialer, Log: s.stderr}
	if _, err := s.engine.Eval(ctx, prog, s.scope, s.dispatch.Bind(env)); err != nil {
		return "", err
	}

	if target := c.Redirect(); target != "" {
		return fmt.Sprintf("(routed to %s)\n", target), nil
	}
	return string(c.Body()), nil
}

// command handles a :command and reports whether it was one.
func (s *session) command(line string, out io.Writer) bool {
	switch strings.TrimSpace(line) {
	case ":source":
		s.showSource = !s.showSource
		fmt.Fprintf(out, "show source: %v\n", s.showSource)
	case ":vars":
		for _, name := range s.scope.Names() {
			v, _ := s.scope.Get(name)
			fmt.Fprintf(out, "%s = %s\n", name, v)
		}
	case ":help":
		fmt.Fprintln(out, ":source   toggle printing the compiled script")
		fmt.Fprintln(out, ":vars     list variables")
		fmt.Fprintln(out, "exit      quit")
	default:
		return false
	}
	return true
}

// interact reads template text a line at a time until EOF or exit.
func interact(ctx context.Context, s *session, out io.Writer) error {
	defer s.close()

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	historyFile := filepath.Join(os.TempDir(), ".sagec_history")
	if f, err := os.Open(historyFile); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(historyFile); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}()

	fmt.Fprintf(out, "sagec %s\n", Version)
	fmt.Fprintln(out, "Type 'exit' or Ctrl+D to quit, ':help' for commands")

	for {
		p := prompt
		if s.showSource {
			p = sourcePrompt
		}
		input, err := line.Prompt(p)
		switch {
		case errors.Is(err, liner.ErrPromptAborted):
			fmt.Fprintln(out, "^C")
			continue
		case errors.Is(err, io.EOF):
			fmt.Fprintln(out)
			return nil
		case err != nil:
			return err
		}

		trimmed := strings.TrimSpace(input)
		switch {
		case trimmed == "":
			continue
		case trimmed == "exit" || trimmed == "quit":
			return nil
		case s.command(trimmed, out):
			continue
		}
		line.AppendHistory(input)

		result, err := s.eval(ctx, input)
		io.WriteString(out, result)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		if result != "" && !strings.HasSuffix(result, "\n") {
			fmt.Fprintln(out)
		}
	}
}

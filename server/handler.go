package server

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/sambeau/sage/pkg/host"
	"github.com/sambeau/sage/pkg/kv"
	"github.com/sambeau/sage/pkg/script"
)

// servePage compiles and runs the template at fsPath and writes what it
// produced.
func (h *siteHandler) servePage(w http.ResponseWriter, r *http.Request, fsPath string, hops int) {
	s := h.server
	s.logDebug("executing template %s", fsPath)

	page, err := s.scriptCache.get(fsPath)
	if err != nil {
		h.scriptError(w, fsPath, page, err)
		return
	}

	c := host.AcquireContext(r, s.maxBody)
	defer c.Release()

	// Template-local state lives in a scope kept per path, under the
	// global scope the init script filled
	local, created := s.locals.LoadOrCreate(fsPath, s.global)
	if created {
		s.logDebug("created local scope for %s", fsPath)
	}

	ctx := r.Context()
	if t := s.config.Server.ScriptTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	env := s.env(c, s.store)
	if _, err := s.engine.Eval(ctx, page.program, local, s.dispatch.Bind(env)); err != nil {
		h.scriptError(w, fsPath, page, err)
		return
	}

	c.Flush(w, func(target string) {
		s.logDebug("%s routed to %s", fsPath, target)
		h.redirect(w, r, target, hops)
	})
}

// env returns the verb environment of a script serving c, or of a
// script serving no request when c is nil.
func (s *Server) env(c *host.Context, store *kv.Slot) *host.Env {
	return &host.Env{
		Request: c,
		KV:      store,
		Dialer:  s.dialer,
		Tasks:   s.tasks,
		Log:     s.stderr,
	}
}

// taskRunner runs task scripts for the launcher. Every task gets its own
// global scope holding args and its own store connection, and no
// request.
type taskRunner struct {
	s *Server
}

func (t taskRunner) RunTask(ctx context.Context, path string, args script.Value) error {
	s := t.s
	s.logDebug("starting task %s", path)

	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading task script: %w", err)
	}
	prog, err := s.engine.Parse(src, path)
	if err != nil {
		return err
	}

	global := script.NewScope(nil)
	global.Set("args", args)

	store := &kv.Slot{}
	defer store.Close()

	_, err = s.engine.Eval(ctx, prog, global, s.dispatch.Bind(s.env(nil, store)))
	return err
}

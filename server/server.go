package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"golang.org/x/net/netutil"

	"github.com/sambeau/sage/config"
	"github.com/sambeau/sage/pkg/host"
	"github.com/sambeau/sage/pkg/kv"
	"github.com/sambeau/sage/pkg/script"
	"github.com/sambeau/sage/pkg/script/jsengine"
	"github.com/sambeau/sage/pkg/task"
	"github.com/sambeau/sage/pkg/template"
)

// Server represents a Sage web server instance.
type Server struct {
	config     *config.Config
	configPath string
	stdout     io.Writer
	stderr     io.Writer
	maxBody    int64

	engine   script.Engine
	dispatch *host.Dispatcher
	dialer   kv.Dialer

	// store is the connection shared by the init script and every page.
	// Tasks get their own.
	store  *kv.Slot
	global *script.Scope
	locals *script.ScopeMap

	scriptCache *scriptCache
	tasks       *task.Launcher
	handler     http.Handler
	server      *http.Server
	watcher     *Watcher
}

// New creates a new Sage server with the given configuration.
func New(cfg *config.Config, configPath string, stdout, stderr io.Writer) (*Server, error) {
	maxBody, err := config.ParseSize(cfg.Server.MaxBody)
	if err != nil {
		return nil, fmt.Errorf("server.max_body: %w", err)
	}
	if maxBody == 0 {
		maxBody = host.DefaultMaxBody
	}

	dialer, err := kv.NewDialer(cfg.KV.Driver, kv.Options{
		DialTimeout: cfg.KV.DialTimeout,
		PoolSize:    cfg.KV.PoolSize,
	})
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:     cfg,
		configPath: configPath,
		stdout:     stdout,
		stderr:     stderr,
		maxBody:    maxBody,
		engine:     jsengine.New(),
		dispatch:   host.NewDispatcher(host.NewStdlib()),
		dialer:     dialer,
		store:      &kv.Slot{},
		global:     script.NewScope(nil),
		locals:     script.NewScopeMap(),
	}

	compiler := &template.Compiler{MaxDepth: cfg.Templates.MaxIncludeDepth}
	if cfg.Logging.Level == "debug" {
		compiler.Log = stdout
	}
	s.scriptCache = newScriptCache(compiler, s.engine, cfg.Server.Dev || !cfg.Templates.Cache)

	s.tasks = task.NewLauncher(taskRunner{s}, task.Options{
		MaxConcurrent: cfg.Tasks.MaxConcurrent,
		Log:           stderr,
	})

	s.handler = newSiteHandler(s)
	return s, nil
}

// start prepares the process for serving: it moves into the document
// root, connects the configured store and runs the init script.
func (s *Server) start(ctx context.Context) error {
	if err := os.Chdir(s.config.Root); err != nil {
		return fmt.Errorf("changing to root: %w", err)
	}
	s.connectStore(ctx)

	if s.config.Init != "" {
		s.logInfo("running init script %s", s.config.Init)
		if err := s.runInit(ctx); err != nil {
			return err
		}
	}
	return nil
}

// connectStore dials kv.addr. Failing to connect is not fatal; scripts
// can still call redis-connect.
func (s *Server) connectStore(ctx context.Context) {
	addr := s.config.KV.Addr.Value()
	if addr == "" {
		return
	}

	hostName, port := addr, 0
	if s.config.KV.Driver == "redis" {
		h, p, err := net.SplitHostPort(addr)
		if err != nil {
			s.logWarn("kv: invalid address %s: %v", s.config.KV.Addr, err)
			return
		}
		if port, err = strconv.Atoi(p); err != nil {
			s.logWarn("kv: invalid port in %s", s.config.KV.Addr)
			return
		}
		hostName = h
	}

	c, err := s.dialer.Dial(ctx, hostName, port)
	if err != nil {
		s.logWarn("kv: could not connect to %s: %v", s.config.KV.Addr, err)
		return
	}
	s.store.Replace(c)
	s.logInfo("kv: connected to %s (%s)", s.config.KV.Addr, s.config.KV.Driver)
}

// runInit evaluates the init script in the global scope, so the values
// it defines are visible to every page.
func (s *Server) runInit(ctx context.Context) error {
	src, err := os.ReadFile(s.config.Init)
	if err != nil {
		return fmt.Errorf("reading init script: %w", err)
	}
	prog, err := s.engine.Parse(src, s.config.Init)
	if err != nil {
		return err
	}
	if _, err := s.engine.Eval(ctx, prog, s.global, s.dispatch.Bind(s.env(nil, s.store))); err != nil {
		return err
	}
	return nil
}

// Run starts the server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.start(ctx); err != nil {
		return err
	}
	defer s.store.Close()

	// Compiled templates are cached only outside dev mode, and the
	// watcher keeps that cache honest
	if !s.scriptCache.disabled {
		watcher, err := NewWatcher(s.scriptCache, ".", s.stdout, s.stderr)
		if err != nil {
			s.logError("failed to create watcher: %v", err)
		} else {
			s.watcher = watcher
			if err := s.watcher.Start(ctx); err != nil {
				s.logError("failed to start watcher: %v", err)
			}
			defer s.watcher.Close()
		}
	}

	if len(s.config.Tasks.Schedule) > 0 {
		entries := make([]task.Entry, len(s.config.Tasks.Schedule))
		for i, e := range s.config.Tasks.Schedule {
			entries[i] = task.Entry{Cron: e.Cron, Script: e.Script}
		}
		sched, err := task.NewScheduler(s.tasks, entries, s.stdout)
		if err != nil {
			return err
		}
		go sched.Run(ctx)
		s.logInfo("scheduled %d task(s)", sched.Len())
	}

	addr := s.listenAddr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if n := s.config.Server.MaxConnections; n > 0 {
		ln = netutil.LimitListener(ln, n)
	}

	s.server = &http.Server{
		Handler:           s.buildHandler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.writeTimeout(),
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		if s.config.Server.Dev {
			fmt.Fprintf(s.stdout, "Starting Sage in development mode on http://%s\n", addr)
		} else {
			fmt.Fprintf(s.stdout, "Starting Sage on http://%s\n", addr)
		}
		errCh <- s.server.Serve(ln)
	}()

	// Wait for context cancellation or server error
	select {
	case <-ctx.Done():
		fmt.Fprintf(s.stdout, "\nShutting down gracefully...\n")
		return s.shutdown()
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			s.stopTasks()
			return err
		}
		return nil
	}
}

// shutdown stops accepting requests, then gives running tasks
// tasks.shutdown_grace to finish.
func (s *Server) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := s.server.Shutdown(shutdownCtx)
	s.stopTasks()
	return err
}

func (s *Server) stopTasks() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Tasks.ShutdownGrace)
	defer cancel()
	if err := s.tasks.Shutdown(ctx); err != nil {
		s.logWarn("cancelled running tasks: %v", err)
	}
}

// buildHandler wraps the site handler with the configured middleware.
func (s *Server) buildHandler() http.Handler {
	handler := newRateLimitHandler(s.handler, s.config.Server.RateLimit)
	handler = newCompressionHandler(handler, s.config.Compression)

	// Wrap with request logging middleware (unless level is error-only)
	if s.config.Logging.Level != "error" && !s.config.Logging.Quiet {
		handler = newRequestLogger(handler, s.stdout, s.config.Logging.Format)
	}
	return handler
}

// writeTimeout leaves room for a page script to use all of its time.
func (s *Server) writeTimeout() time.Duration {
	if t := s.config.Server.ScriptTimeout; t > 0 {
		return t + 30*time.Second
	}
	return 0
}

// listenAddr returns the address to listen on based on configuration.
func (s *Server) listenAddr() string {
	hostName := s.config.Server.Host
	port := s.config.Server.Port

	if s.config.Server.Dev && hostName == "" {
		hostName = "localhost"
	}

	return net.JoinHostPort(hostName, strconv.Itoa(port))
}

func (s *Server) logDebug(format string, args ...any) {
	if s.config.Logging.Level == "debug" {
		fmt.Fprintf(s.stdout, "[DEBUG] "+format+"\n", args...)
	}
}

// logInfo logs an info message
func (s *Server) logInfo(format string, args ...any) {
	switch s.config.Logging.Level {
	case "warn", "error":
		return
	}
	fmt.Fprintf(s.stdout, "[INFO] "+format+"\n", args...)
}

// logWarn logs a warning message
func (s *Server) logWarn(format string, args ...any) {
	if s.config.Logging.Level == "error" {
		return
	}
	fmt.Fprintf(s.stderr, "[WARN] "+format+"\n", args...)
}

// logError logs an error message
func (s *Server) logError(format string, args ...any) {
	fmt.Fprintf(s.stderr, "[ERROR] "+format+"\n", args...)
}

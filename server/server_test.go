package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/sambeau/sage/config"
	"github.com/sambeau/sage/pkg/script"
)

func TestNew(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)

	if s.maxBody != 32<<20 {
		t.Errorf("maxBody = %d, want 32MB", s.maxBody)
	}
	if s.scriptCache.disabled {
		t.Error("cache should be enabled outside dev mode")
	}
	if s.tasks == nil || s.handler == nil || s.global == nil {
		t.Error("server is missing parts")
	}
}

func TestNewDevDisablesCache(t *testing.T) {
	s, _ := newTestServer(t, nil, func(cfg *config.Config) {
		cfg.Server.Dev = true
	})
	if !s.scriptCache.disabled {
		t.Error("cache should be disabled in dev mode")
	}
}

func TestNewErrors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(cfg *config.Config)
	}{
		{"unknown driver", func(cfg *config.Config) { cfg.KV.Driver = "memcached" }},
		{"bad max body", func(cfg *config.Config) { cfg.Server.MaxBody = "lots" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Defaults()
			tt.modify(cfg)
			if _, err := New(cfg, "", &syncBuffer{}, &syncBuffer{}); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestListenAddr(t *testing.T) {
	tests := []struct {
		host string
		port int
		dev  bool
		want string
	}{
		{"", 8080, false, ":8080"},
		{"", 8080, true, "localhost:8080"},
		{"0.0.0.0", 80, true, "0.0.0.0:80"},
		{"::1", 3000, false, "[::1]:3000"},
	}
	for _, tt := range tests {
		cfg := config.Defaults()
		cfg.Server.Host = tt.host
		cfg.Server.Port = tt.port
		cfg.Server.Dev = tt.dev
		s := &Server{config: cfg}
		if got := s.listenAddr(); got != tt.want {
			t.Errorf("listenAddr(%q, %d, dev=%v) = %q, want %q", tt.host, tt.port, tt.dev, got, tt.want)
		}
	}
}

func TestInitScriptFillsGlobalScope(t *testing.T) {
	s, _ := newTestServer(t, map[string]string{
		"init.js":    `var siteName = "Sage"; var visitors = 0;`,
		"index.sage": `<% visitors++; %><%? siteName %> <%? visitors %>`,
	}, func(cfg *config.Config) {
		cfg.Init = "init.js"
	})

	if err := s.start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if v, ok := s.global.Get("siteName"); !ok || v.Str() != "Sage" {
		t.Fatalf("siteName = %v, %v", v, ok)
	}

	// Globals are shared by every page
	if got := get(s, "/").Body.String(); got != "Sage 1" {
		t.Errorf("first visit = %q", got)
	}
	if got := get(s, "/").Body.String(); got != "Sage 2" {
		t.Errorf("second visit = %q", got)
	}
}

func TestInitScriptErrors(t *testing.T) {
	s, _ := newTestServer(t, map[string]string{
		"init.js": `var = ;`,
	}, func(cfg *config.Config) {
		cfg.Init = "init.js"
	})

	var pe *script.ParseError
	if err := s.start(context.Background()); !errors.As(err, &pe) {
		t.Errorf("start = %v, want a parse error", err)
	}

	s.config.Init = "missing.js"
	if err := s.start(context.Background()); err == nil {
		t.Error("missing init script should fail")
	}
}

func TestConfiguredStoreIsShared(t *testing.T) {
	m := miniredis.RunT(t)
	s, logs := newTestServer(t, map[string]string{
		"init.js":    `redis("SET", "greeting", "hello");`,
		"count.sage": `<% redis("INCR", "hits") %><%? redis("GET", "greeting") %> <%? redis("GET", "hits") %>`,
	}, func(cfg *config.Config) {
		cfg.Init = "init.js"
		cfg.KV.Addr = config.PlainString(m.Addr())
	})

	if err := s.start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.store.Close()

	if !strings.Contains(logs.String(), "kv: connected to "+m.Addr()) {
		t.Errorf("connection not logged:\n%s", logs.String())
	}
	if got := get(s, "/count.sage").Body.String(); got != "hello 1" {
		t.Errorf("first request = %q", got)
	}
	if got := get(s, "/count.sage").Body.String(); got != "hello 2" {
		t.Errorf("second request = %q", got)
	}
}

func TestStoreConnectFailureIsNotFatal(t *testing.T) {
	m := miniredis.RunT(t)
	addr := m.Addr()
	m.Close()

	s, logs := newTestServer(t, nil, func(cfg *config.Config) {
		cfg.KV.Addr = config.NewSecretString(addr)
	})
	if err := s.start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.store.Connected() {
		t.Error("store should not be connected")
	}
	if out := logs.String(); !strings.Contains(out, "[WARN] kv: could not connect to [hidden]") {
		t.Errorf("failure not logged with the address hidden:\n%s", out)
	}
}

func TestTaskRunsWithOwnConnection(t *testing.T) {
	m := miniredis.RunT(t)
	s, _ := newTestServer(t, map[string]string{
		"job.js":     `redis_connect(args[0], args[1]); redis("SET", args[2], args[3]);`,
		"start.sage": fmt.Sprintf(`<%%? task_create("job.js", %q, %s, "done", "yes") %%>`, m.Host(), m.Port()),
	}, nil)

	if got := get(s, "/start.sage").Body.String(); got != "0" {
		t.Fatalf("task_create = %q, want 0", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.tasks.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got, _ := m.Get("done"); got != "yes" {
		t.Errorf("task wrote %q, want yes", got)
	}
	if s.store.Connected() {
		t.Error("the task connection leaked into the page store")
	}
}

func TestTaskHasNoRequestVerbs(t *testing.T) {
	s, logs := newTestServer(t, map[string]string{
		"job.js":     `http_write("from a task");`,
		"start.sage": `<%? task_create("job.js") %>`,
	}, nil)

	if got := get(s, "/start.sage").Body.String(); got != "0" {
		t.Fatalf("task_create = %q, want 0", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.tasks.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !strings.Contains(logs.String(), "[TASK] job.js:") {
		t.Errorf("task failure not logged:\n%s", logs.String())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s, logs := newTestServer(t, map[string]string{
		"index.sage": "hi",
	}, func(cfg *config.Config) {
		cfg.Server.Host = "127.0.0.1"
		cfg.Server.Port = 0
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if !strings.Contains(logs.String(), "Starting Sage on http://127.0.0.1:0") {
		t.Errorf("start not logged:\n%s", logs.String())
	}
}

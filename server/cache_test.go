package server

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/sambeau/sage/pkg/script"
	"github.com/sambeau/sage/pkg/script/jsengine"
	"github.com/sambeau/sage/pkg/template"
)

func writeFiles(t *testing.T, files map[string]string) {
	t.Helper()
	for name, content := range files {
		if err := os.WriteFile(name, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func newTestCache(disabled bool) *scriptCache {
	return newScriptCache(&template.Compiler{}, jsengine.New(), disabled)
}

func TestScriptCache_CachesCompiledPages(t *testing.T) {
	t.Chdir(t.TempDir())
	writeFiles(t, map[string]string{"index.sage": "hello"})

	c := newTestCache(false)
	first, err := c.get("index.sage")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	second, err := c.get("index.sage")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if first != second {
		t.Error("second get should return the cached page")
	}
	if c.size() != 1 {
		t.Errorf("size = %d, want 1", c.size())
	}
	if len(first.files) != 1 || first.files[0] != absPath("index.sage") {
		t.Errorf("files = %v", first.files)
	}
}

func TestScriptCache_InvalidateDuringCompile(t *testing.T) {
	t.Chdir(t.TempDir())
	writeFiles(t, map[string]string{"index.sage": "hello"})

	var c *scriptCache
	reads := 0
	compiler := &template.Compiler{ReadFile: func(path string) ([]byte, error) {
		reads++
		if reads == 1 {
			// the watcher fires between the read and the store
			c.invalidate(path)
		}
		return os.ReadFile(path)
	}}
	c = newScriptCache(compiler, jsengine.New(), false)

	if _, err := c.get("index.sage"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.size() != 0 {
		t.Error("page compiled across an invalidation was cached")
	}

	if _, err := c.get("index.sage"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.size() != 1 || reads != 2 {
		t.Errorf("size = %d, reads = %d, want 1 and 2", c.size(), reads)
	}
}

func TestScriptCache_DisabledAlwaysCompiles(t *testing.T) {
	t.Chdir(t.TempDir())
	writeFiles(t, map[string]string{"index.sage": "v1"})

	c := newTestCache(true)
	first, _ := c.get("index.sage")
	writeFiles(t, map[string]string{"index.sage": "v2"})
	second, _ := c.get("index.sage")

	if first == second {
		t.Error("disabled cache returned a cached page")
	}
	if !bytes.Contains(second.source, []byte(`"v2"`)) {
		t.Errorf("source not recompiled: %s", second.source)
	}
	if c.size() != 0 {
		t.Errorf("disabled cache stored %d pages", c.size())
	}
}

func TestScriptCache_InvalidateThroughInclude(t *testing.T) {
	t.Chdir(t.TempDir())
	writeFiles(t, map[string]string{
		"a.sage":     "<%@ header.inc %>a",
		"b.sage":     "<%@ header.inc %>b",
		"c.sage":     "c",
		"header.inc": "v1 ",
	})

	c := newTestCache(false)
	for _, p := range []string{"a.sage", "b.sage", "c.sage"} {
		if _, err := c.get(p); err != nil {
			t.Fatalf("get %s: %v", p, err)
		}
	}

	if n := c.invalidate("header.inc"); n != 2 {
		t.Errorf("invalidate(header.inc) = %d, want 2", n)
	}
	if c.size() != 1 {
		t.Errorf("size = %d, want 1", c.size())
	}
	if n := c.invalidate("header.inc"); n != 0 {
		t.Errorf("second invalidate = %d, want 0", n)
	}
	if n := c.invalidate(absPath("c.sage")); n != 1 {
		t.Errorf("invalidate by absolute path = %d, want 1", n)
	}

	c.get("a.sage")
	c.clear()
	if c.size() != 0 {
		t.Errorf("size after clear = %d", c.size())
	}
}

func TestScriptCache_ParseErrorKeepsSource(t *testing.T) {
	t.Chdir(t.TempDir())
	writeFiles(t, map[string]string{"bad.sage": "<% var = ; %>"})

	c := newTestCache(false)
	page, err := c.get("bad.sage")
	var pe *script.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *script.ParseError", err)
	}
	if page == nil || !bytes.Contains(page.source, []byte("var = ;")) {
		t.Errorf("page source missing: %+v", page)
	}
	if c.size() != 0 {
		t.Error("a page that failed to parse was cached")
	}
}

func TestWatcherInvalidatesCache(t *testing.T) {
	t.Chdir(t.TempDir())
	writeFiles(t, map[string]string{
		"index.sage": "<%@ part.inc %>",
		"part.inc":   "v1",
	})

	c := newTestCache(false)
	if _, err := c.get("index.sage"); err != nil {
		t.Fatal(err)
	}

	var logs syncBuffer
	w, err := NewWatcher(c, ".", &logs, &logs)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	writeFiles(t, map[string]string{"part.inc": "v2"})

	deadline := time.Now().Add(5 * time.Second)
	for c.size() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("cache not invalidated; logs:\n%s", logs.String())
		}
		time.Sleep(10 * time.Millisecond)
	}

	page, err := c.get("index.sage")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(page.source, []byte(`"v2"`)) {
		t.Errorf("recompiled source = %s", page.source)
	}
}

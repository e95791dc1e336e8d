package server

import (
	"path/filepath"
	"sync"

	"github.com/sambeau/sage/pkg/script"
	"github.com/sambeau/sage/pkg/template"
)

// compiledPage is a template turned into a parsed script.
type compiledPage struct {
	program script.Program
	source  []byte   // generated script, kept for error pages
	files   []string // absolute paths of the template and its includes
}

// scriptCache caches compiled templates for production performance.
// In dev mode, caching is disabled and templates are always read and
// compiled from disk.
type scriptCache struct {
	mu       sync.RWMutex
	pages    map[string]*compiledPage   // path -> compiled page
	users    map[string]map[string]bool // file -> paths of pages that read it
	gen      uint64                     // bumped by invalidate and clear
	disabled bool

	compiler *template.Compiler
	engine   script.Engine
}

func newScriptCache(compiler *template.Compiler, engine script.Engine, disabled bool) *scriptCache {
	return &scriptCache{
		pages:    make(map[string]*compiledPage),
		users:    make(map[string]map[string]bool),
		disabled: disabled,
		compiler: compiler,
		engine:   engine,
	}
}

// get returns the compiled page for the template at path. On a parse
// error the returned page still carries the generated source.
func (c *scriptCache) get(path string) (*compiledPage, error) {
	if c.disabled {
		return c.compile(path)
	}

	// Production mode: check cache first
	c.mu.RLock()
	page, ok := c.pages[path]
	gen := c.gen
	c.mu.RUnlock()
	if ok {
		return page, nil
	}

	page, err := c.compile(path)
	if err != nil {
		return page, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// A file changed while compiling; the page may be stale
	if c.gen != gen {
		return page, nil
	}
	c.pages[path] = page
	for _, f := range page.files {
		if c.users[f] == nil {
			c.users[f] = make(map[string]bool)
		}
		c.users[f][path] = true
	}
	return page, nil
}

// compile reads, compiles and parses a template.
func (c *scriptCache) compile(path string) (*compiledPage, error) {
	src, files, err := c.compiler.CompileFile(path)
	if err != nil {
		return nil, err
	}
	page := &compiledPage{source: src, files: make([]string, 0, len(files))}
	for _, f := range files {
		page.files = append(page.files, absPath(f))
	}
	if page.program, err = c.engine.Parse(src, path); err != nil {
		return page, err
	}
	return page, nil
}

// invalidate drops every cached page that read file and returns how many
// were dropped.
func (c *scriptCache) invalidate(file string) int {
	file = absPath(file)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++

	n := 0
	for path := range c.users[file] {
		page, ok := c.pages[path]
		if !ok {
			continue
		}
		delete(c.pages, path)
		n++
		for _, f := range page.files {
			delete(c.users[f], path)
			if len(c.users[f]) == 0 {
				delete(c.users, f)
			}
		}
	}
	return n
}

// clear removes all cached pages
func (c *scriptCache) clear() {
	c.mu.Lock()
	c.pages = make(map[string]*compiledPage)
	c.users = make(map[string]map[string]bool)
	c.gen++
	c.mu.Unlock()
}

// size returns the number of cached pages.
func (c *scriptCache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pages)
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

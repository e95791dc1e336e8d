// Package template compiles page templates into script source.
//
// A template is markup with embedded directives:
//
//	<%! path %>   include path, resolved against the process working directory
//	<%@ path %>   include path, resolved against the including file's directory
//	<%? expr %>   write the string form of expr to the response
//	<% code %>    script code, copied through unchanged
//
// Everything else is markup and becomes a call that writes it verbatim.
package template

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// WriteFunc is the script function the generated code calls to append
// text to the response body.
const WriteFunc = "http_write"

// DefaultMaxDepth bounds include nesting, which also stops include cycles.
const DefaultMaxDepth = 32

var (
	ErrEmptyInclude = errors.New("include directive has no path")
	ErrIncludeDepth = errors.New("includes nested too deeply")
)

// CompileError reports a template that could not be compiled.
type CompileError struct {
	Path string // file being compiled when the error occurred
	Err  error
}

func (e *CompileError) Error() string {
	path := e.Path
	if path == "" {
		path = "<input>"
	}
	return fmt.Sprintf("compiling %s: %v", path, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// Compiler turns templates into script source. The zero value reads
// includes with os.ReadFile and allows DefaultMaxDepth levels of nesting.
type Compiler struct {
	// ReadFile loads included files.
	ReadFile func(path string) ([]byte, error)

	// MaxDepth bounds include nesting. Zero means DefaultMaxDepth.
	MaxDepth int

	// Log, when set, receives a line for every include.
	Log io.Writer
}

// Compile compiles source with the default Compiler. dir is the directory
// relative includes resolve against.
func Compile(source []byte, dir string) ([]byte, error) {
	var c Compiler
	return c.Compile(source, dir)
}

// Compile compiles source. dir is the directory relative includes resolve
// against.
func (c *Compiler) Compile(source []byte, dir string) ([]byte, error) {
	out, _, err := c.run(source, "", dir)
	return out, err
}

// CompileFile reads and compiles the template at path. It also returns
// every file that was read, the template first, so callers can watch them
// for changes.
func (c *Compiler) CompileFile(path string) ([]byte, []string, error) {
	src, err := c.readFile(path)
	if err != nil {
		return nil, nil, &CompileError{Path: path, Err: err}
	}
	out, files, err := c.run(src, path, filepath.Dir(path))
	if err != nil {
		return nil, nil, err
	}
	return out, append([]string{path}, files...), nil
}

func (c *Compiler) run(source []byte, path, dir string) ([]byte, []string, error) {
	st := &state{c: c}
	if err := st.compile(source, path, dir, 0); err != nil {
		return nil, nil, err
	}
	return st.out.Bytes(), st.files, nil
}

func (c *Compiler) readFile(path string) ([]byte, error) {
	if c.ReadFile != nil {
		return c.ReadFile(path)
	}
	return os.ReadFile(path)
}

func (c *Compiler) maxDepth() int {
	if c.MaxDepth > 0 {
		return c.MaxDepth
	}
	return DefaultMaxDepth
}

// state is shared by one top-level compilation and all of its includes.
type state struct {
	c     *Compiler
	out   bytes.Buffer
	files []string
}

func (st *state) compile(src []byte, path, dir string, depth int) error {
	start := 0
	for i := 0; i < len(src); {
		if src[i] != '<' || i+1 >= len(src) || src[i+1] != '%' {
			i++
			continue
		}
		st.literal(src[start:i])

		var kind byte
		if i+2 < len(src) {
			kind = src[i+2]
		}
		switch kind {
		case '!', '@':
			target, next, err := includePath(src, i+3)
			if err != nil {
				return &CompileError{Path: path, Err: err}
			}
			if err := st.include(target, kind == '@', path, dir, depth); err != nil {
				return err
			}
			i = next
		case '?':
			body, next := scanCode(src, i+3)
			st.print(body)
			i = next
		default:
			body, next := scanCode(src, i+2)
			st.out.WriteByte('\n')
			st.out.Write(body)
			i = next
		}
		start = i
	}
	st.literal(src[start:])
	return nil
}

func (st *state) include(target string, relative bool, from, dir string, depth int) error {
	if depth+1 > st.c.maxDepth() {
		return &CompileError{Path: from, Err: fmt.Errorf("%w: %s", ErrIncludeDepth, target)}
	}
	if st.c.Log != nil {
		if relative {
			fmt.Fprintf(st.c.Log, "including '%s' relative to current file\n", target)
		} else {
			fmt.Fprintf(st.c.Log, "including '%s'\n", target)
		}
	}

	resolved := target
	if relative && !filepath.IsAbs(target) {
		resolved = filepath.Join(dir, target)
	}
	src, err := st.c.readFile(resolved)
	if err != nil {
		return &CompileError{Path: from, Err: fmt.Errorf("reading include %s: %w", resolved, err)}
	}
	st.files = append(st.files, resolved)

	st.out.WriteByte('\n')
	return st.compile(src, resolved, filepath.Dir(resolved), depth+1)
}

func (st *state) literal(text []byte) {
	if len(text) == 0 {
		return
	}
	fmt.Fprintf(&st.out, "\n%s(\"%s\");", WriteFunc, Escape(string(text)))
}

func (st *state) print(body []byte) {
	expr := strings.TrimRight(strings.TrimSpace(string(body)), "; \t\r\n")
	if expr == "" {
		return
	}
	// The newline ends a trailing line comment in expr
	fmt.Fprintf(&st.out, "\n%s(String((%s\n)));", WriteFunc, expr)
}

// scanCode returns the code between from and the next %> that is not
// inside a double-quoted string, and the offset just past that %>. An
// unterminated block runs to the end of src.
func scanCode(src []byte, from int) ([]byte, int) {
	inString := false
	for j := from; j < len(src); j++ {
		c := src[j]
		if inString {
			switch c {
			case '\\':
				j++
			case '"':
				inString = false
			}
			continue
		}
		switch {
		case c == '"':
			inString = true
		case c == '%' && j+1 < len(src) && src[j+1] == '>':
			return src[from:j], j + 2
		}
	}
	if from > len(src) {
		from = len(src)
	}
	return src[from:], len(src)
}

// includePath reads the path token of an include directive starting at
// from. Leading whitespace is skipped; the token ends at whitespace or %>,
// and a backslash makes the next byte part of the path. It returns the
// offset just past the directive's closing %>.
func includePath(src []byte, from int) (string, int, error) {
	j := from
	for j < len(src) && isSpace(src[j]) {
		j++
	}
	var path []byte
	for j < len(src) {
		c := src[j]
		if c == '\\' && j+1 < len(src) {
			path = append(path, src[j+1])
			j += 2
			continue
		}
		if isSpace(c) || (c == '%' && j+1 < len(src) && src[j+1] == '>') {
			break
		}
		path = append(path, c)
		j++
	}
	if len(path) == 0 {
		return "", 0, ErrEmptyInclude
	}

	next := len(src)
	if j < len(src) {
		if k := bytes.Index(src[j:], []byte("%>")); k >= 0 {
			next = j + k + 2
		}
	}
	return string(path), next, nil
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	}
	return false
}

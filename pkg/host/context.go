package host

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
)

const (
	// DefaultMaxBody bounds the request body a script can read.
	DefaultMaxBody = 32 << 20
	maxFormMemory  = 8 << 20
)

var ErrBodyTooLarge = errors.New("request body too large")

// Outcome says which kind of response Flush produced.
type Outcome int

const (
	OutcomeEmpty Outcome = iota
	OutcomeBody
	OutcomeFile
	OutcomeRedirect
)

func (o Outcome) String() string {
	switch o {
	case OutcomeBody:
		return "body"
	case OutcomeFile:
		return "file"
	case OutcomeRedirect:
		return "redirect"
	}
	return "empty"
}

// retained is a response header or cookie a script set. It stays with the
// Context until the response is flushed.
type retained struct {
	name, value string
	cookie      *http.Cookie
}

// Context is the state of one request while its script runs: the
// response being assembled and everything that has to live until the
// response is written. Contexts are pooled; get one with AcquireContext
// and hand it back with Release.
type Context struct {
	r       *http.Request
	maxBody int64

	body     bytes.Buffer
	file     string
	redirect string
	status   int
	keep     []retained

	raw      []byte
	rawRead  bool
	rawErr   error
	formDone bool
	formErr  error
	query    url.Values
	uploads  map[string]string
	temps    []string
}

var contextPool = sync.Pool{
	New: func() any { return new(Context) },
}

// AcquireContext returns a fresh Context for r. maxBody bounds how much of
// the request body scripts may read; zero means DefaultMaxBody.
func AcquireContext(r *http.Request, maxBody int64) *Context {
	c := contextPool.Get().(*Context)
	c.reset()
	c.r = r
	c.maxBody = maxBody
	if c.maxBody <= 0 {
		c.maxBody = DefaultMaxBody
	}
	return c
}

// Release drops everything the Context holds, deletes uploaded-file
// copies and returns the Context to the pool. The Context must not be
// used afterwards.
func (c *Context) Release() {
	for _, p := range c.temps {
		os.Remove(p)
	}
	if c.r != nil && c.r.MultipartForm != nil {
		c.r.MultipartForm.RemoveAll()
	}
	c.reset()
	contextPool.Put(c)
}

func (c *Context) reset() {
	c.r = nil
	c.body.Reset()
	c.file = ""
	c.redirect = ""
	c.status = 0
	clear(c.keep)
	c.keep = c.keep[:0]
	c.raw = nil
	c.rawRead = false
	c.rawErr = nil
	c.formDone = false
	c.formErr = nil
	c.query = nil
	c.uploads = nil
	c.temps = nil
}

func (c *Context) Request() *http.Request { return c.r }

// WriteBody appends s to the response body.
func (c *Context) WriteBody(s string) { c.body.WriteString(s) }

// ClearBody empties the response body.
func (c *Context) ClearBody() { c.body.Reset() }

// Body returns the response body assembled so far.
func (c *Context) Body() []byte { return c.body.Bytes() }

// SetFile makes the response the contents of path instead of the body.
func (c *Context) SetFile(path string) { c.file = path }

// SetRedirect makes the response an internal redirect to target.
func (c *Context) SetRedirect(target string) { c.redirect = target }

func (c *Context) Redirect() string { return c.redirect }

// SetStatus sets the status code of a body or empty response.
func (c *Context) SetStatus(code int) { c.status = code }

// Status returns the status code a body response is written with.
func (c *Context) Status() int {
	if c.status == 0 {
		return http.StatusOK
	}
	return c.status
}

// KeepHeader records a response header to set when the response is
// flushed.
func (c *Context) KeepHeader(name, value string) {
	c.keep = append(c.keep, retained{name: name, value: value})
}

// KeepCookie records a cookie to set when the response is flushed.
func (c *Context) KeepCookie(ck *http.Cookie) {
	c.keep = append(c.keep, retained{cookie: ck})
}

// Retained returns the number of pending headers and cookies.
func (c *Context) Retained() int { return len(c.keep) }

// Flush writes the response. A pending redirect wins over a file, a file
// over the body; with none of them an empty response is written. Retained
// headers and cookies are applied first in every case. For a redirect,
// Flush calls redirect and leaves writing the response to it.
func (c *Context) Flush(w http.ResponseWriter, redirect func(target string)) Outcome {
	h := w.Header()
	for _, k := range c.keep {
		if k.cookie != nil {
			h.Add("Set-Cookie", k.cookie.String())
			continue
		}
		h.Set(k.name, k.value)
	}

	switch {
	case c.redirect != "":
		redirect(c.redirect)
		return OutcomeRedirect
	case c.file != "":
		ServeFile(w, c.r, c.file)
		return OutcomeFile
	case c.body.Len() > 0:
		w.WriteHeader(c.Status())
		w.Write(c.body.Bytes())
		return OutcomeBody
	}
	w.WriteHeader(c.Status())
	return OutcomeEmpty
}

// ServeFile writes the file at path as the response. Unlike
// http.ServeFile it never redirects, so it is safe for internally routed
// requests.
func ServeFile(w http.ResponseWriter, r *http.Request, path string) {
	f, err := os.Open(path)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil || st.IsDir() {
		http.NotFound(w, r)
		return
	}
	http.ServeContent(w, r, st.Name(), st.ModTime(), f)
}

// RawBody reads the request body once, bounded by the Context's limit.
// Later reads of r.Body see the same bytes.
func (c *Context) RawBody() ([]byte, error) {
	if c.rawRead {
		return c.raw, c.rawErr
	}
	c.rawRead = true
	if c.r.Body == nil || c.r.Body == http.NoBody {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(c.r.Body, c.maxBody+1))
	c.r.Body.Close()
	if err != nil {
		c.rawErr = fmt.Errorf("reading request body: %w", err)
		return nil, c.rawErr
	}
	if int64(len(data)) > c.maxBody {
		c.rawErr = ErrBodyTooLarge
		return nil, c.rawErr
	}
	c.raw = data
	c.r.Body = io.NopCloser(bytes.NewReader(data))
	return c.raw, nil
}

func (c *Context) parseForm() error {
	if c.formDone {
		return c.formErr
	}
	c.formDone = true
	if _, err := c.RawBody(); err != nil {
		c.formErr = err
		return err
	}
	if strings.HasPrefix(c.r.Header.Get("Content-Type"), "multipart/form-data") {
		c.formErr = c.r.ParseMultipartForm(maxFormMemory)
	} else {
		c.formErr = c.r.ParseForm()
	}
	if c.formErr != nil {
		c.formErr = fmt.Errorf("parsing form: %w", c.formErr)
	}
	return c.formErr
}

// PostValue returns the first value of a form field in the request body.
func (c *Context) PostValue(name string) (string, bool, error) {
	if err := c.parseForm(); err != nil {
		return "", false, err
	}
	vals, ok := c.r.PostForm[name]
	if !ok || len(vals) == 0 {
		return "", false, nil
	}
	return vals[0], true, nil
}

// QueryValue returns the first value of a query parameter.
func (c *Context) QueryValue(name string) (string, bool) {
	if c.query == nil {
		c.query = c.r.URL.Query()
	}
	vals, ok := c.query[name]
	if !ok || len(vals) == 0 {
		return "", false
	}
	return vals[0], true
}

// UploadPath copies the uploaded file of a multipart field to a temporary
// file and returns its path. The copy is deleted by Release.
func (c *Context) UploadPath(field string) (string, bool, error) {
	if p, ok := c.uploads[field]; ok {
		return p, true, nil
	}
	if err := c.parseForm(); err != nil {
		return "", false, err
	}
	if c.r.MultipartForm == nil {
		return "", false, nil
	}
	files := c.r.MultipartForm.File[field]
	if len(files) == 0 {
		return "", false, nil
	}
	p, err := c.copyUpload(files[0])
	if err != nil {
		return "", false, err
	}
	if c.uploads == nil {
		c.uploads = make(map[string]string)
	}
	c.uploads[field] = p
	return p, true, nil
}

func (c *Context) copyUpload(fh *multipart.FileHeader) (string, error) {
	src, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("opening upload %s: %w", fh.Filename, err)
	}
	defer src.Close()

	dst, err := os.CreateTemp("", "sage-upload-*")
	if err != nil {
		return "", err
	}
	c.temps = append(c.temps, dst.Name())
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return "", fmt.Errorf("copying upload %s: %w", fh.Filename, err)
	}
	return dst.Name(), dst.Close()
}

// CookieValue returns the value of a request cookie.
func (c *Context) CookieValue(name string) (string, bool) {
	ck, err := c.r.Cookie(name)
	if err != nil {
		return "", false
	}
	return ck.Value, true
}

// HeaderValue returns a request header. Host is read from the request
// line since net/http removes it from the header map.
func (c *Context) HeaderValue(name string) (string, bool) {
	if http.CanonicalHeaderKey(name) == "Host" {
		return c.r.Host, c.r.Host != ""
	}
	vals := c.r.Header.Values(name)
	if len(vals) == 0 {
		return "", false
	}
	return vals[0], true
}

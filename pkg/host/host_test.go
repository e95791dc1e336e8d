package host

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/sambeau/sage/pkg/kv"
	"github.com/sambeau/sage/pkg/script"
	"github.com/sambeau/sage/pkg/task"
)

func str(s string) script.Value { return script.String(s) }
func num(n float64) script.Value { return script.Number(n) }
func args(v ...script.Value) script.Args { return script.ValueArgs(v) }

func newRequestHost(t *testing.T, r *http.Request) (script.Host, *Context) {
	t.Helper()
	c := AcquireContext(r, 0)
	t.Cleanup(c.Release)
	env := &Env{Request: c, KV: new(kv.Slot)}
	return NewDispatcher(NewStdlib()).Bind(env), c
}

func call(t *testing.T, h script.Host, verb string, a ...script.Value) script.Value {
	t.Helper()
	v, err := h.Call(context.Background(), verb, args(a...))
	if err != nil {
		t.Fatalf("%s: %v", verb, err)
	}
	return v
}

func TestHeaderPutSurvivesUntilFlush(t *testing.T) {
	h, c := newRequestHost(t, httptest.NewRequest("GET", "/", nil))

	if got := call(t, h, "http-header-put", str("X-Test"), str("v")); !script.Equal(got, num(1)) {
		t.Fatalf("http-header-put = %v, want 1", got)
	}
	call(t, h, "http-write", str("body"))

	w := httptest.NewRecorder()
	c.Flush(w, nil)
	if got := w.Header().Get("X-Test"); got != "v" {
		t.Errorf("X-Test = %q after flush, want v", got)
	}
	if w.Body.String() != "body" {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestHeaderPutRejectsInvalid(t *testing.T) {
	h, c := newRequestHost(t, httptest.NewRequest("GET", "/", nil))
	_, err := h.Call(context.Background(), "http-header-put", args(str("Bad Name"), str("v")))
	var verr *VerbError
	if !errors.As(err, &verr) || verr.Verb != "http-header-put" {
		t.Errorf("err = %v, want VerbError", err)
	}
	if _, err := h.Call(context.Background(), "http-header-put", args(str("X-Ok"), str("line\nbreak"))); err == nil {
		t.Error("header value with newline accepted")
	}
	if c.Retained() != 0 {
		t.Errorf("retained %d values after rejected puts", c.Retained())
	}
}

func TestCookiePut(t *testing.T) {
	tests := []struct {
		name   string
		maxAge float64
		flags  float64
		want   string
	}{
		{"session", -1, 0, "session=abc; Path=/"},
		{"expire", 0, 0, "expire=abc; Path=/; Max-Age=0"},
		{"day", 86400, CookieHTTPOnly | CookieSecure, "day=abc; Path=/; Max-Age=86400; HttpOnly; Secure"},
		{"strict", -1, CookieSameSiteStrict, "strict=abc; Path=/; SameSite=Strict"},
		{"lax", -1, CookieSameSiteLax, "lax=abc; Path=/; SameSite=Lax"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, c := newRequestHost(t, httptest.NewRequest("GET", "/", nil))
			got := call(t, h, "http-cookie-put", str(tt.name), str("abc"), num(tt.maxAge), num(tt.flags))
			if !script.Equal(got, num(1)) {
				t.Fatalf("http-cookie-put = %v, want 1", got)
			}
			w := httptest.NewRecorder()
			c.Flush(w, nil)
			if sc := w.Header().Get("Set-Cookie"); sc != tt.want {
				t.Errorf("Set-Cookie = %q, want %q", sc, tt.want)
			}
		})
	}

	h, c := newRequestHost(t, httptest.NewRequest("GET", "/", nil))
	if got := call(t, h, "http-cookie-put", str("bad name"), str("x"), num(-1), num(0)); !script.Equal(got, num(0)) {
		t.Errorf("invalid cookie = %v, want 0", got)
	}
	if c.Retained() != 0 {
		t.Error("invalid cookie was retained")
	}
}

func TestRequestVerbs(t *testing.T) {
	r := httptest.NewRequest("POST", "/form?page=2", strings.NewReader("name=sage"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.AddCookie(&http.Cookie{Name: "id", Value: "42"})
	h, c := newRequestHost(t, r)

	tests := []struct {
		verb string
		args []script.Value
		want script.Value
	}{
		{"http-method-get", nil, str("POST")},
		{"http-path-get", nil, str("/form")},
		{"http-body-get", nil, str("name=sage")},
		{"http-post-get", []script.Value{str("name")}, str("sage")},
		{"http-post-get", []script.Value{str("other")}, script.Nil()},
		{"http-query-get", []script.Value{str("page")}, str("2")},
		{"http-query-get", []script.Value{str("nope")}, script.Nil()},
		{"http-cookie-get", []script.Value{str("id")}, str("42")},
		{"http-cookie-get", []script.Value{str("nope")}, script.Nil()},
		{"http-header-get", []script.Value{str("Content-Type")}, str("application/x-www-form-urlencoded")},
		{"http-file-get", []script.Value{str("upload")}, script.Nil()},
		{"http-write-file", []script.Value{str("/tmp/x")}, num(1)},
		{"http-route", []script.Value{str("/next")}, num(1)},
		{"http-status-put", []script.Value{num(201)}, num(1)},
	}
	for _, tt := range tests {
		got := call(t, h, tt.verb, tt.args...)
		if !script.Equal(got, tt.want) {
			t.Errorf("%s(%v) = %v, want %v", tt.verb, tt.args, got, tt.want)
		}
	}
	if c.Redirect() != "/next" || c.Status() != 201 {
		t.Errorf("redirect = %q, status = %d", c.Redirect(), c.Status())
	}
}

func TestBodyGetWithoutBody(t *testing.T) {
	h, _ := newRequestHost(t, httptest.NewRequest("GET", "/", nil))
	if got := call(t, h, "http-body-get"); !got.IsNil() {
		t.Errorf("http-body-get = %v, want nil", got)
	}
}

func TestVerbArgumentErrors(t *testing.T) {
	h, _ := newRequestHost(t, httptest.NewRequest("GET", "/", nil))
	tests := []struct {
		verb string
		args []script.Value
		want error
	}{
		{"http-write", nil, ErrArity},
		{"http-write", []script.Value{num(1)}, ErrType},
		{"http-clear", []script.Value{str("x")}, ErrArity},
		{"http-cookie-put", []script.Value{str("a"), str("b"), str("c"), num(0)}, ErrType},
		{"http-status-put", []script.Value{str("200")}, ErrType},
		{"redis", nil, ErrArity},
		{"redis", []script.Value{str("GET"), script.Array()}, ErrType},
		{"redis-connect", []script.Value{num(1), num(2)}, ErrType},
		{"task-create", nil, ErrArity},
		{"markdown", []script.Value{num(1)}, ErrType},
		{"no-such-verb", nil, ErrUnknownVerb},
	}
	for _, tt := range tests {
		_, err := h.Call(context.Background(), tt.verb, args(tt.args...))
		if !errors.Is(err, tt.want) {
			t.Errorf("%s(%v) err = %v, want %v", tt.verb, tt.args, err, tt.want)
		}
	}
}

// failingArgs reports an error evaluating every argument.
type failingArgs int

func (a failingArgs) Len() int { return int(a) }

func (a failingArgs) Eval(i int) (script.Value, error) {
	return script.Nil(), errors.New("boom")
}

func TestArgumentEvaluationError(t *testing.T) {
	h, c := newRequestHost(t, httptest.NewRequest("GET", "/", nil))
	if _, err := h.Call(context.Background(), "http-header-put", failingArgs(2)); err == nil {
		t.Fatal("expected error from failing argument")
	}
	if c.Retained() != 0 {
		t.Error("failed call retained a header")
	}
}

func TestCapabilitySeparation(t *testing.T) {
	d := NewDispatcher(NewStdlib())
	h := d.Bind(&Env{KV: new(kv.Slot)})

	for _, v := range h.Verbs() {
		if strings.HasPrefix(v, "http-") {
			t.Errorf("request-free environment lists %s", v)
		}
	}
	for _, want := range []string{"redis", "redis-connect", "task-create", "log", "markdown"} {
		if !slices.Contains(h.Verbs(), want) {
			t.Errorf("Verbs() missing %s", want)
		}
	}
	if _, err := h.Call(context.Background(), "http-write", args(str("x"))); !errors.Is(err, ErrUnknownVerb) {
		t.Errorf("http-write without request: %v, want ErrUnknownVerb", err)
	}

	withReq, _ := newRequestHost(t, httptest.NewRequest("GET", "/", nil))
	if !slices.Contains(withReq.Verbs(), "http-write") {
		t.Error("request environment is missing http-write")
	}
}

func redisHost(t *testing.T) (script.Host, *miniredis.Miniredis) {
	t.Helper()
	m := miniredis.RunT(t)
	dialer, err := kv.NewDialer("redis", kv.Options{})
	if err != nil {
		t.Fatal(err)
	}
	slot := new(kv.Slot)
	t.Cleanup(func() { slot.Close() })
	h := NewDispatcher(nil).Bind(&Env{KV: slot, Dialer: dialer})

	port, _ := strconv.Atoi(m.Port())
	if got := call(t, h, "redis-connect", str(m.Host()), num(float64(port))); !script.Equal(got, num(1)) {
		t.Fatalf("redis-connect = %v, want 1", got)
	}
	return h, m
}

func TestRedisVerb(t *testing.T) {
	h, m := redisHost(t)
	m.Set("name", "sage")

	tests := []struct {
		argv []script.Value
		want script.Value
	}{
		{[]script.Value{str("GET"), str("missing-key")}, script.Nil()},
		{[]script.Value{str("GET"), str("name")}, str("sage")},
		{[]script.Value{str("SET"), str("n"), num(41)}, str("OK")},
		{[]script.Value{str("INCRBY"), str("n"), num(1)}, num(42)},
		{[]script.Value{str("SET"), str("f"), num(2.5)}, str("OK")},
		{[]script.Value{str("GET"), str("f")}, str("2.5")},
		{[]script.Value{str("RPUSH"), str("l"), str("a"), num(7)}, num(2)},
		{[]script.Value{str("LRANGE"), str("l"), num(0), num(-1)}, script.Array(str("a"), str("7"))},
		{[]script.Value{str("INCR"), str("name")}, script.Nil()},
	}
	for _, tt := range tests {
		got := call(t, h, "redis", tt.argv...)
		if !script.Equal(got, tt.want) {
			t.Errorf("redis(%v) = %v, want %v", tt.argv, got, tt.want)
		}
	}
}

func TestRedisWithoutConnection(t *testing.T) {
	var log bytes.Buffer
	h := NewDispatcher(nil).Bind(&Env{KV: new(kv.Slot), Log: &log})
	if got := call(t, h, "redis", str("GET"), str("k")); !got.IsNil() {
		t.Errorf("redis without connection = %v, want nil", got)
	}
	if !strings.Contains(log.String(), "not connected") {
		t.Errorf("log = %q, want a not connected warning", log.String())
	}
}

func TestRedisConnectFailure(t *testing.T) {
	h, m := redisHost(t)
	port, _ := strconv.Atoi(m.Port())
	m.Close()

	if got := call(t, h, "redis-connect", str("127.0.0.1"), num(float64(port))); !script.Equal(got, num(0)) {
		t.Errorf("redis-connect to closed server = %v, want 0", got)
	}
	if got := call(t, h, "redis", str("PING")); !got.IsNil() {
		t.Errorf("redis after failed connect = %v, want nil", got)
	}
}

type recordingSpawner struct {
	path string
	args script.Value
	err  error
}

func (s *recordingSpawner) Launch(path string, args script.Value) error {
	s.path, s.args = path, args
	return s.err
}

func TestTaskCreate(t *testing.T) {
	sp := &recordingSpawner{}
	h := NewDispatcher(nil).Bind(&Env{Tasks: sp})

	got := call(t, h, "task-create", str("worker.sts"), str("a"), num(1))
	if !script.Equal(got, num(LaunchOK)) {
		t.Errorf("task-create = %v, want %d", got, LaunchOK)
	}
	if sp.path != "worker.sts" || !script.Equal(sp.args, script.Array(str("a"), num(1))) {
		t.Errorf("launched %q with %v", sp.path, sp.args)
	}

	tests := []struct {
		err  error
		want int
	}{
		{task.ErrBusy, LaunchBusy},
		{task.ErrClosed, LaunchFailed},
	}
	for _, tt := range tests {
		sp.err = tt.err
		if got := call(t, h, "task-create", str("w")); !script.Equal(got, num(float64(tt.want))) {
			t.Errorf("task-create with %v = %v, want %d", tt.err, got, tt.want)
		}
	}

	none := NewDispatcher(nil).Bind(&Env{})
	if got := call(t, none, "task-create", str("w")); !script.Equal(got, num(LaunchFailed)) {
		t.Errorf("task-create without spawner = %v", got)
	}
}

func TestValueFromReply(t *testing.T) {
	tests := []struct {
		in   kv.Reply
		want script.Value
	}{
		{kv.NilReply(), script.Nil()},
		{kv.IntReply(-3), num(-3)},
		{kv.StatusReply("OK"), str("OK")},
		{kv.BulkReply(""), str("")},
		{kv.ErrorReply("ERR nope"), script.Nil()},
		{
			kv.ArrayReply(kv.BulkReply("a"), kv.ArrayReply(kv.IntReply(1), kv.NilReply())),
			script.Array(str("a"), script.Array(num(1), script.Nil())),
		},
		{kv.ArrayReply(), script.Array()},
	}
	for _, tt := range tests {
		if got := ValueFromReply(tt.in); !script.Equal(got, tt.want) {
			t.Errorf("ValueFromReply(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestStdlib(t *testing.T) {
	var log bytes.Buffer
	h := NewDispatcher(NewStdlib()).Bind(&Env{Log: &log})

	if got := call(t, h, "html-escape", str(`<a href="x">`)); got.Str() != "&lt;a href=&#34;x&#34;&gt;" {
		t.Errorf("html-escape = %q", got.Str())
	}
	if got := call(t, h, "markdown", str("# Title")); strings.TrimSpace(got.Str()) != "<h1>Title</h1>" {
		t.Errorf("markdown = %q", got.Str())
	}

	hash := call(t, h, "password-hash", str("secret"))
	if got := call(t, h, "password-verify", hash, str("secret")); !script.Equal(got, num(1)) {
		t.Error("password-verify rejected the right password")
	}
	if got := call(t, h, "password-verify", hash, str("guess")); !script.Equal(got, num(0)) {
		t.Error("password-verify accepted the wrong password")
	}

	call(t, h, "log", str("count"), num(3))
	if log.String() != "[SCRIPT] count 3\n" {
		t.Errorf("log output = %q", log.String())
	}
}

func TestSleepHonoursContext(t *testing.T) {
	h := NewDispatcher(NewStdlib()).Bind(&Env{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.Call(ctx, "sleep", args(num(60000))); !errors.Is(err, context.Canceled) {
		t.Errorf("sleep on cancelled context: %v", err)
	}
}

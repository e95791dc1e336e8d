package host

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"golang.org/x/net/http/httpguts"

	"github.com/sambeau/sage/pkg/kv"
	"github.com/sambeau/sage/pkg/script"
	"github.com/sambeau/sage/pkg/task"
)

// Cookie flag bits accepted by http-cookie-put.
const (
	CookieHTTPOnly = 1 << iota
	CookieSecure
	CookieSameSiteLax
	CookieSameSiteStrict
	CookieSameSiteNone
)

var requestVerbs = map[string]verbFunc{
	"http-write":      httpWrite,
	"http-clear":      httpClear,
	"http-method-get": httpMethodGet,
	"http-path-get":   httpPathGet,
	"http-body-get":   httpBodyGet,
	"http-post-get":   httpPostGet,
	"http-query-get":  httpQueryGet,
	"http-file-get":   httpFileGet,
	"http-cookie-get": httpCookieGet,
	"http-cookie-put": httpCookiePut,
	"http-header-get": httpHeaderGet,
	"http-header-put": httpHeaderPut,
	"http-write-file": httpWriteFile,
	"http-route":      httpRoute,
	"http-status-put": httpStatusPut,
}

var storeVerbs = map[string]verbFunc{
	"redis-connect": redisConnect,
	"redis":         redisCommand,
}

var one = script.Number(1)

func httpWrite(_ context.Context, env *Env, args script.Args) (script.Value, error) {
	if err := wantArgs("http-write", args, 1); err != nil {
		return script.Nil(), err
	}
	s, err := argString("http-write", args, 0)
	if err != nil {
		return script.Nil(), err
	}
	env.Request.WriteBody(s)
	return one, nil
}

func httpClear(_ context.Context, env *Env, args script.Args) (script.Value, error) {
	if err := wantArgs("http-clear", args, 0); err != nil {
		return script.Nil(), err
	}
	env.Request.ClearBody()
	return one, nil
}

func httpMethodGet(_ context.Context, env *Env, args script.Args) (script.Value, error) {
	if err := wantArgs("http-method-get", args, 0); err != nil {
		return script.Nil(), err
	}
	return script.String(env.Request.Request().Method), nil
}

func httpPathGet(_ context.Context, env *Env, args script.Args) (script.Value, error) {
	if err := wantArgs("http-path-get", args, 0); err != nil {
		return script.Nil(), err
	}
	return script.String(env.Request.Request().URL.Path), nil
}

func httpBodyGet(_ context.Context, env *Env, args script.Args) (script.Value, error) {
	if err := wantArgs("http-body-get", args, 0); err != nil {
		return script.Nil(), err
	}
	body, err := env.Request.RawBody()
	if err != nil {
		return script.Nil(), &VerbError{Verb: "http-body-get", Err: err}
	}
	if body == nil {
		return script.Nil(), nil
	}
	return script.String(string(body)), nil
}

// lookup runs the common shape of the one-string-argument getters.
func lookup(name string, args script.Args, get func(string) (string, bool, error)) (script.Value, error) {
	if err := wantArgs(name, args, 1); err != nil {
		return script.Nil(), err
	}
	key, err := argString(name, args, 0)
	if err != nil {
		return script.Nil(), err
	}
	v, ok, err := get(key)
	if err != nil {
		return script.Nil(), &VerbError{Verb: name, Err: err}
	}
	return stringOrNil(v, ok), nil
}

func noErr(get func(string) (string, bool)) func(string) (string, bool, error) {
	return func(k string) (string, bool, error) {
		v, ok := get(k)
		return v, ok, nil
	}
}

func httpPostGet(_ context.Context, env *Env, args script.Args) (script.Value, error) {
	return lookup("http-post-get", args, env.Request.PostValue)
}

func httpQueryGet(_ context.Context, env *Env, args script.Args) (script.Value, error) {
	return lookup("http-query-get", args, noErr(env.Request.QueryValue))
}

func httpFileGet(_ context.Context, env *Env, args script.Args) (script.Value, error) {
	return lookup("http-file-get", args, env.Request.UploadPath)
}

func httpCookieGet(_ context.Context, env *Env, args script.Args) (script.Value, error) {
	return lookup("http-cookie-get", args, noErr(env.Request.CookieValue))
}

func httpHeaderGet(_ context.Context, env *Env, args script.Args) (script.Value, error) {
	return lookup("http-header-get", args, noErr(env.Request.HeaderValue))
}

// httpCookiePut takes name, value, max age and flags. A max age of 0
// expires the cookie now and -1 makes it a session cookie.
func httpCookiePut(_ context.Context, env *Env, args script.Args) (script.Value, error) {
	const name = "http-cookie-put"
	if err := wantArgs(name, args, 4); err != nil {
		return script.Nil(), err
	}
	ckName, err := argString(name, args, 0)
	if err != nil {
		return script.Nil(), err
	}
	ckValue, err := argString(name, args, 1)
	if err != nil {
		return script.Nil(), err
	}
	maxAge, err := argNumber(name, args, 2)
	if err != nil {
		return script.Nil(), err
	}
	flags, err := argNumber(name, args, 3)
	if err != nil {
		return script.Nil(), err
	}

	ck := &http.Cookie{Name: ckName, Value: ckValue, Path: "/"}
	switch age := int(maxAge); {
	case age == 0:
		ck.MaxAge = -1
	case age > 0:
		ck.MaxAge = age
	}
	bits := int(flags)
	ck.HttpOnly = bits&CookieHTTPOnly != 0
	ck.Secure = bits&CookieSecure != 0
	switch {
	case bits&CookieSameSiteStrict != 0:
		ck.SameSite = http.SameSiteStrictMode
	case bits&CookieSameSiteLax != 0:
		ck.SameSite = http.SameSiteLaxMode
	case bits&CookieSameSiteNone != 0:
		ck.SameSite = http.SameSiteNoneMode
	}
	if err := ck.Valid(); err != nil {
		env.logf("WARN", "http-cookie-put: %v", err)
		return script.Number(0), nil
	}
	env.Request.KeepCookie(ck)
	return one, nil
}

func httpHeaderPut(_ context.Context, env *Env, args script.Args) (script.Value, error) {
	const name = "http-header-put"
	if err := wantArgs(name, args, 2); err != nil {
		return script.Nil(), err
	}
	key, err := argString(name, args, 0)
	if err != nil {
		return script.Nil(), err
	}
	val, err := argString(name, args, 1)
	if err != nil {
		return script.Nil(), err
	}
	if !httpguts.ValidHeaderFieldName(key) {
		return script.Nil(), &VerbError{Verb: name, Err: fmt.Errorf("invalid header name %q", key)}
	}
	if !httpguts.ValidHeaderFieldValue(val) {
		return script.Nil(), &VerbError{Verb: name, Err: fmt.Errorf("invalid value for header %s", key)}
	}
	env.Request.KeepHeader(key, val)
	return one, nil
}

func httpWriteFile(_ context.Context, env *Env, args script.Args) (script.Value, error) {
	if err := wantArgs("http-write-file", args, 1); err != nil {
		return script.Nil(), err
	}
	p, err := argString("http-write-file", args, 0)
	if err != nil {
		return script.Nil(), err
	}
	env.Request.SetFile(p)
	return one, nil
}

func httpRoute(_ context.Context, env *Env, args script.Args) (script.Value, error) {
	if err := wantArgs("http-route", args, 1); err != nil {
		return script.Nil(), err
	}
	target, err := argString("http-route", args, 0)
	if err != nil {
		return script.Nil(), err
	}
	env.Request.SetRedirect(target)
	return one, nil
}

func httpStatusPut(_ context.Context, env *Env, args script.Args) (script.Value, error) {
	const name = "http-status-put"
	if err := wantArgs(name, args, 1); err != nil {
		return script.Nil(), err
	}
	n, err := argNumber(name, args, 0)
	if err != nil {
		return script.Nil(), err
	}
	code := int(n)
	if code < 100 || code > 999 {
		return script.Nil(), &VerbError{Verb: name, Err: fmt.Errorf("invalid status code %v", n)}
	}
	env.Request.SetStatus(code)
	return one, nil
}

// redisConnect replaces the environment's store connection. Failing to
// connect leaves the old connection closed and returns 0.
func redisConnect(ctx context.Context, env *Env, args script.Args) (script.Value, error) {
	const name = "redis-connect"
	if err := wantArgs(name, args, 2); err != nil {
		return script.Nil(), err
	}
	host, err := argString(name, args, 0)
	if err != nil {
		return script.Nil(), err
	}
	port, err := argNumber(name, args, 1)
	if err != nil {
		return script.Nil(), err
	}
	if env.KV == nil || env.Dialer == nil {
		env.logf("WARN", "redis-connect: no key-value store configured")
		return script.Number(0), nil
	}

	c, err := env.Dialer.Dial(ctx, host, int(port))
	if err != nil {
		env.KV.Close()
		env.logf("WARN", "redis-connect: %v", err)
		return script.Number(0), nil
	}
	env.KV.Replace(c)
	return one, nil
}

// redisCommand sends its arguments as one command. Transport failures and
// error replies give nil.
func redisCommand(ctx context.Context, env *Env, args script.Args) (script.Value, error) {
	const name = "redis"
	if err := wantAtLeast(name, args, 1); err != nil {
		return script.Nil(), err
	}
	argv := make([]string, args.Len())
	for i := range argv {
		v, err := argValue(name, args, i)
		if err != nil {
			return script.Nil(), err
		}
		switch v.Kind() {
		case script.KindString:
			argv[i] = v.Str()
		case script.KindNumber:
			argv[i] = strconv.FormatFloat(v.Number(), 'f', -1, 64)
		default:
			return script.Nil(), typeError(name, i, "string or number", v)
		}
	}
	if env.KV == nil {
		env.logf("WARN", "redis %s: %v", argv[0], kv.ErrNotConnected)
		return script.Nil(), nil
	}

	reply, err := env.KV.Do(ctx, argv)
	if err != nil {
		env.logf("WARN", "redis %s: %v", argv[0], err)
		return script.Nil(), nil
	}
	if reply.Kind == kv.ReplyError {
		env.logf("WARN", "redis %s: %s", argv[0], reply.Str)
	}
	return ValueFromReply(reply), nil
}

// Launch statuses returned by task-create.
const (
	LaunchOK = iota
	LaunchBusy
	LaunchFailed
)

// taskCreate starts the script named by the first argument in the
// background with the remaining arguments as its args array.
func taskCreate(_ context.Context, env *Env, args script.Args) (script.Value, error) {
	const name = "task-create"
	if err := wantAtLeast(name, args, 1); err != nil {
		return script.Nil(), err
	}
	p, err := argString(name, args, 0)
	if err != nil {
		return script.Nil(), err
	}
	rest := make([]script.Value, 0, args.Len()-1)
	for i := 1; i < args.Len(); i++ {
		v, err := argValue(name, args, i)
		if err != nil {
			return script.Nil(), err
		}
		rest = append(rest, v)
	}
	if env.Tasks == nil {
		env.logf("WARN", "task-create %s: tasks are not available here", p)
		return script.Number(LaunchFailed), nil
	}

	switch err := env.Tasks.Launch(p, script.Array(rest...)); {
	case err == nil:
		return script.Number(LaunchOK), nil
	case errors.Is(err, task.ErrBusy):
		env.logf("WARN", "task-create %s: %v", p, err)
		return script.Number(LaunchBusy), nil
	default:
		env.logf("WARN", "task-create %s: %v", p, err)
		return script.Number(LaunchFailed), nil
	}
}

package kv

import (
	"context"
	"errors"
	"path"
	"sort"
	"strconv"
	"strings"
)

// store is the storage an embedded client runs commands against.
type store interface {
	get(ctx context.Context, key string) (string, bool, error)
	set(ctx context.Context, key, value string) error
	del(ctx context.Context, key string) (bool, error)
	keys(ctx context.Context) ([]string, error)
	flush(ctx context.Context) error

	// update atomically replaces the value of key with the result of fn.
	// fn reports whether anything should be written.
	update(ctx context.Context, key string, fn func(old string, exists bool) (string, bool, error)) error

	close() error
}

// errReply is returned by update callbacks to abort with an error reply.
type errReply string

func (e errReply) Error() string { return string(e) }

const (
	errNotInteger = errReply("ERR value is not an integer or out of range")
	errSyntax     = errReply("ERR syntax error")
)

type command struct {
	arity int // exact argument count including the name; negative means at least -arity
	run   func(ctx context.Context, st store, args []string) (Reply, error)
}

// commands is the redis subset the embedded stores understand.
var commands = map[string]command{
	"PING":    {-1, cmdPing},
	"ECHO":    {2, func(_ context.Context, _ store, a []string) (Reply, error) { return BulkReply(a[0]), nil }},
	"GET":     {2, cmdGet},
	"SET":     {-3, cmdSet},
	"SETNX":   {3, cmdSetNX},
	"DEL":     {-2, cmdDel},
	"EXISTS":  {-2, cmdExists},
	"INCR":    {2, func(ctx context.Context, st store, a []string) (Reply, error) { return incrBy(ctx, st, a[0], 1) }},
	"DECR":    {2, func(ctx context.Context, st store, a []string) (Reply, error) { return incrBy(ctx, st, a[0], -1) }},
	"INCRBY":  {3, cmdIncrBy(1)},
	"DECRBY":  {3, cmdIncrBy(-1)},
	"APPEND":  {3, cmdAppend},
	"STRLEN":  {2, cmdStrlen},
	"MGET":    {-2, cmdMGet},
	"KEYS":    {2, cmdKeys},
	"DBSIZE":  {1, cmdDBSize},
	"FLUSHDB": {1, cmdFlush},
}

// embeddedClient answers redis-style commands from a local store.
type embeddedClient struct {
	st      store
	release func() error
}

func (c *embeddedClient) Do(ctx context.Context, argv []string) (Reply, error) {
	if len(argv) == 0 {
		return NilReply(), ErrEmptyCommand
	}
	name := strings.ToUpper(argv[0])
	cmd, ok := commands[name]
	if !ok {
		return ErrorReply("ERR unknown command '" + argv[0] + "'"), nil
	}
	if (cmd.arity > 0 && len(argv) != cmd.arity) || (cmd.arity < 0 && len(argv) < -cmd.arity) {
		return ErrorReply("ERR wrong number of arguments for '" + strings.ToLower(name) + "' command"), nil
	}
	reply, err := cmd.run(ctx, c.st, argv[1:])
	var e errReply
	if errors.As(err, &e) {
		return ErrorReply(string(e)), nil
	}
	return reply, err
}

func (c *embeddedClient) Close() error {
	if c.release != nil {
		return c.release()
	}
	return c.st.close()
}

func cmdPing(_ context.Context, _ store, args []string) (Reply, error) {
	switch len(args) {
	case 0:
		return StatusReply("PONG"), nil
	case 1:
		return BulkReply(args[0]), nil
	}
	return ErrorReply("ERR wrong number of arguments for 'ping' command"), nil
}

func cmdGet(ctx context.Context, st store, args []string) (Reply, error) {
	v, ok, err := st.get(ctx, args[0])
	if err != nil || !ok {
		return NilReply(), err
	}
	return BulkReply(v), nil
}

// cmdSet supports the NX and XX flags. Expiry options are rejected.
func cmdSet(ctx context.Context, st store, args []string) (Reply, error) {
	key, value := args[0], args[1]
	var nx, xx bool
	for _, opt := range args[2:] {
		switch strings.ToUpper(opt) {
		case "NX":
			nx = true
		case "XX":
			xx = true
		default:
			return NilReply(), errSyntax
		}
	}
	if nx && xx {
		return NilReply(), errSyntax
	}
	if !nx && !xx {
		if err := st.set(ctx, key, value); err != nil {
			return NilReply(), err
		}
		return StatusReply("OK"), nil
	}

	written := false
	err := st.update(ctx, key, func(_ string, exists bool) (string, bool, error) {
		if (nx && exists) || (xx && !exists) {
			return "", false, nil
		}
		written = true
		return value, true, nil
	})
	if err != nil || !written {
		return NilReply(), err
	}
	return StatusReply("OK"), nil
}

func cmdSetNX(ctx context.Context, st store, args []string) (Reply, error) {
	written := false
	err := st.update(ctx, args[0], func(_ string, exists bool) (string, bool, error) {
		if exists {
			return "", false, nil
		}
		written = true
		return args[1], true, nil
	})
	if err != nil {
		return NilReply(), err
	}
	if written {
		return IntReply(1), nil
	}
	return IntReply(0), nil
}

func cmdDel(ctx context.Context, st store, args []string) (Reply, error) {
	var n int64
	for _, k := range args {
		ok, err := st.del(ctx, k)
		if err != nil {
			return NilReply(), err
		}
		if ok {
			n++
		}
	}
	return IntReply(n), nil
}

func cmdExists(ctx context.Context, st store, args []string) (Reply, error) {
	var n int64
	for _, k := range args {
		_, ok, err := st.get(ctx, k)
		if err != nil {
			return NilReply(), err
		}
		if ok {
			n++
		}
	}
	return IntReply(n), nil
}

func cmdIncrBy(sign int64) func(context.Context, store, []string) (Reply, error) {
	return func(ctx context.Context, st store, args []string) (Reply, error) {
		by, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return NilReply(), errNotInteger
		}
		return incrBy(ctx, st, args[0], sign*by)
	}
}

func incrBy(ctx context.Context, st store, key string, by int64) (Reply, error) {
	var n int64
	err := st.update(ctx, key, func(old string, exists bool) (string, bool, error) {
		if exists {
			cur, err := strconv.ParseInt(old, 10, 64)
			if err != nil {
				return "", false, errNotInteger
			}
			n = cur
		}
		n += by
		return strconv.FormatInt(n, 10), true, nil
	})
	if err != nil {
		return NilReply(), err
	}
	return IntReply(n), nil
}

func cmdAppend(ctx context.Context, st store, args []string) (Reply, error) {
	var n int
	err := st.update(ctx, args[0], func(old string, _ bool) (string, bool, error) {
		v := old + args[1]
		n = len(v)
		return v, true, nil
	})
	if err != nil {
		return NilReply(), err
	}
	return IntReply(int64(n)), nil
}

func cmdStrlen(ctx context.Context, st store, args []string) (Reply, error) {
	v, _, err := st.get(ctx, args[0])
	if err != nil {
		return NilReply(), err
	}
	return IntReply(int64(len(v))), nil
}

func cmdMGet(ctx context.Context, st store, args []string) (Reply, error) {
	elems := make([]Reply, len(args))
	for i, k := range args {
		r, err := cmdGet(ctx, st, []string{k})
		if err != nil {
			return NilReply(), err
		}
		elems[i] = r
	}
	return ArrayReply(elems...), nil
}

func cmdKeys(ctx context.Context, st store, args []string) (Reply, error) {
	all, err := st.keys(ctx)
	if err != nil {
		return NilReply(), err
	}
	sort.Strings(all)
	elems := []Reply{}
	for _, k := range all {
		if ok, err := path.Match(args[0], k); err == nil && ok {
			elems = append(elems, BulkReply(k))
		}
	}
	return ArrayReply(elems...), nil
}

func cmdDBSize(ctx context.Context, st store, _ []string) (Reply, error) {
	all, err := st.keys(ctx)
	if err != nil {
		return NilReply(), err
	}
	return IntReply(int64(len(all))), nil
}

func cmdFlush(ctx context.Context, st store, _ []string) (Reply, error) {
	if err := st.flush(ctx); err != nil {
		return NilReply(), err
	}
	return StatusReply("OK"), nil
}

package kv

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/gomodule/redigo/redis"
)

type redisDialer struct {
	opts Options
}

// Dial opens a connection to the redis server at host:port and checks it
// with PING. The client holds a single server connection, so SELECT and
// MULTI carry over between calls; the pool only redials it after a
// network error.
func (d *redisDialer) Dial(ctx context.Context, host string, port int) (Client, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	timeout := d.opts.DialTimeout
	pool := &redis.Pool{
		MaxIdle:     1,
		MaxActive:   1,
		Wait:        true,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialContext(ctx, "tcp", addr,
				redis.DialConnectTimeout(timeout),
				redis.DialReadTimeout(30*time.Second),
				redis.DialWriteTimeout(30*time.Second),
			)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}

	c := &redisClient{pool: pool, addr: addr}
	if _, err := c.Do(ctx, []string{"PING"}); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return c, nil
}

type redisClient struct {
	pool *redis.Pool
	addr string
}

func (c *redisClient) Do(ctx context.Context, argv []string) (Reply, error) {
	if len(argv) == 0 {
		return NilReply(), ErrEmptyCommand
	}
	conn, err := c.pool.GetContext(ctx)
	if err != nil {
		return NilReply(), err
	}
	defer conn.Close()

	args := make([]any, len(argv)-1)
	for i, a := range argv[1:] {
		args[i] = a
	}
	reply, err := redis.DoContext(conn, ctx, argv[0], args...)
	if err != nil {
		var rerr redis.Error
		if errors.As(err, &rerr) {
			return ErrorReply(rerr.Error()), nil
		}
		return NilReply(), err
	}
	return fromRedis(reply), nil
}

func (c *redisClient) Close() error {
	return c.pool.Close()
}

func fromRedis(v any) Reply {
	switch t := v.(type) {
	case nil:
		return NilReply()
	case int64:
		return IntReply(t)
	case string:
		return StatusReply(t)
	case []byte:
		return BulkReply(string(t))
	case redis.Error:
		return ErrorReply(t.Error())
	case []any:
		elems := make([]Reply, len(t))
		for i, e := range t {
			elems[i] = fromRedis(e)
		}
		return ArrayReply(elems...)
	}
	return ErrorReply(fmt.Sprintf("unexpected reply type %T", v))
}

// Package kv is the key-value store client used by scripts. A command is
// a vector of strings; the answer is a Reply tree in the shape of the redis
// protocol. Besides redis itself, embedded stores on bbolt and SQL
// databases answer a common subset of redis commands.
package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ReplyKind identifies the type of a Reply.
type ReplyKind int

const (
	ReplyNil ReplyKind = iota
	ReplyInteger
	ReplyError
	ReplyStatus
	ReplyBulk
	ReplyArray
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyNil:
		return "nil"
	case ReplyInteger:
		return "integer"
	case ReplyError:
		return "error"
	case ReplyStatus:
		return "status"
	case ReplyBulk:
		return "bulk"
	case ReplyArray:
		return "array"
	}
	return fmt.Sprintf("ReplyKind(%d)", int(k))
}

// Reply is one node of a command's result.
type Reply struct {
	Kind  ReplyKind
	Int   int64
	Str   string // error text, status or bulk string
	Elems []Reply
}

func NilReply() Reply { return Reply{Kind: ReplyNil} }
func IntReply(n int64) Reply { return Reply{Kind: ReplyInteger, Int: n} }
func StatusReply(s string) Reply { return Reply{Kind: ReplyStatus, Str: s} }
func BulkReply(s string) Reply { return Reply{Kind: ReplyBulk, Str: s} }
func ErrorReply(msg string) Reply { return Reply{Kind: ReplyError, Str: msg} }
func ArrayReply(e ...Reply) Reply { return Reply{Kind: ReplyArray, Elems: e} }

func (r Reply) String() string {
	switch r.Kind {
	case ReplyInteger:
		return fmt.Sprintf("(integer) %d", r.Int)
	case ReplyError:
		return "(error) " + r.Str
	case ReplyStatus:
		return r.Str
	case ReplyBulk:
		return fmt.Sprintf("%q", r.Str)
	case ReplyArray:
		parts := make([]string, len(r.Elems))
		for i, e := range r.Elems {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, " ") + "]"
	}
	return "(nil)"
}

// Client sends commands to a store. Implementations are safe for
// concurrent use.
type Client interface {
	// Do runs one command. Error replies from the store come back as a
	// ReplyError Reply; the error result is for transport failures.
	Do(ctx context.Context, argv []string) (Reply, error)
	Close() error
}

// Dialer opens clients for one driver.
type Dialer interface {
	// Dial connects to host:port. Embedded drivers treat host as a file
	// path or DSN and ignore port.
	Dial(ctx context.Context, host string, port int) (Client, error)
}

// Options configure a Dialer.
type Options struct {
	DialTimeout time.Duration
	PoolSize    int
}

const (
	defaultDialTimeout = 2 * time.Second
	defaultPoolSize    = 8
)

var (
	ErrNotConnected  = errors.New("kv: not connected")
	ErrEmptyCommand  = errors.New("kv: empty command")
	ErrUnknownDriver = errors.New("kv: unknown driver")
)

// Drivers lists the driver names NewDialer accepts.
var Drivers = []string{"redis", "bolt", "sqlite", "mysql", "postgres"}

// NewDialer returns the Dialer for driver.
func NewDialer(driver string, opts Options) (Dialer, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = defaultPoolSize
	}
	switch driver {
	case "", "redis":
		return &redisDialer{opts: opts}, nil
	case "bolt":
		return &boltDialer{opts: opts}, nil
	case "sqlite", "mysql", "postgres":
		return &sqlDialer{dialect: dialects[driver], opts: opts}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
}

// Slot holds the current connection of one script environment. Connecting
// again replaces and closes the previous client.
type Slot struct {
	mu     sync.RWMutex
	client Client
}

// Replace installs c and closes the client it replaces.
func (s *Slot) Replace(c Client) error {
	s.mu.Lock()
	old := s.client
	s.client = c
	s.mu.Unlock()
	if old != nil {
		return old.Close()
	}
	return nil
}

// Connected reports whether the slot holds a client.
func (s *Slot) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client != nil
}

// Do runs argv on the current client.
func (s *Slot) Do(ctx context.Context, argv []string) (Reply, error) {
	if len(argv) == 0 {
		return NilReply(), ErrEmptyCommand
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return NilReply(), ErrNotConnected
	}
	return s.client.Do(ctx, argv)
}

// Close closes and forgets the current client.
func (s *Slot) Close() error {
	return s.Replace(nil)
}

// Package task runs scripts in the background, detached from the request
// that started them.
package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sambeau/sage/pkg/script"
)

var (
	// ErrBusy is returned by Launch when the concurrency limit is reached.
	ErrBusy = errors.New("task: too many running tasks")

	// ErrClosed is returned by Launch after Shutdown.
	ErrClosed = errors.New("task: launcher closed")
)

// Runner runs one task script to completion. Every call gets its own
// environment; args is the task's private copy of its arguments.
type Runner interface {
	RunTask(ctx context.Context, path string, args script.Value) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, path string, args script.Value) error

func (f RunnerFunc) RunTask(ctx context.Context, path string, args script.Value) error {
	return f(ctx, path, args)
}

// Options configure a Launcher.
type Options struct {
	// MaxConcurrent bounds the tasks running at once. Zero means 64.
	MaxConcurrent int

	// Log receives task failures. Nil discards them.
	Log io.Writer
}

const defaultMaxConcurrent = 64

// Launcher starts tasks. Launched tasks report nothing back; their
// errors are logged.
type Launcher struct {
	runner Runner
	log    io.Writer
	slots  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewLauncher(runner Runner, opts Options) *Launcher {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxConcurrent
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Launcher{
		runner: runner,
		log:    opts.Log,
		slots:  make(chan struct{}, opts.MaxConcurrent),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Launch starts the script at path with a deep copy of args. It returns
// once the task is started and never waits for it.
func (l *Launcher) Launch(path string, args script.Value) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	select {
	case l.slots <- struct{}{}:
	default:
		return ErrBusy
	}

	own := args.DeepCopy()
	if own.Kind() != script.KindArray {
		own = script.Array()
	}
	l.wg.Add(1)
	go l.run(path, own)
	return nil
}

func (l *Launcher) run(path string, args script.Value) {
	defer func() {
		if r := recover(); r != nil {
			l.logf("%s: panic: %v", path, r)
		}
		<-l.slots
		l.wg.Done()
	}()
	if err := l.runner.RunTask(l.ctx, path, args); err != nil {
		l.logf("%s: %v", path, err)
	}
}

func (l *Launcher) logf(format string, args ...any) {
	if l.log != nil {
		fmt.Fprintf(l.log, "[TASK] "+format+"\n", args...)
	}
}

// Running returns the number of tasks currently running.
func (l *Launcher) Running() int { return len(l.slots) }

// Shutdown stops new launches and waits for running tasks. When ctx ends
// first, the running tasks are cancelled and Shutdown returns ctx's error
// without waiting further.
func (l *Launcher) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		l.cancel()
		return nil
	case <-ctx.Done():
		l.cancel()
		return ctx.Err()
	}
}

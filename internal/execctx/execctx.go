// Package execctx provides dedicated execution contexts: single goroutines,
// each locked to its own OS thread, that run every call made on behalf of one
// transaction. Backends whose native transaction is bound to "the current
// thread" therefore see the same thread for the whole transaction, and two
// transactions never share one.
package execctx

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"github.com/Smoac/openbis-fork-sub014/internal/loggingutil"
	"github.com/Smoac/openbis-fork-sub014/internal/txn"
)

type contextKey struct{}

// Context is one dedicated execution context.
type Context struct {
	id     string
	name   string
	logger pslog.Logger

	reqs chan request
	stop chan struct{}
	done chan struct{}
	once sync.Once

	localsMu sync.Mutex
	locals   map[any]any
}

type request struct {
	ctx    context.Context
	fn     func(context.Context) error
	result chan error
}

// Start spawns a new execution context. name is informational and shows up in
// logs; the id is unique per process.
func Start(name string, logger pslog.Logger) *Context {
	c := &Context{
		id:     "exec-" + xid.New().String(),
		name:   name,
		logger: loggingutil.EnsureLogger(logger),
		reqs:   make(chan request),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		locals: make(map[any]any),
	}
	started := make(chan struct{})
	go c.loop(started)
	<-started
	return c
}

// ID returns the unique identity of the context.
func (c *Context) ID() string { return c.id }

// Name returns the label given at Start.
func (c *Context) Name() string { return c.name }

func (c *Context) loop(started chan<- struct{}) {
	// The thread stays locked until the goroutine exits, at which point the
	// runtime discards it together with any thread-local state.
	runtime.LockOSThread()
	defer close(c.done)
	close(started)
	c.logger.Trace("txn.execctx.started", "exec_id", c.id, "name", c.name)
	for {
		select {
		case <-c.stop:
			c.logger.Trace("txn.execctx.stopped", "exec_id", c.id, "name", c.name)
			return
		case req := <-c.reqs:
			req.result <- c.run(req)
		}
	}
}

func (c *Context) run(req request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("txn.execctx.panic", "exec_id", c.id, "name", c.name, "panic", r)
			err = fmt.Errorf("execctx %s: panic: %v", c.id, r)
		}
	}()
	return req.fn(req.ctx)
}

// Do runs fn on the context and blocks until it returns. The context handed to
// fn carries c, so collaborators can reach it with FromContext. ctx only
// bounds the wait for the context to accept the call; once fn is running Do
// waits for it to finish. Calls made from inside fn run inline.
func (c *Context) Do(ctx context.Context, fn func(context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if current, ok := FromContext(ctx); ok && current == c {
		return fn(ctx)
	}
	req := request{
		ctx:    context.WithValue(ctx, contextKey{}, c),
		fn:     fn,
		result: make(chan error, 1),
	}
	select {
	case <-c.stop:
		return fmt.Errorf("%w: execution context %s", txn.ErrClosed, c.id)
	default:
	}
	select {
	case c.reqs <- req:
	case <-c.stop:
		return fmt.Errorf("%w: execution context %s", txn.ErrClosed, c.id)
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-req.result
}

// Close stops the context after the call in progress, if any. It does not
// wait; use Done to observe termination.
func (c *Context) Close() {
	c.once.Do(func() {
		close(c.stop)
	})
}

// Done is closed once the context goroutine has exited.
func (c *Context) Done() <-chan struct{} { return c.done }

// Closed reports whether Close has been called.
func (c *Context) Closed() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

// Set stores a context-local value. Providers use it from inside Do to bind a
// native handle that executors later look up with Value.
func (c *Context) Set(key, value any) {
	c.localsMu.Lock()
	c.locals[key] = value
	c.localsMu.Unlock()
}

// Value returns a context-local value.
func (c *Context) Value(key any) (any, bool) {
	c.localsMu.Lock()
	defer c.localsMu.Unlock()
	v, ok := c.locals[key]
	return v, ok
}

// Delete removes a context-local value.
func (c *Context) Delete(key any) {
	c.localsMu.Lock()
	delete(c.locals, key)
	c.localsMu.Unlock()
}

// FromContext returns the execution context running the current call.
func FromContext(ctx context.Context) (*Context, bool) {
	if ctx == nil {
		return nil, false
	}
	c, ok := ctx.Value(contextKey{}).(*Context)
	return c, ok && c != nil
}

// Local looks up a context-local value of type T on the execution context
// carried by ctx.
func Local[T any](ctx context.Context, key any) (T, bool) {
	var zero T
	c, ok := FromContext(ctx)
	if !ok {
		return zero, false
	}
	v, ok := c.Value(key)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	return typed, ok
}

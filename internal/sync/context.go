package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/cheggaaa/mb/v3"
	"go.uber.org/zap"
)

// ErrContextClosed is returned when work is submitted after Close.
var ErrContextClosed = errors.New("sync context closed")

// Context is a serialized executor. Every read-modify-write of an account's
// graph, and every strategy call, runs on its single goroutine.
type Context struct {
	name   string
	queue  *mb.MB[func()]
	done   chan struct{}
	logger *zap.Logger
}

// NewContext starts the executor goroutine.
func NewContext(name string, logger *zap.Logger) *Context {
	c := &Context{
		name:   name,
		queue:  mb.New[func()](0),
		done:   make(chan struct{}),
		logger: logger.With(zap.String("context", name)),
	}
	go c.loop()
	return c
}

func (c *Context) loop() {
	defer close(c.done)
	for {
		fn, err := c.queue.WaitOne(context.Background())
		if err != nil {
			return
		}
		c.run(fn)
	}
}

func (c *Context) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic in sync context", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}

// Perform schedules fn and returns immediately.
func (c *Context) Perform(fn func()) error {
	if err := c.queue.TryAdd(fn); err != nil {
		return fmt.Errorf("%s: %w", c.name, ErrContextClosed)
	}
	return nil
}

// PerformAndWait runs fn on the context and waits for it to finish. It must
// not be called from the context itself.
func (c *Context) PerformAndWait(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := c.Perform(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-c.done:
		return fmt.Errorf("%s: %w", c.name, ErrContextClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Executor adapts Perform for transport completions. Work submitted after
// Close is dropped.
func (c *Context) Executor() func(func()) {
	return func(fn func()) {
		if err := c.Perform(fn); err != nil {
			c.logger.Debug("dropping completion", zap.Error(err))
		}
	}
}

// Close stops accepting work and waits for the executor goroutine to exit.
func (c *Context) Close() {
	_ = c.queue.Close()
	<-c.done
}

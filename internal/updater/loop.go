// Package updater is the registry of tracked firmware versions. It creates and
// destroys activation machines, owns the priority ledger, and runs every mutation on
// a single event loop.
package updater

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
)

// ErrStopped is returned for work posted after the loop has exited.
var ErrStopped = errors.New("event loop stopped")

var errPanicked = errors.New("event handler panicked")

type op func(ctx context.Context)

// Loop runs posted operations one at a time in the order they were posted.
type Loop struct {
	logger logrus.FieldLogger
	ops    chan op
	done   chan struct{}

	// deferred is only touched by the loop goroutine.
	deferred []op
}

func NewLoop(logger logrus.FieldLogger, size int) *Loop {
	if size <= 0 {
		size = 64
	}
	return &Loop{
		logger: logger.WithField("component", "loop"),
		ops:    make(chan op, size),
		done:   make(chan struct{}),
	}
}

// Run executes posted operations until ctx is done. Operations already queued when
// ctx ends are dropped.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-l.ops:
			l.step(ctx, fn)
		}
	}
}

// step runs fn and then the work it deferred, oldest first.
func (l *Loop) step(ctx context.Context, fn op) {
	l.exec(ctx, fn)
	for len(l.deferred) > 0 {
		next := l.deferred[0]
		l.deferred = l.deferred[1:]
		l.exec(ctx, next)
	}
	l.deferred = nil
}

func (l *Loop) exec(ctx context.Context, fn op) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.WithField("panic", r).Error("event handler panicked")
		}
	}()
	fn(ctx)
}

// Defer schedules fn to run on the loop once the current operation returns, ahead of
// anything still queued. It must only be called from an operation running on the
// loop; unlike Post it never blocks, so it is safe when the queue is full.
func (l *Loop) Defer(fn func(ctx context.Context)) {
	l.deferred = append(l.deferred, fn)
}

// Post queues fn without waiting for it to run.
func (l *Loop) Post(fn func(ctx context.Context)) {
	select {
	case l.ops <- fn:
	case <-l.done:
		l.logger.Warn("dropping event posted after shutdown")
	}
}

// Do runs fn on the loop and waits for its result.
func (l *Loop) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	errc := make(chan error, 1)
	wrapped := func(loopCtx context.Context) {
		err := errPanicked
		defer func() { errc <- err }()
		err = fn(loopCtx)
	}
	select {
	case l.ops <- wrapped:
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errc:
		return err
	case <-l.done:
		// The loop may have exited between accepting fn and running it.
		select {
		case err := <-errc:
			return err
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Package runner implements the cooperative single-threaded task runner
// the decode pipeline builds on: one instance for the Decoder and one for
// the SurfacePool fetch worker; the pool's client callbacks re-post their
// work onto the Decoder's instance. One
// goroutine is the sole mutator of its owner's state, draining a channel
// in a loop, exposed as a reusable Post/PostAndWait API.
package runner

import (
	"context"
	"log/slog"
)

// Runner serializes work onto a single goroutine. All state belonging to
// a Runner's owner must only be touched from within tasks posted to it;
// that is the entire point of the type.
type Runner struct {
	name  string
	log   *slog.Logger
	tasks chan func()
	done  chan struct{}
}

// New creates a Runner and starts its goroutine. name is used only for
// logging. queueDepth bounds how many posted tasks may be pending before
// Post blocks the caller.
func New(name string, queueDepth int, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	r := &Runner{
		name:  name,
		log:   log.With("runner", name),
		tasks: make(chan func(), queueDepth),
		done:  make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *Runner) loop() {
	defer close(r.done)
	for task := range r.tasks {
		task()
	}
}

// Post enqueues fn to run on the runner's goroutine and returns immediately.
// It is a no-op if the runner has been stopped.
func (r *Runner) Post(fn func()) {
	select {
	case <-r.done:
		r.log.Warn("post after stop, dropping task")
		return
	default:
	}
	select {
	case r.tasks <- fn:
	case <-r.done:
		r.log.Warn("post after stop, dropping task")
	}
}

// PostAndWait enqueues fn and blocks until it has run. Used by the
// component's blocking entry points (Start, Stop, Reset, Release and
// Flush); SetListener does not post to a runner.
func (r *Runner) PostAndWait(fn func()) {
	wait := make(chan struct{})
	r.Post(func() {
		fn()
		close(wait)
	})
	<-wait
}

// PostCtx enqueues fn and blocks until it runs or ctx is done, whichever
// comes first. The task still runs even if the context expires first; the
// runner never discards a queued task.
func (r *Runner) PostCtx(ctx context.Context, fn func()) error {
	wait := make(chan struct{})
	r.Post(func() {
		fn()
		close(wait)
	})
	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop drains any remaining queued tasks and stops the goroutine. Stop must
// only be called once.
func (r *Runner) Stop() {
	close(r.tasks)
	<-r.done
}

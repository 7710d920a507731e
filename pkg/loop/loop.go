// Package loop runs callbacks one at a time on a single goroutine.
//
// Socket callbacks, timer expirations and event-bus completions for every
// route are funnelled through one Loop, so route state machines never run
// concurrently with themselves or each other. Tasks must not block; anything
// that waits (a bus publish, a timer) does so off-loop and posts its
// continuation back with Await or AfterFunc.
package loop

import (
	"context"
	goerrs "errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrStopped = goerrs.New("loop stopped")

type Params struct {
	QueueLength int
	Logger      *zap.Logger
}

type Loop struct {
	tasks chan func()

	stopOnce sync.Once
	stopped  chan struct{}

	log *zap.Logger
}

func Create(params Params) *Loop {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	queueLength := 1024
	if params.QueueLength > 0 {
		queueLength = params.QueueLength
	}

	return &Loop{
		tasks:   make(chan func(), queueLength),
		stopped: make(chan struct{}),
		log:     logger.With(zap.String("component", "loop")),
	}
}

// Run processes tasks until ctx is cancelled. Tasks still queued at that point
// are discarded.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Debug("Starting event loop")
	defer l.log.Debug("Event loop stopped")
	defer l.stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case task := <-l.tasks:
			l.runTask(task)
		}
	}
}

func (l *Loop) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("Recovered panic in loop task", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	task()
}

func (l *Loop) stop() {
	l.stopOnce.Do(func() { close(l.stopped) })
}

func (l *Loop) Stopped() <-chan struct{} {
	return l.stopped
}

// Post queues fn. It reports false if the loop has stopped. Post must not be
// called from inside a task, which would deadlock on a full queue.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.stopped:
		return false
	default:
	}

	select {
	case l.tasks <- fn:
		return true
	case <-l.stopped:
		return false
	}
}

// Await waits for the completion off-loop, then runs fn on the loop with the
// result. A closed channel without a value counts as success.
func (l *Loop) Await(completion <-chan error, fn func(err error)) {
	go func() {
		var err error
		select {
		case err = <-completion:
		case <-l.stopped:
			return
		}
		l.Post(func() { fn(err) })
	}()
}

// AfterFunc runs fn on the loop once d has elapsed. Stopping the returned
// timer before it fires cancels fn.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() {
		l.Post(fn)
	})
}

// Flush blocks until every task queued before the call has run.
func (l *Loop) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if !l.Post(func() { close(done) }) {
		return ErrStopped
	}

	select {
	case <-done:
		return nil
	case <-l.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Package eventbus is the in-process implementation of events.Publisher.
//
// Subscribers are registered per event kind before the bus starts; the table
// is read-only afterwards. Each published event is handled by one worker from
// a fixed pool, which runs that kind's subscribers in registration order and
// stops at the first error. The error (or nil) resolves the publish
// completion.
//
// Events are sharded by connection: every event of one connection goes to
// the same worker, so they are dispatched in publish order. Events of
// different connections run in parallel.
package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/sessamekesh/wsroutes/pkg/errors"
	"github.com/sessamekesh/wsroutes/pkg/events"
	"github.com/sessamekesh/wsroutes/pkg/identity"
	"go.uber.org/zap"
)

type Handler func(ctx context.Context, ev events.Event) error

type BusParams struct {
	Workers     int
	QueueLength int
	Logger      *zap.Logger
}

type job struct {
	ctx  context.Context
	ev   events.Event
	done chan error
}

type Bus struct {
	mut_subscribers sync.RWMutex
	subscribers     map[events.Kind][]Handler

	mut_closed sync.RWMutex
	closed     bool

	started  atomic.Bool
	queues   []chan job
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	workers int
	log     *zap.Logger
}

func CreateBus(params BusParams) *Bus {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	workers := 4
	if params.Workers > 0 {
		workers = params.Workers
	}
	queueLength := 256
	if params.QueueLength > 0 {
		queueLength = params.QueueLength
	}

	queues := make([]chan job, workers)
	for i := range queues {
		queues[i] = make(chan job, queueLength)
	}

	return &Bus{
		subscribers: make(map[events.Kind][]Handler),
		queues:      queues,
		stop:        make(chan struct{}),
		workers:     workers,
		log:         logger.With(zap.String("component", "eventbus")),
	}
}

func (b *Bus) Subscribe(kind events.Kind, h Handler) error {
	if b.started.Load() {
		return &errors.BusStarted{}
	}

	b.mut_subscribers.Lock()
	defer b.mut_subscribers.Unlock()
	b.subscribers[kind] = append(b.subscribers[kind], h)
	return nil
}

// SubscriberCount reports how many handlers are registered for kind.
func (b *Bus) SubscriberCount(kind events.Kind) int {
	b.mut_subscribers.RLock()
	defer b.mut_subscribers.RUnlock()
	return len(b.subscribers[kind])
}

// Start runs the worker pool until ctx is cancelled, then closes the bus.
func (b *Bus) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return &errors.BusStarted{}
	}

	b.log.Info("Starting event bus", zap.Int("workers", b.workers))
	for _, queue := range b.queues {
		b.wg.Add(1)
		go b.worker(queue)
	}

	<-ctx.Done()
	b.Close()
	return nil
}

func (b *Bus) worker(queue <-chan job) {
	defer b.wg.Done()
	for {
		select {
		case <-b.stop:
			return
		case j := <-queue:
			j.done <- b.dispatch(j.ctx, j.ev)
			close(j.done)
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, ev events.Event) (err error) {
	b.mut_subscribers.RLock()
	handlers := b.subscribers[ev.Kind()]
	b.mut_subscribers.RUnlock()

	defer func() {
		if r := recover(); r != nil {
			b.log.Error("Recovered panic in event subscriber", zap.String("kind", string(ev.Kind())), zap.Any("panic", r))
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()

	for _, h := range handlers {
		if err := h(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bus) Publish(ctx context.Context, ev events.Event) <-chan error {
	b.mut_closed.RLock()
	defer b.mut_closed.RUnlock()

	if b.closed {
		return events.Resolved(errors.ErrBusClosed)
	}

	done := make(chan error, 1)
	select {
	case b.queueFor(ev) <- job{ctx: ctx, ev: ev, done: done}:
		return done
	case <-ctx.Done():
		return events.Resolved(ctx.Err())
	}
}

// queueFor picks the worker queue owning the event's connection. Events
// without a connection share the first queue.
func (b *Bus) queueFor(ev events.Event) chan<- job {
	c := ev.Base().Conn
	if c == nil {
		return b.queues[0]
	}
	shard := xxhash.Sum64String(identity.Identify(c)) % uint64(len(b.queues))
	return b.queues[shard]
}

// Close stops the workers. Events still queued resolve with ErrBusClosed.
func (b *Bus) Close() {
	b.mut_closed.Lock()
	b.closed = true
	b.mut_closed.Unlock()

	b.stopOnce.Do(func() {
		close(b.stop)
		b.wg.Wait()

		for _, queue := range b.queues {
			drain(queue)
		}
		b.log.Info("Event bus closed")
	})
}

func drain(queue chan job) {
	for {
		select {
		case j := <-queue:
			j.done <- errors.ErrBusClosed
			close(j.done)
		default:
			return
		}
	}
}

package eventbus

import (
	"context"
	goerrs "errors"
	"sync"
	"testing"
	"time"

	"github.com/sessamekesh/wsroutes/pkg/errors"
	"github.com/sessamekesh/wsroutes/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startBus(t *testing.T, setup func(b *Bus)) *Bus {
	t.Helper()
	b := CreateBus(BusParams{Workers: 2, Logger: zap.NewNop()})
	if setup != nil {
		setup(b)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go b.Start(ctx)
	t.Cleanup(cancel)
	return b
}

func wait(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(time.Second):
		t.Fatal("publish never resolved")
		return nil
	}
}

func opened(route string) events.Event {
	return events.ConnectionOpened{Envelope: events.Envelope{Route: route}}
}

func TestPublishWithoutSubscribersSucceeds(t *testing.T) {
	b := startBus(t, nil)
	assert.NoError(t, wait(t, b.Publish(context.Background(), opened("main"))))
}

func TestSubscribersRunInOrderForTheirKind(t *testing.T) {
	var mut sync.Mutex
	var calls []string
	record := func(name string) Handler {
		return func(ctx context.Context, ev events.Event) error {
			mut.Lock()
			defer mut.Unlock()
			calls = append(calls, name+":"+ev.Base().Route)
			return nil
		}
	}

	b := startBus(t, func(b *Bus) {
		require.NoError(t, b.Subscribe(events.KindConnectionOpened, record("first")))
		require.NoError(t, b.Subscribe(events.KindConnectionOpened, record("second")))
		require.NoError(t, b.Subscribe(events.KindConnectionClosed, record("closed")))
	})

	require.NoError(t, wait(t, b.Publish(context.Background(), opened("main"))))

	mut.Lock()
	defer mut.Unlock()
	assert.Equal(t, []string{"first:main", "second:main"}, calls)
}

func TestFirstErrorStopsChain(t *testing.T) {
	rejected := &events.AuthRejected{Route: "auth"}
	secondCalled := false

	b := startBus(t, func(b *Bus) {
		b.Subscribe(events.KindConnectionAuth, func(ctx context.Context, ev events.Event) error {
			return rejected
		})
		b.Subscribe(events.KindConnectionAuth, func(ctx context.Context, ev events.Event) error {
			secondCalled = true
			return nil
		})
	})

	err := wait(t, b.Publish(context.Background(), events.ConnectionAuth{Envelope: events.Envelope{Route: "auth"}}))
	assert.True(t, events.IsAuthRejected(err))
	assert.False(t, secondCalled)
}

func TestSubscriberPanicBecomesError(t *testing.T) {
	b := startBus(t, func(b *Bus) {
		b.Subscribe(events.KindConnectionOpened, func(ctx context.Context, ev events.Event) error {
			panic("bad subscriber")
		})
	})

	err := wait(t, b.Publish(context.Background(), opened("main")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad subscriber")
}

func TestSubscribeAfterStart(t *testing.T) {
	b := startBus(t, nil)
	require.Eventually(t, b.started.Load, time.Second, 5*time.Millisecond)

	err := b.Subscribe(events.KindConnectionOpened, func(context.Context, events.Event) error { return nil })
	var started *errors.BusStarted
	assert.ErrorAs(t, err, &started)
}

func TestPublishAfterClose(t *testing.T) {
	b := CreateBus(BusParams{Logger: zap.NewNop()})
	b.Close()

	assert.ErrorIs(t, wait(t, b.Publish(context.Background(), opened("main"))), errors.ErrBusClosed)
}

func TestCloseResolvesQueuedEvents(t *testing.T) {
	b := CreateBus(BusParams{Logger: zap.NewNop()})
	pending := b.Publish(context.Background(), opened("main"))

	b.Close()

	assert.ErrorIs(t, wait(t, pending), errors.ErrBusClosed)
}

func TestPublishHonorsContextWhenQueueFull(t *testing.T) {
	b := CreateBus(BusParams{QueueLength: 1, Logger: zap.NewNop()})
	b.Publish(context.Background(), opened("fills-queue"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := wait(t, b.Publish(ctx, opened("main")))
	assert.True(t, goerrs.Is(err, context.Canceled))
}

type testConn struct{ id string }

func (c *testConn) Identity() string          { return c.id }
func (c *testConn) Send(payload []byte) error { return nil }
func (c *testConn) Close() error              { return nil }

func message(c *testConn, payload string) events.Event {
	return events.MessageReceived{Envelope: events.Envelope{Route: "main", Conn: c}, Payload: []byte(payload)}
}

func TestEventsOfOneConnectionKeepPublishOrder(t *testing.T) {
	var mut sync.Mutex
	var seen []string

	b := CreateBus(BusParams{Workers: 4, Logger: zap.NewNop()})
	require.NoError(t, b.Subscribe(events.KindMessageReceived, func(ctx context.Context, ev events.Event) error {
		payload := string(ev.(events.MessageReceived).Payload)
		if payload == "first" {
			time.Sleep(50 * time.Millisecond)
		}
		mut.Lock()
		defer mut.Unlock()
		seen = append(seen, payload)
		return nil
	}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Start(ctx)

	c := &testConn{id: "c1"}
	first := b.Publish(context.Background(), message(c, "first"))
	second := b.Publish(context.Background(), message(c, "second"))
	require.NoError(t, wait(t, first))
	require.NoError(t, wait(t, second))

	mut.Lock()
	defer mut.Unlock()
	assert.Equal(t, []string{"first", "second"}, seen)
}

func TestDifferentConnectionsRunInParallel(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	b := CreateBus(BusParams{Workers: 4, Logger: zap.NewNop()})
	require.NoError(t, b.Subscribe(events.KindMessageReceived, func(ctx context.Context, ev events.Event) error {
		if string(ev.(events.MessageReceived).Payload) == "blocked" {
			<-release
		}
		return nil
	}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Start(ctx)

	// Find a connection that lands on another worker than the blocked one.
	blocked := &testConn{id: "blocked"}
	var other *testConn
	for i := 0; other == nil; i++ {
		candidate := &testConn{id: "c" + string(rune('a'+i))}
		if b.queueFor(message(candidate, "")) != b.queueFor(message(blocked, "")) {
			other = candidate
		}
	}

	b.Publish(context.Background(), message(blocked, "blocked"))
	assert.NoError(t, wait(t, b.Publish(context.Background(), message(other, "free"))))
}

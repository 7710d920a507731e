package bridge

import (
	"context"
	goerrs "errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/sessamekesh/wsroutes/pkg/eventbus"
	"github.com/sessamekesh/wsroutes/pkg/loop"
	"github.com/sessamekesh/wsroutes/pkg/routes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeConn struct {
	mut      sync.Mutex
	received []string
}

func (c *fakeConn) Send(payload []byte) error {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.received = append(c.received, string(payload))
	return nil
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) messages() []string {
	c.mut.Lock()
	defer c.mut.Unlock()
	return append([]string(nil), c.received...)
}

type fakeSource struct {
	messages []Message
	err      error
}

func (s *fakeSource) Name() string { return "fake" }

func (s *fakeSource) Run(ctx context.Context, out chan<- Message) error {
	for _, msg := range s.messages {
		out <- msg
	}
	if s.err != nil {
		return s.err
	}
	<-ctx.Done()
	return nil
}

// newTable returns routes "news" and "chat" with one authorized connection each.
func newTable(t *testing.T) (*routes.Table, *fakeConn, *fakeConn) {
	t.Helper()
	table, err := routes.BuildTable(routes.TableParams{
		Routes: map[string]routes.RouteConfig{
			"news": {Path: "/news"},
			"chat": {Path: "/chat"},
		},
		Publisher: eventbus.CreateBus(eventbus.BusParams{Logger: zap.NewNop()}),
		Loop:      loop.Create(loop.Params{Logger: zap.NewNop()}),
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)

	news, chat := &fakeConn{}, &fakeConn{}
	entry, _ := table.Get("news")
	entry.Application.Connections().Add(news)
	entry, _ = table.Get("chat")
	entry.Application.Connections().Add(chat)
	return table, news, chat
}

func TestDeliverTargetsNamedRoute(t *testing.T) {
	table, news, chat := newTable(t)
	b := CreateBridge(BridgeParams{Table: table, Routes: []string{"news", "chat"}, Logger: zap.NewNop()})

	b.Deliver(Message{Source: "fake", Route: "news", Payload: []byte("headline")})
	b.Deliver(Message{Source: "fake", Payload: []byte("everyone")})
	b.Deliver(Message{Source: "fake", Route: "missing", Payload: []byte("lost")})

	assert.Equal(t, []string{"headline", "everyone"}, news.messages())
	assert.Equal(t, []string{"everyone"}, chat.messages())
}

func TestStartRelaysSourceMessages(t *testing.T) {
	table, news, _ := newTable(t)
	source := &fakeSource{messages: []Message{
		{Source: "fake", Route: "news", Payload: []byte("one")},
		{Source: "fake", Route: "news", Payload: []byte("two")},
	}}
	b := CreateBridge(BridgeParams{Table: table, Sources: []Source{source}, Logger: zap.NewNop()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Start(ctx) }()

	require.Eventually(t, func() bool { return len(news.messages()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"one", "two"}, news.messages())

	cancel()
	assert.NoError(t, <-done)
}

func TestStartFailsWithSource(t *testing.T) {
	table, _, _ := newTable(t)
	boom := goerrs.New("broker went away")
	b := CreateBridge(BridgeParams{Table: table, Sources: []Source{&fakeSource{err: boom}}, Logger: zap.NewNop()})

	err := b.Start(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestStartWithoutSources(t *testing.T) {
	b := CreateBridge(BridgeParams{Logger: zap.NewNop()})
	assert.NoError(t, b.Start(context.Background()))
}

func TestParseMappings(t *testing.T) {
	mappings, err := ParseMappings([]string{"events:news", "firehose", " alerts : chat "})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"events":   "news",
		"firehose": "",
		"alerts":   "chat",
	}, mappings)

	_, err = ParseMappings([]string{":news"})
	assert.Error(t, err)
}

func TestAMQPRelay(t *testing.T) {
	s := CreateAMQPSource(AMQPSourceParams{Exchanges: map[string]string{"events": "news"}, Logger: zap.NewNop()})
	deliveries := make(chan amqp.Delivery, 2)
	out := make(chan Message, 2)

	deliveries <- amqp.Delivery{Exchange: "unknown", Body: []byte("skip")}
	deliveries <- amqp.Delivery{Exchange: "events", Body: []byte("hello")}
	close(deliveries)

	err := s.relay(context.Background(), deliveries, out)
	assert.ErrorIs(t, err, ErrDeliveriesClosed)
	require.Len(t, out, 1)
	assert.Equal(t, Message{Source: "amqp", Route: "news", Payload: []byte("hello")}, <-out)
}

func TestRedisRelay(t *testing.T) {
	s := CreateRedisSource(RedisSourceParams{Channels: map[string]string{"alerts": "chat"}, Logger: zap.NewNop()})
	messages := make(chan *redis.Message, 2)
	out := make(chan Message, 2)

	messages <- &redis.Message{Channel: "alerts", Payload: "fire"}
	messages <- &redis.Message{Channel: "other", Payload: "skip"}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.relay(ctx, messages, out) }()

	select {
	case msg := <-out:
		assert.Equal(t, Message{Source: "redis", Route: "chat", Payload: []byte("fire")}, msg)
	case <-time.After(time.Second):
		t.Fatal("message was not relayed")
	}

	cancel()
	assert.NoError(t, <-done)
}

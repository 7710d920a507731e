package subscribers

import (
	"context"
	goerrs "errors"
	"sync"
	"testing"

	"github.com/sessamekesh/wsroutes/pkg/eventbus"
	"github.com/sessamekesh/wsroutes/pkg/events"
	"github.com/sessamekesh/wsroutes/pkg/metrics"
	"github.com/sessamekesh/wsroutes/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeConn struct {
	id      string
	sendErr error

	mut      sync.Mutex
	received []string
}

func (c *fakeConn) Send(payload []byte) error {
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.received = append(c.received, string(payload))
	return nil
}

func (c *fakeConn) Close() error     { return nil }
func (c *fakeConn) Identity() string { return c.id }

func (c *fakeConn) messages() []string {
	c.mut.Lock()
	defer c.mut.Unlock()
	return append([]string(nil), c.received...)
}

func members(conns ...*fakeConn) *registry.Registry {
	r := registry.CreateRegistry()
	for _, c := range conns {
		r.Add(c)
	}
	return r
}

func TestAnnouncerNotices(t *testing.T) {
	a, b := &fakeConn{id: "a"}, &fakeConn{id: "b"}
	reg := members(a, b)
	announcer := CreateAnnouncer(AnnouncerParams{Logger: zap.NewNop()})
	ctx := context.Background()

	newcomer := &fakeConn{id: "new"}
	require.NoError(t, announcer.OnConnectionOpened(ctx, events.ConnectionOpened{
		Envelope: events.Envelope{Route: "main", Registry: reg, Conn: newcomer},
	}))
	require.NoError(t, announcer.OnMessageReceived(ctx, events.MessageReceived{
		Envelope: events.Envelope{Route: "main", Registry: reg, Conn: a},
		Payload:  []byte("hi"),
	}))
	require.NoError(t, announcer.OnConnectionClosed(ctx, events.ConnectionClosed{
		Envelope: events.Envelope{Route: "main", Registry: reg, Conn: newcomer},
	}))

	expected := []string{
		"Opened connection on route main",
		"Message received from route main: hi",
		"Connection closed from route main",
	}
	assert.Equal(t, expected, a.messages())
	assert.Equal(t, expected, b.messages())
	assert.Empty(t, newcomer.messages())
}

func TestAnnouncerCanExcludeSender(t *testing.T) {
	a, b := &fakeConn{id: "a"}, &fakeConn{id: "b"}
	reg := members(a, b)
	announcer := CreateAnnouncer(AnnouncerParams{ExcludeSender: true, Logger: zap.NewNop()})

	require.NoError(t, announcer.OnMessageReceived(context.Background(), events.MessageReceived{
		Envelope: events.Envelope{Route: "main", Registry: reg, Conn: a},
		Payload:  []byte("hi"),
	}))

	assert.Empty(t, a.messages())
	assert.Equal(t, []string{"Message received from route main: hi"}, b.messages())
}

func TestAnnouncerSwallowsSendFailures(t *testing.T) {
	broken := &fakeConn{id: "broken", sendErr: goerrs.New("pipe closed")}
	ok := &fakeConn{id: "ok"}
	announcer := CreateAnnouncer(AnnouncerParams{Logger: zap.NewNop(), Metrics: metrics.New()})

	err := announcer.OnConnectionOpened(context.Background(), events.ConnectionOpened{
		Envelope: events.Envelope{Route: "main", Registry: members(broken, ok)},
	})
	assert.NoError(t, err)
	assert.Len(t, ok.messages(), 1)
}

func TestAnnouncerRegistersOnBus(t *testing.T) {
	bus := eventbus.CreateBus(eventbus.BusParams{Logger: zap.NewNop()})
	require.NoError(t, CreateAnnouncer(AnnouncerParams{Logger: zap.NewNop()}).Register(bus))

	assert.Equal(t, 1, bus.SubscriberCount(events.KindConnectionOpened))
	assert.Equal(t, 1, bus.SubscriberCount(events.KindConnectionClosed))
	assert.Equal(t, 1, bus.SubscriberCount(events.KindMessageReceived))
	assert.Zero(t, bus.SubscriberCount(events.KindConnectionAuth))
}

func TestStaticTokenAuthorizer(t *testing.T) {
	authorizer := CreateStaticTokenAuthorizer(StaticTokenAuthorizerParams{
		Tokens: []string{"s3cret", "  other\n", ""},
		Logger: zap.NewNop(),
	})
	attempt := func(payload string) error {
		return authorizer.Authorize(context.Background(), events.ConnectionAuth{
			Envelope: events.Envelope{Route: "auth"},
			Payload:  []byte(payload),
		})
	}

	assert.NoError(t, attempt("s3cret"))
	assert.NoError(t, attempt("s3cret\r\n"))
	assert.NoError(t, attempt("other"))

	err := attempt("guess")
	assert.True(t, events.IsAuthRejected(err))
	var rejected *events.AuthRejected
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "auth", rejected.Route)

	assert.True(t, events.IsAuthRejected(attempt("")))
}

func TestStaticTokenAuthorizerWithoutTokensRejects(t *testing.T) {
	authorizer := CreateStaticTokenAuthorizer(StaticTokenAuthorizerParams{Logger: zap.NewNop()})
	err := authorizer.Authorize(context.Background(), events.ConnectionAuth{Payload: []byte("anything")})
	assert.True(t, events.IsAuthRejected(err))
}

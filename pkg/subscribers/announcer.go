// Package subscribers holds the event-bus reactions shipped with the server:
// a broadcast announcer and a static token authorizer.
package subscribers

import (
	"context"
	"fmt"

	"github.com/sessamekesh/wsroutes/pkg/eventbus"
	"github.com/sessamekesh/wsroutes/pkg/events"
	"github.com/sessamekesh/wsroutes/pkg/handlers"
	"github.com/sessamekesh/wsroutes/pkg/identity"
	"github.com/sessamekesh/wsroutes/pkg/metrics"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type AnnouncerParams struct {
	// ExcludeSender keeps a message notice from echoing back to its author.
	ExcludeSender bool

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Announcer broadcasts a notice to a route's authorized connections whenever
// a connection opens, closes or sends a message there. Send failures are
// logged and never fail the event.
type Announcer struct {
	excludeSender bool

	log     *zap.Logger
	metrics *metrics.Metrics
}

func CreateAnnouncer(params AnnouncerParams) *Announcer {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	return &Announcer{
		excludeSender: params.ExcludeSender,
		log:           logger.With(zap.String("subscriber", "Announcer")),
		metrics:       params.Metrics,
	}
}

func (a *Announcer) Register(bus *eventbus.Bus) error {
	return multierr.Combine(
		bus.Subscribe(events.KindConnectionOpened, a.OnConnectionOpened),
		bus.Subscribe(events.KindConnectionClosed, a.OnConnectionClosed),
		bus.Subscribe(events.KindMessageReceived, a.OnMessageReceived),
	)
}

func (a *Announcer) OnConnectionOpened(ctx context.Context, ev events.Event) error {
	base := ev.Base()
	a.broadcast(base, fmt.Sprintf("Opened connection on route %s", base.Route), nil)
	return nil
}

func (a *Announcer) OnConnectionClosed(ctx context.Context, ev events.Event) error {
	base := ev.Base()
	a.broadcast(base, fmt.Sprintf("Connection closed from route %s", base.Route), nil)
	return nil
}

func (a *Announcer) OnMessageReceived(ctx context.Context, ev events.Event) error {
	msg, ok := ev.(events.MessageReceived)
	if !ok {
		return nil
	}

	var excluded handlers.Conn
	if a.excludeSender {
		excluded = msg.Conn
	}
	a.broadcast(msg.Envelope, fmt.Sprintf("Message received from route %s: %s", msg.Route, msg.Payload), excluded)
	return nil
}

func (a *Announcer) broadcast(base events.Envelope, notice string, excluded handlers.Conn) {
	if base.Registry == nil {
		return
	}

	err := base.Registry.Broadcast([]byte(notice), excluded)
	if err == nil {
		return
	}

	failures := multierr.Errors(err)
	a.metrics.BroadcastFailures(base.Route, len(failures))
	a.log.Warn("Broadcast partially failed",
		zap.String("route", base.Route),
		zap.String("connId", identity.Identify(base.Conn)),
		zap.Int("failures", len(failures)),
		zap.Error(err),
	)
}

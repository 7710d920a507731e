package routes

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sessamekesh/wsroutes/internal"
	"github.com/sessamekesh/wsroutes/pkg/errors"
	"github.com/sessamekesh/wsroutes/pkg/events"
	"github.com/sessamekesh/wsroutes/pkg/handlers"
	"github.com/sessamekesh/wsroutes/pkg/identity"
	"github.com/sessamekesh/wsroutes/pkg/loop"
	"github.com/sessamekesh/wsroutes/pkg/metrics"
	"github.com/sessamekesh/wsroutes/pkg/registry"
	"go.uber.org/zap"
)

const (
	DefaultAuthTimeout = time.Second

	maxLoggedPayload = 256
	payloadCutset    = " \t\n\r\x00\x0B"
)

type ApplicationParams struct {
	Name string

	// Connections is the route's authorized registry, shared with event
	// subscribers. A fresh registry is created when nil.
	Connections *registry.Registry

	Publisher events.Publisher
	Loop      *loop.Loop

	Authorizable bool
	AuthTimeout  time.Duration

	// Context is handed to every publish. Defaults to context.Background.
	Context context.Context

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Application is the per-route connection state machine. It implements
// handlers.Handler; every callback is re-posted onto the shared loop and all
// state changes happen there.
//
// Per connection: opening -> (pending <-> authorizing ->) authorized -> closed.
// Pending is only used on authorizable routes, where messages are
// authorization attempts and a timer closes connections that never succeed.
// One attempt is in flight at a time; messages arriving meanwhile wait in the
// session backlog.
type Application struct {
	name string

	connections *registry.Registry
	pending     *registry.Registry
	sessions    *internal.SessionStore

	publisher events.Publisher
	loop      *loop.Loop
	ctx       context.Context

	authorizable bool
	authTimeout  time.Duration

	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

var _ handlers.Handler = (*Application)(nil)

func CreateApplication(params ApplicationParams) (*Application, error) {
	if params.Name == "" {
		return nil, &errors.InvalidRouteConfig{Route: params.Name, Reason: "route name is empty"}
	}
	if params.Publisher == nil {
		return nil, &errors.InvalidRouteConfig{Route: params.Name, Reason: "no event publisher"}
	}
	if params.Loop == nil {
		return nil, &errors.InvalidRouteConfig{Route: params.Name, Reason: "no event loop"}
	}

	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	connections := params.Connections
	if connections == nil {
		connections = registry.CreateRegistry()
	}
	authTimeout := DefaultAuthTimeout
	if params.AuthTimeout > 0 {
		authTimeout = params.AuthTimeout
	}
	ctx := params.Context
	if ctx == nil {
		ctx = context.Background()
	}

	return &Application{
		name:         params.Name,
		connections:  connections,
		pending:      registry.CreateRegistry(),
		sessions:     internal.CreateSessionStore(),
		publisher:    params.Publisher,
		loop:         params.Loop,
		ctx:          ctx,
		authorizable: params.Authorizable,
		authTimeout:  authTimeout,
		log:          logger.With(zap.String("route", params.Name)),
		metrics:      params.Metrics,
		now:          time.Now,
	}, nil
}

func (a *Application) Name() string                      { return a.name }
func (a *Application) Connections() *registry.Registry   { return a.connections }
func (a *Application) Authorizable() bool                { return a.authorizable }
func (a *Application) AuthTimeout() time.Duration        { return a.authTimeout }
func (a *Application) PendingCount() int                 { return a.pending.Count() }
func (a *Application) IsPending(c handlers.Conn) bool    { return a.pending.Contains(c) }
func (a *Application) IsAuthorized(c handlers.Conn) bool { return a.connections.Contains(c) }

func (a *Application) OnOpen(c handlers.Conn) {
	a.loop.Post(func() { a.handleOpen(c) })
}

func (a *Application) OnClose(c handlers.Conn) {
	a.loop.Post(func() { a.handleClose(c) })
}

func (a *Application) OnError(c handlers.Conn, err error) {
	a.loop.Post(func() { a.handleError(c, err) })
}

func (a *Application) OnMessage(c handlers.Conn, payload []byte) {
	a.loop.Post(func() { a.handleMessage(c, payload) })
}

func (a *Application) envelope(c handlers.Conn) events.Envelope {
	return events.Envelope{
		Route:    a.name,
		Registry: a.connections,
		Conn:     c,
	}
}

func (a *Application) connLog(c handlers.Conn) *zap.Logger {
	return a.log.With(zap.String("connId", identity.Identify(c)))
}

func (a *Application) transition(c handlers.Conn, from, to internal.ConnectionState) bool {
	if err := a.sessions.Transition(c, from, to); err != nil {
		a.connLog(c).Error("Unexpected connection state", zap.Error(err))
		return false
	}
	return true
}

func (a *Application) replayBacklog(c handlers.Conn) {
	for _, payload := range a.sessions.TakeBacklog(c) {
		a.handleMessage(c, payload)
	}
}

func (a *Application) handleOpen(c handlers.Conn) {
	log := a.connLog(c)

	if err := a.sessions.Open(c, a.now()); err != nil {
		log.Error("Ignoring repeated open for the same connection", zap.Error(err))
		return
	}
	a.metrics.ConnectionOpened(a.name)

	// Placement waits for the opened event so subscribers (e.g. a broadcast
	// announcing the newcomer) run before the connection joins a registry.
	completion := a.publisher.Publish(a.ctx, events.ConnectionOpened{Envelope: a.envelope(c)})
	a.loop.Await(completion, func(err error) {
		a.placeConnection(c, err)
	})
}

func (a *Application) placeConnection(c handlers.Conn, openErr error) {
	log := a.connLog(c)

	if a.sessions.State(c) != internal.StateOpening {
		a.sessions.Forget(c)
		log.Debug("Connection closed before it could be placed")
		return
	}

	if openErr != nil {
		a.transition(c, internal.StateOpening, internal.StateClosing)
		log.Error("Opened event failed, closing connection", zap.Error(openErr))
		if err := c.Close(); err != nil {
			log.Warn("Failed to close connection", zap.Error(err))
		}
		return
	}

	if a.authorizable {
		if !a.transition(c, internal.StateOpening, internal.StatePending) {
			return
		}
		a.pending.Add(c)
		timer := a.loop.AfterFunc(a.authTimeout, func() {
			a.expireAuthorization(c)
		})
		a.sessions.SetAuthTimer(c, timer)
	} else {
		if !a.transition(c, internal.StateOpening, internal.StateAuthorized) {
			return
		}
		a.connections.Add(c)
	}
	a.refreshGauges()

	log.Info("Connection opened", zap.Bool("pendingAuthorization", a.authorizable))
	a.replayBacklog(c)
}

func (a *Application) expireAuthorization(c handlers.Conn) {
	state := a.sessions.State(c)
	if state != internal.StatePending && state != internal.StateAuthorizing {
		return
	}

	log := a.connLog(c)
	log.Warn("Authorization timed out, closing connection", zap.Duration("timeout", a.authTimeout))
	a.metrics.AuthTimedOut(a.name)
	if err := c.Close(); err != nil {
		log.Warn("Failed to close connection", zap.Error(err))
	}
}

func (a *Application) handleClose(c handlers.Conn) {
	log := a.connLog(c)

	a.connections.Remove(c)
	a.pending.Remove(c)
	previous := a.sessions.Close(c)
	if previous == internal.StateClosed {
		log.Debug("Ignoring close for a connection that is not open")
		return
	}
	a.metrics.ConnectionClosed(a.name)
	a.refreshGauges()

	completion := a.publisher.Publish(a.ctx, events.ConnectionClosed{Envelope: a.envelope(c)})
	a.loop.Await(completion, func(err error) {
		if err != nil {
			log.Warn("Closed event failed", zap.Error(err))
		}
	})

	log.Info("Connection closed", zap.Stringer("previousState", previous))
}

func (a *Application) handleError(c handlers.Conn, cause error) {
	log := a.connLog(c)
	a.metrics.ConnectionError(a.name)

	completion := a.publisher.Publish(a.ctx, events.ConnectionError{Envelope: a.envelope(c), Err: cause})
	a.loop.Await(completion, func(err error) {
		if err != nil {
			log.Warn("Error event failed", zap.Error(err))
		}
	})

	log.Warn("Error thrown", zap.Error(cause))
}

func (a *Application) handleMessage(c handlers.Conn, payload []byte) {
	log := a.connLog(c)

	switch state := a.sessions.State(c); state {
	case internal.StateOpening, internal.StateAuthorizing:
		a.sessions.QueueMessage(c, payload)
		log.Debug("Holding message", zap.Stringer("state", state))
	case internal.StatePending:
		a.authorize(c, payload)
	case internal.StateAuthorized:
		a.forward(c, payload)
	default:
		log.Debug("Dropping message from closed connection", zap.Int("size", len(payload)))
	}
}

func (a *Application) forward(c handlers.Conn, payload []byte) {
	log := a.connLog(c)
	a.metrics.MessageReceived(a.name)

	completion := a.publisher.Publish(a.ctx, events.MessageReceived{Envelope: a.envelope(c), Payload: payload})
	a.loop.Await(completion, func(err error) {
		if err != nil {
			log.Warn("Message event failed", zap.Error(err))
		}
	})

	log.Info("Messaged", zap.String("message", loggablePayload(payload)))
}

func (a *Application) authorize(c handlers.Conn, payload []byte) {
	if !a.transition(c, internal.StatePending, internal.StateAuthorizing) {
		return
	}
	completion := a.publisher.Publish(a.ctx, events.ConnectionAuth{Envelope: a.envelope(c), Payload: payload})
	a.loop.Await(completion, func(err error) {
		a.completeAuthorization(c, err)
	})
}

func (a *Application) completeAuthorization(c handlers.Conn, authErr error) {
	log := a.connLog(c)

	if state := a.sessions.State(c); state != internal.StateAuthorizing {
		log.Debug("Authorization resolved after connection left pending", zap.Stringer("state", state))
		return
	}

	if authErr == nil {
		if !registry.Transfer(c, a.pending, a.connections) {
			log.Error("Pending connection missing from pending registry")
			return
		}
		if !a.transition(c, internal.StateAuthorizing, internal.StateAuthorized) {
			return
		}
		if openedAt, ok := a.sessions.OpenedAt(c); ok {
			a.metrics.Authorized(a.name, a.now().Sub(openedAt))
		}
		a.refreshGauges()
		log.Info("Connection authorized")
		a.replayBacklog(c)
		return
	}

	if events.IsAuthRejected(authErr) {
		a.metrics.AuthRejected(a.name)
		log.Warn("Authorization rejected", zap.Error(authErr))
		if err := c.Close(); err != nil {
			log.Warn("Failed to close connection", zap.Error(err))
		}
		return
	}

	log.Error("Authorization failed, connection stays pending", zap.Error(authErr))
	if a.transition(c, internal.StateAuthorizing, internal.StatePending) {
		a.replayBacklog(c)
	}
}

func (a *Application) refreshGauges() {
	a.metrics.SetConnections(a.name, "authorized", a.connections.Count())
	a.metrics.SetConnections(a.name, "pending", a.pending.Count())
}

func loggablePayload(payload []byte) string {
	s := strings.Trim(string(payload), payloadCutset)
	if len(s) > maxLoggedPayload {
		cut := maxLoggedPayload
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		return s[:cut] + "..."
	}
	return s
}

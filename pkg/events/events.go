// Package events defines the lifecycle events a route publishes and the
// contract of the bus they are published on.
//
// The set of events is closed: Opened, Closed, Error, MessageReceived and Auth.
// Every event carries an Envelope with the route name, the route's authorized
// registry (so subscribers can broadcast back) and the connection handle.
package events

import (
	"context"

	"github.com/sessamekesh/wsroutes/pkg/handlers"
	"github.com/sessamekesh/wsroutes/pkg/registry"
)

type Kind string

const (
	KindConnectionOpened Kind = "connection.opened"
	KindConnectionClosed Kind = "connection.closed"
	KindConnectionError  Kind = "connection.error"
	KindMessageReceived  Kind = "message.received"
	KindConnectionAuth   Kind = "connection.auth"
)

var Kinds = []Kind{
	KindConnectionOpened,
	KindConnectionClosed,
	KindConnectionError,
	KindMessageReceived,
	KindConnectionAuth,
}

type Event interface {
	Kind() Kind
	Base() Envelope

	isEvent()
}

type Envelope struct {
	Route    string
	Registry *registry.Registry
	Conn     handlers.Conn
}

func (e Envelope) Base() Envelope { return e }
func (Envelope) isEvent()         {}

type ConnectionOpened struct {
	Envelope
}

func (ConnectionOpened) Kind() Kind { return KindConnectionOpened }

type ConnectionClosed struct {
	Envelope
}

func (ConnectionClosed) Kind() Kind { return KindConnectionClosed }

type ConnectionError struct {
	Envelope
	Err error
}

func (ConnectionError) Kind() Kind { return KindConnectionError }

type MessageReceived struct {
	Envelope
	Payload []byte
}

func (MessageReceived) Kind() Kind { return KindMessageReceived }

// ConnectionAuth is published for the first message(s) of a pending
// connection. A subscriber rejects the attempt by returning an AuthRejected
// error; returning nil accepts it.
type ConnectionAuth struct {
	Envelope
	Payload []byte
}

func (ConnectionAuth) Kind() Kind { return KindConnectionAuth }

// Publisher is the event bus as seen by a route. The returned channel yields
// exactly one value, nil on success, and is then closed.
type Publisher interface {
	Publish(ctx context.Context, ev Event) <-chan error
}

// Resolved returns a completion that already carries err.
func Resolved(err error) <-chan error {
	ch := make(chan error, 1)
	ch <- err
	close(ch)
	return ch
}

package errors

import (
	goerrs "errors"
	"fmt"
	"strings"
)

var ErrBusClosed = goerrs.New("event bus closed")

type UnknownRoute struct {
	Names []string
}

func (e *UnknownRoute) Error() string {
	return fmt.Sprintf("Unknown route(s) requested: %s", strings.Join(e.Names, ", "))
}

type NameCollision struct {
	CollisionContext string
	Name             string
}

func (e *NameCollision) Error() string {
	return fmt.Sprintf("Name collision for name '%s' in context '%s'", e.Name, e.CollisionContext)
}

type InvalidRouteConfig struct {
	Route  string
	Reason string
}

func (e *InvalidRouteConfig) Error() string {
	return fmt.Sprintf("Invalid configuration for route '%s': %s", e.Route, e.Reason)
}

type BusStarted struct{}

func (e *BusStarted) Error() string {
	return "Event bus already started - subscriptions must be registered before Start"
}

type SendQueueFull struct {
	ConnId string
}

func (e *SendQueueFull) Error() string {
	return fmt.Sprintf("Send queue full for connection %s", e.ConnId)
}

type ConnectionClosed struct {
	ConnId string
}

func (e *ConnectionClosed) Error() string {
	return fmt.Sprintf("Connection %s is closed", e.ConnId)
}
